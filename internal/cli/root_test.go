package cli

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexframe/swarmmail/internal/reservation"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

func TestParseWhenRFC3339(t *testing.T) {
	got, err := parseWhen("2026-03-01T12:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC), got.UTC())
}

func TestParseWhenDate(t *testing.T) {
	got, err := parseWhen("2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), got.UTC())
}

func TestParseWhenNatural(t *testing.T) {
	got, err := parseWhen("2 hours ago")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(-2*time.Hour), got, time.Minute)
}

func TestParseWhenGarbage(t *testing.T) {
	_, err := parseWhen("not a time at all xyzzy")
	require.Error(t, err)
	assert.ErrorIs(t, err, swarmerr.ErrValidation)
}

func TestFormatAge(t *testing.T) {
	now := time.Now()
	assert.Equal(t, "-", formatAge(time.Time{}))
	assert.Equal(t, "30s", formatAge(now.Add(-30*time.Second)))
	assert.Equal(t, "5m", formatAge(now.Add(-5*time.Minute)))
	assert.Equal(t, "3h", formatAge(now.Add(-3*time.Hour)))
	assert.Equal(t, "2d", formatAge(now.Add(-50*time.Hour)))
}

func TestTruncateLine(t *testing.T) {
	assert.Equal(t, "short", truncateLine("short", 10))
	assert.Equal(t, "exactly-te", truncateLine("exactly-te", 10))
	assert.Equal(t, "this is a…", truncateLine("this is a long line", 10))

	// Multibyte runes must not be split.
	assert.Equal(t, "héllo wör…", truncateLine("héllo wörld and more", 10))
}

func TestFlagPointers(t *testing.T) {
	cmd := &cobra.Command{Use: "x", Run: func(*cobra.Command, []string) {}}
	cmd.Flags().Int("priority", 2, "")
	cmd.Flags().String("title", "", "")
	cmd.Flags().Float64("quality", 0, "")

	require.NoError(t, cmd.Flags().Parse([]string{"--priority", "0", "--title", ""}))

	p := intFlag(cmd, "priority")
	require.NotNil(t, p)
	assert.Equal(t, 0, *p)

	// Set to its zero value still counts as set.
	s := stringFlag(cmd, "title")
	require.NotNil(t, s)
	assert.Equal(t, "", *s)

	assert.Nil(t, float64Flag(cmd, "quality"))
}

func TestConflictHolders(t *testing.T) {
	conflicts := []reservation.Conflict{
		{Path: "a.go", Holder: "zed"},
		{Path: "b.go", Holder: "amy"},
		{Path: "c.go", Holder: "zed"},
	}
	assert.Equal(t, []string{"zed", "amy"}, conflictHolders(conflicts))
	assert.Nil(t, conflictHolders(nil))
}
