package identity_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexframe/swarmmail/internal/identity"
)

func TestGeneratedIDPrefixes(t *testing.T) {
	tests := []struct {
		name   string
		gen    func() string
		prefix string
	}{
		{"event", identity.GenerateEventID, "evt_"},
		{"message", identity.GenerateMessageID, "msg_"},
		{"thread", identity.GenerateThreadID, "thr_"},
		{"memory", identity.GenerateMemoryID, "mem_"},
		{"decision", identity.GenerateDecisionID, "dec_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := tt.gen()
			assert.Regexp(t, "^"+tt.prefix+"[0-9A-Z]{26}$", id)

			ts, err := identity.ULIDTimestamp(id)
			require.NoError(t, err)
			assert.WithinDuration(t, time.Now(), ts, time.Minute)
		})
	}
}

func TestGeneratedIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		id := identity.GenerateEventID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"My Project", "my-project"},
		{"/home/dev/apps/checkout-v2", "home-dev-apps-checkout-v2"},
		{"--weird__ input!!", "weird-input"},
		{"", "project"},
		{"...", "project"},
		{"already-slugged", "already-slugged"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, identity.Slugify(tt.in), "Slugify(%q)", tt.in)
	}
}

func TestProjectHashStable(t *testing.T) {
	h1 := identity.ProjectHash("/home/dev/apps/checkout")
	h2 := identity.ProjectHash("/home/dev/apps/checkout")
	h3 := identity.ProjectHash("/home/dev/apps/billing")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 8)
	assert.Regexp(t, "^[0-9a-z]{8}$", h1)
}

func TestGenerateCellID(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	id := identity.GenerateCellID("checkout", "Add retry to payment client", "coordinator_1", now, 0)
	require.NoError(t, identity.ValidateCellID(id))
	assert.Regexp(t, `^checkout-[0-9a-z]{6,}-[0-9a-z]{6}$`, id)

	// Same second, same title: the nonce must still separate them.
	other := identity.GenerateCellID("checkout", "Add retry to payment client", "coordinator_1", now, 1)
	assert.NotEqual(t, id, other)

	assert.Len(t, identity.CellIDHash(id), 6)
}

func TestValidateCellID(t *testing.T) {
	tests := []struct {
		id string
		ok bool
	}{
		{"checkout-sfz0xx-a1b2c3", true},
		{"my-long-project-sfz0xx-a1b2c3", true},
		{"checkout-abc-a1b2c3", false}, // epoch segment too short
		{"checkout-sfz0xx", false},
		{"Checkout-sfz0xx-a1b2c3", false}, // uppercase
		{"", false},
	}
	for _, tt := range tests {
		err := identity.ValidateCellID(tt.id)
		if tt.ok {
			assert.NoError(t, err, "id %q", tt.id)
		} else {
			assert.Error(t, err, "id %q", tt.id)
		}
	}
}

func TestValidateAgentName(t *testing.T) {
	require.NoError(t, identity.ValidateAgentName("worker_3"))
	require.NoError(t, identity.ValidateAgentName("furiosa"))

	for _, bad := range []string{"", "all", "broadcast", "system", "swarmmail", "coordinator", "Worker", "with-hyphen", "with space", "*"} {
		assert.Error(t, identity.ValidateAgentName(bad), "name %q", bad)
	}
}

func TestEncodeBase36(t *testing.T) {
	assert.Equal(t, "000000", identity.EncodeBase36([]byte{0}, 6))
	assert.Len(t, identity.EncodeBase36([]byte{0xff, 0xff, 0xff, 0xff}, 6), 6)
	assert.Regexp(t, "^[0-9a-z]+$", identity.EncodeBase36([]byte("swarm"), 8))
}
