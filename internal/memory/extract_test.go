package memory_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/memory"
)

func labelsOf(entities []event.EntityRef) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.PrefLabel)
	}
	return out
}

func TestRegexExtractorEntities(t *testing.T) {
	out, err := memory.RegexExtractor{}.Extract(context.Background(),
		"The SwarmCoordinator refreshes its JWT before the `token.Refresh` call hits the api")
	require.NoError(t, err)

	assert.ElementsMatch(t,
		[]string{"SwarmCoordinator", "JWT", "token.Refresh", "token", "api"},
		labelsOf(out.Entities))
	assert.Empty(t, out.Relations)
}

func TestRegexExtractorDedupsCaseInsensitively(t *testing.T) {
	out, err := memory.RegexExtractor{}.Extract(context.Background(),
		"We store sqlite and SQLite rows in the database")
	require.NoError(t, err)

	assert.Equal(t, []string{"sqlite", "database"}, labelsOf(out.Entities))
}

func TestRegexExtractorRelations(t *testing.T) {
	content := "Taxonomy:\n- CacheLayer -> Infrastructure\nRateLimiter -> Infrastructure\nskip this -> \nCache -> cache"
	out, err := memory.RegexExtractor{}.Extract(context.Background(), content)
	require.NoError(t, err)

	require.Len(t, out.Relations, 2)
	assert.Equal(t, event.EntityRelation{Broader: "Infrastructure", Narrower: "CacheLayer"}, out.Relations[0])
	assert.Equal(t, event.EntityRelation{Broader: "Infrastructure", Narrower: "RateLimiter"}, out.Relations[1])

	// Relation endpoints become entities too.
	assert.Contains(t, labelsOf(out.Entities), "Infrastructure")
	assert.Contains(t, labelsOf(out.Entities), "CacheLayer")
	assert.Contains(t, labelsOf(out.Entities), "RateLimiter")
}

func TestRegexExtractorCapsEntities(t *testing.T) {
	var sb strings.Builder
	for i := range 30 {
		fmt.Fprintf(&sb, "TypeName%dWidget ", i)
	}
	out, err := memory.RegexExtractor{}.Extract(context.Background(), sb.String())
	require.NoError(t, err)
	assert.Len(t, out.Entities, 16)
}

func TestPipelineMergesStages(t *testing.T) {
	ctx := context.Background()

	// A failing stage does not discard what the others found.
	p := memory.Pipeline{failingExtractor{}, memory.RegexExtractor{}}
	out, err := p.Extract(ctx, "The CacheLayer fronts the database")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"CacheLayer", "database"}, labelsOf(out.Entities))

	// Duplicate stages merge without duplicate output.
	dup := memory.Pipeline{memory.RegexExtractor{}, memory.RegexExtractor{}}
	out, err = dup.Extract(ctx, "The CacheLayer fronts the database\nCacheLayer -> Infrastructure")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"CacheLayer", "database", "Infrastructure"}, labelsOf(out.Entities))
	assert.Len(t, out.Relations, 1)

	// Only a total failure surfaces as an error.
	allFail := memory.Pipeline{failingExtractor{}, failingExtractor{}}
	_, err = allFail.Extract(ctx, "anything")
	assert.Error(t, err)

	empty := memory.Pipeline{}
	out, err = empty.Extract(ctx, "anything")
	require.NoError(t, err)
	assert.Empty(t, out.Entities)
}
