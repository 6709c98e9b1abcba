package reservation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexframe/swarmmail/internal/reservation"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"src/main.go", "src/main.go", true},
		{"src/main.go", "src/other.go", false},
		{"src/*.go", "src/main.go", true},
		{"src/*.go", "src/sub/main.go", false},
		{"src/**", "src/a/b/c.ts", true},
		{"src/**", "src", true},
		{"**/*.ts", "a/b/c.ts", true},
		{"**/*.ts", "c.ts", true},
		{"**/*.ts", "c.go", false},
		{"src/**/util.go", "src/util.go", true},
		{"src/**/util.go", "src/a/b/util.go", true},
		{"?at.md", "cat.md", true},
		{"?at.md", "chat.md", false},
		{"[abc]at.md", "bat.md", true},
		{"[abc]at.md", "rat.md", false},
		{"[!abc]at.md", "bat.md", false},
		{"[!abc]at.md", "rat.md", true},
		{"[a-c]at.md", "bat.md", true},
		{"data/[0-9]*.csv", "data/42.csv", true},
		{"./src/main.go", "src/main.go", true},
		{"src/main.go", "./src/main.go", true},
		{"src\\main.go", "src/main.go", true},
		{"src/", "src", true},
	}
	for _, tc := range cases {
		got, err := reservation.Match(tc.pattern, tc.path)
		require.NoError(t, err, "pattern %q path %q", tc.pattern, tc.path)
		assert.Equal(t, tc.want, got, "pattern %q path %q", tc.pattern, tc.path)
	}
}

func TestIntersects(t *testing.T) {
	cases := []struct {
		a    string
		b    string
		want bool
	}{
		{"src/*.go", "src/main.go", true},
		{"src/*.go", "docs/*.md", false},
		{"src/*.go", "src/*.go", true},
		{"src/**", "**/*.ts", true},
		{"src/a*.go", "src/b*.go", false},
		{"*.go", "*.md", false},
		{"src/*", "src/util.go", true},
		{"src/**/z.go", "src/z.go", true},
		{"a/**/z", "a/b/c/z", true},
		{"a/**/z", "a/b/c/y", false},
		{"[!a]x", "[!b]x", true},
		{"[ab]x", "[bc]x", true},
		{"[ab]x", "[cd]x", false},
		{"internal/auth/**", "internal/*/login.go", true},
		{"internal/auth/**", "pkg/**", false},
		{"**", "anything/at/all", true},
	}
	for _, tc := range cases {
		got, err := reservation.Intersects(tc.a, tc.b)
		require.NoError(t, err, "%q vs %q", tc.a, tc.b)
		assert.Equal(t, tc.want, got, "%q vs %q", tc.a, tc.b)

		// Intersection is symmetric.
		rev, err := reservation.Intersects(tc.b, tc.a)
		require.NoError(t, err)
		assert.Equal(t, got, rev, "asymmetric result for %q vs %q", tc.a, tc.b)
	}
}

func TestCompileRejectsBadPatterns(t *testing.T) {
	for _, pattern := range []string{"", "src/[abc", "src/[]x", "src/[!]x"} {
		_, err := reservation.Compile(pattern)
		require.Error(t, err, "pattern %q", pattern)
		assert.True(t, swarmerr.IsValidation(err), "pattern %q: %v", pattern, err)
	}
}
