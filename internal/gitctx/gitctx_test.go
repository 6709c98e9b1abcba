package gitctx_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexframe/swarmmail/internal/gitctx"
)

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	mustGit(t, dir, "init")
	mustGit(t, dir, "config", "user.name", "swarm")
	mustGit(t, dir, "config", "user.email", "swarm@example.test")
	mustGit(t, dir, "checkout", "-b", "main")
	writeFile(t, dir, "README.md", "# scratch")
	mustGit(t, dir, "add", "README.md")
	mustGit(t, dir, "commit", "-m", "initial")
	return dir
}

func mustGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestTakeOutsideRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	assert.Nil(t, gitctx.Take(t.TempDir()))
}

func TestTakeCleanRepo(t *testing.T) {
	dir := initRepo(t)

	snap := gitctx.Take(dir)
	require.NotNil(t, snap)

	wantRoot, _ := filepath.EvalSymlinks(dir)
	gotRoot, _ := filepath.EvalSymlinks(snap.Root)
	assert.Equal(t, wantRoot, gotRoot)
	assert.Equal(t, "main", snap.Branch)
	assert.Empty(t, snap.Dirty)
	assert.WithinDuration(t, time.Now(), snap.TakenAt, 5*time.Second)
}

func TestTakeDirtyPaths(t *testing.T) {
	dir := initRepo(t)

	// Tracked modification, staged addition, and untracked file cover
	// the three porcelain prefixes (" M", "A ", "??").
	writeFile(t, dir, "README.md", "# scratch\nmore")
	writeFile(t, dir, "staged.txt", "staged")
	mustGit(t, dir, "add", "staged.txt")
	writeFile(t, dir, "loose.txt", "loose")

	snap := gitctx.Take(dir)
	require.NotNil(t, snap)
	assert.ElementsMatch(t, []string{"README.md", "staged.txt", "loose.txt"}, snap.Dirty)
}

func TestTakeUnmergedWork(t *testing.T) {
	dir := initRepo(t)

	mustGit(t, dir, "checkout", "-b", "feature/port")
	writeFile(t, dir, "one.go", "package one")
	mustGit(t, dir, "add", "one.go")
	mustGit(t, dir, "commit", "-m", "add one")
	writeFile(t, dir, "two.go", "package two")
	mustGit(t, dir, "add", "two.go")
	mustGit(t, dir, "commit", "-m", "add two")

	snap := gitctx.Take(dir)
	require.NotNil(t, snap)
	assert.Equal(t, "feature/port", snap.Branch)
	assert.Equal(t, "main", snap.Base)
	assert.ElementsMatch(t, []string{"one.go", "two.go"}, snap.Changed)

	require.Len(t, snap.Commits, 2)
	assert.Equal(t, "add two", snap.Commits[0].Subject, "newest first")
	assert.Equal(t, "add one", snap.Commits[1].Subject)
	assert.NotEmpty(t, snap.Commits[0].SHA)
}

func TestTakeOnBaseBranch(t *testing.T) {
	dir := initRepo(t)

	snap := gitctx.Take(dir)
	require.NotNil(t, snap)
	assert.Equal(t, "main", snap.Base)
	assert.Empty(t, snap.Changed)
	assert.Empty(t, snap.Commits)
}
