package paths_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexframe/swarmmail/internal/paths"
)

func TestConfigHomeOverride(t *testing.T) {
	custom := t.TempDir()
	t.Setenv("SWARMMAIL_HOME", custom)

	home, err := paths.ConfigHome()
	require.NoError(t, err)
	assert.Equal(t, custom, home)
}

func TestProjectDirName(t *testing.T) {
	name := paths.ProjectDirName("/home/dev/apps/Checkout V2")
	assert.Regexp(t, `^checkout-v2-[0-9a-z]{8}$`, name)

	// Same basename, different key: hashes must differ.
	other := paths.ProjectDirName("/srv/other/Checkout V2")
	assert.NotEqual(t, name, other)
	assert.Equal(t, name, paths.ProjectDirName("/home/dev/apps/Checkout V2"))
}

func TestDBPathCreatesProjectDir(t *testing.T) {
	t.Setenv("SWARMMAIL_HOME", t.TempDir())

	db, err := paths.DBPath("/home/dev/apps/checkout")
	require.NoError(t, err)
	assert.Equal(t, "db", filepath.Base(db))
	assert.DirExists(t, filepath.Dir(db))
}

func TestSnapshotPath(t *testing.T) {
	t.Setenv("SWARMMAIL_HOME", t.TempDir())

	// Default: beside the database.
	p, err := paths.SnapshotPath("/home/dev/apps/checkout", "")
	require.NoError(t, err)
	assert.Equal(t, "cells.jsonl", filepath.Base(p))
	assert.Equal(t, ".hive", filepath.Base(filepath.Dir(p)))

	// Redirected into a working tree.
	tree := t.TempDir()
	p, err = paths.SnapshotPath("/home/dev/apps/checkout", tree)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tree, ".hive", "cells.jsonl"), p)
}
