// Package paths derives the on-disk layout of swarmmail state: one
// directory per project under the config home, holding the database,
// the runtime log, and the cell snapshot directory.
package paths

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hexframe/swarmmail/internal/identity"
)

const (
	// DBFileName is the SQLite database file inside a project dir.
	DBFileName = "db"

	// LogFileName is the rotating runtime log inside a project dir.
	LogFileName = "swarmmail.log"

	// SnapshotDirName holds cell JSONL snapshots for git synchronization.
	SnapshotDirName = ".hive"

	// SnapshotFileName is the cells snapshot inside SnapshotDirName.
	SnapshotFileName = "cells.jsonl"
)

// ConfigHome returns the swarmmail configuration root. SWARMMAIL_HOME
// overrides the platform default (<UserConfigDir>/swarmmail).
func ConfigHome() (string, error) {
	if custom := os.Getenv("SWARMMAIL_HOME"); custom != "" {
		return custom, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(base, "swarmmail"), nil
}

// ProjectDirName returns the directory basename for a project key:
// <slug>-<hash8>. The slug keeps listings readable, the hash keeps two
// projects with the same basename apart.
func ProjectDirName(projectKey string) string {
	slug := identity.Slugify(filepath.Base(projectKey))
	return slug + "-" + identity.ProjectHash(projectKey)
}

// ProjectDir returns the absolute state directory for a project key and
// creates it if missing.
func ProjectDir(projectKey string) (string, error) {
	home, err := ConfigHome()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ProjectDirName(projectKey))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create project dir: %w", err)
	}
	return dir, nil
}

// DBPath returns the database file path for a project key, creating the
// project directory if needed.
func DBPath(projectKey string) (string, error) {
	dir, err := ProjectDir(projectKey)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DBFileName), nil
}

// LogPath returns the runtime log path for a project key.
func LogPath(projectKey string) (string, error) {
	dir, err := ProjectDir(projectKey)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, LogFileName), nil
}

// SnapshotPath returns the cell JSONL snapshot path. When snapshotDir is
// non-empty it is used as the parent (typically the project working tree
// so snapshots ride along with git); otherwise snapshots live beside the
// database.
func SnapshotPath(projectKey, snapshotDir string) (string, error) {
	parent := snapshotDir
	if parent == "" {
		dir, err := ProjectDir(projectKey)
		if err != nil {
			return "", err
		}
		parent = dir
	}
	hiveDir := filepath.Join(parent, SnapshotDirName)
	if err := os.MkdirAll(hiveDir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	return filepath.Join(hiveDir, SnapshotFileName), nil
}
