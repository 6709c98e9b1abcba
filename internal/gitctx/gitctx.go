// Package gitctx snapshots the git work tree around an agent: current
// branch, uncommitted paths, and what changed since the base branch.
// Recovery pairs this with the stored checkpoint so a resuming agent
// sees the saved plan next to the actual state on disk.
package gitctx

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Snapshot is the best-effort git state of one work tree. Fields are
// independent: a failing subcommand leaves its field empty rather than
// failing the snapshot.
type Snapshot struct {
	Root    string    `json:"root"`
	Branch  string    `json:"branch,omitempty"`
	Base    string    `json:"base,omitempty"`
	Dirty   []string  `json:"dirty,omitempty"`
	Changed []string  `json:"changed,omitempty"`
	Commits []Commit  `json:"commits,omitempty"`
	TakenAt time.Time `json:"taken_at"`
}

// Commit is one commit not yet on the base ref, newest first.
type Commit struct {
	SHA     string `json:"sha"`
	Subject string `json:"subject"`
}

// Take snapshots the work tree containing dir. A missing git binary or
// a directory outside any repository returns nil; callers omit the
// work-tree section instead of failing.
func Take(dir string) *Snapshot {
	if _, err := exec.LookPath("git"); err != nil {
		return nil
	}
	root, err := git(dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil
	}
	snap := &Snapshot{Root: strings.TrimSpace(root), TakenAt: time.Now().UTC()}

	if out, err := git(dir, "branch", "--show-current"); err == nil {
		snap.Branch = strings.TrimSpace(out)
	}
	if out, err := git(dir, "status", "--porcelain"); err == nil {
		snap.Dirty = statusPaths(out)
	}

	snap.Base = baseRef(dir)
	if snap.Base == "" {
		return snap
	}
	if out, err := git(dir, "diff", "--name-only", snap.Base+"...HEAD"); err == nil {
		snap.Changed = lines(out)
	}
	if out, err := git(dir, "log", snap.Base+"..HEAD", "--format=%h %s"); err == nil {
		for _, l := range lines(out) {
			sha, subject, ok := strings.Cut(l, " ")
			if !ok {
				continue
			}
			snap.Commits = append(snap.Commits, Commit{SHA: sha, Subject: subject})
		}
	}
	return snap
}

// baseRef picks the ref unmerged work is measured against: the first
// of origin/main, origin/master, main, master that resolves.
func baseRef(dir string) string {
	for _, ref := range []string{"origin/main", "origin/master", "main", "master"} {
		if _, err := git(dir, "rev-parse", "--verify", ref); err == nil {
			return ref
		}
	}
	return ""
}

// git runs one subcommand in dir and returns raw stdout. Callers trim;
// porcelain status needs its leading spaces intact.
func git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// lines splits output into trimmed non-empty lines.
func lines(out string) []string {
	var result []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			result = append(result, l)
		}
	}
	return result
}

// statusPaths extracts paths from porcelain status lines ("XY path").
// Lines must not be pre-trimmed: a tracked modification is " M path"
// and loses its status column otherwise. Renames keep the destination.
func statusPaths(out string) []string {
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if _, to, ok := strings.Cut(path, " -> "); ok {
			path = to
		}
		if path = strings.TrimSpace(path); path != "" {
			paths = append(paths, path)
		}
	}
	return paths
}
