// Package jsonl reads and writes the line-delimited JSON snapshots
// shared with other processes through the working tree. Writers replace
// the whole file atomically (temp file, fsync, rename); both sides hold
// an advisory lock on a sidecar file, so a half-written snapshot is
// never observed and two writers never interleave.
package jsonl

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockSuffix       = ".lock"
	lockPollInterval = 50 * time.Millisecond

	// LockTimeout bounds how long a reader or writer waits for the
	// sidecar lock before giving up.
	LockTimeout = 30 * time.Second

	// maxLineBytes caps a single record. Cells carry free-form
	// descriptions and comment history, so the default scanner token
	// size is not enough.
	maxLineBytes = 4 * 1024 * 1024
)

// File is one JSONL document on disk plus its sidecar lock.
type File struct {
	path string
	lk   *flock.Flock
}

// New binds a File to path. Nothing is created until the first write.
func New(path string) *File {
	return &File{path: path, lk: flock.New(path + lockSuffix)}
}

// Path returns the document path.
func (f *File) Path() string { return f.path }

// WriteAll marshals each record to one line and atomically replaces the
// document. It returns the hex SHA-256 of the bytes written, which a
// watcher can use to tell its own writes apart from foreign ones.
func (f *File) WriteAll(ctx context.Context, records []any) (string, error) {
	var buf []byte
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return "", fmt.Errorf("marshal record: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	sum := sha256.Sum256(buf)

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := f.withLock(ctx, true, func() error {
		return replaceFile(f.path, buf)
	}); err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}

// replaceFile writes data to a temp file in the same directory, syncs
// it, and renames it over path. Readers see either the old document or
// the new one, never a prefix.
func replaceFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// Read streams the document's records under a shared lock. fn receives
// the 1-based line number and a copy of the line; returning an error
// stops the scan.
func (f *File) Read(ctx context.Context, fn func(line int, data json.RawMessage) error) error {
	return f.withLock(ctx, false, func() error {
		file, err := os.Open(f.path)
		if err != nil {
			return err
		}
		defer func() { _ = file.Close() }()

		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

		n := 0
		for scanner.Scan() {
			n++
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			rec := make(json.RawMessage, len(line))
			copy(rec, line)
			if err := fn(n, rec); err != nil {
				return err
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("scan %s: %w", f.path, err)
		}
		return nil
	})
}

// Checksum hashes the document under a shared lock. A missing document
// hashes to the empty string.
func (f *File) Checksum(ctx context.Context) (string, error) {
	var sum string
	err := f.withLock(ctx, false, func() error {
		data, err := os.ReadFile(f.path)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		raw := sha256.Sum256(data)
		sum = hex.EncodeToString(raw[:])
		return nil
	})
	return sum, err
}

// withLock runs fn holding the sidecar lock, polling until LockTimeout
// or ctx expires. flock has no blocking-with-context mode, so the retry
// loop lives here.
func (f *File) withLock(ctx context.Context, exclusive bool, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, LockTimeout)
	defer cancel()

	for {
		var locked bool
		var err error
		if exclusive {
			locked, err = f.lk.TryLock()
		} else {
			locked, err = f.lk.TryRLock()
		}
		if err != nil {
			return fmt.Errorf("lock %s: %w", f.lk.Path(), err)
		}
		if locked {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for snapshot lock %s: %w", f.lk.Path(), ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
	defer func() { _ = f.lk.Unlock() }()

	return fn()
}
