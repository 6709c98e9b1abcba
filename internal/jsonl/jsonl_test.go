package jsonl_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexframe/swarmmail/internal/jsonl"
)

type row struct {
	ID   string `json:"id"`
	Note string `json:"note,omitempty"`
}

func TestWriteAllThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cells.jsonl")
	f := jsonl.New(path)
	ctx := context.Background()

	sum, err := f.WriteAll(ctx, []any{row{ID: "a"}, row{ID: "b", Note: "two"}})
	require.NoError(t, err)
	require.NotEmpty(t, sum)

	var got []row
	err = f.Read(ctx, func(line int, data json.RawMessage) error {
		var r row
		require.NoError(t, json.Unmarshal(data, &r), "line %d", line)
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []row{{ID: "a"}, {ID: "b", Note: "two"}}, got)
}

func TestWriteAllReplacesWholeDocument(t *testing.T) {
	f := jsonl.New(filepath.Join(t.TempDir(), "cells.jsonl"))
	ctx := context.Background()

	_, err := f.WriteAll(ctx, []any{row{ID: "a"}, row{ID: "b"}, row{ID: "c"}})
	require.NoError(t, err)
	_, err = f.WriteAll(ctx, []any{row{ID: "only"}})
	require.NoError(t, err)

	var count int
	require.NoError(t, f.Read(ctx, func(int, json.RawMessage) error {
		count++
		return nil
	}))
	assert.Equal(t, 1, count)

	// No temp files may survive a completed write.
	entries, err := os.ReadDir(filepath.Dir(f.Path()))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestChecksumMatchesWriteAll(t *testing.T) {
	f := jsonl.New(filepath.Join(t.TempDir(), "cells.jsonl"))
	ctx := context.Background()

	written, err := f.WriteAll(ctx, []any{row{ID: "a"}})
	require.NoError(t, err)

	onDisk, err := f.Checksum(ctx)
	require.NoError(t, err)
	assert.Equal(t, written, onDisk)
}

func TestChecksumOfMissingFileIsEmpty(t *testing.T) {
	f := jsonl.New(filepath.Join(t.TempDir(), "absent.jsonl"))

	sum, err := f.Checksum(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sum)
}

func TestReadSkipsBlankLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cells.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"id\":\"a\"}\n\n{\"id\":\"b\"}\n"), 0o644))

	var lines []int
	err := jsonl.New(path).Read(context.Background(), func(line int, _ json.RawMessage) error {
		lines = append(lines, line)
		return nil
	})
	require.NoError(t, err)

	// Line numbers count physical lines so errors point at the file.
	assert.Equal(t, []int{1, 3}, lines)
}

func TestReadMissingFile(t *testing.T) {
	f := jsonl.New(filepath.Join(t.TempDir(), "absent.jsonl"))

	err := f.Read(context.Background(), func(int, json.RawMessage) error { return nil })
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}
