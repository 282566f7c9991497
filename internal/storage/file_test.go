package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johan/tokenfeed/internal/config"
	"github.com/johan/tokenfeed/internal/types"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestFileStorage_WritesJSONL(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStorage(dir, 0)
	require.NoError(t, err)

	require.NoError(t, s.Write(types.Trade{TokenID: "A", Side: types.SideBuy, PricePerToken: 0.01}))
	require.NoError(t, s.Write(types.NewToken{TokenID: "B", Name: "Foo", Symbol: "FOO"}))
	assert.Equal(t, int64(2), s.EventCount())
	path := s.CurrentPath()
	require.NoError(t, s.Close())

	assert.Equal(t, dir, filepath.Dir(path))
	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Equal(t, "trade", lines[0]["kind"])
	assert.Equal(t, "A", lines[0]["token"])
	assert.Equal(t, "buy", lines[0]["event"].(map[string]any)["side"])
	assert.Equal(t, "new_token", lines[1]["kind"])
	assert.Equal(t, "FOO", lines[1]["event"].(map[string]any)["symbol"])
}

func TestFileStorage_Rotates(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s, err := newFileStorage(t.TempDir(), time.Hour, func() time.Time { return now })
	require.NoError(t, err)
	defer s.Close()

	first := s.CurrentPath()
	assert.Equal(t, "events_2026-01-02_03-04-05.jsonl", filepath.Base(first))

	require.NoError(t, s.Write(types.Trade{TokenID: "A"}))
	now = now.Add(59 * time.Minute)
	require.NoError(t, s.Write(types.Trade{TokenID: "A"}))
	assert.Equal(t, first, s.CurrentPath())
	assert.Equal(t, int64(2), s.EventCount())

	now = now.Add(time.Minute)
	require.NoError(t, s.Write(types.Trade{TokenID: "A"}))
	assert.NotEqual(t, first, s.CurrentPath())
	assert.Equal(t, int64(1), s.EventCount())
	assert.Len(t, readLines(t, first), 2)
}

func TestFileStorage_WriteAfterClose(t *testing.T) {
	s, err := NewFileStorage(t.TempDir(), 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Write(types.Trade{TokenID: "A"}), os.ErrClosed)
}

func TestNew(t *testing.T) {
	s, err := New(config.StorageConfig{Type: "null"})
	require.NoError(t, err)
	assert.IsType(t, &NullStorage{}, s)
	assert.NoError(t, s.Write(types.Trade{}))

	s, err = New(config.StorageConfig{Type: "file", OutputDir: filepath.Join(t.TempDir(), "nested")})
	require.NoError(t, err)
	assert.IsType(t, &FileStorage{}, s)
	assert.NoError(t, s.Close())

	_, err = New(config.StorageConfig{Type: "s3"})
	assert.Error(t, err)
}
