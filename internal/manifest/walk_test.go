package manifest

import (
	"testing"
	"time"

	"github.com/openmined/syncbox/internal/wire"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, fs afero.Fs, path string, mtime time.Time) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte(path), 0o644))
	require.NoError(t, fs.Chtimes(path, mtime, mtime))
}

func TestWalkerRecordsFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	t1 := time.UnixMilli(1_700_000_000_123)
	t2 := time.UnixMilli(1_700_000_999_456)
	writeFile(t, fs, "/data/b.txt", t1)
	writeFile(t, fs, "/data/a/c.txt", t2)
	writeFile(t, fs, "/data/a/deep/d.bin", t1)

	records, err := NewWalker(fs).Walk("/data")
	require.NoError(t, err)

	assert.Equal(t, []wire.FileRecord{
		{Path: "a/c.txt", ModTime: t2.UnixMilli()},
		{Path: "a/deep/d.bin", ModTime: t1.UnixMilli()},
		{Path: "b.txt", ModTime: t1.UnixMilli()},
	}, records)
}

func TestWalkerIncludeDirectories(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/data/a/c.txt", time.UnixMilli(5))

	records, err := NewWalker(fs, WithDirectories(true)).Walk("/data")
	require.NoError(t, err)

	paths := make([]string, 0, len(records))
	for _, r := range records {
		paths = append(paths, r.Path)
	}
	assert.Equal(t, []string{"a", "a/c.txt"}, paths)
}

func TestWalkerEmptyDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/empty", 0o755))

	records, err := NewWalker(fs).Walk("/empty")
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestWalkerMissingRoot(t *testing.T) {
	_, err := NewWalker(afero.NewMemMapFs()).Walk("/nope")
	assert.Error(t, err)
}

func TestWalkerHonoursIgnoreList(t *testing.T) {
	fs := afero.NewMemMapFs()
	now := time.UnixMilli(1000)
	writeFile(t, fs, "/data/keep.txt", now)
	writeFile(t, fs, "/data/.DS_Store", now)
	writeFile(t, fs, "/data/build/out.o", now)
	writeFile(t, fs, "/data/notes.log", now)
	require.NoError(t, afero.WriteFile(fs, "/data/.syncignore", []byte("build/\n*.log\n"), 0o644))

	ignore := NewIgnoreList(fs, "/data")
	ignore.Load("")

	records, err := NewWalker(fs, WithIgnoreList(ignore)).Walk("/data")
	require.NoError(t, err)
	assert.Equal(t, []wire.FileRecord{{Path: "keep.txt", ModTime: 1000}}, records)
}
