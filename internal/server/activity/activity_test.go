package activity

import (
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T, opts ...Option) (*Log, afero.Fs, *time.Time) {
	t.Helper()
	fs := afero.NewMemMapFs()
	l, err := New(fs, "/archive/.syncbox/activity", opts...)
	require.NoError(t, err)
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	t.Cleanup(func() { l.Close() })
	return l, fs, &now
}

func logFiles(t *testing.T, fs afero.Fs, client string) []string {
	t.Helper()
	infos, err := afero.ReadDir(fs, filepath.Join("/archive/.syncbox/activity", client))
	require.NoError(t, err)
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	sort.Strings(names)
	return names
}

func TestRecordAndRead(t *testing.T) {
	l, _, _ := newTestLog(t)

	require.NoError(t, l.Record("alice", Entry{Session: "s1", Path: "a.txt", Action: ActionUpload, Size: 5, ModTime: 1000}))
	require.NoError(t, l.Record("alice", Entry{Session: "s1", Path: "old.txt", Action: ActionDelete}))
	require.NoError(t, l.Record("bob", Entry{Session: "s2", Path: "b.txt", Action: ActionFailed, Error: "disk full"}))

	entries, err := l.Entries("alice")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionUpload, entries[0].Action)
	assert.EqualValues(t, 5, entries[0].Size)
	assert.Equal(t, "old.txt", entries[1].Path)
	assert.Equal(t, time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC), entries[0].Time)

	entries, err = l.Entries("bob")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "disk full", entries[0].Error)
}

func TestNewDayStartsNewFile(t *testing.T) {
	l, fs, now := newTestLog(t)

	require.NoError(t, l.Record("alice", Entry{Path: "a", Action: ActionUpload}))
	*now = now.Add(24 * time.Hour)
	require.NoError(t, l.Record("alice", Entry{Path: "b", Action: ActionUpload}))

	assert.Equal(t, []string{"activity_20250501.log", "activity_20250502.log"}, logFiles(t, fs, "alice"))
	entries, err := l.Entries("alice")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].Path)
}

func TestRotationKeepsNewestFiles(t *testing.T) {
	l, fs, now := newTestLog(t, WithLimits(200, 3))

	for i := 0; i < 20; i++ {
		*now = now.Add(time.Second)
		require.NoError(t, l.Record("alice", Entry{Session: "s", Path: "some/longer/path/name.txt", Action: ActionUpload}))
	}

	files := logFiles(t, fs, "alice")
	assert.Len(t, files, 3)
	assert.Contains(t, files, "activity_20250501.log")

	entries, err := l.Entries("alice")
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
	assert.Less(t, len(entries), 20)
}

func TestEntriesMissingClient(t *testing.T) {
	l, _, _ := newTestLog(t)
	_, err := l.Entries("nobody")
	assert.Error(t, err)
}
