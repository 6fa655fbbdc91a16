package manifest

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/openmined/syncbox/internal/wire"
	"github.com/stretchr/testify/assert"
)

func rec(path string, mtime int64) wire.FileRecord {
	return wire.FileRecord{Path: path, ModTime: mtime}
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name   string
		server Index
		client []wire.FileRecord
		want   []wire.FileRecord
	}{
		{
			name:   "missing on server",
			server: Index{},
			client: []wire.FileRecord{rec("a.txt", 100)},
			want:   []wire.FileRecord{rec("a.txt", 100)},
		},
		{
			name:   "same timestamp is up to date",
			server: Index{"a.txt": 100},
			client: []wire.FileRecord{rec("a.txt", 100)},
			want:   []wire.FileRecord{},
		},
		{
			name:   "different timestamp needs update",
			server: Index{"a.txt": 100},
			client: []wire.FileRecord{rec("a.txt", 101)},
			want:   []wire.FileRecord{rec("a.txt", 101)},
		},
		{
			name:   "older client copy still differs",
			server: Index{"a.txt": 200},
			client: []wire.FileRecord{rec("a.txt", 100)},
			want:   []wire.FileRecord{rec("a.txt", 100)},
		},
		{
			name:   "server only files are ignored",
			server: Index{"stale.txt": 1},
			client: []wire.FileRecord{},
			want:   []wire.FileRecord{},
		},
		{
			name:   "client order preserved",
			server: Index{"b": 1},
			client: []wire.FileRecord{rec("z", 1), rec("b", 1), rec("a", 1), rec("m/n", 5)},
			want:   []wire.FileRecord{rec("z", 1), rec("a", 1), rec("m/n", 5)},
		},
		{
			name:   "paths are case sensitive",
			server: Index{"README": 1},
			client: []wire.FileRecord{rec("readme", 1)},
			want:   []wire.FileRecord{rec("readme", 1)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Diff(tt.server, tt.client)
			assert.Equal(t, tt.want, got.OutdatedFiles)
		})
	}
}

func TestDiffListsRepeatedPathOnce(t *testing.T) {
	got := Diff(Index{"b": 1}, []wire.FileRecord{rec("a", 1), rec("b", 2), rec("a", 5), rec("b", 1)})
	assert.Equal(t, []wire.FileRecord{rec("a", 1), rec("b", 2)}, got.OutdatedFiles)
}

func TestDiffNeverNil(t *testing.T) {
	got := Diff(nil, nil)
	assert.NotNil(t, got.OutdatedFiles)
	assert.Empty(t, got.OutdatedFiles)
}

// A file is in the result iff it is absent from the server or its timestamp differs,
// and the result keeps client order.
func TestDiffProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		server := Index{}
		for i := 0; i < rng.Intn(20); i++ {
			server[fmt.Sprintf("f%d", rng.Intn(30))] = int64(rng.Intn(3))
		}
		var client []wire.FileRecord
		seen := map[string]bool{}
		for i := 0; i < rng.Intn(20); i++ {
			p := fmt.Sprintf("f%d", rng.Intn(30))
			if seen[p] {
				continue
			}
			seen[p] = true
			client = append(client, rec(p, int64(rng.Intn(3))))
		}

		got := Diff(server, client).OutdatedFiles

		var want []wire.FileRecord
		for _, c := range client {
			s, ok := server[c.Path]
			if !ok || s != c.ModTime {
				want = append(want, c)
			}
		}
		if want == nil {
			want = []wire.FileRecord{}
		}
		assert.Equal(t, want, got, "round %d", round)
		assert.Equal(t, got, Diff(server, client).OutdatedFiles, "deterministic")
	}
}

func TestAbsent(t *testing.T) {
	server := []wire.FileRecord{rec("keep", 1), rec("gone", 2), rec("dir/also-gone", 3)}
	client := []wire.FileRecord{rec("keep", 99), rec("new", 1)}

	assert.Equal(t, []wire.FileRecord{rec("gone", 2), rec("dir/also-gone", 3)}, Absent(server, client))
	assert.Empty(t, Absent(server, server))
	assert.Equal(t, server, Absent(server, nil))
}

func TestIndexDecide(t *testing.T) {
	idx := NewIndex([]wire.FileRecord{rec("a", 1)})
	assert.Equal(t, UpToDate, idx.Decide(rec("a", 1)))
	assert.Equal(t, NeedsUpdate, idx.Decide(rec("a", 2)))
	assert.Equal(t, NeedsUpload, idx.Decide(rec("b", 1)))
	assert.Equal(t, "needs upload", NeedsUpload.String())
}
