// Package manifest builds file manifests and compares them.
package manifest

import (
	"github.com/openmined/syncbox/internal/wire"
)

// Index maps a relative path to its modification time in epoch milliseconds.
type Index map[string]int64

// NewIndex builds an Index from records. Later duplicates win.
func NewIndex(records []wire.FileRecord) Index {
	idx := make(Index, len(records))
	for _, r := range records {
		idx[r.Path] = r.ModTime
	}
	return idx
}

// Decision is the outcome of comparing one client file with the server index.
type Decision int

const (
	UpToDate Decision = iota
	NeedsUpload
	NeedsUpdate
)

func (d Decision) String() string {
	switch d {
	case NeedsUpload:
		return "needs upload"
	case NeedsUpdate:
		return "needs update"
	default:
		return "up to date"
	}
}

// Decide compares a single client record against the server index.
func (idx Index) Decide(r wire.FileRecord) Decision {
	modTime, ok := idx[r.Path]
	switch {
	case !ok:
		return NeedsUpload
	case modTime != r.ModTime:
		return NeedsUpdate
	default:
		return UpToDate
	}
}

// Diff returns the client files that are missing from the server or carry a different
// timestamp, in client order. Server-only files are not part of the result. A path the
// client lists more than once is decided on its first entry only.
func Diff(server Index, client []wire.FileRecord) wire.SyncTaskList {
	outdated := make([]wire.FileRecord, 0)
	seen := make(map[string]struct{}, len(client))
	for _, r := range client {
		if _, dup := seen[r.Path]; dup {
			continue
		}
		seen[r.Path] = struct{}{}
		if server.Decide(r) != UpToDate {
			outdated = append(outdated, r)
		}
	}
	return wire.SyncTaskList{OutdatedFiles: outdated}
}

// Absent returns the server records whose path the client did not list.
func Absent(server []wire.FileRecord, client []wire.FileRecord) []wire.FileRecord {
	listed := NewIndex(client)
	var absent []wire.FileRecord
	for _, r := range server {
		if _, ok := listed[r.Path]; !ok {
			absent = append(absent, r)
		}
	}
	return absent
}
