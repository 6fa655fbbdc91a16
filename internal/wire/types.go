package wire

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"time"
)

// Admission lines sent by the server right after accept.
const (
	LineReady = "READY"
	LineBusy  = "BUSY"
)

// Discovery message types.
const (
	TypeDiscover = "DISCOVER"
	TypeOffer    = "OFFER"
)

var (
	ErrMalformed     = errors.New("malformed message")
	ErrPathTooLong   = errors.New("path exceeds 65535 bytes")
	ErrNegativeValue = errors.New("negative length")
)

// FileRecord describes one file by its relative path and modification time in epoch milliseconds.
// The json names are part of the wire format.
type FileRecord struct {
	Path    string `json:"filePath"`
	ModTime int64  `json:"modificationDate"`
}

// NewFileRecord builds a record with a slash separated path.
func NewFileRecord(relPath string, modTime time.Time) FileRecord {
	return FileRecord{
		Path:    path.Clean(filepath.ToSlash(relPath)),
		ModTime: modTime.UnixMilli(),
	}
}

// Time returns the modification time as a time.Time.
func (r FileRecord) Time() time.Time {
	return time.UnixMilli(r.ModTime)
}

func (r FileRecord) String() string {
	return fmt.Sprintf("%s@%d", r.Path, r.ModTime)
}

// ClientManifest is the client's view of its directory, sent once per session.
type ClientManifest struct {
	ClientID string       `json:"clientId"`
	Files    []FileRecord `json:"files"`
}

// SyncTaskList holds the files the server wants uploaded, in client order.
type SyncTaskList struct {
	OutdatedFiles []FileRecord `json:"outdatedFiles"`
}

// DiscoveryMessage is the UDP datagram payload.
type DiscoveryMessage struct {
	Type string `json:"type"`
	Port int    `json:"port"`
}

// Validate checks the manifest is usable by the server.
func (m *ClientManifest) Validate() error {
	if m.ClientID == "" {
		return fmt.Errorf("%w: empty clientId", ErrMalformed)
	}
	for _, f := range m.Files {
		if f.Path == "" {
			return fmt.Errorf("%w: empty filePath", ErrMalformed)
		}
	}
	return nil
}
