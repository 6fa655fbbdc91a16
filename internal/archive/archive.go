// Package archive stores the per-client file trees on the server.
package archive

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/openmined/syncbox/internal/manifest"
	"github.com/openmined/syncbox/internal/wire"
	"github.com/spf13/afero"
)

const (
	// MetadataDir holds server state inside the archive root. It can never be a client id.
	MetadataDir = ".syncbox"
	lockFile    = "server.lock"
	tempPattern = ".syncbox.tmp.*"
)

var (
	ErrInvalidClientID = errors.New("invalid client id")
	ErrUnsafePath      = errors.New("unsafe path")
	ErrArchiveLocked   = errors.New("archive locked by another server")
)

type Store struct {
	fs          afero.Fs
	root        string
	includeDirs bool
	flock       *flock.Flock
}

type Option func(*Store)

// WithDirectoryRecords makes manifests include directory pseudo-records.
func WithDirectoryRecords(include bool) Option {
	return func(s *Store) {
		s.includeDirs = include
	}
}

func New(fs afero.Fs, root string, opts ...Option) *Store {
	s := &Store{
		fs:   fs,
		root: filepath.Clean(root),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the archive root directory.
func (s *Store) Root() string {
	return s.root
}

// MetadataPath returns a path inside the archive's metadata directory.
func (s *Store) MetadataPath(name string) string {
	return filepath.Join(s.root, MetadataDir, name)
}

// Init creates the archive root and its metadata directory.
func (s *Store) Init() error {
	if err := s.fs.MkdirAll(filepath.Join(s.root, MetadataDir), 0o755); err != nil {
		return fmt.Errorf("create archive %s: %w", s.root, err)
	}
	return nil
}

// Lock takes an exclusive lock on the archive root so that two servers never share it.
// Only meaningful on the OS filesystem.
func (s *Store) Lock() error {
	if s.flock == nil {
		s.flock = flock.New(s.MetadataPath(lockFile))
	}
	locked, err := s.flock.TryLock()
	if err != nil {
		return fmt.Errorf("lock archive: %w", err)
	}
	if !locked {
		return ErrArchiveLocked
	}
	return nil
}

func (s *Store) Unlock() error {
	if s.flock == nil || !s.flock.Locked() {
		return nil
	}
	if err := s.flock.Unlock(); err != nil {
		return fmt.Errorf("unlock archive: %w", err)
	}
	if err := os.Remove(s.flock.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ValidateClientID rejects ids that are not a single safe path element.
func ValidateClientID(id string) error {
	switch {
	case id == "", id == ".", id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidClientID, id)
	case id == MetadataDir:
		return fmt.Errorf("%w: %q is reserved", ErrInvalidClientID, id)
	case strings.ContainsAny(id, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidClientID, id)
	}
	return nil
}

// ClientDir returns the client's directory, creating it when absent.
func (s *Store) ClientDir(id string) (string, error) {
	if err := ValidateClientID(id); err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, id)
	exists, err := afero.DirExists(s.fs, dir)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create client dir %s: %w", dir, err)
		}
		slog.Info("archive created client dir", "client", id, "dir", dir)
	}
	return dir, nil
}

// Resolve maps a slash separated relative path to a path inside the client's directory.
func (s *Store) Resolve(id, rel string) (string, error) {
	if err := ValidateClientID(id); err != nil {
		return "", err
	}
	clean, err := CleanRelPath(rel)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, id, filepath.FromSlash(clean)), nil
}

// CleanRelPath normalizes a wire path and rejects anything that would leave its base directory.
func CleanRelPath(rel string) (string, error) {
	if rel == "" || strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	slashed := strings.ReplaceAll(rel, "\\", "/")
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", fmt.Errorf("%w: %q is absolute", ErrUnsafePath, rel)
	}
	clean := path.Clean(slashed)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	return clean, nil
}

// Manifest lists the client's archived files.
func (s *Store) Manifest(id string) ([]wire.FileRecord, error) {
	dir, err := s.ClientDir(id)
	if err != nil {
		return nil, err
	}
	walker := manifest.NewWalker(s.fs, manifest.WithDirectories(s.includeDirs))
	records, err := walker.Walk(dir)
	if err != nil {
		return nil, err
	}
	// leftovers of interrupted transfers are not part of the archive
	kept := records[:0]
	for _, r := range records {
		if isTempName(path.Base(r.Path)) {
			continue
		}
		kept = append(kept, r)
	}
	return kept, nil
}

// Receive writes exactly h.Length bytes from body to the client's file h.Path and sets its mtime.
// The content lands in a temporary file first and replaces the target only when complete.
// Local failures drain the frame and wrap wire.ErrLocalWrite; stream failures are returned as is.
func (s *Store) Receive(id string, h wire.FrameHeader, body io.Reader) (int64, error) {
	target, err := s.Resolve(id, h.Path)
	if err != nil {
		return 0, s.skip(body, h, err)
	}

	dir := filepath.Dir(target)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return 0, s.skip(body, h, fmt.Errorf("create parent: %w", err))
	}

	tmp, err := afero.TempFile(s.fs, dir, filepath.Base(target)+tempPattern)
	if err != nil {
		return 0, s.skip(body, h, fmt.Errorf("create temp file: %w", err))
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			s.fs.Remove(tmpPath)
		}
	}()

	n, err := wire.ReadFrameBody(body, h, tmp)
	if err != nil {
		return n, err
	}

	if err := tmp.Sync(); err != nil {
		return n, fmt.Errorf("%w: sync temp file: %v", wire.ErrLocalWrite, err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("%w: close temp file: %v", wire.ErrLocalWrite, err)
	}
	if err := s.fs.Rename(tmpPath, target); err != nil {
		return n, fmt.Errorf("%w: rename to %s: %v", wire.ErrLocalWrite, target, err)
	}
	success = true

	mtime := time.UnixMilli(h.ModTime)
	if err := s.fs.Chtimes(target, time.Now(), mtime); err != nil {
		return n, fmt.Errorf("%w: set mtime on %s: %v", wire.ErrLocalWrite, target, err)
	}
	return n, nil
}

func (s *Store) skip(body io.Reader, h wire.FrameHeader, cause error) error {
	if err := wire.DiscardFrameBody(body, h.Length); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s: %w", wire.ErrLocalWrite, h.Path, cause)
}

// Open opens an archived file for reading.
func (s *Store) Open(id, rel string) (afero.File, error) {
	p, err := s.Resolve(id, rel)
	if err != nil {
		return nil, err
	}
	return s.fs.Open(p)
}

// Remove deletes one archived entry and reports whether anything was removed. Missing
// entries and directories that still have content are left alone.
func (s *Store) Remove(id, rel string) (bool, error) {
	p, err := s.Resolve(id, rel)
	if err != nil {
		return false, err
	}
	info, err := s.fs.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		empty, err := afero.IsEmpty(s.fs, p)
		if err != nil || !empty {
			return false, err
		}
	}
	if err := s.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	return true, nil
}

// PruneEmptyDirs removes empty directories below the client's directory, deepest first.
// It returns the number of directories removed.
func (s *Store) PruneEmptyDirs(id string) (int, error) {
	dir, err := s.ClientDir(id)
	if err != nil {
		return 0, err
	}

	var dirs []string
	err = afero.Walk(s.fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() && p != dir {
			dirs = append(dirs, p)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	// deepest first so parents become empty before they are checked
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })

	removed := 0
	for _, d := range dirs {
		empty, err := afero.IsEmpty(s.fs, d)
		if err != nil || !empty {
			continue
		}
		if err := s.fs.Remove(d); err == nil {
			removed++
		}
	}
	return removed, nil
}

func isTempName(name string) bool {
	ok, _ := filepath.Match("*"+tempPattern, name)
	return ok
}
