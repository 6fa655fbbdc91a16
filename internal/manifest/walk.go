package manifest

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/openmined/syncbox/internal/wire"
	"github.com/spf13/afero"
)

// Walker enumerates a directory tree into file records.
type Walker struct {
	fs          afero.Fs
	includeDirs bool
	ignore      *IgnoreList
}

type WalkerOption func(*Walker)

// WithDirectories adds a record for every directory below the root.
func WithDirectories(include bool) WalkerOption {
	return func(w *Walker) {
		w.includeDirs = include
	}
}

// WithIgnoreList skips paths matched by the list. Ignored directories are not descended.
func WithIgnoreList(ignore *IgnoreList) WalkerOption {
	return func(w *Walker) {
		w.ignore = ignore
	}
}

func NewWalker(fs afero.Fs, opts ...WalkerOption) *Walker {
	w := &Walker{fs: fs}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Walk returns one record per regular file below root, with slash separated relative paths,
// in lexical order. Entries that cannot be read are logged and skipped.
func (w *Walker) Walk(root string) ([]wire.FileRecord, error) {
	info, err := w.fs.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	records := make([]wire.FileRecord, 0)
	err = afero.Walk(w.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			slog.Warn("walk skip", "path", path, "error", err)
			return nil
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		if w.ignore != nil && w.ignore.ShouldIgnore(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case info.IsDir():
			if w.includeDirs {
				records = append(records, wire.NewFileRecord(rel, info.ModTime()))
			}
		case info.Mode().IsRegular():
			records = append(records, wire.NewFileRecord(rel, info.ModTime()))
		default:
			slog.Debug("walk skip non-regular file", "path", path, "mode", info.Mode().String())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return records, nil
}
