// Package activity keeps a per-client JSON lines log of every file the server stored,
// rejected or deleted. Files rotate by size and by day; only the newest few are kept.
package activity

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/afero"
)

const (
	DirName         = "activity"
	DefaultMaxSize  = 10 * 1024 * 1024 // 10MB
	DefaultMaxFiles = 5
	filePerm        = 0o600
	dirPerm         = 0o700
	filePrefix      = "activity_"
	fileExt         = ".log"
)

type Action string

const (
	ActionUpload Action = "upload"
	ActionFailed Action = "failed"
	ActionDelete Action = "delete"
)

type Entry struct {
	Time    time.Time `json:"time"`
	Session string    `json:"session"`
	Path    string    `json:"path"`
	Action  Action    `json:"action"`
	Size    int64     `json:"size,omitempty"`
	ModTime int64     `json:"modTime,omitempty"`
	Error   string    `json:"error,omitempty"`
}

type Log struct {
	fs       afero.Fs
	dir      string
	maxSize  int64
	maxFiles int
	now      func() time.Time

	mu      sync.Mutex
	writers map[string]*clientWriter
}

type Option func(*Log)

// WithLimits sets the size that triggers rotation and how many files a client keeps.
func WithLimits(maxSize int64, maxFiles int) Option {
	return func(l *Log) {
		l.maxSize = maxSize
		l.maxFiles = maxFiles
	}
}

func New(fs afero.Fs, dir string, opts ...Option) (*Log, error) {
	l := &Log{
		fs:       fs,
		dir:      dir,
		maxSize:  DefaultMaxSize,
		maxFiles: DefaultMaxFiles,
		now:      time.Now,
		writers:  make(map[string]*clientWriter),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := fs.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create activity dir: %w", err)
	}
	return l, nil
}

// Record appends e to the client's log. A zero Time is filled in.
func (l *Log) Record(clientID string, e Entry) error {
	if e.Time.IsZero() {
		e.Time = l.now()
	}
	e.Time = e.Time.UTC()

	l.mu.Lock()
	w, ok := l.writers[clientID]
	if !ok {
		w = &clientWriter{log: l, dir: filepath.Join(l.dir, clientID)}
		l.writers[clientID] = w
	}
	l.mu.Unlock()

	return w.write(e)
}

// Entries reads a client's current log file. Used by tests and diagnostics.
func (l *Log) Entries(clientID string) ([]Entry, error) {
	path := filepath.Join(l.dir, clientID, fileName(l.now()))
	data, err := afero.ReadFile(l.fs, path)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for id, w := range l.writers {
		if err := w.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(l.writers, id)
	}
	return firstErr
}

type clientWriter struct {
	log *Log
	dir string

	mu      sync.Mutex
	file    afero.File
	current string
	size    int64
}

func (w *clientWriter) write(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode activity: %w", err)
	}
	data = append(data, '\n')

	name := fileName(w.log.now())
	switch {
	case w.file == nil || filepath.Base(w.current) != name:
		if err := w.open(name); err != nil {
			return err
		}
	case w.size > 0 && w.size+int64(len(data)) > w.log.maxSize:
		if err := w.rotate(name); err != nil {
			return err
		}
	}

	n, err := w.file.Write(data)
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("write activity: %w", err)
	}
	return nil
}

func (w *clientWriter) open(name string) error {
	if err := w.close(); err != nil {
		slog.Warn("activity log close failed", "path", w.current, "error", err)
	}
	fs := w.log.fs
	if err := fs.MkdirAll(w.dir, dirPerm); err != nil {
		return fmt.Errorf("create activity dir: %w", err)
	}
	path := filepath.Join(w.dir, name)
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("open activity log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat activity log: %w", err)
	}
	w.file = f
	w.current = path
	w.size = info.Size()
	return nil
}

// rotate moves the full file aside under a timestamped name and starts a fresh one.
func (w *clientWriter) rotate(name string) error {
	if err := w.close(); err != nil {
		return err
	}
	stamp := w.log.now().UTC().Format("20060102_150405.000000000")
	rotated := filepath.Join(w.dir, filePrefix+stamp+fileExt)
	if err := w.log.fs.Rename(w.current, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate activity log: %w", err)
	}
	if err := w.open(name); err != nil {
		return err
	}
	return w.prune()
}

// prune removes the oldest files beyond the limit, never the open one.
func (w *clientWriter) prune() error {
	infos, err := afero.ReadDir(w.log.fs, w.dir)
	if err != nil {
		return err
	}
	var old []string
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || filepath.Ext(name) != fileExt || filepath.Join(w.dir, name) == w.current {
			continue
		}
		old = append(old, name)
	}
	sort.Strings(old)

	excess := len(old) - (w.log.maxFiles - 1)
	for i := 0; i < excess; i++ {
		if err := w.log.fs.Remove(filepath.Join(w.dir, old[i])); err != nil {
			return fmt.Errorf("remove old activity log: %w", err)
		}
	}
	return nil
}

func (w *clientWriter) close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func fileName(t time.Time) string {
	return filePrefix + t.UTC().Format("20060102") + fileExt
}
