package logging

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"
)

// LineWriter prefixes every complete line written to it with a sequence number and a
// timestamp. A trailing partial line is held until its newline arrives or Close is called.
type LineWriter struct {
	mu      sync.Mutex
	target  io.Writer
	now     func() time.Time
	seq     uint64
	pending []byte
}

func NewLineWriter(target io.Writer) *LineWriter {
	return &LineWriter{target: target, now: time.Now}
}

// Write reports len(p) on success; the prefixes are not counted.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(w.pending[:i], []byte{'\r'})
		if err := w.emit(line); err != nil {
			return 0, err
		}
		w.pending = w.pending[i+1:]
	}
	if len(w.pending) == 0 {
		w.pending = nil
	}
	return len(p), nil
}

func (w *LineWriter) emit(line []byte) error {
	w.seq++
	_, err := fmt.Fprintf(w.target, "line=%d time=%s %s\n", w.seq, w.now().Format(time.RFC3339), line)
	return err
}

// Close writes out any partial line. It does not close the target.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil
	}
	err := w.emit(w.pending)
	w.pending = nil
	return err
}
