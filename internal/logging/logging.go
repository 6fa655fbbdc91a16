// Package logging installs the process wide slog logger: colored output on stdout and a
// plain text copy in a per-binary log file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

type Options struct {
	// Name of the log file inside Dir, without extension.
	Name  string
	Dir   string
	Level slog.Level
	// Console defaults to os.Stdout.
	Console *os.File
}

// Setup opens <Dir>/<Name>.log, truncating it, and installs a default logger writing to
// both the console and the file. The returned closer flushes and closes the file.
func Setup(opts Options) (io.Closer, error) {
	if opts.Console == nil {
		opts.Console = os.Stdout
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(opts.Dir, opts.Name+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	lines := NewLineWriter(file)
	slog.SetDefault(slog.New(NewHandler(opts.Console, lines, opts.Level)))
	return &logFile{lines: lines, file: file}, nil
}

// NewHandler fans out to a tint handler on console and a text handler on file. Color is
// disabled when console is not a terminal. File records carry no time attribute since
// the LineWriter stamps each line.
func NewHandler(console *os.File, file io.Writer, level slog.Level) slog.Handler {
	consoleHandler := tint.NewHandler(console, &tint.Options{
		Level:      level,
		TimeFormat: timeFormat,
		NoColor:    !isatty.IsTerminal(console.Fd()),
	})
	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})
	return NewFanout(consoleHandler, fileHandler)
}

type logFile struct {
	lines *LineWriter
	file  *os.File
}

func (l *logFile) Close() error {
	lerr := l.lines.Close()
	ferr := l.file.Close()
	if lerr != nil {
		return lerr
	}
	return ferr
}
