package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/syncbox/internal/wire"
)

// Report summarizes one round.
type Report struct {
	Listed    int
	Requested int
	Sent      int
	Skipped   int
	Bytes     int64
	NextSync  time.Time
}

type upload struct {
	header wire.FrameHeader
	local  string
}

// SyncOnce runs a single round against addr.
func (c *Client) SyncOnce(ctx context.Context, addr string) (*Report, error) {
	dialer := net.Dialer{Timeout: DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	stream := wire.NewStream(conn)
	if err := c.awaitAdmission(stream, addr); err != nil {
		return nil, err
	}

	files, err := c.walker.Walk(c.config.Dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", c.config.Dir, err)
	}
	report := &Report{Listed: len(files)}

	if err := stream.WriteJSON(wire.ClientManifest{ClientID: c.config.ClientID, Files: files}); err != nil {
		return nil, fmt.Errorf("send manifest: %w", err)
	}

	var tasks wire.SyncTaskList
	if err := stream.ReadJSON(&tasks); err != nil {
		return nil, fmt.Errorf("read tasks: %w", err)
	}
	report.Requested = len(tasks.OutdatedFiles)
	if report.Requested == 0 {
		slog.Info("all files are up to date", "files", report.Listed)
	} else {
		slog.Info("server requested files", "count", report.Requested)
	}

	uploads := c.prepare(tasks)
	report.Skipped = report.Requested - len(uploads)
	if err := c.send(stream, uploads, report); err != nil {
		return nil, err
	}
	if report.Skipped > 0 {
		slog.Warn("some files could not be sent", "sent", report.Sent, "requested", report.Requested)
	}

	line, err := stream.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read next sync: %w", err)
	}
	report.NextSync, err = wire.ParseNextSync(line)
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (c *Client) awaitAdmission(stream *wire.Stream, addr string) error {
	for {
		line, err := stream.ReadLine()
		if err != nil {
			return fmt.Errorf("read admission: %w", err)
		}
		switch line {
		case wire.LineReady:
			slog.Debug("server ready", "addr", addr)
			return nil
		case wire.LineBusy:
			slog.Info("server busy, waiting in queue", "addr", addr)
		default:
			return fmt.Errorf("%w: admission line %q", wire.ErrMalformed, line)
		}
	}
}

// prepare stats every requested file so the frame count is known before sending.
// Files that vanished or are no longer regular files are skipped.
func (c *Client) prepare(tasks wire.SyncTaskList) []upload {
	uploads := make([]upload, 0, len(tasks.OutdatedFiles))
	for _, t := range tasks.OutdatedFiles {
		local := filepath.Join(c.config.Dir, filepath.FromSlash(t.Path))
		info, err := c.fs.Stat(local)
		if err != nil {
			slog.Warn("file not sent", "path", t.Path, "error", err)
			continue
		}
		if !info.Mode().IsRegular() {
			slog.Warn("file not sent", "path", t.Path, "error", "not a regular file")
			continue
		}
		uploads = append(uploads, upload{
			header: wire.FrameHeader{Path: t.Path, Length: info.Size(), ModTime: info.ModTime().UnixMilli()},
			local:  local,
		})
	}
	return uploads
}

func (c *Client) send(stream *wire.Stream, uploads []upload, report *Report) error {
	w := stream.Writer()
	if err := wire.WriteCount(w, len(uploads)); err != nil {
		return fmt.Errorf("send file count: %w", err)
	}
	for _, u := range uploads {
		n, err := c.sendFile(stream, u)
		if err != nil {
			return fmt.Errorf("send %s: %w", u.header.Path, err)
		}
		report.Sent++
		report.Bytes += n
		slog.Info("file sent", "path", u.header.Path, "size", humanize.Bytes(uint64(n)))
	}
	return stream.Flush()
}

func (c *Client) sendFile(stream *wire.Stream, u upload) (int64, error) {
	f, err := c.fs.Open(u.local)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := wire.WriteFrame(stream.Writer(), u.header, f)
	if err != nil {
		return n, err
	}
	return n, stream.Flush()
}
