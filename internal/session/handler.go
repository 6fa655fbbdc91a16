// Package session runs the server side of one sync round on an admitted connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/syncbox/internal/archive"
	"github.com/openmined/syncbox/internal/manifest"
	"github.com/openmined/syncbox/internal/server/activity"
	"github.com/openmined/syncbox/internal/server/journal"
	"github.com/openmined/syncbox/internal/server/mirror"
	"github.com/openmined/syncbox/internal/wire"
)

var (
	ErrTooManyFrames  = errors.New("client declared more files than requested")
	ErrUnexpectedFile = errors.New("client sent a file that was not requested")
)

// Journal records finished sessions.
type Journal interface {
	Add(ctx context.Context, r *journal.Record) error
}

// Activity records individual file events per client.
type Activity interface {
	Record(clientID string, e activity.Entry) error
}

type Handler struct {
	store    *archive.Store
	interval time.Duration
	clock    clockwork.Clock
	journal  Journal
	mirror   mirror.Mirror
	activity Activity
}

type Option func(*Handler)

func WithClock(clock clockwork.Clock) Option {
	return func(h *Handler) {
		h.clock = clock
	}
}

func WithJournal(j Journal) Option {
	return func(h *Handler) {
		h.journal = j
	}
}

func WithActivity(a Activity) Option {
	return func(h *Handler) {
		h.activity = a
	}
}

func WithMirror(m mirror.Mirror) Option {
	return func(h *Handler) {
		h.mirror = m
	}
}

// NewHandler serves sessions against store and schedules each client's next round
// interval after the current one ends.
func NewHandler(store *archive.Store, interval time.Duration, opts ...Option) *Handler {
	h := &Handler{
		store:    store,
		interval: interval,
		clock:    clockwork.NewRealClock(),
		mirror:   mirror.Nop{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle runs one round on conn. Failures end the session, are logged and journaled,
// and are returned for the caller's information only.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) error {
	rec := &journal.Record{
		ID:        uuid.NewString(),
		Remote:    conn.RemoteAddr().String(),
		StartedAt: h.clock.Now(),
	}

	err := h.run(ctx, conn, rec)

	rec.FinishedAt = h.clock.Now()
	logger := slog.With("session", rec.ID, "client", rec.ClientID, "remote", rec.Remote)
	if err != nil {
		rec.Outcome = journal.OutcomeFailed
		rec.Error = err.Error()
		logger.Warn("session failed", "error", err, "uploaded", rec.Uploaded, "elapsed", rec.Duration())
	} else {
		rec.Outcome = journal.OutcomeOK
		logger.Info("session done",
			"requested", rec.Requested,
			"uploaded", rec.Uploaded,
			"failed", rec.Failed,
			"deleted", rec.Deleted,
			"received", humanize.Bytes(uint64(rec.BytesReceived)),
			"elapsed", rec.Duration(),
		)
	}

	if h.journal != nil {
		if jerr := h.journal.Add(context.WithoutCancel(ctx), rec); jerr != nil {
			logger.Error("session journal write failed", "error", jerr)
		}
	}
	return err
}

func (h *Handler) run(ctx context.Context, conn net.Conn, rec *journal.Record) error {
	stream := wire.NewStream(conn)

	var m wire.ClientManifest
	if err := stream.ReadJSON(&m); err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return err
	}
	rec.ClientID = m.ClientID
	logger := slog.With("session", rec.ID, "client", m.ClientID)

	if _, err := h.store.ClientDir(m.ClientID); err != nil {
		return err
	}
	archived, err := h.store.Manifest(m.ClientID)
	if err != nil {
		return fmt.Errorf("list archive: %w", err)
	}
	logger.Info("session started", "clientFiles", len(m.Files), "archivedFiles", len(archived))

	files, names := normalize(m.Files, logger)
	index := manifest.NewIndex(archived)
	for _, f := range files {
		logger.Debug("file "+index.Decide(f).String(), "path", f.Path)
	}
	outdated := manifest.Diff(index, files).OutdatedFiles
	rec.Requested = len(outdated)
	if rec.Requested == 0 {
		logger.Info("none of the files needs to be updated")
	}

	// the client opens files by the name it listed
	tasks := wire.SyncTaskList{OutdatedFiles: make([]wire.FileRecord, len(outdated))}
	for i, f := range outdated {
		tasks.OutdatedFiles[i] = wire.FileRecord{Path: names[f.Path], ModTime: f.ModTime}
	}
	if err := stream.WriteJSON(tasks); err != nil {
		return fmt.Errorf("send tasks: %w", err)
	}

	if err := h.receive(ctx, stream, m.ClientID, outdated, rec, logger); err != nil {
		return err
	}

	h.deleteAbsent(ctx, m.ClientID, archived, files, rec, logger)

	next := h.clock.Now().Add(h.interval)
	if err := stream.WriteLine(wire.FormatNextSync(next)); err != nil {
		return fmt.Errorf("send next sync: %w", err)
	}
	logger.Debug("session scheduled next sync", "at", next)
	return nil
}

// normalize maps listed paths to the archive names the store resolves them to, so that
// diffing and deletion compare like with like. Unsafe paths are dropped; when several
// listed paths share an archive name the first one wins. The returned map gives the
// listed spelling of every kept archive name.
func normalize(listed []wire.FileRecord, logger *slog.Logger) ([]wire.FileRecord, map[string]string) {
	files := make([]wire.FileRecord, 0, len(listed))
	names := make(map[string]string, len(listed))
	for _, f := range listed {
		clean, err := archive.CleanRelPath(f.Path)
		if err != nil {
			logger.Warn("listed file ignored", "path", f.Path, "error", err)
			continue
		}
		if prev, dup := names[clean]; dup {
			logger.Warn("listed file ignored", "path", f.Path, "duplicateOf", prev)
			continue
		}
		names[clean] = f.Path
		files = append(files, wire.FileRecord{Path: clean, ModTime: f.ModTime})
	}
	return files, names
}

// receive reads the declared frames. Frame paths are matched by archive name against
// the outdated files, each at most once.
func (h *Handler) receive(ctx context.Context, stream *wire.Stream, clientID string, outdated []wire.FileRecord, rec *journal.Record, logger *slog.Logger) error {
	r := stream.Reader()
	count, err := wire.ReadCount(r)
	if err != nil {
		return fmt.Errorf("read file count: %w", err)
	}
	if count > len(outdated) {
		return fmt.Errorf("%w: %d declared, %d requested", ErrTooManyFrames, count, len(outdated))
	}
	if count < len(outdated) {
		logger.Info("client will send fewer files than requested", "declared", count, "requested", len(outdated))
	}

	pending := make(map[string]struct{}, len(outdated))
	for _, f := range outdated {
		pending[f.Path] = struct{}{}
	}

	for i := 0; i < count; i++ {
		hdr, err := wire.ReadHeader(r)
		if err != nil {
			return fmt.Errorf("read frame %d of %d: %w", i+1, count, err)
		}
		clean, err := archive.CleanRelPath(hdr.Path)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnexpectedFile, err)
		}
		if _, ok := pending[clean]; !ok {
			return fmt.Errorf("%w: %s", ErrUnexpectedFile, hdr.Path)
		}
		delete(pending, clean)
		hdr.Path = clean

		n, err := h.store.Receive(clientID, hdr, r)
		rec.BytesReceived += n
		if err != nil {
			if errors.Is(err, wire.ErrLocalWrite) {
				rec.Failed++
				logger.Error("file not stored", "path", hdr.Path, "error", err)
				h.record(rec, activity.Entry{Path: hdr.Path, Action: activity.ActionFailed, Size: hdr.Length, Error: err.Error()}, logger)
				continue
			}
			return fmt.Errorf("receive %s: %w", hdr.Path, err)
		}
		rec.Uploaded++
		logger.Info("file received", "path", hdr.Path, "size", humanize.Bytes(uint64(n)))
		h.record(rec, activity.Entry{Path: hdr.Path, Action: activity.ActionUpload, Size: n, ModTime: hdr.ModTime}, logger)
		h.mirrorUpload(ctx, clientID, hdr, logger)
	}
	return nil
}

// deleteAbsent removes archived entries the client no longer lists, children before
// their parent directories.
func (h *Handler) deleteAbsent(ctx context.Context, clientID string, archived, listed []wire.FileRecord, rec *journal.Record, logger *slog.Logger) {
	absent := manifest.Absent(archived, listed)
	for i := len(absent) - 1; i >= 0; i-- {
		p := absent[i].Path
		removed, err := h.store.Remove(clientID, p)
		if err != nil {
			logger.Warn("file not deleted", "path", p, "error", err)
			continue
		}
		if !removed {
			continue
		}
		rec.Deleted++
		logger.Info("file deleted", "path", p)
		h.record(rec, activity.Entry{Path: p, Action: activity.ActionDelete}, logger)
		if err := h.mirror.Delete(ctx, clientID, p); err != nil {
			logger.Warn("mirror delete failed", "path", p, "error", err)
		}
	}

	if rec.Deleted > 0 {
		pruned, err := h.store.PruneEmptyDirs(clientID)
		if err != nil {
			logger.Warn("prune failed", "error", err)
		} else if pruned > 0 {
			logger.Debug("pruned empty directories", "count", pruned)
		}
	}
}

func (h *Handler) record(rec *journal.Record, e activity.Entry, logger *slog.Logger) {
	if h.activity == nil {
		return
	}
	e.Time = h.clock.Now()
	e.Session = rec.ID
	if err := h.activity.Record(rec.ClientID, e); err != nil {
		logger.Warn("activity log write failed", "path", e.Path, "error", err)
	}
}

func (h *Handler) mirrorUpload(ctx context.Context, clientID string, hdr wire.FrameHeader, logger *slog.Logger) {
	if _, ok := h.mirror.(mirror.Nop); ok {
		return
	}
	f, err := h.store.Open(clientID, hdr.Path)
	if err != nil {
		logger.Warn("mirror upload skipped", "path", hdr.Path, "error", err)
		return
	}
	defer f.Close()
	if err := h.mirror.Upload(ctx, clientID, hdr.Path, f, hdr.Length, hdr.Record().Time()); err != nil {
		logger.Warn("mirror upload failed", "path", hdr.Path, "error", err)
	}
}
