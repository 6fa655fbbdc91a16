// Package journal persists one row per sync session in the archive's metadata directory.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/syncbox/internal/db"
)

const (
	FileName = "journal.db"

	// fixed width so that TEXT ordering is chronological
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    client_id TEXT NOT NULL,
    remote TEXT NOT NULL,
    started_at TEXT NOT NULL, -- UTC, fixed width
    finished_at TEXT NOT NULL,
    requested INTEGER NOT NULL,
    uploaded INTEGER NOT NULL,
    failed INTEGER NOT NULL,
    deleted INTEGER NOT NULL,
    bytes_received INTEGER NOT NULL,
    outcome TEXT NOT NULL,
    error TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_client ON sessions(client_id);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
`

type Outcome string

const (
	OutcomeOK     Outcome = "ok"
	OutcomeFailed Outcome = "failed"
)

// Record is one finished session.
type Record struct {
	ID            string    `json:"id"`
	ClientID      string    `json:"clientId"`
	Remote        string    `json:"remote"`
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
	Requested     int       `json:"requested"`
	Uploaded      int       `json:"uploaded"`
	Failed        int       `json:"failed"`
	Deleted       int       `json:"deleted"`
	BytesReceived int64     `json:"bytesReceived"`
	Outcome       Outcome   `json:"outcome"`
	Error         string    `json:"error,omitempty"`
}

// Duration is how long the session held the admission slot.
func (r *Record) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// dbRecord mirrors Record with times stored as TEXT.
type dbRecord struct {
	ID            string `db:"id"`
	ClientID      string `db:"client_id"`
	Remote        string `db:"remote"`
	StartedAt     string `db:"started_at"`
	FinishedAt    string `db:"finished_at"`
	Requested     int    `db:"requested"`
	Uploaded      int    `db:"uploaded"`
	Failed        int    `db:"failed"`
	Deleted       int    `db:"deleted"`
	BytesReceived int64  `db:"bytes_received"`
	Outcome       string `db:"outcome"`
	Error         string `db:"error"`
}

func (d *dbRecord) record() (Record, error) {
	started, err := time.Parse(time.RFC3339Nano, d.StartedAt)
	if err != nil {
		return Record{}, fmt.Errorf("parse started_at for %s: %w", d.ID, err)
	}
	finished, err := time.Parse(time.RFC3339Nano, d.FinishedAt)
	if err != nil {
		return Record{}, fmt.Errorf("parse finished_at for %s: %w", d.ID, err)
	}
	return Record{
		ID:            d.ID,
		ClientID:      d.ClientID,
		Remote:        d.Remote,
		StartedAt:     started,
		FinishedAt:    finished,
		Requested:     d.Requested,
		Uploaded:      d.Uploaded,
		Failed:        d.Failed,
		Deleted:       d.Deleted,
		BytesReceived: d.BytesReceived,
		Outcome:       Outcome(d.Outcome),
		Error:         d.Error,
	}, nil
}

// Journal stores session records in SQLite.
type Journal struct {
	db *sqlx.DB
}

// Open opens or creates the journal at path. Use db.MemoryPath in tests.
func Open(path string) (*Journal, error) {
	conn, err := db.NewSqliteDB(db.WithPath(path), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("open session journal: %w", err)
	}
	if err := db.Migrate(conn, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init session journal: %w", err)
	}
	return &Journal{db: conn}, nil
}

func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		slog.Error("session journal close", "error", err)
		return err
	}
	return nil
}

// Add inserts a finished session.
func (j *Journal) Add(ctx context.Context, r *Record) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("session record without id")
	}
	row := dbRecord{
		ID:            r.ID,
		ClientID:      r.ClientID,
		Remote:        r.Remote,
		StartedAt:     r.StartedAt.UTC().Format(timeLayout),
		FinishedAt:    r.FinishedAt.UTC().Format(timeLayout),
		Requested:     r.Requested,
		Uploaded:      r.Uploaded,
		Failed:        r.Failed,
		Deleted:       r.Deleted,
		BytesReceived: r.BytesReceived,
		Outcome:       string(r.Outcome),
		Error:         r.Error,
	}
	query := `INSERT INTO sessions (id, client_id, remote, started_at, finished_at, requested, uploaded,
	          failed, deleted, bytes_received, outcome, error)
	          VALUES (:id, :client_id, :remote, :started_at, :finished_at, :requested, :uploaded,
	          :failed, :deleted, :bytes_received, :outcome, :error)`
	if _, err := j.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("insert session %s: %w", r.ID, err)
	}
	slog.Debug("session journal add", "id", r.ID, "client", r.ClientID, "outcome", r.Outcome)
	return nil
}

// Recent returns up to limit sessions, newest first. An empty clientID matches all clients.
func (j *Journal) Recent(ctx context.Context, clientID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []dbRecord
	var err error
	if clientID == "" {
		err = j.db.SelectContext(ctx, &rows,
			"SELECT * FROM sessions ORDER BY started_at DESC LIMIT ?", limit)
	} else {
		err = j.db.SelectContext(ctx, &rows,
			"SELECT * FROM sessions WHERE client_id = ? ORDER BY started_at DESC LIMIT ?", clientID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}

	records := make([]Record, 0, len(rows))
	for i := range rows {
		r, err := rows[i].record()
		if err != nil {
			slog.Error("session journal skipping corrupt row", "error", err)
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM sessions"); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}
