// Package catalog records every session an agent or master has run in a
// local SQLite database so recordings can be found after the fact.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/e7canasta/orion-sync/internal/session"
)

// timeLayout has a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one catalog row.
type Entry struct {
	ID          string
	RunID       string
	Role        string
	Device      string
	State       string
	Dir         string
	PreparedAt  time.Time
	MasterStart sql.NullFloat64
	LocalStart  sql.NullFloat64
	Offset      sql.NullFloat64
	MasterStop  sql.NullFloat64
	LocalStop   sql.NullFloat64
	StopReason  string
	Samples     uint64
	UpdatedAt   time.Time
}

// Catalog is a SQLite-backed session.Recorder.
type Catalog struct {
	db *sql.DB
}

// Open opens (creating if needed) the catalog at path.
func Open(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; the manager records from a single goroutine anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog ping failed: %w", err)
	}

	c := &Catalog{db: db}
	if err := c.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  run_id TEXT NOT NULL,
  role TEXT NOT NULL,
  device TEXT NOT NULL,
  state TEXT NOT NULL,
  dir TEXT NOT NULL,
  prepared_at TEXT NOT NULL,
  master_start REAL,
  local_start REAL,
  offset_s REAL,
  master_stop REAL,
  local_stop REAL,
  stop_reason TEXT,
  samples INTEGER NOT NULL DEFAULT 0,
  updated_at TEXT NOT NULL
);
`
	if _, err := c.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS sessions_prepared_at ON sessions(prepared_at)`); err != nil {
		return fmt.Errorf("create sessions index: %w", err)
	}
	return nil
}

// Record upserts s. It implements session.Recorder.
func (c *Catalog) Record(ctx context.Context, s session.Session) error {
	const stmt = `
INSERT INTO sessions (id, run_id, role, device, state, dir, prepared_at, master_start, local_start, offset_s, master_stop, local_stop, stop_reason, samples, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  state=excluded.state,
  master_start=excluded.master_start,
  local_start=excluded.local_start,
  offset_s=excluded.offset_s,
  master_stop=excluded.master_stop,
  local_stop=excluded.local_stop,
  stop_reason=excluded.stop_reason,
  samples=excluded.samples,
  updated_at=excluded.updated_at;
`
	var masterStart, localStart, offset, masterStop, localStop sql.NullFloat64
	if s.HasMasterStart {
		masterStart = sql.NullFloat64{Float64: s.MasterStart, Valid: true}
		localStart = sql.NullFloat64{Float64: s.LocalStart, Valid: true}
		offset = sql.NullFloat64{Float64: s.Offset, Valid: true}
	}
	if s.HasMasterStop {
		masterStop = sql.NullFloat64{Float64: s.MasterStop, Valid: true}
	}
	if s.State == session.Stopped {
		localStop = sql.NullFloat64{Float64: s.LocalStop, Valid: true}
	}

	_, err := c.db.ExecContext(ctx, stmt,
		s.ID, s.RunID, string(s.Role), s.Device, s.State.String(), s.Dir,
		s.PreparedAt.UTC().Format(timeLayout),
		masterStart, localStart, offset, masterStop, localStop,
		s.StopReason, int64(s.Samples),
		time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record session %s: %w", s.ID, err)
	}
	return nil
}

// List returns the newest entries first. limit <= 0 returns everything.
func (c *Catalog) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `
SELECT id, run_id, role, device, state, dir, prepared_at, master_start, local_start, offset_s, master_stop, local_stop, COALESCE(stop_reason, ''), samples, updated_at
FROM sessions
ORDER BY prepared_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                     Entry
			preparedAt, updatedAt string
			samples               int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Role, &e.Device, &e.State, &e.Dir, &preparedAt,
			&e.MasterStart, &e.LocalStart, &e.Offset, &e.MasterStop, &e.LocalStop,
			&e.StopReason, &samples, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		e.Samples = uint64(samples)
		if e.PreparedAt, err = time.Parse(timeLayout, preparedAt); err != nil {
			return nil, fmt.Errorf("parse prepared_at %q: %w", preparedAt, err)
		}
		if e.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at %q: %w", updatedAt, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return entries, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}
