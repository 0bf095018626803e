// Package calllog persists call history on the relay in SQLite.
package calllog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Status string

const (
	StatusRinging  Status = "ringing"
	StatusActive   Status = "active"
	StatusComplete Status = "completed"
	StatusCanceled Status = "canceled"
	StatusRejected Status = "rejected"
	StatusOffline  Status = "offline"
	StatusDropped  Status = "dropped"
)

// Terminal reports whether no further updates are expected for a call.
func (s Status) Terminal() bool {
	return s != StatusRinging && s != StatusActive
}

var ErrNotFound = errors.New("calllog: call not found")

const maxListLimit = 500

type Call struct {
	RoomID     string     `json:"roomId"`
	CallerID   string     `json:"callerId"`
	CalleeID   string     `json:"calleeId"`
	CallType   string     `json:"callType"`
	Status     Status     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	AnsweredAt *time.Time `json:"answeredAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
}

type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if needed) the database at path and applies pending
// migrations. ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "calllog")

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("calllog: create directory: %w", err)
		}
	}
	dsn += "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("calllog: open: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("calllog: ping: %w", err)
	}

	s := &Store{db: db, log: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping is used as a readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("calllog: create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("calllog: read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE filename = ?`, name).Scan(&exists)
		if err != nil {
			return fmt.Errorf("calllog: check migration %s: %w", name, err)
		}
		if exists > 0 {
			continue
		}

		body, err := fs.ReadFile(migrations, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("calllog: read migration %s: %w", name, err)
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("calllog: begin migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("calllog: apply migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)`, name, time.Now().Unix()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("calllog: record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("calllog: commit migration %s: %w", name, err)
		}
		s.log.Info("migration applied", "file", name)
	}
	return nil
}

// Started records a new ringing call. Re-recording a known room id is a no-op.
func (s *Store) Started(ctx context.Context, c Call) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (room_id, caller_id, callee_id, call_type, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id) DO NOTHING`,
		c.RoomID, c.CallerID, c.CalleeID, c.CallType, string(StatusRinging), c.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("calllog: insert %s: %w", c.RoomID, err)
	}
	return nil
}

// Answered moves a ringing call to active.
func (s *Store) Answered(ctx context.Context, roomID string, at time.Time) error {
	return s.update(ctx, roomID, `
		UPDATE calls SET status = ?, answered_at = ?
		WHERE room_id = ? AND status = ?`,
		string(StatusActive), at.UnixMilli(), roomID, string(StatusRinging))
}

// Finished records the terminal status of a call. Calls that already ended
// keep their first outcome.
func (s *Store) Finished(ctx context.Context, roomID string, status Status, reason string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("calllog: %q is not a terminal status", status)
	}
	return s.update(ctx, roomID, `
		UPDATE calls SET status = ?, reason = ?, ended_at = ?
		WHERE room_id = ? AND status IN (?, ?)`,
		string(status), reason, at.UnixMilli(), roomID, string(StatusRinging), string(StatusActive))
}

func (s *Store) update(ctx context.Context, roomID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("calllog: update %s: %w", roomID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calls WHERE room_id = ?`, roomID).Scan(&exists); err == nil && exists == 0 {
			return ErrNotFound
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, roomID string) (Call, error) {
	row := s.db.QueryRowContext(ctx, selectCalls+` WHERE room_id = ?`, roomID)
	c, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	return c, err
}

// ListByUser returns the calls a user placed or received, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]Call, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := s.db.QueryContext(ctx, selectCalls+`
		WHERE caller_id = ? OR callee_id = ?
		ORDER BY started_at DESC, room_id
		LIMIT ?`, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("calllog: list %s: %w", userID, err)
	}
	defer rows.Close()

	calls := []Call{}
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

const selectCalls = `SELECT room_id, caller_id, callee_id, call_type, status, reason, started_at, answered_at, ended_at FROM calls`

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(row scanner) (Call, error) {
	var (
		c                 Call
		status            string
		started           int64
		answered, stopped sql.NullInt64
	)
	if err := row.Scan(&c.RoomID, &c.CallerID, &c.CalleeID, &c.CallType, &status, &c.Reason, &started, &answered, &stopped); err != nil {
		return Call{}, err
	}
	c.Status = Status(status)
	c.StartedAt = time.UnixMilli(started).UTC()
	c.AnsweredAt = nullTime(answered)
	c.EndedAt = nullTime(stopped)
	return c, nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
