// Package store persists call session bookkeeping in sqlite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dkeye/Televisit/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

var ErrNotFound = errors.New("session not found")

type Record struct {
	SessionID        domain.SessionID   `json:"session_id"`
	Status           Status             `json:"status"`
	StartedAt        time.Time          `json:"started_at"`
	EndedAt          *time.Time         `json:"ended_at,omitempty"`
	FinalQualityTier domain.QualityTier `json:"final_quality_tier,omitempty"`
}

type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

const schema = `CREATE TABLE IF NOT EXISTS call_sessions (
	session_id         TEXT PRIMARY KEY,
	status             TEXT NOT NULL,
	started_at         INTEGER NOT NULL,
	ended_at           INTEGER,
	final_quality_tier TEXT NOT NULL DEFAULT ''
)`

// Open opens (or creates) the database at path. ":memory:" keeps everything
// in a single in-process connection.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA busy_timeout = 5000"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range append(pragmas, schema) {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init db: %w", err)
		}
	}

	s := &Store{db: db, logger: log.With().Str("module", "store").Logger()}
	s.logger.Info().Str("path", path).Msg("store ready")
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Activate marks the session active. A session that already exists keeps its
// row untouched.
func (s *Store) Activate(ctx context.Context, sid domain.SessionID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_sessions (session_id, status, started_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		string(sid), string(StatusActive), time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("activate %s: %w", sid, err)
	}
	return nil
}

// Complete records the end of a session. The first completion wins; later
// ones are ignored.
func (s *Store) Complete(ctx context.Context, sum domain.SessionSummary) error {
	if sum.SessionID == "" {
		return fmt.Errorf("complete: %w", domain.ErrMissingRoute)
	}
	ended := sum.EndedAt.UTC().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO call_sessions (session_id, status, started_at, ended_at, final_quality_tier)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			ended_at = excluded.ended_at,
			final_quality_tier = excluded.final_quality_tier
		WHERE call_sessions.status <> ?`,
		string(sum.SessionID), string(StatusCompleted), ended, ended, string(sum.FinalQualityTier),
		string(StatusCompleted))
	if err != nil {
		return fmt.Errorf("complete %s: %w", sum.SessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug().Str("sid", string(sum.SessionID)).Msg("already completed")
		return nil
	}
	s.logger.Info().Str("sid", string(sum.SessionID)).Str("tier", string(sum.FinalQualityTier)).Msg("session completed")
	return nil
}

func (s *Store) Get(ctx context.Context, sid domain.SessionID) (Record, error) {
	var (
		rec     Record
		status  string
		started int64
		ended   sql.NullInt64
		tier    string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, status, started_at, ended_at, final_quality_tier
		FROM call_sessions WHERE session_id = ?`, string(sid)).
		Scan(&rec.SessionID, &status, &started, &ended, &tier)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %s: %w", sid, err)
	}
	rec.Status = Status(status)
	rec.StartedAt = time.UnixMilli(started).UTC()
	if ended.Valid {
		t := time.UnixMilli(ended.Int64).UTC()
		rec.EndedAt = &t
	}
	rec.FinalQualityTier = domain.QualityTier(tier)
	return rec, nil
}
