// Package runstore persists run and per-segment outcomes to SQLite. The
// store is advisory: an empty path disables it and the pipeline never
// depends on it for correctness.
package runstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/voxsplit/voxsplit/internal/config"
)

// Run is one recorded pipeline invocation.
type Run struct {
	ID         string
	Input      string
	State      string
	Segments   int
	Abandoned  int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Segment is one recorded per-segment outcome.
type Segment struct {
	RunID    string
	Index    int
	StartMS  int
	EndMS    int
	Status   string
	Attempts int
	Chars    int
}

type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store; with an empty path it returns a no-op store.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return &Store{log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    input TEXT NOT NULL,
    state TEXT NOT NULL,
    segments INTEGER NOT NULL DEFAULT 0,
    abandoned INTEGER NOT NULL DEFAULT 0,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS segments (
    run_id TEXT NOT NULL,
    idx INTEGER NOT NULL,
    start_ms INTEGER NOT NULL,
    end_ms INTEGER NOT NULL,
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL,
    chars INTEGER NOT NULL,
    PRIMARY KEY(run_id, idx),
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginRun records a new run in its initial state.
func (s *Store) BeginRun(ctx context.Context, runID, input string) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, input, state, started_at) VALUES(?, ?, ?, ?)`,
		runID, input, "running", s.clock().UTC())
	return err
}

// FinishRun records the terminal state and counters of a run.
func (s *Store) FinishRun(ctx context.Context, runID, state string, segments, abandoned int) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, segments = ?, abandoned = ?, finished_at = ? WHERE run_id = ?`,
		state, segments, abandoned, s.clock().UTC(), runID)
	return err
}

// RecordSegment upserts one segment outcome.
func (s *Store) RecordSegment(ctx context.Context, seg Segment) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO segments(run_id, idx, start_ms, end_ms, status, attempts, chars)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, idx) DO UPDATE SET
		   status = excluded.status, attempts = excluded.attempts, chars = excluded.chars`,
		seg.RunID, seg.Index, seg.StartMS, seg.EndMS, seg.Status, seg.Attempts, seg.Chars)
	return err
}

// GetRun retrieves a run row; sql.ErrNoRows when absent or store disabled.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	if s == nil || s.db == nil {
		return Run{}, sql.ErrNoRows
	}
	var r Run
	var started, finished sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, input, state, segments, abandoned, started_at, finished_at FROM runs WHERE run_id = ?`,
		runID).Scan(&r.ID, &r.Input, &r.State, &r.Segments, &r.Abandoned, &started, &finished)
	if err != nil {
		return Run{}, err
	}
	if started.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, started.String); err == nil {
			r.StartedAt = ts
		}
	}
	if finished.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, finished.String); err == nil {
			r.FinishedAt = ts
		}
	}
	return r, nil
}

// ListRunSegments retrieves segment outcomes for a run ordered by index.
func (s *Store) ListRunSegments(ctx context.Context, runID string) ([]Segment, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, idx, start_ms, end_ms, status, attempts, chars
		 FROM segments WHERE run_id = ? ORDER BY idx ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.RunID, &seg.Index, &seg.StartMS, &seg.EndMS, &seg.Status, &seg.Attempts, &seg.Chars); err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// Enabled reports whether a database is backing this store.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}
