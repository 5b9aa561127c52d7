package known

import (
	"context"
	"fmt"
	"time"
)

// Run is the outcome of one scan, kept whether or not it succeeded.
type Run struct {
	RunID     string        `json:"run_id"`
	Target    string        `json:"target"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
	Token     string        `json:"token,omitempty"`
	NewBuild  bool          `json:"new_build"`
	Error     string        `json:"error,omitempty"`
}

// RecordRun stores one scan outcome. A repeated run ID replaces the
// earlier row.
func (s *Store) RecordRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (run_id, target, started_at, elapsed_ms, token, new_build, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Target, r.StartedAt.UnixMilli(), r.Elapsed.Milliseconds(), r.Token, r.NewBuild, r.Error)
	if err != nil {
		return fmt.Errorf("known: record run: %w", err)
	}
	return nil
}

// Runs returns up to limit runs for target, newest first. An empty target
// covers every target; limit <= 0 means 50.
func (s *Store) Runs(ctx context.Context, target string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT run_id, target, started_at, elapsed_ms, token, new_build, error FROM runs`
	var args []any
	if target != "" {
		q += ` WHERE target = ?`
		args = append(args, target)
	}
	q += ` ORDER BY started_at DESC, run_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("known: runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started, elapsed int64
		if err := rows.Scan(&r.RunID, &r.Target, &started, &elapsed, &r.Token, &r.NewBuild, &r.Error); err != nil {
			return nil, fmt.Errorf("known: scan run: %w", err)
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		r.Elapsed = time.Duration(elapsed) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}
