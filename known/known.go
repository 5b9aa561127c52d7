// Package known remembers which builds have been seen, per target, and
// decides whether a fresh fingerprint is news.
package known

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/bundlewatch/bundle"
	"github.com/hazyhaar/bundlewatch/dbopen"
)

// Schema creates the store's tables. Pass it to dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS builds (
	target     TEXT NOT NULL,
	token      TEXT NOT NULL,
	version    TEXT NOT NULL DEFAULT '',
	revision   TEXT NOT NULL DEFAULT '',
	build_id   TEXT NOT NULL DEFAULT '',
	run_id     TEXT NOT NULL DEFAULT '',
	first_seen INTEGER NOT NULL,
	PRIMARY KEY (target, token)
);
CREATE INDEX IF NOT EXISTS builds_version ON builds (target, version);
CREATE TABLE IF NOT EXISTS environments (
	target     TEXT PRIMARY KEY,
	app_env    TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	target     TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	elapsed_ms INTEGER NOT NULL,
	token      TEXT NOT NULL DEFAULT '',
	new_build  INTEGER NOT NULL DEFAULT 0,
	error      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS runs_target ON runs (target, started_at);
`

// Build is one observed build.
type Build struct {
	Target    string    `json:"target"`
	Token     string    `json:"token"`
	Version   string    `json:"version,omitempty"`
	Revision  string    `json:"revision,omitempty"`
	BuildID   string    `json:"build_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
}

// Observation is the store's verdict on a record.
type Observation struct {
	Token string
	// New is true when the token had never been seen for the target.
	New bool
	// Siblings are earlier tokens with the same version, i.e. the record is
	// a new revision of a known version.
	Siblings []string
	// EnvChanged is true when the runtime configuration differs from the
	// last one stored.
	EnvChanged bool
}

// Options configures a Store.
type Options struct {
	Now    func() time.Time
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Store is the SQLite-backed set of observed builds.
type Store struct {
	db   *sql.DB
	opts Options
}

// New wraps db, which must already carry Schema.
func New(db *sql.DB, opts Options) *Store {
	opts.defaults()
	return &Store{db: db, opts: opts}
}

// Open opens (creating if needed) the store at path.
func Open(path string, opts Options) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("known: %w", err)
	}
	return New(db, opts), nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func envJSON(rec *bundle.Record) (string, error) {
	if rec.AppEnv == nil {
		return "", nil
	}
	b, err := json.Marshal(rec.AppEnv)
	if err != nil {
		return "", fmt.Errorf("known: marshal app_env: %w", err)
	}
	return string(b), nil
}

// Observe records rec and reports whether it is new. The verdict, the build
// and the latest environment are handled in one transaction.
func (s *Store) Observe(ctx context.Context, rec *bundle.Record) (*Observation, error) {
	var obs *Observation
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		if obs, err = s.peek(ctx, tx, rec); err != nil {
			return err
		}
		return s.commit(ctx, tx, rec, obs)
	})
	if err != nil {
		return nil, err
	}
	s.logNew(rec, obs)
	return obs, nil
}

// Peek reports what Observe would, without storing anything. Pair it with
// Commit once the build has been announced, so a failed announcement leaves
// the build new for the next attempt.
func (s *Store) Peek(ctx context.Context, rec *bundle.Record) (*Observation, error) {
	return s.peek(ctx, s.db, rec)
}

// Commit stores rec and its environment as seen.
func (s *Store) Commit(ctx context.Context, rec *bundle.Record, obs *Observation) error {
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.commit(ctx, tx, rec, obs)
	})
	if err != nil {
		return err
	}
	s.logNew(rec, obs)
	return nil
}

func (s *Store) peek(ctx context.Context, q querier, rec *bundle.Record) (*Observation, error) {
	env, err := envJSON(rec)
	if err != nil {
		return nil, err
	}
	obs := &Observation{Token: rec.Token()}

	var one int
	err = q.QueryRowContext(ctx,
		`SELECT 1 FROM builds WHERE target = ? AND token = ?`, rec.Target, obs.Token).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		obs.New = true
	case err != nil:
		return nil, fmt.Errorf("known: lookup: %w", err)
	}

	if obs.New && rec.Version != "" {
		rows, err := q.QueryContext(ctx,
			`SELECT token FROM builds WHERE target = ? AND version = ? ORDER BY first_seen`, rec.Target, rec.Version)
		if err != nil {
			return nil, fmt.Errorf("known: siblings: %w", err)
		}
		for rows.Next() {
			var tok string
			if err := rows.Scan(&tok); err != nil {
				rows.Close()
				return nil, err
			}
			obs.Siblings = append(obs.Siblings, tok)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	var prev string
	err = q.QueryRowContext(ctx, `SELECT app_env FROM environments WHERE target = ?`, rec.Target).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("known: environment: %w", err)
	}
	obs.EnvChanged = env != prev
	return obs, nil
}

func (s *Store) commit(ctx context.Context, tx *sql.Tx, rec *bundle.Record, obs *Observation) error {
	env, err := envJSON(rec)
	if err != nil {
		return err
	}
	now := s.opts.Now().UnixMilli()
	if obs.New {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO builds (target, token, version, revision, build_id, run_id, first_seen) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.Target, obs.Token, rec.Version, rec.Revision, rec.BuildID, rec.RunID, now); err != nil {
			return fmt.Errorf("known: insert: %w", err)
		}
	}
	if env != "" && obs.EnvChanged {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO environments (target, app_env, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(target) DO UPDATE SET app_env = excluded.app_env, updated_at = excluded.updated_at`,
			rec.Target, env, now); err != nil {
			return fmt.Errorf("known: store environment: %w", err)
		}
	}
	return nil
}

func (s *Store) logNew(rec *bundle.Record, obs *Observation) {
	if obs.New {
		s.opts.Logger.Info("known: new build", "target", rec.Target, "token", obs.Token, "siblings", len(obs.Siblings), "env_changed", obs.EnvChanged)
	}
}

// List returns the builds seen for target, oldest first. An empty target
// lists every target.
func (s *Store) List(ctx context.Context, target string) ([]Build, error) {
	q := `SELECT target, token, version, revision, build_id, run_id, first_seen FROM builds`
	var args []any
	if target != "" {
		q += ` WHERE target = ?`
		args = append(args, target)
	}
	q += ` ORDER BY first_seen, target, token`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("known: list: %w", err)
	}
	defer rows.Close()

	var out []Build
	for rows.Next() {
		var b Build
		var ms int64
		if err := rows.Scan(&b.Target, &b.Token, &b.Version, &b.Revision, &b.BuildID, &b.RunID, &ms); err != nil {
			return nil, fmt.Errorf("known: scan: %w", err)
		}
		b.FirstSeen = time.UnixMilli(ms).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}
