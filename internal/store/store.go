// Package store persists the small slice of runtime state that must
// survive daemon restarts: the selected profile, the manual inhibitor
// flag, and a pending pause deadline.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/idlewatch/idlewatch/internal/logging"
)

// Runtime is the persisted daemon state. HasProfile distinguishes a
// saved "none" selection from no saved row at all.
type Runtime struct {
	Profile       string
	HasProfile    bool
	ManualInhibit bool
	PausedUntil   time.Time
}

type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod state path: %w", err)
	}
	s := &Store{db: db, log: logging.WithComponent("store")}
	if err := s.migrate(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range migrations {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.upSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

type migration struct {
	version int
	upSQL   string
}

var migrations = []migration{
	{
		version: 1,
		upSQL: `
CREATE TABLE IF NOT EXISTS runtime_state (
	id INTEGER PRIMARY KEY CHECK(id = 1),
	profile TEXT NOT NULL,
	manual_inhibit INTEGER NOT NULL DEFAULT 0,
	paused_until TEXT,
	updated_at TEXT NOT NULL
);
`,
	},
}

// Load returns the saved runtime state; a missing row yields the zero
// Runtime with HasProfile false.
func (s *Store) Load(ctx context.Context) (Runtime, error) {
	var (
		rt          Runtime
		manual      int
		pausedUntil sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT profile, manual_inhibit, paused_until FROM runtime_state WHERE id = 1`,
	).Scan(&rt.Profile, &manual, &pausedUntil)
	if err == sql.ErrNoRows {
		return Runtime{}, nil
	}
	if err != nil {
		return Runtime{}, fmt.Errorf("load runtime state: %w", err)
	}
	rt.HasProfile = true
	rt.ManualInhibit = manual != 0
	if pausedUntil.Valid && pausedUntil.String != "" {
		if t, perr := time.Parse(time.RFC3339Nano, pausedUntil.String); perr == nil {
			rt.PausedUntil = t
		}
	}
	return rt, nil
}

// SaveRuntime upserts the single state row. Called from the engine
// goroutine; failures are logged, never fatal.
func (s *Store) SaveRuntime(profile string, manualInhibit bool, pausedUntil time.Time) {
	var until any
	if !pausedUntil.IsZero() {
		until = pausedUntil.UTC().Format(time.RFC3339Nano)
	}
	manual := 0
	if manualInhibit {
		manual = 1
	}
	_, err := s.db.Exec(`
INSERT INTO runtime_state(id, profile, manual_inhibit, paused_until, updated_at)
VALUES (1, ?, ?, ?, datetime('now'))
ON CONFLICT(id) DO UPDATE SET
	profile=excluded.profile,
	manual_inhibit=excluded.manual_inhibit,
	paused_until=excluded.paused_until,
	updated_at=excluded.updated_at
`, profile, manual, until)
	if err != nil {
		s.log.Warn().Err(err).Msg("persist runtime state failed")
	}
}
