// Package catalog keeps a local history of backup runs in SQLite. The
// archive on disk remains the source of truth; the catalog only makes
// past runs queryable without walking the destination tree.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/hostback/hostback/internal/backup"
)

// RunRecord is one catalogued backup run.
type RunRecord struct {
	ID           string
	Tier         backup.Tier
	Host         string
	Context      string
	Dir          string
	Status       backup.RunStatus
	UnitsTotal   int
	UnitsFailed  int
	UnitsSkipped int
	SizeBytes    int64
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Store persists run history.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open creates or opens the history database under dir.
func Open(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}
	dbPath := filepath.Join(dir, "history.db")

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	store := &Store{
		db:     db,
		logger: logger.With().Str("component", "catalog").Logger(),
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history database: %w", err)
	}

	store.logger.Debug().Str("path", dbPath).Msg("history database opened")
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			tier TEXT NOT NULL,
			host TEXT NOT NULL,
			context TEXT NOT NULL,
			dir TEXT NOT NULL,
			status TEXT NOT NULL,
			units_total INTEGER NOT NULL DEFAULT 0,
			units_failed INTEGER NOT NULL DEFAULT 0,
			units_skipped INTEGER NOT NULL DEFAULT 0,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_runs_tier ON runs(tier);
		CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Record inserts one finished run. Called after the latest pointer step;
// the engine treats any error here as a warning.
func (s *Store) Record(ctx context.Context, run *backup.BackupRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, tier, host, context, dir, status,
			units_total, units_failed, units_skipped, size_bytes,
			started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Tier), run.Host, run.Context, run.Dir, string(run.Status),
		len(run.Units),
		run.CountByOutcome(backup.OutcomeFailed),
		run.CountByOutcome(backup.OutcomeSkipped),
		run.TotalSize(),
		run.StartedAt.UTC().Format(time.RFC3339),
		run.FinishedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}

	s.logger.Debug().Str("run_id", run.ID).Str("tier", string(run.Tier)).Msg("run recorded")
	return nil
}

// List returns recent runs, newest first. An empty tier matches all
// tiers; limit <= 0 means a default page of 20.
func (s *Store) List(ctx context.Context, tier backup.Tier, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, tier, host, context, dir, status,
			units_total, units_failed, units_skipped, size_bytes,
			started_at, finished_at
		FROM runs`
	args := []any{}
	if tier != "" {
		query += ` WHERE tier = ?`
		args = append(args, string(tier))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var rec RunRecord
		var tierStr, statusStr, started, finished string
		if err := rows.Scan(&rec.ID, &tierStr, &rec.Host, &rec.Context, &rec.Dir, &statusStr,
			&rec.UnitsTotal, &rec.UnitsFailed, &rec.UnitsSkipped, &rec.SizeBytes,
			&started, &finished); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		rec.Tier = backup.Tier(tierStr)
		rec.Status = backup.RunStatus(statusStr)
		rec.StartedAt, _ = time.Parse(time.RFC3339, started)
		rec.FinishedAt, _ = time.Parse(time.RFC3339, finished)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
