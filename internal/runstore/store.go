// Package runstore keeps a SQLite ledger of merge and remap runs and the
// outcome of every tile in them.
package runstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/tilemerge/internal/timeutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned by GetRun for an unknown id.
var ErrRunNotFound = errors.New("run not found")

// Run kinds.
const (
	KindMerge = "merge"
	KindRemap = "remap"
)

// Run statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run is one ledger entry.
type Run struct {
	ID         string
	Kind       string
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time

	OriginalPath   string
	TilesDir       string
	SubsampledPath string
	OutputPath     string
	ParamsJSON     string

	TargetPoints    int
	TilesProcessed  int
	TilesSkipped    int
	ObjectsSeen     int
	WholeObjects    int
	RejectedObjects int
	PointsWritten   int
	Overwritten     int
	SmallClusters   int
	Reassigned      int
	Unresolved      int
}

// Duration returns FinishedAt - StartedAt.
func (r *Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// TileRecord is one tile's outcome within a run. Ordinal is the tile's
// position in merge order.
type TileRecord struct {
	Ordinal       int
	Name          string
	Skipped       bool
	Reason        string
	Points        int
	Objects       int
	WholeObjects  int
	PointsClaimed int
	FirstID       int
	NextID        int
}

// Store is the run ledger.
type Store struct {
	db    *sql.DB
	clock timeutil.Clock
}

// Open opens or creates the ledger at path and applies pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps per-connection pragmas in force for every query.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, clock: timeutil.RealClock{}}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SetClock replaces the clock used to stamp runs without a StartedAt.
func (s *Store) SetClock(c timeutil.Clock) { s.clock = c }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRun inserts run and its tiles in one transaction. An empty run.ID
// is filled with a new UUID; a zero StartedAt or FinishedAt is stamped from
// the store clock.
func (s *Store) RecordRun(ctx context.Context, run *Run, tiles []TileRecord) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	now := s.clock.Now()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = now
	}
	if run.ParamsJSON == "" {
		run.ParamsJSON = "{}"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO runs (
			run_id, kind, status, error, started_unix_nanos, finished_unix_nanos,
			original_path, tiles_dir, subsampled_path, output_path, params_json,
			target_points, tiles_processed, tiles_skipped, objects_seen, whole_objects,
			rejected_objects, points_written, overwritten, small_clusters, reassigned, unresolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Kind, run.Status, run.Error, run.StartedAt.UnixNano(), run.FinishedAt.UnixNano(),
		run.OriginalPath, run.TilesDir, run.SubsampledPath, run.OutputPath, run.ParamsJSON,
		run.TargetPoints, run.TilesProcessed, run.TilesSkipped, run.ObjectsSeen, run.WholeObjects,
		run.RejectedObjects, run.PointsWritten, run.Overwritten, run.SmallClusters, run.Reassigned, run.Unresolved)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO run_tiles (
			run_id, ordinal, name, skipped, reason, points, objects, whole_objects,
			points_claimed, first_id, next_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range tiles {
		if _, err := stmt.ExecContext(ctx, run.ID, t.Ordinal, t.Name, t.Skipped, t.Reason, t.Points,
			t.Objects, t.WholeObjects, t.PointsClaimed, t.FirstID, t.NextID); err != nil {
			return fmt.Errorf("failed to insert tile %s: %w", t.Name, err)
		}
	}
	return tx.Commit()
}

const runColumns = `run_id, kind, status, error, started_unix_nanos, finished_unix_nanos,
	original_path, tiles_dir, subsampled_path, output_path, params_json,
	target_points, tiles_processed, tiles_skipped, objects_seen, whole_objects,
	rejected_objects, points_written, overwritten, small_clusters, reassigned, unresolved`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var started, finished int64
	err := row.Scan(&r.ID, &r.Kind, &r.Status, &r.Error, &started, &finished,
		&r.OriginalPath, &r.TilesDir, &r.SubsampledPath, &r.OutputPath, &r.ParamsJSON,
		&r.TargetPoints, &r.TilesProcessed, &r.TilesSkipped, &r.ObjectsSeen, &r.WholeObjects,
		&r.RejectedObjects, &r.PointsWritten, &r.Overwritten, &r.SmallClusters, &r.Reassigned, &r.Unresolved)
	if err != nil {
		return nil, err
	}
	r.StartedAt = time.Unix(0, started)
	r.FinishedAt = time.Unix(0, finished)
	return &r, nil
}

// GetRun returns the run with the given id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// ListRuns returns up to limit runs, newest first. limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_unix_nanos DESC, run_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// TilesForRun returns the tiles of a run in merge order.
func (s *Store) TilesForRun(ctx context.Context, runID string) ([]TileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ordinal, name, skipped, reason, points, objects,
			whole_objects, points_claimed, first_id, next_id
		FROM run_tiles WHERE run_id = ? ORDER BY ordinal`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TileRecord
	for rows.Next() {
		var t TileRecord
		if err := rows.Scan(&t.Ordinal, &t.Name, &t.Skipped, &t.Reason, &t.Points, &t.Objects,
			&t.WholeObjects, &t.PointsClaimed, &t.FirstID, &t.NextID); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
