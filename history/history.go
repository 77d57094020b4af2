// Package history keeps a SQLite log of benchmark runs so results can be
// compared across repository versions and configurations.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("run not found")

// NewRunID returns a new, time-sortable run identifier.
func NewRunID() string {
	return xid.New().String()
}

// Run is one stored benchmark run.
type Run struct {
	ID        string
	StartedAt time.Time

	URL         string
	Dialect     string
	Action      string
	NumActions  int
	NumThreads  int
	SizeBytes   int64
	Transaction string

	Count               int
	TotalDurationMillis int64
	WallMillis          int64
	ThroughputMBps      float64

	// Error is empty for runs that completed.
	Error string

	// Report is the JSON report of a completed run.
	Report string
}

// Failed reports whether the run aborted.
func (r Run) Failed() bool {
	return r.Error != ""
}

// Store persists runs in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("connect to history database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()

		return nil, err
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		fedora_url TEXT NOT NULL,
		dialect TEXT NOT NULL,
		action TEXT NOT NULL,
		num_actions INTEGER NOT NULL,
		num_threads INTEGER NOT NULL,
		size_bytes INTEGER NOT NULL,
		transaction_mode TEXT NOT NULL,
		completed INTEGER NOT NULL,
		total_duration_ms INTEGER NOT NULL,
		wall_ms INTEGER NOT NULL,
		throughput_mbps REAL NOT NULL,
		error TEXT,
		report TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_runs_action ON runs(action);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initialize history schema: %w", err)
	}

	return nil
}

// Save stores run. A run without an id gets a new one, which is returned.
func (s *Store) Save(ctx context.Context, run Run) (string, error) {
	if run.ID == "" {
		run.ID = NewRunID()
	}

	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	query := `
		INSERT INTO runs (
			id, started_at, fedora_url, dialect, action, num_actions, num_threads,
			size_bytes, transaction_mode, completed, total_duration_ms, wall_ms,
			throughput_mbps, error, report
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.StartedAt.UTC(),
		run.URL,
		run.Dialect,
		run.Action,
		run.NumActions,
		run.NumThreads,
		run.SizeBytes,
		run.Transaction,
		run.Count,
		run.TotalDurationMillis,
		run.WallMillis,
		run.ThroughputMBps,
		nullable(run.Error),
		nullable(run.Report),
	)
	if err != nil {
		return "", fmt.Errorf("save run %s: %w", run.ID, err)
	}

	return run.ID, nil
}

const selectRuns = `
	SELECT id, started_at, fedora_url, dialect, action, num_actions, num_threads,
		size_bytes, transaction_mode, completed, total_duration_ms, wall_ms,
		throughput_mbps, error, report
	FROM runs
`

// List returns up to limit runs, newest first. A limit below 1 returns
// every run.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	query := selectRuns + " ORDER BY started_at DESC, id DESC"

	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	return runs, nil
}

// Get returns the run with the given id.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, selectRuns+" WHERE id = ?", id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return run, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		run     Run
		errText sql.NullString
		report  sql.NullString
	)

	err := sc.Scan(
		&run.ID,
		&run.StartedAt,
		&run.URL,
		&run.Dialect,
		&run.Action,
		&run.NumActions,
		&run.NumThreads,
		&run.SizeBytes,
		&run.Transaction,
		&run.Count,
		&run.TotalDurationMillis,
		&run.WallMillis,
		&run.ThroughputMBps,
		&errText,
		&report,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}

		return Run{}, fmt.Errorf("scan run: %w", err)
	}

	run.Error = errText.String
	run.Report = report.String

	return run, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
