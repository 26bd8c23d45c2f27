package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// sqliteTime sorts lexically in UTC.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			stopped_at TEXT,
			file_path TEXT NOT NULL DEFAULT '',
			columns_json TEXT NOT NULL,
			samples INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`)
	return err
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	columns, err := json.Marshal(run.Columns)
	if err != nil {
		return fmt.Errorf("failed to marshal columns: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, file_path, columns_json, samples, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID.String(), run.StartedAt.UTC().Format(sqliteTime), run.FilePath, string(columns), run.Samples, string(run.Status))
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, id uuid.UUID, result RunResult) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET stopped_at = ?, samples = ?, status = ?, error = ?
		WHERE id = ?
	`, result.StoppedAt.UTC().Format(sqliteTime), result.Samples, string(result.Status), result.Error, id.String())
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

const selectRuns = `SELECT id, started_at, stopped_at, file_path, columns_json, samples, status, error FROM runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		id, startedAt, filePath, columns, status, runErr string
		stoppedAt                                        sql.NullString
		samples                                          int
	)
	if err := row.Scan(&id, &startedAt, &stoppedAt, &filePath, &columns, &samples, &status, &runErr); err != nil {
		return nil, err
	}

	run := &Run{FilePath: filePath, Samples: samples, Status: RunStatus(status), Error: runErr}
	var err error
	if run.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid run id %q: %w", id, err)
	}
	if run.StartedAt, err = time.Parse(sqliteTime, startedAt); err != nil {
		return nil, fmt.Errorf("invalid start time: %w", err)
	}
	if stoppedAt.Valid {
		t, err := time.Parse(sqliteTime, stoppedAt.String)
		if err != nil {
			return nil, fmt.Errorf("invalid stop time: %w", err)
		}
		run.StoppedAt = &t
	}
	if err := json.Unmarshal([]byte(columns), &run.Columns); err != nil {
		return nil, fmt.Errorf("failed to unmarshal columns: %w", err)
	}
	return run, nil
}

// ListRuns returns the newest runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectRuns+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRuns+` WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
