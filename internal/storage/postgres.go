package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenLabCore/internal/config"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id UUID PRIMARY KEY,
			started_at TIMESTAMPTZ NOT NULL,
			stopped_at TIMESTAMPTZ,
			file_path TEXT NOT NULL DEFAULT '',
			columns TEXT[] NOT NULL,
			samples INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)
	`)
	return err
}

func (p *PostgresStore) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO runs (id, started_at, file_path, columns, samples, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, run.ID, run.StartedAt, run.FilePath, run.Columns, run.Samples, string(run.Status))
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (p *PostgresStore) FinishRun(ctx context.Context, id uuid.UUID, result RunResult) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE runs SET stopped_at = $2, samples = $3, status = $4, error = $5
		WHERE id = $1
	`, id, result.StoppedAt, result.Samples, string(result.Status), result.Error)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

func scanPgRun(row pgx.Row) (*Run, error) {
	var run Run
	var status string
	if err := row.Scan(&run.ID, &run.StartedAt, &run.StoppedAt, &run.FilePath,
		&run.Columns, &run.Samples, &status, &run.Error); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	return &run, nil
}

func (p *PostgresStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, started_at, stopped_at, file_path, columns, samples, status, error
		FROM runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (p *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	run, err := scanPgRun(p.pool.QueryRow(ctx, `
		SELECT id, started_at, stopped_at, file_path, columns, samples, status, error
		FROM runs
		WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
