package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenLabCore/internal/config"
	"github.com/google/uuid"
)

// RunStore is the catalog of measurement runs.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id uuid.UUID, result RunResult) error
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	Close() error
}

// Open returns the run store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.CatalogConfig, data config.DataConfig) (RunStore, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLiteStore(data.Path(cfg.SQLitePath))
	case "postgres":
		return NewPostgresStore(ctx, cfg.Database)
	case "none":
		return NopStore{}, nil
	default:
		return nil, fmt.Errorf("unknown catalog driver %q", cfg.Driver)
	}
}

// NopStore discards runs.
type NopStore struct{}

func (NopStore) CreateRun(context.Context, *Run) error                 { return nil }
func (NopStore) FinishRun(context.Context, uuid.UUID, RunResult) error { return nil }
func (NopStore) ListRuns(context.Context, int) ([]*Run, error)         { return nil, nil }
func (NopStore) GetRun(context.Context, uuid.UUID) (*Run, error)       { return nil, ErrRunNotFound }
func (NopStore) Close() error                                          { return nil }
