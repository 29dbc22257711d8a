package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"settlement-engine/config"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
)

// Migrate brings River's own tables up to date.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	return nil
}

// NewClient builds the River client with the stale sweeper scheduled every
// sweepEvery. Workers must already be registered.
func NewClient(pool *pgxpool.Pool, workers *river.Workers, cfg config.QueueConfig, sweepEvery time.Duration, log *slog.Logger) (*river.Client[pgx.Tx], error) {
	var periodic []*river.PeriodicJob
	if sweepEvery > 0 {
		periodic = append(periodic, river.NewPeriodicJob(
			river.PeriodicInterval(sweepEvery),
			func() (river.JobArgs, *river.InsertOpts) { return StaleSweepArgs{}, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		))
	}

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Workers},
		},
		Workers:      workers,
		PeriodicJobs: periodic,
		MaxAttempts:  cfg.MaxAttempts,
		Logger:       log,
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return client, nil
}
