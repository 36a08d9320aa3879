package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/mediaops/transformd/internal/jobs"
	"github.com/mediaops/transformd/internal/store"
)

// sweepBatch caps how many expired jobs one sweep handles.
const sweepBatch = 100

// RecordStore is the record-store subset the janitor drives.
type RecordStore interface {
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*jobs.Job, error)
	CompareAndSet(ctx context.Context, jobID string, expected, next jobs.State, update store.Update) (bool, error)
	Delete(ctx context.Context, jobID string) error
	Exists(ctx context.Context, jobID string) (bool, error)
}

// ArtifactStore is the artifact-store subset the janitor drives.
type ArtifactStore interface {
	Remove(ref string) error
	RemoveSandbox(jobID string) error
	SweepPublic(maxAge time.Duration) (int, int64)
	SweepOrphans(grace time.Duration, isLive func(jobID string) bool) int
}

// Config holds janitor configuration
type Config struct {
	Logger      *slog.Logger
	Records     RecordStore
	Artifacts   ArtifactStore
	Interval    time.Duration
	Retention   time.Duration
	OrphanGrace time.Duration
}

// Janitor periodically expires stale job records and their artifacts, and
// removes orphaned sandboxes. Every sweep is idempotent: a sweep that finds
// nothing is a no-op. Single-instance deployment is assumed.
type Janitor struct {
	logger      *slog.Logger
	records     RecordStore
	artifacts   ArtifactStore
	interval    time.Duration
	retention   time.Duration
	orphanGrace time.Duration
}

// New creates a Janitor.
func New(cfg *Config) *Janitor {
	return &Janitor{
		logger:      cfg.Logger,
		records:     cfg.Records,
		artifacts:   cfg.Artifacts,
		interval:    cfg.Interval,
		retention:   cfg.Retention,
		orphanGrace: cfg.OrphanGrace,
	}
}

// Run sweeps on a fixed interval until the context is canceled.
func (j *Janitor) Run(ctx context.Context) {
	j.logger.Info("Janitor started",
		slog.Duration("interval", j.interval),
		slog.Duration("retention", j.retention),
	)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("Janitor stopped")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep performs one pass: expire terminal jobs past retention, then clean
// up public artifacts and orphaned sandboxes. Errors are logged and the
// sweep moves on; the next interval gets another chance.
func (j *Janitor) Sweep(ctx context.Context) {
	expired, err := j.records.ListExpired(ctx, time.Now(), sweepBatch)
	if err != nil {
		j.logger.Error("Failed to list expired jobs",
			slog.Any("error", err),
		)
	} else {
		for _, job := range expired {
			j.expireJob(ctx, job)
		}
	}

	j.artifacts.SweepPublic(j.retention)

	j.artifacts.SweepOrphans(j.orphanGrace, func(jobID string) bool {
		exists, err := j.records.Exists(ctx, jobID)
		if err != nil {
			// Can't tell; keep the sandbox rather than guess.
			return true
		}
		return exists
	})
}

// expireJob deletes a job's artifacts, transitions the record to EXPIRED,
// and finally removes the record. Artifacts go first so a crash mid-expiry
// leaves a record that the next sweep picks up again.
func (j *Janitor) expireJob(ctx context.Context, job *jobs.Job) {
	if job.OutputRef != "" {
		if err := j.artifacts.Remove(job.OutputRef); err != nil {
			j.logger.Error("Failed to remove expired job output",
				slog.String("job_id", job.ID),
				slog.String("ref", job.OutputRef),
				slog.Any("error", err),
			)
			return
		}
	}

	if err := j.artifacts.RemoveSandbox(job.ID); err != nil {
		j.logger.Error("Failed to remove expired job sandbox",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}

	ok, err := j.records.CompareAndSet(ctx, job.ID, job.State, jobs.StateExpired, store.Update{})
	if err != nil {
		j.logger.Error("Failed to expire job record",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}
	if !ok {
		// Someone else moved the record; leave it for the next sweep.
		return
	}

	if err := j.records.Delete(ctx, job.ID); err != nil {
		j.logger.Error("Failed to delete expired job record",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}

	j.logger.Info("Job expired",
		slog.String("job_id", job.ID),
	)
}
