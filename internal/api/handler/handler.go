package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/mediaops/transformd/internal/jobs"
	"github.com/mediaops/transformd/internal/store"
)

// RecordStore is the record-store surface the handlers need.
type RecordStore interface {
	Create(ctx context.Context, job *jobs.Job) error
	Get(ctx context.Context, jobID string) (*jobs.Job, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*jobs.Job, error)
	Delete(ctx context.Context, jobID string) error
	CompareAndSet(ctx context.Context, jobID string, expected, next jobs.State, update store.Update) (bool, error)
	CountByState(ctx context.Context, state jobs.State) (int, error)
	Ping(ctx context.Context) error
}

// JobQueue is the queue surface the handlers need.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string) error
	Depth() (int, error)
}

// RefValidator rejects input references before a job record exists.
type RefValidator interface {
	Validate(ref string) error
}

// ArtifactResolver maps stored output refs to public URLs.
type ArtifactResolver interface {
	URLFor(ref string) string
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Records     RecordStore
	Queue       JobQueue
	Refs        RefValidator
	Artifacts   ArtifactResolver
	MaxAttempts int
	MaxTimeout  time.Duration
	Retention   time.Duration
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger      *slog.Logger
	records     RecordStore
	queue       JobQueue
	refs        RefValidator
	artifacts   ArtifactResolver
	maxAttempts int
	maxTimeout  time.Duration
	retention   time.Duration
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:      deps.Logger,
		records:     deps.Records,
		queue:       deps.Queue,
		refs:        deps.Refs,
		artifacts:   deps.Artifacts,
		maxAttempts: deps.MaxAttempts,
		maxTimeout:  deps.MaxTimeout,
		retention:   deps.Retention,
	}
}
