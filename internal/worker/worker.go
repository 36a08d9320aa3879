package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mediaops/transformd/internal/artifact"
	"github.com/mediaops/transformd/internal/executor"
	"github.com/mediaops/transformd/internal/jobs"
	"github.com/mediaops/transformd/internal/queue"
	"github.com/mediaops/transformd/internal/store"
	"github.com/mediaops/transformd/internal/webhook"
)

// RecordStore is the subset of the job record store the pool mutates
// through. CompareAndSet is the only synchronization primitive the workers
// need between themselves.
type RecordStore interface {
	Get(ctx context.Context, jobID string) (*jobs.Job, error)
	CompareAndSet(ctx context.Context, jobID string, expected, next jobs.State, update store.Update) (bool, error)
}

// Enqueuer re-enqueues a job id for another attempt.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Stager stages a job's declared inputs into its sandbox.
type Stager interface {
	Stage(ctx context.Context, jobID string, refs []string) ([]string, error)
}

// Runner executes one external tool invocation.
type Runner interface {
	Run(ctx context.Context, spec executor.Spec, opts executor.Options) (executor.Result, error)
}

// Config holds worker pool configuration
type Config struct {
	Logger       *slog.Logger
	Records      RecordStore
	Queue        *queue.Queue
	Artifacts    *artifact.Store
	Fetcher      Stager
	Executor     Runner
	Notifier     *webhook.Notifier
	Concurrency  int
	Prefetch     int
	JobTimeout   time.Duration
	Retention    time.Duration
	FFmpegPath   string
	Threads      int
	ErrorBackoff time.Duration
}

// Worker is the fixed-size pool of execution loops. The pool size bounds
// concurrent external-tool processes.
type Worker struct {
	logger       *slog.Logger
	records      RecordStore
	queue        *queue.Queue
	enqueuer     Enqueuer
	artifacts    *artifact.Store
	fetcher      Stager
	executor     Runner
	notifier     *webhook.Notifier
	concurrency  int
	prefetch     int
	jobTimeout   time.Duration
	retention    time.Duration
	ffmpegPath   string
	threads      int
	errorBackoff time.Duration
	workerID     string
	jobsChan     chan *message
	wg           sync.WaitGroup
	stopChan     chan struct{}
}

// message pairs a dequeued job id with its queue delivery for ack/nack.
type message struct {
	jobID    string
	delivery amqp.Delivery
}

// NewWorker creates a worker pool instance
func NewWorker(cfg *Config) *Worker {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = cfg.Concurrency
	}

	return &Worker{
		logger:       cfg.Logger,
		records:      cfg.Records,
		queue:        cfg.Queue,
		enqueuer:     cfg.Queue,
		artifacts:    cfg.Artifacts,
		fetcher:      cfg.Fetcher,
		executor:     cfg.Executor,
		notifier:     cfg.Notifier,
		concurrency:  cfg.Concurrency,
		prefetch:     prefetch,
		jobTimeout:   cfg.JobTimeout,
		retention:    cfg.Retention,
		ffmpegPath:   cfg.FFmpegPath,
		threads:      cfg.Threads,
		errorBackoff: cfg.ErrorBackoff,
		workerID:     "worker-" + uuid.New().String()[:8],
		jobsChan:     make(chan *message),
		stopChan:     make(chan struct{}),
	}
}

// Start begins consuming and processing jobs until the context is canceled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker pool",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return fmt.Errorf("failed to set up consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)

	w.startMessageDispatcher(ctx, deliveries)

	return nil
}

// Stop gracefully stops the worker pool
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker pool...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker pool stopped")
}
