package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mediaops/transformd/internal/executor"
	"github.com/mediaops/transformd/internal/jobs"
	"github.com/mediaops/transformd/internal/recipe"
	"github.com/mediaops/transformd/internal/store"
	"github.com/mediaops/transformd/internal/webhook"
)

// processJob runs one attempt of one job. All pipeline failures are
// absorbed into a job-state transition; only infrastructure errors (record
// store unreachable) propagate, so the loop can back off and requeue.
func (w *Worker) processJob(ctx context.Context, jobID string) error {
	job, err := w.records.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			// A record can disappear between enqueue and dequeue only if the
			// janitor already expired it. Nothing to do.
			w.logger.Warn("Dequeued job has no record, dropping",
				slog.String("job_id", jobID),
			)
			return nil
		}
		return err
	}

	// Atomic claim. Losing the compare-and-set means another actor already
	// transitioned the job (duplicate delivery, cancellation); skip silently.
	claimed, err := w.records.CompareAndSet(ctx, jobID, jobs.StatePending, jobs.StateRunning, store.Update{})
	if err != nil {
		return err
	}
	if !claimed {
		w.logger.Debug("Job claim lost, skipping",
			slog.String("job_id", jobID),
			slog.String("state", string(job.State)),
		)
		return nil
	}

	w.logger.Info("Job claimed",
		slog.String("job_id", jobID),
		slog.String("kind", string(job.Kind)),
		slog.Int("attempt", job.AttemptCount+1),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	outputRef, runErr := w.runAttempt(ctx, job)
	if runErr != nil {
		return w.finishFailed(ctx, job, runErr)
	}

	return w.finishDone(ctx, job, outputRef)
}

// runAttempt stages inputs, builds the recipe, executes the tool, and
// publishes the output. The sandbox is released on every exit path; retries
// re-stage from scratch.
func (w *Worker) runAttempt(ctx context.Context, job *jobs.Job) (ref string, err error) {
	if _, err := w.artifacts.CreateSandbox(job.ID); err != nil {
		return "", jobs.NewTransientError(jobs.ErrStore, "failed to create sandbox: %s", err)
	}
	defer func() {
		if rmErr := w.artifacts.RemoveSandbox(job.ID); rmErr != nil {
			w.logger.Error("Failed to remove job sandbox",
				slog.String("job_id", job.ID),
				slog.Any("error", rmErr),
			)
		}
	}()

	inputPaths, err := w.fetcher.Stage(ctx, job.ID, job.InputRefs)
	if err != nil {
		return "", err
	}

	builder, ok := recipe.Lookup(job.Kind)
	if !ok {
		// The gateway validates kinds at submission; reaching this means the
		// record predates a deploy that removed the kind.
		return "", jobs.NewError(jobs.ErrInvalidRequest, "unknown transform kind %q", job.Kind)
	}

	spec, err := builder(recipe.Context{
		Job:        job,
		InputPaths: inputPaths,
		WorkDir:    w.artifacts.WorkDir(job.ID),
		OutDir:     w.artifacts.OutDir(job.ID),
		FFmpegPath: w.ffmpegPath,
	})
	if err != nil {
		return "", err
	}

	timeout := w.jobTimeout
	if job.TimeoutSeconds > 0 {
		timeout = time.Duration(job.TimeoutSeconds) * time.Second
	}

	result, err := w.executor.Run(ctx, spec, executor.Options{
		Sandbox: w.artifacts.SandboxDir(job.ID),
		Timeout: timeout,
		Threads: w.threads,
	})
	if err != nil {
		w.logger.Warn("Tool invocation failed",
			slog.String("job_id", job.ID),
			slog.Int("exit_code", result.ExitCode),
			slog.Duration("duration", result.Duration),
		)
		return "", err
	}

	w.logger.Info("Tool invocation succeeded",
		slog.String("job_id", job.ID),
		slog.Duration("duration", result.Duration),
	)

	ref, err = w.artifacts.Publish(job.ID, spec.OutputPath)
	if err != nil {
		return "", jobs.NewTransientError(jobs.ErrStore, "failed to publish output: %s", err)
	}

	return ref, nil
}

// finishDone records a successful attempt.
func (w *Worker) finishDone(ctx context.Context, job *jobs.Job, outputRef string) error {
	expires := time.Now().Add(w.retention)
	ok, err := w.records.CompareAndSet(ctx, job.ID, jobs.StateRunning, jobs.StateDone, store.Update{
		OutputRef: outputRef,
		ExpiresAt: &expires,
	})
	if err != nil {
		return err
	}
	if !ok {
		w.logger.Error("Completion transition lost compare-and-set",
			slog.String("job_id", job.ID),
		)
		return nil
	}

	w.logger.Info("Job completed",
		slog.String("job_id", job.ID),
		slog.String("output_ref", outputRef),
	)

	w.notifier.Notify(ctx, job.WebhookURL, webhook.Payload{
		JobID:     job.ID,
		Status:    string(jobs.StateDone),
		OutputURL: w.artifacts.URLFor(outputRef),
	})

	return nil
}

// finishFailed decides retry versus terminal failure. Transient failures
// with attempts left go back to PENDING and re-enqueue under the same job
// id; attempt_count is the only thing distinguishing attempts.
func (w *Worker) finishFailed(ctx context.Context, job *jobs.Job, runErr error) error {
	jobErr := jobs.Classify(runErr)

	if jobErr.Transient && job.HasAttemptsLeft() {
		attempt := job.AttemptCount + 1
		ok, err := w.records.CompareAndSet(ctx, job.ID, jobs.StateRunning, jobs.StatePending, store.Update{
			AttemptCount: &attempt,
		})
		if err != nil {
			return err
		}
		if !ok {
			w.logger.Error("Retry transition lost compare-and-set",
				slog.String("job_id", job.ID),
			)
			return nil
		}

		w.logger.Info("Job will be retried",
			slog.String("job_id", job.ID),
			slog.String("error", jobErr.Message),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", job.MaxAttempts),
		)

		if err := w.enqueuer.Enqueue(ctx, job.ID); err != nil {
			// Re-enqueue failed; the job must not sit in PENDING forever.
			w.logger.Error("Failed to re-enqueue job for retry",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
			return w.markFailed(ctx, job, jobs.StatePending,
				jobs.NewError(jobs.ErrStore, "retry enqueue failed after: %s", jobErr.Message))
		}

		return nil
	}

	if jobErr.Transient {
		w.logger.Warn("Job exhausted its attempts",
			slog.String("job_id", job.ID),
			slog.Int("attempt", job.AttemptCount+1),
			slog.Int("max_attempts", job.MaxAttempts),
		)
	}

	return w.markFailed(ctx, job, jobs.StateRunning, jobErr)
}

// markFailed records a terminal failure and fires the webhook.
func (w *Worker) markFailed(ctx context.Context, job *jobs.Job, from jobs.State, jobErr *jobs.Error) error {
	expires := time.Now().Add(w.retention)
	ok, err := w.records.CompareAndSet(ctx, job.ID, from, jobs.StateFailed, store.Update{
		Error:     jobErr,
		ExpiresAt: &expires,
	})
	if err != nil {
		return err
	}
	if !ok {
		w.logger.Error("Failure transition lost compare-and-set",
			slog.String("job_id", job.ID),
			slog.String("from", string(from)),
		)
		return nil
	}

	w.logger.Info("Job failed",
		slog.String("job_id", job.ID),
		slog.String("error_kind", string(jobErr.Kind)),
		slog.String("error", jobErr.Message),
	)

	w.notifier.Notify(ctx, job.WebhookURL, webhook.Payload{
		JobID:     job.ID,
		Status:    string(jobs.StateFailed),
		ErrorKind: string(jobErr.Kind),
		Error:     jobErr.Message,
	})

	return nil
}
