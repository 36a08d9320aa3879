package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// spawnWorkerPool starts the fixed set of worker goroutines.
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for one worker goroutine. It must
// never terminate on a processing error: a permanently dead loop silently
// shrinks pool capacity. Infrastructure failures back the loop off and
// requeue the delivery instead.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping - stop requested",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg, ok := <-w.jobsChan:
			if !ok {
				w.logger.Info("Worker goroutine stopping - jobs channel closed",
					slog.String("worker_name", workerName),
				)
				return
			}

			err := w.safeProcessJob(ctx, msg.jobID)
			if err != nil {
				// Only infrastructure failures (record store unreachable)
				// surface here; pipeline failures end up on the job record.
				w.logger.Error("Job processing hit an infrastructure error, backing off",
					slog.String("worker_name", workerName),
					slog.String("job_id", msg.jobID),
					slog.Any("error", err),
				)

				if nackErr := msg.delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message",
						slog.String("job_id", msg.jobID),
						slog.Any("error", nackErr),
					)
				}

				select {
				case <-time.After(w.errorBackoff):
				case <-ctx.Done():
				}
				continue
			}

			if ackErr := msg.delivery.Ack(false); ackErr != nil {
				w.logger.Error("Failed to ACK message",
					slog.String("job_id", msg.jobID),
					slog.Any("error", ackErr),
				)
			}
		}
	}
}

// safeProcessJob wraps one iteration so a panic inside the pipeline is
// contained and recorded instead of killing the loop.
func (w *Worker) safeProcessJob(ctx context.Context, jobID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Recovered from panic in job processing",
				slog.String("job_id", jobID),
				slog.Any("panic", r),
			)
			err = fmt.Errorf("panic during job processing: %v", r)
		}
	}()

	return w.processJob(ctx, jobID)
}
