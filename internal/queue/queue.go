package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mediaops/transformd/shared/rabbitmq"
)

// ErrQueueFull signals capacity backpressure: the submission gateway turns
// it into a ServiceBusy response instead of accepting unbounded work.
var ErrQueueFull = errors.New("job queue is at capacity")

// Message is the queue payload handed from submission to workers. The job
// record is the source of truth; the queue carries only the id.
type Message struct {
	JobID string `json:"job_id"`
}

// Queue is the FIFO hand-off of pending job ids, backed by RabbitMQ.
type Queue struct {
	client   *rabbitmq.Client
	capacity int
	logger   *slog.Logger
}

// New creates a bounded queue over an established RabbitMQ client.
func New(client *rabbitmq.Client, capacity int, logger *slog.Logger) *Queue {
	return &Queue{
		client:   client,
		capacity: capacity,
		logger:   logger,
	}
}

// Enqueue publishes a job id. It fails with ErrQueueFull when the measured
// queue depth has reached capacity. The depth check and the publish are not
// one atomic step; a burst can briefly overshoot, which is acceptable for a
// backpressure signal.
func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	depth, err := q.client.QueueDepth()
	if err != nil {
		return fmt.Errorf("failed to measure queue depth: %w", err)
	}

	if depth >= q.capacity {
		q.logger.Warn("Job queue at capacity, rejecting enqueue",
			slog.Int("depth", depth),
			slog.Int("capacity", q.capacity),
		)
		return ErrQueueFull
	}

	body, err := json.Marshal(Message{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to encode queue message: %w", err)
	}

	if err := q.client.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.logger.Debug("Job enqueued",
		slog.String("job_id", jobID),
		slog.Int("depth", depth+1),
	)

	return nil
}

// Consume opens a delivery stream with the given prefetch. Each delivery is
// handed to exactly one consumer; acknowledgment is manual.
func (q *Queue) Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	channel := q.client.GetChannel()
	if channel == nil {
		return nil, fmt.Errorf("rabbitmq channel is nil")
	}

	if err := channel.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	return q.client.Consume(consumerTag)
}

// Depth returns the number of jobs waiting in the queue.
func (q *Queue) Depth() (int, error) {
	return q.client.QueueDepth()
}

// Channel exposes the underlying AMQP channel for ack/nack operations.
func (q *Queue) Channel() *amqp.Channel {
	return q.client.GetChannel()
}
