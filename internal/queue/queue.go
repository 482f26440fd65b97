// Package queue provides the at-least-once delivery broker between the API
// gateway and the worker pool. Only job ids travel through the broker; the
// job record itself lives in the store, which is what makes redeliveries
// harmless for consumers that check the record's status first.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by blocking operations after the broker shuts down.
var ErrClosed = errors.New("queue: broker closed")

// Broker hands job ids from producers to consumers with at-least-once
// delivery. A dequeued id stays tracked until it is acked or nacked, so a
// crashed consumer's deliveries can be recovered on the next start.
type Broker interface {
	// Enqueue makes the job id available to consumers.
	Enqueue(ctx context.Context, jobID string) error

	// Dequeue blocks until a job id is available or ctx is cancelled. The
	// returned delivery must be resolved with Ack or Nack.
	Dequeue(ctx context.Context) (*Delivery, error)

	// Ack removes the delivery from tracking. Acking twice is harmless.
	Ack(ctx context.Context, d *Delivery) error

	// Nack returns the delivery to the queue for another attempt when requeue
	// is true, or drops it when false.
	Nack(ctx context.Context, d *Delivery, requeue bool) error

	// Recover moves deliveries left tracked by a previous process instance
	// back onto the queue. Call once on startup before consuming. Returns the
	// number of deliveries recovered.
	Recover(ctx context.Context) (int, error)

	// Depth reports the number of ids waiting to be dequeued.
	Depth(ctx context.Context) (int64, error)

	// Ping verifies broker connectivity for health checks.
	Ping(ctx context.Context) error

	Close() error
}

// Delivery is one dequeued job id awaiting Ack or Nack.
type Delivery struct {
	JobID string
}
