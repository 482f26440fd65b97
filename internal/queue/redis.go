package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingKey    = "voxmill:jobs:pending"
	processingKey = "voxmill:jobs:processing"
)

// Compile-time interface check.
var _ Broker = (*RedisBroker)(nil)

// RedisBroker is the production [Broker], backed by a Redis reliable queue:
// producers LPUSH onto a pending list and consumers BLMOVE each id onto a
// processing list, where it stays until acked (LREM) or nacked. Ids stranded
// on the processing list by a crash are swept back by [RedisBroker.Recover].
type RedisBroker struct {
	client *redis.Client
	logger *slog.Logger

	// pollInterval bounds each BLMOVE call so Dequeue notices context
	// cancellation promptly.
	pollInterval time.Duration
}

// NewRedisBroker connects to the Redis instance at url (redis:// form) and
// verifies connectivity before returning.
func NewRedisBroker(ctx context.Context, url string, pollInterval time.Duration, logger *slog.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("queue: ping redis: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &RedisBroker{
		client:       client,
		logger:       logger.With("component", "queue"),
		pollInterval: pollInterval,
	}, nil
}

// Enqueue implements [Broker].
func (b *RedisBroker) Enqueue(ctx context.Context, jobID string) error {
	if err := b.client.LPush(ctx, pendingKey, jobID).Err(); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", jobID, err)
	}
	return nil
}

// Dequeue implements [Broker]. The id is moved atomically onto the processing
// list, so there is no window where a crash loses it.
func (b *RedisBroker) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, err := b.client.BLMove(ctx, pendingKey, processingKey, "RIGHT", "LEFT", b.pollInterval).Result()
		if errors.Is(err, redis.Nil) {
			continue // poll window elapsed with nothing pending
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("queue: dequeue: %w", err)
		}
		return &Delivery{JobID: id}, nil
	}
}

// Ack implements [Broker].
func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	if err := b.client.LRem(ctx, processingKey, 1, d.JobID).Err(); err != nil {
		return fmt.Errorf("queue: ack %s: %w", d.JobID, err)
	}
	return nil
}

// Nack implements [Broker].
func (b *RedisBroker) Nack(ctx context.Context, d *Delivery, requeue bool) error {
	pipe := b.client.TxPipeline()
	pipe.LRem(ctx, processingKey, 1, d.JobID)
	if requeue {
		pipe.LPush(ctx, pendingKey, d.JobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: nack %s: %w", d.JobID, err)
	}
	return nil
}

// Recover implements [Broker]. Everything on the processing list belongs to a
// previous process instance, since Recover runs before any consumer starts.
func (b *RedisBroker) Recover(ctx context.Context) (int, error) {
	recovered := 0
	for {
		id, err := b.client.LMove(ctx, processingKey, pendingKey, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return recovered, fmt.Errorf("queue: recover: %w", err)
		}
		b.logger.Info("requeued stranded delivery", "job_id", id)
		recovered++
	}
	return recovered, nil
}

// Depth implements [Broker].
func (b *RedisBroker) Depth(ctx context.Context) (int64, error) {
	n, err := b.client.LLen(ctx, pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return n, nil
}

// Ping implements [Broker].
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close implements [Broker].
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
