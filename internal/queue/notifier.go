package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const wakeKey = "scan:wake"

// Notifier is an optional wake-up hint between the submission API and idle
// workers, backed by a Redis list. The job store remains the source of
// truth: a lost or spurious hint only changes when a worker polls, never
// what it claims. A nil *Notifier degrades every call to pure polling.
type Notifier struct {
	client *redis.Client
}

// NewNotifier builds a notifier from a Redis client.
func NewNotifier(client *redis.Client) *Notifier {
	return &Notifier{client: client}
}

// Wake hints that a pending job may be available. The list is trimmed so
// hints never accumulate beyond what a single poll cycle can consume.
func (n *Notifier) Wake(ctx context.Context) error {
	if n == nil {
		return nil
	}
	pipe := n.client.TxPipeline()
	pipe.RPush(ctx, wakeKey, "1")
	pipe.LTrim(ctx, wakeKey, -64, -1)
	_, err := pipe.Exec(ctx)
	return err
}

// Wait blocks until a hint arrives or timeout elapses, whichever is first.
// Returns true when woken by a hint. With a nil notifier it sleeps out the
// timeout, preserving the plain poll interval.
func (n *Notifier) Wait(ctx context.Context, timeout time.Duration) bool {
	if n == nil {
		select {
		case <-ctx.Done():
		case <-time.After(timeout):
		}
		return false
	}

	res, err := n.client.BLPop(ctx, timeout, wakeKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			// Redis being down must not busy-spin the worker loop.
			select {
			case <-ctx.Done():
			case <-time.After(timeout):
			}
		}
		return false
	}
	return len(res) > 0
}
