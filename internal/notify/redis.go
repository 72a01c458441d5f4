package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/pitabwire/steward/model"
)

// RedisNotifier appends step events to a Redis stream. Downstream routers
// consume the stream with their own consumer groups.
type RedisNotifier struct {
	client   *redis.Client
	stream   string
	maxLen   int64
	attempts uint64
	delay    time.Duration
}

// RedisOption configures a RedisNotifier.
type RedisOption func(*RedisNotifier)

// WithMaxLen caps the stream length (approximate trimming). Zero disables
// trimming.
func WithMaxLen(n int64) RedisOption {
	return func(r *RedisNotifier) { r.maxLen = n }
}

// WithRetry retries a failed XADD up to attempts times, delay apart.
func WithRetry(attempts uint64, delay time.Duration) RedisOption {
	return func(r *RedisNotifier) {
		r.attempts = attempts
		r.delay = delay
	}
}

// NewRedisNotifier creates a notifier that publishes to stream.
func NewRedisNotifier(client *redis.Client, stream string, opts ...RedisOption) *RedisNotifier {
	n := &RedisNotifier{
		client: client,
		stream: stream,
		delay:  100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify implements Notifier.
func (n *RedisNotifier) Notify(ctx context.Context, ev model.StepEvent) error {
	args := &redis.XAddArgs{
		Stream: n.stream,
		Values: eventValues(ev),
	}
	if n.maxLen > 0 {
		args.MaxLen = n.maxLen
		args.Approx = true
	}

	backoff := retry.WithMaxRetries(n.attempts, retry.NewConstant(n.delay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := n.client.XAdd(ctx, args).Err(); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("notify: publish to %s: %w", n.stream, err)
	}
	return nil
}

// HealthCheck pings the Redis server.
func (n *RedisNotifier) HealthCheck(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}

func eventValues(ev model.StepEvent) map[string]any {
	return map[string]any{
		"account_id":  ev.AccountID,
		"instance_id": ev.InstanceID,
		"step_index":  strconv.Itoa(ev.StepIndex),
		"new_status":  string(ev.NewStatus),
		"reason":      ev.Reason,
		"occurred_at": ev.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}
