package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-worker/contracts"
	"github.com/redis/go-redis/v9"
)

// DefaultClaimIdle is the idle time after which other consumers may reclaim
// a pending entry.
const DefaultClaimIdle = 30 * time.Second

// Client is the subset of redis.Cmdable used by this package.
type Client interface {
	XClaimJustID(ctx context.Context, a *redis.XClaimArgs) *redis.StringSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XDel(ctx context.Context, stream string, ids ...string) *redis.IntCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// Option configures a Transport
type Option func(*Transport)

// WithClaimIdle sets the claim-idle threshold shared by all consumers of
// the group. It is reported as the visibility timeout.
func WithClaimIdle(d time.Duration) Option {
	return func(t *Transport) {
		t.claimIdle = d
	}
}

// WithDeleteOnAck removes acknowledged entries from the stream.
func WithDeleteOnAck(enabled bool) Option {
	return func(t *Transport) {
		t.deleteOnAck = enabled
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// Transport implements messaging.VisibilityTransport and
// messaging.Acknowledger for a Redis stream consumer group.
type Transport struct {
	client      Client
	consumer    string
	claimIdle   time.Duration
	deleteOnAck bool
	logger      *slog.Logger
}

// NewTransport creates a transport acting as the named group consumer
func NewTransport(client Client, consumer string, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if consumer == "" {
		return nil, errors.New("consumer name cannot be empty")
	}

	t := &Transport{
		client:    client,
		consumer:  consumer,
		claimIdle: DefaultClaimIdle,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.claimIdle <= 0 {
		return nil, errors.New("claim idle must be positive")
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("transport", "redis", "consumer", consumer)

	return t, nil
}

// GetQueueVisibilityTimeout returns the claim-idle threshold
func (t *Transport) GetQueueVisibilityTimeout(ctx context.Context, queue contracts.QueueRef) (time.Duration, error) {
	if queue.Group == "" {
		return 0, fmt.Errorf("queue %s has no consumer group", queue.Name)
	}
	return t.claimIdle, nil
}

// SetMessageVisibility claims the entry again for this consumer, which
// resets its idle time. It fails when the entry is no longer pending, for
// example because another consumer reclaimed and acknowledged it.
func (t *Transport) SetMessageVisibility(ctx context.Context, queue contracts.QueueRef, msg contracts.Message, timeout time.Duration) error {
	stream, err := t.stream(queue, msg)
	if err != nil {
		return err
	}

	ids, err := t.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    queue.Group,
		Consumer: t.consumer,
		MinIdle:  0,
		Messages: []string{msg.GetID()},
	}).Result()
	if err != nil {
		return fmt.Errorf("xclaim failed for entry %s in stream %s: %w", msg.GetID(), stream, err)
	}

	if len(ids) == 0 {
		return fmt.Errorf("entry %s in stream %s is no longer pending", msg.GetID(), stream)
	}

	t.logger.Debug("redis stream entry reclaimed", "messageId", msg.GetID(), "stream", stream, "visibilityTimeout", timeout)

	return nil
}

// Ack acknowledges the entry and, when configured, deletes it.
func (t *Transport) Ack(ctx context.Context, queue contracts.QueueRef, msg contracts.Message) error {
	stream, err := t.stream(queue, msg)
	if err != nil {
		return err
	}

	if err := t.client.XAck(ctx, stream, queue.Group, msg.GetID()).Err(); err != nil {
		return fmt.Errorf("xack failed for entry %s in stream %s: %w", msg.GetID(), stream, err)
	}

	if t.deleteOnAck {
		if err := t.client.XDel(ctx, stream, msg.GetID()).Err(); err != nil {
			return fmt.Errorf("xdel failed for entry %s in stream %s: %w", msg.GetID(), stream, err)
		}
	}

	return nil
}

// Nack leaves the entry pending. It becomes reclaimable once idle for the
// claim-idle threshold.
func (t *Transport) Nack(ctx context.Context, queue contracts.QueueRef, msg contracts.Message) error {
	if _, err := t.stream(queue, msg); err != nil {
		return err
	}

	t.logger.Debug("redis stream entry left pending", "messageId", msg.GetID(), "queue", queue.Name)

	return nil
}

// stream prefers the stream recorded on the message.
func (t *Transport) stream(queue contracts.QueueRef, msg contracts.Message) (string, error) {
	if queue.Group == "" {
		return "", fmt.Errorf("queue %s has no consumer group", queue.Name)
	}

	if m, ok := msg.(*Message); ok && m != nil && m.Stream != "" {
		return m.Stream, nil
	}

	if queue.Address == "" {
		return "", fmt.Errorf("queue %s has no stream", queue.Name)
	}

	return queue.Address, nil
}
