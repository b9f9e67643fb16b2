package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Compile-time interface check.
var _ Broker = (*RedisBroker)(nil)

// RedisOption configures a RedisBroker.
type RedisOption func(*RedisBroker)

// WithRedisLogger sets a custom logger.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(b *RedisBroker) { b.logger = l }
}

// RedisBroker stores queues as Redis lists.
type RedisBroker struct {
	client goredis.Cmdable
	logger *slog.Logger
}

// NewRedisBroker creates a broker on top of client. The caller owns the
// client lifecycle.
func NewRedisBroker(client goredis.Cmdable, opts ...RedisOption) *RedisBroker {
	b := &RedisBroker{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// NewRedisClient parses a redis:// URL and returns a connected client.
func NewRedisClient(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Ping verifies the Redis connection is alive.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Push(ctx context.Context, key, value string) error {
	if err := b.client.RPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("redis: push %s: %w", key, err)
	}
	b.logger.Debug("RedisBroker.Push", "key", key, "value", value)
	return nil
}

func (b *RedisBroker) PopNonBlocking(ctx context.Context, key string, count int) ([]string, error) {
	if count <= 1 {
		v, err := b.client.LPop(ctx, key).Result()
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("redis: pop %s: %w", key, err)
		}
		return []string{v}, nil
	}

	values, err := b.client.LPopCount(ctx, key, count).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: pop %d from %s: %w", count, key, err)
	}
	return values, nil
}

func (b *RedisBroker) PopBlocking(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	res, err := b.client.BLPop(ctx, timeout, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis: blocking pop %s: %w", key, err)
	}
	// BLPOP replies with [key, value].
	if len(res) != 2 {
		return "", false, fmt.Errorf("redis: blocking pop %s: unexpected reply %v", key, res)
	}
	return res[1], true, nil
}

func (b *RedisBroker) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: delete %s: %w", key, err)
	}
	return nil
}

func (b *RedisBroker) Len(ctx context.Context, key string) (int64, error) {
	n, err := b.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: length of %s: %w", key, err)
	}
	return n, nil
}
