// Package redis provides a thin wrapper around the Redis commands used by the
// blob store. Callers build a Redis client, pass it to New, and receive a
// typed interface that exposes only key/value blob operations.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/clue/health"

	"goa.design/obs/store/obs"
)

type (
	// Client exposes Redis-backed blob operations.
	Client interface {
		health.Pinger

		// Set stores data under key, replacing any previous value.
		Set(ctx context.Context, key string, data []byte) error
		// Get returns the data stored under key or obs.ErrNotFound.
		Get(ctx context.Context, key string) ([]byte, error)
	}

	// Options configures the Redis client implementation.
	Options struct {
		// Redis is the Redis connection. Required.
		Redis *redis.Client
		// KeyPrefix namespaces blob keys. Defaults to "obs:blob:".
		KeyPrefix string
		// TTL expires blobs after the given duration. Zero keeps them forever.
		TTL time.Duration
		// OperationTimeout bounds individual operations. Zero means no timeout.
		OperationTimeout time.Duration
	}

	client struct {
		cmds    commands
		prefix  string
		ttl     time.Duration
		timeout time.Duration
	}

	// commands is the subset of redis.Cmdable the client needs.
	commands interface {
		Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
		Get(ctx context.Context, key string) *redis.StringCmd
		Ping(ctx context.Context) *redis.StatusCmd
	}
)

const (
	defaultKeyPrefix = "obs:blob:"
	clientName       = "blob-redis"
)

// New returns a Client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return newClientWithCommands(opts.Redis, opts), nil
}

func newClientWithCommands(cmds commands, opts Options) *client {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &client{
		cmds:    cmds,
		prefix:  prefix,
		ttl:     opts.TTL,
		timeout: opts.OperationTimeout,
	}
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.cmds.Ping(ctx).Err()
}

func (c *client) Set(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return errors.New("key is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.cmds.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *client) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("key is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	data, err := c.cmds.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("blob %s: %w", key, obs.ErrNotFound)
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
