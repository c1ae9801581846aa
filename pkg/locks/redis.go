package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
)

// DefaultExpiry bounds how long a crashed holder can block a key.
const DefaultExpiry = 30 * time.Second

// Redis is a distributed Locker using the Redlock algorithm from redsync.
type Redis struct {
	client *redis.Client
	rs     *redsync.Redsync
	expiry time.Duration
	owned  bool
}

var _ Locker = (*Redis)(nil)

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithExpiry sets the lock TTL. Non-positive values are ignored.
func WithExpiry(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.expiry = d
		}
	}
}

// NewRedis wraps an existing client. The caller keeps ownership of it.
func NewRedis(client *redis.Client, opts ...RedisOption) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	r := &Redis{
		client: client,
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: DefaultExpiry,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// DialRedis connects to addr, pings it and returns a locker that closes the
// client on Close.
func DialRedis(ctx context.Context, addr, password string, db int, opts ...RedisOption) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	r, err := NewRedis(client, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	r.owned = true
	return r, nil
}

func (r *Redis) Lock(ctx context.Context, key string) (Unlock, error) {
	mutex := r.rs.NewMutex(fmt.Sprintf("lock:%s", key), redsync.WithExpiry(r.expiry))
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			return fmt.Errorf("release lock %q: %w", key, err)
		}
		if !ok {
			return fmt.Errorf("release lock %q: lock expired before release", key)
		}
		return nil
	}, nil
}

func (r *Redis) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}
