package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// LockTTL bounds how long a crashed holder can block a session
	LockTTL = 10 * time.Second

	lockRetryInterval = 20 * time.Millisecond
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisClient wraps the Redis connection shared by the queue, quota and locks
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient initializes a new Redis client
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// NewRedisClientFromConn wraps an existing go-redis client
func NewRedisClientFromConn(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

// Client exposes the underlying go-redis client
func (rc *RedisClient) Client() *redis.Client {
	return rc.client
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// RedisLocker hands out short-lived mutual-exclusion locks on arbitrary keys
// using SET NX with a random ownership token.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLocker creates a locker whose keys live under prefix
func NewRedisLocker(rc *RedisClient, prefix string) *RedisLocker {
	return &RedisLocker{client: rc.client, prefix: prefix, ttl: LockTTL}
}

// Lock blocks until the lock on key is held or ctx is done. The returned
// function releases it only if this caller still owns it.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	ctx, span := tracer.Start(ctx, "redis.lock",
		trace.WithAttributes(attribute.String("lock_key", key)),
	)
	defer span.End()

	lockKey := fmt.Sprintf("%s:lock:%s", l.prefix, key)
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate lock token: %w", err)
	}
	token := hex.EncodeToString(b)

	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	waits := 0
	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to acquire lock %s: %w", lockKey, err)
		}
		if ok {
			span.SetAttributes(attribute.Int("waits", waits))
			return func() {
				// released on a fresh context; ctx may be done by now
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				releaseScript.Run(releaseCtx, l.client, []string{lockKey}, token)
			}, nil
		}

		waits++
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to acquire lock %s: %w", lockKey, ctx.Err())
		case <-ticker.C:
		}
	}
}
