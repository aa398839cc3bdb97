// Package quota admits import and report requests against per-user daily
// limits kept in Redis.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Kind names a metered request type
type Kind string

const (
	KindImport Kind = "import"
	KindReport Kind = "report"
)

// Decision is the outcome of an admission check. Limit 0 means unlimited.
type Decision struct {
	Allowed bool  `json:"allowed"`
	Used    int64 `json:"used"`
	Limit   int64 `json:"limit"`
}

// Checker decides whether a user may start another request of a kind
type Checker interface {
	Admit(ctx context.Context, userID string, kind Kind) (Decision, error)
}

// RedisQuota counts admissions per user, kind and UTC day
type RedisQuota struct {
	client *redis.Client
	prefix string
	limits map[Kind]int64
	now    func() time.Time
	log    *zap.SugaredLogger
}

// NewRedisQuota creates a checker; kinds missing from limits are unlimited
func NewRedisQuota(client *redis.Client, prefix string, limits map[Kind]int64, log *zap.SugaredLogger) *RedisQuota {
	return &RedisQuota{
		client: client,
		prefix: prefix,
		limits: limits,
		now:    time.Now,
		log:    log,
	}
}

// WithClock replaces the time source
func (q *RedisQuota) WithClock(now func() time.Time) *RedisQuota {
	q.now = now
	return q
}

func (q *RedisQuota) key(userID string, kind Kind) string {
	return fmt.Sprintf("%s:quota:%s:%s:%s", q.prefix, kind, userID, q.now().UTC().Format("20060102"))
}

// Admit counts the request and allows it while the daily count stays within
// the limit. A denied request does not consume quota.
func (q *RedisQuota) Admit(ctx context.Context, userID string, kind Kind) (Decision, error) {
	limit := q.limits[kind]
	key := q.key(userID, kind)

	pipe := q.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 25*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("failed to count quota usage: %w", err)
	}

	used := incr.Val()
	if limit > 0 && used > limit {
		if err := q.client.Decr(ctx, key).Err(); err != nil {
			q.log.Warnw("failed to undo denied quota increment", "key", key, "error", err)
		}
		return Decision{Allowed: false, Used: used - 1, Limit: limit}, nil
	}
	return Decision{Allowed: true, Used: used, Limit: limit}, nil
}

// Unlimited admits everything; used when no Redis is configured
type Unlimited struct{}

func (Unlimited) Admit(context.Context, string, Kind) (Decision, error) {
	return Decision{Allowed: true}, nil
}
