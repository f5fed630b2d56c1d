package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease elects the single relay that may drain a table. Only one holder
// drains at a time, so rows reach the log in insertion order.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// RedisLease is a Lease stored under one Redis key with a TTL.
type RedisLease struct {
	rdb   redis.UniversalClient
	key   string
	owner string
	ttl   time.Duration
}

var renewLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewRedisLease(rdb redis.UniversalClient, table string, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &RedisLease{
		rdb:   rdb,
		key:   "outbox-relay:" + table,
		owner: uuid.NewString(),
		ttl:   ttl,
	}
}

func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return l.Renew(ctx)
}

func (l *RedisLease) Renew(ctx context.Context) (bool, error) {
	n, err := renewLeaseScript.Run(ctx, l.rdb, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	err := releaseLeaseScript.Run(ctx, l.rdb, []string{l.key}, l.owner).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// ReadyCheck pings Redis.
func ReadyCheck(rdb redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		if rdb == nil {
			return errors.New("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
}
