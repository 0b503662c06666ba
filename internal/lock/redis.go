package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	keyPrefix    = "studyloop:lock:"
	pollInterval = 50 * time.Millisecond
)

// releaseScript deletes the key only if it still carries our token, so an
// expired holder never releases a lock that someone else now owns.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lease-based lock shared by every instance pointing at the same
// Redis server. A lease expires after ttl even if the holder dies.
type Redis struct {
	rdb *goredis.Client
	ttl time.Duration
}

func NewRedis(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb, ttl: ttl}, nil
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := keyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		ok, err := r.rdb.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, ctx.Err())
			}
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			return r.unlockFunc(k, token), nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Redis) unlockFunc(k, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, r.rdb, []string{k}, token).Err()
		})
	}
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
