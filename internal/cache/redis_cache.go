package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/xid"
)

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

type RedisQuoteCache struct {
	client *redis.Client
	prefix string
}

func NewRedisQuoteCache(client *redis.Client) *RedisQuoteCache {
	return &RedisQuoteCache{client: client, prefix: "checkout:quote:"}
}

func (c *RedisQuoteCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisQuoteCache) Close() error {
	return c.client.Close()
}

func (c *RedisQuoteCache) Get(ctx context.Context, key string) (decimal.Decimal, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}

	amount, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false, err
	}
	return amount, true, nil
}

func (c *RedisQuoteCache) Set(ctx context.Context, key string, value decimal.Decimal, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, value.String(), ttl).Err()
}

// releaseScript deletes the lock only if it still holds our token, so an
// expired holder cannot release a lock someone else now owns.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every instance of the service.
type RedisLocker struct {
	client *redis.Client
	prefix string
	retry  time.Duration
}

func NewRedisLocker(client *redis.Client, retry time.Duration) *RedisLocker {
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	return &RedisLocker{client: client, prefix: "checkout:lock:", retry: retry}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	lockKey := l.prefix + key
	token := xid.New("lock")

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: lock %s busy: %v", domain.ErrConflict, key, ctx.Err())
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, l.client, []string{lockKey}, token).Err()
		})
	}, nil
}
