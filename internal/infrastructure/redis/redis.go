package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrCacheMiss = errors.New("cache miss")

type Cache struct {
	Client *redis.Client
}

func New(addr, pass string, db int) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr, Password: pass, DB: db,
	})
	return &Cache{Client: rdb}
}

// GetCommandSnapshot returns the cached response document for a terminal
// command, sparing the database on hot polling paths.
func (c *Cache) GetCommandSnapshot(ctx context.Context, id string) ([]byte, error) {
	val, err := c.Client.Get(ctx, "cmd:snap:"+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}
	return val, nil
}

// SetCommandSnapshot caches a terminal command's response document. Terminal
// rows never change again, so a fixed TTL is safe.
func (c *Cache) SetCommandSnapshot(ctx context.Context, id string, doc []byte) error {
	return c.Client.Set(ctx, "cmd:snap:"+id, doc, time.Hour).Err()
}

// AllowRequest: Simple Fixed Window Rate Limit
func (c *Cache) AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error) {
	key := "ratelimit:" + ip
	count, err := c.Client.Incr(ctx, key).Result()
	if err != nil {
		return true, nil // fail open
	}
	if count == 1 {
		_ = c.Client.Expire(ctx, key, window).Err()
	}
	return count <= int64(limit), nil
}
