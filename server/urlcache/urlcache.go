package urlcache

import (
	"context"
	"fmt"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/redis/go-redis/v9"
)

// Cache keeps the latest photo URL per camera in Redis, so that readers
// (map frontends, bots) can fetch "the current picture" without touching the
// relational store. Entries expire after a day; the capture pipeline treats
// the cache as best-effort and keeps going when Redis is down.
type Cache struct {
	log logs.Log
	rdb *redis.Client
	ttl time.Duration
}

func New(logger logs.Log, addr, password string, db int) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Failed to connect to redis at %v: %w", addr, err)
	}
	return &Cache{
		log: logger,
		rdb: rdb,
		ttl: 24 * time.Hour,
	}, nil
}

func (c *Cache) Close() error {
	return c.rdb.Close()
}

func photoKey(stateSlug, citySlug, cameraSlug, filename string) string {
	return fmt.Sprintf("photos:%v:%v:%v:%v", stateSlug, citySlug, cameraSlug, filename)
}

// SetPhotoURL records the URL of a freshly captured photo
func (c *Cache) SetPhotoURL(ctx context.Context, stateSlug, citySlug, cameraSlug, filename, url string) error {
	return c.rdb.Set(ctx, photoKey(stateSlug, citySlug, cameraSlug, filename), url, c.ttl).Err()
}

// PhotoURL fetches a cached photo URL. Returns "" if the entry has expired.
func (c *Cache) PhotoURL(ctx context.Context, stateSlug, citySlug, cameraSlug, filename string) (string, error) {
	v, err := c.rdb.Get(ctx, photoKey(stateSlug, citySlug, cameraSlug, filename)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}
