package keyValue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type localValue struct {
	value   string
	expires time.Time
}

// Cache is a TTL key-value store used for permission sets and membership
// lookups. Self-contained deployments use an in-process map with a
// periodic expiry sweep, clustered ones go through redis.
type Cache struct {
	sugar         *zap.SugaredLogger
	redisClient   *redis.Client
	selfContained bool

	mutex   sync.RWMutex
	hashmap map[string]localValue
}

func NewCache(sugar *zap.SugaredLogger, redisClient *redis.Client, selfContained bool) *Cache {
	c := &Cache{
		sugar:         sugar,
		redisClient:   redisClient,
		selfContained: selfContained,
		hashmap:       make(map[string]localValue),
	}

	if selfContained {
		go c.sweepExpiredKeys()
	}

	return c
}

func (c *Cache) sweepExpiredKeys() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		c.mutex.Lock()
		for key, v := range c.hashmap {
			if v.expires.Before(time.Now()) {
				delete(c.hashmap, key)
			}
		}
		c.mutex.Unlock()
	}
}

func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	if c.selfContained {
		c.mutex.RLock()
		defer c.mutex.RUnlock()

		v := c.hashmap[key]
		if !v.expires.IsZero() && v.expires.Before(time.Now()) {
			return "", nil
		}
		return v.value, nil
	}

	value, err := c.redisClient.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	} else if err != nil {
		return "", err
	}

	return value, nil
}

func (c *Cache) Set(ctx context.Context, key string, value string, expires time.Duration) error {
	if c.selfContained {
		c.mutex.Lock()
		defer c.mutex.Unlock()

		c.hashmap[key] = localValue{value, time.Now().Add(expires)}
		return nil
	}

	_, err := c.redisClient.Set(ctx, key, value, expires).Result()
	return err
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if c.selfContained {
		c.mutex.Lock()
		defer c.mutex.Unlock()

		delete(c.hashmap, key)
		return nil
	}

	return c.redisClient.Del(ctx, key).Err()
}
