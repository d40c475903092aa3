// cache.go holds the optional reply cache.
//
// Sampling runs at temperature 0, so the model's reply for a given
// (model, text) pair is stable enough to reuse. Only replies that parsed
// successfully are stored. The cache never fails a request: backend errors
// are logged and read as misses.
//
// Three backends:
//   - memoryCache  bounded FIFO map, process-local.
//   - bboltCache   embedded key-value file, survives restarts.
//   - redisCache   shared between replicas, entries expire after a TTL.
package fallback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	bolt "go.etcd.io/bbolt"

	"pii-scanner/internal/logger"
)

// Cache stores raw model replies keyed by cacheKey. Implementations must be
// safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) (reply string, ok bool)
	Set(ctx context.Context, key, reply string)
	Close() error
}

// CacheOptions selects and configures a Cache backend.
type CacheOptions struct {
	Kind          string // none, memory, bbolt, redis
	Path          string
	Size          int
	TTL           time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// NewCache builds the configured backend. It returns (nil, nil) for "none".
// A bbolt file that cannot be opened degrades to the memory backend; an
// unreachable redis is an error because the operator asked for sharing.
func NewCache(opts CacheOptions, log *logger.Logger) (Cache, error) {
	switch opts.Kind {
	case "", "none":
		return nil, nil
	case "memory":
		return newMemoryCache(opts.Size), nil
	case "bbolt":
		c, err := newBboltCache(opts.Path, log)
		if err != nil {
			log.Warnf("cache_open", "%v (using in-memory cache)", err)
			return newMemoryCache(opts.Size), nil
		}
		log.Infof("cache_open", "reply cache opened at %s", opts.Path)
		return c, nil
	case "redis":
		return newRedisCache(opts, log)
	}
	return nil, fmt.Errorf("unknown cache kind %q", opts.Kind)
}

// cacheKey derives a fixed-size key so raw text never reaches the backend.
func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// --- memoryCache ---------------------------------------------------------

// memoryCache evicts the oldest quarter of its entries once it exceeds max.
type memoryCache struct {
	mu    sync.RWMutex
	max   int
	store map[string]string
	order []string // insertion order for FIFO eviction
}

func newMemoryCache(max int) *memoryCache {
	if max <= 0 {
		max = 10_000
	}
	return &memoryCache{max: max, store: make(map[string]string)}
}

func (c *memoryCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.RLock()
	v, ok := c.store[key]
	c.mu.RUnlock()
	return v, ok
}

func (c *memoryCache) Set(_ context.Context, key, reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.store[key]; !exists {
		c.order = append(c.order, key)
	}
	c.store[key] = reply
	if len(c.store) <= c.max {
		return
	}
	evict := c.max / 4
	if evict == 0 {
		evict = 1
	}
	for _, k := range c.order[:evict] {
		delete(c.store, k)
	}
	c.order = append([]string(nil), c.order[evict:]...)
}

func (c *memoryCache) Close() error { return nil }

// --- bboltCache ----------------------------------------------------------

const bboltBucket = "fallback_replies"

type bboltCache struct {
	db  *bolt.DB
	log *logger.Logger
}

// newBboltCache opens (or creates) the database at path and ensures the
// bucket exists.
func newBboltCache(path string, log *logger.Logger) (*bboltCache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt cache %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bboltBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create bbolt bucket: %w", err)
	}
	return &bboltCache{db: db, log: log}, nil
}

func (c *bboltCache) Get(_ context.Context, key string) (string, bool) {
	var reply []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(bboltBucket)).Get([]byte(key)); v != nil {
			reply = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		c.log.Warnf("cache_get", "bbolt: %v", err)
		return "", false
	}
	return string(reply), reply != nil
}

func (c *bboltCache) Set(_ context.Context, key, reply string) {
	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bboltBucket)).Put([]byte(key), []byte(reply))
	}); err != nil {
		c.log.Warnf("cache_set", "bbolt: %v", err)
	}
}

func (c *bboltCache) Close() error { return c.db.Close() }

// --- redisCache ----------------------------------------------------------

const redisKeyPrefix = "pii:fallback:"

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

func newRedisCache(opts CacheOptions, log *logger.Logger) (*redisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.RedisAddr,
		Password: opts.RedisPassword,
		DB:       opts.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	log.Infof("cache_open", "reply cache on redis %s", opts.RedisAddr)
	return &redisCache{client: client, ttl: opts.TTL, log: log}, nil
}

func (c *redisCache) Get(ctx context.Context, key string) (string, bool) {
	v, err := c.client.Get(ctx, redisKeyPrefix+key).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		c.log.Warnf("cache_get", "redis: %v", err)
		return "", false
	}
	return v, true
}

func (c *redisCache) Set(ctx context.Context, key, reply string) {
	if err := c.client.Set(ctx, redisKeyPrefix+key, reply, c.ttl).Err(); err != nil {
		c.log.Warnf("cache_set", "redis: %v", err)
	}
}

func (c *redisCache) Close() error { return c.client.Close() }
