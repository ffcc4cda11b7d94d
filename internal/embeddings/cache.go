package embeddings

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Cache is the shared second-tier cache behind the in-process LRU.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32, ttl time.Duration)
}

// localCache is the in-process first tier.
type localCache struct {
	lru *expirable.LRU[string, []float32]
}

func newLocalCache(capacity int, ttl time.Duration) *localCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &localCache{lru: expirable.NewLRU[string, []float32](capacity, nil, ttl)}
}

func (c *localCache) Get(key string) ([]float32, bool) { return c.lru.Get(key) }
func (c *localCache) Set(key string, v []float32)      { c.lru.Add(key, v) }

// RedisCache is the shared tier. Failures are treated as misses so a Redis
// outage degrades cache hit rate, never availability.
type RedisCache struct {
	cli *redis.Client
}

// NewRedisCache connects and pings once so a bad address fails at startup.
func NewRedisCache(addr string) (*RedisCache, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCache{cli: cli}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	b, err := r.cli.Get(ctx, key).Bytes()
	if err != nil || len(b)%4 != 0 {
		return nil, false
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, true
}

func (r *RedisCache) Set(ctx context.Context, key string, v []float32, ttl time.Duration) {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	_ = r.cli.Set(ctx, key, b, ttl).Err()
}

// Close releases the underlying connection pool.
func (r *RedisCache) Close() error { return r.cli.Close() }

// MakeKey derives the cache key from model and text.
func MakeKey(model, text string) string {
	h := md5.Sum([]byte(model + "|" + text))
	return "emb:" + hex.EncodeToString(h[:])
}
