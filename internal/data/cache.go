// Tokenized example cache tiers: an in-process LRU (L1) with an optional
// redis tier (L2) behind it. Keys combine dataset path, split, and model
// name so a tokenizer change never serves stale ids.
package data

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/halotrain/halotrain/internal/observability/logging"
	"github.com/halotrain/halotrain/internal/observability/metrics"
)

// ============================================================================
// Cache Contract
// ============================================================================

// CachedSequence is the cached tokenized form of one example
type CachedSequence struct {
	Prompt   []int `json:"prompt"`
	Chosen   []int `json:"chosen,omitempty"`
	Rejected []int `json:"rejected,omitempty"`
	Target   []int `json:"target,omitempty"`
}

// SequenceCache stores tokenized examples keyed by example identity
type SequenceCache interface {
	Get(ctx context.Context, key string) (*CachedSequence, bool)
	Set(ctx context.Context, key string, seq *CachedSequence)
}

// CacheKey builds the cache key for one example
func CacheKey(datasetPath, split, modelName, exampleID string) string {
	return fmt.Sprintf("halotrain:tok:%s:%s:%s:%s", modelName, datasetPath, split, exampleID)
}

// ============================================================================
// L1 Local Cache
// ============================================================================

// LocalCache is an in-process LRU cache of tokenized examples
type LocalCache struct {
	maxSize int

	mu      sync.Mutex
	entries map[string]*localNode
	head    *localNode
	tail    *localNode

	collector *metrics.MetricsCollector
}

// localNode is a node in the LRU doubly-linked list
type localNode struct {
	key  string
	seq  *CachedSequence
	prev *localNode
	next *localNode
}

// NewLocalCache creates an in-process LRU cache with maxSize entries
func NewLocalCache(maxSize int, collector *metrics.MetricsCollector) *LocalCache {
	c := &LocalCache{
		maxSize:   maxSize,
		entries:   make(map[string]*localNode, maxSize),
		collector: collector,
	}

	// Sentinel nodes
	c.head = &localNode{}
	c.tail = &localNode{}
	c.head.next = c.tail
	c.tail.prev = c.head

	return c
}

// Get retrieves a tokenized example from the local tier
func (c *LocalCache) Get(ctx context.Context, key string) (*CachedSequence, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.entries[key]
	if !ok {
		c.record(false)
		return nil, false
	}

	c.moveToFront(node)
	c.record(true)
	return node.seq, true
}

// Set stores a tokenized example in the local tier
func (c *LocalCache) Set(ctx context.Context, key string, seq *CachedSequence) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if node, ok := c.entries[key]; ok {
		node.seq = seq
		c.moveToFront(node)
		return
	}

	node := &localNode{key: key, seq: seq}
	c.addToFront(node)
	c.entries[key] = node

	if len(c.entries) > c.maxSize {
		c.evictLRU()
	}
}

// Size returns the current number of entries
func (c *LocalCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *LocalCache) record(hit bool) {
	if c.collector == nil {
		return
	}
	if hit {
		c.collector.RecordCacheHit("l1")
	} else {
		c.collector.RecordCacheMiss("l1")
	}
}

func (c *LocalCache) moveToFront(node *localNode) {
	if node == c.head.next {
		return
	}
	c.removeNode(node)
	c.addToFront(node)
}

func (c *LocalCache) addToFront(node *localNode) {
	node.prev = c.head
	node.next = c.head.next
	c.head.next.prev = node
	c.head.next = node
}

func (c *LocalCache) removeNode(node *localNode) {
	node.prev.next = node.next
	node.next.prev = node.prev
}

func (c *LocalCache) evictLRU() {
	if c.tail.prev == c.head {
		return
	}
	lru := c.tail.prev
	c.removeNode(lru)
	delete(c.entries, lru.key)
}

// ============================================================================
// L2 Redis Cache
// ============================================================================

// RedisCache stores tokenized examples in redis with a TTL. Failures are
// treated as misses: the cache is an accelerator, never a dependency.
type RedisCache struct {
	client    *redis.Client
	ttl       time.Duration
	logger    logging.Logger
	collector *metrics.MetricsCollector
}

// RedisCacheOptions defines redis tier construction parameters
type RedisCacheOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewRedisCache creates a redis-backed sequence cache
func NewRedisCache(opts RedisCacheOptions, logger logging.Logger, collector *metrics.MetricsCollector) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	return &RedisCache{
		client:    client,
		ttl:       opts.TTL,
		logger:    logger,
		collector: collector,
	}
}

// Get retrieves a tokenized example from redis
func (c *RedisCache) Get(ctx context.Context, key string) (*CachedSequence, bool) {
	payload, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("redis cache read failed", logging.String("key", key), logging.Error(err))
		}
		c.record(false)
		return nil, false
	}

	var seq CachedSequence
	if err := json.Unmarshal(payload, &seq); err != nil {
		c.logger.Warn("redis cache entry corrupt, dropping", logging.String("key", key), logging.Error(err))
		c.client.Del(ctx, key)
		c.record(false)
		return nil, false
	}

	c.record(true)
	return &seq, true
}

// Set stores a tokenized example in redis
func (c *RedisCache) Set(ctx context.Context, key string, seq *CachedSequence) {
	payload, err := json.Marshal(seq)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Debug("redis cache write failed", logging.String("key", key), logging.Error(err))
	}
}

// Close releases the redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) record(hit bool) {
	if c.collector == nil {
		return
	}
	if hit {
		c.collector.RecordCacheHit("l2")
	} else {
		c.collector.RecordCacheMiss("l2")
	}
}

// ============================================================================
// Tiered Cache
// ============================================================================

// TieredCache checks the local tier first and falls through to redis,
// promoting L2 hits into L1.
type TieredCache struct {
	l1 *LocalCache
	l2 SequenceCache
}

// NewTieredCache combines a local tier with an optional second tier
func NewTieredCache(l1 *LocalCache, l2 SequenceCache) *TieredCache {
	return &TieredCache{l1: l1, l2: l2}
}

// Get checks L1 then L2
func (c *TieredCache) Get(ctx context.Context, key string) (*CachedSequence, bool) {
	if seq, ok := c.l1.Get(ctx, key); ok {
		return seq, true
	}
	if c.l2 == nil {
		return nil, false
	}
	seq, ok := c.l2.Get(ctx, key)
	if !ok {
		return nil, false
	}
	c.l1.Set(ctx, key, seq)
	return seq, true
}

// Set writes through both tiers
func (c *TieredCache) Set(ctx context.Context, key string, seq *CachedSequence) {
	c.l1.Set(ctx, key, seq)
	if c.l2 != nil {
		c.l2.Set(ctx, key, seq)
	}
}

//Personal.AI order the ending
