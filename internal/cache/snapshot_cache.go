// Package cache provides a Redis read-through layer over the snapshot
// store. Snapshots are immutable, so cached bodies never need invalidation;
// only the per-window latest pointer is rewritten.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/corridorlab/corridorscope/internal/domain"
	"github.com/corridorlab/corridorscope/internal/metrics"
	"github.com/corridorlab/corridorscope/internal/persistence"
)

// Config tunes the Redis connection and cache behavior.
type Config struct {
	Addr      string        `yaml:"addr" json:"addr"`
	Password  string        `yaml:"password" json:"-"`
	DB        int           `yaml:"db" json:"db"`
	KeyPrefix string        `yaml:"key_prefix" json:"key_prefix"`
	BodyTTL   time.Duration `yaml:"body_ttl" json:"body_ttl"`
}

// DefaultConfig returns local-development defaults.
func DefaultConfig() Config {
	return Config{
		Addr:      "localhost:6379",
		KeyPrefix: "corridorscope:",
		BodyTTL:   6 * time.Hour,
	}
}

// Stats tracks cache effectiveness.
type Stats struct {
	Hits      int64     `json:"hits"`
	Misses    int64     `json:"misses"`
	Errors    int64     `json:"errors"`
	Connected bool      `json:"connected"`
	LastPing  time.Time `json:"last_ping"`
}

// SnapshotCache wraps a SnapshotStore with Redis. Cache errors degrade to
// the underlying store, never to the caller.
type SnapshotCache struct {
	inner   persistence.SnapshotStore
	client  *redis.Client
	cfg     Config
	metrics *metrics.Registry

	// Counters are shared by concurrently scheduled jobs.
	hits   atomic.Int64
	misses atomic.Int64
	errs   atomic.Int64
}

// NewSnapshotCache builds the cache layer. Metrics may be nil.
func NewSnapshotCache(inner persistence.SnapshotStore, cfg Config, m *metrics.Registry) *SnapshotCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return &SnapshotCache{inner: inner, client: client, cfg: cfg, metrics: m}
}

// Put writes through: store first, then cache body and latest pointer.
func (c *SnapshotCache) Put(ctx context.Context, snap *domain.Snapshot) error {
	if err := c.inner.Put(ctx, snap); err != nil {
		return err
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	pipe := c.client.Pipeline()
	pipe.Set(ctx, c.bodyKey(snap.SnapshotID), body, c.cfg.BodyTTL)
	pipe.Set(ctx, c.latestKey(snap.Window), snap.SnapshotID, c.cfg.BodyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.errs.Add(1)
		log.Debug().Err(err).Str("component", "cache").Msg("snapshot cache write skipped")
	}
	return nil
}

// GetLatest resolves the latest pointer then the body, falling back to the
// store on any miss.
func (c *SnapshotCache) GetLatest(ctx context.Context, window domain.Window) (*domain.Snapshot, error) {
	id, err := c.client.Get(ctx, c.latestKey(window)).Result()
	if err == nil {
		if snap, ok := c.getBody(ctx, id); ok {
			c.hit()
			return snap, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.errs.Add(1)
	}
	c.miss()

	snap, err := c.inner.GetLatest(ctx, window)
	if err != nil {
		return nil, err
	}
	c.backfill(ctx, snap, true)
	return snap, nil
}

// GetByID checks the body cache before the store.
func (c *SnapshotCache) GetByID(ctx context.Context, id string) (*domain.Snapshot, error) {
	if snap, ok := c.getBody(ctx, id); ok {
		c.hit()
		return snap, nil
	}
	c.miss()

	snap, err := c.inner.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.backfill(ctx, snap, false)
	return snap, nil
}

// GetPrevious always hits the store; previous-of queries are ordered scans
// the pointer cache cannot answer.
func (c *SnapshotCache) GetPrevious(ctx context.Context, window domain.Window, before time.Time) (*domain.Snapshot, error) {
	return c.inner.GetPrevious(ctx, window, before)
}

// List always hits the store.
func (c *SnapshotCache) List(ctx context.Context, window domain.Window, limit int) ([]*domain.Snapshot, error) {
	return c.inner.List(ctx, window, limit)
}

// Stats snapshots the counters with a fresh connectivity check.
func (c *SnapshotCache) Stats(ctx context.Context) Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Errors:    c.errs.Load(),
		Connected: c.client.Ping(ctx).Err() == nil,
		LastPing:  time.Now().UTC(),
	}
}

// Close releases the Redis connection pool.
func (c *SnapshotCache) Close() error { return c.client.Close() }

func (c *SnapshotCache) getBody(ctx context.Context, id string) (*domain.Snapshot, bool) {
	raw, err := c.client.Get(ctx, c.bodyKey(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.errs.Add(1)
		}
		return nil, false
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		c.errs.Add(1)
		return nil, false
	}
	return &snap, true
}

func (c *SnapshotCache) backfill(ctx context.Context, snap *domain.Snapshot, latest bool) {
	body, err := json.Marshal(snap)
	if err != nil {
		return
	}
	pipe := c.client.Pipeline()
	pipe.Set(ctx, c.bodyKey(snap.SnapshotID), body, c.cfg.BodyTTL)
	if latest {
		pipe.Set(ctx, c.latestKey(snap.Window), snap.SnapshotID, c.cfg.BodyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.errs.Add(1)
	}
}

func (c *SnapshotCache) hit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHits.Inc()
	}
}

func (c *SnapshotCache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}
}

func (c *SnapshotCache) bodyKey(id string) string {
	return fmt.Sprintf("%ssnapshot:%s", c.cfg.KeyPrefix, id)
}

func (c *SnapshotCache) latestKey(window domain.Window) string {
	return fmt.Sprintf("%slatest:%s", c.cfg.KeyPrefix, window)
}
