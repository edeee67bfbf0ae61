package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

const defaultShards = 16

// Config configures the decision cache.
type Config struct {
	TTL           time.Duration
	MaxEntries    int
	Shards        int
	MirrorTimeout time.Duration
	Clock         func() time.Time
}

// Mirror is an optional second-level store shared between engine replicas.
type Mirror interface {
	Get(ctx context.Context, key string) (types.Decision, bool, error)
	Set(ctx context.Context, key string, decision types.Decision, ttl time.Duration) error
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	Entries       int     `json:"entries"`
	Evictions     int64   `json:"evictions"`
	Expirations   int64   `json:"expirations"`
	Computations  int64   `json:"computations"`
	SharedFlights int64   `json:"shared_flights"`
}

type entry struct {
	decision  types.Decision
	expiresAt time.Time
}

type shard struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, entry]
}

// DecisionCache memoizes decisions by signal fingerprint. Entries expire
// lazily on access and through Sweep; each shard is LRU-bounded. Concurrent
// misses for one fingerprint share a single computation.
type DecisionCache struct {
	cfg    Config
	shards []*shard
	group  singleflight.Group
	mirror Mirror
	log    zerolog.Logger

	hits          atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	expirations   atomic.Int64
	computations  atomic.Int64
	sharedFlights atomic.Int64
}

// New builds a cache holding at most cfg.MaxEntries decisions.
func New(cfg Config, log zerolog.Logger) (*DecisionCache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Second
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}
	if cfg.Shards > cfg.MaxEntries {
		cfg.Shards = cfg.MaxEntries
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = 50 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	perShard := (cfg.MaxEntries + cfg.Shards - 1) / cfg.Shards
	c := &DecisionCache{cfg: cfg, log: log, shards: make([]*shard, cfg.Shards)}
	for i := range c.shards {
		lru, err := simplelru.NewLRU[string, entry](perShard, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cache shard: %w", err)
		}
		c.shards[i] = &shard{lru: lru}
	}
	return c, nil
}

// SetMirror attaches a second-level store. Call before serving traffic.
func (c *DecisionCache) SetMirror(m Mirror) {
	c.mirror = m
}

// TTL returns the lifetime given to new entries.
func (c *DecisionCache) TTL() time.Duration {
	return c.cfg.TTL
}

func (c *DecisionCache) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Lookup returns a live decision for key. Expired entries are removed and
// reported as a miss.
func (c *DecisionCache) Lookup(key string) (types.Decision, bool) {
	d, ok := c.peek(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return d, ok
}

func (c *DecisionCache) peek(key string) (types.Decision, bool) {
	s := c.shardFor(key)
	now := c.cfg.Clock()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lru.Get(key)
	if !ok {
		return types.Decision{}, false
	}
	if now.After(e.expiresAt) {
		s.lru.Remove(key)
		c.expirations.Add(1)
		return types.Decision{}, false
	}
	return e.decision, true
}

// Insert stores d under its fingerprint. The entry lives for the cache TTL or
// until the decision's own expiry, whichever is sooner.
func (c *DecisionCache) Insert(d types.Decision) {
	c.insert(d.Fingerprint, d)
	if c.mirror != nil {
		go c.publish(d)
	}
}

func (c *DecisionCache) insert(key string, d types.Decision) {
	now := c.cfg.Clock()
	expiresAt := now.Add(c.cfg.TTL)
	if !d.ExpiresAt.IsZero() && d.ExpiresAt.Before(expiresAt) {
		expiresAt = d.ExpiresAt
	}
	// a decision with no lifetime left is returned to its caller but not kept
	if !expiresAt.After(now) {
		return
	}
	s := c.shardFor(key)
	s.mu.Lock()
	evicted := s.lru.Add(key, entry{decision: d, expiresAt: expiresAt})
	s.mu.Unlock()
	if evicted {
		c.evictions.Add(1)
	}
}

func (c *DecisionCache) publish(d types.Decision) {
	ttl := d.ExpiresAt.Sub(c.cfg.Clock())
	if ttl <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*c.cfg.MirrorTimeout)
	defer cancel()
	if err := c.mirror.Set(ctx, d.Fingerprint, d, ttl); err != nil {
		c.log.Debug().Err(err).Str("fingerprint", d.Fingerprint).Msg("decision mirror write failed")
	}
}

func (c *DecisionCache) fromMirror(ctx context.Context, key string) (types.Decision, bool) {
	if c.mirror == nil {
		return types.Decision{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.MirrorTimeout)
	defer cancel()
	d, ok, err := c.mirror.Get(ctx, key)
	if err != nil {
		c.log.Debug().Err(err).Str("fingerprint", key).Msg("decision mirror read failed")
		return types.Decision{}, false
	}
	if !ok || d.Expired(c.cfg.Clock()) {
		return types.Decision{}, false
	}
	c.insert(key, d)
	return d, true
}

// GetOrCompute returns the cached decision for key, or runs compute exactly
// once across concurrent callers and caches its result. cached reports
// whether the decision came from a previous computation.
func (c *DecisionCache) GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) (types.Decision, error)) (decision types.Decision, cached bool, err error) {
	if d, ok := c.Lookup(key); ok {
		return d, true, nil
	}

	type result struct {
		decision types.Decision
		cached   bool
	}

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		// a flight that finished between Lookup and Do already stored the answer
		if d, ok := c.peek(key); ok {
			return result{d, true}, nil
		}
		if d, ok := c.fromMirror(ctx, key); ok {
			return result{d, true}, nil
		}
		c.computations.Add(1)
		d, err := compute(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		if d.Fingerprint == "" {
			d.Fingerprint = key
		}
		c.Insert(d)
		return result{d, false}, nil
	})
	if shared {
		c.sharedFlights.Add(1)
	}
	if err != nil {
		return types.Decision{}, false, err
	}
	r := v.(result)
	return r.decision, r.cached || shared, nil
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *DecisionCache) Sweep() int {
	now := c.cfg.Clock()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for _, key := range s.lru.Keys() {
			if e, ok := s.lru.Peek(key); ok && now.After(e.expiresAt) {
				s.lru.Remove(key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	c.expirations.Add(int64(removed))
	return removed
}

// Run sweeps on interval until ctx is done.
func (c *DecisionCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.cfg.TTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.log.Debug().Int("removed", n).Msg("decision cache swept")
			}
		}
	}
}

// Purge drops every entry, e.g. after a breaker transition invalidates
// earlier approvals.
func (c *DecisionCache) Purge() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.lru.Purge()
		s.mu.Unlock()
	}
}

// Len returns the number of stored entries, expired or not.
func (c *DecisionCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.lru.Len()
		s.mu.Unlock()
	}
	return n
}

func (c *DecisionCache) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	rate := 0.0
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:          hits,
		Misses:        misses,
		HitRate:       rate,
		Entries:       c.Len(),
		Evictions:     c.evictions.Load(),
		Expirations:   c.expirations.Load(),
		Computations:  c.computations.Load(),
		SharedFlights: c.sharedFlights.Load(),
	}
}
