package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, ttl time.Duration, maxEntries int) (*DecisionCache, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	c, err := New(Config{TTL: ttl, MaxEntries: maxEntries, Clock: clock.Now}, zerolog.Nop())
	require.NoError(t, err)
	return c, clock
}

func decision(fp string, now time.Time, ttl time.Duration) types.Decision {
	return types.Decision{
		ID:          "d-" + fp,
		Fingerprint: fp,
		Token:       "BTC",
		Side:        types.SideLong,
		Confidence:  types.ConfidenceHigh,
		Approved:    true,
		Leverage:    10,
		Size:        20,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func TestDecisionCache_LookupAndExpiry(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 100)
	c.Insert(decision("BTC|50000|HIGH", clock.Now(), time.Minute))

	d, ok := c.Lookup("BTC|50000|HIGH")
	require.True(t, ok)
	assert.Equal(t, "d-BTC|50000|HIGH", d.ID)

	clock.Advance(time.Minute)
	_, ok = c.Lookup("BTC|50000|HIGH")
	assert.True(t, ok, "entry is still valid exactly at expiry")

	clock.Advance(time.Millisecond)
	_, ok = c.Lookup("BTC|50000|HIGH")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Expirations)
}

func TestDecisionCache_EntryExpiryNeverExceedsDecisionExpiry(t *testing.T) {
	c, clock := newTestCache(t, time.Hour, 100)
	c.Insert(decision("ETH|3000|LOW", clock.Now(), time.Second))

	clock.Advance(2 * time.Second)
	_, ok := c.Lookup("ETH|3000|LOW")
	assert.False(t, ok)
}

func TestDecisionCache_LRUBound(t *testing.T) {
	c, err := New(Config{TTL: time.Minute, MaxEntries: 2, Shards: 1}, zerolog.Nop())
	require.NoError(t, err)
	now := time.Now()

	c.Insert(decision("a", now, time.Minute))
	c.Insert(decision("b", now, time.Minute))
	_, ok := c.Lookup("a")
	require.True(t, ok)
	c.Insert(decision("c", now, time.Minute))

	assert.Equal(t, 2, c.Len())
	_, ok = c.Lookup("b")
	assert.False(t, ok, "least recently used entry is evicted")
	_, ok = c.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestDecisionCache_Sweep(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 100)
	c.Insert(decision("short", clock.Now(), 10*time.Second))
	c.Insert(decision("long", clock.Now(), time.Minute))

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestDecisionCache_GetOrComputeSingleFlight(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 100)

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(ctx context.Context) (types.Decision, error) {
		calls.Add(1)
		<-release
		return decision("SOL|150|MEDIUM", clock.Now(), time.Minute), nil
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make([]types.Decision, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, _, err := c.GetOrCompute(context.Background(), "SOL|150|MEDIUM", compute)
			assert.NoError(t, err)
			results[i] = d
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, d := range results {
		assert.Equal(t, "d-SOL|150|MEDIUM", d.ID)
	}

	d, cached, err := c.GetOrCompute(context.Background(), "SOL|150|MEDIUM", compute)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "d-SOL|150|MEDIUM", d.ID)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDecisionCache_GetOrComputeErrorNotCached(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 100)
	boom := errors.New("boom")

	_, _, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (types.Decision, error) {
		return types.Decision{}, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())

	d, cached, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (types.Decision, error) {
		return decision("k", clock.Now(), time.Minute), nil
	})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "d-k", d.ID)
}

func TestDecisionCache_ZeroLifetimeDecisionIsNotStored(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 100)
	denied := decision("BTC|50000|HIGH|LONG", clock.Now(), 0)
	denied.Approved = false
	denied.RejectKind = types.RejectBreakerOpen

	calls := 0
	compute := func(context.Context) (types.Decision, error) {
		calls++
		return denied, nil
	}
	d, cached, err := c.GetOrCompute(context.Background(), denied.Fingerprint, compute)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, types.RejectBreakerOpen, d.RejectKind)
	assert.Equal(t, 0, c.Len())

	_, cached, err = c.GetOrCompute(context.Background(), denied.Fingerprint, compute)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 2, calls)
}

type stubMirror struct {
	mu      sync.Mutex
	stored  map[string]types.Decision
	getErr  error
	setHits int
}

func (m *stubMirror) Get(_ context.Context, key string) (types.Decision, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return types.Decision{}, false, m.getErr
	}
	d, ok := m.stored[key]
	return d, ok, nil
}

func (m *stubMirror) Set(_ context.Context, key string, d types.Decision, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored[key] = d
	m.setHits++
	return nil
}

func TestDecisionCache_MirrorServesMiss(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 100)
	mirror := &stubMirror{stored: map[string]types.Decision{
		"BTC|50000|HIGH": decision("BTC|50000|HIGH", clock.Now(), time.Minute),
	}}
	c.SetMirror(mirror)

	d, cached, err := c.GetOrCompute(context.Background(), "BTC|50000|HIGH", func(context.Context) (types.Decision, error) {
		t.Fatal("compute must not run when the mirror has the decision")
		return types.Decision{}, nil
	})
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "d-BTC|50000|HIGH", d.ID)

	_, ok := c.Lookup("BTC|50000|HIGH")
	assert.True(t, ok, "mirror hit is promoted to the local cache")
}

func TestDecisionCache_MirrorFailureFallsBackToCompute(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 100)
	c.SetMirror(&stubMirror{stored: map[string]types.Decision{}, getErr: errors.New("connection refused")})

	d, cached, err := c.GetOrCompute(context.Background(), "ETH|3000|LOW", func(context.Context) (types.Decision, error) {
		return decision("ETH|3000|LOW", clock.Now(), time.Minute), nil
	})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "d-ETH|3000|LOW", d.ID)
}
