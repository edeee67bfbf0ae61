package safety

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SourceLimiter throttles signal ingest per upstream source so that one
// flooding source cannot starve the others.
type SourceLimiter struct {
	limit    rate.Limit
	burst    int
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	blocked  map[string]int64
}

// NewSourceLimiter allows perSecond signals per source with the given burst.
// A non-positive perSecond disables limiting.
func NewSourceLimiter(perSecond float64, burst int) *SourceLimiter {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &SourceLimiter{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
		blocked:  make(map[string]int64),
	}
}

// Allow reports whether a signal from source may be processed now.
func (sl *SourceLimiter) Allow(source string) bool {
	return sl.AllowAt(source, time.Now())
}

// AllowAt is Allow with an explicit clock reading.
func (sl *SourceLimiter) AllowAt(source string, now time.Time) bool {
	if sl.limit == rate.Inf {
		return true
	}
	if sl.limiterFor(source).AllowN(now, 1) {
		return true
	}
	sl.mu.Lock()
	sl.blocked[source]++
	sl.mu.Unlock()
	return false
}

func (sl *SourceLimiter) limiterFor(source string) *rate.Limiter {
	sl.mu.RLock()
	lim, ok := sl.limiters[source]
	sl.mu.RUnlock()
	if ok {
		return lim
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if lim, ok = sl.limiters[source]; ok {
		return lim
	}
	lim = rate.NewLimiter(sl.limit, sl.burst)
	sl.limiters[source] = lim
	return lim
}

// Blocked returns how many signals were throttled per source.
func (sl *SourceLimiter) Blocked() map[string]int64 {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	out := make(map[string]int64, len(sl.blocked))
	for k, v := range sl.blocked {
		out[k] = v
	}
	return out
}
