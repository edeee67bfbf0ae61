package engine

import (
	"sync"
	"time"
)

// SignalStatsSnapshot is a point-in-time copy of SignalStats.
type SignalStatsSnapshot struct {
	Processed     int64            `json:"processed"`
	Valid         int64            `json:"valid"`
	Invalid       int64            `json:"invalid"`
	RateLimited   int64            `json:"rate_limited"`
	CacheHits     int64            `json:"cache_hits"`
	CacheMisses   int64            `json:"cache_misses"`
	Approved      int64            `json:"approved"`
	Rejected      int64            `json:"rejected"`
	BySource      map[string]int64 `json:"by_source"`
	ByConfidence  map[string]int64 `json:"by_confidence"`
	AvgProcessing time.Duration    `json:"avg_processing"`
}

// SignalStats counts signals as they flow through Evaluate.
type SignalStats struct {
	mu           sync.Mutex
	s            SignalStatsSnapshot
	totalLatency time.Duration
}

func NewSignalStats() *SignalStats {
	return &SignalStats{s: SignalStatsSnapshot{
		BySource:     make(map[string]int64),
		ByConfidence: make(map[string]int64),
	}}
}

func (st *SignalStats) rateLimited(source string) {
	st.mu.Lock()
	st.s.Processed++
	st.s.RateLimited++
	st.s.BySource[source]++
	st.mu.Unlock()
}

func (st *SignalStats) invalid(source string, took time.Duration) {
	st.mu.Lock()
	st.s.Processed++
	st.s.Invalid++
	st.s.BySource[source]++
	st.totalLatency += took
	st.mu.Unlock()
}

func (st *SignalStats) decided(source, confidence string, cached, approved bool, took time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.Processed++
	st.s.Valid++
	st.s.BySource[source]++
	st.s.ByConfidence[confidence]++
	if cached {
		st.s.CacheHits++
	} else {
		st.s.CacheMisses++
	}
	if approved {
		st.s.Approved++
	} else {
		st.s.Rejected++
	}
	st.totalLatency += took
}

func (st *SignalStats) Snapshot() SignalStatsSnapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := st.s
	out.BySource = make(map[string]int64, len(st.s.BySource))
	for k, v := range st.s.BySource {
		out.BySource[k] = v
	}
	out.ByConfidence = make(map[string]int64, len(st.s.ByConfidence))
	for k, v := range st.s.ByConfidence {
		out.ByConfidence[k] = v
	}
	if timed := st.s.Invalid + st.s.Valid; timed > 0 {
		out.AvgProcessing = st.totalLatency / time.Duration(timed)
	}
	return out
}
