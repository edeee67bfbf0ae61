package engine

import (
	"context"
	"strings"
	"sync"
	"time"
)

type quote struct {
	price float64
	at    time.Time
}

// PriceBook is an in-memory PriceFeed fed by signals and by price pushes on
// the admin API. Quotes older than maxAge are treated as unavailable.
type PriceBook struct {
	mu     sync.RWMutex
	quotes map[string]quote
	maxAge time.Duration
	clock  func() time.Time
}

func NewPriceBook(maxAge time.Duration, clock func() time.Time) *PriceBook {
	if clock == nil {
		clock = time.Now
	}
	return &PriceBook{
		quotes: make(map[string]quote),
		maxAge: maxAge,
		clock:  clock,
	}
}

// Record stores price for token unless a newer quote is already known.
func (b *PriceBook) Record(token string, price float64, at time.Time) {
	if price <= 0 {
		return
	}
	token = strings.ToUpper(token)
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.quotes[token]; ok && q.at.After(at) {
		return
	}
	b.quotes[token] = quote{price: price, at: at}
}

// Set records price at the current time.
func (b *PriceBook) Set(token string, price float64) {
	b.Record(token, price, b.clock())
}

func (b *PriceBook) Prices(_ context.Context, tokens []string) (map[string]float64, error) {
	now := b.clock()
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]float64, len(tokens))
	for _, t := range tokens {
		q, ok := b.quotes[strings.ToUpper(t)]
		if !ok {
			continue
		}
		if b.maxAge > 0 && now.Sub(q.at) > b.maxAge {
			continue
		}
		out[t] = q.price
	}
	return out, nil
}
