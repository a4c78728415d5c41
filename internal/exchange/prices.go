package exchange

import (
	"sync"
	"time"
)

// Quote is the latest reference price for one symbol.
type Quote struct {
	Price     float64
	UpdatedAt time.Time
}

// PriceBook holds the latest reference price per symbol. Feeds write into it;
// bots only ever read a snapshot and never wait on it.
type PriceBook struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

func NewPriceBook() *PriceBook {
	return &PriceBook{quotes: make(map[string]Quote)}
}

// Set ignores non-positive prices.
func (b *PriceBook) Set(symbol string, price float64, at time.Time) {
	if price <= 0 {
		return
	}
	b.mu.Lock()
	b.quotes[symbol] = Quote{Price: price, UpdatedAt: at}
	b.mu.Unlock()
}

func (b *PriceBook) Price(symbol string) (float64, bool) {
	b.mu.RLock()
	q, ok := b.quotes[symbol]
	b.mu.RUnlock()
	return q.Price, ok
}

func (b *PriceBook) Quote(symbol string) (Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[symbol]
	return q, ok
}

// Snapshot copies the current prices.
func (b *PriceBook) Snapshot() map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]float64, len(b.quotes))
	for s, q := range b.quotes {
		out[s] = q.Price
	}
	return out
}

// Missing returns the symbols that have no price yet.
func (b *PriceBook) Missing(symbols []string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for _, s := range symbols {
		if _, ok := b.quotes[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}
