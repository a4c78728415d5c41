package analysis

import (
	"sync"

	"bot_simulator/internal/models"
)

type Trend string

const (
	TrendUp   Trend = "up"
	TrendDown Trend = "down"
	TrendFlat Trend = "flat"
)

const (
	historyCapacity = 20
	trendWindow     = 10
	trendThreshold  = 0.001 // 0.1% relative change
)

// TrendClassifier keeps a short rolling price history per instrument. One
// classifier is shared by every bot trading the same instruments.
type TrendClassifier struct {
	mu      sync.RWMutex
	history map[string]*ring
}

func NewTrendClassifier() *TrendClassifier {
	return &TrendClassifier{history: make(map[string]*ring)}
}

// UpdatePrice appends a sample, dropping the oldest once 20 are held.
func (c *TrendClassifier) UpdatePrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.history[symbol]
	if !ok {
		r = &ring{}
		c.history[symbol] = r
	}
	r.push(price)
}

// Samples returns how many prices are held for symbol.
func (c *TrendClassifier) Samples(symbol string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if r, ok := c.history[symbol]; ok {
		return r.n
	}
	return 0
}

// GetTrend compares the oldest and newest of the last 10 samples.
func (c *TrendClassifier) GetTrend(symbol string) Trend {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.history[symbol]
	if !ok || r.n < trendWindow {
		return TrendFlat
	}
	first := r.at(r.n - trendWindow)
	last := r.at(r.n - 1)
	change := (last - first) / first

	switch {
	case change > trendThreshold:
		return TrendUp
	case change < -trendThreshold:
		return TrendDown
	default:
		return TrendFlat
	}
}

// DoesTrendMatch reports whether side agrees with the local trend. A flat
// trend imposes no constraint.
func (c *TrendClassifier) DoesTrendMatch(symbol string, side models.Side) bool {
	switch c.GetTrend(symbol) {
	case TrendUp:
		return side == models.SideLong
	case TrendDown:
		return side == models.SideShort
	default:
		return true
	}
}

// ring is a fixed-capacity FIFO of prices.
type ring struct {
	buf   [historyCapacity]float64
	start int
	n     int
}

func (r *ring) push(v float64) {
	if r.n < historyCapacity {
		r.buf[(r.start+r.n)%historyCapacity] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % historyCapacity
}

// at returns the i-th oldest held sample.
func (r *ring) at(i int) float64 {
	return r.buf[(r.start+i)%historyCapacity]
}
