// Package progress tracks today's realized P&L against the daily target.
// Days are UTC calendar days; local time is never consulted.
package progress

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"bot_simulator/internal/models"
)

const (
	aheadMargin  = 20.0 // points of target above the day's elapsed share
	behindMargin = 10.0
	urgencySpan  = 30.0

	completedTradeChance = 0.3
)

// TradeEntry is one realized trade in today's log.
type TradeEntry struct {
	PnL       float64
	Timestamp time.Time
}

// Tracker accumulates today's closed-trade P&L.
type Tracker struct {
	mu            sync.Mutex
	capital       float64
	targetPercent float64
	dayAnchor     time.Time
	trades        []TradeEntry
}

func NewTracker(capital, targetPercent float64, now time.Time) *Tracker {
	return &Tracker{
		capital:       capital,
		targetPercent: targetPercent,
		dayAnchor:     DayStart(now),
	}
}

// DayStart returns the UTC midnight that opens t's day.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Retarget replaces capital and target, keeping today's log.
func (t *Tracker) Retarget(capital, targetPercent float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.capital = capital
	t.targetPercent = targetPercent
}

// rolloverLocked resets the log when now falls on a later UTC day.
func (t *Tracker) rolloverLocked(now time.Time) {
	today := DayStart(now)
	if today.After(t.dayAnchor) {
		t.dayAnchor = today
		t.trades = nil
	}
}

// RecordTrade appends a realized P&L, starting a fresh log first if the UTC
// day has rolled over since the last record.
func (t *Tracker) RecordTrade(pnl float64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked(at)
	t.trades = append(t.trades, TradeEntry{PnL: pnl, Timestamp: at.UTC()})
}

// DayAnchor is the UTC midnight of the tracked day.
func (t *Tracker) DayAnchor() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dayAnchor
}

func (t *Tracker) TargetPnL() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.capital * t.targetPercent / 100
}

func (t *Tracker) Capital() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.capital
}

// TradesToday returns the number of trades recorded today.
func (t *Tracker) TradesToday(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked(now)
	return len(t.trades)
}

// Progress computes today's standing at now.
func (t *Tracker) Progress(now time.Time) models.DailyProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked(now)

	elapsed := now.UTC().Sub(t.dayAnchor).Seconds()
	dp := models.DailyProgress{
		TargetPnL:       t.capital * t.targetPercent / 100,
		PercentComplete: math.Min(100, elapsed/86400*100),
		TradesToday:     len(t.trades),
	}
	for _, tr := range t.trades {
		dp.CurrentPnL += tr.PnL
	}
	if dp.TargetPnL > 0 {
		dp.PercentTarget = dp.CurrentPnL / dp.TargetPnL * 100
	}

	switch {
	case dp.CurrentPnL >= dp.TargetPnL:
		dp.Status = models.StatusCompleted
		dp.Recommendation = "Daily target reached: trade rarely and with reduced size"
	case dp.PercentTarget >= dp.PercentComplete+aheadMargin:
		dp.Status = models.StatusAhead
		dp.Recommendation = "Ahead of pace: ease trade frequency slightly"
	case dp.PercentTarget < dp.PercentComplete-behindMargin:
		dp.Status = models.StatusBehind
		dp.Recommendation = fmt.Sprintf("Behind pace by %.1f points: increase activity and size",
			dp.PercentComplete-dp.PercentTarget)
	default:
		dp.Status = models.StatusOnTrack
		dp.Recommendation = "On track: keep the current pace"
	}
	return dp
}

// TradeAdjustment maps today's status to a pacing hint. Only the completed
// status consumes randomness.
func (t *Tracker) TradeAdjustment(now time.Time, rng *rand.Rand) models.TradeAdjustment {
	return AdjustmentFor(t.Progress(now), rng)
}

// AdjustmentFor maps a DailyProgress to a pacing hint.
func AdjustmentFor(dp models.DailyProgress, rng *rand.Rand) models.TradeAdjustment {
	switch dp.Status {
	case models.StatusCompleted:
		return models.TradeAdjustment{
			ShouldTrade:         rng.Float64() < completedTradeChance,
			FrequencyMultiplier: 0.3,
			SizeMultiplier:      0.5,
		}
	case models.StatusAhead:
		return models.TradeAdjustment{ShouldTrade: true, FrequencyMultiplier: 0.9, SizeMultiplier: 1.0}
	case models.StatusBehind:
		urgency := math.Min((dp.PercentComplete-dp.PercentTarget)/urgencySpan, 1)
		return models.TradeAdjustment{
			ShouldTrade:         true,
			FrequencyMultiplier: 1 + 0.5*urgency,
			SizeMultiplier:      1 + 0.3*urgency,
		}
	default:
		return models.TradeAdjustment{ShouldTrade: true, FrequencyMultiplier: 1.0, SizeMultiplier: 1.0}
	}
}

type trackerState struct {
	DayAnchorUTC  int64         `json:"dayAnchorUTC"`
	TodaysTrades  []tradeRecord `json:"todaysTrades"`
	TargetPercent float64       `json:"targetPercent"`
	Capital       float64       `json:"capital"`
}

type tradeRecord struct {
	PnL       float64 `json:"pnl"`
	Timestamp int64   `json:"timestamp"`
}

// MarshalState serializes the tracker. Timestamps are Unix milliseconds.
func (t *Tracker) MarshalState() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := trackerState{
		DayAnchorUTC:  t.dayAnchor.UnixMilli(),
		TodaysTrades:  make([]tradeRecord, 0, len(t.trades)),
		TargetPercent: t.targetPercent,
		Capital:       t.capital,
	}
	for _, tr := range t.trades {
		st.TodaysTrades = append(st.TodaysTrades, tradeRecord{PnL: tr.PnL, Timestamp: tr.Timestamp.UnixMilli()})
	}
	return json.Marshal(st)
}

// Restore rebuilds a tracker from MarshalState output. State anchored to an
// earlier UTC day is discarded, never merged; stale reports when that happened.
func Restore(data []byte, now time.Time) (tracker *Tracker, stale bool, err error) {
	var st trackerState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false, fmt.Errorf("decode tracker state: %w", err)
	}
	tracker = &Tracker{
		capital:       st.Capital,
		targetPercent: st.TargetPercent,
		dayAnchor:     DayStart(now),
	}
	anchor := time.UnixMilli(st.DayAnchorUTC).UTC()
	if !anchor.Equal(tracker.dayAnchor) {
		return tracker, true, nil
	}
	for _, r := range st.TodaysTrades {
		tracker.trades = append(tracker.trades, TradeEntry{PnL: r.PnL, Timestamp: time.UnixMilli(r.Timestamp).UTC()})
	}
	return tracker, false, nil
}
