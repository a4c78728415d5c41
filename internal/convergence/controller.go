// Package convergence steers a bot's day toward its P&L target.
//
// Every decision is a step function over daily progress (realized P&L as a
// percent of target). Each step is spread linearly across a zone of
// ±SmoothingZone percentage points so no multiplier ever jumps. All layers are
// evaluated at every decision; ActiveLayer only reports the dominant one.
package convergence

import (
	"math"
	"math/rand"

	"bot_simulator/internal/models"
)

// Layer names reported by ActiveLayer.
const (
	LayerBaseline      = "baseline"
	LayerFrequency     = "frequency"
	LayerTPSL          = "tp_sl"
	LayerSize          = "size_reduction"
	LayerEarlyExit     = "early_exit"
	LayerThrottle      = "throttle"
	LayerEmergency     = "emergency"
	LayerMicroSteering = "micro_steering"
)

type Config struct {
	SmoothingZone float64 // percentage points either side of a boundary

	EmergencyTrades     int     // trades remaining at or below which emergency mode may engage
	EmergencyProgress   float64 // progress below which emergency mode engages
	ThrottleProgress    float64
	ThrottleProbability float64
	LowVolumeTrades     int     // fewer trades remaining pins the early frequency
	MicroSteeringTrades int     // final trades of the day eligible for micro-steering
	MicroSteeringBand   float64 // |progress-100| must exceed this
	MicroSteeringCapPct float64 // hard per-trade ceiling, percent of capital
	UnreachableNudgePct float64 // a required nudge above this means the day is lost
}

func DefaultConfig() Config {
	return Config{
		SmoothingZone:       5,
		EmergencyTrades:     50,
		EmergencyProgress:   80,
		ThrottleProgress:    130,
		ThrottleProbability: 0.7,
		LowVolumeTrades:     100,
		MicroSteeringTrades: 10,
		MicroSteeringBand:   10,
		MicroSteeringCapPct: 0.08,
		UnreachableNudgePct: 1.0,
	}
}

var (
	sizeCurve = curve{base: 1.0, steps: []step{{100, 0.5}, {120, 0.2}}}
	tpCurve   = curve{base: 1.0, steps: []step{{80, 0.7}, {100, 0.4}, {120, 0.2}}}
	slCurve   = curve{base: 1.0, steps: []step{{80, 1.1}, {100, 1.3}, {120, 1.5}}}
	exitCurve = curve{base: 0, steps: []step{{120, 0.3}, {140, 0.5}}}
)

func frequencyCurve(lowVolume bool) curve {
	base := 0.9
	if lowVolume {
		base = 0.6
	}
	return curve{base: base, steps: []step{{30, 0.7}, {80, 0.6}, {120, 0.4}, {130, 0.2}}}
}

// Controller holds one bot's convergence policy. It carries no day state;
// every call takes fresh metrics.
type Controller struct {
	cfg Config
	rng *rand.Rand
}

func New(cfg Config, rng *rand.Rand) *Controller {
	if cfg.SmoothingZone < 0 {
		cfg.SmoothingZone = 0
	}
	if cfg.MicroSteeringCapPct <= 0 || cfg.MicroSteeringCapPct > 0.08 {
		cfg.MicroSteeringCapPct = 0.08
	}
	return &Controller{cfg: cfg, rng: rng}
}

func (c *Controller) Config() Config { return c.cfg }

// Metrics derives ConvergenceMetrics from today's progress. Remaining trades
// are the smaller of the unused daily quota and the quota share of the day
// still ahead.
func (c *Controller) Metrics(dp models.DailyProgress, tradesPerDay int, capital float64) models.ConvergenceMetrics {
	completed := dp.TradesToday
	byQuota := tradesPerDay - completed
	byClock := int(math.Ceil(float64(tradesPerDay) * (1 - dp.PercentComplete/100)))
	remaining := max(0, min(byQuota, byClock))

	m := models.ConvergenceMetrics{
		DailyProgressPercent: dp.PercentTarget,
		TradesCompleted:      completed,
		TradesRemaining:      remaining,
		CurrentPnL:           dp.CurrentPnL,
		TargetPnL:            dp.TargetPnL,
		Capital:              capital,
	}
	m.EmergencyMode = remaining <= c.cfg.EmergencyTrades && m.DailyProgressPercent < c.cfg.EmergencyProgress
	m.MicroSteeringActive = c.microActive(m)
	return m
}

// PositionSizeMultiplier: 1.0 below 100% progress, 0.5 up to 120%, then 0.2.
func (c *Controller) PositionSizeMultiplier(m models.ConvergenceMetrics) float64 {
	return sizeCurve.eval(m.DailyProgressPercent, c.cfg.SmoothingZone)
}

// EntryThreshold is the probability that an entry must match the trend. It is
// 1 except in emergency mode, where it falls to 0 once progress is clear of
// the emergency boundary.
func (c *Controller) EntryThreshold(m models.ConvergenceMetrics) float64 {
	if m.TradesRemaining > c.cfg.EmergencyTrades {
		return 1
	}
	return ramp(m.DailyProgressPercent, c.cfg.EmergencyProgress, c.cfg.SmoothingZone)
}

// ThrottleProbability is the chance a trend-matching entry is skipped anyway.
func (c *Controller) ThrottleProbability(m models.ConvergenceMetrics) float64 {
	return c.cfg.ThrottleProbability * ramp(m.DailyProgressPercent, c.cfg.ThrottleProgress, c.cfg.SmoothingZone)
}

// AllowEntry applies the entry gate to a candidate whose trend match is
// already known.
func (c *Controller) AllowEntry(m models.ConvergenceMetrics, trendMatches bool) bool {
	if !trendMatches && c.rng.Float64() < c.EntryThreshold(m) {
		return false
	}
	if trendMatches && c.rng.Float64() < c.ThrottleProbability(m) {
		return false
	}
	return true
}

// TPSLMultipliers returns the take-profit and stop-loss width multipliers.
// TP narrows and SL widens as progress passes 80, 100 and 120%.
func (c *Controller) TPSLMultipliers(m models.ConvergenceMetrics) (tp, sl float64) {
	p := m.DailyProgressPercent
	return tpCurve.eval(p, c.cfg.SmoothingZone), slCurve.eval(p, c.cfg.SmoothingZone)
}

func (c *Controller) EarlyExitProbability(m models.ConvergenceMetrics) float64 {
	return exitCurve.eval(m.DailyProgressPercent, c.cfg.SmoothingZone)
}

// ShouldExitEarly only ever cuts intended winners that are already in profit.
func (c *Controller) ShouldExitEarly(m models.ConvergenceMetrics, p *models.Position) bool {
	if !p.ShouldWin || p.UnrealizedPL <= 0 {
		return false
	}
	prob := c.EarlyExitProbability(m)
	return prob > 0 && c.rng.Float64() < prob
}

func (c *Controller) OpenFrequencyMultiplier(m models.ConvergenceMetrics) float64 {
	lowVolume := m.TradesRemaining < c.cfg.LowVolumeTrades
	return frequencyCurve(lowVolume).eval(m.DailyProgressPercent, c.cfg.SmoothingZone)
}

// Steering is the micro-steering verdict for the next trade.
type Steering struct {
	Active bool
	// NudgePct is added to the trade's P&L, percent of capital. Never beyond
	// the configured cap.
	NudgePct    float64
	RequiredPct float64
	Unreachable bool
}

func (c *Controller) microActive(m models.ConvergenceMetrics) bool {
	return m.TradesRemaining > 0 &&
		m.TradesRemaining <= c.cfg.MicroSteeringTrades &&
		math.Abs(m.DailyProgressPercent-100) > c.cfg.MicroSteeringBand
}

// MicroSteering spreads the remaining gap to target over the trades left in
// the day. A requirement above UnreachableNudgePct is reported as
// unreachable; the nudge stays capped either way.
func (c *Controller) MicroSteering(m models.ConvergenceMetrics) Steering {
	if !c.microActive(m) || m.Capital <= 0 {
		return Steering{}
	}
	required := (m.TargetPnL - m.CurrentPnL) / float64(m.TradesRemaining) / m.Capital * 100
	if math.IsNaN(required) {
		return Steering{}
	}
	limit := c.cfg.MicroSteeringCapPct
	return Steering{
		Active:      true,
		NudgePct:    math.Max(-limit, math.Min(limit, required)),
		RequiredPct: required,
		Unreachable: math.Abs(required) > c.cfg.UnreachableNudgePct,
	}
}

// ActiveLayer names the layer currently dominating behavior.
func (c *Controller) ActiveLayer(m models.ConvergenceMetrics) string {
	p := m.DailyProgressPercent
	switch {
	case c.microActive(m):
		return LayerMicroSteering
	case m.EmergencyMode:
		return LayerEmergency
	case p >= c.cfg.ThrottleProgress:
		return LayerThrottle
	case p >= 120:
		return LayerEarlyExit
	case p >= 100:
		return LayerSize
	case p >= 80:
		return LayerTPSL
	case p >= 30:
		return LayerFrequency
	default:
		return LayerBaseline
	}
}
