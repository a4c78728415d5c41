package pricing

import (
	"math"
	"math/rand"
	"time"

	"bot_simulator/internal/models"
)

const (
	DefaultMaxDeviationPct = 0.02
	MinDeviationPct        = 0.005
	MaxDeviationPct        = 0.1

	baseExpectedDuration = 60 * time.Second
	smallTargetPct       = 0.2
	loserBias            = 1.2

	// SafetyCeiling closes any position regardless of outcome.
	SafetyCeiling = 2 * time.Minute
)

// Nudger turns an external reference price into the controlled price a
// position sees. The result never leaves the ±MaxDeviation band around the
// reference.
type Nudger struct {
	maxDeviationPct float64
	rng             *rand.Rand
}

// NewNudger clamps maxDeviationPct into [0.005, 0.1] percent.
func NewNudger(maxDeviationPct float64, rng *rand.Rand) *Nudger {
	if maxDeviationPct <= 0 {
		maxDeviationPct = DefaultMaxDeviationPct
	}
	return &Nudger{
		maxDeviationPct: math.Max(MinDeviationPct, math.Min(MaxDeviationPct, maxDeviationPct)),
		rng:             rng,
	}
}

func (n *Nudger) MaxDeviationPct() float64 { return n.maxDeviationPct }

// ExpectedDuration is how long a position is expected to live before reaching
// its planned outcome. Small targets resolve faster.
func ExpectedDuration(p *models.Position) time.Duration {
	magnitude := p.TargetPnLPct
	if !p.ShouldWin {
		magnitude = -p.StopLossPnLPct
	}
	if math.Abs(magnitude) < smallTargetPct {
		return baseExpectedDuration / 2
	}
	return baseExpectedDuration
}

// AdjustedPrice biases ref toward the position's planned outcome in
// proportion to elapsed/expected lifetime. Losers are pushed 1.2x harder.
func (n *Nudger) AdjustedPrice(ref float64, p *models.Position, now time.Time) float64 {
	if ref <= 0 {
		return ref
	}
	progress := float64(p.Age(now)) / float64(ExpectedDuration(p))
	progress = math.Max(0, math.Min(1, progress))

	// direction in price space that moves P&L toward the planned outcome
	direction := p.Side.Sign()
	strength := progress
	if !p.ShouldWin {
		direction = -direction
		strength = math.Min(1, progress*loserBias)
	}

	bias := direction * strength
	noise := (n.rng.Float64()*2 - 1) * (1 - strength)
	offset := math.Max(-1, math.Min(1, bias+noise)) * n.maxDeviationPct

	return ref * (1 + offset/100)
}

// ShouldClose reports whether the position reached its planned level or
// outlived the safety ceiling. The ceiling always wins.
func ShouldClose(p *models.Position, now time.Time) bool {
	if p.Age(now) > SafetyCeiling {
		return true
	}
	if p.ShouldWin {
		return p.PLPercent >= p.TargetPnLPct
	}
	return p.PLPercent <= p.StopLossPnLPct
}

// CloseReason labels why ShouldClose fired.
func CloseReason(p *models.Position, now time.Time) string {
	switch {
	case p.ShouldWin && p.PLPercent >= p.TargetPnLPct:
		return "TP"
	case !p.ShouldWin && p.PLPercent <= p.StopLossPnLPct:
		return "SL"
	case p.Age(now) > SafetyCeiling:
		return "TIMEOUT"
	default:
		return ""
	}
}

// LevelPrice is the price at which p shows pnlPct percent P&L on margin.
func LevelPrice(p *models.Position, pnlPct float64) float64 {
	lev := p.Leverage
	if lev <= 0 {
		lev = 1
	}
	return p.EntryPrice * (1 + pnlPct/100/lev*p.Side.Sign())
}

// FillPrice is where a decided close executes. Take-profit and stop-loss
// fill at their trigger level like resting orders; every other close takes
// the current price.
func FillPrice(p *models.Position) float64 {
	switch p.CloseReason {
	case "TP":
		return LevelPrice(p, p.TargetPnLPct)
	case "SL":
		return LevelPrice(p, p.StopLossPnLPct)
	}
	return p.CurrentPrice
}
