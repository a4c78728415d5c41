// Package preset compiles a declarative BotProfile into a per-trade sampler
// and forecasts the profile's expected daily performance.
package preset

import (
	"math"
	"math/rand"

	"bot_simulator/config"
)

// unreachableFactor places the level the position is NOT meant to hit well
// outside the opposite range.
const unreachableFactor = 2.0

// TradePlan is the sampled intent of one trade before any convergence
// multiplier is applied.
type TradePlan struct {
	ShouldWin      bool
	TargetPnLPct   float64 // positive
	StopLossPnLPct float64 // negative
	Size           float64
	Leverage       float64
}

// OutcomePct is the P&L percent the plan resolves to.
func (p TradePlan) OutcomePct() float64 {
	if p.ShouldWin {
		return p.TargetPnLPct
	}
	return p.StopLossPnLPct
}

// Sampler draws trade plans for a validated profile.
type Sampler struct {
	profile config.BotProfile
}

// Compile validates the profile and returns its sampler.
func Compile(profile config.BotProfile) (*Sampler, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &Sampler{profile: profile}, nil
}

func (s *Sampler) Profile() config.BotProfile { return s.profile }

// Next samples a win/loss at the configured win rate. A winner's stop sits
// beyond the loss range so it is never hit; a loser's target sits beyond the
// win range.
func (s *Sampler) Next(rng *rand.Rand) TradePlan {
	p := s.profile
	plan := TradePlan{
		ShouldWin: rng.Float64() < p.WinRate,
		Size:      uniform(rng, p.PositionSize),
		Leverage:  math.Max(p.Leverage.Min, math.Min(p.Leverage.Max, math.Round(uniform(rng, p.Leverage)))),
	}
	if plan.ShouldWin {
		plan.TargetPnLPct = uniform(rng, p.WinPnL)
		plan.StopLossPnLPct = -p.LossPnL.Max * unreachableFactor
	} else {
		plan.StopLossPnLPct = -uniform(rng, p.LossPnL)
		plan.TargetPnLPct = p.WinPnL.Max * unreachableFactor
	}
	return plan
}

func uniform(rng *rand.Rand, r config.Range) float64 {
	return r.Min + rng.Float64()*(r.Max-r.Min)
}
