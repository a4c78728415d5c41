package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidProfile is returned when a BotProfile breaks one of its invariants.
// The bot owning such a profile is never started.
var ErrInvalidProfile = errors.New("invalid bot profile")

// Range is an inclusive [Min, Max] interval.
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

func (r Range) Mid() float64 { return (r.Min + r.Max) / 2 }

// Friction is expressed in percent of position notional, per trade.
type Friction struct {
	Slippage   float64 `json:"slippage" yaml:"slippage"`
	Spread     float64 `json:"spread" yaml:"spread"`
	Funding    float64 `json:"funding" yaml:"funding"`
	Commission float64 `json:"commission" yaml:"commission"`
}

func (f Friction) TotalPct() float64 {
	return f.Slippage + f.Spread + f.Funding + f.Commission
}

// Variance controls the tight/wide regime mix of the forecast simulator.
type Variance struct {
	TightShare      float64 `json:"tight_share" yaml:"tight_share"`
	TightMultiplier float64 `json:"tight_multiplier" yaml:"tight_multiplier"`
	WideMultiplier  float64 `json:"wide_multiplier" yaml:"wide_multiplier"`
}

// BotProfile is the operator-owned trading profile of one bot. It is
// immutable for the lifetime of a bot session; edits replace it.
type BotProfile struct {
	WinRate          float64   `json:"win_rate" yaml:"win_rate"`
	WinPnL           Range     `json:"win_pnl" yaml:"win_pnl"`   // percent of margin
	LossPnL          Range     `json:"loss_pnl" yaml:"loss_pnl"` // positive magnitudes, percent of margin
	PositionSize     Range     `json:"position_size" yaml:"position_size"`
	Leverage         Range     `json:"leverage" yaml:"leverage"`
	TradesPerDay     int       `json:"trades_per_day" yaml:"trades_per_day"`
	DailyTargetPct   float64   `json:"daily_target_pct" yaml:"daily_target_pct"`
	Capital          float64   `json:"capital" yaml:"capital"`
	Pairs            []string  `json:"pairs" yaml:"pairs"`
	MaxOpenPositions int       `json:"max_open_positions" yaml:"max_open_positions"`
	Friction         *Friction `json:"friction,omitempty" yaml:"friction,omitempty"`
	Variance         *Variance `json:"variance,omitempty" yaml:"variance,omitempty"`
}

// Validate checks every invariant and reports the first violation wrapped in
// ErrInvalidProfile.
func (p BotProfile) Validate() error {
	if p.WinRate <= 0 || p.WinRate >= 1 {
		return fmt.Errorf("%w: win_rate %.4f must be in (0,1)", ErrInvalidProfile, p.WinRate)
	}
	ranges := []struct {
		name string
		r    Range
	}{
		{"win_pnl", p.WinPnL},
		{"loss_pnl", p.LossPnL},
		{"position_size", p.PositionSize},
		{"leverage", p.Leverage},
	}
	for _, rg := range ranges {
		if rg.r.Min > rg.r.Max {
			return fmt.Errorf("%w: %s min %.4f > max %.4f", ErrInvalidProfile, rg.name, rg.r.Min, rg.r.Max)
		}
		if rg.r.Min <= 0 {
			return fmt.Errorf("%w: %s min must be positive", ErrInvalidProfile, rg.name)
		}
	}
	if p.Leverage.Min < 1 {
		return fmt.Errorf("%w: leverage below 1x", ErrInvalidProfile)
	}
	if p.TradesPerDay <= 0 {
		return fmt.Errorf("%w: trades_per_day must be positive", ErrInvalidProfile)
	}
	if p.DailyTargetPct <= 0 {
		return fmt.Errorf("%w: daily_target_pct must be positive", ErrInvalidProfile)
	}
	if p.Capital <= 0 {
		return fmt.Errorf("%w: capital must be positive", ErrInvalidProfile)
	}
	if p.MaxOpenPositions < 0 {
		return fmt.Errorf("%w: max_open_positions is negative", ErrInvalidProfile)
	}
	if f := p.Friction; f != nil {
		if f.Slippage < 0 || f.Spread < 0 || f.Funding < 0 || f.Commission < 0 {
			return fmt.Errorf("%w: friction components must be non-negative", ErrInvalidProfile)
		}
	}
	if v := p.Variance; v != nil {
		if v.TightShare < 0 || v.TightShare > 1 {
			return fmt.Errorf("%w: variance tight_share must be in [0,1]", ErrInvalidProfile)
		}
		if v.TightMultiplier < 0 || v.WideMultiplier < 0 {
			return fmt.Errorf("%w: variance multipliers must be non-negative", ErrInvalidProfile)
		}
	}
	return nil
}

// AvgLeverage is the midpoint of the leverage range.
func (p BotProfile) AvgLeverage() float64 { return p.Leverage.Mid() }

// TargetPnL is the day's target in quote currency.
func (p BotProfile) TargetPnL() float64 { return p.Capital * p.DailyTargetPct / 100 }

// BotSpec is one entry of the bots file.
type BotSpec struct {
	ID      string     `yaml:"id"`
	Name    string     `yaml:"name"`
	Start   bool       `yaml:"start"`
	Profile BotProfile `yaml:"profile"`
}

type botsFile struct {
	Bots []BotSpec `yaml:"bots"`
}

// LoadBots reads the bots file. Profiles are not validated here; the engine
// rejects invalid ones when the bot is created.
func LoadBots(path string) ([]BotSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bots file: %w", err)
	}
	var f botsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse bots file %s: %w", path, err)
	}
	return f.Bots, nil
}
