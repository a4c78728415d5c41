package models

import "time"

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Sign is +1 for LONG and -1 for SHORT.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Position represents an open simulated position
type Position struct {
	ID             string
	Symbol         string
	Side           Side
	Leverage       float64
	PositionSize   float64 // margin in USDT
	EntryPrice     float64
	CurrentPrice   float64
	ShouldWin      bool
	TargetPnLPct   float64 // positive, percent of margin
	StopLossPnLPct float64 // negative, percent of margin
	OpenTime       time.Time
	ScheduledClose time.Time // zero until the closure scheduler has decided
	CloseApproved  bool
	CloseReason    string  // set once a close is decided
	ExitPrice      float64 // locked when the close is decided
	UnrealizedPL   float64
	PLPercent      float64
}

// Reprice moves the position to price and refreshes unrealized P&L.
func (p *Position) Reprice(price float64) {
	p.CurrentPrice = price
	if p.EntryPrice <= 0 {
		return
	}
	p.PLPercent = (price - p.EntryPrice) / p.EntryPrice * p.Side.Sign() * p.Leverage * 100
	p.UnrealizedPL = p.PositionSize * p.PLPercent / 100
}

// Age is how long the position has been open at now.
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenTime)
}

// FrictionBreakdown itemizes modeled trading costs in USDT.
type FrictionBreakdown struct {
	Slippage   float64 `json:"slippage"`
	Spread     float64 `json:"spread"`
	Funding    float64 `json:"funding"`
	Commission float64 `json:"commission"`
}

func (f FrictionBreakdown) Total() float64 {
	return f.Slippage + f.Spread + f.Funding + f.Commission
}

// Trade represents a closed position. Never mutated after creation.
type Trade struct {
	ID           string             `json:"id"`
	Symbol       string             `json:"symbol"`
	Side         Side               `json:"side"`
	Leverage     float64            `json:"leverage"`
	PositionSize float64            `json:"position_size"`
	EntryPrice   float64            `json:"entry_price"`
	ExitPrice    float64            `json:"exit_price"`
	RealizedPL   float64            `json:"realized_pl"`
	PLPercent    float64            `json:"pl_percent"`
	OpenTime     time.Time          `json:"open_time"`
	CloseTime    time.Time          `json:"close_time"`
	Duration     time.Duration      `json:"duration"`
	CloseReason  string             `json:"close_reason"` // "TP", "SL", "EARLY", "TIMEOUT", "MANUAL"
	Friction     *FrictionBreakdown `json:"friction,omitempty"`
}

// ClosureEvent is one entry of the closure scheduler history. A timestamp in
// the future is a reserved slot for an approved, not yet executed closure.
type ClosureEvent struct {
	PositionID string    `json:"positionId"`
	Timestamp  time.Time `json:"-"`
	PnL        float64   `json:"pnl"`
}

// ConvergenceMetrics is recomputed at every decision point.
type ConvergenceMetrics struct {
	DailyProgressPercent float64
	TradesCompleted      int
	TradesRemaining      int
	CurrentPnL           float64
	TargetPnL            float64
	Capital              float64
	EmergencyMode        bool
	MicroSteeringActive  bool
}

type ProgressStatus string

const (
	StatusAhead     ProgressStatus = "ahead"
	StatusOnTrack   ProgressStatus = "on_track"
	StatusBehind    ProgressStatus = "behind"
	StatusCompleted ProgressStatus = "completed"
)

// DailyProgress is a read-only view of the daily tracker.
type DailyProgress struct {
	TargetPnL       float64        `json:"target_pnl"`
	CurrentPnL      float64        `json:"current_pnl"`
	PercentComplete float64        `json:"percent_complete"` // of the UTC day elapsed
	PercentTarget   float64        `json:"percent_target"`   // of target achieved
	Status          ProgressStatus `json:"status"`
	Recommendation  string         `json:"recommendation"`
	TradesToday     int            `json:"trades_today"`
}

// TradeAdjustment is the pacing hint derived from DailyProgress.
type TradeAdjustment struct {
	ShouldTrade         bool
	FrequencyMultiplier float64
	SizeMultiplier      float64
}

// BotStats represents the per-bot read model polled by the UI
type BotStats struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Running          bool    `json:"running"`
	TotalPL          float64 `json:"total_pl"`
	TodayPL          float64 `json:"today_pl"`
	WinRate          float64 `json:"win_rate"`
	OpenPositions    int     `json:"open_positions"`
	TotalTrades      int     `json:"total_trades"`
	ProfitableTrades int     `json:"profitable_trades"`
	LosingTrades     int     `json:"losing_trades"`
	AvgProfit        float64 `json:"avg_profit"`
	AvgLoss          float64 `json:"avg_loss"`
	ActiveLayer      string  `json:"active_layer"`
}

type ProbabilityLabel string

const (
	ProbabilityHigh     ProbabilityLabel = "High"
	ProbabilityMedium   ProbabilityLabel = "Medium"
	ProbabilityLow      ProbabilityLabel = "Low"
	ProbabilityNegative ProbabilityLabel = "Negative"
)

// RiskMetricsPreview is the forecast shown while a profile is being edited.
type RiskMetricsPreview struct {
	EffectiveWinRate    float64          `json:"effective_win_rate"`
	AvgWinPct           float64          `json:"avg_win_pct"`
	AvgLossPct          float64          `json:"avg_loss_pct"`
	ExpectedNetPnLPct   float64          `json:"expected_net_pnl_pct"` // per trade, percent of capital
	RiskReward          float64          `json:"risk_reward"`
	ExpectedDailyPnLPct float64          `json:"expected_daily_pnl_pct"`
	ExpectedDailyPnL    float64          `json:"expected_daily_pnl"`
	TargetDeviation     float64          `json:"target_deviation"` // relative, 0.1 = 10%
	Probability         ProbabilityLabel `json:"probability"`
}
