package exchange

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bot_simulator/config"
	"bot_simulator/internal/models"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPositionNotFound    = errors.New("position not found")
)

// OpenRequest describes a paper position to open at Price.
type OpenRequest struct {
	Symbol         string
	Side           models.Side
	Price          float64
	Size           float64 // margin
	Leverage       float64
	ShouldWin      bool
	TargetPnLPct   float64
	StopLossPnLPct float64
	At             time.Time
}

// Emulator is a paper trading account. It never talks to an exchange: prices
// are supplied by the caller.
type Emulator struct {
	mu        sync.RWMutex
	balance   float64
	positions []*models.Position // in open order
	friction  *config.Friction
}

func NewEmulator(initialBalance float64, friction *config.Friction) *Emulator {
	return &Emulator{balance: initialBalance, friction: friction}
}

func (e *Emulator) Open(req OpenRequest) (*models.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.Price <= 0 {
		return nil, fmt.Errorf("no price for %s", req.Symbol)
	}
	if e.balance < req.Size {
		return nil, fmt.Errorf("%w: %.2f USDT", ErrInsufficientBalance, e.balance)
	}
	e.balance -= req.Size

	position := &models.Position{
		ID:             uuid.NewString(),
		Symbol:         req.Symbol,
		Side:           req.Side,
		Leverage:       req.Leverage,
		PositionSize:   req.Size,
		EntryPrice:     req.Price,
		CurrentPrice:   req.Price,
		ShouldWin:      req.ShouldWin,
		TargetPnLPct:   req.TargetPnLPct,
		StopLossPnLPct: req.StopLossPnLPct,
		OpenTime:       req.At,
	}
	e.positions = append(e.positions, position)
	return position, nil
}

// Close realizes position at price. Friction, when modeled, is charged on
// the leveraged notional and itemized on the trade.
func (e *Emulator) Close(id string, price float64, reason string, at time.Time) (*models.Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := -1
	for i, p := range e.positions {
		if p.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	position := e.positions[idx]
	e.positions = append(e.positions[:idx], e.positions[idx+1:]...)

	position.Reprice(price)
	pl := decimal.NewFromFloat(position.UnrealizedPL)

	trade := &models.Trade{
		ID:           position.ID,
		Symbol:       position.Symbol,
		Side:         position.Side,
		Leverage:     position.Leverage,
		PositionSize: position.PositionSize,
		EntryPrice:   position.EntryPrice,
		ExitPrice:    price,
		OpenTime:     position.OpenTime,
		CloseTime:    at,
		Duration:     at.Sub(position.OpenTime),
		CloseReason:  reason,
	}
	if f := e.friction; f != nil {
		fb := FrictionCost(*f, position.PositionSize*position.Leverage)
		trade.Friction = &fb
		pl = pl.Sub(decimal.NewFromFloat(fb.Total()))
	}

	trade.RealizedPL = pl.Round(4).InexactFloat64()
	if position.PositionSize > 0 {
		trade.PLPercent = pl.Div(decimal.NewFromFloat(position.PositionSize)).Mul(decimal.NewFromInt(100)).Round(4).InexactFloat64()
	}
	e.balance += position.PositionSize + trade.RealizedPL
	return trade, nil
}

// FrictionCost itemizes f on notional in USDT, rounded to 1/10000.
func FrictionCost(f config.Friction, notional float64) models.FrictionBreakdown {
	n := decimal.NewFromFloat(notional)
	hundred := decimal.NewFromInt(100)
	cost := func(pct float64) float64 {
		return n.Mul(decimal.NewFromFloat(pct)).Div(hundred).Round(4).InexactFloat64()
	}
	return models.FrictionBreakdown{
		Slippage:   cost(f.Slippage),
		Spread:     cost(f.Spread),
		Funding:    cost(f.Funding),
		Commission: cost(f.Commission),
	}
}

func (e *Emulator) Balance() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balance
}

// Positions returns the open positions in open order. The pointers are live;
// only the owning bot mutates them.
func (e *Emulator) Positions() []*models.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*models.Position, len(e.positions))
	copy(out, e.positions)
	return out
}

func (e *Emulator) OpenCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.positions)
}
