package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bot_simulator/config"
	"bot_simulator/internal/closure"
	"bot_simulator/internal/convergence"
	"bot_simulator/internal/events"
	"bot_simulator/internal/exchange"
	"bot_simulator/internal/models"
	"bot_simulator/internal/preset"
	"bot_simulator/internal/pricing"
	"bot_simulator/internal/progress"
	"bot_simulator/internal/storage"
)

const (
	defaultMaxOpen  = 3
	maxTradeHistory = 5000
	minTargetPct    = 0.01
	bandReach       = 0.95
)

// PriceSource yields the latest reference price of a symbol.
type PriceSource interface {
	Price(symbol string) (float64, bool)
}

// TrendSource answers whether a side agrees with the symbol's current trend.
type TrendSource interface {
	DoesTrendMatch(symbol string, side models.Side) bool
}

// PriceModel decides the price an open position sees for a reference price.
type PriceModel func(ref float64, p *models.Position, now time.Time) float64

// Options wires one bot. Zero values fall back to live defaults.
type Options struct {
	ID      string
	Name    string
	Profile config.BotProfile

	Prices PriceSource
	Trends TrendSource
	Store  storage.Store
	Sink   events.Sink
	Rand   *rand.Rand
	Now    func() time.Time

	TickInterval      time.Duration
	Closure           closure.Config
	Convergence       convergence.Config
	PriceDeviationPct float64

	// Settle overrides the nudged price model. Tests only.
	Settle PriceModel
}

// Bot runs one simulated account toward its daily target.
type Bot struct {
	id      string
	name    string
	profile config.BotProfile

	sampler    *preset.Sampler
	tracker    *progress.Tracker
	scheduler  *closure.Scheduler
	controller *convergence.Controller
	nudger     *pricing.Nudger
	account    *exchange.Emulator
	settle     PriceModel

	prices PriceSource
	trends TrendSource
	store  storage.Store
	sink   events.Sink
	rng    *rand.Rand
	now    func() time.Time

	tickInterval time.Duration

	mu        sync.RWMutex
	trades    []*models.Trade
	isRunning bool
	stopChan  chan struct{}
	nextOpen  time.Time
	layer     string
	day       time.Time
	reached   bool // TargetReached emitted for day
	missed    bool // TargetMissed emitted for day
	last      models.DailyProgress
}

// NewBot compiles the profile and restores any persisted state. Tracker state
// from an earlier UTC day is discarded and reported.
func NewBot(opts Options) (*Bot, error) {
	sampler, err := preset.Compile(opts.Profile)
	if err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(opts.Now().UnixNano()))
	}
	if opts.Sink == nil {
		opts.Sink = events.Discard
	}
	if opts.Store == nil {
		opts.Store = storage.NewMemoryStore()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 2 * time.Second
	}
	if opts.Closure == (closure.Config{}) {
		opts.Closure = closure.DefaultConfig()
	}
	if opts.Convergence == (convergence.Config{}) {
		opts.Convergence = convergence.DefaultConfig()
	}
	if opts.Name == "" {
		opts.Name = opts.ID
	}

	now := opts.Now()
	b := &Bot{
		id:           opts.ID,
		name:         opts.Name,
		profile:      opts.Profile,
		sampler:      sampler,
		controller:   convergence.New(opts.Convergence, opts.Rand),
		nudger:       pricing.NewNudger(opts.PriceDeviationPct, opts.Rand),
		account:      exchange.NewEmulator(opts.Profile.Capital, opts.Profile.Friction),
		prices:       opts.Prices,
		trends:       opts.Trends,
		store:        opts.Store,
		sink:         opts.Sink,
		rng:          opts.Rand,
		now:          opts.Now,
		tickInterval: opts.TickInterval,
		stopChan:     make(chan struct{}),
	}
	b.settle = opts.Settle
	if b.settle == nil {
		b.settle = b.nudger.AdjustedPrice
	}
	b.restore(opts.Closure, now)
	b.day = progress.DayStart(now)
	// a restart must not announce today's target a second time
	b.last = b.tracker.Progress(now)
	b.reached = b.last.Status == models.StatusCompleted
	return b, nil
}

func (b *Bot) restore(cc closure.Config, now time.Time) {
	p := b.profile

	b.tracker = progress.NewTracker(p.Capital, p.DailyTargetPct, now)
	if data, err := b.store.Load(b.id, storage.KeyTracker); err != nil {
		b.storageError("load tracker", err)
	} else if data != nil {
		t, stale, err := progress.Restore(data, now)
		switch {
		case err != nil:
			b.emit(events.Event{Kind: events.StateDiscarded, Time: now, Message: "tracker state unreadable", Err: err})
		case stale:
			b.emit(events.Event{Kind: events.StateDiscarded, Time: now, Message: "tracker state from a previous UTC day"})
		default:
			t.Retarget(p.Capital, p.DailyTargetPct)
			b.tracker = t
		}
	}

	b.scheduler = closure.New(cc, b.rng)
	if data, err := b.store.Load(b.id, storage.KeyScheduler); err != nil {
		b.storageError("load scheduler", err)
	} else if data != nil {
		s, err := closure.Restore(data, cc, b.rng, now)
		if err != nil {
			b.emit(events.Event{Kind: events.StateDiscarded, Time: now, Message: "scheduler state unreadable", Err: err})
		} else {
			b.scheduler = s
		}
	}

	if data, err := b.store.Load(b.id, storage.KeyTrades); err != nil {
		b.storageError("load trades", err)
	} else if data != nil {
		var trades []*models.Trade
		if err := json.Unmarshal(data, &trades); err != nil {
			b.emit(events.Event{Kind: events.StateDiscarded, Time: now, Message: "trade history unreadable", Err: err})
		} else {
			b.trades = trades
		}
	}
}

func (b *Bot) ID() string   { return b.id }
func (b *Bot) Name() string { return b.name }

func (b *Bot) Profile() config.BotProfile { return b.profile }

func (b *Bot) Start() {
	b.mu.Lock()
	if b.isRunning {
		b.mu.Unlock()
		return
	}
	b.isRunning = true
	b.stopChan = make(chan struct{})
	stop := b.stopChan
	b.mu.Unlock()

	b.emit(events.Event{Kind: events.BotStarted, Time: b.now()})
	go b.run(stop)
}

func (b *Bot) Stop() {
	b.mu.Lock()
	if !b.isRunning {
		b.mu.Unlock()
		return
	}
	b.isRunning = false
	close(b.stopChan)
	b.mu.Unlock()

	b.emit(events.Event{Kind: events.BotStopped, Time: b.now()})
}

func (b *Bot) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.isRunning
}

func (b *Bot) run(stop <-chan struct{}) {
	ticker := time.NewTicker(b.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Tick(b.now())
		case <-stop:
			return
		}
	}
}

// Tick advances the bot to now: reprices and closes positions through the
// closure scheduler, then considers one new entry.
func (b *Bot) Tick(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollover(now)

	dp := b.tracker.Progress(now)
	m := b.controller.Metrics(dp, b.profile.TradesPerDay, b.profile.Capital)
	if layer := b.controller.ActiveLayer(m); layer != b.layer {
		b.layer = layer
		b.emit(events.Event{Kind: events.LayerChanged, Time: now, Layer: layer, Value: m.DailyProgressPercent})
	}

	missing := make(map[string]bool)
	for _, p := range b.account.Positions() {
		b.checkPosition(p, m, now, missing)
	}

	b.maybeOpen(now, missing)
	b.last = b.tracker.Progress(now)
}

// rollover reports the previous day as missed when it ended short of target.
func (b *Bot) rollover(now time.Time) {
	day := progress.DayStart(now)
	if !day.After(b.day) {
		return
	}
	if !b.reached && !b.missed && b.last.TargetPnL > 0 && b.last.CurrentPnL < b.last.TargetPnL {
		last := b.last
		b.emit(events.Event{Kind: events.TargetMissed, Time: now, Progress: &last,
			Message: fmt.Sprintf("day %s closed at %.2f of %.2f", b.day.Format("2006-01-02"), last.CurrentPnL, last.TargetPnL)})
	}
	b.day = day
	b.reached, b.missed = false, false
	b.nextOpen = time.Time{}
}

func (b *Bot) checkPosition(p *models.Position, m models.ConvergenceMetrics, now time.Time, missing map[string]bool) {
	if p.CloseReason == "" {
		ref, ok := b.referencePrice(p.Symbol, now, missing)
		if ok {
			p.Reprice(b.settle(ref, p, now))
		} else {
			// hold the last price; the ceiling still applies
			p.Reprice(p.CurrentPrice)
		}

		switch {
		case pricing.ShouldClose(p, now):
			p.CloseReason = pricing.CloseReason(p, now)
			if p.CloseReason == "" {
				p.CloseReason = "TIMEOUT"
			}
		case b.controller.ShouldExitEarly(m, p):
			p.CloseReason = "EARLY"
		default:
			return
		}
		p.ExitPrice = pricing.FillPrice(p)
	}

	if p.CloseApproved {
		if !now.Before(p.ScheduledClose) {
			b.closePosition(p, now)
		}
		return
	}
	if !p.ScheduledClose.IsZero() && now.Before(p.ScheduledClose) {
		return
	}

	d := b.scheduler.Decide(p.ID, now)
	p.ScheduledClose = now.Add(d.Delay)
	if !d.Approve {
		b.emit(events.Event{Kind: events.ClosureDeferred, Time: now, Symbol: p.Symbol, Position: copyPosition(p),
			Delay: d.Delay, Message: d.Reason})
		return
	}
	p.CloseApproved = true
	if d.Delay <= 0 {
		b.closePosition(p, now)
		return
	}
	b.persist(storage.KeyScheduler, b.scheduler.MarshalState)
}

func (b *Bot) referencePrice(symbol string, now time.Time, missing map[string]bool) (float64, bool) {
	if b.prices != nil {
		if ref, ok := b.prices.Price(symbol); ok && ref > 0 {
			return ref, true
		}
	}
	if !missing[symbol] {
		missing[symbol] = true
		b.emit(events.Event{Kind: events.PriceMissing, Time: now, Symbol: symbol})
	}
	return 0, false
}

func (b *Bot) closePosition(p *models.Position, now time.Time) {
	price := p.ExitPrice
	if price <= 0 {
		price = p.CurrentPrice
	}
	trade, err := b.account.Close(p.ID, price, p.CloseReason, now)
	if err != nil {
		b.scheduler.Cancel(p.ID)
		return
	}

	b.scheduler.RecordClosure(trade.ID, trade.RealizedPL, now)
	b.tracker.RecordTrade(trade.RealizedPL, now)
	b.trades = append(b.trades, trade)
	if len(b.trades) > maxTradeHistory {
		b.trades = b.trades[len(b.trades)-maxTradeHistory:]
	}

	b.persist(storage.KeyTracker, b.tracker.MarshalState)
	b.persist(storage.KeyScheduler, b.scheduler.MarshalState)
	b.persist(storage.KeyTrades, func() ([]byte, error) { return json.Marshal(b.trades) })

	dp := b.tracker.Progress(now)
	b.emit(events.Event{Kind: events.TradeClosed, Time: now, Symbol: trade.Symbol, Trade: trade, Progress: &dp,
		Message: fmt.Sprintf("%s %s %+.2f USDT (%s, %s)", trade.Side, trade.Symbol, trade.RealizedPL,
			trade.CloseReason, formatDuration(trade.Duration))})

	if dp.Status == models.StatusCompleted && !b.reached {
		b.reached = true
		b.emit(events.Event{Kind: events.TargetReached, Time: now, Progress: &dp,
			Message: fmt.Sprintf("%.2f of %.2f after %d trades", dp.CurrentPnL, dp.TargetPnL, dp.TradesToday)})
	}
}

func (b *Bot) maybeOpen(now time.Time, missing map[string]bool) {
	if now.Before(b.nextOpen) || len(b.profile.Pairs) == 0 {
		return
	}
	maxOpen := b.profile.MaxOpenPositions
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpen
	}
	if b.account.OpenCount() >= maxOpen {
		return
	}

	// closes above may have moved progress
	dp := b.tracker.Progress(now)
	m := b.controller.Metrics(dp, b.profile.TradesPerDay, b.profile.Capital)
	adj := progress.AdjustmentFor(dp, b.rng)
	interval := b.openInterval(m, adj)

	if m.TradesRemaining == 0 || !adj.ShouldTrade {
		b.nextOpen = now.Add(interval)
		return
	}

	symbol := b.profile.Pairs[b.rng.Intn(len(b.profile.Pairs))]
	side := models.SideLong
	if b.rng.Intn(2) == 1 {
		side = models.SideShort
	}
	matches := b.trends != nil && b.trends.DoesTrendMatch(symbol, side)
	if !b.controller.AllowEntry(m, matches) {
		b.nextOpen = now.Add(interval / 3)
		return
	}

	ref, ok := b.referencePrice(symbol, now, missing)
	if !ok {
		b.nextOpen = now.Add(b.tickInterval)
		return
	}

	plan := b.sampler.Next(b.rng)
	tpMul, slMul := b.controller.TPSLMultipliers(m)
	size := plan.Size * b.controller.PositionSizeMultiplier(m) * adj.SizeMultiplier
	target := plan.TargetPnLPct
	stop := plan.StopLossPnLPct
	if plan.ShouldWin {
		target *= tpMul
	} else {
		stop *= slMul
	}

	if s := b.controller.MicroSteering(m); s.Active {
		// nudge is percent of capital; convert to percent of this margin
		nudge := s.NudgePct / 100 * m.Capital / size * 100
		if plan.ShouldWin {
			target += nudge
		} else {
			stop += nudge
		}
		if s.Unreachable && !b.missed {
			b.missed = true
			dpCopy := dp
			b.emit(events.Event{Kind: events.TargetMissed, Time: now, Progress: &dpCopy, Value: s.RequiredPct,
				Message: fmt.Sprintf("needs %.2f%% of capital per trade over %d trades", s.RequiredPct, m.TradesRemaining)})
		}
	}
	// levels outside the price band never trigger
	reach := b.nudger.MaxDeviationPct() * plan.Leverage * bandReach
	target = math.Min(math.Max(target, minTargetPct), reach)
	stop = math.Max(math.Min(stop, -minTargetPct), -reach)

	pos, err := b.account.Open(exchange.OpenRequest{
		Symbol:         symbol,
		Side:           side,
		Price:          ref,
		Size:           size,
		Leverage:       plan.Leverage,
		ShouldWin:      plan.ShouldWin,
		TargetPnLPct:   target,
		StopLossPnLPct: stop,
		At:             now,
	})
	if err != nil {
		b.nextOpen = now.Add(interval)
		return
	}
	b.nextOpen = now.Add(interval)
	b.emit(events.Event{Kind: events.TradeOpened, Time: now, Symbol: symbol, Position: copyPosition(pos),
		Message: fmt.Sprintf("%s %s %.2f USDT x%.0f", side, symbol, size, plan.Leverage)})
}

// openInterval spaces entries to the daily quota, scaled by both pacing
// layers and jittered by half either way.
func (b *Bot) openInterval(m models.ConvergenceMetrics, adj models.TradeAdjustment) time.Duration {
	base := 24 * time.Hour / time.Duration(b.profile.TradesPerDay)
	mult := b.controller.OpenFrequencyMultiplier(m) * adj.FrequencyMultiplier
	if mult <= 0 {
		mult = 0.1
	}
	jitter := 0.5 + b.rng.Float64()
	return time.Duration(float64(base) / mult * jitter)
}

// CloseAll marks every open position for a manual close. Closures still go
// through the scheduler on the following ticks.
func (b *Bot) CloseAll() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.account.Positions() {
		if p.CloseReason == "" {
			p.CloseReason = "MANUAL"
			p.ExitPrice = p.CurrentPrice
			n++
		}
	}
	return n
}

func (b *Bot) persist(key string, marshal func() ([]byte, error)) {
	data, err := marshal()
	if err == nil {
		err = b.store.Save(b.id, key, data)
	}
	if err != nil {
		b.storageError("save "+key, err)
	}
}

func (b *Bot) storageError(op string, err error) {
	b.emit(events.Event{Kind: events.StorageError, Time: b.now(), Message: op, Err: err})
}

func (b *Bot) emit(e events.Event) {
	e.BotID = b.id
	b.sink.Emit(e)
}

// Positions returns copies of the open positions in open order.
func (b *Bot) Positions() []models.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	live := b.account.Positions()
	out := make([]models.Position, len(live))
	for i, p := range live {
		out[i] = *p
	}
	return out
}

// Trades returns the closed trades, newest last.
func (b *Bot) Trades() []*models.Trade {
	b.mu.RLock()
	defer b.mu.RUnlock()
	trades := make([]*models.Trade, len(b.trades))
	copy(trades, b.trades)
	return trades
}

func (b *Bot) Progress() models.DailyProgress {
	return b.tracker.Progress(b.now())
}

// Metrics is the convergence view at the current time.
func (b *Bot) Metrics() models.ConvergenceMetrics {
	return b.controller.Metrics(b.Progress(), b.profile.TradesPerDay, b.profile.Capital)
}

func (b *Bot) ActiveLayer() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.layer == "" {
		return convergence.LayerBaseline
	}
	return b.layer
}

func (b *Bot) Balance() float64 { return b.account.Balance() }

// Closures lists the scheduler's retained closure history.
func (b *Bot) Closures() []models.ClosureEvent {
	out := b.scheduler.Recent()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Stats aggregates the trade history for the UI.
func (b *Bot) Stats() models.BotStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := models.BotStats{
		ID:            b.id,
		Name:          b.name,
		Running:       b.isRunning,
		OpenPositions: b.account.OpenCount(),
		TotalTrades:   len(b.trades),
		ActiveLayer:   b.layer,
	}
	if stats.ActiveLayer == "" {
		stats.ActiveLayer = convergence.LayerBaseline
	}

	total, profit, loss := decimal.Zero, decimal.Zero, decimal.Zero
	for _, t := range b.trades {
		pl := decimal.NewFromFloat(t.RealizedPL)
		total = total.Add(pl)
		if t.RealizedPL > 0 {
			stats.ProfitableTrades++
			profit = profit.Add(pl)
		} else {
			stats.LosingTrades++
			loss = loss.Add(pl)
		}
	}
	stats.TotalPL = total.Round(2).InexactFloat64()
	if stats.ProfitableTrades > 0 {
		stats.AvgProfit = profit.Div(decimal.NewFromInt(int64(stats.ProfitableTrades))).Round(2).InexactFloat64()
	}
	if stats.LosingTrades > 0 {
		stats.AvgLoss = loss.Div(decimal.NewFromInt(int64(stats.LosingTrades))).Round(2).InexactFloat64()
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = decimal.NewFromInt(int64(stats.ProfitableTrades)).
			Div(decimal.NewFromInt(int64(stats.TotalTrades))).
			Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
	}
	stats.TodayPL = decimal.NewFromFloat(b.tracker.Progress(b.now()).CurrentPnL).Round(2).InexactFloat64()
	return stats
}

func copyPosition(p *models.Position) *models.Position {
	c := *p
	return &c
}

func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	if hours > 0 {
		return fmt.Sprintf("%dч %dмин", hours, minutes)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dмин %dс", minutes, seconds)
	}
	return fmt.Sprintf("%dс", seconds)
}
