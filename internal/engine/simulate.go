package engine

import (
	"math/rand"
	"sort"
	"time"

	"bot_simulator/config"
	"bot_simulator/internal/analysis"
	"bot_simulator/internal/closure"
	"bot_simulator/internal/events"
	"bot_simulator/internal/exchange"
	"bot_simulator/internal/models"
	"bot_simulator/internal/progress"
	"bot_simulator/internal/storage"
)

// SimConfig describes one offline day.
type SimConfig struct {
	Profile config.BotProfile
	Seed    int64
	// Day is any instant of the UTC day to simulate.
	Day time.Time
	// From delays the bot's start into the day, as if launched late.
	From time.Duration
	// Tick defaults to 5s.
	Tick time.Duration
	// Volatility is the per-tick standard deviation of the synthetic walk.
	// The default keeps the walk well inside the nudger band over a
	// position's lifetime.
	Volatility        float64
	PriceDeviationPct float64
	Closure           closure.Config
	Sink              events.Sink
}

type SimResult struct {
	Trades              []*models.Trade
	Progress            models.DailyProgress
	Deferred            int
	MaxClosuresInWindow int
	TargetReached       bool
	TargetMissed        bool
	Stats               models.BotStats
	// ticks spent in each progress status and active layer
	Statuses map[models.ProgressStatus]int
	Layers   map[string]int
}

// SimulateDay runs one bot over a synthetic random walk with a simulated
// clock. Positions see the same nudged prices as a live bot. The same config
// always yields the same day.
func SimulateDay(cfg SimConfig) (SimResult, error) {
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = 0.000002
	}
	if cfg.From < 0 || cfg.From >= 24*time.Hour {
		cfg.From = 0
	}
	profile := cfg.Profile
	if len(profile.Pairs) == 0 {
		profile.Pairs = []string{"BTCUSDT"}
	}

	start := progress.DayStart(cfg.Day)
	end := start.Add(24 * time.Hour)
	clock := start.Add(cfg.From)

	res := SimResult{
		Statuses: make(map[models.ProgressStatus]int),
		Layers:   make(map[string]int),
	}
	counter := events.SinkFunc(func(e events.Event) {
		switch e.Kind {
		case events.ClosureDeferred:
			res.Deferred++
		case events.TargetReached:
			res.TargetReached = true
		case events.TargetMissed:
			res.TargetMissed = true
		}
	})

	book := exchange.NewPriceBook()
	trends := analysis.NewTrendClassifier()
	walk := newRandomWalk(profile.Pairs, cfg.Volatility, rand.New(rand.NewSource(cfg.Seed^0x5eed)))
	walk.publish(book, trends, clock)

	sink := events.Sink(counter)
	if cfg.Sink != nil {
		sink = events.Multi{counter, cfg.Sink}
	}
	bot, err := NewBot(Options{
		ID:                "sim",
		Name:              "simulation",
		Profile:           profile,
		Prices:            book,
		Trends:            trends,
		Store:             storage.NewMemoryStore(),
		Sink:              sink,
		Rand:              rand.New(rand.NewSource(cfg.Seed)),
		Now:               func() time.Time { return clock },
		TickInterval:      cfg.Tick,
		Closure:           cfg.Closure,
		PriceDeviationPct: cfg.PriceDeviationPct,
	})
	if err != nil {
		return SimResult{}, err
	}

	for ; clock.Before(end); clock = clock.Add(cfg.Tick) {
		walk.step()
		walk.publish(book, trends, clock)
		bot.Tick(clock)
		res.Statuses[bot.Progress().Status]++
		res.Layers[bot.ActiveLayer()]++
	}
	last := end.Add(-cfg.Tick)
	res.Progress = bot.tracker.Progress(last)

	bot.mu.Lock()
	bot.rollover(end)
	bot.mu.Unlock()

	res.Trades = bot.Trades()
	res.Stats = bot.Stats()
	res.MaxClosuresInWindow = maxInWindow(res.Trades, bot.scheduler.Config().Window)
	return res, nil
}

// maxInWindow is the largest number of closes sharing any half-open window.
func maxInWindow(trades []*models.Trade, window time.Duration) int {
	times := make([]time.Time, len(trades))
	for i, t := range trades {
		times[i] = t.CloseTime
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	best, j := 0, 0
	for i := range times {
		for times[i].Sub(times[j]) >= window {
			j++
		}
		best = max(best, i-j+1)
	}
	return best
}

type randomWalk struct {
	symbols []string
	prices  []float64
	vol     float64
	rng     *rand.Rand
}

func newRandomWalk(symbols []string, vol float64, rng *rand.Rand) *randomWalk {
	w := &randomWalk{symbols: symbols, prices: make([]float64, len(symbols)), vol: vol, rng: rng}
	for i := range w.prices {
		w.prices[i] = 100 * (1 + rng.Float64())
	}
	return w
}

func (w *randomWalk) step() {
	for i := range w.prices {
		w.prices[i] *= 1 + w.rng.NormFloat64()*w.vol
	}
}

func (w *randomWalk) publish(book *exchange.PriceBook, trends *analysis.TrendClassifier, at time.Time) {
	for i, s := range w.symbols {
		book.Set(s, w.prices[i], at)
		trends.UpdatePrice(s, w.prices[i])
	}
}
