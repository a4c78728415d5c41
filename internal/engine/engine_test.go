package engine

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"bot_simulator/config"
	"bot_simulator/internal/analysis"
	"bot_simulator/internal/events"
	"bot_simulator/internal/exchange"
	"bot_simulator/internal/models"
	"bot_simulator/internal/progress"
	"bot_simulator/internal/storage"
)

func testProfile() config.BotProfile {
	return config.BotProfile{
		WinRate:        0.55,
		WinPnL:         config.Range{Min: 1.2, Max: 1.6},
		LossPnL:        config.Range{Min: 0.2, Max: 0.3},
		PositionSize:   config.Range{Min: 1250, Max: 1500},
		Leverage:       config.Range{Min: 100, Max: 100},
		TradesPerDay:   50,
		DailyTargetPct: 2,
		Capital:        5000,
		Pairs:          []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
	}
}

type staticPrices map[string]float64

func (s staticPrices) Price(symbol string) (float64, bool) {
	p, ok := s[symbol]
	return p, ok
}

// agreeable matches every side.
type agreeable struct{}

func (agreeable) DoesTrendMatch(string, models.Side) bool { return true }

// newTestBot returns a bot driven by a manual clock that starts at start.
func newTestBot(t *testing.T, profile config.BotProfile, store storage.Store, sink events.Sink, start time.Time) (*Bot, *time.Time) {
	t.Helper()
	clock := start
	bot, err := NewBot(Options{
		ID:      "b1",
		Profile: profile,
		Prices:  staticPrices{"BTCUSDT": 60000, "ETHUSDT": 3000, "SOLUSDT": 150},
		Trends:  agreeable{},
		Store:   store,
		Sink:    sink,
		Rand:    rand.New(rand.NewSource(7)),
		Now:     func() time.Time { return clock },
	})
	if err != nil {
		t.Fatal(err)
	}
	return bot, &clock
}

func run(bot *Bot, clock *time.Time, d, tick time.Duration) {
	end := clock.Add(d)
	for ; clock.Before(end); *clock = clock.Add(tick) {
		bot.Tick(*clock)
	}
}

func TestSimulateDayConverges(t *testing.T) {
	for _, seed := range []int64{42, 7, 2026} {
		res, err := SimulateDay(SimConfig{
			Profile: testProfile(),
			Seed:    seed,
			Day:     time.Date(2026, 5, 14, 0, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatal(err)
		}

		target := res.Progress.TargetPnL
		if target != 100 {
			t.Fatalf("seed %d: target %.2f", seed, target)
		}
		if got := res.Progress.CurrentPnL; got < 85 || got > 115 {
			t.Fatalf("seed %d: day closed at %.2f, want within 15%% of %.2f (%d trades)", seed, got, target, len(res.Trades))
		}
		if res.MaxClosuresInWindow > 2 {
			t.Fatalf("seed %d: %d closures within 30s", seed, res.MaxClosuresInWindow)
		}
		if !res.TargetReached {
			t.Fatalf("seed %d: target reached event missing", seed)
		}
		reasons := map[string]int{}
		for _, tr := range res.Trades {
			if tr.CloseReason == "" || tr.CloseTime.Before(tr.OpenTime) {
				t.Fatalf("seed %d: bad trade %+v", seed, tr)
			}
			reasons[tr.CloseReason]++
		}
		if reasons["TP"] == 0 || reasons["SL"] == 0 {
			t.Fatalf("seed %d: close reasons %v", seed, reasons)
		}
		if reasons["TIMEOUT"] > len(res.Trades)/10 {
			t.Fatalf("seed %d: levels out of reach, close reasons %v", seed, reasons)
		}
	}
}

func TestSimulateLateStartSteers(t *testing.T) {
	res, err := SimulateDay(SimConfig{
		Profile: testProfile(),
		Seed:    5,
		Day:     time.Date(2026, 5, 14, 0, 0, 0, 0, time.UTC),
		From:    20 * time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Statuses[models.StatusBehind] == 0 {
		t.Fatalf("never behind: %v", res.Statuses)
	}
	if res.Layers["micro_steering"] == 0 {
		t.Fatalf("micro-steering never active: %v", res.Layers)
	}
	if len(res.Trades) == 0 {
		t.Fatal("no trades after a late start")
	}
	if !res.TargetReached && !res.TargetMissed {
		t.Fatal("day ended without a target verdict")
	}
	if res.MaxClosuresInWindow > 2 {
		t.Fatalf("%d closures within 30s", res.MaxClosuresInWindow)
	}
}

func TestLivePricesStayInBand(t *testing.T) {
	refs := staticPrices{"BTCUSDT": 60000, "ETHUSDT": 3000, "SOLUSDT": 150}
	profile := testProfile()
	profile.TradesPerDay = 500
	profile.Capital = 100000
	bot, clock := newTestBot(t, profile, nil, nil, time.Date(2026, 5, 14, 9, 0, 0, 0, time.UTC))
	dev := bot.nudger.MaxDeviationPct() / 100

	end := clock.Add(3 * time.Hour)
	for ; clock.Before(end); *clock = clock.Add(2 * time.Second) {
		bot.Tick(*clock)
		for _, p := range bot.Positions() {
			if p.CloseReason != "" {
				continue
			}
			ref := refs[p.Symbol]
			if p.CurrentPrice < ref*(1-dev)-1e-9 || p.CurrentPrice > ref*(1+dev)+1e-9 {
				t.Fatalf("%s at %.6f outside band around %.2f", p.Symbol, p.CurrentPrice, ref)
			}
		}
	}

	reasons := map[string]int{}
	for _, tr := range bot.Trades() {
		reasons[tr.CloseReason]++
	}
	if reasons["TP"] == 0 || reasons["SL"] == 0 || reasons["TIMEOUT"] != 0 {
		t.Fatalf("close reasons %v", reasons)
	}
}

func TestRestartKeepsTargetReached(t *testing.T) {
	start := time.Date(2026, 5, 14, 10, 0, 0, 0, time.UTC)
	done := progress.NewTracker(5000, 2, start)
	done.RecordTrade(150, start.Add(-time.Hour))
	data, err := done.MarshalState()
	if err != nil {
		t.Fatal(err)
	}
	store := storage.NewMemoryStore()
	if err := store.Save("b1", storage.KeyTracker, data); err != nil {
		t.Fatal(err)
	}

	profile := testProfile()
	profile.TradesPerDay = 20000
	rec := &events.Recorder{}
	bot, clock := newTestBot(t, profile, store, rec, start)
	if !bot.reached {
		t.Fatal("completed day not recognised after restart")
	}
	run(bot, clock, 3*time.Hour, 2*time.Second)
	if rec.Count(events.TradeClosed) == 0 {
		t.Fatal("bot stopped trading after the target")
	}
	if n := rec.Count(events.TargetReached); n != 0 {
		t.Fatalf("target announced %d more times", n)
	}
}

func TestSimulateDayIsDeterministic(t *testing.T) {
	cfg := SimConfig{Profile: testProfile(), Seed: 3, Day: time.Date(2026, 5, 14, 0, 0, 0, 0, time.UTC)}
	a, err := SimulateDay(cfg)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := SimulateDay(cfg)
	if len(a.Trades) != len(b.Trades) || a.Progress.CurrentPnL != b.Progress.CurrentPnL {
		t.Fatalf("runs differ: %d/%.4f vs %d/%.4f", len(a.Trades), a.Progress.CurrentPnL, len(b.Trades), b.Progress.CurrentPnL)
	}
}

func TestBotClosuresRespectWindow(t *testing.T) {
	profile := testProfile()
	profile.TradesPerDay = 3000
	profile.MaxOpenPositions = 5
	profile.Capital = 100000

	rec := &events.Recorder{}
	store := storage.NewMemoryStore()
	bot, clock := newTestBot(t, profile, store, rec, time.Date(2026, 5, 14, 8, 0, 0, 0, time.UTC))
	run(bot, clock, 2*time.Hour, 2*time.Second)

	trades := bot.Trades()
	if len(trades) < 20 {
		t.Fatalf("only %d trades", len(trades))
	}
	if n := maxInWindow(trades, 30*time.Second); n > 2 {
		t.Fatalf("%d closures within 30s", n)
	}
	if rec.Count(events.ClosureDeferred) == 0 {
		t.Fatal("expected deferred closures under load")
	}
	for _, key := range []string{storage.KeyTracker, storage.KeyScheduler, storage.KeyTrades} {
		if data, _ := store.Load("b1", key); data == nil {
			t.Fatalf("%s not persisted", key)
		}
	}
}

func TestBotRestoresSameDayState(t *testing.T) {
	store := storage.NewMemoryStore()
	start := time.Date(2026, 5, 14, 9, 0, 0, 0, time.UTC)
	first, clock := newTestBot(t, testProfile(), store, nil, start)
	run(first, clock, 6*time.Hour, 2*time.Second)

	before := first.Progress()
	if before.TradesToday == 0 {
		t.Fatal("no trades to persist")
	}

	again, _ := newTestBot(t, testProfile(), store, nil, *clock)
	after := again.Progress()
	if after.CurrentPnL != before.CurrentPnL || after.TradesToday != before.TradesToday {
		t.Fatalf("restored %+v, want %+v", after, before)
	}
	if len(again.Trades()) != len(first.Trades()) {
		t.Fatal("trade history not restored")
	}

	rec := &events.Recorder{}
	nextDay, _ := newTestBot(t, testProfile(), store, rec, clock.Add(24*time.Hour))
	if rec.Count(events.StateDiscarded) != 1 {
		t.Fatal("stale tracker state not reported")
	}
	if p := nextDay.Progress(); p.TradesToday != 0 || p.CurrentPnL != 0 {
		t.Fatalf("stale trades survived: %+v", p)
	}
}

func TestBotWithoutPricesDoesNotTrade(t *testing.T) {
	rec := &events.Recorder{}
	clock := time.Date(2026, 5, 14, 9, 0, 0, 0, time.UTC)
	bot, err := NewBot(Options{
		ID:      "b1",
		Profile: testProfile(),
		Prices:  staticPrices{},
		Sink:    rec,
		Rand:    rand.New(rand.NewSource(1)),
		Now:     func() time.Time { return clock },
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		bot.Tick(clock)
		clock = clock.Add(2 * time.Second)
	}
	if len(bot.Positions()) != 0 {
		t.Fatal("opened a position without a reference price")
	}
	if rec.Count(events.PriceMissing) == 0 {
		t.Fatal("missing price not reported")
	}
}

func TestCloseAllGoesThroughScheduler(t *testing.T) {
	profile := testProfile()
	profile.TradesPerDay = 20000
	profile.MaxOpenPositions = 5

	clock := time.Date(2026, 5, 14, 9, 0, 0, 0, time.UTC)
	bot, err := NewBot(Options{
		ID:      "b1",
		Profile: profile,
		Prices:  staticPrices{"BTCUSDT": 60000, "ETHUSDT": 3000, "SOLUSDT": 150},
		Trends:  agreeable{},
		Rand:    rand.New(rand.NewSource(11)),
		Now:     func() time.Time { return clock },
		// reference price only: positions never reach their levels
		Settle: func(ref float64, p *models.Position, now time.Time) float64 { return ref },
	})
	if err != nil {
		t.Fatal(err)
	}
	for len(bot.Positions()) < 3 {
		bot.Tick(clock)
		clock = clock.Add(2 * time.Second)
	}
	open := len(bot.Positions())
	if n := bot.CloseAll(); n != open {
		t.Fatalf("marked %d of %d", n, open)
	}

	closed := 0
	for i := 0; i < 60 && closed < open; i++ {
		bot.Tick(clock)
		clock = clock.Add(2 * time.Second)
		closed = 0
		for _, tr := range bot.Trades() {
			if tr.CloseReason == "MANUAL" {
				closed++
			}
		}
	}
	if closed != open {
		t.Fatalf("%d of %d manual closes executed", closed, open)
	}
	if n := maxInWindow(bot.Trades(), 30*time.Second); n > 2 {
		t.Fatalf("%d closures within 30s", n)
	}
}

func TestStatsAggregation(t *testing.T) {
	bot, _ := newTestBot(t, testProfile(), nil, nil, time.Date(2026, 5, 14, 9, 0, 0, 0, time.UTC))
	bot.trades = []*models.Trade{{RealizedPL: 10}, {RealizedPL: 20}, {RealizedPL: -5}, {RealizedPL: 0}}

	s := bot.Stats()
	if s.TotalTrades != 4 || s.ProfitableTrades != 2 || s.LosingTrades != 2 {
		t.Fatalf("counts %+v", s)
	}
	if s.TotalPL != 25 || s.AvgProfit != 15 || s.AvgLoss != -2.5 || s.WinRate != 50 {
		t.Fatalf("aggregates %+v", s)
	}
	if s.ActiveLayer == "" {
		t.Fatal("layer not reported")
	}
}

func TestManagerLifecycle(t *testing.T) {
	cfg := &config.Config{TickInterval: time.Hour, ClosureWindow: 30 * time.Second, MaxClosures: 2,
		ClosureMinDelay: 5 * time.Second, ClosureMaxDelay: 15 * time.Second}
	book := exchange.NewPriceBook()
	m := NewManager(cfg, book, analysis.NewTrendClassifier(), storage.NewMemoryStore(), nil)

	a := testProfile()
	b := testProfile()
	b.Pairs = []string{"BNBUSDT", "BTCUSDT"}
	if _, err := m.Create(config.BotSpec{ID: "a", Profile: a}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(config.BotSpec{ID: "b", Profile: b, Start: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(config.BotSpec{ID: "a", Profile: a}); !errors.Is(err, ErrBotExists) {
		t.Fatalf("duplicate accepted: %v", err)
	}
	bad := testProfile()
	bad.WinRate = 1.2
	if _, err := m.Create(config.BotSpec{ID: "c", Profile: bad}); !errors.Is(err, config.ErrInvalidProfile) {
		t.Fatalf("invalid profile accepted: %v", err)
	}

	want := []string{"BNBUSDT", "BTCUSDT", "ETHUSDT", "SOLUSDT"}
	got := m.Symbols()
	if len(got) != len(want) {
		t.Fatalf("symbols %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("symbols %v", got)
		}
	}

	bot, _ := m.Get("b")
	if !bot.IsRunning() {
		t.Fatal("start flag ignored")
	}
	if err := m.Delete("b"); err != nil {
		t.Fatal(err)
	}
	if bot.IsRunning() {
		t.Fatal("deleted bot still running")
	}
	if _, err := m.Get("b"); !errors.Is(err, ErrBotNotFound) {
		t.Fatalf("deleted bot still listed: %v", err)
	}
	if err := m.Stop("zzz"); !errors.Is(err, ErrBotNotFound) {
		t.Fatal(err)
	}

	book.Set("BTCUSDT", 100, time.Now())
	m.sampleOnce()
	if m.trends.Samples("BTCUSDT") != 1 || m.trends.Samples("ETHUSDT") != 0 {
		t.Fatal("sampler fed the wrong symbols")
	}
	if len(m.Stats()) != 1 {
		t.Fatal("stats should cover remaining bots")
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45с"},
		{90 * time.Second, "1мин 30с"},
		{2*time.Hour + 5*time.Minute, "2ч 5мин"},
		{26*time.Hour + 59*time.Second, "26ч 0мин"},
	}
	for _, tc := range cases {
		if got := formatDuration(tc.d); got != tc.want {
			t.Errorf("%s: got %q want %q", tc.d, got, tc.want)
		}
	}
}
