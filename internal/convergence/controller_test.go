package convergence

import (
	"math"
	"math/rand"
	"testing"

	"bot_simulator/internal/models"
)

func metricsAt(progress float64, remaining int) models.ConvergenceMetrics {
	return models.ConvergenceMetrics{
		DailyProgressPercent: progress,
		TradesRemaining:      remaining,
		CurrentPnL:           progress,
		TargetPnL:            100,
		Capital:              5000,
	}
}

func TestSizeMultiplierSmoothAroundTarget(t *testing.T) {
	c := New(DefaultConfig(), rand.New(rand.NewSource(1)))
	at99 := c.PositionSizeMultiplier(metricsAt(99, 200))
	at100 := c.PositionSizeMultiplier(metricsAt(100, 200))
	at101 := c.PositionSizeMultiplier(metricsAt(101, 200))

	if !(at99 > at100 && at100 > at101) {
		t.Fatalf("not strictly decreasing: %.3f %.3f %.3f", at99, at100, at101)
	}
	for _, v := range []float64{at99, at100, at101} {
		if v >= 1.0 || v <= 0.5 {
			t.Fatalf("value %.3f not an intermediate in the smoothing zone", v)
		}
	}
	if math.Abs(at100-0.75) > 1e-9 {
		t.Fatalf("midpoint %.4f, want 0.75", at100)
	}
	if c.PositionSizeMultiplier(metricsAt(50, 200)) != 1.0 || math.Abs(c.PositionSizeMultiplier(metricsAt(200, 200))-0.2) > 1e-9 {
		t.Fatal("plateaus wrong")
	}
}

// No decision may move by more than the largest step divided by the zone
// width for a 1-point change in progress.
func TestAllMultipliersContinuous(t *testing.T) {
	c := New(DefaultConfig(), rand.New(rand.NewSource(1)))
	type fn struct {
		name    string
		f       func(models.ConvergenceMetrics) float64
		maxStep float64
	}
	fns := []fn{
		{"size", c.PositionSizeMultiplier, 0.5},
		{"tp", func(m models.ConvergenceMetrics) float64 { tp, _ := c.TPSLMultipliers(m); return tp }, 0.3},
		{"sl", func(m models.ConvergenceMetrics) float64 { _, sl := c.TPSLMultipliers(m); return sl }, 0.2},
		{"early exit", c.EarlyExitProbability, 0.3},
		{"frequency", c.OpenFrequencyMultiplier, 0.2},
		{"entry threshold", c.EntryThreshold, 1.0},
		{"throttle", c.ThrottleProbability, 0.7},
	}
	const dp = 0.1
	for _, remaining := range []int{30, 80, 200} {
		for _, f := range fns {
			limit := f.maxStep/10*dp + 1e-9
			prev := f.f(metricsAt(-20, remaining))
			for p := -20 + dp; p <= 220; p += dp {
				v := f.f(metricsAt(p, remaining))
				if math.Abs(v-prev) > limit {
					t.Fatalf("%s (remaining %d) jumps %.4f at progress %.1f", f.name, remaining, v-prev, p)
				}
				prev = v
			}
		}
	}
}

func TestStepValues(t *testing.T) {
	c := New(DefaultConfig(), rand.New(rand.NewSource(1)))
	cases := []struct {
		progress float64
		tp, sl   float64
		exit     float64
		freq     float64
	}{
		{10, 1.0, 1.0, 0, 0.9},
		{50, 1.0, 1.0, 0, 0.7},
		{90, 0.7, 1.1, 0, 0.6},
		{110, 0.4, 1.3, 0, 0.6},
		{125, 0.2, 1.5, 0.3, 0.4},
		{150, 0.2, 1.5, 0.5, 0.2},
	}
	for _, tc := range cases {
		m := metricsAt(tc.progress, 200)
		tp, sl := c.TPSLMultipliers(m)
		if math.Abs(tp-tc.tp) > 1e-9 || math.Abs(sl-tc.sl) > 1e-9 {
			t.Errorf("progress %.1f: tp/sl %.3f/%.3f, want %.3f/%.3f", tc.progress, tp, sl, tc.tp, tc.sl)
		}
		if e := c.EarlyExitProbability(m); math.Abs(e-tc.exit) > 1e-9 {
			t.Errorf("progress %.1f: exit %.3f, want %.3f", tc.progress, e, tc.exit)
		}
		if f := c.OpenFrequencyMultiplier(m); math.Abs(f-tc.freq) > 1e-9 {
			t.Errorf("progress %.1f: frequency %.3f, want %.3f", tc.progress, f, tc.freq)
		}
	}
	if f := c.OpenFrequencyMultiplier(metricsAt(10, 60)); math.Abs(f-0.6) > 1e-9 {
		t.Fatalf("low volume frequency %.3f, want 0.6", f)
	}
}

func TestEntryGate(t *testing.T) {
	c := New(DefaultConfig(), rand.New(rand.NewSource(9)))

	if c.EntryThreshold(metricsAt(50, 200)) != 1 {
		t.Fatal("trend match not required with many trades left")
	}
	if c.EntryThreshold(metricsAt(50, 40)) != 0 {
		t.Fatal("emergency mode should accept any entry")
	}
	if c.EntryThreshold(metricsAt(95, 40)) != 1 {
		t.Fatal("no emergency once progress is past the boundary")
	}

	for i := 0; i < 200; i++ {
		if c.AllowEntry(metricsAt(50, 200), false) {
			t.Fatal("mismatched entry allowed outside emergency")
		}
		if !c.AllowEntry(metricsAt(50, 40), false) {
			t.Fatal("emergency entry rejected")
		}
		if !c.AllowEntry(metricsAt(100, 200), true) {
			t.Fatal("matching entry throttled below 125%")
		}
	}

	skipped := 0
	const n = 5000
	for i := 0; i < n; i++ {
		if !c.AllowEntry(metricsAt(160, 200), true) {
			skipped++
		}
	}
	if share := float64(skipped) / n; math.Abs(share-0.7) > 0.03 {
		t.Fatalf("throttle skipped %.3f of matching entries, want ~0.7", share)
	}
}

func TestEarlyExitOnlyForProfitableWinners(t *testing.T) {
	c := New(DefaultConfig(), rand.New(rand.NewSource(3)))
	m := metricsAt(200, 200)
	loser := &models.Position{ShouldWin: false, UnrealizedPL: 5}
	underwater := &models.Position{ShouldWin: true, UnrealizedPL: -1}
	for i := 0; i < 500; i++ {
		if c.ShouldExitEarly(m, loser) || c.ShouldExitEarly(m, underwater) {
			t.Fatal("early exit outside profitable winners")
		}
	}
	winner := &models.Position{ShouldWin: true, UnrealizedPL: 1}
	if c.ShouldExitEarly(metricsAt(50, 200), winner) {
		t.Fatal("early exit below 115%")
	}
	exits := 0
	for i := 0; i < 2000; i++ {
		if c.ShouldExitEarly(m, winner) {
			exits++
		}
	}
	if exits < 850 || exits > 1150 {
		t.Fatalf("early exits %d of 2000 at 50%%", exits)
	}
}

func TestMicroSteeringBounded(t *testing.T) {
	c := New(DefaultConfig(), rand.New(rand.NewSource(1)))
	rng := rand.New(rand.NewSource(77))
	for i := 0; i < 100000; i++ {
		m := models.ConvergenceMetrics{
			DailyProgressPercent: rng.NormFloat64() * 200,
			TradesRemaining:      rng.Intn(30) - 5,
			CurrentPnL:           rng.NormFloat64() * 1e4,
			TargetPnL:            rng.Float64() * 1e4,
			Capital:              rng.Float64()*1e5 - 1e3,
		}
		if s := c.MicroSteering(m); math.Abs(s.NudgePct) > 0.08 {
			t.Fatalf("nudge %.4f exceeds cap for %+v", s.NudgePct, m)
		}
	}
	extremes := []models.ConvergenceMetrics{
		{DailyProgressPercent: math.Inf(-1), TradesRemaining: 1, CurrentPnL: math.Inf(-1), TargetPnL: 100, Capital: 1},
		{DailyProgressPercent: math.NaN(), TradesRemaining: 1, CurrentPnL: math.NaN(), TargetPnL: 100, Capital: 1},
		{DailyProgressPercent: 0, TradesRemaining: 1, CurrentPnL: 0, TargetPnL: 100, Capital: math.SmallestNonzeroFloat64},
	}
	for _, m := range extremes {
		if s := c.MicroSteering(m); math.Abs(s.NudgePct) > 0.08 {
			t.Fatalf("nudge %.4f exceeds cap for %+v", s.NudgePct, m)
		}
	}
}

func TestMicroSteeringActivation(t *testing.T) {
	c := New(DefaultConfig(), rand.New(rand.NewSource(1)))

	if s := c.MicroSteering(metricsAt(95, 5)); s.Active {
		t.Fatal("active inside the ±10 band")
	}
	if s := c.MicroSteering(metricsAt(80, 20)); s.Active {
		t.Fatal("active with more than 10 trades left")
	}

	// $20 short over 5 trades on $5000 = 0.08% each
	near := c.MicroSteering(models.ConvergenceMetrics{DailyProgressPercent: 80, TradesRemaining: 5, CurrentPnL: 80, TargetPnL: 100, Capital: 5000})
	if !near.Active || near.Unreachable || math.Abs(near.NudgePct-0.08) > 1e-9 {
		t.Fatalf("unexpected steering %+v", near)
	}

	over := c.MicroSteering(models.ConvergenceMetrics{DailyProgressPercent: 130, TradesRemaining: 10, CurrentPnL: 130, TargetPnL: 100, Capital: 5000})
	if !over.Active || over.NudgePct >= 0 {
		t.Fatalf("overshoot should steer down: %+v", over)
	}

	lost := c.MicroSteering(models.ConvergenceMetrics{DailyProgressPercent: -200, TradesRemaining: 2, CurrentPnL: -200, TargetPnL: 100, Capital: 5000})
	if !lost.Unreachable || lost.NudgePct != 0.08 {
		t.Fatalf("expected capped unreachable steering, got %+v", lost)
	}
}

func TestMetricsDerivation(t *testing.T) {
	c := New(DefaultConfig(), rand.New(rand.NewSource(1)))
	dp := models.DailyProgress{TargetPnL: 100, CurrentPnL: 40, PercentComplete: 50, PercentTarget: 40, TradesToday: 10}

	m := c.Metrics(dp, 50, 5000)
	if m.TradesRemaining != 25 || m.TradesCompleted != 10 || m.DailyProgressPercent != 40 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	if !m.EmergencyMode {
		t.Fatal("25 trades left at 40% should be emergency")
	}

	dp.TradesToday = 48
	if m := c.Metrics(dp, 50, 5000); m.TradesRemaining != 2 || !m.MicroSteeringActive {
		t.Fatalf("quota bound not applied: %+v", m)
	}
	dp.TradesToday = 70
	if m := c.Metrics(dp, 50, 5000); m.TradesRemaining != 0 || m.MicroSteeringActive {
		t.Fatalf("exhausted quota: %+v", m)
	}
}

func TestActiveLayer(t *testing.T) {
	c := New(DefaultConfig(), rand.New(rand.NewSource(1)))
	cases := []struct {
		m    models.ConvergenceMetrics
		want string
	}{
		{metricsAt(10, 200), LayerBaseline},
		{metricsAt(50, 200), LayerFrequency},
		{metricsAt(85, 200), LayerTPSL},
		{metricsAt(105, 200), LayerSize},
		{metricsAt(125, 200), LayerEarlyExit},
		{metricsAt(140, 200), LayerThrottle},
		{models.ConvergenceMetrics{DailyProgressPercent: 20, TradesRemaining: 40, EmergencyMode: true}, LayerEmergency},
		{metricsAt(50, 5), LayerMicroSteering},
	}
	for _, tc := range cases {
		if got := c.ActiveLayer(tc.m); got != tc.want {
			t.Errorf("progress %.0f remaining %d: layer %s, want %s", tc.m.DailyProgressPercent, tc.m.TradesRemaining, got, tc.want)
		}
	}
}
