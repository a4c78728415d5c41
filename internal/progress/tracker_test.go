package progress

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"
	"time"

	"bot_simulator/internal/models"
)

var day = time.Date(2026, 5, 14, 0, 0, 0, 0, time.UTC)

func TestDayRolloverDropsPreviousTrades(t *testing.T) {
	tr := NewTracker(5000, 2, day.Add(23*time.Hour))
	tr.RecordTrade(40, day.Add(23*time.Hour+30*time.Minute))

	next := day.Add(24*time.Hour + 5*time.Minute)
	tr.RecordTrade(7, next)

	dp := tr.Progress(next)
	if dp.CurrentPnL != 7 || dp.TradesToday != 1 {
		t.Fatalf("previous day leaked into aggregate: %+v", dp)
	}
	if !tr.DayAnchor().Equal(day.Add(24 * time.Hour)) {
		t.Fatalf("anchor %s not advanced", tr.DayAnchor())
	}
}

func TestDayRolloverUsesUTCNotLocal(t *testing.T) {
	// 23:30 in UTC-5 is already the next UTC day
	zone := time.FixedZone("EST", -5*3600)
	tr := NewTracker(5000, 2, day.Add(12*time.Hour))
	tr.RecordTrade(10, day.Add(12*time.Hour))

	local := time.Date(2026, 5, 14, 23, 30, 0, 0, zone)
	if got := tr.Progress(local).CurrentPnL; got != 0 {
		t.Fatalf("expected rollover at UTC midnight, current %.2f", got)
	}
}

func TestProgressStatus(t *testing.T) {
	// target $100; noon = 50% of day
	noon := day.Add(12 * time.Hour)
	cases := []struct {
		name   string
		pnl    float64
		status models.ProgressStatus
	}{
		{"completed", 100, models.StatusCompleted},
		{"ahead", 75, models.StatusAhead},      // 75 >= 50+20
		{"on track high", 69, models.StatusOnTrack},
		{"on track low", 41, models.StatusOnTrack},
		{"behind", 30, models.StatusBehind},     // 30 < 50-10
		{"behind losing", -20, models.StatusBehind},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewTracker(5000, 2, day)
			tr.RecordTrade(tc.pnl, day.Add(time.Hour))
			dp := tr.Progress(noon)
			if dp.Status != tc.status {
				t.Fatalf("pnl %.0f: status %s, want %s (%+v)", tc.pnl, dp.Status, tc.status, dp)
			}
			if math.Abs(dp.PercentComplete-50) > 1e-9 || dp.TargetPnL != 100 {
				t.Fatalf("unexpected progress %+v", dp)
			}
			if dp.Recommendation == "" {
				t.Fatal("missing recommendation")
			}
		})
	}
}

func TestTradeAdjustment(t *testing.T) {
	rng := rand.New(rand.NewSource(5))

	behind := AdjustmentFor(models.DailyProgress{Status: models.StatusBehind, PercentComplete: 60, PercentTarget: 15}, rng)
	if !behind.ShouldTrade || behind.FrequencyMultiplier != 1.5 || math.Abs(behind.SizeMultiplier-1.3) > 1e-9 {
		t.Fatalf("max urgency adjustment wrong: %+v", behind)
	}
	partial := AdjustmentFor(models.DailyProgress{Status: models.StatusBehind, PercentComplete: 50, PercentTarget: 35}, rng)
	if math.Abs(partial.FrequencyMultiplier-1.25) > 1e-9 || math.Abs(partial.SizeMultiplier-1.15) > 1e-9 {
		t.Fatalf("half urgency adjustment wrong: %+v", partial)
	}
	ahead := AdjustmentFor(models.DailyProgress{Status: models.StatusAhead}, rng)
	if !ahead.ShouldTrade || ahead.FrequencyMultiplier != 0.9 || ahead.SizeMultiplier != 1.0 {
		t.Fatalf("ahead adjustment wrong: %+v", ahead)
	}

	trades := 0
	const n = 5000
	for i := 0; i < n; i++ {
		adj := AdjustmentFor(models.DailyProgress{Status: models.StatusCompleted}, rng)
		if adj.FrequencyMultiplier != 0.3 || adj.SizeMultiplier != 0.5 {
			t.Fatalf("completed multipliers wrong: %+v", adj)
		}
		if adj.ShouldTrade {
			trades++
		}
	}
	if share := float64(trades) / n; math.Abs(share-0.3) > 0.03 {
		t.Fatalf("completed trade chance %.3f, want ~0.3", share)
	}
}

func TestStateRoundTripSameDay(t *testing.T) {
	tr := NewTracker(5000, 2, day.Add(time.Hour))
	tr.RecordTrade(12.5, day.Add(time.Hour))
	tr.RecordTrade(-3.25, day.Add(2*time.Hour))

	data, err := tr.MarshalState()
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"dayAnchorUTC", "todaysTrades", "targetPercent", "capital"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("persisted layout missing %q: %s", key, data)
		}
	}

	restored, stale, err := Restore(data, day.Add(5*time.Hour))
	if err != nil || stale {
		t.Fatalf("restore failed: stale=%v err=%v", stale, err)
	}
	dp := restored.Progress(day.Add(5 * time.Hour))
	if dp.CurrentPnL != 9.25 || dp.TradesToday != 2 || dp.TargetPnL != 100 {
		t.Fatalf("restored progress wrong: %+v", dp)
	}

	again, _ := restored.MarshalState()
	if string(again) != string(data) {
		t.Fatalf("round trip changed layout:\n%s\n%s", data, again)
	}
}

func TestStateFromPriorDayDiscarded(t *testing.T) {
	tr := NewTracker(5000, 2, day.Add(time.Hour))
	tr.RecordTrade(50, day.Add(time.Hour))
	data, _ := tr.MarshalState()

	tomorrow := day.Add(26 * time.Hour)
	restored, stale, err := Restore(data, tomorrow)
	if err != nil {
		t.Fatal(err)
	}
	if !stale {
		t.Fatal("prior-day state not flagged stale")
	}
	if got := restored.Progress(tomorrow).CurrentPnL; got != 0 {
		t.Fatalf("stale trades merged: %.2f", got)
	}
	if restored.TargetPnL() != 100 {
		t.Fatal("capital/target should survive a discard")
	}
}
