package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bot_simulator/config"
	"bot_simulator/internal/analysis"
	"bot_simulator/internal/engine"
	"bot_simulator/internal/exchange"
	"bot_simulator/internal/models"
	"bot_simulator/internal/storage"
)

func testProfile() config.BotProfile {
	return config.BotProfile{
		WinRate:        0.6,
		WinPnL:         config.Range{Min: 0.5, Max: 1},
		LossPnL:        config.Range{Min: 0.3, Max: 0.6},
		PositionSize:   config.Range{Min: 50, Max: 100},
		Leverage:       config.Range{Min: 5, Max: 10},
		TradesPerDay:   40,
		DailyTargetPct: 1,
		Capital:        1000,
		Pairs:          []string{"BTCUSDT"},
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *engine.Manager) {
	t.Helper()
	cfg := &config.Config{TickInterval: time.Hour}
	m := engine.NewManager(cfg, exchange.NewPriceBook(), analysis.NewTrendClassifier(), storage.NewMemoryStore(), nil)
	if _, err := m.Create(config.BotSpec{ID: "alpha", Name: "Alpha", Profile: testProfile()}); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(NewServer(m, nil, "0").Handler())
	t.Cleanup(func() {
		srv.Close()
		m.Shutdown()
	})
	return srv, m
}

func TestListBots(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/bots")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var stats []models.BotStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 || stats[0].ID != "alpha" || stats[0].Name != "Alpha" || stats[0].Running {
		t.Fatalf("stats %+v", stats)
	}
}

func TestProgressAndUnknownBot(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/bots/alpha/progress")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Progress    models.DailyProgress `json:"progress"`
		ActiveLayer string               `json:"active_layer"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || body.Progress.TargetPnL != 10 || body.ActiveLayer == "" {
		t.Fatalf("status %d body %+v", resp.StatusCode, body)
	}

	resp, err = http.Get(srv.URL + "/api/bots/nope/positions")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown bot: %d", resp.StatusCode)
	}
}

func TestActions(t *testing.T) {
	srv, m := newTestServer(t)

	post := func(body string) int {
		resp, err := http.Post(srv.URL+"/api/bots/alpha/action", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := post(`{"action":"start"}`); code != http.StatusOK {
		t.Fatalf("start: %d", code)
	}
	bot, _ := m.Get("alpha")
	if !bot.IsRunning() {
		t.Fatal("bot not started")
	}
	if code := post(`{"action":"stop"}`); code != http.StatusOK || bot.IsRunning() {
		t.Fatalf("stop: %d", code)
	}
	if code := post(`{"action":"explode"}`); code != http.StatusBadRequest {
		t.Fatalf("unknown action: %d", code)
	}
	if code := post(`{"action":"delete"}`); code != http.StatusOK {
		t.Fatalf("delete: %d", code)
	}
	if code := post(`{"action":"start"}`); code != http.StatusNotFound {
		t.Fatalf("start after delete: %d", code)
	}
}

func TestPreview(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(testProfile())
	resp, err := http.Post(srv.URL+"/api/preview?seed=5", "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatal(err)
	}
	var preview models.RiskMetricsPreview
	json.NewDecoder(resp.Body).Decode(&preview)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || preview.Probability == "" {
		t.Fatalf("status %d preview %+v", resp.StatusCode, preview)
	}

	bad := testProfile()
	bad.TradesPerDay = 0
	body, _ = json.Marshal(bad)
	resp, err = http.Post(srv.URL+"/api/preview", "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid profile: %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
}
