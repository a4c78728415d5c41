package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bot_simulator/config"
	"bot_simulator/internal/engine"
	"bot_simulator/internal/models"
	"bot_simulator/internal/preset"
)

// FeedStatus reports the price stream's health.
type FeedStatus interface {
	Connected() bool
	LastMessage() time.Time
}

type Server struct {
	manager   *engine.Manager
	feed      FeedStatus
	port      string
	startTime time.Time
	srv       *http.Server
}

func NewServer(manager *engine.Manager, feed FeedStatus, port string) *Server {
	return &Server{
		manager:   manager,
		feed:      feed,
		port:      port,
		startTime: time.Now(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/bots", s.handleBots)
	mux.HandleFunc("GET /api/bots/{id}/progress", s.handleProgress)
	mux.HandleFunc("GET /api/bots/{id}/positions", s.handlePositions)
	mux.HandleFunc("GET /api/bots/{id}/trades", s.handleTrades)
	mux.HandleFunc("POST /api/bots/{id}/action", s.handleAction)
	mux.HandleFunc("POST /api/preview", s.handlePreview)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("🌐 Web server starting on http://localhost:%s", s.port)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Web server error: %v", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type serviceStatus struct {
		Name    string `json:"name"`
		Status  string `json:"status"`
		Message string `json:"message"`
	}

	results := make([]serviceStatus, 0, 2)

	feedStatus := serviceStatus{Name: "Price stream", Status: "disabled", Message: "no stream configured"}
	if s.feed != nil {
		if s.feed.Connected() {
			feedStatus.Status = "ok"
			feedStatus.Message = fmt.Sprintf("last message %s ago", time.Since(s.feed.LastMessage()).Round(time.Second))
		} else {
			feedStatus.Status = "error"
			feedStatus.Message = "reconnecting"
		}
	}
	results = append(results, feedStatus)

	running := 0
	bots := s.manager.List()
	for _, b := range bots {
		if b.IsRunning() {
			running++
		}
	}
	results = append(results, serviceStatus{
		Name:    "Bots",
		Status:  "ok",
		Message: fmt.Sprintf("%d of %d running", running, len(bots)),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"services":  results,
		"uptime":    time.Since(s.startTime).Round(time.Second).String(),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleBots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Stats())
}

// bot resolves {id} or answers 404.
func (s *Server) bot(w http.ResponseWriter, r *http.Request) (*engine.Bot, bool) {
	b, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	return b, true
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	b, ok := s.bot(w, r)
	if !ok {
		return
	}
	m := b.Metrics()
	writeJSON(w, http.StatusOK, map[string]any{
		"progress":         b.Progress(),
		"trades_remaining": m.TradesRemaining,
		"emergency_mode":   m.EmergencyMode,
		"micro_steering":   m.MicroSteeringActive,
		"active_layer":     b.ActiveLayer(),
		"balance":          b.Balance(),
		"recent_closures":  len(b.Closures()),
		"capital":          m.Capital,
	})
}

type positionResponse struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Leverage       float64   `json:"leverage"`
	PositionSize   float64   `json:"position_size"`
	EntryPrice     float64   `json:"entry_price"`
	CurrentPrice   float64   `json:"current_price"`
	UnrealizedPL   float64   `json:"unrealized_pl"`
	PLPercent      float64   `json:"pl_percent"`
	TargetPnLPct   float64   `json:"target_pnl_pct"`
	StopLossPnLPct float64   `json:"stop_loss_pnl_pct"`
	OpenTime       time.Time `json:"open_time"`
	CloseReason    string    `json:"close_reason,omitempty"`
	ScheduledClose *int64    `json:"scheduled_close,omitempty"`
}

func toPositionResponse(p models.Position) positionResponse {
	resp := positionResponse{
		ID:             p.ID,
		Symbol:         p.Symbol,
		Side:           string(p.Side),
		Leverage:       p.Leverage,
		PositionSize:   p.PositionSize,
		EntryPrice:     p.EntryPrice,
		CurrentPrice:   p.CurrentPrice,
		UnrealizedPL:   p.UnrealizedPL,
		PLPercent:      p.PLPercent,
		TargetPnLPct:   p.TargetPnLPct,
		StopLossPnLPct: p.StopLossPnLPct,
		OpenTime:       p.OpenTime,
		CloseReason:    p.CloseReason,
	}
	if !p.ScheduledClose.IsZero() {
		ms := p.ScheduledClose.UnixMilli()
		resp.ScheduledClose = &ms
	}
	return resp
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	b, ok := s.bot(w, r)
	if !ok {
		return
	}
	positions := b.Positions()
	out := make([]positionResponse, len(positions))
	for i, p := range positions {
		out[i] = toPositionResponse(p)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleTrades returns the newest ?limit= trades, newest last.
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	b, ok := s.bot(w, r)
	if !ok {
		return
	}
	trades := b.Trades()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		if n < len(trades) {
			trades = trades[len(trades)-n:]
		}
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var data struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	var err error
	switch data.Action {
	case "start":
		log.Printf("▶️ Start requested for %s", id)
		err = s.manager.Start(id)
	case "stop":
		log.Printf("⏸️ Stop requested for %s", id)
		err = s.manager.Stop(id)
	case "delete":
		log.Printf("🗑️ Delete requested for %s", id)
		err = s.manager.Delete(id)
	case "close_all":
		var b *engine.Bot
		if b, err = s.manager.Get(id); err == nil {
			n := b.CloseAll()
			log.Printf("❌ Close all requested for %s: %d positions queued", id, n)
		}
	default:
		http.Error(w, "Unknown action", http.StatusBadRequest)
		return
	}
	if err != nil {
		if errors.Is(err, engine.ErrBotNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

// handlePreview forecasts a profile. ?seed= pins the Monte Carlo run.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var profile config.BotProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	seed := time.Now().UnixNano()
	if v := r.URL.Query().Get("seed"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid seed %q", v))
			return
		}
		seed = n
	}

	preview, err := preset.Forecast(profile, seed)
	if err != nil {
		if errors.Is(err, config.ErrInvalidProfile) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}
