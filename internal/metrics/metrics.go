// Package metrics exposes Prometheus series for the simulator:
//
//	sim_trades_total{bot,result}            closed trades by win|loss
//	sim_close_reasons_total{bot,reason}     closes by TP|SL|EARLY|TIMEOUT|MANUAL
//	sim_closures_deferred_total{bot}        closures pushed back by the scheduler
//	sim_daily_pnl_usd{bot}                  realized P&L of the current UTC day
//	sim_daily_progress_percent{bot}         realized P&L as percent of target
//	sim_target_events_total{bot,outcome}    reached|missed
//	sim_price_missing_total{symbol}         ticks without a reference price
//	sim_feed_reconnects_total               stream redials
//	sim_storage_errors_total{bot}           failed state writes
//	sim_active_layer{bot,layer}             1 for the dominant convergence layer
//
// Registered in init() and served at /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"bot_simulator/internal/events"
)

var (
	mtxTrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sim_trades_total",
			Help: "Closed simulated trades",
		},
		[]string{"bot", "result"},
	)

	mtxCloseReasons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sim_close_reasons_total",
			Help: "Closed trades split by close reason",
		},
		[]string{"bot", "reason"},
	)

	mtxDeferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sim_closures_deferred_total",
			Help: "Closures deferred by the closure scheduler",
		},
		[]string{"bot"},
	)

	mtxDailyPnL = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sim_daily_pnl_usd",
			Help: "Realized P&L of the current UTC day",
		},
		[]string{"bot"},
	)

	mtxProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sim_daily_progress_percent",
			Help: "Realized P&L as a percent of the daily target",
		},
		[]string{"bot"},
	)

	mtxTargetEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sim_target_events_total",
			Help: "Daily target reached or declared unreachable",
		},
		[]string{"bot", "outcome"},
	)

	mtxPriceMissing = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sim_price_missing_total",
			Help: "Ticks that found no reference price",
		},
		[]string{"symbol"},
	)

	mtxFeedReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sim_feed_reconnects_total",
			Help: "Price stream reconnect attempts",
		},
	)

	mtxStorageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sim_storage_errors_total",
			Help: "Failed per-bot state writes",
		},
		[]string{"bot"},
	)

	// one labeled series per layer, flipped between 0 and 1
	mtxActiveLayer = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sim_active_layer",
			Help: "Dominant convergence layer per bot",
		},
		[]string{"bot", "layer"},
	)
)

func init() {
	prometheus.MustRegister(
		mtxTrades,
		mtxCloseReasons,
		mtxDeferred,
		mtxDailyPnL,
		mtxProgress,
		mtxTargetEvents,
		mtxPriceMissing,
		mtxFeedReconnects,
		mtxStorageErrors,
		mtxActiveLayer,
	)
}

// Sink turns engine events into metric updates.
type Sink struct {
	mu     sync.Mutex
	layers map[string]string
}

func NewSink() *Sink {
	return &Sink{layers: make(map[string]string)}
}

func (s *Sink) Emit(e events.Event) {
	switch e.Kind {
	case events.TradeClosed:
		if t := e.Trade; t != nil {
			result := "win"
			if t.RealizedPL <= 0 {
				result = "loss"
			}
			mtxTrades.WithLabelValues(e.BotID, result).Inc()
			mtxCloseReasons.WithLabelValues(e.BotID, t.CloseReason).Inc()
		}
		if p := e.Progress; p != nil {
			mtxDailyPnL.WithLabelValues(e.BotID).Set(p.CurrentPnL)
			mtxProgress.WithLabelValues(e.BotID).Set(p.PercentTarget)
		}
	case events.ClosureDeferred:
		mtxDeferred.WithLabelValues(e.BotID).Inc()
	case events.TargetReached:
		mtxTargetEvents.WithLabelValues(e.BotID, "reached").Inc()
	case events.TargetMissed:
		mtxTargetEvents.WithLabelValues(e.BotID, "missed").Inc()
	case events.PriceMissing:
		mtxPriceMissing.WithLabelValues(e.Symbol).Inc()
	case events.FeedDropped:
		mtxFeedReconnects.Inc()
	case events.StorageError:
		mtxStorageErrors.WithLabelValues(e.BotID).Inc()
	case events.LayerChanged:
		s.mu.Lock()
		if prev, ok := s.layers[e.BotID]; ok {
			mtxActiveLayer.WithLabelValues(e.BotID, prev).Set(0)
		}
		s.layers[e.BotID] = e.Layer
		s.mu.Unlock()
		mtxActiveLayer.WithLabelValues(e.BotID, e.Layer).Set(1)
	case events.BotStopped:
		s.mu.Lock()
		delete(s.layers, e.BotID)
		s.mu.Unlock()
	}
}
