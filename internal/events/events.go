// Package events carries the engine's observable side effects. The engine
// never logs directly; it emits events to a Sink and the host decides where
// they go (zap, Prometheus, Telegram).
package events

import (
	"sync"
	"time"

	"bot_simulator/internal/models"
)

type Kind string

const (
	TradeOpened     Kind = "trade_opened"
	TradeClosed     Kind = "trade_closed"
	ClosureDeferred Kind = "closure_deferred"
	PriceMissing    Kind = "price_missing"
	TargetMissed    Kind = "target_missed"
	TargetReached   Kind = "target_reached"
	StateDiscarded  Kind = "state_discarded"
	StorageError    Kind = "storage_error"
	LayerChanged    Kind = "layer_changed"
	BotStarted      Kind = "bot_started"
	BotStopped      Kind = "bot_stopped"
	FeedConnected   Kind = "feed_connected"
	FeedDropped     Kind = "feed_dropped"
)

type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

// Severity is the default log severity of a kind.
func (k Kind) Severity() Severity {
	switch k {
	case PriceMissing, TargetMissed, StateDiscarded, FeedDropped, ClosureDeferred:
		return SeverityWarn
	case StorageError:
		return SeverityError
	case LayerChanged:
		return SeverityDebug
	default:
		return SeverityInfo
	}
}

// Event is a single structured observation. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind     Kind
	BotID    string
	Time     time.Time
	Symbol   string
	Position *models.Position
	Trade    *models.Trade
	Progress *models.DailyProgress
	Layer    string
	Delay    time.Duration
	Value    float64
	Message  string
	Err      error
}

type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Discard drops everything.
var Discard Sink = SinkFunc(func(Event) {})

// Recorder keeps every event in memory; used by tests and the simulator.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
