package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bitly/go-simplejson"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"bot_simulator/config"
	"bot_simulator/internal/events"
)

const (
	futuresStreamBase = "wss://fstream.binance.com"
	spotStreamBase    = "wss://stream.binance.com:9443"
)

// StreamURL builds a combined-stream URL for symbols. Futures subscribe to
// mark price, spot to the mini ticker.
func StreamURL(base string, market config.MarketMode, symbols []string) string {
	suffix := "@markPrice@1s"
	if market == config.MarketSpot {
		suffix = "@miniTicker"
	}
	if base == "" {
		base = futuresStreamBase
		if market == config.MarketSpot {
			base = spotStreamBase
		}
	}
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+suffix)
	}
	return strings.TrimRight(base, "/") + "/stream?streams=" + strings.Join(streams, "/")
}

// Tick is one price observation decoded from the stream.
type Tick struct {
	Symbol    string
	Price     float64
	EventTime time.Time
}

// ParseMessage decodes markPriceUpdate, 24hrMiniTicker and aggTrade payloads,
// bare or wrapped in a combined-stream envelope, single or batched.
func ParseMessage(msg []byte) ([]Tick, error) {
	js, err := simplejson.NewJson(msg)
	if err != nil {
		return nil, fmt.Errorf("decode stream message: %w", err)
	}
	if data, ok := js.CheckGet("data"); ok {
		js = data
	}
	if arr, err := js.Array(); err == nil {
		var ticks []Tick
		for i := range arr {
			if t, ok := parseEvent(js.GetIndex(i)); ok {
				ticks = append(ticks, t)
			}
		}
		return ticks, nil
	}
	if t, ok := parseEvent(js); ok {
		return []Tick{t}, nil
	}
	return nil, nil
}

func parseEvent(js *simplejson.Json) (Tick, bool) {
	var field string
	switch js.Get("e").MustString() {
	case "markPriceUpdate", "aggTrade", "trade":
		field = "p"
	case "24hrMiniTicker", "24hrTicker":
		field = "c"
	default:
		return Tick{}, false
	}
	symbol := js.Get("s").MustString()
	price, err := strconv.ParseFloat(js.Get(field).MustString(), 64)
	if symbol == "" || err != nil || price <= 0 {
		return Tick{}, false
	}
	t := Tick{Symbol: symbol, Price: price, EventTime: time.Now()}
	if ms := js.Get("E").MustInt64(); ms > 0 {
		t.EventTime = time.UnixMilli(ms)
	}
	return t, true
}

// StreamFeed keeps a websocket subscription alive and writes every decoded
// price into a PriceBook. Dropped connections are redialed with exponential
// backoff until the context ends.
type StreamFeed struct {
	Name string
	URL  string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	Watchdog     time.Duration // redial when nothing arrives for this long

	book    *PriceBook
	sink    events.Sink
	backoff *backoff.Backoff
	dialer  *websocket.Dialer

	mu        sync.Mutex
	connected bool
	lastMsg   time.Time
}

func NewStreamFeed(url string, book *PriceBook, sink events.Sink) *StreamFeed {
	if sink == nil {
		sink = events.Discard
	}
	return &StreamFeed{
		Name:         "binance",
		URL:          url,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		PingInterval: 20 * time.Second,
		Watchdog:     15 * time.Second,
		book:         book,
		sink:         sink,
		backoff: &backoff.Backoff{
			Min:    500 * time.Millisecond,
			Max:    30 * time.Second,
			Factor: 2,
			Jitter: true,
		},
		dialer: websocket.DefaultDialer,
	}
}

// Connected reports whether a session is currently open.
func (f *StreamFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// LastMessage is when the last decodable message arrived.
func (f *StreamFeed) LastMessage() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastMsg
}

// Run blocks until ctx is cancelled.
func (f *StreamFeed) Run(ctx context.Context) {
	for {
		err := f.session(ctx)
		f.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		wait := f.backoff.Duration()
		f.sink.Emit(events.Event{
			Kind:    events.FeedDropped,
			Time:    time.Now(),
			Delay:   wait,
			Err:     err,
			Message: fmt.Sprintf("🔌 %s stream dropped, redialing", f.Name),
		})
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (f *StreamFeed) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *StreamFeed) touch() {
	f.mu.Lock()
	f.lastMsg = time.Now()
	f.mu.Unlock()
}

// session runs one connection until it fails or ctx ends.
func (f *StreamFeed) session(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.URL, err)
	}
	defer conn.Close()

	f.setConnected(true)
	f.touch()
	f.sink.Emit(events.Event{Kind: events.FeedConnected, Time: time.Now(), Message: fmt.Sprintf("📡 %s stream connected", f.Name)})

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(f.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.ReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go f.keepalive(ctx, conn, done)

	received := false
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(f.ReadTimeout))

		ticks, err := ParseMessage(msg)
		if err != nil {
			continue
		}
		f.touch()
		if !received {
			received = true
			f.backoff.Reset()
		}
		for _, t := range ticks {
			f.book.Set(t.Symbol, t.Price, t.EventTime)
		}
	}
}

// keepalive pings the server, closes the connection when ctx ends, and
// forces a redial when the stream goes quiet.
func (f *StreamFeed) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ping := time.NewTicker(f.PingInterval)
	defer ping.Stop()
	check := f.Watchdog / 3
	if check <= 0 {
		check = time.Second
	}
	watchdog := time.NewTicker(check)
	defer watchdog.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(f.WriteTimeout))
			conn.Close()
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(f.WriteTimeout)); err != nil {
				conn.Close()
				return
			}
		case <-watchdog.C:
			if f.Watchdog > 0 && time.Since(f.LastMessage()) > f.Watchdog {
				conn.Close()
				return
			}
		}
	}
}
