package exchange

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"bot_simulator/config"
	"bot_simulator/internal/events"
)

// SnapshotClient fetches reference prices over REST. Used to seed the
// PriceBook before the stream delivers and to backfill gaps.
type SnapshotClient interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetPrices(ctx context.Context) (map[string]float64, error)
}

// NewSnapshotClient picks the public REST client for market. No API keys are
// needed for price endpoints.
func NewSnapshotClient(market config.MarketMode) SnapshotClient {
	if market == config.MarketSpot {
		return NewSpotClient()
	}
	return NewFuturesClient()
}

// FuturesClient reads Binance USDⓈ-M futures prices
type FuturesClient struct {
	client *futures.Client
}

func NewFuturesClient() *FuturesClient {
	return &FuturesClient{client: futures.NewClient("", "")}
}

func (b *FuturesClient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no price data for %s", symbol)
	}
	return parseFloat(prices[0].Price), nil
}

func (b *FuturesClient) GetPrices(ctx context.Context) (map[string]float64, error) {
	prices, err := b.client.NewListPricesService().Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(prices))
	for _, p := range prices {
		if v := parseFloat(p.Price); v > 0 {
			out[p.Symbol] = v
		}
	}
	return out, nil
}

// Backfill writes REST prices for the given symbols into book and returns the
// symbols the exchange did not quote.
func Backfill(ctx context.Context, client SnapshotClient, book *PriceBook, symbols []string) ([]string, error) {
	prices, err := client.GetPrices(ctx)
	if err != nil {
		return symbols, fmt.Errorf("fetch price snapshot: %w", err)
	}
	now := time.Now()
	var missing []string
	for _, s := range symbols {
		p, ok := prices[s]
		if !ok {
			missing = append(missing, s)
			continue
		}
		// the stream is fresher; only fill gaps and stale quotes
		if q, ok := book.Quote(s); ok && now.Sub(q.UpdatedAt) < time.Minute {
			continue
		}
		book.Set(s, p, now)
	}
	sort.Strings(missing)
	return missing, nil
}

// RunSnapshots backfills every interval until ctx ends. symbols is called
// each round so newly created bots are picked up.
func RunSnapshots(ctx context.Context, client SnapshotClient, book *PriceBook, symbols func() []string, every time.Duration, sink events.Sink) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			missing, err := Backfill(reqCtx, client, book, symbols())
			cancel()
			if err != nil {
				sink.Emit(events.Event{Kind: events.FeedDropped, Time: time.Now(), Err: err, Message: "⚠️ REST price snapshot failed"})
				continue
			}
			for _, s := range missing {
				sink.Emit(events.Event{Kind: events.PriceMissing, Time: time.Now(), Symbol: s, Message: "⚠️ symbol not quoted by exchange"})
			}
		}
	}
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
