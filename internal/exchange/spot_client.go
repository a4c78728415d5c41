package exchange

import (
	"context"
	"fmt"

	"github.com/adshao/go-binance/v2"
)

// SpotClient reads Binance spot prices
type SpotClient struct {
	client *binance.Client
}

func NewSpotClient() *SpotClient {
	return &SpotClient{client: binance.NewClient("", "")}
}

func (s *SpotClient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := s.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no price data for %s", symbol)
	}
	return parseFloat(prices[0].Price), nil
}

func (s *SpotClient) GetPrices(ctx context.Context) (map[string]float64, error) {
	prices, err := s.client.NewListPricesService().Do(ctx)
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
