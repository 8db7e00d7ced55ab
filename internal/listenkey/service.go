// Package listenkey issues and keeps alive the Binance listen keys that user
// data streams are opened with.
package listenkey

import (
	"context"
	"fmt"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/delivery"
	"github.com/adshao/go-binance/v2/futures"

	"venuestream/config"
)

// Service is the REST surface for one market's user data stream.
type Service interface {
	Start(ctx context.Context) (string, error)
	Keepalive(ctx context.Context, key string) error
	Close(ctx context.Context, key string) error
}

// NewService returns the go-binance backed Service for the venue's market.
// RestURL, when set, overrides the client base URL.
func NewService(cfg config.VenueConfig) (Service, error) {
	switch cfg.Market {
	case config.MarketSpot:
		c := binance.NewClient(cfg.APIKey, cfg.APISecret)
		if cfg.RestURL != "" {
			c.BaseURL = cfg.RestURL
		}
		return &spotService{client: c}, nil
	case config.MarketUSDM:
		c := futures.NewClient(cfg.APIKey, cfg.APISecret)
		if cfg.RestURL != "" {
			c.BaseURL = cfg.RestURL
		}
		return &usdmService{client: c}, nil
	case config.MarketCOINM:
		c := delivery.NewClient(cfg.APIKey, cfg.APISecret)
		if cfg.RestURL != "" {
			c.BaseURL = cfg.RestURL
		}
		return &coinmService{client: c}, nil
	default:
		return nil, fmt.Errorf("no listen key service for market '%s'", cfg.Market)
	}
}

type spotService struct{ client *binance.Client }

func (s *spotService) Start(ctx context.Context) (string, error) {
	return s.client.NewStartUserStreamService().Do(ctx)
}

func (s *spotService) Keepalive(ctx context.Context, key string) error {
	return s.client.NewKeepaliveUserStreamService().ListenKey(key).Do(ctx)
}

func (s *spotService) Close(ctx context.Context, key string) error {
	return s.client.NewCloseUserStreamService().ListenKey(key).Do(ctx)
}

type usdmService struct{ client *futures.Client }

func (s *usdmService) Start(ctx context.Context) (string, error) {
	return s.client.NewStartUserStreamService().Do(ctx)
}

func (s *usdmService) Keepalive(ctx context.Context, key string) error {
	return s.client.NewKeepaliveUserStreamService().ListenKey(key).Do(ctx)
}

func (s *usdmService) Close(ctx context.Context, key string) error {
	return s.client.NewCloseUserStreamService().ListenKey(key).Do(ctx)
}

type coinmService struct{ client *delivery.Client }

func (s *coinmService) Start(ctx context.Context) (string, error) {
	return s.client.NewStartUserStreamService().Do(ctx)
}

func (s *coinmService) Keepalive(ctx context.Context, key string) error {
	return s.client.NewKeepaliveUserStreamService().ListenKey(key).Do(ctx)
}

func (s *coinmService) Close(ctx context.Context, key string) error {
	return s.client.NewCloseUserStreamService().ListenKey(key).Do(ctx)
}
