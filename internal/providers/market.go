// Package providers holds clients for external data feeds.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/corridorlab/corridorscope/internal/ranking"
)

// MarketConfig tunes the market feed client.
type MarketConfig struct {
	URL     string        `yaml:"url" json:"url"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// CacheFor serves repeated reads from the last fetch.
	CacheFor time.Duration `yaml:"cache_for" json:"cache_for"`
}

// DefaultMarketConfig returns conservative defaults.
func DefaultMarketConfig(url string) MarketConfig {
	return MarketConfig{URL: url, Timeout: 10 * time.Second, CacheFor: time.Minute}
}

// marketEntry is the feed's wire shape: ranking inputs plus the spot price
// used by outcome resolution.
type marketEntry struct {
	ranking.MarketData
	PriceUSD float64 `json:"price_usd"`
}

// MarketFeed fetches the entity universe with market scores and spot prices
// from a JSON endpoint. It implements ranking.MarketDataProvider and the
// outcome tracker's price lookup from the same payload.
type MarketFeed struct {
	cfg     MarketConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker

	mu        sync.Mutex
	entries   []marketEntry
	fetchedAt time.Time
}

// NewMarketFeed builds the feed client.
func NewMarketFeed(cfg MarketConfig) *MarketFeed {
	return &MarketFeed{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "market-feed",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// ListMarketData implements ranking.MarketDataProvider.
func (f *MarketFeed) ListMarketData(ctx context.Context) ([]ranking.MarketData, error) {
	entries, err := f.fetch(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ranking.MarketData, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.MarketData)
	}
	return out, nil
}

// PriceUSD implements the outcome tracker's price lookup.
func (f *MarketFeed) PriceUSD(ctx context.Context, entityAddr string, chainID int64) (float64, error) {
	entries, err := f.fetch(ctx)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if e.ChainID == chainID && strings.EqualFold(e.EntityAddr, entityAddr) {
			return e.PriceUSD, nil
		}
	}
	return 0, fmt.Errorf("no price for %s on chain %d", entityAddr, chainID)
}

func (f *MarketFeed) fetch(ctx context.Context) ([]marketEntry, error) {
	f.mu.Lock()
	if time.Since(f.fetchedAt) < f.cfg.CacheFor && f.entries != nil {
		cached := f.entries
		f.mu.Unlock()
		return cached, nil
	}
	f.mu.Unlock()

	res, err := f.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("market feed returned %d", resp.StatusCode)
		}
		var entries []marketEntry
		if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
			return nil, fmt.Errorf("failed to decode market feed: %w", err)
		}
		return entries, nil
	})
	if err != nil {
		// Serve stale data over nothing while the feed is down.
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.entries != nil {
			log.Warn().Err(err).Str("component", "providers").Msg("market feed down, serving stale data")
			return f.entries, nil
		}
		return nil, fmt.Errorf("market feed: %w", err)
	}

	entries := res.([]marketEntry)
	f.mu.Lock()
	f.entries = entries
	f.fetchedAt = time.Now()
	f.mu.Unlock()
	return entries, nil
}
