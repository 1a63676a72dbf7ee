package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/corridorlab/corridorscope/internal/domain"
)

// WebhookConfig tunes the webhook dispatcher.
type WebhookConfig struct {
	URL            string        `yaml:"url" json:"url"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	RatePerSecond  float64       `yaml:"rate_per_second" json:"rate_per_second"`
	Burst          int           `yaml:"burst" json:"burst"`
	BreakerMaxFail uint32        `yaml:"breaker_max_fail" json:"breaker_max_fail"`
}

// DefaultWebhookConfig returns conservative delivery defaults.
func DefaultWebhookConfig(url string) WebhookConfig {
	return WebhookConfig{
		URL:            url,
		Timeout:        10 * time.Second,
		RatePerSecond:  2,
		Burst:          5,
		BreakerMaxFail: 5,
	}
}

// WebhookDispatcher posts signal batches as JSON to a configured endpoint,
// behind a circuit breaker and a rate limiter so a broken sink cannot stall
// or hammer anything.
type WebhookDispatcher struct {
	cfg     WebhookConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewWebhookDispatcher builds a webhook dispatcher.
func NewWebhookDispatcher(cfg WebhookConfig) *WebhookDispatcher {
	return &WebhookDispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "signal-webhook",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerMaxFail
			},
		}),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}
}

// payload is the wire shape of one dispatched signal.
type payload struct {
	Key        string         `json:"signal_key"`
	Type       string         `json:"type"`
	Severity   string         `json:"severity"`
	Label      string         `json:"label"`
	Confidence float64        `json:"confidence"`
	Window     string         `json:"window"`
	Summary    domain.Summary `json:"summary"`
	Actors     []string       `json:"actors"`
	Triggered  time.Time      `json:"triggered_at"`
}

// Dispatch implements Dispatcher. Signals are sent one batch per call; a
// non-2xx response fails the whole batch.
func (w *WebhookDispatcher) Dispatch(ctx context.Context, signals []*domain.Signal) (Report, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return Report{Failed: len(signals), Errors: []string{err.Error()}}, err
	}

	batch := make([]payload, 0, len(signals))
	for _, s := range signals {
		batch = append(batch, payload{
			Key:        string(s.Key),
			Type:       string(s.Type),
			Severity:   string(s.Severity),
			Label:      string(s.Label),
			Confidence: s.ConfidenceScore,
			Window:     string(s.Window),
			Summary:    s.Summary,
			Actors:     s.Primary,
			Triggered:  s.LastTriggeredAt,
		})
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return Report{Failed: len(signals)}, fmt.Errorf("encode batch: %w", err)
	}

	_, err = w.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
		return nil, nil
	})
	if err != nil {
		return Report{Failed: len(signals), Errors: []string{err.Error()}}, err
	}
	return Report{Sent: len(signals)}, nil
}
