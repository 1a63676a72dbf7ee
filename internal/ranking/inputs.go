package ranking

import (
	"context"
	"fmt"
	"strings"

	"github.com/corridorlab/corridorscope/internal/domain"
	"github.com/corridorlab/corridorscope/internal/persistence"
)

// MarketData is the externally sourced, already normalized market view of
// one entity. Scores are 0-100.
type MarketData struct {
	EntityAddr     string  `json:"entity_addr"`
	ChainID        int64   `json:"chain_id"`
	MarketCapScore float64 `json:"market_cap_score"`
	VolumeScore    float64 `json:"volume_score"`
	MomentumScore  float64 `json:"momentum_score"`
	RiskScore      float64 `json:"risk_score"`
}

// MarketDataProvider lists the entity universe with market scores. The core
// never inlines token metadata tables; a single provider owns them.
type MarketDataProvider interface {
	ListMarketData(ctx context.Context) ([]MarketData, error)
}

// RecentFlipCounter reports bucket flips inside the stability window.
type RecentFlipCounter interface {
	RecentFlips(ctx context.Context, entityAddr string, chainID int64) (int, error)
}

// SignalInputProvider joins market data with the live signal set to build
// ranking inputs: engine confidence from the strongest signal touching the
// entity, the actor-signal term from directional imbalance signals, and the
// conflict lock when live signals pull in both directions.
type SignalInputProvider struct {
	market  MarketDataProvider
	signals persistence.SignalStore
	flips   RecentFlipCounter
}

// NewSignalInputProvider wires the provider.
func NewSignalInputProvider(market MarketDataProvider, signals persistence.SignalStore, flips RecentFlipCounter) *SignalInputProvider {
	return &SignalInputProvider{market: market, signals: signals, flips: flips}
}

// ListInputs implements InputProvider.
func (p *SignalInputProvider) ListInputs(ctx context.Context) ([]domain.RankingInput, error) {
	markets, err := p.market.ListMarketData(ctx)
	if err != nil {
		return nil, fmt.Errorf("market data: %w", err)
	}

	live, err := p.signals.List(ctx, domain.StateActive, 1000)
	if err != nil {
		return nil, fmt.Errorf("active signals: %w", err)
	}

	inputs := make([]domain.RankingInput, 0, len(markets))
	for _, m := range markets {
		in := domain.RankingInput{
			EntityAddr:       m.EntityAddr,
			ChainID:          m.ChainID,
			MarketCapScore:   m.MarketCapScore,
			VolumeScore:      m.VolumeScore,
			MomentumScore:    m.MomentumScore,
			RiskScore:        m.RiskScore,
			EngineConfidence: neutralConfidence,
		}
		applySignals(&in, live)
		if p.flips != nil {
			if n, err := p.flips.RecentFlips(ctx, m.EntityAddr, m.ChainID); err == nil {
				in.RecentFlips = n
			}
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

// applySignals folds the live signal set into one entity's input. Absent
// conflict metadata reads as "no lock".
func applySignals(in *domain.RankingInput, live []*domain.Signal) {
	var (
		best      float64
		positive  bool
		negative  bool
		actorTerm float64
	)
	for _, sig := range live {
		if !touchesEntity(sig, in.EntityAddr) {
			continue
		}
		if sig.ConfidenceScore > best {
			best = sig.ConfidenceScore
		}
		if sig.Type != domain.SignalDirectionImbalance || sig.Metrics.CurrTrend == nil {
			continue
		}
		contribution := sig.ConfidenceScore / 5 // 0-20 per signal
		switch *sig.Metrics.CurrTrend {
		case "outflow":
			// Exchange outflow reads accumulation-positive for the asset.
			actorTerm += contribution
			positive = true
		case "inflow":
			actorTerm -= contribution
			negative = true
		}
	}
	if best > 0 {
		in.EngineConfidence = best
	}
	in.ActorSignalScore = actorTerm
	in.ConflictLock = positive && negative
}

func touchesEntity(sig *domain.Signal, entityAddr string) bool {
	for _, p := range sig.Primary {
		if strings.EqualFold(p, entityAddr) {
			return true
		}
	}
	return false
}
