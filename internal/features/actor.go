// Package features derives per-actor, per-market and per-corridor feature
// vectors from windowed transfer activity. All builders are pure functions
// of their input bucket and are idempotent per (network, bucketTimestamp),
// so they may run in parallel.
package features

import (
	"math"
	"sort"
	"time"

	"github.com/corridorlab/corridorscope/internal/domain"
)

// ActorBucket is the aggregation interval for actor features.
const ActorBucket = 15 * time.Minute

// Influence weighting per the V3 feature contract.
const (
	influenceVolumeWeight       = 0.55
	influenceCounterpartyWeight = 0.35
)

// Normalization anchors for influence inputs.
const (
	actorVolNormUSD      = 5_000_000 // $5M window volume saturates normVol
	actorCounterpartyCap = 25        // counterparties saturating normCounterparties
	whaleTxFloorUSD      = 250_000   // single-tx size counting toward whale score
)

// ActorFeatures is the 15-minute feature vector for one actor.
type ActorFeatures struct {
	ActorID         string           `json:"actor_id"`
	Network         string           `json:"network"`
	BucketTimestamp time.Time        `json:"bucket_ts"`
	Type            domain.ActorType `json:"type"`

	InflowUSD     float64 `json:"inflow_usd"`
	OutflowUSD    float64 `json:"outflow_usd"`
	NetFlowUSD    float64 `json:"net_flow_usd"`
	TxCount       int     `json:"tx_count"`
	UniqueCtparts int     `json:"unique_counterparties"`
	FanIn         int     `json:"fan_in"`
	FanOut        int     `json:"fan_out"`

	// OutflowEntropy is the Shannon entropy of the outgoing USD
	// distribution over counterparties, normalized to [0,1].
	OutflowEntropy float64 `json:"outflow_entropy"`

	InfluenceScore float64 `json:"influence_score"`
	WhaleScore     float64 `json:"whale_score"`
	NoiseScore     float64 `json:"noise_score"`
}

// BuildActorFeatures derives the actor feature vector for one bucket of
// transfers. Transfers outside strong attribution are ignored, matching the
// snapshot coverage rule.
func BuildActorFeatures(network string, bucketTS time.Time, transfers []domain.Transfer, directory func(string) (domain.ActorType, bool)) []ActorFeatures {
	type accum struct {
		inflow, outflow float64
		txCount         int
		inPeers         map[string]struct{}
		outPeers        map[string]struct{}
		outByPeer       map[string]float64
		whaleTx         int
		dustTx          int
	}

	actors := make(map[string]*accum)
	get := func(id string) *accum {
		a, ok := actors[id]
		if !ok {
			a = &accum{
				inPeers:   make(map[string]struct{}),
				outPeers:  make(map[string]struct{}),
				outByPeer: make(map[string]float64),
			}
			actors[id] = a
		}
		return a
	}

	for _, t := range transfers {
		fromStrong := t.FromAttribution.Strong() && t.FromActor != ""
		toStrong := t.ToAttribution.Strong() && t.ToActor != ""

		if fromStrong {
			a := get(t.FromActor)
			a.outflow += t.AmountUSD
			a.txCount++
			if toStrong {
				a.outPeers[t.ToActor] = struct{}{}
				a.outByPeer[t.ToActor] += t.AmountUSD
			}
			if t.AmountUSD >= whaleTxFloorUSD {
				a.whaleTx++
			}
			if t.AmountUSD < 100 {
				a.dustTx++
			}
		}
		if toStrong {
			a := get(t.ToActor)
			a.inflow += t.AmountUSD
			a.txCount++
			if fromStrong {
				a.inPeers[t.FromActor] = struct{}{}
			}
		}
	}

	out := make([]ActorFeatures, 0, len(actors))
	for id, a := range actors {
		peers := make(map[string]struct{}, len(a.inPeers)+len(a.outPeers))
		for p := range a.inPeers {
			peers[p] = struct{}{}
		}
		for p := range a.outPeers {
			peers[p] = struct{}{}
		}

		f := ActorFeatures{
			ActorID:         id,
			Network:         network,
			BucketTimestamp: bucketTS,
			Type:            domain.ActorTrader,
			InflowUSD:       a.inflow,
			OutflowUSD:      a.outflow,
			NetFlowUSD:      a.inflow - a.outflow,
			TxCount:         a.txCount,
			UniqueCtparts:   len(peers),
			FanIn:           len(a.inPeers),
			FanOut:          len(a.outPeers),
			OutflowEntropy:  shannonEntropy(a.outByPeer),
		}
		if directory != nil {
			if at, ok := directory(id); ok {
				f.Type = at
			}
		}

		normVol := math.Min(1, (a.inflow+a.outflow)/actorVolNormUSD)
		normCtparts := math.Min(1, float64(len(peers))/actorCounterpartyCap)
		f.InfluenceScore = clamp01(influenceVolumeWeight*normVol + influenceCounterpartyWeight*normCtparts + roleBoost(f.Type))

		if a.txCount > 0 {
			f.WhaleScore = clamp01(float64(a.whaleTx) / float64(a.txCount) * math.Min(1, (a.inflow+a.outflow)/actorVolNormUSD+0.5))
			f.NoiseScore = clamp01(float64(a.dustTx) / float64(a.txCount))
		}
		out = append(out, f)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out
}

// roleBoost gives attributed institutional roles a head start on influence.
func roleBoost(t domain.ActorType) float64 {
	switch t {
	case domain.ActorExchange, domain.ActorMarketMaker:
		return 0.10
	case domain.ActorFund, domain.ActorProtocol:
		return 0.05
	default:
		return 0
	}
}

// shannonEntropy computes the normalized Shannon entropy of a USD
// distribution; 0 for degenerate distributions, 1 for uniform.
func shannonEntropy(byPeer map[string]float64) float64 {
	if len(byPeer) < 2 {
		return 0
	}
	total := 0.0
	for _, v := range byPeer {
		total += v
	}
	if total <= 0 {
		return 0
	}
	h := 0.0
	for _, v := range byPeer {
		if v <= 0 {
			continue
		}
		p := v / total
		h -= p * math.Log2(p)
	}
	return h / math.Log2(float64(len(byPeer)))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
