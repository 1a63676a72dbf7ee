package features

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/corridorlab/corridorscope/internal/domain"
)

// CorridorBucket is the aggregation interval for corridor features.
const CorridorBucket = time.Hour

// Quality score weights; the four terms are equally weighted.
const corridorQualityWeight = 0.25

// CorridorKey identifies a typed flow corridor.
type CorridorKey struct {
	FromType  domain.ActorType `json:"from_type"`
	ToType    domain.ActorType `json:"to_type"`
	Direction string           `json:"direction"` // "in" | "out" relative to FromType
}

// String renders the corridor key for logs and map indexing.
func (k CorridorKey) String() string {
	return fmt.Sprintf("%s->%s:%s", k.FromType, k.ToType, k.Direction)
}

// CorridorFeatures is the hourly feature vector for one typed corridor.
type CorridorFeatures struct {
	Key             CorridorKey `json:"key"`
	Network         string      `json:"network"`
	BucketTimestamp time.Time   `json:"bucket_ts"`

	TransferCount int     `json:"transfer_count"`
	TotalUSD      float64 `json:"total_usd"`
	NetFlowUSD    float64 `json:"net_flow_usd"`

	// Persistence is the share of recent daily buckets with activity.
	Persistence float64 `json:"persistence"`

	// RepeatRate is the share of actor pairs seen in more than one bucket.
	RepeatRate float64 `json:"repeat_rate"`

	// NetFlowSlope is the least-squares slope of daily transfer counts.
	NetFlowSlope float64 `json:"net_flow_slope"`

	// ParticipationEntropy is the normalized entropy of per-actor activity.
	ParticipationEntropy float64 `json:"participation_entropy"`
	ConcentrationIndex   float64 `json:"concentration_index"`
	TopActorShare        float64 `json:"top_actor_share"`
	NewActorRate         float64 `json:"new_actor_rate"`

	QualityScore float64 `json:"quality_score"`
}

// CorridorInput is the history one corridor bucket computation needs.
type CorridorInput struct {
	Key             CorridorKey
	Network         string
	BucketTimestamp time.Time

	// Transfers in the current bucket, already filtered to the corridor.
	Transfers []domain.Transfer

	// DailyCounts are transfer counts per day, oldest first, covering the
	// persistence lookback.
	DailyCounts []int

	// KnownActors are actor ids seen in this corridor before the bucket.
	KnownActors map[string]struct{}

	// RepeatPairs is the count of actor pairs previously observed; 0 when
	// no history exists.
	RepeatPairs int
	TotalPairs  int
}

// BuildCorridorFeatures derives the hourly corridor feature vector.
func BuildCorridorFeatures(in CorridorInput) CorridorFeatures {
	f := CorridorFeatures{
		Key:             in.Key,
		Network:         in.Network,
		BucketTimestamp: in.BucketTimestamp,
		TransferCount:   len(in.Transfers),
	}

	byActor := make(map[string]float64)
	newActors := 0
	seen := make(map[string]struct{})
	for _, t := range in.Transfers {
		f.TotalUSD += t.AmountUSD
		if in.Key.Direction == "in" {
			f.NetFlowUSD += t.AmountUSD
		} else {
			f.NetFlowUSD -= t.AmountUSD
		}
		byActor[t.FromActor] += t.AmountUSD
		if _, ok := seen[t.FromActor]; !ok {
			seen[t.FromActor] = struct{}{}
			if _, known := in.KnownActors[t.FromActor]; !known {
				newActors++
			}
		}
	}

	if len(in.DailyCounts) > 0 {
		active := 0
		for _, c := range in.DailyCounts {
			if c > 0 {
				active++
			}
		}
		f.Persistence = float64(active) / float64(len(in.DailyCounts))
		f.NetFlowSlope = regressionSlope(in.DailyCounts)
	}

	if in.TotalPairs > 0 {
		f.RepeatRate = float64(in.RepeatPairs) / float64(in.TotalPairs)
	}

	f.ParticipationEntropy = shannonEntropy(byActor)
	f.ConcentrationIndex = 1 - f.ParticipationEntropy
	f.TopActorShare = topShare(byActor, f.TotalUSD)
	if len(seen) > 0 {
		f.NewActorRate = float64(newActors) / float64(len(seen))
	}

	f.QualityScore = clamp01(
		corridorQualityWeight*f.Persistence +
			corridorQualityWeight*(1-f.TopActorShare) +
			corridorQualityWeight*f.RepeatRate +
			corridorQualityWeight*f.ParticipationEntropy)

	return f
}

// regressionSlope fits y = a + b·x over daily counts and returns b.
func regressionSlope(counts []int) float64 {
	n := float64(len(counts))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, c := range counts {
		x, y := float64(i), float64(c)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func topShare(byActor map[string]float64, total float64) float64 {
	if total <= 0 || len(byActor) == 0 {
		return 0
	}
	shares := make([]float64, 0, len(byActor))
	for _, v := range byActor {
		shares = append(shares, v)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(shares)))
	return math.Min(1, shares[0]/total)
}
