package confidence

import (
	"fmt"

	"github.com/corridorlab/corridorscope/internal/domain"
)

// ClusterInput is the pre-typed grouping identity of one actor. Any shared
// non-empty key merges two actors into the same cluster.
type ClusterInput struct {
	EntityID         string `json:"entity_id,omitempty"`
	OwnerID          string `json:"owner_id,omitempty"`
	CommunityID      string `json:"community_id,omitempty"`
	InfrastructureID string `json:"infrastructure_id,omitempty"`
}

func (c ClusterInput) keys() []string {
	var keys []string
	if c.EntityID != "" {
		keys = append(keys, "e:"+c.EntityID)
	}
	if c.OwnerID != "" {
		keys = append(keys, "o:"+c.OwnerID)
	}
	if c.CommunityID != "" {
		keys = append(keys, "c:"+c.CommunityID)
	}
	if c.InfrastructureID != "" {
		keys = append(keys, "i:"+c.InfrastructureID)
	}
	return keys
}

// ClusterPolicy gates cluster confirmation.
type ClusterPolicy struct {
	MinClusters            int     `yaml:"min_clusters" json:"min_clusters"`
	MaxDominance           float64 `yaml:"max_dominance" json:"max_dominance"`
	RequireSourceDiversity bool    `yaml:"require_source_diversity" json:"require_source_diversity"`
}

// DefaultClusterPolicy is the single dominance policy used everywhere. The
// originating modules carried divergent thresholds; 0.75 is the strictest
// one that still admits two-sided exchange corridors.
func DefaultClusterPolicy() ClusterPolicy {
	return ClusterPolicy{MinClusters: 2, MaxDominance: 0.75, RequireSourceDiversity: true}
}

// Penalty multipliers for failed confirmation.
const (
	singleClusterMultiplier = 0.75
	dominanceMultiplier     = 0.85
)

// clusterConfirmation groups actors by shared cluster keys and applies the
// anti-manipulation penalties: evidence concentrated in one grouping, or a
// grouping dominating total weight, reduces the score multiplicatively.
func (s *Scorer) clusterConfirmation(actors []ActorContext, score float64) ([]domain.Penalty, []string) {
	if len(actors) == 0 {
		return nil, nil
	}

	// Union-find over actors: any shared cluster key merges.
	parent := make([]int, len(actors))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int) { parent[find(a)] = find(b) }

	byKey := make(map[string]int)
	for i, a := range actors {
		for _, k := range a.Cluster.keys() {
			if j, ok := byKey[k]; ok {
				union(i, j)
			} else {
				byKey[k] = i
			}
		}
	}

	clusterWeight := make(map[int]float64)
	totalWeight := 0.0
	for i, a := range actors {
		w := a.weight()
		clusterWeight[find(i)] += w
		totalWeight += w
	}

	topWeight := 0.0
	for _, w := range clusterWeight {
		if w > topWeight {
			topWeight = w
		}
	}
	dominance := 0.0
	if totalWeight > 0 {
		dominance = topWeight / totalWeight
	}

	var penalties []domain.Penalty
	var reasons []string

	if len(clusterWeight) < s.cluster.MinClusters {
		penalties = append(penalties, domain.Penalty{
			Type:       "cluster_single",
			Reason:     fmt.Sprintf("evidence from %d cluster(s), need %d", len(clusterWeight), s.cluster.MinClusters),
			Multiplier: singleClusterMultiplier,
			Impact:     score * (1 - singleClusterMultiplier),
		})
		reasons = append(reasons, "cluster_single")
		score *= singleClusterMultiplier
	}

	if len(clusterWeight) >= s.cluster.MinClusters && dominance > s.cluster.MaxDominance {
		penalties = append(penalties, domain.Penalty{
			Type:       "cluster_dominance",
			Reason:     fmt.Sprintf("top cluster holds %.0f%% of weight, max %.0f%%", dominance*100, s.cluster.MaxDominance*100),
			Multiplier: dominanceMultiplier,
			Impact:     score * (1 - dominanceMultiplier),
		})
		reasons = append(reasons, "cluster_dominance")
	}

	return penalties, reasons
}
