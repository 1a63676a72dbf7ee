package confidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corridorlab/corridorscope/internal/domain"
)

func TestClusterConfirmation_TransitiveMerge(t *testing.T) {
	s := NewScorer()
	// a and b share an owner, b and c share a community: one cluster of three.
	actors := []ActorContext{
		{ActorID: "a", Type: domain.ActorExchange, FlowShare: 1, Cluster: ClusterInput{OwnerID: "own-1"}},
		{ActorID: "b", Type: domain.ActorFund, FlowShare: 1, Cluster: ClusterInput{OwnerID: "own-1", CommunityID: "com-1"}},
		{ActorID: "c", Type: domain.ActorTrader, FlowShare: 1, Cluster: ClusterInput{CommunityID: "com-1"}},
	}

	penalties, reasons := s.clusterConfirmation(actors, 70)
	require.Len(t, penalties, 1)
	assert.Equal(t, "cluster_single", penalties[0].Type)
	assert.Equal(t, []string{"cluster_single"}, reasons)
}

func TestClusterConfirmation_UnclusteredActorsAreDistinct(t *testing.T) {
	s := NewScorer()
	actors := []ActorContext{
		{ActorID: "a", Type: domain.ActorExchange, FlowShare: 1},
		{ActorID: "b", Type: domain.ActorFund, FlowShare: 1},
	}

	penalties, reasons := s.clusterConfirmation(actors, 70)
	assert.Empty(t, penalties)
	assert.Empty(t, reasons)
}

func TestClusterConfirmation_NoActors(t *testing.T) {
	s := NewScorer()
	penalties, reasons := s.clusterConfirmation(nil, 70)
	assert.Nil(t, penalties)
	assert.Nil(t, reasons)
}

func TestClusterConfirmation_DominanceRespectsThreshold(t *testing.T) {
	s := NewScorer(WithClusterPolicy(ClusterPolicy{MinClusters: 2, MaxDominance: 0.60}))
	actors := []ActorContext{
		{ActorID: "big", Type: domain.ActorExchange, IsExchangeOrMM: true, FlowShare: 1, Connectivity: 1, History: 1,
			Cluster: ClusterInput{EntityID: "e1"}},
		{ActorID: "small", Type: domain.ActorFund, FlowShare: 1,
			Cluster: ClusterInput{EntityID: "e2"}},
	}

	// Weights 1.0 vs 0.3: dominance ~0.77, above the tightened 0.60 limit.
	penalties, _ := s.clusterConfirmation(actors, 70)
	require.Len(t, penalties, 1)
	assert.Equal(t, "cluster_dominance", penalties[0].Type)

	relaxed := NewScorer(WithClusterPolicy(ClusterPolicy{MinClusters: 2, MaxDominance: 0.90}))
	penalties, _ = relaxed.clusterConfirmation(actors, 70)
	assert.Empty(t, penalties)
}
