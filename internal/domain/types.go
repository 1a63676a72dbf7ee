package domain

import (
	"fmt"
	"time"
)

// Window identifies the aggregation window a snapshot or signal belongs to.
type Window string

const (
	Window1h  Window = "1h"
	Window24h Window = "24h"
	Window7d  Window = "7d"
	Window30d Window = "30d"
)

// Duration returns the wall-clock span covered by the window.
func (w Window) Duration() time.Duration {
	switch w {
	case Window1h:
		return time.Hour
	case Window24h:
		return 24 * time.Hour
	case Window7d:
		return 7 * 24 * time.Hour
	case Window30d:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Valid reports whether the window is one of the supported values.
func (w Window) Valid() bool {
	switch w {
	case Window1h, Window24h, Window7d, Window30d:
		return true
	}
	return false
}

// AllWindows lists the supported windows in ascending span order.
func AllWindows() []Window {
	return []Window{Window1h, Window24h, Window7d, Window30d}
}

// ActorType classifies an on-chain actor by its attributed role.
type ActorType string

const (
	ActorExchange    ActorType = "exchange"
	ActorProtocol    ActorType = "protocol"
	ActorMarketMaker ActorType = "market_maker"
	ActorInfra       ActorType = "infra"
	ActorFund        ActorType = "fund"
	ActorTrader      ActorType = "trader"
)

// AttributionLevel grades how confidently an address maps to a known actor.
type AttributionLevel string

const (
	AttributionVerified   AttributionLevel = "verified"
	AttributionAttributed AttributionLevel = "attributed"
	AttributionWeak       AttributionLevel = "weak"
	AttributionUnknown    AttributionLevel = "unknown"
)

// Strong reports whether the attribution counts toward coverage.
// Weak and unknown attributions are excluded from aggregates.
func (a AttributionLevel) Strong() bool {
	return a == AttributionVerified || a == AttributionAttributed
}

// Transfer is a single on-chain transfer record. Transfers are append-only
// and idempotent by (Chain, TxHash, LogIndex).
type Transfer struct {
	Chain        string    `json:"chain" db:"chain"`
	TxHash       string    `json:"tx_hash" db:"tx_hash"`
	LogIndex     int       `json:"log_index" db:"log_index"`
	From         string    `json:"from_addr" db:"from_addr"`
	To           string    `json:"to_addr" db:"to_addr"`
	AssetAddress string    `json:"asset_address" db:"asset_address"`
	AmountRaw    string    `json:"amount_raw" db:"amount_raw"`
	AmountUSD    float64   `json:"amount_usd" db:"amount_usd"`
	Timestamp    time.Time `json:"ts" db:"ts"`

	FromActor       string           `json:"from_actor,omitempty" db:"from_actor"`
	ToActor         string           `json:"to_actor,omitempty" db:"to_actor"`
	FromAttribution AttributionLevel `json:"from_attribution" db:"from_attribution"`
	ToAttribution   AttributionLevel `json:"to_attribution" db:"to_attribution"`
	Bridge          bool             `json:"bridge" db:"bridge"`
}

// ID returns the idempotency key of the transfer.
func (t Transfer) ID() string {
	return fmt.Sprintf("%s:%s:%d", t.Chain, t.TxHash, t.LogIndex)
}

// ParticipationTrend is the coarse activity direction of an actor between
// two comparable snapshots.
type ParticipationTrend string

const (
	TrendStable     ParticipationTrend = "stable"
	TrendIncreasing ParticipationTrend = "increasing"
	TrendDecreasing ParticipationTrend = "decreasing"
)

// ActorSnapshot is the windowed aggregate view of a single actor.
type ActorSnapshot struct {
	ActorID            string             `json:"actor_id" db:"actor_id"`
	Type               ActorType          `json:"type" db:"type"`
	InflowUSD          float64            `json:"inflow_usd" db:"inflow_usd"`
	OutflowUSD         float64            `json:"outflow_usd" db:"outflow_usd"`
	NetFlowUSD         float64            `json:"net_flow_usd" db:"net_flow_usd"`
	TxCount            int                `json:"tx_count" db:"tx_count"`
	CounterpartyCount  int                `json:"counterparty_count" db:"counterparty_count"`
	FlowShare          float64            `json:"flow_share" db:"flow_share"`
	Coverage           float64            `json:"coverage" db:"coverage"`
	ParticipationTrend ParticipationTrend `json:"participation_trend" db:"participation_trend"`

	// Cluster membership used by confirmation; absent keys mean unclustered.
	EntityID         string `json:"entity_id,omitempty" db:"entity_id"`
	OwnerID          string `json:"owner_id,omitempty" db:"owner_id"`
	CommunityID      string `json:"community_id,omitempty" db:"community_id"`
	InfrastructureID string `json:"infrastructure_id,omitempty" db:"infrastructure_id"`
}

// IsExchangeOrMM reports whether the actor carries exchange-grade weight in
// actor-quality scoring.
func (a ActorSnapshot) IsExchangeOrMM() bool {
	return a.Type == ActorExchange || a.Type == ActorMarketMaker
}

// EdgeType classifies how two actors are connected within a window.
type EdgeType string

const (
	EdgeTransfer EdgeType = "transfer"
	EdgeBridge   EdgeType = "bridge"
)

// EdgeSnapshot is a bidirectional flow relation between two actors within a
// window, keyed by the sorted actor pair.
type EdgeSnapshot struct {
	EdgeID        string   `json:"edge_id" db:"edge_id"`
	ActorA        string   `json:"actor_a" db:"actor_a"`
	ActorB        string   `json:"actor_b" db:"actor_b"`
	EdgeType      EdgeType `json:"edge_type" db:"edge_type"`
	EvidenceCount int      `json:"evidence_count" db:"evidence_count"`
	TotalUSD      float64  `json:"total_usd" db:"total_usd"`
	NetUSD        float64  `json:"net_usd" db:"net_usd"`
	Weight        float64  `json:"weight" db:"weight"`
	Confidence    float64  `json:"confidence" db:"confidence"`
	TemporalSync  float64  `json:"temporal_sync" db:"temporal_sync"`
}

// Coverage summarizes attribution quality across a snapshot.
type Coverage struct {
	ActorsCoveragePct float64 `json:"actors_coverage_pct"`
	TransfersTotal    int     `json:"transfers_total"`
	TransfersCovered  int     `json:"transfers_covered"`
}

// Snapshot is the immutable actor/edge projection for one window. Two builds
// over identical input yield the same SnapshotID.
type Snapshot struct {
	SnapshotID string          `json:"snapshot_id"`
	Window     Window          `json:"window"`
	Network    string          `json:"network"`
	BuiltAt    time.Time       `json:"built_at"`
	From       time.Time       `json:"from"`
	To         time.Time       `json:"to"`
	Actors     []ActorSnapshot `json:"actors"`
	Edges      []EdgeSnapshot  `json:"edges"`
	Coverage   Coverage        `json:"coverage"`
}

// Actor returns the actor aggregate by id, or nil when absent.
func (s *Snapshot) Actor(id string) *ActorSnapshot {
	for i := range s.Actors {
		if s.Actors[i].ActorID == id {
			return &s.Actors[i]
		}
	}
	return nil
}

// Edge returns the edge aggregate by id, or nil when absent.
func (s *Snapshot) Edge(id string) *EdgeSnapshot {
	for i := range s.Edges {
		if s.Edges[i].EdgeID == id {
			return &s.Edges[i]
		}
	}
	return nil
}

// Validate checks the snapshot invariants that persistence relies on.
func (s *Snapshot) Validate() error {
	if !s.Window.Valid() {
		return fmt.Errorf("invalid window %q", s.Window)
	}
	if s.Coverage.ActorsCoveragePct < 0 || s.Coverage.ActorsCoveragePct > 100 {
		return fmt.Errorf("coverage %.2f outside [0,100]", s.Coverage.ActorsCoveragePct)
	}
	for _, e := range s.Edges {
		if e.EvidenceCount < 0 {
			return fmt.Errorf("edge %s has negative evidence", e.EdgeID)
		}
		if e.Weight < 0 || e.Weight > 1 {
			return fmt.Errorf("edge %s weight %.3f outside [0,1]", e.EdgeID, e.Weight)
		}
		if e.Confidence < 0 || e.Confidence > 1 {
			return fmt.Errorf("edge %s confidence %.3f outside [0,1]", e.EdgeID, e.Confidence)
		}
	}
	return nil
}

// EdgeID builds the canonical edge identity for an unordered actor pair.
func EdgeID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "~" + b
}
