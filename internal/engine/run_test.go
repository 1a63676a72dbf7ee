package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corridorlab/corridorscope/internal/dispatch"
	"github.com/corridorlab/corridorscope/internal/domain"
	"github.com/corridorlab/corridorscope/internal/persistence"
	"github.com/corridorlab/corridorscope/internal/registry"
)

type fakeSnapStore struct {
	latest   map[domain.Window]*domain.Snapshot
	previous map[domain.Window]*domain.Snapshot
}

func newFakeSnapStore() *fakeSnapStore {
	return &fakeSnapStore{
		latest:   make(map[domain.Window]*domain.Snapshot),
		previous: make(map[domain.Window]*domain.Snapshot),
	}
}

func (s *fakeSnapStore) Put(ctx context.Context, snap *domain.Snapshot) error {
	s.latest[snap.Window] = snap
	return nil
}

func (s *fakeSnapStore) GetLatest(ctx context.Context, window domain.Window) (*domain.Snapshot, error) {
	snap, ok := s.latest[window]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return snap, nil
}

func (s *fakeSnapStore) GetPrevious(ctx context.Context, window domain.Window, before time.Time) (*domain.Snapshot, error) {
	snap, ok := s.previous[window]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return snap, nil
}

func (s *fakeSnapStore) GetByID(ctx context.Context, id string) (*domain.Snapshot, error) {
	return nil, persistence.ErrNotFound
}

func (s *fakeSnapStore) List(ctx context.Context, window domain.Window, limit int) ([]*domain.Snapshot, error) {
	return nil, nil
}

type fakeSigStore struct {
	mu      sync.Mutex
	byKey   map[domain.SignalKey]*domain.Signal
	upserts int
}

func newFakeSigStore() *fakeSigStore {
	return &fakeSigStore{byKey: make(map[domain.SignalKey]*domain.Signal)}
}

func (s *fakeSigStore) FindActiveByWindow(ctx context.Context, window domain.Window) (map[domain.SignalKey]*domain.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.SignalKey]*domain.Signal)
	for k, sig := range s.byKey {
		if sig.Window == window && !sig.State.Terminal() {
			cp := *sig
			out[k] = &cp
		}
	}
	return out, nil
}

func (s *fakeSigStore) UpsertByKey(ctx context.Context, sig *domain.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sig
	s.byKey[sig.Key] = &cp
	s.upserts++
	return nil
}

func (s *fakeSigStore) UpdateLifecycle(ctx context.Context, key domain.SignalKey, expectState domain.LifecycleState, patch persistence.LifecyclePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.byKey[key]
	if !ok {
		return persistence.ErrNotFound
	}
	if sig.State != expectState {
		return persistence.ErrConflict
	}
	if patch.State != nil {
		sig.State = *patch.State
	}
	if patch.SnapshotsWithoutTrigger != nil {
		sig.SnapshotsWithoutTrigger = *patch.SnapshotsWithoutTrigger
	}
	if patch.LastTriggeredAt != nil {
		sig.LastTriggeredAt = *patch.LastTriggeredAt
	}
	if patch.ConfidenceScore != nil {
		sig.ConfidenceScore = *patch.ConfidenceScore
	}
	if patch.Label != nil {
		sig.Label = *patch.Label
	}
	if patch.Severity != nil {
		sig.Severity = *patch.Severity
	}
	if patch.ResolveReason != nil {
		sig.ResolveReason = *patch.ResolveReason
	}
	if patch.ResolvedAt != nil {
		sig.ResolvedAt = patch.ResolvedAt
	}
	return nil
}

func (s *fakeSigStore) GetByKey(ctx context.Context, key domain.SignalKey) (*domain.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.byKey[key]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	cp := *sig
	return &cp, nil
}

func (s *fakeSigStore) List(ctx context.Context, state domain.LifecycleState, limit int) ([]*domain.Signal, error) {
	return nil, nil
}

type fakeRunStore struct {
	mu      sync.Mutex
	records []*persistence.RunRecord
}

func (s *fakeRunStore) Record(ctx context.Context, rec *persistence.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.RunID == rec.RunID {
			return errors.New("duplicate run id")
		}
	}
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

func (s *fakeRunStore) List(ctx context.Context, window domain.Window, limit int) ([]*persistence.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*persistence.RunRecord(nil), s.records...), nil
}

func (s *fakeRunStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type fakeDispatcher struct {
	mu      sync.Mutex
	batches [][]*domain.Signal
	err     error
	block   chan struct{}
	started chan struct{}
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, signals []*domain.Signal) (dispatch.Report, error) {
	d.mu.Lock()
	d.batches = append(d.batches, signals)
	d.mu.Unlock()
	if d.started != nil {
		d.started <- struct{}{}
	}
	if d.block != nil {
		<-d.block
	}
	if d.err != nil {
		return dispatch.Report{Failed: len(signals)}, d.err
	}
	return dispatch.Report{Sent: len(signals)}, nil
}

// corridorSnapshots returns a snapshot pair where one strong transfer edge is
// new in the current window, firing exactly one detector.
func corridorSnapshots(builtAt time.Time) (current, previous *domain.Snapshot) {
	actors := []domain.ActorSnapshot{
		{
			ActorID: "0xalpha", Type: domain.ActorExchange, EntityID: "alpha",
			FlowShare: 0.8, Coverage: 0.9, CounterpartyCount: 25,
			InflowUSD: 200_000, OutflowUSD: 150_000, NetFlowUSD: 50_000,
			TxCount: 45, ParticipationTrend: domain.TrendStable,
		},
		{
			ActorID: "0xbeta", Type: domain.ActorMarketMaker, EntityID: "beta",
			FlowShare: 0.6, Coverage: 0.9, CounterpartyCount: 25,
			InflowUSD: 150_000, OutflowUSD: 200_000, NetFlowUSD: -50_000,
			TxCount: 45, ParticipationTrend: domain.TrendStable,
		},
	}
	current = &domain.Snapshot{
		SnapshotID: "snap-current",
		Window:     domain.Window24h,
		BuiltAt:    builtAt,
		Actors:     actors,
		Edges: []domain.EdgeSnapshot{{
			EdgeID:        domain.EdgeID("0xalpha", "0xbeta"),
			ActorA:        "0xalpha",
			ActorB:        "0xbeta",
			EdgeType:      domain.EdgeTransfer,
			EvidenceCount: 45,
			TotalUSD:      3_000_000,
			NetUSD:        2_000_000,
			Weight:        0.8,
			Confidence:    0.8,
		}},
		Coverage: domain.Coverage{ActorsCoveragePct: 90, TransfersTotal: 45, TransfersCovered: 41},
	}
	previous = &domain.Snapshot{
		SnapshotID: "snap-previous",
		Window:     domain.Window24h,
		BuiltAt:    builtAt.Add(-time.Hour),
		Actors:     actors,
		Coverage:   domain.Coverage{ActorsCoveragePct: 90},
	}
	return current, previous
}

func testRepo() (*persistence.Repository, *fakeSnapStore, *fakeSigStore, *fakeRunStore) {
	snaps := newFakeSnapStore()
	sigs := newFakeSigStore()
	runs := &fakeRunStore{}
	repo := &persistence.Repository{
		Snapshots: snaps,
		Signals:   sigs,
		Runs:      runs,
	}
	return repo, snaps, sigs, runs
}

func TestRunWindow_MissingSnapshotFailsRun(t *testing.T) {
	repo, _, sigs, runs := testRepo()
	e := New(repo, registry.New(), nil, nil)

	rec, err := e.RunWindow(context.Background(), domain.Window24h)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInputMissing)

	require.NotNil(t, rec)
	assert.Equal(t, persistence.RunFailed, rec.Status)
	assert.NotEmpty(t, rec.Error)
	assert.Empty(t, rec.SnapshotID)

	// The failed run is recorded exactly once and mutates no signals.
	assert.Equal(t, 1, runs.count())
	assert.Zero(t, sigs.upserts)
}

func TestRunWindow_CreatesAndDispatchesSignals(t *testing.T) {
	repo, snaps, sigs, runs := testRepo()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	snaps.latest[domain.Window24h], snaps.previous[domain.Window24h] = corridorSnapshots(now)

	disp := &fakeDispatcher{}
	e := New(repo, registry.New(), disp, nil)
	e.SetClock(func() time.Time { return now })

	rec, err := e.RunWindow(context.Background(), domain.Window24h)
	require.NoError(t, err)

	assert.Equal(t, persistence.RunCompleted, rec.Status)
	assert.Equal(t, "snap-current", rec.SnapshotID)
	assert.Equal(t, 1, rec.Stats.Created)
	assert.Zero(t, rec.Stats.Errors)
	assert.Equal(t, 1, runs.count())

	key := domain.NewSignalKey(domain.SignalNewCorridor, domain.Window24h, domain.ScopeCorridor,
		[]string{"0xalpha", "0xbeta"}, []string{domain.EdgeID("0xalpha", "0xbeta")})
	sig, gerr := sigs.GetByKey(context.Background(), key)
	require.NoError(t, gerr)
	assert.Equal(t, domain.StateActive, sig.State)
	assert.Equal(t, domain.SeverityHigh, sig.Severity)
	assert.GreaterOrEqual(t, sig.ConfidenceScore, 40.0)
	require.NotNil(t, sig.Trace)

	// The high-severity signal cleared the dispatch gate.
	require.Len(t, disp.batches, 1)
	require.Len(t, disp.batches[0], 1)
	assert.Equal(t, key, disp.batches[0][0].Key)
}

func TestRunWindow_DispatchFailureIsPartial(t *testing.T) {
	repo, snaps, sigs, _ := testRepo()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	snaps.latest[domain.Window24h], snaps.previous[domain.Window24h] = corridorSnapshots(now)

	disp := &fakeDispatcher{err: errors.New("webhook 503")}
	e := New(repo, registry.New(), disp, nil)
	e.SetClock(func() time.Time { return now })

	rec, err := e.RunWindow(context.Background(), domain.Window24h)
	require.NoError(t, err, "dispatch failure never fails the run")

	assert.Equal(t, persistence.RunPartial, rec.Status)
	assert.Equal(t, 1, rec.Stats.Created)
	assert.Equal(t, 1, rec.Stats.Errors)

	// The signal stays ACTIVE for the next run to retry delivery.
	key := domain.NewSignalKey(domain.SignalNewCorridor, domain.Window24h, domain.ScopeCorridor,
		[]string{"0xalpha", "0xbeta"}, []string{domain.EdgeID("0xalpha", "0xbeta")})
	sig, gerr := sigs.GetByKey(context.Background(), key)
	require.NoError(t, gerr)
	assert.Equal(t, domain.StateActive, sig.State)
}

func TestRunWindow_NoCandidatesCompletes(t *testing.T) {
	repo, snaps, _, runs := testRepo()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	current, previous := corridorSnapshots(now)
	current.Edges = nil

	snaps.latest[domain.Window24h] = current
	snaps.previous[domain.Window24h] = previous

	disp := &fakeDispatcher{}
	e := New(repo, registry.New(), disp, nil)
	e.SetClock(func() time.Time { return now })

	rec, err := e.RunWindow(context.Background(), domain.Window24h)
	require.NoError(t, err)
	assert.Equal(t, persistence.RunCompleted, rec.Status)
	assert.Zero(t, rec.Stats.Created)
	assert.Empty(t, disp.batches, "nothing to dispatch")
	assert.Equal(t, 1, runs.count())
}

func TestRunWindow_ConcurrentSameWindowRejected(t *testing.T) {
	repo, snaps, _, runs := testRepo()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	snaps.latest[domain.Window24h], snaps.previous[domain.Window24h] = corridorSnapshots(now)

	disp := &fakeDispatcher{
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	e := New(repo, registry.New(), disp, nil)
	e.SetClock(func() time.Time { return now })

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := e.RunWindow(context.Background(), domain.Window24h)
		assert.NoError(t, err)
	}()
	<-disp.started

	// The first run holds the window; a second call mutates nothing.
	rec, err := e.RunWindow(context.Background(), domain.Window24h)
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Nil(t, rec)
	assert.Zero(t, runs.count())

	close(disp.block)
	<-done
	assert.Equal(t, 1, runs.count())
}

func TestRunWindow_CancelledContext(t *testing.T) {
	repo, snaps, sigs, runs := testRepo()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	snaps.latest[domain.Window24h], snaps.previous[domain.Window24h] = corridorSnapshots(now)

	e := New(repo, registry.New(), nil, nil)
	e.SetClock(func() time.Time { return now })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec, err := e.RunWindow(ctx, domain.Window24h)
	require.Error(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, persistence.RunFailed, rec.Status)
	assert.Zero(t, sigs.upserts, "cancellation aborts before store writes")
	// The run record write survives cancellation.
	assert.Equal(t, 1, runs.count())
}
