package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corridorlab/corridorscope/internal/domain"
	"github.com/corridorlab/corridorscope/internal/metrics"
	"github.com/corridorlab/corridorscope/internal/persistence"
	"github.com/corridorlab/corridorscope/internal/registry"
)

type stubSignalStore struct {
	signals []*domain.Signal
}

func (s *stubSignalStore) FindActiveByWindow(ctx context.Context, window domain.Window) (map[domain.SignalKey]*domain.Signal, error) {
	return nil, nil
}

func (s *stubSignalStore) UpsertByKey(ctx context.Context, sig *domain.Signal) error { return nil }

func (s *stubSignalStore) UpdateLifecycle(ctx context.Context, key domain.SignalKey, expectState domain.LifecycleState, patch persistence.LifecyclePatch) error {
	return nil
}

func (s *stubSignalStore) GetByKey(ctx context.Context, key domain.SignalKey) (*domain.Signal, error) {
	for _, sig := range s.signals {
		if sig.Key == key {
			return sig, nil
		}
	}
	return nil, persistence.ErrNotFound
}

func (s *stubSignalStore) List(ctx context.Context, state domain.LifecycleState, limit int) ([]*domain.Signal, error) {
	return s.signals, nil
}

type stubRunStore struct {
	runs []*persistence.RunRecord
}

func (s *stubRunStore) Record(ctx context.Context, rec *persistence.RunRecord) error { return nil }

func (s *stubRunStore) List(ctx context.Context, window domain.Window, limit int) ([]*persistence.RunRecord, error) {
	return s.runs, nil
}

func testServer(sigs *stubSignalStore) (*Server, *registry.Registry) {
	reg := registry.New()
	repo := &persistence.Repository{
		Signals: sigs,
		Runs:    &stubRunStore{},
	}
	srv := NewServer(DefaultConfig(), repo, nil, reg, metrics.NewRegistry(), nil, nil)
	return srv, reg
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	srv, _ := testServer(&stubSignalStore{})
	rec := doRequest(t, srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["frozen"])
}

func TestHandleListSignals_HiddenFiltered(t *testing.T) {
	now := time.Now().UTC()
	sigs := &stubSignalStore{signals: []*domain.Signal{
		{Key: "aaaa", Label: domain.LabelMedium, State: domain.StateActive, LastTriggeredAt: now},
		{Key: "bbbb", Label: domain.LabelHidden, State: domain.StateActive, LastTriggeredAt: now},
	}}
	srv, _ := testServer(sigs)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/signals", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out []*domain.Signal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, domain.SignalKey("aaaa"), out[0].Key)
}

func TestHandleGetSignal_NotFound(t *testing.T) {
	srv, _ := testServer(&stubSignalStore{})
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/signals/deadbeef", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleBucket_UnknownBucket(t *testing.T) {
	srv, _ := testServer(&stubSignalStore{})
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/rankings/HOLD", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRuns_RequiresWindow(t *testing.T) {
	srv, _ := testServer(&stubSignalStore{})
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/runs", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/runs?window=24h", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleAdminFreeze(t *testing.T) {
	srv, reg := testServer(&stubSignalStore{})

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/admin/freeze", `{"actor":"ops","status":"ACTIVE"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, reg.Frozen())

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/admin/freeze", `{"status":"MAYBE"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAdminConfig_FrozenIsLocked(t *testing.T) {
	srv, reg := testServer(&stubSignalStore{})
	reg.SetFreeze("ops", registry.FreezeActive)

	rec := doRequest(t, srv, http.MethodPut, "/api/v1/admin/config", `{"actor":"ops","decay_half_life_hours":48}`)
	assert.Equal(t, http.StatusLocked, rec.Code)
}

func TestHandleAdminConfig_AppliesUpdates(t *testing.T) {
	srv, reg := testServer(&stubSignalStore{})

	rec := doRequest(t, srv, http.MethodPut, "/api/v1/admin/config", `{"actor":"ops","decay_half_life_hours":48}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 48.0, reg.Current().DecayHalfLifeHours)

	// Invalid values are rejected without partial application.
	rec = doRequest(t, srv, http.MethodPut, "/api/v1/admin/config", `{"actor":"ops","decay_half_life_hours":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 48.0, reg.Current().DecayHalfLifeHours)
}
