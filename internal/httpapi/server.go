// Package httpapi exposes the read API, the admin surface and the live
// signal feed over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/corridorlab/corridorscope/internal/confidence"
	"github.com/corridorlab/corridorscope/internal/domain"
	"github.com/corridorlab/corridorscope/internal/engine"
	"github.com/corridorlab/corridorscope/internal/lifecycle"
	"github.com/corridorlab/corridorscope/internal/metrics"
	"github.com/corridorlab/corridorscope/internal/persistence"
	"github.com/corridorlab/corridorscope/internal/registry"
	"github.com/corridorlab/corridorscope/internal/scheduler"
)

// Config tunes the HTTP server.
type Config struct {
	Addr         string        `yaml:"addr" json:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// DefaultConfig returns local-development defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server wires the handlers over the engine, registry and stores.
type Server struct {
	cfg      Config
	repo     *persistence.Repository
	engine   *engine.Engine
	registry *registry.Registry
	metrics  *metrics.Registry
	sched    *scheduler.Scheduler
	hub      *Hub
	http     *http.Server
}

// NewServer builds the server. Scheduler and hub may be nil.
func NewServer(cfg Config, repo *persistence.Repository, eng *engine.Engine, reg *registry.Registry, m *metrics.Registry, sched *scheduler.Scheduler, hub *Hub) *Server {
	s := &Server{
		cfg:      cfg,
		repo:     repo,
		engine:   eng,
		registry: reg,
		metrics:  m,
		sched:    sched,
		hub:      hub,
	}
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(logMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Prometheus(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/signals", s.handleListSignals).Methods(http.MethodGet)
	api.HandleFunc("/signals/{key}", s.handleGetSignal).Methods(http.MethodGet)
	api.HandleFunc("/rankings/{bucket}", s.handleBucket).Methods(http.MethodGet)
	api.HandleFunc("/transitions/{entity}", s.handleTransitions).Methods(http.MethodGet)
	api.HandleFunc("/runs", s.handleRuns).Methods(http.MethodGet)
	api.HandleFunc("/config", s.handleGetConfig).Methods(http.MethodGet)
	api.HandleFunc("/audit", s.handleAudit).Methods(http.MethodGet)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/run/{window}", s.handleAdminRun).Methods(http.MethodPost)
	admin.HandleFunc("/freeze", s.handleAdminFreeze).Methods(http.MethodPost)
	admin.HandleFunc("/config", s.handleAdminConfig).Methods(http.MethodPut)

	if s.hub != nil {
		r.HandleFunc("/ws/signals", s.hub.handleWS).Methods(http.MethodGet)
	}
	return r
}

// Start serves until the context ends, then drains with a grace period.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("component", "httpapi").Str("addr", s.cfg.Addr).Msg("http server listening")
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status": "ok",
		"frozen": s.registry.Frozen(),
		"time":   time.Now().UTC(),
	}
	if s.sched != nil {
		status["jobs"] = s.sched.Status()
	}
	if snap, err := s.metrics.Snapshot(); err == nil {
		status["metrics"] = snap
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	state := domain.LifecycleState(r.URL.Query().Get("state"))
	limit := queryInt(r, "limit", 100)

	signals, err := s.repo.Signals.List(r.Context(), state, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// HIDDEN signals never leave the engine through the public list.
	visible := make([]*domain.Signal, 0, len(signals))
	for _, sig := range signals {
		if sig.Label != domain.LabelHidden {
			visible = append(visible, sig)
		}
	}
	writeJSON(w, http.StatusOK, visible)
}

func (s *Server) handleGetSignal(w http.ResponseWriter, r *http.Request) {
	key := domain.SignalKey(mux.Vars(r)["key"])
	sig, err := s.repo.Signals.GetByKey(r.Context(), key)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

func (s *Server) handleBucket(w http.ResponseWriter, r *http.Request) {
	bucket := domain.Bucket(mux.Vars(r)["bucket"])
	switch bucket {
	case domain.BucketBuy, domain.BucketWatch, domain.BucketSell:
	default:
		writeError(w, http.StatusBadRequest, errors.New("unknown bucket"))
		return
	}
	rankings, err := s.repo.Rankings.ReadByBucket(r.Context(), bucket, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rankings)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	entity := mux.Vars(r)["entity"]
	chainID := int64(queryInt(r, "chain", 1))
	transitions, err := s.repo.Rankings.ListTransitions(r.Context(), entity, chainID, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, transitions)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	window := domain.Window(r.URL.Query().Get("window"))
	if !window.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("missing or invalid window"))
		return
	}
	runs, err := s.repo.Runs.List(r.Context(), window, queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Current())
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.AuditLog())
}

func (s *Server) handleAdminRun(w http.ResponseWriter, r *http.Request) {
	window := domain.Window(mux.Vars(r)["window"])
	if !window.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("invalid window"))
		return
	}
	rec, err := s.engine.RunWindow(r.Context(), window)
	if err != nil {
		if errors.Is(err, engine.ErrRunInProgress) {
			writeError(w, http.StatusConflict, err)
			return
		}
		// The run record carries the failure detail.
		writeJSON(w, http.StatusUnprocessableEntity, rec)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// freezeRequest is the admin freeze toggle body.
type freezeRequest struct {
	Actor  string                `json:"actor"`
	Status registry.FreezeStatus `json:"status"`
}

func (s *Server) handleAdminFreeze(w http.ResponseWriter, r *http.Request) {
	var req freezeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Status != registry.FreezeActive && req.Status != registry.FreezeInactive {
		writeError(w, http.StatusBadRequest, errors.New("status must be ACTIVE or INACTIVE"))
		return
	}
	if req.Actor == "" {
		req.Actor = "anonymous"
	}
	s.registry.SetFreeze(req.Actor, req.Status)
	writeJSON(w, http.StatusOK, map[string]interface{}{"frozen": s.registry.Frozen()})
}

// configUpdate is the partial admin config document. Nil sections are left
// unchanged.
type configUpdate struct {
	Actor              string                      `json:"actor"`
	ConfidenceWeights  *confidence.Weights         `json:"confidence_weights,omitempty"`
	LabelThresholds    *confidence.LabelThresholds `json:"label_thresholds,omitempty"`
	DecayHalfLifeHours *float64                    `json:"decay_half_life_hours,omitempty"`
	Lifecycle          *lifecycle.Config           `json:"lifecycle,omitempty"`
}

func (s *Server) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	var req configUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Actor == "" {
		req.Actor = "anonymous"
	}

	apply := func(err error) bool {
		if err == nil {
			return true
		}
		if errors.Is(err, registry.ErrFrozen) {
			writeError(w, http.StatusLocked, err)
		} else {
			writeError(w, http.StatusBadRequest, err)
		}
		return false
	}

	if req.ConfidenceWeights != nil && !apply(s.registry.SetConfidenceWeights(req.Actor, *req.ConfidenceWeights)) {
		return
	}
	if req.LabelThresholds != nil && !apply(s.registry.SetLabelThresholds(req.Actor, *req.LabelThresholds)) {
		return
	}
	if req.DecayHalfLifeHours != nil && !apply(s.registry.SetDecayHalfLife(req.Actor, *req.DecayHalfLifeHours)) {
		return
	}
	if req.Lifecycle != nil && !apply(s.registry.SetLifecycle(req.Actor, *req.Lifecycle)) {
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Current())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
