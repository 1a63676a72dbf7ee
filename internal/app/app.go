// Package app assembles the pipeline from configuration and executes the
// scheduler's jobs.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/corridorlab/corridorscope/internal/cache"
	"github.com/corridorlab/corridorscope/internal/config"
	"github.com/corridorlab/corridorscope/internal/dataset"
	"github.com/corridorlab/corridorscope/internal/dispatch"
	"github.com/corridorlab/corridorscope/internal/domain"
	"github.com/corridorlab/corridorscope/internal/engine"
	"github.com/corridorlab/corridorscope/internal/httpapi"
	"github.com/corridorlab/corridorscope/internal/metrics"
	"github.com/corridorlab/corridorscope/internal/outcome"
	"github.com/corridorlab/corridorscope/internal/persistence"
	"github.com/corridorlab/corridorscope/internal/persistence/postgres"
	"github.com/corridorlab/corridorscope/internal/providers"
	"github.com/corridorlab/corridorscope/internal/ranking"
	"github.com/corridorlab/corridorscope/internal/registry"
	"github.com/corridorlab/corridorscope/internal/scheduler"
	"github.com/corridorlab/corridorscope/internal/snapshot"
)

// App owns the fully wired pipeline.
type App struct {
	Cfg      config.Config
	Repo     *persistence.Repository
	Registry *registry.Registry
	Metrics  *metrics.Registry
	Builder  *snapshot.Builder
	Engine   *engine.Engine
	Ranking  *ranking.Engine
	Outcomes *outcome.Tracker
	Dataset  *dataset.Builder
	Hub      *httpapi.Hub
	Cache    *cache.SnapshotCache
}

// New wires the application. The returned App owns the database and cache
// connections; call Close when done.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	db, err := postgres.Connect(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	m := metrics.NewRegistry()
	repo := postgres.NewRepository(db, cfg.Postgres.QueryTimeout)

	snapCache := cache.NewSnapshotCache(repo.Snapshots, cfg.Redis, m)
	repo.Snapshots = snapCache

	reg := registry.New()
	hub := httpapi.NewHub()

	sinks := dispatch.Fanout{hub, dispatch.LogDispatcher{}}
	if cfg.Webhook.URL != "" {
		sinks = append(sinks, dispatch.NewWebhookDispatcher(cfg.Webhook))
	}
	dispatcher := dispatch.NewGated(sinks)

	feed := providers.NewMarketFeed(cfg.Market)
	flips := ranking.NewTransitionFlipCounter(repo.Rankings, ranking.DefaultStabilityWindow)

	app := &App{
		Cfg:      cfg,
		Repo:     repo,
		Registry: reg,
		Metrics:  m,
		Builder:  snapshot.NewBuilder(repo.Transfers, repo.Snapshots, cfg.Directory, cfg.Network),
		Engine:   engine.New(repo, reg, dispatcher, m),
		Ranking:  ranking.NewEngine(repo.Rankings, ranking.NewSignalInputProvider(feed, repo.Signals, flips)),
		Outcomes: outcome.NewTracker(repo.Outcomes, repo.Signals, feed),
		Dataset:  dataset.NewBuilder(repo.Outcomes, repo.Samples, m),
		Hub:      hub,
		Cache:    snapCache,
	}
	return app, nil
}

// Close releases the cache connection pool. The database pool is owned by
// the repository's sqlx handle and closed with the process.
func (a *App) Close() {
	if a.Cache != nil {
		a.Cache.Close()
	}
}

// RunJob implements scheduler.Runner.
func (a *App) RunJob(ctx context.Context, job scheduler.Job) error {
	switch job.Type {
	case scheduler.JobSnapshotBuild:
		_, err := a.Builder.Build(ctx, job.Window)
		return err

	case scheduler.JobEngineRun:
		_, err := a.Engine.RunWindow(ctx, job.Window)
		return err

	case scheduler.JobRankingRun:
		return a.runRanking(ctx)

	case scheduler.JobOutcomeResolve:
		_, err := a.Outcomes.ResolveDue(ctx, job.Horizon)
		return err

	case scheduler.JobDatasetBuild:
		return a.runDataset(ctx)

	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

// runRanking recomputes all rankings, updates the bucket gauges and anchors
// a decision snapshot for every BUY and SELL entity.
func (a *App) runRanking(ctx context.Context) error {
	res, err := a.Ranking.RankAll(ctx, a.Registry.Current().RankingWeights)
	if err != nil {
		return err
	}

	sizes := map[domain.Bucket]int{}
	for _, r := range res.Rankings {
		sizes[r.Bucket]++
		if r.Bucket == domain.BucketWatch {
			continue
		}
		if _, err := a.Outcomes.RecordDecision(ctx, r, domain.DriftNone); err != nil {
			log.Warn().Err(err).
				Str("component", "app").
				Str("entity", r.EntityAddr).
				Msg("decision snapshot skipped")
		}
	}
	for _, b := range []domain.Bucket{domain.BucketBuy, domain.BucketWatch, domain.BucketSell} {
		a.Metrics.BucketSize.WithLabelValues(string(b)).Set(float64(sizes[b]))
	}
	return nil
}

// runDataset builds samples for every outcome snapshot with at least one
// resolved horizon, incrementally.
func (a *App) runDataset(ctx context.Context) error {
	opts := dataset.DefaultOptions()
	built := 0
	for _, h := range domain.AllHorizons() {
		// Resolution may have just matured more snapshots; resolve first so
		// the join sees them.
		if _, err := a.Outcomes.ResolveDue(ctx, h); err != nil {
			return err
		}
	}

	snaps, err := a.Repo.Outcomes.ListSnapshots(ctx, datasetBatchSize)
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		rep, err := a.Dataset.BuildFor(ctx, snap.SnapshotID, opts)
		if err != nil {
			return err
		}
		built += rep.Built
	}
	log.Info().Str("component", "app").Int("built", built).Msg("dataset build complete")
	return nil
}

// datasetBatchSize bounds one dataset pass; incremental mode makes repeat
// visits cheap.
const datasetBatchSize = 500
