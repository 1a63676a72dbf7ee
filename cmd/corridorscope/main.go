package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/corridorlab/corridorscope/internal/app"
	"github.com/corridorlab/corridorscope/internal/config"
	"github.com/corridorlab/corridorscope/internal/domain"
	"github.com/corridorlab/corridorscope/internal/httpapi"
	"github.com/corridorlab/corridorscope/internal/scheduler"
)

const (
	appName = "corridorscope"
	version = "v0.4.0"
)

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "On-chain flow surveillance: snapshots, signals, rankings",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config")

	rootCmd.AddCommand(serveCmd(), scanCmd(), rankCmd(), resolveCmd(), datasetCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// setup loads config and wires the application.
func setup(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.SetupLogging(); err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and HTTP API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			schedCfg := scheduler.DefaultConfig()
			if a.Cfg.SchedulerPath != "" {
				schedCfg, err = scheduler.LoadConfig(a.Cfg.SchedulerPath)
				if err != nil {
					return err
				}
			}
			sched := scheduler.New(schedCfg, a)
			srv := httpapi.NewServer(a.Cfg.HTTP, a.Repo, a.Engine, a.Registry, a.Metrics, sched, a.Hub)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Start(gctx) })
			g.Go(func() error { return sched.Start(gctx) })

			err = g.Wait()
			if ctx.Err() != nil {
				log.Info().Msg("shutdown complete")
				return nil
			}
			return err
		},
	}
}

func scanCmd() *cobra.Command {
	var skipBuild bool
	cmd := &cobra.Command{
		Use:   "scan <window>",
		Short: "Build a snapshot and run the signal engine for one window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			window := domain.Window(args[0])
			if !window.Valid() {
				return fmt.Errorf("invalid window %q, want one of %v", args[0], domain.AllWindows())
			}

			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if !skipBuild {
				if _, err := a.Builder.Build(ctx, window); err != nil {
					return err
				}
			}
			rec, err := a.Engine.RunWindow(ctx, window)
			if rec != nil {
				printJSON(rec)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&skipBuild, "skip-build", false, "run the engine against the latest stored snapshot")
	return cmd
}

func rankCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rank",
		Short: "Recompute all rankings once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.RunJob(ctx, scheduler.Job{Name: "rank", Type: scheduler.JobRankingRun})
		},
	}
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <horizon>",
		Short: "Resolve matured outcome snapshots for one horizon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			horizon := domain.Horizon(args[0])
			valid := false
			for _, h := range domain.AllHorizons() {
				if h == horizon {
					valid = true
				}
			}
			if !valid {
				return fmt.Errorf("invalid horizon %q, want one of %v", args[0], domain.AllHorizons())
			}

			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.Outcomes.ResolveDue(ctx, horizon)
			printJSON(rep)
			return err
		},
	}
}

func datasetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dataset",
		Short: "Build learning samples from resolved outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.RunJob(ctx, scheduler.Job{Name: "dataset", Type: scheduler.JobDatasetBuild})
		},
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
