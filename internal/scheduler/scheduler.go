// Package scheduler runs the pipeline jobs on fixed intervals from a YAML
// job table. Jobs declare a named exclusivity lock; a tick that finds the
// lock held is skipped and counted, never queued.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/corridorlab/corridorscope/internal/domain"
)

// Job types executed by the runner.
const (
	JobSnapshotBuild  = "snapshot.build"
	JobEngineRun      = "engine.run"
	JobRankingRun     = "ranking.run"
	JobOutcomeResolve = "outcome.resolve"
	JobDatasetBuild   = "dataset.build"
)

// Job is one scheduled job configuration.
type Job struct {
	Name     string        `yaml:"name"`
	Type     string        `yaml:"type"`
	Interval time.Duration `yaml:"interval"`
	Enabled  bool          `yaml:"enabled"`

	// Lock names the exclusivity group. Jobs sharing a lock never overlap;
	// empty means the job's own name.
	Lock string `yaml:"lock,omitempty"`

	Window  domain.Window  `yaml:"window,omitempty"`
	Horizon domain.Horizon `yaml:"horizon,omitempty"`
}

// UnmarshalYAML accepts intervals in time.ParseDuration form ("30m", "6h").
func (j *Job) UnmarshalYAML(value *yaml.Node) error {
	type rawJob struct {
		Name     string         `yaml:"name"`
		Type     string         `yaml:"type"`
		Interval string         `yaml:"interval"`
		Enabled  bool           `yaml:"enabled"`
		Lock     string         `yaml:"lock"`
		Window   domain.Window  `yaml:"window"`
		Horizon  domain.Horizon `yaml:"horizon"`
	}
	var raw rawJob
	if err := value.Decode(&raw); err != nil {
		return err
	}
	interval, err := time.ParseDuration(raw.Interval)
	if err != nil {
		return fmt.Errorf("job %s: invalid interval %q: %w", raw.Name, raw.Interval, err)
	}
	*j = Job{
		Name:     raw.Name,
		Type:     raw.Type,
		Interval: interval,
		Enabled:  raw.Enabled,
		Lock:     raw.Lock,
		Window:   raw.Window,
		Horizon:  raw.Horizon,
	}
	return nil
}

// Config is the scheduler job table.
type Config struct {
	Jobs []Job `yaml:"jobs"`
}

// DefaultConfig returns the standard job table covering every window and
// horizon.
func DefaultConfig() Config {
	var jobs []Job
	for _, w := range domain.AllWindows() {
		jobs = append(jobs,
			Job{
				Name:     fmt.Sprintf("snapshot-%s", w),
				Type:     JobSnapshotBuild,
				Interval: snapshotInterval(w),
				Enabled:  true,
				Lock:     fmt.Sprintf("window:%s", w),
				Window:   w,
			},
			Job{
				Name:     fmt.Sprintf("engine-%s", w),
				Type:     JobEngineRun,
				Interval: snapshotInterval(w),
				Enabled:  true,
				Lock:     fmt.Sprintf("window:%s", w),
				Window:   w,
			},
		)
	}
	jobs = append(jobs, Job{
		Name:     "ranking",
		Type:     JobRankingRun,
		Interval: 15 * time.Minute,
		Enabled:  true,
		Lock:     "ranking",
	})
	for _, h := range domain.AllHorizons() {
		jobs = append(jobs, Job{
			Name:     fmt.Sprintf("outcome-%s", h),
			Type:     JobOutcomeResolve,
			Interval: time.Hour,
			Enabled:  true,
			Lock:     "outcome",
			Horizon:  h,
		})
	}
	jobs = append(jobs, Job{
		Name:     "dataset",
		Type:     JobDatasetBuild,
		Interval: 6 * time.Hour,
		Enabled:  true,
		Lock:     "dataset",
	})
	return Config{Jobs: jobs}
}

// snapshotInterval maps a window to a build cadence: short windows refresh
// often, long windows rarely.
func snapshotInterval(w domain.Window) time.Duration {
	switch w {
	case domain.Window1h:
		return 10 * time.Minute
	case domain.Window24h:
		return time.Hour
	case domain.Window7d:
		return 6 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// LoadConfig reads a job table from a YAML file, filling defaults when the
// file names no jobs.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read scheduler config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse scheduler config: %w", err)
	}
	if len(cfg.Jobs) == 0 {
		cfg = DefaultConfig()
	}
	return cfg, nil
}

// Runner executes one job. The scheduler owns cadence and locking; the
// runner owns semantics.
type Runner interface {
	RunJob(ctx context.Context, job Job) error
}

// JobStatus is the live view of one job.
type JobStatus struct {
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Enabled  bool      `json:"enabled"`
	LastRun  time.Time `json:"last_run"`
	LastErr  string    `json:"last_err,omitempty"`
	Runs     int64     `json:"runs"`
	Failures int64     `json:"failures"`
	Skipped  int64     `json:"skipped"`
}

// Scheduler drives the job table.
type Scheduler struct {
	cfg    Config
	runner Runner

	mu     sync.Mutex
	locks  map[string]bool
	status map[string]*JobStatus
}

// New builds a scheduler over a job table.
func New(cfg Config, runner Runner) *Scheduler {
	s := &Scheduler{
		cfg:    cfg,
		runner: runner,
		locks:  make(map[string]bool),
		status: make(map[string]*JobStatus),
	}
	for _, job := range cfg.Jobs {
		s.status[job.Name] = &JobStatus{Name: job.Name, Type: job.Type, Enabled: job.Enabled}
	}
	return s
}

// Start runs every enabled job on its interval until the context ends.
func (s *Scheduler) Start(ctx context.Context) error {
	log.Info().Str("component", "scheduler").Int("jobs", len(s.cfg.Jobs)).Msg("scheduler starting")

	var wg sync.WaitGroup
	for _, job := range s.cfg.Jobs {
		if !job.Enabled {
			continue
		}
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx, job)
		}
	}
}

// RunOnce executes one job tick. A held lock skips the tick.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) {
	lock := job.Lock
	if lock == "" {
		lock = job.Name
	}
	if !s.acquire(lock) {
		s.mark(job.Name, func(st *JobStatus) { st.Skipped++ })
		log.Debug().Str("component", "scheduler").Str("job", job.Name).Str("lock", lock).Msg("tick skipped, lock held")
		return
	}
	defer s.release(lock)

	started := time.Now()
	err := s.runner.RunJob(ctx, job)
	s.mark(job.Name, func(st *JobStatus) {
		st.Runs++
		st.LastRun = started
		if err != nil {
			st.Failures++
			st.LastErr = err.Error()
		} else {
			st.LastErr = ""
		}
	})
	if err != nil {
		log.Error().Err(err).Str("component", "scheduler").Str("job", job.Name).Msg("job failed")
		return
	}
	log.Info().
		Str("component", "scheduler").
		Str("job", job.Name).
		Dur("took", time.Since(started)).
		Msg("job complete")
}

// Status returns the live status of every job.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.cfg.Jobs))
	for _, job := range s.cfg.Jobs {
		if st, ok := s.status[job.Name]; ok {
			out = append(out, *st)
		}
	}
	return out
}

func (s *Scheduler) acquire(lock string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[lock] {
		return false
	}
	s.locks[lock] = true
	return true
}

func (s *Scheduler) release(lock string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, lock)
}

func (s *Scheduler) mark(name string, fn func(*JobStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[name]; ok {
		fn(st)
	}
}
