// Package scheduler drives registered adapters on their nominal cadence,
// jittered so same-cadence jobs never fire in lockstep, and owns the
// retention janitor. Overlap protection lives in the runner's lease; the
// scheduler's job is to record skipped ticks and keep ticking.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/boombust/internal/domain"
	"github.com/sawpanic/boombust/internal/persistence"
	"github.com/sawpanic/boombust/internal/sources"
)

const defaultJitterFraction = 0.05

// Config carries the scheduler knobs.
type Config struct {
	// JitterFraction spreads every cadence tick by ±this fraction.
	JitterFraction float64 `yaml:"jitter_fraction"`

	// PurgeInterval is how often expired points are swept from the store.
	PurgeInterval time.Duration `yaml:"purge_interval"`

	// RunOnStart fires every job once at startup instead of waiting out
	// a full cadence (a weekly job would otherwise sit idle for a week
	// after deploy).
	RunOnStart bool `yaml:"run_on_start"`
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		JitterFraction: defaultJitterFraction,
		PurgeInterval:  24 * time.Hour,
		RunOnStart:     true,
	}
}

// configYAML is Config's file form: purge_interval as a duration string.
type configYAML struct {
	JitterFraction float64 `yaml:"jitter_fraction"`
	PurgeInterval  string  `yaml:"purge_interval"`
	RunOnStart     bool    `yaml:"run_on_start"`
}

// UnmarshalYAML accepts a duration string for purge_interval; absent keys
// keep the values already on the receiver.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	aux := configYAML{
		JitterFraction: c.JitterFraction,
		RunOnStart:     c.RunOnStart,
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	c.JitterFraction = aux.JitterFraction
	c.RunOnStart = aux.RunOnStart
	return domain.SetDuration(&c.PurgeInterval, aux.PurgeInterval)
}

// MarshalYAML renders purge_interval as a duration string.
func (c Config) MarshalYAML() (interface{}, error) {
	return configYAML{
		JitterFraction: c.JitterFraction,
		PurgeInterval:  c.PurgeInterval.String(),
		RunOnStart:     c.RunOnStart,
	}, nil
}

// AdapterRunner executes one adapter end to end. *runner.Runner satisfies it.
type AdapterRunner interface {
	Run(ctx context.Context, adapter sources.Adapter) *domain.ScraperResult
}

// Deps bundles the scheduler's collaborators.
type Deps struct {
	Runner   AdapterRunner
	Registry *sources.Registry
	Store    persistence.StateStore
	Now      func() time.Time
	Rand     func() float64
	Log      zerolog.Logger
}

// JobStatus is a point-in-time snapshot of one job's bookkeeping.
type JobStatus struct {
	Key         string    `json:"key"`
	LastRun     time.Time `json:"last_run"`
	LastOutcome string    `json:"last_outcome,omitempty"`
	NextRun     time.Time `json:"next_run"`
}

// Scheduler ticks every registered adapter on its own goroutine.
type Scheduler struct {
	cfg  Config
	deps Deps
	now  func() time.Time
	rand func() float64
	log  zerolog.Logger

	mu     sync.Mutex
	status map[string]*JobStatus
}

// New builds a Scheduler.
func New(cfg Config, deps Deps) *Scheduler {
	if cfg.JitterFraction <= 0 {
		cfg.JitterFraction = defaultJitterFraction
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = 24 * time.Hour
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	rnd := deps.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Scheduler{
		cfg:    cfg,
		deps:   deps,
		now:    now,
		rand:   rnd,
		log:    deps.Log.With().Str("component", "scheduler").Logger(),
		status: make(map[string]*JobStatus),
	}
}

// Start runs every job loop plus the janitor until the context is
// cancelled. Individual run failures are recorded and logged, never
// propagated: one broken upstream must not stop the other jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	adapters := s.deps.Registry.All()
	s.log.Info().Int("jobs", len(adapters)).Msg("Scheduler starting")

	g, ctx := errgroup.WithContext(ctx)
	for _, adapter := range adapters {
		adapter := adapter
		g.Go(func() error { return s.jobLoop(ctx, adapter) })
	}
	if s.deps.Store != nil {
		g.Go(func() error { return s.janitor(ctx) })
	}
	return g.Wait()
}

func (s *Scheduler) jobLoop(ctx context.Context, adapter sources.Adapter) error {
	source, metric, _ := adapter.Identity()
	key := domain.MetricKey(source, metric)
	log := s.log.With().Str("job", key).Logger()
	log.Info().Dur("cadence", adapter.Cadence()).Msg("Job loop started")

	if s.cfg.RunOnStart {
		s.execute(ctx, adapter, key, log)
	}

	for {
		wait := s.jittered(adapter.Cadence())
		s.recordNext(key, s.now().Add(wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			s.execute(ctx, adapter, key, log)
		}
	}
}

// execute runs the adapter once and records the tick outcome. The runner
// logs the run itself; the scheduler only adds the overlap record, since
// a held lease is invisible to the runner's caller otherwise.
func (s *Scheduler) execute(ctx context.Context, adapter sources.Adapter, key string, log zerolog.Logger) *domain.ScraperResult {
	result := s.deps.Runner.Run(ctx, adapter)
	s.recordOutcome(key, result)
	if result.Skipped {
		log.Warn().Msg("overlap-skipped")
	}
	return result
}

// RunNow executes one adapter immediately, outside its cadence. The
// lease still applies: a run already in flight turns this into a skip.
func (s *Scheduler) RunNow(ctx context.Context, source domain.DataSource, metric string) (*domain.ScraperResult, error) {
	adapter, ok := s.deps.Registry.Find(source, metric)
	if !ok {
		return nil, domain.ConfigErr("scheduler", fmt.Sprintf("no adapter registered for %s#%s", source, metric), nil)
	}
	key := domain.MetricKey(source, metric)
	return s.execute(ctx, adapter, key, s.log.With().Str("job", key).Logger()), nil
}

// RunAll executes every registered adapter concurrently and waits for
// all of them.
func (s *Scheduler) RunAll(ctx context.Context) []*domain.ScraperResult {
	adapters := s.deps.Registry.All()
	results := make([]*domain.ScraperResult, len(adapters))

	var wg sync.WaitGroup
	for i, adapter := range adapters {
		wg.Add(1)
		go func(i int, adapter sources.Adapter) {
			defer wg.Done()
			source, metric, _ := adapter.Identity()
			key := domain.MetricKey(source, metric)
			results[i] = s.execute(ctx, adapter, key, s.log.With().Str("job", key).Logger())
		}(i, adapter)
	}
	wg.Wait()
	return results
}

// Status returns a sorted snapshot of per-job bookkeeping.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *Scheduler) janitor(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			purged, err := s.deps.Store.PurgeExpired(ctx)
			if err != nil {
				s.log.Error().Err(err).Msg("Retention purge failed")
				continue
			}
			if purged > 0 {
				s.log.Info().Int64("points", purged).Msg("Purged expired points")
			}
		}
	}
}

// jittered spreads a cadence by ±JitterFraction.
func (s *Scheduler) jittered(d time.Duration) time.Duration {
	f := 1 + s.cfg.JitterFraction*(2*s.rand()-1)
	return time.Duration(float64(d) * f)
}

func (s *Scheduler) recordNext(key string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(key).NextRun = at
}

func (s *Scheduler) recordOutcome(key string, result *domain.ScraperResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensure(key)
	st.LastRun = s.now()
	switch {
	case result.Skipped:
		st.LastOutcome = "overlap-skipped"
	case result.Success:
		st.LastOutcome = "success"
	default:
		st.LastOutcome = "failed"
	}
}

// ensure is called with s.mu held.
func (s *Scheduler) ensure(key string) *JobStatus {
	st, ok := s.status[key]
	if !ok {
		st = &JobStatus{Key: key}
		s.status[key] = st
	}
	return st
}
