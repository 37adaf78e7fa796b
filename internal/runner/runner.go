// Package runner executes one adapter end to end: lease, fetch through
// the retry executor, degrade through fallback -> stale cache -> last
// known good, validate, cross-check, persist, and hand the fresh point to
// the alert engine.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/boombust/internal/data/cache"
	"github.com/sawpanic/boombust/internal/data/validate"
	"github.com/sawpanic/boombust/internal/domain"
	"github.com/sawpanic/boombust/internal/metrics"
	"github.com/sawpanic/boombust/internal/persistence"
	"github.com/sawpanic/boombust/internal/retry"
	"github.com/sawpanic/boombust/internal/sources"
)

// Degradation halves confidence each time a run falls back a tier.
const degradeFactor = 0.5

// Config carries the run-level timeouts. Every value is per adapter
// overridable in the top-level configuration.
type Config struct {
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	RunTimeout       time.Duration `yaml:"run_timeout"`
	SecondaryTimeout time.Duration `yaml:"secondary_timeout"`
	HistoryWindow    int           `yaml:"history_window"`
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		FetchTimeout:     30 * time.Second,
		RunTimeout:       5 * time.Minute,
		SecondaryTimeout: 10 * time.Second,
		HistoryWindow:    validate.DefaultHistoryWindow,
	}
}

// configYAML is Config's file form: timeouts as duration strings.
type configYAML struct {
	FetchTimeout     string `yaml:"fetch_timeout"`
	RunTimeout       string `yaml:"run_timeout"`
	SecondaryTimeout string `yaml:"secondary_timeout"`
	HistoryWindow    int    `yaml:"history_window"`
}

// UnmarshalYAML accepts duration strings for the timeout fields; absent
// keys keep the values already on the receiver.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	aux := configYAML{HistoryWindow: c.HistoryWindow}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	c.HistoryWindow = aux.HistoryWindow
	if err := domain.SetDuration(&c.FetchTimeout, aux.FetchTimeout); err != nil {
		return err
	}
	if err := domain.SetDuration(&c.RunTimeout, aux.RunTimeout); err != nil {
		return err
	}
	return domain.SetDuration(&c.SecondaryTimeout, aux.SecondaryTimeout)
}

// MarshalYAML renders the timeouts as duration strings.
func (c Config) MarshalYAML() (interface{}, error) {
	return configYAML{
		FetchTimeout:     c.FetchTimeout.String(),
		RunTimeout:       c.RunTimeout.String(),
		SecondaryTimeout: c.SecondaryTimeout.String(),
		HistoryWindow:    c.HistoryWindow,
	}, nil
}

// AlertSink receives every freshly persisted point, on the producing
// run's goroutine. Implemented by the alert engine; nil disables
// evaluation.
type AlertSink interface {
	Evaluate(ctx context.Context, point *domain.MetricPoint)
}

// Deps bundles the shared handles a Runner needs.
type Deps struct {
	Cache     cache.Store
	Store     persistence.StateStore
	Validator *validate.Validator
	Retrier   *retry.Executor
	Leases    *Leases
	Metrics   *metrics.Registry
	Sink      *metrics.Sink
	Alerts    AlertSink
	Now       func() time.Time
	Log       zerolog.Logger
}

// Runner drives one adapter per Run call. Safe for concurrent use across
// distinct metrics; the lease registry serializes runs of the same one.
type Runner struct {
	cfg  Config
	deps Deps
	now  func() time.Time
	log  zerolog.Logger
}

// New builds a Runner.
func New(cfg Config, deps Deps) *Runner {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	if cfg.SecondaryTimeout <= 0 {
		cfg.SecondaryTimeout = 10 * time.Second
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = validate.DefaultHistoryWindow
	}
	if deps.Leases == nil {
		deps.Leases = NewLeases()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		cfg:  cfg,
		deps: deps,
		now:  now,
		log:  deps.Log.With().Str("component", "runner").Logger(),
	}
}

// Run executes the adapter once and always returns a result, even on
// panic. Skipped results mean another run holds the metric's lease.
func (r *Runner) Run(ctx context.Context, adapter sources.Adapter) (result *domain.ScraperResult) {
	source, metric, unit := adapter.Identity()
	key := domain.MetricKey(source, metric)
	started := r.now()

	result = &domain.ScraperResult{DataSource: source, MetricName: metric}
	log := r.log.With().Str("data_source", string(source)).Str("metric", metric).Logger()

	defer func() {
		if rec := recover(); rec != nil {
			result.Success = false
			result.Point = nil
			result.Err = domain.InternalErr("runner", fmt.Sprintf("adapter panic: %v", rec), nil)
			log.Error().Interface("panic", rec).Msg("Recovered adapter panic")
		}
		result.ExecutionDuration = r.now().Sub(started)
		if r.deps.Metrics != nil {
			r.deps.Metrics.ObserveRun(result)
		}
		if r.deps.Sink != nil {
			r.deps.Sink.Emit(context.WithoutCancel(ctx), result)
		}
		logOutcome(log, result)
	}()

	release, ok := r.deps.Leases.TryAcquire(key)
	if !ok {
		result.Skipped = true
		return result
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RunTimeout)
	defer cancel()

	var reading domain.RawReading
	attempts, err := r.deps.Retrier.Do(ctx, key+" fetch", func(ctx context.Context) error {
		fctx, fcancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
		defer fcancel()
		var ferr error
		reading, ferr = adapter.Fetch(fctx)
		return ferr
	})
	result.RetryCount = attempts - 1

	switch {
	case err == nil:
		r.produce(ctx, adapter, unit, reading, false, result)
	case domain.IsRetryable(err):
		// Transient exhaustion: walk the degradation chain.
		r.degrade(ctx, adapter, key, unit, err, result)
	default:
		// Parse, schema, auth, config: a fallback would fetch the same
		// broken document, so these surface immediately.
		result.Err = err
	}
	return result
}

// degrade walks fallback -> stale cache -> last known good. The first
// tier that yields data produces a degraded success; otherwise the
// original fetch error stands.
func (r *Runner) degrade(ctx context.Context, adapter sources.Adapter, key string, unit domain.Unit, fetchErr error, result *domain.ScraperResult) {
	source, metric, _ := adapter.Identity()

	fctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	reading, ok, err := adapter.Fallback(fctx)
	cancel()
	if ok && err == nil {
		result.UsedFallback = true
		r.observeFallback(source, metric, "adapter")
		r.produce(ctx, adapter, unit, reading, true, result)
		return
	}
	if ok && err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("Fallback source failed")
	}

	if payload, hit := r.deps.Cache.GetStale(ctx, key); hit {
		var point domain.MetricPoint
		if jerr := json.Unmarshal(payload, &point); jerr == nil {
			result.UsedFallback = true
			result.Success = true
			result.Point = degradedCopy(&point, "stale_cache")
			r.observeFallback(source, metric, "stale_cache")
			return
		}
		r.log.Warn().Str("key", key).Msg("Discarding undecodable stale cache entry")
	}

	lkg, lerr := r.deps.Store.GetLastKnownGood(ctx, key)
	if lerr != nil {
		r.log.Warn().Err(lerr).Str("key", key).Msg("Last-known-good lookup failed")
	}
	if lkg != nil {
		result.UsedFallback = true
		result.Success = true
		result.Point = degradedCopy(lkg, "last_known_good")
		r.observeFallback(source, metric, "last_known_good")
		return
	}

	result.Err = fetchErr
}

// produce validates a raw reading, cross-checks it, composes the point,
// and persists it. degraded marks readings that arrived via adapter
// fallback; their confidence is halved and status set accordingly.
func (r *Runner) produce(ctx context.Context, adapter sources.Adapter, unit domain.Unit, reading domain.RawReading, degraded bool, result *domain.ScraperResult) {
	source, metric, _ := adapter.Identity()
	key := domain.MetricKey(source, metric)

	// Metadata is composed before validation: the checksum covers exactly
	// the value+metadata pair that gets persisted, so replaying the stored
	// point reproduces it.
	metadata := make(map[string]string, len(reading.Strings)+1)
	for k, v := range reading.Strings {
		metadata[k] = v
	}
	if degraded {
		metadata["fallback_source"] = reading.Source
	}

	history := r.history(ctx, key)
	report := r.deps.Validator.Validate(&reading, adapter.Schema(), history, metadata)
	if !report.Valid {
		if r.deps.Metrics != nil {
			r.deps.Metrics.ObserveReject(source, metric)
		}
		result.Err = domain.ValidationErr("runner", strings.Join(report.Errors, "; "), nil)
		return
	}

	sctx, cancel := context.WithTimeout(ctx, r.cfg.SecondaryTimeout)
	secondaries := adapter.SecondarySources(sctx)
	cancel()

	cross := validate.CrossValidate(reading.Scalar, secondaries, unit)
	confidence := report.Confidence
	if cross.AgreementConfidence < validate.AgreementFloor && confidence > validate.AgreementFloor {
		confidence = validate.AgreementFloor
	}

	status := domain.StatusValid
	if degraded {
		confidence *= degradeFactor
		status = domain.StatusDegraded
	}

	observed := reading.ObservedAt
	if observed.IsZero() {
		observed = r.now()
	}

	point := &domain.MetricPoint{
		DataSource:       source,
		MetricName:       metric,
		Value:            reading.Scalar,
		Unit:             unit,
		Timestamp:        observed.UTC(),
		Confidence:       confidence,
		Checksum:         report.Checksum,
		AnomalyScore:     report.AnomalyScore,
		Metadata:         metadata,
		SourceFlags:      nil,
		ValidationStatus: status,
	}
	point.AddSourceFlag(reading.Source)

	for _, w := range append(report.Warnings, cross.Warnings...) {
		r.log.Warn().Str("key", key).Msg(w)
	}

	if err := r.persist(ctx, key, point, adapter.PreferredTTL()); err != nil {
		result.Err = err
		return
	}

	result.Success = true
	result.Point = point

	if r.deps.Alerts != nil {
		r.deps.Alerts.Evaluate(ctx, point)
	}
}

// persist writes the cache tier then the durable store, each through the
// retry executor. Either write failing fails the run.
func (r *Runner) persist(ctx context.Context, key string, point *domain.MetricPoint, ttl time.Duration) error {
	payload, err := json.Marshal(point)
	if err != nil {
		return domain.InternalErr("runner", "failed to encode point for cache", err)
	}

	if _, err := r.deps.Retrier.Do(ctx, key+" cache put", func(ctx context.Context) error {
		return r.deps.Cache.Put(ctx, key, payload, ttl)
	}); err != nil {
		return err
	}

	if _, err := r.deps.Retrier.Do(ctx, key+" store put", func(ctx context.Context) error {
		return r.deps.Store.Put(ctx, point)
	}); err != nil {
		return err
	}
	return nil
}

// history loads recent values for anomaly scoring. A storage read failure
// only costs the anomaly signal, never the run.
func (r *Runner) history(ctx context.Context, key string) []float64 {
	points, err := r.deps.Store.GetRecent(ctx, key, r.cfg.HistoryWindow)
	if err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("History lookup failed, scoring without it")
		return nil
	}
	values := make([]float64, 0, len(points))
	for _, p := range points {
		values = append(values, p.Value)
	}
	return values
}

func (r *Runner) observeFallback(source domain.DataSource, metric, path string) {
	if r.deps.Metrics != nil {
		r.deps.Metrics.ObserveFallback(source, metric, path)
	}
}

// degradedCopy clones a historical point for a degraded response without
// mutating the stored original. The copy is returned to the caller only;
// it is never re-persisted, so timestamps stay monotonic per key.
func degradedCopy(p *domain.MetricPoint, flag string) *domain.MetricPoint {
	cp := *p
	cp.Metadata = make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		cp.Metadata[k] = v
	}
	cp.SourceFlags = append([]string(nil), p.SourceFlags...)
	cp.Confidence *= degradeFactor
	cp.ValidationStatus = domain.StatusDegraded
	cp.AddSourceFlag(flag)
	return &cp
}

func logOutcome(log zerolog.Logger, result *domain.ScraperResult) {
	evt := log.Info()
	switch {
	case result.Skipped:
		log.Info().Msg("Run skipped, lease held")
		return
	case !result.Success:
		evt = log.Error().Str("kind", string(domain.KindOf(result.Err))).Err(result.Err)
	}
	evt.Bool("success", result.Success).
		Bool("used_fallback", result.UsedFallback).
		Int("retries", result.RetryCount).
		Dur("duration", result.ExecutionDuration).
		Msg("Run finished")
}
