// Package alerts evaluates user-defined rules against freshly persisted
// points and fans deliveries out across channels. Evaluation runs on the
// producing runner's goroutine; only channel dispatch is concurrent.
package alerts

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sawpanic/boombust/internal/alerts/notify"
	"github.com/sawpanic/boombust/internal/domain"
	"github.com/sawpanic/boombust/internal/metrics"
	"github.com/sawpanic/boombust/internal/persistence"
	"github.com/sawpanic/boombust/internal/retry"
)

const (
	// confidenceFloor downgrades firings from low-quality points to
	// informational and keeps them off paging channels.
	confidenceFloor = 0.5

	// hysteresisFraction is how far back past the threshold a value must
	// retreat, as a fraction of the firing overshoot, before an absolute
	// rule rearms.
	hysteresisFraction = 0.2

	// severity breakpoints on relative overshoot.
	criticalOvershoot = 0.5
	warningOvershoot  = 0.1

	// how many persisted instances a dedup recovery scan reads.
	recentLookupLimit = 200
)

// Config carries the engine knobs.
type Config struct {
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{DispatchTimeout: 10 * time.Second}
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Configs   persistence.AlertConfigStore
	Instances persistence.AlertInstanceStore
	History   persistence.StateStore
	Notifiers []notify.Notifier
	Retrier   *retry.Executor
	Metrics   *metrics.Registry
	Now       func() time.Time
	Log       zerolog.Logger
}

// armState tracks the hysteresis latch for one absolute rule.
type armState struct {
	armed     bool
	rising    bool
	overshoot float64
}

// Engine matches points against enabled configs, dedups firings, and
// dispatches. One instance serves the whole process; its latch and dedup
// state is in-memory, with persisted instances backstopping dedup across
// restarts.
type Engine struct {
	cfg       Config
	deps      Deps
	notifiers map[domain.Channel]notify.Notifier
	now       func() time.Time
	log       zerolog.Logger

	mu        sync.Mutex
	armStates map[string]*armState
	lastFired map[string]*domain.AlertInstance
}

// New builds an Engine.
func New(cfg Config, deps Deps) *Engine {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 10 * time.Second
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	notifiers := make(map[domain.Channel]notify.Notifier, len(deps.Notifiers))
	for _, n := range deps.Notifiers {
		notifiers[n.Channel()] = n
	}
	return &Engine{
		cfg:       cfg,
		deps:      deps,
		notifiers: notifiers,
		now:       now,
		log:       deps.Log.With().Str("component", "alert_engine").Logger(),
		armStates: make(map[string]*armState),
		lastFired: make(map[string]*domain.AlertInstance),
	}
}

// Evaluate checks every enabled config watching the point's metric. It
// implements runner.AlertSink.
func (e *Engine) Evaluate(ctx context.Context, point *domain.MetricPoint) {
	configs, err := e.deps.Configs.ListEnabled(ctx, point.DataSource, point.MetricName)
	if err != nil {
		e.log.Error().Err(err).Str("key", point.Key()).Msg("Failed to load alert configs")
		return
	}
	for _, cfg := range configs {
		e.evaluateConfig(ctx, cfg, point)
	}
}

// verdict is the outcome of one rule evaluation.
type verdict struct {
	fired    bool
	baseline float64
	severity domain.Severity
	message  string
}

func (e *Engine) evaluateConfig(ctx context.Context, cfg *domain.AlertConfig, point *domain.MetricPoint) {
	var v verdict
	switch cfg.ThresholdType {
	case domain.ThresholdAbsolute:
		v = e.evalAbsolute(ctx, cfg, point)
	case domain.ThresholdPercentageChange:
		v = e.evalPercentChange(ctx, cfg, point)
	default:
		e.log.Error().Str("config_id", cfg.ID).Str("type", string(cfg.ThresholdType)).Msg("Unknown threshold type")
		return
	}
	if !v.fired {
		return
	}

	lowConfidence := point.Confidence < confidenceFloor
	if lowConfidence {
		v.severity = domain.SeverityInfo
	}

	if original := e.duplicateWithin(ctx, cfg); original != nil {
		e.recordDuplicate(ctx, cfg, original, point, v)
		return
	}

	inst := &domain.AlertInstance{
		ID:              uuid.NewString(),
		ConfigID:        cfg.ID,
		TriggeredAt:     e.now().UTC(),
		ObservedValue:   point.Value,
		ComparisonValue: v.baseline,
		Severity:        v.severity,
		Message:         v.message,
	}
	if err := e.deps.Instances.Save(ctx, inst); err != nil {
		// Notifications still go out; only the dashboard record is lost.
		e.log.Error().Err(err).Str("config_id", cfg.ID).Msg("Failed to persist alert instance")
	}
	e.remember(cfg.ID, inst)
	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveAlert(cfg.ID, v.severity)
	}
	e.log.Info().
		Str("config_id", cfg.ID).
		Str("severity", string(v.severity)).
		Float64("observed", point.Value).
		Float64("threshold", cfg.ThresholdValue).
		Msg("Alert fired")

	env := notify.Envelope{
		ID:            inst.ID,
		TriggeredAt:   inst.TriggeredAt,
		DataSource:    point.DataSource,
		MetricName:    point.MetricName,
		ObservedValue: point.Value,
		BaselineValue: v.baseline,
		Threshold:     cfg.ThresholdValue,
		Severity:      v.severity,
		Message:       v.message,
	}
	e.dispatch(ctx, cfg, inst, env, lowConfidence)
}

// evalAbsolute fires on a threshold crossing in the direction the value
// is moving, latched by hysteresis: after a firing the rule stays quiet
// until the value retreats past the threshold by at least 20% of the
// firing overshoot.
func (e *Engine) evalAbsolute(ctx context.Context, cfg *domain.AlertConfig, point *domain.MetricPoint) verdict {
	value := point.Value
	threshold := cfg.ThresholdValue
	prev := e.previousValue(ctx, cfg.Key(), point)

	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.armStates[cfg.ID]
	if !ok {
		state = &armState{armed: true}
		e.armStates[cfg.ID] = state
	}

	if !state.armed {
		retreat := hysteresisFraction * state.overshoot
		if state.rising && value < threshold-retreat {
			state.armed = true
		}
		if !state.rising && value > threshold+retreat {
			state.armed = true
		}
		// The retreat sample itself never fires.
		return verdict{}
	}

	didCross, rising := crossed(value, threshold, prev)
	if !didCross {
		return verdict{}
	}

	state.armed = false
	state.rising = rising
	state.overshoot = math.Abs(value - threshold)

	dir := "rose above"
	if !rising {
		dir = "fell below"
	}
	var baseline float64
	if prev != nil {
		baseline = *prev
	}
	return verdict{
		fired:    true,
		baseline: baseline,
		severity: severityFor(value, threshold),
		message: fmt.Sprintf("%s %s %s %g: observed %g",
			point.DataSource, point.MetricName, dir, threshold, value),
	}
}

// evalPercentChange compares the point against the value at or just
// before the comparison cutoff. No baseline inside the window means skip,
// silently.
func (e *Engine) evalPercentChange(ctx context.Context, cfg *domain.AlertConfig, point *domain.MetricPoint) verdict {
	cutoff := point.Timestamp.Add(-time.Duration(cfg.ComparisonPeriodDays) * 24 * time.Hour)
	points, err := e.deps.History.GetRange(ctx, cfg.Key(), time.Time{}, cutoff)
	if err != nil {
		e.log.Warn().Err(err).Str("config_id", cfg.ID).Msg("Baseline lookup failed")
		return verdict{}
	}
	if len(points) == 0 {
		e.log.Debug().Str("config_id", cfg.ID).Msg("No baseline inside comparison window, skipping")
		return verdict{}
	}
	baseline := points[len(points)-1].Value
	if baseline == 0 {
		e.log.Debug().Str("config_id", cfg.ID).Msg("Zero baseline, skipping")
		return verdict{}
	}

	change := (point.Value - baseline) / baseline
	if math.Abs(change) < cfg.ThresholdValue {
		return verdict{}
	}
	return verdict{
		fired:    true,
		baseline: baseline,
		severity: severityFor(math.Abs(change), cfg.ThresholdValue),
		message: fmt.Sprintf("%s %s moved %+.1f%% against its %d-day baseline %g (threshold %.1f%%)",
			point.DataSource, point.MetricName, change*100, cfg.ComparisonPeriodDays, baseline, cfg.ThresholdValue*100),
	}
}

// previousValue returns the persisted value just before this point, or
// nil when the point is the first of its key.
func (e *Engine) previousValue(ctx context.Context, key string, point *domain.MetricPoint) *float64 {
	recent, err := e.deps.History.GetRecent(ctx, key, 2)
	if err != nil {
		e.log.Warn().Err(err).Str("key", key).Msg("Previous value lookup failed")
		return nil
	}
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Checksum != point.Checksum {
			v := recent[i].Value
			return &v
		}
	}
	return nil
}

// crossed reports whether value crossed threshold relative to prev. With
// no history, at-or-above fires as a rising crossing.
func crossed(value, threshold float64, prev *float64) (bool, bool) {
	if prev == nil {
		return value >= threshold, true
	}
	if *prev < threshold && value >= threshold {
		return true, true
	}
	if *prev > threshold && value <= threshold {
		return true, false
	}
	return false, false
}

// severityFor grades a firing by its relative overshoot.
func severityFor(observed, threshold float64) domain.Severity {
	base := math.Abs(threshold)
	if base == 0 {
		return domain.SeverityCritical
	}
	over := math.Abs(observed-threshold) / base
	switch {
	case over >= criticalOvershoot:
		return domain.SeverityCritical
	case over >= warningOvershoot:
		return domain.SeverityWarning
	default:
		return domain.SeverityInfo
	}
}

// duplicateWithin returns the window-opening instance when the config
// already fired inside its dedup window, consulting persisted instances
// when the in-memory record is gone (process restart).
func (e *Engine) duplicateWithin(ctx context.Context, cfg *domain.AlertConfig) *domain.AlertInstance {
	now := e.now()

	e.mu.Lock()
	rec, ok := e.lastFired[cfg.ID]
	e.mu.Unlock()
	if ok && now.Sub(rec.TriggeredAt) < cfg.Window() {
		return rec
	}

	insts, err := e.deps.Instances.ListRecent(ctx, now.Add(-cfg.Window()), recentLookupLimit)
	if err != nil {
		e.log.Warn().Err(err).Str("config_id", cfg.ID).Msg("Dedup recovery scan failed")
		return nil
	}
	for _, inst := range insts {
		if inst.ConfigID == cfg.ID && inst.DuplicateOf == "" {
			e.remember(cfg.ID, inst)
			return inst
		}
	}
	return nil
}

// recordDuplicate persists the suppressed firing and refreshes the
// original's observed value. No channel dispatch happens.
func (e *Engine) recordDuplicate(ctx context.Context, cfg *domain.AlertConfig, original *domain.AlertInstance, point *domain.MetricPoint, v verdict) {
	dup := &domain.AlertInstance{
		ID:              uuid.NewString(),
		ConfigID:        cfg.ID,
		TriggeredAt:     e.now().UTC(),
		ObservedValue:   point.Value,
		ComparisonValue: v.baseline,
		Severity:        v.severity,
		Message:         v.message,
		DuplicateOf:     original.ID,
	}
	if err := e.deps.Instances.Save(ctx, dup); err != nil {
		e.log.Error().Err(err).Str("config_id", cfg.ID).Msg("Failed to persist duplicate instance")
	}

	e.mu.Lock()
	original.ObservedValue = point.Value
	e.mu.Unlock()
	if err := e.deps.Instances.Update(ctx, original); err != nil {
		e.log.Error().Err(err).Str("config_id", cfg.ID).Msg("Failed to refresh original instance")
	}

	e.log.Info().
		Str("config_id", cfg.ID).
		Str("duplicate_of", original.ID).
		Float64("observed", point.Value).
		Msg("Duplicate firing suppressed by dedup window")
}

// dispatch fans the envelope out to every configured channel, each with
// its own retry budget. Channel failures are isolated; the instance
// carries the per-channel outcome either way.
func (e *Engine) dispatch(ctx context.Context, cfg *domain.AlertConfig, inst *domain.AlertInstance, env notify.Envelope, lowConfidence bool) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	record := func(a domain.DeliveryAttempt) {
		mu.Lock()
		inst.DeliveryAttempts = append(inst.DeliveryAttempts, a)
		mu.Unlock()
	}

	for _, ch := range cfg.Channels {
		switch {
		case ch == domain.ChannelDashboard:
			// The persisted instance is the dashboard record.
			record(domain.DeliveryAttempt{Channel: ch, At: e.now().UTC(), OK: true})
			continue
		case lowConfidence && (ch == domain.ChannelSMS || ch == domain.ChannelTelegram):
			record(domain.DeliveryAttempt{Channel: ch, At: e.now().UTC(), OK: false,
				Error: fmt.Sprintf("suppressed: confidence below %.2f", confidenceFloor)})
			continue
		}

		notifier, ok := e.notifiers[ch]
		if !ok {
			record(domain.DeliveryAttempt{Channel: ch, At: e.now().UTC(), OK: false, Error: "no notifier configured"})
			continue
		}

		wg.Add(1)
		go func(ch domain.Channel, notifier notify.Notifier) {
			defer wg.Done()
			attempts, err := e.deps.Retrier.Do(ctx, string(ch)+" dispatch", func(ctx context.Context) error {
				dctx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
				defer cancel()
				return notifier.Send(dctx, env)
			})
			attempt := domain.DeliveryAttempt{Channel: ch, At: e.now().UTC(), OK: err == nil, Attempts: attempts}
			if err != nil {
				attempt.Error = err.Error()
				e.log.Warn().Err(err).Str("channel", string(ch)).Str("config_id", cfg.ID).Msg("Channel delivery failed")
			}
			record(attempt)
			if e.deps.Metrics != nil {
				e.deps.Metrics.ObserveDispatch(ch, err == nil)
			}
		}(ch, notifier)
	}
	wg.Wait()

	sort.Slice(inst.DeliveryAttempts, func(i, j int) bool {
		return inst.DeliveryAttempts[i].Channel < inst.DeliveryAttempts[j].Channel
	})
	if err := e.deps.Instances.Update(ctx, inst); err != nil {
		e.log.Error().Err(err).Str("config_id", cfg.ID).Msg("Failed to record delivery attempts")
	}
}

// remember stores the window-opening instance for dedup.
func (e *Engine) remember(configID string, inst *domain.AlertInstance) {
	e.mu.Lock()
	e.lastFired[configID] = inst
	e.mu.Unlock()
}
