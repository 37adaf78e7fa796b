// Package retry provides the bounded, jittered backoff executor every
// fallible unit of work in the pipeline runs through: adapter fetches,
// state-store writes, and alert channel dispatch.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/boombust/internal/domain"
)

// Policy is the retry policy as plain data.
type Policy struct {
	MaxAttempts   int           `yaml:"max_attempts" validate:"min=1"`
	BaseDelay     time.Duration `yaml:"base_delay" validate:"min=0"`
	MaxDelay      time.Duration `yaml:"max_delay" validate:"min=0"`
	BackoffFactor float64       `yaml:"backoff_factor" validate:"gte=1"`
	Jitter        float64       `yaml:"jitter" validate:"gte=0,lte=1"`
}

// DefaultPolicy matches the pipeline-wide defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		BaseDelay:     time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        0.25,
	}
}

// policyYAML is Policy's file form: delays as duration strings.
type policyYAML struct {
	MaxAttempts   int     `yaml:"max_attempts"`
	BaseDelay     string  `yaml:"base_delay"`
	MaxDelay      string  `yaml:"max_delay"`
	BackoffFactor float64 `yaml:"backoff_factor"`
	Jitter        float64 `yaml:"jitter"`
}

// UnmarshalYAML accepts duration strings for the delay fields; absent
// keys keep the values already on the receiver.
func (p *Policy) UnmarshalYAML(value *yaml.Node) error {
	aux := policyYAML{
		MaxAttempts:   p.MaxAttempts,
		BackoffFactor: p.BackoffFactor,
		Jitter:        p.Jitter,
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	p.MaxAttempts = aux.MaxAttempts
	p.BackoffFactor = aux.BackoffFactor
	p.Jitter = aux.Jitter
	if err := domain.SetDuration(&p.BaseDelay, aux.BaseDelay); err != nil {
		return err
	}
	return domain.SetDuration(&p.MaxDelay, aux.MaxDelay)
}

// MarshalYAML renders the delays as duration strings so the printed
// effective config round-trips.
func (p Policy) MarshalYAML() (interface{}, error) {
	return policyYAML{
		MaxAttempts:   p.MaxAttempts,
		BaseDelay:     p.BaseDelay.String(),
		MaxDelay:      p.MaxDelay.String(),
		BackoffFactor: p.BackoffFactor,
		Jitter:        p.Jitter,
	}, nil
}

// Delay computes the capped backoff for the given 1-based attempt index,
// before jitter is applied.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	return time.Duration(d)
}

// Executor runs callables under a Policy. The sleep and random hooks are
// injectable so tests can assert the backoff envelope without waiting.
type Executor struct {
	policy Policy
	log    zerolog.Logger

	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

// New builds an Executor with real sleeping and math/rand jitter.
func New(policy Policy, log zerolog.Logger) *Executor {
	return &Executor{
		policy: policy,
		log:    log,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
		randFloat: rand.Float64,
	}
}

// WithSleep overrides the sleep hook. Test use.
func (e *Executor) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Executor {
	e.sleep = sleep
	return e
}

// WithRand overrides the jitter source. Test use.
func (e *Executor) WithRand(f func() float64) *Executor {
	e.randFloat = f
	return e
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Do runs fn until it succeeds, exhausts MaxAttempts, or fails with a
// non-retryable error. It returns the number of invocations made and the
// last error. Non-retryable errors short-circuit after exactly one call
// to fn for that failure. Values are captured by closure.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) (int, error) {
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempts, lastErr
			}
			return attempts, err
		}

		attempts++
		err := fn(ctx)
		if err == nil {
			return attempts, nil
		}
		lastErr = err

		if !domain.IsRetryable(err) {
			e.log.Debug().
				Str("op", op).
				Int("attempt", attempt).
				Str("kind", string(domain.KindOf(err))).
				Err(err).
				Msg("Non-retryable error, aborting")
			return attempts, err
		}
		if attempt == e.policy.MaxAttempts {
			break
		}

		delay := e.jittered(e.policy.Delay(attempt))
		e.log.Warn().
			Str("op", op).
			Int("attempt", attempt).
			Int("max_attempts", e.policy.MaxAttempts).
			Dur("delay", delay).
			Err(err).
			Msg("Attempt failed, backing off")

		if serr := e.sleep(ctx, delay); serr != nil {
			return attempts, lastErr
		}
	}

	e.log.Warn().
		Str("op", op).
		Int("attempts", attempts).
		Err(lastErr).
		Msg("Retry budget exhausted")
	return attempts, lastErr
}

// jittered scales d by a uniform factor in [1-jitter, 1+jitter].
func (e *Executor) jittered(d time.Duration) time.Duration {
	j := e.policy.Jitter
	if j <= 0 {
		return d
	}
	factor := 1 - j + 2*j*e.randFloat()
	return time.Duration(float64(d) * factor)
}
