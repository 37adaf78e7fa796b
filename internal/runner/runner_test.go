package runner

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/boombust/internal/data/cache"
	"github.com/sawpanic/boombust/internal/data/validate"
	"github.com/sawpanic/boombust/internal/domain"
	"github.com/sawpanic/boombust/internal/metrics"
	"github.com/sawpanic/boombust/internal/persistence"
	"github.com/sawpanic/boombust/internal/retry"
)

// scriptedAdapter lets each test wire exact fetch/fallback behavior.
type scriptedAdapter struct {
	source      domain.DataSource
	metric      string
	unit        domain.Unit
	schema      validate.Schema
	fetch       func(ctx context.Context) (domain.RawReading, error)
	secondaries func(ctx context.Context) []domain.SecondaryReading
	fallback    func(ctx context.Context) (domain.RawReading, bool, error)
}

func (s *scriptedAdapter) Identity() (domain.DataSource, string, domain.Unit) {
	return s.source, s.metric, s.unit
}
func (s *scriptedAdapter) Schema() validate.Schema { return s.schema }
func (s *scriptedAdapter) Fetch(ctx context.Context) (domain.RawReading, error) {
	return s.fetch(ctx)
}
func (s *scriptedAdapter) SecondarySources(ctx context.Context) []domain.SecondaryReading {
	if s.secondaries == nil {
		return nil
	}
	return s.secondaries(ctx)
}
func (s *scriptedAdapter) Fallback(ctx context.Context) (domain.RawReading, bool, error) {
	if s.fallback == nil {
		return domain.RawReading{}, false, nil
	}
	return s.fallback(ctx)
}
func (s *scriptedAdapter) PreferredTTL() time.Duration { return time.Hour }
func (s *scriptedAdapter) Cadence() time.Duration      { return 24 * time.Hour }

type harness struct {
	runner  *Runner
	store   *persistence.MemoryStore
	cache   cache.Store
	metrics *metrics.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := persistence.NewMemoryStore(persistence.DefaultTTL)
	cacheStore, err := cache.New(cache.Config{Backend: "memory", StaleCap: cache.DefaultStaleCap, MaxEntries: 64}, zerolog.Nop())
	require.NoError(t, err)

	reg := metrics.NewRegistry(prometheus.NewRegistry())
	runner := New(DefaultConfig(), Deps{
		Cache:     cacheStore,
		Store:     store,
		Validator: validate.NewValidator(validate.DefaultQualityConfig(), 30, zerolog.Nop()),
		Retrier:   retry.New(retry.DefaultPolicy(), zerolog.Nop()).WithSleep(func(context.Context, time.Duration) error { return nil }),
		Leases:    NewLeases(),
		Metrics:   reg,
		Log:       zerolog.Nop(),
	})
	return &harness{runner: runner, store: store, cache: cacheStore, metrics: reg}
}

func bdcSchema() validate.Schema {
	return validate.Schema{
		Kind:  domain.ReadingScalar,
		Value: &validate.Bounds{Min: validate.Float(-0.5), Max: validate.Float(0.95)},
	}
}

func seedHistory(t *testing.T, store persistence.StateStore, source domain.DataSource, metric string, values []float64, start time.Time) {
	t.Helper()
	for i, v := range values {
		point := &domain.MetricPoint{
			DataSource:       source,
			MetricName:       metric,
			Value:            v,
			Unit:             domain.UnitRatio,
			Timestamp:        start.Add(time.Duration(i) * 24 * time.Hour),
			Confidence:       0.95,
			Checksum:         "seed-" + string(rune('a'+i)),
			ValidationStatus: domain.StatusValid,
		}
		require.NoError(t, store.Put(context.Background(), point))
	}
}

// Ten days of discounts between 0.08 and 0.10, then a reading of 0.105:
// slightly high but statistically unremarkable.
func TestRunHappyPathBDC(t *testing.T) {
	h := newHarness(t)
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	history := []float64{0.08, 0.10, 0.10, 0.10, 0.10, 0.10, 0.10, 0.10, 0.10, 0.10}
	seedHistory(t, h.store, domain.SourceBDCDiscount, "avg_discount", history, start)

	adapter := &scriptedAdapter{
		source: domain.SourceBDCDiscount,
		metric: "avg_discount",
		unit:   domain.UnitRatio,
		schema: bdcSchema(),
		fetch: func(context.Context) (domain.RawReading, error) {
			return domain.RawReading{
				Kind:       domain.ReadingScalar,
				Scalar:     0.105,
				Strings:    map[string]string{"tickers": "ARCC,FSK,OBDC"},
				ObservedAt: start.Add(11 * 24 * time.Hour),
				Source:     "funddata",
			}, nil
		},
	}

	result := h.runner.Run(context.Background(), adapter)

	require.True(t, result.Success)
	require.NotNil(t, result.Point)
	assert.False(t, result.UsedFallback)
	assert.Zero(t, result.RetryCount)

	point := result.Point
	assert.Equal(t, 0.105, point.Value)
	assert.LessOrEqual(t, point.AnomalyScore, 0.2)
	assert.GreaterOrEqual(t, point.Confidence, 0.85)
	assert.Equal(t, domain.StatusValid, point.ValidationStatus)
	assert.Equal(t, []string{"funddata"}, point.SourceFlags)

	// Fresh checksum differs from every prior point's.
	key := domain.MetricKey(domain.SourceBDCDiscount, "avg_discount")
	all, err := h.store.GetRecent(context.Background(), key, 100)
	require.NoError(t, err)
	require.Len(t, all, 11)
	for _, prior := range all[:10] {
		assert.NotEqual(t, prior.Checksum, point.Checksum)
	}

	// The hot tier now serves the same point.
	payload, _, hit := h.cache.Get(context.Background(), key)
	require.True(t, hit)
	var cached domain.MetricPoint
	require.NoError(t, json.Unmarshal(payload, &cached))
	assert.Equal(t, point.Checksum, cached.Checksum)
}

// Primary times out three times, fallback lands close to recent history.
func TestRunFallbackDegraded(t *testing.T) {
	h := newHarness(t)
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	seedHistory(t, h.store, domain.SourceBDCDiscount, "avg_discount", []float64{0.088, 0.09, 0.092, 0.09, 0.09}, start)

	fetchCalls := 0
	adapter := &scriptedAdapter{
		source: domain.SourceBDCDiscount,
		metric: "avg_discount",
		unit:   domain.UnitRatio,
		schema: bdcSchema(),
		fetch: func(context.Context) (domain.RawReading, error) {
			fetchCalls++
			return domain.RawReading{}, domain.TransportErr("funddata", "connect timeout", nil)
		},
		fallback: func(context.Context) (domain.RawReading, bool, error) {
			return domain.RawReading{
				Kind:       domain.ReadingScalar,
				Scalar:     0.0915,
				ObservedAt: start.Add(6 * 24 * time.Hour),
				Source:     "index_fallback",
			}, true, nil
		},
	}

	result := h.runner.Run(context.Background(), adapter)

	require.True(t, result.Success)
	assert.True(t, result.UsedFallback)
	assert.Equal(t, 3, fetchCalls)
	assert.Equal(t, 2, result.RetryCount)

	point := result.Point
	require.NotNil(t, point)
	assert.Equal(t, domain.StatusDegraded, point.ValidationStatus)
	assert.LessOrEqual(t, point.Confidence, 0.5)
	assert.Contains(t, point.SourceFlags, "index_fallback")
	assert.Equal(t, "index_fallback", point.Metadata["fallback_source"])

	// Degraded-but-validated points are persisted.
	latest, err := h.store.GetLatest(context.Background(), point.Key())
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 0.0915, latest.Value)

	fallbacks := testutil.ToFloat64(h.metrics.FallbacksTotal.WithLabelValues("bdc_discount", "avg_discount", "adapter"))
	assert.Equal(t, 1.0, fallbacks)
}

func TestRunStaleCacheWhenNoFallback(t *testing.T) {
	h := newHarness(t)
	key := domain.MetricKey(domain.SourceBondIssuance, "weekly_total")

	prior := &domain.MetricPoint{
		DataSource:       domain.SourceBondIssuance,
		MetricName:       "weekly_total",
		Value:            2.9e10,
		Unit:             domain.UnitCurrency,
		Timestamp:        time.Date(2026, 8, 14, 0, 0, 0, 0, time.UTC),
		Confidence:       0.9,
		Checksum:         "prior-checksum",
		ValidationStatus: domain.StatusValid,
	}
	payload, err := json.Marshal(prior)
	require.NoError(t, err)
	require.NoError(t, h.cache.Put(context.Background(), key, payload, time.Hour))

	adapter := &scriptedAdapter{
		source: domain.SourceBondIssuance,
		metric: "weekly_total",
		unit:   domain.UnitCurrency,
		schema: validate.Schema{Kind: domain.ReadingScalar},
		fetch: func(context.Context) (domain.RawReading, error) {
			return domain.RawReading{}, domain.TransportErr("sifma", "503 from upstream", nil)
		},
	}

	result := h.runner.Run(context.Background(), adapter)

	require.True(t, result.Success)
	assert.True(t, result.UsedFallback)
	point := result.Point
	require.NotNil(t, point)
	assert.Equal(t, 2.9e10, point.Value)
	assert.InDelta(t, 0.45, point.Confidence, 1e-9)
	assert.Equal(t, domain.StatusDegraded, point.ValidationStatus)
	assert.Contains(t, point.SourceFlags, "stale_cache")

	// Served from cache, never re-persisted.
	latest, err := h.store.GetLatest(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestRunLastKnownGoodAsFinalTier(t *testing.T) {
	h := newHarness(t)
	seedHistory(t, h.store, domain.SourceCreditFund, "total_assets", []float64{1.6e10}, time.Date(2026, 5, 15, 0, 0, 0, 0, time.UTC))

	adapter := &scriptedAdapter{
		source: domain.SourceCreditFund,
		metric: "total_assets",
		unit:   domain.UnitCurrency,
		schema: validate.Schema{Kind: domain.ReadingComposite},
		fetch: func(context.Context) (domain.RawReading, error) {
			return domain.RawReading{}, domain.TransportErr("sec_edgar", "429 from upstream", nil)
		},
	}

	result := h.runner.Run(context.Background(), adapter)

	require.True(t, result.Success)
	assert.True(t, result.UsedFallback)
	point := result.Point
	require.NotNil(t, point)
	assert.Equal(t, 1.6e10, point.Value)
	assert.InDelta(t, 0.475, point.Confidence, 1e-9) // 0.95 halved
	assert.Equal(t, domain.StatusDegraded, point.ValidationStatus)
	assert.Contains(t, point.SourceFlags, "last_known_good")

	// The stored original is untouched.
	lkg, err := h.store.GetLastKnownGood(context.Background(), point.Key())
	require.NoError(t, err)
	assert.Equal(t, 0.95, lkg.Confidence)
	assert.Equal(t, domain.StatusValid, lkg.ValidationStatus)

	// No new write happened.
	all, err := h.store.GetRecent(context.Background(), point.Key(), 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRunFailsWhenEveryTierMisses(t *testing.T) {
	h := newHarness(t)

	adapter := &scriptedAdapter{
		source: domain.SourceBankProvision,
		metric: "loan_loss_provisions",
		unit:   domain.UnitCurrency,
		schema: validate.Schema{Kind: domain.ReadingComposite},
		fetch: func(context.Context) (domain.RawReading, error) {
			return domain.RawReading{}, domain.TransportErr("sec_edgar", "connection reset", nil)
		},
	}

	result := h.runner.Run(context.Background(), adapter)

	assert.False(t, result.Success)
	assert.False(t, result.Skipped)
	require.Error(t, result.Err)
	assert.Equal(t, domain.KindTransport, domain.KindOf(result.Err))
	assert.Equal(t, 2, result.RetryCount)
}

func TestRunNonRetryableSkipsDegradation(t *testing.T) {
	h := newHarness(t)

	fallbackCalled := false
	adapter := &scriptedAdapter{
		source: domain.SourceBondIssuance,
		metric: "weekly_total",
		unit:   domain.UnitCurrency,
		schema: validate.Schema{Kind: domain.ReadingScalar},
		fetch: func(context.Context) (domain.RawReading, error) {
			return domain.RawReading{}, domain.ParseErr("sifma", "unexpected document structure", nil)
		},
		fallback: func(context.Context) (domain.RawReading, bool, error) {
			fallbackCalled = true
			return domain.RawReading{}, true, nil
		},
	}

	result := h.runner.Run(context.Background(), adapter)

	assert.False(t, result.Success)
	assert.False(t, fallbackCalled)
	assert.Equal(t, domain.KindParse, domain.KindOf(result.Err))
	assert.Zero(t, result.RetryCount)
}

// Primary 5.0B against agreeing then wildly disagreeing secondaries.
func TestRunCrossValidationDisagreement(t *testing.T) {
	h := newHarness(t)

	secondaries := []domain.SecondaryReading{
		{Source: "trace", Value: 5.05e9},
		{Source: "capitaliq", Value: 4.95e9},
	}
	day := 0
	adapter := &scriptedAdapter{
		source: domain.SourceCreditFund,
		metric: "total_assets",
		unit:   domain.UnitCurrency,
		schema: validate.Schema{Kind: domain.ReadingComposite},
		fetch: func(context.Context) (domain.RawReading, error) {
			day++
			return domain.RawReading{
				Kind:       domain.ReadingComposite,
				Scalar:     5.0e9,
				Parts:      map[string]float64{"ARCC": 5.0e9},
				Strings:    map[string]string{"funds": "ARCC", "run": string(rune('0' + day))},
				ObservedAt: time.Date(2026, 8, 20+day, 0, 0, 0, 0, time.UTC),
				Source:     "sec_edgar",
			}, nil
		},
		secondaries: func(context.Context) []domain.SecondaryReading { return secondaries },
	}

	first := h.runner.Run(context.Background(), adapter)
	require.True(t, first.Success)
	assert.Equal(t, 5.0e9, first.Point.Value)
	assert.Equal(t, 1.0, first.Point.Confidence)
	assert.Equal(t, domain.StatusValid, first.Point.ValidationStatus)

	secondaries = []domain.SecondaryReading{
		{Source: "trace", Value: 8.0e9},
		{Source: "capitaliq", Value: 9.0e9},
	}
	second := h.runner.Run(context.Background(), adapter)
	require.True(t, second.Success)
	// The primary value is never overwritten by the consensus.
	assert.Equal(t, 5.0e9, second.Point.Value)
	assert.Equal(t, validate.AgreementFloor, second.Point.Confidence)
	assert.Equal(t, domain.StatusValid, second.Point.ValidationStatus)
}

func TestRunValidationReject(t *testing.T) {
	h := newHarness(t)

	adapter := &scriptedAdapter{
		source: domain.SourceBDCDiscount,
		metric: "avg_discount",
		unit:   domain.UnitRatio,
		schema: bdcSchema(),
		fetch: func(context.Context) (domain.RawReading, error) {
			return domain.RawReading{Kind: domain.ReadingScalar, Scalar: 2.5, Source: "funddata"}, nil
		},
	}

	result := h.runner.Run(context.Background(), adapter)

	assert.False(t, result.Success)
	assert.Equal(t, domain.KindValidation, domain.KindOf(result.Err))
	assert.Nil(t, result.Point)

	rejects := testutil.ToFloat64(h.metrics.RejectsTotal.WithLabelValues("bdc_discount", "avg_discount"))
	assert.Equal(t, 1.0, rejects)

	// Rejected points never reach either tier.
	key := domain.MetricKey(domain.SourceBDCDiscount, "avg_discount")
	latest, err := h.store.GetLatest(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, latest)
	_, hit := h.cache.GetStale(context.Background(), key)
	assert.False(t, hit)
}

func TestRunLeaseOverlapSkips(t *testing.T) {
	h := newHarness(t)

	started := make(chan struct{})
	finish := make(chan struct{})
	adapter := &scriptedAdapter{
		source: domain.SourceBondIssuance,
		metric: "weekly_total",
		unit:   domain.UnitCurrency,
		schema: validate.Schema{Kind: domain.ReadingScalar},
		fetch: func(ctx context.Context) (domain.RawReading, error) {
			close(started)
			<-finish
			return domain.RawReading{
				Kind:       domain.ReadingScalar,
				Scalar:     3.0e10,
				ObservedAt: time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC),
				Source:     "sifma",
			}, nil
		},
	}

	var wg sync.WaitGroup
	var firstResult *domain.ScraperResult
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstResult = h.runner.Run(context.Background(), adapter)
	}()

	<-started
	overlapping := h.runner.Run(context.Background(), adapter)
	assert.True(t, overlapping.Skipped)
	assert.False(t, overlapping.Success)
	assert.NoError(t, overlapping.Err)

	close(finish)
	wg.Wait()
	require.True(t, firstResult.Success)

	// Exactly one write despite two invocations.
	all, err := h.store.GetRecent(context.Background(), domain.MetricKey(domain.SourceBondIssuance, "weekly_total"), 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRunRecoversAdapterPanic(t *testing.T) {
	h := newHarness(t)

	adapter := &scriptedAdapter{
		source: domain.SourceBDCDiscount,
		metric: "avg_discount",
		unit:   domain.UnitRatio,
		schema: bdcSchema(),
		fetch: func(context.Context) (domain.RawReading, error) {
			panic("nil map write in adapter")
		},
	}

	result := h.runner.Run(context.Background(), adapter)
	assert.False(t, result.Success)
	require.Error(t, result.Err)
	assert.Equal(t, domain.KindInternal, domain.KindOf(result.Err))
	assert.Contains(t, result.Err.Error(), "nil map write")

	// The lease is released on the panic path; the next run proceeds.
	adapter.fetch = func(context.Context) (domain.RawReading, error) {
		return domain.RawReading{
			Kind:       domain.ReadingScalar,
			Scalar:     0.09,
			ObservedAt: time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC),
			Source:     "funddata",
		}, nil
	}
	second := h.runner.Run(context.Background(), adapter)
	assert.True(t, second.Success)
	assert.False(t, second.Skipped)
}

func TestRunEvaluatesAlertsForFreshWrites(t *testing.T) {
	h := newHarness(t)

	var evaluated []*domain.MetricPoint
	h.runner.deps.Alerts = alertSinkFunc(func(_ context.Context, p *domain.MetricPoint) {
		evaluated = append(evaluated, p)
	})

	adapter := &scriptedAdapter{
		source: domain.SourceBDCDiscount,
		metric: "avg_discount",
		unit:   domain.UnitRatio,
		schema: bdcSchema(),
		fetch: func(context.Context) (domain.RawReading, error) {
			return domain.RawReading{
				Kind:       domain.ReadingScalar,
				Scalar:     0.11,
				ObservedAt: time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC),
				Source:     "funddata",
			}, nil
		},
	}

	result := h.runner.Run(context.Background(), adapter)
	require.True(t, result.Success)
	require.Len(t, evaluated, 1)
	assert.Equal(t, 0.11, evaluated[0].Value)

	// Degraded history replays skip evaluation: no fresh write happened.
	adapter.fetch = func(context.Context) (domain.RawReading, error) {
		return domain.RawReading{}, domain.TransportErr("funddata", "timeout", nil)
	}
	replay := h.runner.Run(context.Background(), adapter)
	require.True(t, replay.Success)
	assert.True(t, replay.UsedFallback)
	assert.Len(t, evaluated, 1)
}

type alertSinkFunc func(ctx context.Context, point *domain.MetricPoint)

func (f alertSinkFunc) Evaluate(ctx context.Context, point *domain.MetricPoint) { f(ctx, point) }

func TestLeasesReleaseIsIdempotent(t *testing.T) {
	leases := NewLeases()

	release, ok := leases.TryAcquire("a#b")
	require.True(t, ok)

	_, ok = leases.TryAcquire("a#b")
	assert.False(t, ok)

	release()
	release() // double release must not free someone else's lease

	again, ok := leases.TryAcquire("a#b")
	require.True(t, ok)
	defer again()
}
