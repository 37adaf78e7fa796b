package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/boombust/internal/domain"
)

func testPoint(ts time.Time, value float64, checksum string) *domain.MetricPoint {
	return &domain.MetricPoint{
		DataSource:       domain.SourceBondIssuance,
		MetricName:       "weekly_total",
		Value:            value,
		Unit:             domain.UnitCurrency,
		Timestamp:        ts,
		Confidence:       1.0,
		Checksum:         checksum,
		ValidationStatus: domain.StatusValid,
	}
}

func TestMemoryStorePutIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	ts := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.Put(ctx, testPoint(ts, 5.0e9, "abc")))
	// Same checksum, same UTC day: silently dropped.
	require.NoError(t, store.Put(ctx, testPoint(ts.Add(2*time.Hour), 5.0e9, "abc")))

	pts, err := store.GetRecent(ctx, domain.MetricKey(domain.SourceBondIssuance, "weekly_total"), 0)
	require.NoError(t, err)
	assert.Len(t, pts, 1)

	// Same checksum on the next day is a new observation.
	require.NoError(t, store.Put(ctx, testPoint(ts.Add(24*time.Hour), 5.0e9, "abc")))
	// Different checksum on the same day is also a new observation.
	require.NoError(t, store.Put(ctx, testPoint(ts.Add(time.Hour), 5.1e9, "def")))

	pts, err = store.GetRecent(ctx, domain.MetricKey(domain.SourceBondIssuance, "weekly_total"), 0)
	require.NoError(t, err)
	assert.Len(t, pts, 3)
}

func TestMemoryStoreRangeOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	base := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	// Insert out of order; reads must come back ascending.
	for _, day := range []int{4, 0, 2, 1, 3} {
		ts := base.AddDate(0, 0, day)
		require.NoError(t, store.Put(ctx, testPoint(ts, float64(day), fmt.Sprintf("sum-%d", day))))
	}

	key := domain.MetricKey(domain.SourceBondIssuance, "weekly_total")
	pts, err := store.GetRange(ctx, key, base, base.AddDate(0, 0, 10))
	require.NoError(t, err)
	require.Len(t, pts, 5)
	for i := 1; i < len(pts); i++ {
		assert.True(t, pts[i-1].Timestamp.Before(pts[i].Timestamp),
			"points must be ascending at index %d", i)
	}

	// Range bounds are inclusive.
	pts, err = store.GetRange(ctx, key, base.AddDate(0, 0, 1), base.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Len(t, pts, 3)

	latest, err := store.GetLatest(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 4.0, latest.Value)
}

func TestMemoryStoreGetRecentWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	base := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		ts := base.AddDate(0, 0, i)
		require.NoError(t, store.Put(ctx, testPoint(ts, float64(i), fmt.Sprintf("sum-%d", i))))
	}

	key := domain.MetricKey(domain.SourceBondIssuance, "weekly_total")
	pts, err := store.GetRecent(ctx, key, 3)
	require.NoError(t, err)
	require.Len(t, pts, 3)
	assert.Equal(t, 7.0, pts[0].Value)
	assert.Equal(t, 9.0, pts[2].Value)
}

func TestMemoryStoreLastKnownGood(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	base := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	key := domain.MetricKey(domain.SourceBondIssuance, "weekly_total")

	good := testPoint(base, 5.0e9, "good")
	require.NoError(t, store.Put(ctx, good))

	degraded := testPoint(base.AddDate(0, 0, 1), 4.0e9, "degraded")
	degraded.ValidationStatus = domain.StatusDegraded
	require.NoError(t, store.Put(ctx, degraded))

	// Latest is the degraded point, but last-known-good skips past it.
	latest, err := store.GetLatest(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDegraded, latest.ValidationStatus)

	lkg, err := store.GetLastKnownGood(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, lkg)
	assert.Equal(t, "good", lkg.Checksum)

	// No valid point at all: nil without error.
	lone := testPoint(base, 1.0, "only-degraded")
	lone.MetricName = "other_metric"
	lone.ValidationStatus = domain.StatusDegraded
	require.NoError(t, store.Put(ctx, lone))

	lkg, err = store.GetLastKnownGood(ctx, domain.MetricKey(domain.SourceBondIssuance, "other_metric"))
	require.NoError(t, err)
	assert.Nil(t, lkg)
}

func TestMemoryStorePurgePreservesLastKnownGood(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2028, 6, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore(730 * 24 * time.Hour).WithClock(func() time.Time { return now })
	key := domain.MetricKey(domain.SourceBondIssuance, "weekly_total")

	// Three ancient points, then one recent degraded one. Only the newest
	// valid point survives the purge alongside anything inside the TTL.
	old := now.AddDate(-3, 0, 0)
	require.NoError(t, store.Put(ctx, testPoint(old, 1.0, "a")))
	require.NoError(t, store.Put(ctx, testPoint(old.AddDate(0, 0, 1), 2.0, "b")))
	require.NoError(t, store.Put(ctx, testPoint(old.AddDate(0, 0, 2), 3.0, "c")))

	recent := testPoint(now.AddDate(0, 0, -1), 4.0, "d")
	recent.ValidationStatus = domain.StatusDegraded
	require.NoError(t, store.Put(ctx, recent))

	removed, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	pts, err := store.GetRecent(ctx, key, 0)
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.Equal(t, "c", pts[0].Checksum, "last-known-good anchor must survive the purge")
	assert.Equal(t, "d", pts[1].Checksum)

	lkg, err := store.GetLastKnownGood(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, lkg)
	assert.Equal(t, "c", lkg.Checksum)
}

func TestMemoryStoreCopiesOnReadAndWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	key := domain.MetricKey(domain.SourceBondIssuance, "weekly_total")

	p := testPoint(time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC), 5.0, "a")
	p.Metadata = map[string]string{"provider": "sifma"}
	require.NoError(t, store.Put(ctx, p))

	// Mutating the caller's copy after Put must not touch stored state.
	p.Metadata["provider"] = "tampered"
	p.Value = 999

	got, err := store.GetLatest(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 5.0, got.Value)
	assert.Equal(t, "sifma", got.Metadata["provider"])

	// Mutating a read result must not touch stored state either.
	got.Metadata["provider"] = "tampered"
	again, err := store.GetLatest(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "sifma", again.Metadata["provider"])
}

func TestMemoryAlertStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAlertStore()

	cfg := &domain.AlertConfig{
		ID:             "alert-1",
		DataSource:     domain.SourceBDCDiscount,
		MetricName:     "avg_discount",
		ThresholdType:  domain.ThresholdAbsolute,
		ThresholdValue: -0.10,
		Enabled:        true,
		Channels:       []domain.Channel{domain.ChannelSlack},
	}
	require.NoError(t, store.Upsert(ctx, cfg))

	disabled := *cfg
	disabled.ID = "alert-2"
	disabled.Enabled = false
	require.NoError(t, store.Upsert(ctx, &disabled))

	invalid := *cfg
	invalid.ID = ""
	assert.Error(t, store.Upsert(ctx, &invalid), "upsert must reject invalid configs")

	enabled, err := store.ListEnabled(ctx, domain.SourceBDCDiscount, "avg_discount")
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "alert-1", enabled[0].ID)

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := store.ListEnabled(ctx, domain.SourceBondIssuance, "weekly_total")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryAlertStoreInstances(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAlertStore()
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		inst := &domain.AlertInstance{
			ID:          fmt.Sprintf("inst-%d", i),
			ConfigID:    "alert-1",
			TriggeredAt: base.Add(time.Duration(i) * time.Hour),
			Severity:    domain.SeverityWarning,
		}
		require.NoError(t, store.Save(ctx, inst))
	}

	// Newest first, limit respected.
	recent, err := store.ListRecent(ctx, base, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "inst-3", recent[0].ID)
	assert.Equal(t, "inst-2", recent[1].ID)

	// Since filter excludes older firings.
	recent, err = store.ListRecent(ctx, base.Add(150*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "inst-3", recent[0].ID)

	// Update replaces in place without duplicating the listing.
	upd := &domain.AlertInstance{
		ID:          "inst-3",
		ConfigID:    "alert-1",
		TriggeredAt: base.Add(3 * time.Hour),
		Severity:    domain.SeverityCritical,
	}
	require.NoError(t, store.Update(ctx, upd))

	recent, err = store.ListRecent(ctx, base, 0)
	require.NoError(t, err)
	require.Len(t, recent, 4)
	assert.Equal(t, domain.SeverityCritical, recent[0].Severity)
}
