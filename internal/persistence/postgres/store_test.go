package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/boombust/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	sqlxDB := sqlx.NewDb(mockDB, "postgres")
	return NewWithDB(sqlxDB, 0, zerolog.Nop()), mock
}

func pointRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"data_source", "metric_name", "value", "unit", "ts", "confidence",
		"checksum", "anomaly_score", "metadata", "source_flags", "validation_status",
	})
}

func TestPostgresPut(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO metric_points").
		WithArgs(
			"bond_issuance#weekly_total", domain.SourceBondIssuance, "weekly_total",
			5.0e9, domain.UnitCurrency, ts, "2026-03-02", 0.95, "abc", 0.1,
			[]byte(`{"provider":"sifma"}`), sqlmock.AnyArg(), domain.StatusValid,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Put(context.Background(), &domain.MetricPoint{
		DataSource:       domain.SourceBondIssuance,
		MetricName:       "weekly_total",
		Value:            5.0e9,
		Unit:             domain.UnitCurrency,
		Timestamp:        ts,
		Confidence:       0.95,
		Checksum:         "abc",
		AnomalyScore:     0.1,
		Metadata:         map[string]string{"provider": "sifma"},
		SourceFlags:      []string{"secondary_agreed"},
		ValidationStatus: domain.StatusValid,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPutDuplicateIsNoop(t *testing.T) {
	store, mock := newMockStore(t)

	// ON CONFLICT DO NOTHING reports zero rows affected; not an error.
	mock.ExpectExec("INSERT INTO metric_points").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Put(context.Background(), &domain.MetricPoint{
		DataSource: domain.SourceBondIssuance,
		MetricName: "weekly_total",
		Timestamp:  time.Now(),
		Checksum:   "abc",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetLatest(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM metric_points").
		WithArgs("bond_issuance#weekly_total").
		WillReturnRows(pointRows().AddRow(
			"bond_issuance", "weekly_total", 5.0e9, "currency", ts, 0.95,
			"abc", 0.1, []byte(`{"provider":"sifma"}`), "{secondary_agreed}", "valid",
		))

	p, err := store.GetLatest(context.Background(), "bond_issuance#weekly_total")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, domain.SourceBondIssuance, p.DataSource)
	assert.Equal(t, 5.0e9, p.Value)
	assert.Equal(t, "sifma", p.Metadata["provider"])
	assert.Equal(t, []string{"secondary_agreed"}, p.SourceFlags)
	assert.Equal(t, domain.StatusValid, p.ValidationStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetLatestNoRows(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM metric_points").
		WithArgs("bond_issuance#weekly_total").
		WillReturnRows(pointRows())

	p, err := store.GetLatest(context.Background(), "bond_issuance#weekly_total")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetRange(t *testing.T) {
	store, mock := newMockStore(t)
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	mock.ExpectQuery(`ts >= \$2 AND ts <= \$3`).
		WithArgs("bond_issuance#weekly_total", from, to).
		WillReturnRows(pointRows().
			AddRow("bond_issuance", "weekly_total", 1.0, "currency", from.AddDate(0, 0, 1),
				1.0, "a", 0.0, nil, "{}", "valid").
			AddRow("bond_issuance", "weekly_total", 2.0, "currency", from.AddDate(0, 0, 8),
				1.0, "b", 0.0, nil, "{}", "valid"))

	pts, err := store.GetRange(context.Background(), "bond_issuance#weekly_total", from, to)
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.True(t, pts[0].Timestamp.Before(pts[1].Timestamp))
	assert.Nil(t, pts[0].Metadata)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetLastKnownGood(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`validation_status = 'valid'`).
		WithArgs("credit_fund#gross_asset_value").
		WillReturnRows(pointRows().AddRow(
			"credit_fund", "gross_asset_value", 9.1e9, "currency", ts, 1.0,
			"xyz", 0.0, nil, "{}", "valid",
		))

	p, err := store.GetLastKnownGood(context.Background(), "credit_fund#gross_asset_value")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "xyz", p.Checksum)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPurgeExpired(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM metric_points").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 42))

	removed, err := store.PurgeExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertConfig(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO alert_configs").
		WithArgs(
			"alert-1", "", domain.SourceBDCDiscount, "avg_discount",
			domain.ThresholdAbsolute, -0.10, 0, int64(21600), true, sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Upsert(context.Background(), &domain.AlertConfig{
		ID:             "alert-1",
		DataSource:     domain.SourceBDCDiscount,
		MetricName:     "avg_discount",
		ThresholdType:  domain.ThresholdAbsolute,
		ThresholdValue: -0.10,
		Enabled:        true,
		Channels:       []domain.Channel{domain.ChannelSlack, domain.ChannelEmail},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertRejectsInvalidConfig(t *testing.T) {
	store, mock := newMockStore(t)

	// Validation fails before any SQL runs.
	err := store.Upsert(context.Background(), &domain.AlertConfig{ID: ""})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListEnabled(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "data_source", "metric_name", "threshold_type",
		"threshold_value", "comparison_period_days", "dedup_window_seconds",
		"enabled", "channels",
	}).AddRow("alert-1", "u1", "bdc_discount", "avg_discount", "absolute",
		-0.10, 0, int64(21600), true, "{slack,email}")

	mock.ExpectQuery("FROM alert_configs").
		WithArgs(domain.SourceBDCDiscount, "avg_discount").
		WillReturnRows(rows)

	configs, err := store.ListEnabled(context.Background(), domain.SourceBDCDiscount, "avg_discount")
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, []domain.Channel{domain.ChannelSlack, domain.ChannelEmail}, configs[0].Channels)
	assert.Equal(t, 6*time.Hour, configs[0].DedupWindow)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveAndListInstances(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO alert_instances").
		WithArgs("inst-1", "alert-1", ts, -0.12, 0.0, domain.SeverityWarning,
			"avg discount breached -0.10", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Save(context.Background(), &domain.AlertInstance{
		ID:            "inst-1",
		ConfigID:      "alert-1",
		TriggeredAt:   ts,
		ObservedValue: -0.12,
		Severity:      domain.SeverityWarning,
		Message:       "avg discount breached -0.10",
	})
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{
		"id", "config_id", "triggered_at", "observed_value", "comparison_value",
		"severity", "message", "duplicate_of", "delivery_attempts",
	}).AddRow("inst-1", "alert-1", ts, -0.12, 0.0, "warning",
		"avg discount breached -0.10", "", []byte(`[{"channel":"slack","ok":true}]`))

	mock.ExpectQuery("FROM alert_instances").
		WithArgs(ts.Add(-time.Hour), 500).
		WillReturnRows(rows)

	instances, err := store.ListRecent(context.Background(), ts.Add(-time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "inst-1", instances[0].ID)
	require.Len(t, instances[0].DeliveryAttempts, 1)
	assert.Equal(t, domain.ChannelSlack, instances[0].DeliveryAttempts[0].Channel)
	assert.True(t, instances[0].DeliveryAttempts[0].OK)
	assert.NoError(t, mock.ExpectationsWereMet())
}
