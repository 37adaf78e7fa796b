package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/sawpanic/boombust/internal/domain"
)

type configRow struct {
	ID                   string         `db:"id"`
	UserID               string         `db:"user_id"`
	DataSource           string         `db:"data_source"`
	MetricName           string         `db:"metric_name"`
	ThresholdType        string         `db:"threshold_type"`
	ThresholdValue       float64        `db:"threshold_value"`
	ComparisonPeriodDays int            `db:"comparison_period_days"`
	DedupWindowSeconds   int64          `db:"dedup_window_seconds"`
	Enabled              bool           `db:"enabled"`
	Channels             pq.StringArray `db:"channels"`
}

func (r *configRow) toDomain() *domain.AlertConfig {
	cfg := &domain.AlertConfig{
		ID:                   r.ID,
		UserID:               r.UserID,
		DataSource:           domain.DataSource(r.DataSource),
		MetricName:           r.MetricName,
		ThresholdType:        domain.ThresholdType(r.ThresholdType),
		ThresholdValue:       r.ThresholdValue,
		ComparisonPeriodDays: r.ComparisonPeriodDays,
		DedupWindow:          time.Duration(r.DedupWindowSeconds) * time.Second,
		Enabled:              r.Enabled,
	}
	for _, ch := range r.Channels {
		cfg.Channels = append(cfg.Channels, domain.Channel(ch))
	}
	return cfg
}

const configColumns = `id, user_id, data_source, metric_name, threshold_type,
	threshold_value, comparison_period_days, dedup_window_seconds, enabled, channels`

func (s *Store) ListEnabled(ctx context.Context, source domain.DataSource, metric string) ([]*domain.AlertConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT ` + configColumns + `
		FROM alert_configs
		WHERE enabled AND data_source = $1 AND metric_name = $2
		ORDER BY id`

	var rows []configRow
	if err := s.db.SelectContext(ctx, &rows, query, source, metric); err != nil {
		return nil, domain.StorageErr("postgres", "failed to query alert configs", true, err)
	}
	out := make([]*domain.AlertConfig, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (s *Store) ListAll(ctx context.Context) ([]*domain.AlertConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT ` + configColumns + ` FROM alert_configs ORDER BY id`

	var rows []configRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, domain.StorageErr("postgres", "failed to query alert configs", true, err)
	}
	out := make([]*domain.AlertConfig, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (s *Store) Upsert(ctx context.Context, cfg *domain.AlertConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO alert_configs
			(id, user_id, data_source, metric_name, threshold_type, threshold_value,
			 comparison_period_days, dedup_window_seconds, enabled, channels, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			data_source = EXCLUDED.data_source,
			metric_name = EXCLUDED.metric_name,
			threshold_type = EXCLUDED.threshold_type,
			threshold_value = EXCLUDED.threshold_value,
			comparison_period_days = EXCLUDED.comparison_period_days,
			dedup_window_seconds = EXCLUDED.dedup_window_seconds,
			enabled = EXCLUDED.enabled,
			channels = EXCLUDED.channels,
			updated_at = now()`

	channels := make([]string, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		channels = append(channels, string(ch))
	}

	_, err := s.db.ExecContext(ctx, query,
		cfg.ID, cfg.UserID, cfg.DataSource, cfg.MetricName, cfg.ThresholdType,
		cfg.ThresholdValue, cfg.ComparisonPeriodDays, int64(cfg.Window()/time.Second),
		cfg.Enabled, pq.Array(channels))
	if err != nil {
		return domain.StorageErr("postgres", "failed to upsert alert config", true, err)
	}
	return nil
}

type instanceRow struct {
	ID               string    `db:"id"`
	ConfigID         string    `db:"config_id"`
	TriggeredAt      time.Time `db:"triggered_at"`
	ObservedValue    float64   `db:"observed_value"`
	ComparisonValue  float64   `db:"comparison_value"`
	Severity         string    `db:"severity"`
	Message          string    `db:"message"`
	DuplicateOf      string    `db:"duplicate_of"`
	DeliveryAttempts []byte    `db:"delivery_attempts"`
}

func (r *instanceRow) toDomain() (*domain.AlertInstance, error) {
	inst := &domain.AlertInstance{
		ID:              r.ID,
		ConfigID:        r.ConfigID,
		TriggeredAt:     r.TriggeredAt.UTC(),
		ObservedValue:   r.ObservedValue,
		ComparisonValue: r.ComparisonValue,
		Severity:        domain.Severity(r.Severity),
		Message:         r.Message,
		DuplicateOf:     r.DuplicateOf,
	}
	if len(r.DeliveryAttempts) > 0 {
		if err := json.Unmarshal(r.DeliveryAttempts, &inst.DeliveryAttempts); err != nil {
			return nil, domain.StorageErr("postgres", "failed to decode delivery attempts", false, err)
		}
	}
	return inst, nil
}

func (s *Store) Save(ctx context.Context, inst *domain.AlertInstance) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	attempts, err := json.Marshal(inst.DeliveryAttempts)
	if err != nil {
		return domain.StorageErr("postgres", "failed to encode delivery attempts", false, err)
	}

	query := `
		INSERT INTO alert_instances
			(id, config_id, triggered_at, observed_value, comparison_value,
			 severity, message, duplicate_of, delivery_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = s.db.ExecContext(ctx, query,
		inst.ID, inst.ConfigID, inst.TriggeredAt.UTC(), inst.ObservedValue,
		inst.ComparisonValue, inst.Severity, inst.Message, inst.DuplicateOf, attempts)
	if err != nil {
		return domain.StorageErr("postgres", "failed to insert alert instance", true, err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, inst *domain.AlertInstance) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	attempts, err := json.Marshal(inst.DeliveryAttempts)
	if err != nil {
		return domain.StorageErr("postgres", "failed to encode delivery attempts", false, err)
	}

	query := `
		UPDATE alert_instances SET
			observed_value = $2,
			comparison_value = $3,
			severity = $4,
			message = $5,
			duplicate_of = $6,
			delivery_attempts = $7
		WHERE id = $1`

	_, err = s.db.ExecContext(ctx, query,
		inst.ID, inst.ObservedValue, inst.ComparisonValue, inst.Severity,
		inst.Message, inst.DuplicateOf, attempts)
	if err != nil {
		return domain.StorageErr("postgres", "failed to update alert instance", true, err)
	}
	return nil
}

func (s *Store) ListRecent(ctx context.Context, since time.Time, limit int) ([]*domain.AlertInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 500
	}
	query := `SELECT id, config_id, triggered_at, observed_value, comparison_value,
			severity, message, duplicate_of, delivery_attempts
		FROM alert_instances
		WHERE triggered_at >= $1
		ORDER BY triggered_at DESC
		LIMIT $2`

	var rows []instanceRow
	if err := s.db.SelectContext(ctx, &rows, query, since.UTC(), limit); err != nil {
		return nil, domain.StorageErr("postgres", "failed to query alert instances", true, err)
	}
	out := make([]*domain.AlertInstance, 0, len(rows))
	for i := range rows {
		inst, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}
