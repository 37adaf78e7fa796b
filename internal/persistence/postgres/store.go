// Package postgres is the production persistence backend. One Store
// serves metric history, alert configs, and alert instances over a
// shared connection pool.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/boombust/internal/domain"
	"github.com/sawpanic/boombust/internal/persistence"
	"github.com/sawpanic/boombust/internal/persistence/postgres/migrations"
)

// Config holds connection pool settings.
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// DefaultConfig returns pool settings sized for the scraper's low write
// rate.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// configYAML is Config's file form: lifetimes as duration strings.
type configYAML struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
	QueryTimeout    string `yaml:"query_timeout"`
}

// UnmarshalYAML accepts duration strings for the lifetime fields; absent
// keys keep the values already on the receiver.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	aux := configYAML{
		DSN:          c.DSN,
		MaxOpenConns: c.MaxOpenConns,
		MaxIdleConns: c.MaxIdleConns,
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	c.DSN = aux.DSN
	c.MaxOpenConns = aux.MaxOpenConns
	c.MaxIdleConns = aux.MaxIdleConns
	if err := domain.SetDuration(&c.ConnMaxLifetime, aux.ConnMaxLifetime); err != nil {
		return err
	}
	return domain.SetDuration(&c.QueryTimeout, aux.QueryTimeout)
}

// MarshalYAML renders the lifetimes as duration strings.
func (c Config) MarshalYAML() (interface{}, error) {
	return configYAML{
		DSN:             c.DSN,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime.String(),
		QueryTimeout:    c.QueryTimeout.String(),
	}, nil
}

// Store implements persistence.StateStore, AlertConfigStore and
// AlertInstanceStore against PostgreSQL.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
	ttl     time.Duration
	log     zerolog.Logger
}

// Open connects, verifies the connection, and applies pending migrations.
func Open(cfg Config, ttl time.Duration, log zerolog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	store := NewWithDB(db, ttl, log)
	store.timeout = cfg.QueryTimeout
	return store, nil
}

// NewWithDB wraps an existing connection. Migrations are the caller's
// problem; tests inject sqlmock here.
func NewWithDB(db *sqlx.DB, ttl time.Duration, log zerolog.Logger) *Store {
	if ttl <= 0 {
		ttl = persistence.DefaultTTL
	}
	return &Store{
		db:      db,
		timeout: 30 * time.Second,
		ttl:     ttl,
		log:     log.With().Str("component", "postgres").Logger(),
	}
}

func migrate(db *sqlx.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db.DB, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

const pointColumns = `data_source, metric_name, value, unit, ts, confidence,
	checksum, anomaly_score, metadata, source_flags, validation_status`

// pointRow is the scan target; JSONB and array columns need driver types.
type pointRow struct {
	DataSource       string         `db:"data_source"`
	MetricName       string         `db:"metric_name"`
	Value            float64        `db:"value"`
	Unit             string         `db:"unit"`
	TS               time.Time      `db:"ts"`
	Confidence       float64        `db:"confidence"`
	Checksum         string         `db:"checksum"`
	AnomalyScore     float64        `db:"anomaly_score"`
	Metadata         []byte         `db:"metadata"`
	SourceFlags      pq.StringArray `db:"source_flags"`
	ValidationStatus string         `db:"validation_status"`
}

func (r *pointRow) toDomain() (*domain.MetricPoint, error) {
	p := &domain.MetricPoint{
		DataSource:       domain.DataSource(r.DataSource),
		MetricName:       r.MetricName,
		Value:            r.Value,
		Unit:             domain.Unit(r.Unit),
		Timestamp:        r.TS.UTC(),
		Confidence:       r.Confidence,
		Checksum:         r.Checksum,
		AnomalyScore:     r.AnomalyScore,
		SourceFlags:      []string(r.SourceFlags),
		ValidationStatus: domain.ValidationStatus(r.ValidationStatus),
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode point metadata: %w", err)
		}
	}
	return p, nil
}

func (s *Store) Put(ctx context.Context, point *domain.MetricPoint) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var metadata []byte
	if point.Metadata != nil {
		var err error
		metadata, err = json.Marshal(point.Metadata)
		if err != nil {
			return domain.StorageErr("postgres", "failed to encode point metadata", false, err)
		}
	}

	// The unique constraint makes re-runs with identical payloads no-ops.
	query := `
		INSERT INTO metric_points
			(partition_key, data_source, metric_name, value, unit, ts, day,
			 confidence, checksum, anomaly_score, metadata, source_flags, validation_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT ON CONSTRAINT metric_points_dedupe DO NOTHING`

	day := point.Timestamp.UTC().Format("2006-01-02")
	_, err := s.db.ExecContext(ctx, query,
		point.Key(), point.DataSource, point.MetricName, point.Value, point.Unit,
		point.Timestamp.UTC(), day, point.Confidence, point.Checksum,
		point.AnomalyScore, metadata, pq.Array(point.SourceFlags), point.ValidationStatus)
	if err != nil {
		return domain.StorageErr("postgres", "failed to insert metric point", true, err)
	}
	return nil
}

func (s *Store) GetLatest(ctx context.Context, key string) (*domain.MetricPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT ` + pointColumns + `
		FROM metric_points
		WHERE partition_key = $1
		ORDER BY ts DESC
		LIMIT 1`

	var row pointRow
	if err := s.db.GetContext(ctx, &row, query, key); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, domain.StorageErr("postgres", "failed to query latest point", true, err)
	}
	return row.toDomain()
}

func (s *Store) GetRange(ctx context.Context, key string, from, to time.Time) ([]*domain.MetricPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT ` + pointColumns + `
		FROM metric_points
		WHERE partition_key = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts ASC`

	var rows []pointRow
	if err := s.db.SelectContext(ctx, &rows, query, key, from.UTC(), to.UTC()); err != nil {
		return nil, domain.StorageErr("postgres", "failed to query point range", true, err)
	}
	return toPoints(rows)
}

func (s *Store) GetRecent(ctx context.Context, key string, n int) ([]*domain.MetricPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if n <= 0 {
		n = 1000
	}
	query := `SELECT ` + pointColumns + ` FROM (
			SELECT ` + pointColumns + `
			FROM metric_points
			WHERE partition_key = $1
			ORDER BY ts DESC
			LIMIT $2
		) recent
		ORDER BY ts ASC`

	var rows []pointRow
	if err := s.db.SelectContext(ctx, &rows, query, key, n); err != nil {
		return nil, domain.StorageErr("postgres", "failed to query recent points", true, err)
	}
	return toPoints(rows)
}

// GetLastKnownGood ignores the retention TTL on purpose: a stale valid
// point beats no point when every fresher path has failed.
func (s *Store) GetLastKnownGood(ctx context.Context, key string) (*domain.MetricPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT ` + pointColumns + `
		FROM metric_points
		WHERE partition_key = $1 AND validation_status = 'valid'
		ORDER BY ts DESC
		LIMIT 1`

	var row pointRow
	if err := s.db.GetContext(ctx, &row, query, key); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, domain.StorageErr("postgres", "failed to query last known good", true, err)
	}
	return row.toDomain()
}

// PurgeExpired deletes points older than the TTL, keeping each key's
// newest valid point as a fallback anchor.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		DELETE FROM metric_points
		WHERE ts < $1
		  AND id NOT IN (
			SELECT DISTINCT ON (partition_key) id
			FROM metric_points
			WHERE validation_status = 'valid'
			ORDER BY partition_key, ts DESC
		  )`

	cutoff := time.Now().UTC().Add(-s.ttl)
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, domain.StorageErr("postgres", "failed to purge expired points", true, err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, domain.StorageErr("postgres", "failed to read purge count", true, err)
	}
	if removed > 0 {
		s.log.Info().Int64("removed", removed).Msg("Purged expired metric points")
	}
	return removed, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func toPoints(rows []pointRow) ([]*domain.MetricPoint, error) {
	out := make([]*domain.MetricPoint, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
