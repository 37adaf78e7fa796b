// Package persistence defines the durable storage contracts: versioned
// metric history keyed by "{dataSource}#{metricName}", the alert
// configuration table, and the alert instance log. Concrete backends live
// in the filestore and postgres subpackages; an in-memory implementation
// backs dev runs and tests.
package persistence

import (
	"context"
	"time"

	"github.com/sawpanic/boombust/internal/domain"
)

// DefaultTTL ages out metric points after two years. GetLastKnownGood
// bypasses it so one fallback anchor always survives.
const DefaultTTL = 730 * 24 * time.Hour

// StateStore is the append-ordered metric history store. Writes never
// block reads; readers may see an older snapshot but never a partial
// point.
type StateStore interface {
	// Put persists a point, idempotent by checksum within a (key, UTC day)
	// window. Rejected points must never reach this call.
	Put(ctx context.Context, point *domain.MetricPoint) error

	// GetLatest returns the most recent point for the key, or nil.
	GetLatest(ctx context.Context, key string) (*domain.MetricPoint, error)

	// GetRange returns points with from <= ts <= to, timestamp-ascending.
	GetRange(ctx context.Context, key string, from, to time.Time) ([]*domain.MetricPoint, error)

	// GetRecent returns up to n most recent points, timestamp-ascending.
	GetRecent(ctx context.Context, key string, n int) ([]*domain.MetricPoint, error)

	// GetLastKnownGood returns the most recent point with
	// validation_status=valid, ignoring TTL.
	GetLastKnownGood(ctx context.Context, key string) (*domain.MetricPoint, error)

	// PurgeExpired removes points older than the store TTL, keeping the
	// last-known-good anchor per key. Returns the number removed.
	PurgeExpired(ctx context.Context) (int64, error)

	// Close releases backend resources.
	Close() error
}

// AlertConfigStore reads the per-user alert rules. The dashboard owns the
// write path; the core only upserts on its behalf.
type AlertConfigStore interface {
	// ListEnabled returns enabled configs watching the given metric key.
	ListEnabled(ctx context.Context, source domain.DataSource, metric string) ([]*domain.AlertConfig, error)

	// ListAll returns every config, for validate-config and diagnostics.
	ListAll(ctx context.Context) ([]*domain.AlertConfig, error)

	// Upsert inserts or replaces a config after validating it.
	Upsert(ctx context.Context, cfg *domain.AlertConfig) error
}

// AlertInstanceStore records alert firings and their delivery outcomes.
type AlertInstanceStore interface {
	// Save persists a new instance.
	Save(ctx context.Context, inst *domain.AlertInstance) error

	// Update rewrites an existing instance (observed value and delivery
	// attempts change as a window progresses).
	Update(ctx context.Context, inst *domain.AlertInstance) error

	// ListRecent returns instances triggered at or after since,
	// newest first.
	ListRecent(ctx context.Context, since time.Time, limit int) ([]*domain.AlertInstance, error)
}

// Health reports backend connectivity for the health endpoint.
type Health interface {
	Ping(ctx context.Context) error
}
