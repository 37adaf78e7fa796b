// Package sources defines the contract every indicator adapter implements
// and the registry the scheduler, server, and CLI resolve adapters from.
// Adapters fetch and parse; they never touch the cache, the state store,
// or the validator.
package sources

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/boombust/internal/data/validate"
	"github.com/sawpanic/boombust/internal/domain"
	"github.com/sawpanic/boombust/internal/infrastructure/httpclient"
	"github.com/sawpanic/boombust/internal/secrets"
)

// Adapter is the per-indicator scraping contract.
type Adapter interface {
	// Identity names the metric this adapter produces.
	Identity() (domain.DataSource, string, domain.Unit)

	// Schema declares the shape readings must conform to.
	Schema() validate.Schema

	// Fetch retrieves and parses the primary source.
	Fetch(ctx context.Context) (domain.RawReading, error)

	// SecondarySources returns corroborating values for cross-validation.
	// Best effort: failures are logged by the adapter and never fail a run.
	SecondarySources(ctx context.Context) []domain.SecondaryReading

	// Fallback retrieves a cheaper alternative when the primary is
	// exhausted. ok=false means this adapter has no fallback source.
	Fallback(ctx context.Context) (domain.RawReading, bool, error)

	// PreferredTTL hints how long a fetched payload stays fresh in cache.
	PreferredTTL() time.Duration

	// Cadence is the nominal scheduling interval.
	Cadence() time.Duration
}

// Deps is everything an adapter may hold onto at construction.
type Deps struct {
	HTTP    *httpclient.Pool
	Secrets secrets.Provider
	Now     func() time.Time
	Log     zerolog.Logger
}

// Clock returns the configured time source, defaulting to time.Now.
func (d Deps) Clock() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Registry maps "{dataSource}#{metricName}" to its adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter, rejecting duplicate identities.
func (r *Registry) Register(a Adapter) error {
	source, metric, _ := a.Identity()
	key := domain.MetricKey(source, metric)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[key]; exists {
		return fmt.Errorf("adapter already registered for %s", key)
	}
	r.adapters[key] = a
	return nil
}

// Find resolves an adapter by identity.
func (r *Registry) Find(source domain.DataSource, metric string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[domain.MetricKey(source, metric)]
	return a, ok
}

// All returns every registered adapter in stable key order.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Adapter, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.adapters[k])
	}
	return out
}
