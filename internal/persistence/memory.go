package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sawpanic/boombust/internal/domain"
)

// MemoryStore is the in-process StateStore used by dev runs and tests.
// Points are copied on the way in and out so callers can never mutate
// stored history.
type MemoryStore struct {
	mu     sync.RWMutex
	points map[string][]*domain.MetricPoint
	ttl    time.Duration
	now    func() time.Time
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		points: make(map[string][]*domain.MetricPoint),
		ttl:    ttl,
		now:    time.Now,
	}
}

// WithClock overrides the time source. Test use.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) Put(_ context.Context, point *domain.MetricPoint) error {
	key := point.Key()
	day := point.Timestamp.UTC().Truncate(24 * time.Hour)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.points[key] {
		if existing.Checksum == point.Checksum &&
			existing.Timestamp.UTC().Truncate(24*time.Hour).Equal(day) {
			return nil
		}
	}

	cp := clonePoint(point)
	m.points[key] = append(m.points[key], cp)
	sort.SliceStable(m.points[key], func(i, j int) bool {
		return m.points[key][i].Timestamp.Before(m.points[key][j].Timestamp)
	})
	return nil
}

func (m *MemoryStore) GetLatest(_ context.Context, key string) (*domain.MetricPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pts := m.points[key]
	if len(pts) == 0 {
		return nil, nil
	}
	return clonePoint(pts[len(pts)-1]), nil
}

func (m *MemoryStore) GetRange(_ context.Context, key string, from, to time.Time) ([]*domain.MetricPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.MetricPoint
	for _, p := range m.points[key] {
		if p.Timestamp.Before(from) || p.Timestamp.After(to) {
			continue
		}
		out = append(out, clonePoint(p))
	}
	return out, nil
}

func (m *MemoryStore) GetRecent(_ context.Context, key string, n int) ([]*domain.MetricPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pts := m.points[key]
	if n > 0 && len(pts) > n {
		pts = pts[len(pts)-n:]
	}
	out := make([]*domain.MetricPoint, 0, len(pts))
	for _, p := range pts {
		out = append(out, clonePoint(p))
	}
	return out, nil
}

func (m *MemoryStore) GetLastKnownGood(_ context.Context, key string) (*domain.MetricPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pts := m.points[key]
	for i := len(pts) - 1; i >= 0; i-- {
		if pts[i].ValidationStatus == domain.StatusValid {
			return clonePoint(pts[i]), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) PurgeExpired(_ context.Context) (int64, error) {
	cutoff := m.now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, pts := range m.points {
		lkg := -1
		for i := len(pts) - 1; i >= 0; i-- {
			if pts[i].ValidationStatus == domain.StatusValid {
				lkg = i
				break
			}
		}
		kept := pts[:0]
		for i, p := range pts {
			if p.Timestamp.Before(cutoff) && i != lkg {
				removed++
				continue
			}
			kept = append(kept, p)
		}
		m.points[key] = kept
	}
	return removed, nil
}

func (m *MemoryStore) Close() error { return nil }

func clonePoint(p *domain.MetricPoint) *domain.MetricPoint {
	cp := *p
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	if p.SourceFlags != nil {
		cp.SourceFlags = append([]string(nil), p.SourceFlags...)
	}
	return &cp
}

// MemoryAlertStore keeps alert configs and instances in process, for dev
// runs and tests.
type MemoryAlertStore struct {
	mu        sync.RWMutex
	configs   map[string]*domain.AlertConfig
	instances map[string]*domain.AlertInstance
	order     []string
}

// NewMemoryAlertStore builds an empty in-memory alert store.
func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{
		configs:   make(map[string]*domain.AlertConfig),
		instances: make(map[string]*domain.AlertInstance),
	}
}

func (m *MemoryAlertStore) ListEnabled(_ context.Context, source domain.DataSource, metric string) ([]*domain.AlertConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.AlertConfig
	for _, cfg := range m.configs {
		if cfg.Enabled && cfg.DataSource == source && cfg.MetricName == metric {
			c := *cfg
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryAlertStore) ListAll(_ context.Context) ([]*domain.AlertConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.AlertConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		c := *cfg
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryAlertStore) Upsert(_ context.Context, cfg *domain.AlertConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *cfg
	m.configs[cfg.ID] = &c
	return nil
}

func (m *MemoryAlertStore) Save(_ context.Context, inst *domain.AlertInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *inst
	m.instances[inst.ID] = &c
	m.order = append(m.order, inst.ID)
	return nil
}

func (m *MemoryAlertStore) Update(_ context.Context, inst *domain.AlertInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *inst
	m.instances[inst.ID] = &c
	return nil
}

func (m *MemoryAlertStore) ListRecent(_ context.Context, since time.Time, limit int) ([]*domain.AlertInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.AlertInstance
	for i := len(m.order) - 1; i >= 0; i-- {
		inst := m.instances[m.order[i]]
		if inst == nil || inst.TriggeredAt.Before(since) {
			continue
		}
		c := *inst
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
