package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Memory is the in-process backend: a mutex-guarded map with a janitor
// goroutine that prunes entries past the stale cap and evicts the oldest
// writes when the entry budget is exceeded.
type Memory struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	staleCap time.Duration
	maxSize  int

	hits   int64
	misses int64

	now    func() time.Time
	log    zerolog.Logger
	stopCh chan struct{}
	once   sync.Once
}

// NewMemory builds the in-memory backend and starts its janitor.
func NewMemory(cfg Config, log zerolog.Logger) *Memory {
	m := &Memory{
		entries:  make(map[string]*entry),
		staleCap: cfg.StaleCap,
		maxSize:  cfg.MaxEntries,
		now:      time.Now,
		log:      log.With().Str("component", "cache.memory").Logger(),
		stopCh:   make(chan struct{}),
	}
	if m.staleCap <= 0 {
		m.staleCap = DefaultStaleCap
	}
	go m.janitor()
	return m
}

// WithClock overrides the time source. Test use.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Put(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[key]; ok && existing.WrittenAt.After(now) {
		// Last-writer-wins: an entry stamped later than this write stays.
		return nil
	}
	if m.maxSize > 0 && len(m.entries) >= m.maxSize {
		if _, exists := m.entries[key]; !exists {
			m.evictOldest()
		}
	}
	m.entries[key] = &entry{
		Key:       key,
		Payload:   append([]byte(nil), payload...),
		WrittenAt: now,
		TTL:       ttl,
	}
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, time.Duration, bool) {
	now := m.now()
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok || !e.fresh(now) {
		m.miss()
		return nil, 0, false
	}
	m.hit()
	return append([]byte(nil), e.Payload...), now.Sub(e.WrittenAt), true
}

func (m *Memory) GetStale(_ context.Context, key string) ([]byte, bool) {
	now := m.now()
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok || !e.staleOK(now, m.staleCap) {
		m.miss()
		return nil, false
	}
	m.hit()
	return append([]byte(nil), e.Payload...), true
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stopCh) })
	return nil
}

// Stats reports hit/miss counters for the metrics registry.
func (m *Memory) Stats() (hits, misses int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hits, m.misses
}

func (m *Memory) hit() {
	m.mu.Lock()
	m.hits++
	m.mu.Unlock()
}

func (m *Memory) miss() {
	m.mu.Lock()
	m.misses++
	m.mu.Unlock()
}

// evictOldest drops the entry with the earliest write. Caller holds mu.
func (m *Memory) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, e := range m.entries {
		if oldestKey == "" || e.WrittenAt.Before(oldest) {
			oldestKey = k
			oldest = e.WrittenAt
		}
	}
	if oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.prune()
		}
	}
}

func (m *Memory) prune() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, e := range m.entries {
		if !e.staleOK(now, m.staleCap) {
			delete(m.entries, k)
			removed++
		}
	}
	if removed > 0 {
		m.log.Debug().Int("removed", removed).Int("remaining", len(m.entries)).Msg("Pruned expired cache entries")
	}
}
