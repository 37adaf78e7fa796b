package runner

import "sync"

// Leases is the in-process mutual-exclusion registry keyed by
// "{dataSource}#{metricName}". One instance is shared by the scheduler,
// the HTTP trigger, and the CLI so a metric never runs against itself.
type Leases struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLeases builds an empty registry.
func NewLeases() *Leases {
	return &Leases{held: make(map[string]struct{})}
}

// TryAcquire takes the lease for key. ok=false means another run holds
// it. The returned release is idempotent and safe to defer.
func (l *Leases) TryAcquire(key string) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.held[key]; taken {
		return nil, false
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true
}
