// Package filestore is the dev StateStore backend: one append-only JSONL
// file per metric key. A lazily loaded in-memory index keeps reads cheap
// and makes puts idempotent without rescanning the file.
package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/boombust/internal/domain"
	"github.com/sawpanic/boombust/internal/persistence"
)

// Store implements persistence.StateStore on local disk.
type Store struct {
	dir string
	ttl time.Duration
	now func() time.Time
	log zerolog.Logger

	mu     sync.RWMutex
	loaded map[string][]*domain.MetricPoint
	seen   map[string]map[string]struct{} // key -> "day#checksum"
}

// New creates the store directory if needed.
func New(dir string, ttl time.Duration, log zerolog.Logger) (*Store, error) {
	if dir == "" {
		dir = "data/state"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir %s: %w", dir, err)
	}
	if ttl <= 0 {
		ttl = persistence.DefaultTTL
	}
	return &Store{
		dir:    dir,
		ttl:    ttl,
		now:    time.Now,
		log:    log.With().Str("component", "filestore").Logger(),
		loaded: make(map[string][]*domain.MetricPoint),
		seen:   make(map[string]map[string]struct{}),
	}, nil
}

// WithClock overrides the time source. Test use.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Put(_ context.Context, point *domain.MetricPoint) error {
	key := point.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(key); err != nil {
		return err
	}

	dedupe := dayChecksum(point)
	if _, dup := s.seen[key][dedupe]; dup {
		return nil
	}

	data, err := json.Marshal(point)
	if err != nil {
		return domain.StorageErr("filestore", "failed to encode point", false, err)
	}

	f, err := os.OpenFile(s.path(key), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return domain.StorageErr("filestore", "failed to open state file", true, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return domain.StorageErr("filestore", "failed to append point", true, err)
	}

	cp := *point
	s.loaded[key] = insertSorted(s.loaded[key], &cp)
	s.seen[key][dedupe] = struct{}{}
	return nil
}

func (s *Store) GetLatest(_ context.Context, key string) (*domain.MetricPoint, error) {
	if err := s.loadLocked(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	pts := s.loaded[key]
	if len(pts) == 0 {
		return nil, nil
	}
	cp := *pts[len(pts)-1]
	return &cp, nil
}

func (s *Store) GetRange(_ context.Context, key string, from, to time.Time) ([]*domain.MetricPoint, error) {
	if err := s.loadLocked(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.MetricPoint
	for _, p := range s.loaded[key] {
		if p.Timestamp.Before(from) || p.Timestamp.After(to) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) GetRecent(_ context.Context, key string, n int) ([]*domain.MetricPoint, error) {
	if err := s.loadLocked(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	pts := s.loaded[key]
	if n > 0 && len(pts) > n {
		pts = pts[len(pts)-n:]
	}
	out := make([]*domain.MetricPoint, 0, len(pts))
	for _, p := range pts {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) GetLastKnownGood(_ context.Context, key string) (*domain.MetricPoint, error) {
	if err := s.loadLocked(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	pts := s.loaded[key]
	for i := len(pts) - 1; i >= 0; i-- {
		if pts[i].ValidationStatus == domain.StatusValid {
			cp := *pts[i]
			return &cp, nil
		}
	}
	return nil, nil
}

// PurgeExpired compacts every key file, dropping points older than the TTL
// while preserving the last-known-good anchor.
func (s *Store) PurgeExpired(_ context.Context) (int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, domain.StorageErr("filestore", "failed to list state dir", true, err)
	}

	cutoff := s.now().Add(-s.ttl)
	var removed int64

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		key := keyFromFile(entry.Name())
		if err := s.load(key); err != nil {
			return removed, err
		}

		pts := s.loaded[key]
		lkg := -1
		for i := len(pts) - 1; i >= 0; i-- {
			if pts[i].ValidationStatus == domain.StatusValid {
				lkg = i
				break
			}
		}

		kept := make([]*domain.MetricPoint, 0, len(pts))
		for i, p := range pts {
			if p.Timestamp.Before(cutoff) && i != lkg {
				removed++
				continue
			}
			kept = append(kept, p)
		}
		if len(kept) == len(pts) {
			continue
		}
		if err := s.rewrite(key, kept); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (s *Store) Close() error { return nil }

// loadLocked loads a key's file under the write lock if not yet cached.
func (s *Store) loadLocked(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(key)
}

// load reads a key's JSONL file into memory. Caller holds mu.
func (s *Store) load(key string) error {
	if s.loaded[key] != nil {
		return nil
	}
	s.loaded[key] = []*domain.MetricPoint{}
	s.seen[key] = make(map[string]struct{})

	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return domain.StorageErr("filestore", "failed to open state file", true, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var p domain.MetricPoint
		if err := json.Unmarshal(scanner.Bytes(), &p); err != nil {
			// A torn trailing line from a crash is skipped, not fatal.
			s.log.Warn().Str("key", key).Int("line", line).Err(err).Msg("Skipping corrupt state line")
			continue
		}
		s.loaded[key] = insertSorted(s.loaded[key], &p)
		s.seen[key][dayChecksum(&p)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return domain.StorageErr("filestore", "failed to scan state file", true, err)
	}
	return nil
}

// rewrite atomically replaces a key's file with the kept points. Caller
// holds mu.
func (s *Store) rewrite(key string, pts []*domain.MetricPoint) error {
	path := s.path(key)
	tmp := path + ".tmp"

	var buf strings.Builder
	seen := make(map[string]struct{}, len(pts))
	for _, p := range pts {
		data, err := json.Marshal(p)
		if err != nil {
			return domain.StorageErr("filestore", "failed to encode point", false, err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
		seen[dayChecksum(p)] = struct{}{}
	}
	if err := os.WriteFile(tmp, []byte(buf.String()), 0o644); err != nil {
		return domain.StorageErr("filestore", "failed to write compacted state", true, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return domain.StorageErr("filestore", "failed to commit compacted state", true, err)
	}
	s.loaded[key] = pts
	s.seen[key] = seen
	return nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, sanitize(key)+".jsonl")
}

func sanitize(key string) string {
	return strings.NewReplacer("#", "__", "/", "_", "\\", "_").Replace(key)
}

func keyFromFile(name string) string {
	base := strings.TrimSuffix(name, ".jsonl")
	return strings.Replace(base, "__", "#", 1)
}

func dayChecksum(p *domain.MetricPoint) string {
	return p.Timestamp.UTC().Format("2006-01-02") + "#" + p.Checksum
}

func insertSorted(pts []*domain.MetricPoint, p *domain.MetricPoint) []*domain.MetricPoint {
	i := sort.Search(len(pts), func(i int) bool {
		return pts[i].Timestamp.After(p.Timestamp)
	})
	pts = append(pts, nil)
	copy(pts[i+1:], pts[i:])
	pts[i] = p
	return pts
}
