package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// File is the disk backend: one JSON envelope per key, written atomically
// via temp-file rename so readers never observe a torn blob.
type File struct {
	dir      string
	staleCap time.Duration
	mu       sync.Mutex
	now      func() time.Time
	log      zerolog.Logger
}

// NewFile builds the disk backend, creating the cache directory if needed.
func NewFile(cfg Config, log zerolog.Logger) (*File, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = DefaultConfig().Dir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir %s: %w", dir, err)
	}
	return &File{
		dir:      dir,
		staleCap: cfg.StaleCap,
		now:      time.Now,
		log:      log.With().Str("component", "cache.file").Logger(),
	}, nil
}

// WithClock overrides the time source. Test use.
func (f *File) WithClock(now func() time.Time) *File {
	f.now = now
	return f
}

func (f *File) Put(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.read(key); ok && existing.WrittenAt.After(now) {
		return nil
	}

	e := entry{Key: key, Payload: payload, WrittenAt: now, TTL: ttl}
	data, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry %s: %w", key, err)
	}

	path := f.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache entry %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit cache entry %s: %w", key, err)
	}
	return nil
}

func (f *File) Get(_ context.Context, key string) ([]byte, time.Duration, bool) {
	now := f.now()
	f.mu.Lock()
	e, ok := f.read(key)
	f.mu.Unlock()

	if !ok || !e.fresh(now) {
		return nil, 0, false
	}
	return e.Payload, now.Sub(e.WrittenAt), true
}

func (f *File) GetStale(_ context.Context, key string) ([]byte, bool) {
	now := f.now()
	f.mu.Lock()
	e, ok := f.read(key)
	f.mu.Unlock()

	if !ok || !e.staleOK(now, f.staleCap) {
		return nil, false
	}
	return e.Payload, true
}

func (f *File) Close() error { return nil }

func (f *File) read(key string) (*entry, bool) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		return nil, false
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		f.log.Warn().Str("key", key).Err(err).Msg("Corrupt cache entry, treating as miss")
		return nil, false
	}
	return &e, true
}

// path maps a cache key to a filename; '#' separators and slashes are
// flattened so "{source}#{metric}" keys stay filesystem-safe.
func (f *File) path(key string) string {
	safe := strings.NewReplacer("#", "__", "/", "_", "\\", "_").Replace(key)
	return filepath.Join(f.dir, safe+".json")
}
