// Package cache is the time-bounded key→blob store the runner falls back
// to when a primary fetch exhausts its retries. Entries carry their own
// TTL; expired entries stay readable through GetStale up to a hard cap so
// a degraded point can still be served during an outage.
package cache

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/boombust/internal/domain"
)

// DefaultStaleCap bounds how old a stale read may be, regardless of TTL.
const DefaultStaleCap = 7 * 24 * time.Hour

// Store is the cache contract. Backend errors on the read path are treated
// as misses; a miss is never an error.
type Store interface {
	// Put writes payload under key with the given TTL. Concurrent puts for
	// the same key resolve last-writer-wins on the write timestamp.
	Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error

	// Get returns the payload and its age if the entry exists and is fresh.
	Get(ctx context.Context, key string) ([]byte, time.Duration, bool)

	// GetStale returns the payload even past its TTL, capped at the
	// configured hard bound.
	GetStale(ctx context.Context, key string) ([]byte, bool)

	// Close releases backend resources.
	Close() error
}

// Config selects and sizes a cache backend.
type Config struct {
	Backend    string        `yaml:"backend" validate:"omitempty,oneof=memory file redis"`
	Dir        string        `yaml:"dir"`
	RedisAddr  string        `yaml:"redis_addr"`
	StaleCap   time.Duration `yaml:"stale_cap"`
	MaxEntries int           `yaml:"max_entries"`
}

// DefaultConfig returns the single-node defaults.
func DefaultConfig() Config {
	return Config{
		Backend:    "memory",
		Dir:        "data/cache",
		StaleCap:   DefaultStaleCap,
		MaxEntries: 1024,
	}
}

// configYAML is Config's file form: stale_cap as a duration string.
type configYAML struct {
	Backend    string `yaml:"backend"`
	Dir        string `yaml:"dir"`
	RedisAddr  string `yaml:"redis_addr"`
	StaleCap   string `yaml:"stale_cap"`
	MaxEntries int    `yaml:"max_entries"`
}

// UnmarshalYAML accepts a duration string for stale_cap; absent keys keep
// the values already on the receiver.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	aux := configYAML{
		Backend:    c.Backend,
		Dir:        c.Dir,
		RedisAddr:  c.RedisAddr,
		MaxEntries: c.MaxEntries,
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	c.Backend = aux.Backend
	c.Dir = aux.Dir
	c.RedisAddr = aux.RedisAddr
	c.MaxEntries = aux.MaxEntries
	return domain.SetDuration(&c.StaleCap, aux.StaleCap)
}

// MarshalYAML renders stale_cap as a duration string.
func (c Config) MarshalYAML() (interface{}, error) {
	return configYAML{
		Backend:    c.Backend,
		Dir:        c.Dir,
		RedisAddr:  c.RedisAddr,
		StaleCap:   c.StaleCap.String(),
		MaxEntries: c.MaxEntries,
	}, nil
}

// entry is the stored envelope. Payload round-trips through JSON for the
// file and redis backends.
type entry struct {
	Key       string        `json:"key"`
	Payload   []byte        `json:"payload"`
	WrittenAt time.Time     `json:"written_at"`
	TTL       time.Duration `json:"ttl"`
}

// fresh reports whether the entry is within its own TTL at now.
func (e *entry) fresh(now time.Time) bool {
	return e.TTL <= 0 || now.Sub(e.WrittenAt) <= e.TTL
}

// staleOK reports whether a stale read may still serve the entry.
func (e *entry) staleOK(now time.Time, cap time.Duration) bool {
	age := now.Sub(e.WrittenAt)
	return age <= e.TTL || age <= cap
}

// New selects a backend from config. REDIS_ADDR in the environment forces
// the redis backend, mirroring how single-node deployments are promoted.
func New(cfg Config, log zerolog.Logger) (Store, error) {
	if cfg.StaleCap <= 0 {
		cfg.StaleCap = DefaultStaleCap
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Backend = "redis"
		cfg.RedisAddr = addr
	}

	switch cfg.Backend {
	case "", "memory":
		return NewMemory(cfg, log), nil
	case "file":
		return NewFile(cfg, log)
	case "redis":
		return NewRedis(cfg, log)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
