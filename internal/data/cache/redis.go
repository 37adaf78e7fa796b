package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis is the shared-node backend. The envelope (not the raw payload) is
// stored so stale reads can inspect the original TTL; the redis expiry is
// the stale cap, whichever of TTL/cap is longer.
type Redis struct {
	client   *redis.Client
	staleCap time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewRedis connects and verifies the backend with a short ping.
func NewRedis(cfg Config, log zerolog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}

	return &Redis{
		client:   client,
		staleCap: cfg.StaleCap,
		now:      time.Now,
		log:      log.With().Str("component", "cache.redis").Logger(),
	}, nil
}

// WithClock overrides the time source. Test use.
func (r *Redis) WithClock(now func() time.Time) *Redis {
	r.now = now
	return r
}

func (r *Redis) Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	now := r.now()

	if existing, ok := r.read(ctx, key); ok && existing.WrittenAt.After(now) {
		return nil
	}

	e := entry{Key: key, Payload: payload, WrittenAt: now, TTL: ttl}
	data, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry %s: %w", key, err)
	}

	expiry := r.staleCap
	if ttl > expiry {
		expiry = ttl
	}
	if err := r.client.Set(ctx, r.redisKey(key), data, expiry).Err(); err != nil {
		return fmt.Errorf("failed to write cache entry %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	now := r.now()
	e, ok := r.read(ctx, key)
	if !ok || !e.fresh(now) {
		return nil, 0, false
	}
	return e.Payload, now.Sub(e.WrittenAt), true
}

func (r *Redis) GetStale(ctx context.Context, key string) ([]byte, bool) {
	now := r.now()
	e, ok := r.read(ctx, key)
	if !ok || !e.staleOK(now, r.staleCap) {
		return nil, false
	}
	return e.Payload, true
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) read(ctx context.Context, key string) (*entry, bool) {
	data, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.log.Debug().Str("key", key).Err(err).Msg("Redis read failed, treating as miss")
		}
		return nil, false
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		r.log.Warn().Str("key", key).Err(err).Msg("Corrupt cache entry, treating as miss")
		return nil, false
	}
	return &e, true
}

func (r *Redis) redisKey(key string) string {
	return "boombust:cache:" + key
}
