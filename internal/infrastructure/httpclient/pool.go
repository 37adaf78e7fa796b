// Package httpclient is the shared transport for every source adapter:
// per-host connection caps, token-bucket rate limiting, and circuit
// breakers. Retries are deliberately NOT handled here; the retry executor
// owns that policy so an adapter's fetch is retried as one unit.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/boombust/internal/domain"
)

// maxBodyBytes caps response reads; provider payloads are reports, not
// streams.
const maxBodyBytes = 16 << 20

// Config tunes the shared pool.
type Config struct {
	PerHostConcurrency int           `yaml:"per_host_concurrency"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	PerHostRPS         float64       `yaml:"per_host_rps"`
	PerHostBurst       int           `yaml:"per_host_burst"`
	UserAgent          string        `yaml:"user_agent"`
}

// DefaultConfig matches the politeness budget the public data providers
// expect from automated clients.
func DefaultConfig() Config {
	return Config{
		PerHostConcurrency: 4,
		RequestTimeout:     30 * time.Second,
		PerHostRPS:         2,
		PerHostBurst:       2,
		UserAgent:          "boombust-scraper/1.0",
	}
}

// configYAML is Config's file form: the timeout as a duration string.
type configYAML struct {
	PerHostConcurrency int     `yaml:"per_host_concurrency"`
	RequestTimeout     string  `yaml:"request_timeout"`
	PerHostRPS         float64 `yaml:"per_host_rps"`
	PerHostBurst       int     `yaml:"per_host_burst"`
	UserAgent          string  `yaml:"user_agent"`
}

// UnmarshalYAML accepts a duration string for request_timeout; absent
// keys keep the values already on the receiver.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	aux := configYAML{
		PerHostConcurrency: c.PerHostConcurrency,
		PerHostRPS:         c.PerHostRPS,
		PerHostBurst:       c.PerHostBurst,
		UserAgent:          c.UserAgent,
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	c.PerHostConcurrency = aux.PerHostConcurrency
	c.PerHostRPS = aux.PerHostRPS
	c.PerHostBurst = aux.PerHostBurst
	c.UserAgent = aux.UserAgent
	return domain.SetDuration(&c.RequestTimeout, aux.RequestTimeout)
}

// MarshalYAML renders the timeout as a duration string.
func (c Config) MarshalYAML() (interface{}, error) {
	return configYAML{
		PerHostConcurrency: c.PerHostConcurrency,
		RequestTimeout:     c.RequestTimeout.String(),
		PerHostRPS:         c.PerHostRPS,
		PerHostBurst:       c.PerHostBurst,
		UserAgent:          c.UserAgent,
	}, nil
}

// Stats counts pool outcomes since startup.
type Stats struct {
	TotalRequests   int64
	SuccessRequests int64
	FailedRequests  int64
	BreakerRejected int64
}

// Pool is safe for concurrent use by all adapters.
type Pool struct {
	config Config
	client *http.Client
	log    zerolog.Logger

	mu        sync.Mutex
	semaphore map[string]chan struct{}
	limiters  map[string]*rate.Limiter
	breakers  map[string]*gobreaker.CircuitBreaker
	stats     Stats
}

// NewPool builds a pool around a stock http.Client.
func NewPool(cfg Config, log zerolog.Logger) *Pool {
	if cfg.PerHostConcurrency <= 0 {
		cfg.PerHostConcurrency = 4
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.PerHostRPS <= 0 {
		cfg.PerHostRPS = 2
	}
	if cfg.PerHostBurst <= 0 {
		cfg.PerHostBurst = 1
	}
	return &Pool{
		config:    cfg,
		client:    &http.Client{Timeout: cfg.RequestTimeout},
		log:       log.With().Str("component", "httpclient").Logger(),
		semaphore: make(map[string]chan struct{}),
		limiters:  make(map[string]*rate.Limiter),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// WithClient swaps the underlying client. Test use (httptest transports).
func (p *Pool) WithClient(client *http.Client) *Pool {
	p.client = client
	return p
}

// Do executes one request through the host's limiter, semaphore and
// breaker. A non-2xx status is returned as a classified error with the
// body drained and closed.
func (p *Pool) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	host := req.URL.Hostname()

	if err := p.limiter(host).Wait(ctx); err != nil {
		return nil, domain.TransportErr("httpclient", "rate limit wait aborted", err)
	}

	sem := p.hostSemaphore(host)
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return nil, domain.TransportErr("httpclient", "connection slot wait aborted", ctx.Err())
	}

	if p.config.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", p.config.UserAgent)
	}

	p.count(func(s *Stats) { s.TotalRequests++ })

	result, err := p.breaker(host).Execute(func() (interface{}, error) {
		resp, err := p.client.Do(req.WithContext(ctx))
		if err != nil {
			return nil, domain.TransportErr("httpclient", fmt.Sprintf("request to %s failed", host), err)
		}
		if resp.StatusCode >= 400 {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, domain.FromHTTPStatus("httpclient", resp.StatusCode,
				fmt.Sprintf("%s returned %s", host, resp.Status))
		}
		return resp, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			p.count(func(s *Stats) { s.FailedRequests++; s.BreakerRejected++ })
			p.log.Warn().Str("host", host).Msg("Circuit breaker rejected request")
			return nil, domain.TransportErr("httpclient", fmt.Sprintf("circuit open for %s", host), err)
		}
		p.count(func(s *Stats) { s.FailedRequests++ })
		return nil, err
	}

	p.count(func(s *Stats) { s.SuccessRequests++ })
	return result.(*http.Response), nil
}

// Get fetches a URL and returns the response body. Headers may be nil.
func (p *Pool) Get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, domain.InternalErr("httpclient", "failed to build request", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, domain.TransportErr("httpclient", "failed to read response body", err)
	}
	return body, nil
}

// GetStats returns a snapshot of pool counters.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Pool) count(fn func(*Stats)) {
	p.mu.Lock()
	fn(&p.stats)
	p.mu.Unlock()
}

func (p *Pool) hostSemaphore(host string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	sem, ok := p.semaphore[host]
	if !ok {
		sem = make(chan struct{}, p.config.PerHostConcurrency)
		p.semaphore[host] = sem
	}
	return sem
}

func (p *Pool) limiter(host string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	limiter, ok := p.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(p.config.PerHostRPS), p.config.PerHostBurst)
		p.limiters[host] = limiter
	}
	return limiter
}

func (p *Pool) breaker(host string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	breaker, ok := p.breakers[host]
	if !ok {
		settings := gobreaker.Settings{
			Name:     host,
			Interval: 60 * time.Second,
			Timeout:  60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.ConsecutiveFailures >= 3 {
					return true
				}
				if counts.Requests < 20 {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
			},
		}
		breaker = gobreaker.NewCircuitBreaker(settings)
		p.breakers[host] = breaker
	}
	return breaker
}
