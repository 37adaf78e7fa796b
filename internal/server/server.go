// Package server is the serve-mode HTTP surface: per-metric staleness
// health, the Prometheus endpoint, and on-demand run triggers. Read-mostly
// and local-only by default; the dashboard API proper lives elsewhere.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/boombust/internal/data/validate"
	"github.com/sawpanic/boombust/internal/domain"
	"github.com/sawpanic/boombust/internal/metrics"
	"github.com/sawpanic/boombust/internal/persistence"
	"github.com/sawpanic/boombust/internal/scheduler"
	"github.com/sawpanic/boombust/internal/sources"
)

// Config holds the HTTP server knobs.
type Config struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DefaultConfig binds to localhost only.
func DefaultConfig() Config {
	return Config{
		Host:         "127.0.0.1",
		Port:         8080,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// configYAML is Config's file form: timeouts as duration strings.
type configYAML struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
	IdleTimeout  string `yaml:"idle_timeout"`
}

// UnmarshalYAML accepts duration strings for the timeout fields; absent
// keys keep the values already on the receiver.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	aux := configYAML{Host: c.Host, Port: c.Port}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	c.Host = aux.Host
	c.Port = aux.Port
	if err := domain.SetDuration(&c.ReadTimeout, aux.ReadTimeout); err != nil {
		return err
	}
	if err := domain.SetDuration(&c.WriteTimeout, aux.WriteTimeout); err != nil {
		return err
	}
	return domain.SetDuration(&c.IdleTimeout, aux.IdleTimeout)
}

// MarshalYAML renders the timeouts as duration strings.
func (c Config) MarshalYAML() (interface{}, error) {
	return configYAML{
		Host:         c.Host,
		Port:         c.Port,
		ReadTimeout:  c.ReadTimeout.String(),
		WriteTimeout: c.WriteTimeout.String(),
		IdleTimeout:  c.IdleTimeout.String(),
	}, nil
}

// Trigger runs one adapter on demand and reports job bookkeeping.
// *scheduler.Scheduler satisfies it.
type Trigger interface {
	RunNow(ctx context.Context, source domain.DataSource, metric string) (*domain.ScraperResult, error)
	Status() []scheduler.JobStatus
}

// Deps bundles the server's collaborators.
type Deps struct {
	Registry *sources.Registry
	Store    persistence.StateStore
	Trigger  Trigger
	Metrics  http.Handler
	Now      func() time.Time
	Log      zerolog.Logger
}

// Server serves health, metrics, and trigger routes.
type Server struct {
	cfg    Config
	deps   Deps
	now    func() time.Time
	log    zerolog.Logger
	router *mux.Router
	server *http.Server
}

// New builds the server and its routes.
func New(cfg Config, deps Deps) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Handler()
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		now:    now,
		log:    deps.Log.With().Str("component", "http_server").Logger(),
		router: mux.NewRouter(),
	}
	s.routes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestID)
	s.router.Use(s.logRequests)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/run/{source}/{metric}", s.handleRun).Methods(http.MethodPost)
	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

// Start serves until the context is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.log.Info().Msg("HTTP server shutting down")
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// metricHealth is one row of the health report.
type metricHealth struct {
	validate.StalenessResult
	DegradedPersisting bool `json:"degraded_persisting,omitempty"`
}

// healthResponse is the operator-facing freshness report.
type healthResponse struct {
	Status    string                `json:"status"`
	Timestamp time.Time             `json:"timestamp"`
	Store     string                `json:"store"`
	Metrics   []metricHealth        `json:"metrics"`
	Jobs      []scheduler.JobStatus `json:"jobs,omitempty"`
}

// handleHealth reports per-metric staleness: a metric is unhealthy when
// its latest point is older than twice its cadence, or has stayed
// degraded for more than one run.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.now()

	resp := healthResponse{Status: "healthy", Timestamp: now.UTC(), Store: "ok"}

	if pinger, ok := s.deps.Store.(persistence.Health); ok {
		if err := pinger.Ping(ctx); err != nil {
			resp.Store = fmt.Sprintf("error: %v", err)
			resp.Status = "degraded"
		}
	}

	for _, adapter := range s.deps.Registry.All() {
		source, metric, _ := adapter.Identity()
		key := domain.MetricKey(source, metric)

		recent, err := s.deps.Store.GetRecent(ctx, key, 2)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("Health lookup failed")
			resp.Status = "degraded"
			resp.Metrics = append(resp.Metrics, metricHealth{
				StalenessResult: validate.StalenessResult{Key: key, Stale: true, Message: err.Error()},
			})
			continue
		}

		var latest *domain.MetricPoint
		if len(recent) > 0 {
			latest = recent[len(recent)-1]
		}
		row := metricHealth{
			StalenessResult: validate.CheckStaleness(key, latest, adapter.Cadence(), now),
		}
		if len(recent) >= 2 &&
			recent[0].ValidationStatus == domain.StatusDegraded &&
			recent[1].ValidationStatus == domain.StatusDegraded {
			row.DegradedPersisting = true
		}
		if row.Stale || row.DegradedPersisting {
			resp.Status = "degraded"
		}
		resp.Metrics = append(resp.Metrics, row)
	}

	if s.deps.Trigger != nil {
		resp.Jobs = s.deps.Trigger.Status()
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

// runResponse is the trigger endpoint's view of a ScraperResult.
type runResponse struct {
	DataSource string              `json:"data_source"`
	MetricName string              `json:"metric_name"`
	Success    bool                `json:"success"`
	Skipped    bool                `json:"skipped"`
	Point      *domain.MetricPoint `json:"point,omitempty"`
	Error      string              `json:"error,omitempty"`
	RetryCount int                 `json:"retry_count"`
	DurationMS int64               `json:"duration_ms"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	source, err := domain.ParseDataSource(vars["source"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.Trigger == nil {
		s.writeError(w, http.StatusServiceUnavailable, "trigger not wired in this mode")
		return
	}

	result, err := s.deps.Trigger.RunNow(r.Context(), source, vars["metric"])
	if err != nil {
		if domain.KindOf(err) == domain.KindConfig {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := runResponse{
		DataSource: string(result.DataSource),
		MetricName: result.MetricName,
		Success:    result.Success,
		Skipped:    result.Skipped,
		Point:      result.Point,
		RetryCount: result.RetryCount,
		DurationMS: result.ExecutionDuration.Milliseconds(),
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}

	code := http.StatusOK
	switch {
	case result.Skipped:
		code = http.StatusConflict
	case !result.Success:
		code = http.StatusBadGateway
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusNotFound, fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Dur("duration", s.now().Sub(start)).
			Msg("Request handled")
	})
}

// statusWriter captures the response code for request logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
