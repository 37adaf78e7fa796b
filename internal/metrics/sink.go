package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/boombust/internal/domain"
)

// Sink posts a summary of each finished run to an external collector.
// Delivery is best effort: failures are logged and swallowed so the
// pipeline never degrades because observability infrastructure did.
type Sink struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

// runSummary is the wire shape the collector ingests.
type runSummary struct {
	Scraper         string  `json:"scraper"`
	Success         bool    `json:"success"`
	DurationSeconds float64 `json:"duration_seconds"`
	RetryCount      int     `json:"retry_count"`
	UsedFallback    bool    `json:"used_fallback"`
	Confidence      float64 `json:"confidence"`
}

// NewSink builds a sink; an empty URL disables it.
func NewSink(url string, log zerolog.Logger) *Sink {
	return &Sink{
		url: url,
		// The sink keeps its own client on purpose: a breaker tripped by a
		// flaky collector must never slow down scraping.
		client: &http.Client{Timeout: 5 * time.Second},
		log:    log.With().Str("component", "metrics_sink").Logger(),
	}
}

// WithClient swaps the HTTP client. Test use.
func (s *Sink) WithClient(client *http.Client) *Sink {
	s.client = client
	return s
}

// Emit posts one run summary. Never returns an error.
func (s *Sink) Emit(ctx context.Context, result *domain.ScraperResult) {
	if s.url == "" {
		return
	}

	summary := runSummary{
		Scraper:         string(result.DataSource) + "." + result.MetricName,
		Success:         result.Success,
		DurationSeconds: result.ExecutionDuration.Seconds(),
		RetryCount:      result.RetryCount,
		UsedFallback:    result.UsedFallback,
	}
	if result.Point != nil {
		summary.Confidence = result.Point.Confidence
	}

	payload, err := json.Marshal(summary)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to encode run summary")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to build metrics request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn().Err(err).Str("scraper", summary.Scraper).Msg("Metrics emission failed")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		s.log.Warn().Int("status", resp.StatusCode).Str("scraper", summary.Scraper).
			Msg("Metrics collector rejected summary")
	}
}
