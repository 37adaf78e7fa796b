// Package bdcdiscount tracks the average price-to-NAV discount across a
// basket of listed business development companies. A widening discount is
// one of the earliest public marks of private-credit stress.
package bdcdiscount

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sawpanic/boombust/internal/data/validate"
	"github.com/sawpanic/boombust/internal/domain"
	"github.com/sawpanic/boombust/internal/sources"
)

const (
	metricName = "avg_discount"

	apiKeySecret = "funddata.api_key"
)

// Config selects the quote endpoint and the BDC basket.
type Config struct {
	BaseURL   string   `yaml:"base_url" validate:"required,url"`
	Tickers   []string `yaml:"tickers" validate:"required,min=1"`
	MinQuotes int      `yaml:"min_quotes" validate:"min=1"`
}

// DefaultConfig returns the production basket: the largest exchange-traded
// BDCs by assets under management.
func DefaultConfig() Config {
	return Config{
		BaseURL:   "https://api.funddata.io",
		Tickers:   []string{"ARCC", "FSK", "OBDC", "BXSL", "MAIN", "GBDC", "PSEC"},
		MinQuotes: 3,
	}
}

// Adapter implements sources.Adapter for the bdc_discount indicator.
type Adapter struct {
	cfg  Config
	deps sources.Deps
}

// New builds the adapter.
func New(cfg Config, deps sources.Deps) *Adapter {
	if cfg.MinQuotes <= 0 {
		cfg.MinQuotes = 3
	}
	return &Adapter{cfg: cfg, deps: deps}
}

func (a *Adapter) Identity() (domain.DataSource, string, domain.Unit) {
	return domain.SourceBDCDiscount, metricName, domain.UnitRatio
}

// Schema bounds follow the discount convention (NAV − price) / NAV:
// positive means trading below book, negative means a premium. Premiums
// beyond 50% of NAV are treated as bad data.
func (a *Adapter) Schema() validate.Schema {
	return validate.Schema{
		Kind:       domain.ReadingComposite,
		Value:      &validate.Bounds{Min: validate.Float(-0.5), Max: validate.Float(0.95)},
		PartBounds: &validate.Bounds{Min: validate.Float(-1.0), Max: validate.Float(1.0)},
		MinParts:   a.cfg.MinQuotes,
		MaxParts:   len(a.cfg.Tickers),
	}
}

func (a *Adapter) PreferredTTL() time.Duration { return 6 * time.Hour }
func (a *Adapter) Cadence() time.Duration      { return 24 * time.Hour }

// quote is one ticker's price/NAV pair from the fund-data API.
type quote struct {
	Ticker      string  `json:"ticker"`
	LastPrice   float64 `json:"last_price"`
	NAVPerShare float64 `json:"nav_per_share"`
	AsOf        string  `json:"as_of"`
}

// Fetch pulls price and NAV for the basket and derives per-ticker
// discounts. Tickers with a missing or non-positive NAV are skipped; the
// run fails only when fewer than MinQuotes survive.
func (a *Adapter) Fetch(ctx context.Context) (domain.RawReading, error) {
	url := fmt.Sprintf("%s/api/v1/bdc/quotes?tickers=%s", a.cfg.BaseURL, strings.Join(a.cfg.Tickers, ","))
	body, err := a.deps.HTTP.Get(ctx, url, a.authHeaders(ctx))
	if err != nil {
		return domain.RawReading{}, err
	}

	var quotes []quote
	if err := json.Unmarshal(body, &quotes); err != nil {
		return domain.RawReading{}, domain.ParseErr("bdc_discount", "malformed quote payload", err)
	}

	parts := make(map[string]float64, len(quotes))
	var sum float64
	var latest time.Time
	for _, q := range quotes {
		if q.Ticker == "" {
			continue
		}
		if q.NAVPerShare <= 0 {
			a.deps.Log.Warn().Str("ticker", q.Ticker).Float64("nav", q.NAVPerShare).
				Msg("Skipping ticker with non-positive NAV")
			continue
		}
		discount := (q.NAVPerShare - q.LastPrice) / q.NAVPerShare
		parts[q.Ticker] = discount
		sum += discount
		if asOf, err := time.Parse("2006-01-02", q.AsOf); err == nil && asOf.After(latest) {
			latest = asOf
		}
	}

	if len(parts) < a.cfg.MinQuotes {
		return domain.RawReading{}, domain.SchemaErr("bdc_discount",
			fmt.Sprintf("only %d usable quotes, need at least %d", len(parts), a.cfg.MinQuotes), nil)
	}

	observed := latest.UTC()
	if latest.IsZero() {
		observed = a.deps.Clock().UTC()
	}

	return domain.RawReading{
		Kind:       domain.ReadingComposite,
		Scalar:     sum / float64(len(parts)),
		Parts:      parts,
		Strings:    map[string]string{"tickers": strings.Join(sortedKeys(parts), ",")},
		ObservedAt: observed,
		Source:     "primary",
	}, nil
}

// SecondarySources corroborates against the provider's published BDC
// index average. Best effort.
func (a *Adapter) SecondarySources(ctx context.Context) []domain.SecondaryReading {
	body, err := a.deps.HTTP.Get(ctx, a.cfg.BaseURL+"/api/v1/bdc/index", a.authHeaders(ctx))
	if err != nil {
		a.deps.Log.Warn().Err(err).Msg("BDC index corroboration unavailable")
		return nil
	}
	var idx struct {
		AvgDiscount float64 `json:"avg_discount"`
	}
	if err := json.Unmarshal(body, &idx); err != nil {
		a.deps.Log.Warn().Err(err).Msg("Malformed BDC index payload")
		return nil
	}
	return []domain.SecondaryReading{{Source: "bdc-index", Value: idx.AvgDiscount}}
}

// Fallback is not available: there is no cheaper NAV source, so exhausted
// runs degrade straight to cached data.
func (a *Adapter) Fallback(context.Context) (domain.RawReading, bool, error) {
	return domain.RawReading{}, false, nil
}

// authHeaders adds the optional provider API key. Anonymous access works
// at a lower rate limit, so a missing secret only logs at debug.
func (a *Adapter) authHeaders(ctx context.Context) map[string]string {
	key, err := a.deps.Secrets.Get(ctx, apiKeySecret)
	if err != nil {
		a.deps.Log.Debug().Err(err).Msg("Fund data API key not configured, using anonymous access")
		return nil
	}
	return map[string]string{"X-API-Key": key}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
