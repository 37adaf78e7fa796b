// Package bondissuance tracks weekly US corporate bond issuance volume.
// Primary source is the SIFMA-style issuance API; FRED corroborates and
// doubles as the fallback when the primary is down.
package bondissuance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sawpanic/boombust/internal/data/validate"
	"github.com/sawpanic/boombust/internal/domain"
	"github.com/sawpanic/boombust/internal/sources"
)

const (
	metricName = "weekly_total"

	// FRED reports corporate issuance in millions of dollars.
	fredScale = 1e6

	fredKeySecret = "fred.api_key"
)

// Config locates the upstream endpoints. Base URLs are overridable so
// tests can point the adapter at local fixtures.
type Config struct {
	BaseURL    string `yaml:"base_url" validate:"required,url"`
	FredURL    string `yaml:"fred_url" validate:"required,url"`
	FredSeries string `yaml:"fred_series" validate:"required"`
}

// DefaultConfig returns production endpoints.
func DefaultConfig() Config {
	return Config{
		BaseURL:    "https://api.sifma.org",
		FredURL:    "https://api.stlouisfed.org",
		FredSeries: "CORPBONDISSUANCE",
	}
}

// Adapter implements sources.Adapter for the bond_issuance indicator.
type Adapter struct {
	cfg  Config
	deps sources.Deps
}

// New builds the adapter.
func New(cfg Config, deps sources.Deps) *Adapter {
	return &Adapter{cfg: cfg, deps: deps}
}

func (a *Adapter) Identity() (domain.DataSource, string, domain.Unit) {
	return domain.SourceBondIssuance, metricName, domain.UnitCurrency
}

func (a *Adapter) Schema() validate.Schema {
	return validate.Schema{
		Kind:            domain.ReadingScalar,
		Value:           &validate.Bounds{Min: validate.Float(0), Max: validate.Float(1e12)},
		RequiredStrings: []string{"week_ending"},
	}
}

func (a *Adapter) PreferredTTL() time.Duration { return 24 * time.Hour }
func (a *Adapter) Cadence() time.Duration      { return 7 * 24 * time.Hour }

// weeklyPayload is the primary API's response shape.
type weeklyPayload struct {
	Series        string  `json:"series"`
	WeekEnding    string  `json:"week_ending"`
	TotalIssuance float64 `json:"total_issuance"`
	DealCount     int     `json:"deal_count"`
	Unit          string  `json:"unit"`
}

// Fetch pulls the latest weekly total from the primary issuance API.
func (a *Adapter) Fetch(ctx context.Context) (domain.RawReading, error) {
	url := a.cfg.BaseURL + "/api/v1/issuance/weekly/latest"
	body, err := a.deps.HTTP.Get(ctx, url, nil)
	if err != nil {
		return domain.RawReading{}, err
	}

	var p weeklyPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.RawReading{}, domain.ParseErr("bond_issuance", "malformed weekly issuance payload", err)
	}
	if p.WeekEnding == "" {
		return domain.RawReading{}, domain.SchemaErr("bond_issuance", "weekly issuance payload missing week_ending", nil)
	}

	observed, err := time.Parse("2006-01-02", p.WeekEnding)
	if err != nil {
		return domain.RawReading{}, domain.ParseErr("bond_issuance", fmt.Sprintf("unparseable week_ending %q", p.WeekEnding), err)
	}

	return domain.RawReading{
		Kind:   domain.ReadingScalar,
		Scalar: p.TotalIssuance,
		Strings: map[string]string{
			"week_ending": p.WeekEnding,
			"series":      p.Series,
			"deal_count":  strconv.Itoa(p.DealCount),
		},
		ObservedAt: observed.UTC(),
		Source:     "primary",
	}, nil
}

// SecondarySources corroborates the primary with the latest FRED
// observation. FRED failures are logged and swallowed: corroboration is
// best effort.
func (a *Adapter) SecondarySources(ctx context.Context) []domain.SecondaryReading {
	value, _, err := a.fredLatest(ctx)
	if err != nil {
		a.deps.Log.Warn().Err(err).Msg("FRED corroboration unavailable")
		return nil
	}
	return []domain.SecondaryReading{{Source: "fred", Value: value}}
}

// Fallback serves the FRED observation as a degraded stand-in for the
// primary when the issuance API is exhausted.
func (a *Adapter) Fallback(ctx context.Context) (domain.RawReading, bool, error) {
	value, asOf, err := a.fredLatest(ctx)
	if err != nil {
		return domain.RawReading{}, true, err
	}
	return domain.RawReading{
		Kind:   domain.ReadingScalar,
		Scalar: value,
		Strings: map[string]string{
			"week_ending": asOf.Format("2006-01-02"),
			"series":      a.cfg.FredSeries,
		},
		ObservedAt: asOf,
		Source:     "fred_fallback",
	}, true, nil
}

// fredObservations is the subset of the FRED series/observations response
// the adapter reads. Values arrive as strings; "." marks a missing
// observation.
type fredObservations struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
}

func (a *Adapter) fredLatest(ctx context.Context) (float64, time.Time, error) {
	key, err := a.deps.Secrets.Get(ctx, fredKeySecret)
	if err != nil {
		return 0, time.Time{}, domain.AuthErr("bond_issuance", "FRED API key unavailable", err)
	}

	url := fmt.Sprintf("%s/fred/series/observations?series_id=%s&api_key=%s&file_type=json&sort_order=desc&limit=1",
		a.cfg.FredURL, a.cfg.FredSeries, key)
	body, err := a.deps.HTTP.Get(ctx, url, nil)
	if err != nil {
		return 0, time.Time{}, err
	}

	var resp fredObservations
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, time.Time{}, domain.ParseErr("bond_issuance", "malformed FRED observations payload", err)
	}
	if len(resp.Observations) == 0 {
		return 0, time.Time{}, domain.SchemaErr("bond_issuance", "FRED returned no observations", nil)
	}

	obs := resp.Observations[0]
	if obs.Value == "." {
		return 0, time.Time{}, domain.SchemaErr("bond_issuance", fmt.Sprintf("FRED observation for %s is missing", obs.Date), nil)
	}
	millions, err := strconv.ParseFloat(obs.Value, 64)
	if err != nil {
		return 0, time.Time{}, domain.ParseErr("bond_issuance", fmt.Sprintf("unparseable FRED value %q", obs.Value), err)
	}
	asOf, err := time.Parse("2006-01-02", obs.Date)
	if err != nil {
		return 0, time.Time{}, domain.ParseErr("bond_issuance", fmt.Sprintf("unparseable FRED date %q", obs.Date), err)
	}

	return millions * fredScale, asOf.UTC(), nil
}
