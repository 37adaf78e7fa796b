// Package creditfund tracks total reported assets across a basket of
// private-credit funds via their SEC XBRL filings. Marks only move when a
// fund files, so the series is quarterly and lumpy by nature.
package creditfund

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sawpanic/boombust/internal/data/validate"
	"github.com/sawpanic/boombust/internal/domain"
	"github.com/sawpanic/boombust/internal/sources"
	"github.com/sawpanic/boombust/internal/sources/edgar"
)

const metricName = "total_assets"

// Fund identifies one tracked filer.
type Fund struct {
	Name string `yaml:"name" validate:"required"`
	CIK  string `yaml:"cik" validate:"required,numeric"`
}

// Config selects the EDGAR endpoint and the fund basket.
type Config struct {
	EdgarURL string `yaml:"edgar_url" validate:"required,url"`
	Taxonomy string `yaml:"taxonomy"`
	Concept  string `yaml:"concept"`
	Funds    []Fund `yaml:"funds" validate:"required,min=1,dive"`
}

// DefaultConfig returns the production basket: the largest non-traded and
// listed private-credit vehicles that file with the SEC.
func DefaultConfig() Config {
	return Config{
		EdgarURL: "https://data.sec.gov",
		Taxonomy: "us-gaap",
		Concept:  "Assets",
		Funds: []Fund{
			{Name: "ARCC", CIK: "1287750"},
			{Name: "FSK", CIK: "1422183"},
			{Name: "BCRED", CIK: "1803498"},
			{Name: "OBDC", CIK: "1655888"},
		},
	}
}

// Adapter implements sources.Adapter for the credit_fund indicator.
type Adapter struct {
	cfg  Config
	deps sources.Deps
}

// New builds the adapter.
func New(cfg Config, deps sources.Deps) *Adapter {
	if cfg.Taxonomy == "" {
		cfg.Taxonomy = "us-gaap"
	}
	if cfg.Concept == "" {
		cfg.Concept = "Assets"
	}
	return &Adapter{cfg: cfg, deps: deps}
}

func (a *Adapter) Identity() (domain.DataSource, string, domain.Unit) {
	return domain.SourceCreditFund, metricName, domain.UnitCurrency
}

func (a *Adapter) Schema() validate.Schema {
	return validate.Schema{
		Kind:            domain.ReadingComposite,
		Value:           &validate.Bounds{Min: validate.Float(0), Max: validate.Float(1e13)},
		PartBounds:      &validate.Bounds{Min: validate.Float(0), Max: validate.Float(1e12)},
		MinParts:        1,
		MaxParts:        len(a.cfg.Funds),
		RequiredStrings: []string{"funds"},
	}
}

func (a *Adapter) PreferredTTL() time.Duration { return 7 * 24 * time.Hour }
func (a *Adapter) Cadence() time.Duration      { return 90 * 24 * time.Hour }

// Fetch walks the basket, reading each fund's latest reported assets from
// the XBRL companyconcept API and the newest filing accession from the
// browse feed. Individual fund failures are skipped with a warning; the
// run fails only when every fund fails.
func (a *Adapter) Fetch(ctx context.Context) (domain.RawReading, error) {
	parts := make(map[string]float64, len(a.cfg.Funds))
	strs := make(map[string]string, len(a.cfg.Funds)+1)
	var sum float64
	var latest time.Time
	var lastErr error

	for _, fund := range a.cfg.Funds {
		value, periodEnd, accession, err := a.fetchFund(ctx, fund)
		if err != nil {
			lastErr = err
			a.deps.Log.Warn().Err(err).
				Str("fund", fund.Name).
				Str("cik", fund.CIK).
				Msg("Skipping fund after filing lookup failure")
			continue
		}
		parts[fund.Name] = value
		sum += value
		if accession != "" {
			strs["accession_"+strings.ToLower(fund.Name)] = accession
		}
		if periodEnd.After(latest) {
			latest = periodEnd
		}
	}

	if len(parts) == 0 {
		return domain.RawReading{}, domain.SchemaErr("credit_fund",
			fmt.Sprintf("no usable filings across %d funds", len(a.cfg.Funds)), lastErr)
	}

	strs["funds"] = strings.Join(sortedKeys(parts), ",")

	observed := latest.UTC()
	if latest.IsZero() {
		observed = a.deps.Clock().UTC()
	}

	return domain.RawReading{
		Kind:       domain.ReadingComposite,
		Scalar:     sum,
		Parts:      parts,
		Strings:    strs,
		ObservedAt: observed,
		Source:     "sec_edgar",
	}, nil
}

// fetchFund resolves one fund's latest asset mark. The filing-feed lookup
// only supplies provenance; its failure is tolerated because the concept
// document is authoritative for the value.
func (a *Adapter) fetchFund(ctx context.Context, fund Fund) (float64, time.Time, string, error) {
	concept, err := edgar.FetchConcept(ctx, a.deps.HTTP, a.cfg.EdgarURL, fund.CIK, a.cfg.Taxonomy, a.cfg.Concept)
	if err != nil {
		return 0, time.Time{}, "", err
	}
	fact, err := concept.LatestFact("10-K", "10-Q")
	if err != nil {
		return 0, time.Time{}, "", err
	}
	periodEnd, err := fact.PeriodEnd()
	if err != nil {
		return 0, time.Time{}, "", err
	}

	accession := fact.Accn
	if entry, err := edgar.FetchLatestFiling(ctx, a.deps.HTTP, a.cfg.EdgarURL, fund.CIK, "10-"); err != nil {
		a.deps.Log.Debug().Err(err).Str("fund", fund.Name).Msg("Filing feed unavailable, keeping fact accession")
	} else if entry.Content.AccessionNumber != "" {
		accession = entry.Content.AccessionNumber
	}

	return fact.Val, periodEnd, accession, nil
}

// SecondarySources is empty: no second provider reports fund marks.
func (a *Adapter) SecondarySources(context.Context) []domain.SecondaryReading {
	return nil
}

// Fallback is not available. Filings have no cheaper mirror, so exhausted
// runs degrade straight to cached data.
func (a *Adapter) Fallback(context.Context) (domain.RawReading, bool, error) {
	return domain.RawReading{}, false, nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
