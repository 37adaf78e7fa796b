// Package bankprovision tracks credit-loss provisioning across the large
// US banks, read from each bank's XBRL filings. Rising provisions against
// non-bank financial exposure historically lead a credit turn by two to
// three quarters.
package bankprovision

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

const metricName = "loan_loss_provisions"

// Bank identifies one tracked filer.
type Bank struct {
	Name string `yaml:"name" validate:"required"`
	CIK  string `yaml:"cik" validate:"required,numeric"`
}

// Config selects the EDGAR endpoint, the XBRL concept, and the basket.
type Config struct {
	EdgarURL string `yaml:"edgar_url" validate:"required,url"`
	Taxonomy string `yaml:"taxonomy"`
	Concept  string `yaml:"concept"`
	Banks    []Bank `yaml:"banks" validate:"required,min=1,dive"`
}

// DefaultConfig returns the production basket of money-center banks.
func DefaultConfig() Config {
	return Config{
		EdgarURL: "https://data.sec.gov",
		Taxonomy: "us-gaap",
		Concept:  "ProvisionForLoanLeaseAndOtherLosses",
		Banks: []Bank{
			{Name: "JPM", CIK: "19617"},
			{Name: "BAC", CIK: "70858"},
			{Name: "C", CIK: "831001"},
			{Name: "WFC", CIK: "72971"},
			{Name: "GS", CIK: "886982"},
			{Name: "MS", CIK: "895421"},
		},
	}
}

// Adapter implements sources.Adapter for the bank_provision indicator.
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
		cfg.Concept = "ProvisionForLoanLeaseAndOtherLosses"
	}
	return &Adapter{cfg: cfg, deps: deps}
}

func (a *Adapter) Identity() (domain.DataSource, string, domain.Unit) {
	return domain.SourceBankProvision, metricName, domain.UnitCurrency
}

// Schema allows negative parts: a reserve release books as a negative
// provision.
func (a *Adapter) Schema() validate.Schema {
	return validate.Schema{
		Kind:            domain.ReadingComposite,
		Value:           &validate.Bounds{Min: validate.Float(-1e11), Max: validate.Float(1e12)},
		PartBounds:      &validate.Bounds{Min: validate.Float(-5e10), Max: validate.Float(5e11)},
		MinParts:        1,
		MaxParts:        len(a.cfg.Banks),
		RequiredStrings: []string{"banks"},
	}
}

func (a *Adapter) PreferredTTL() time.Duration { return 7 * 24 * time.Hour }
func (a *Adapter) Cadence() time.Duration      { return 90 * 24 * time.Hour }

// Fetch reads the latest quarterly provision for each bank and sums the
// basket. Individual bank failures are skipped with a warning; the run
// fails only when every bank fails.
func (a *Adapter) Fetch(ctx context.Context) (domain.RawReading, error) {
	parts := make(map[string]float64, len(a.cfg.Banks))
	strs := make(map[string]string, len(a.cfg.Banks)+1)
	var sum float64
	var latest time.Time
	var lastErr error

	for _, bank := range a.cfg.Banks {
		concept, err := edgar.FetchConcept(ctx, a.deps.HTTP, a.cfg.EdgarURL, bank.CIK, a.cfg.Taxonomy, a.cfg.Concept)
		if err != nil {
			lastErr = err
			a.deps.Log.Warn().Err(err).Str("bank", bank.Name).Str("cik", bank.CIK).
				Msg("Skipping bank after concept lookup failure")
			continue
		}
		fact, err := concept.LatestFact("10-Q", "10-K")
		if err != nil {
			lastErr = err
			a.deps.Log.Warn().Err(err).Str("bank", bank.Name).
				Msg("Skipping bank with no usable provision fact")
			continue
		}
		periodEnd, err := fact.PeriodEnd()
		if err != nil {
			lastErr = err
			a.deps.Log.Warn().Err(err).Str("bank", bank.Name).
				Msg("Skipping bank with unparseable fact period")
			continue
		}

		parts[bank.Name] = fact.Val
		sum += fact.Val
		strs["accession_"+strings.ToLower(bank.Name)] = fact.Accn
		if periodEnd.After(latest) {
			latest = periodEnd
		}
	}

	if len(parts) == 0 {
		return domain.RawReading{}, domain.SchemaErr("bank_provision",
			fmt.Sprintf("no usable filings across %d banks", len(a.cfg.Banks)), lastErr)
	}

	strs["banks"] = strings.Join(sortedKeys(parts), ",")

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

// SecondarySources is empty: regulatory filings are the only source.
func (a *Adapter) SecondarySources(context.Context) []domain.SecondaryReading {
	return nil
}

// Fallback is not available for filing data.
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
