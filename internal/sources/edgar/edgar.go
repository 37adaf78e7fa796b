// Package edgar holds the SEC EDGAR wire formats shared by the filing-based
// adapters: XBRL companyconcept JSON and the browse-edgar Atom feed.
package edgar

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sawpanic/boombust/internal/domain"
	"github.com/sawpanic/boombust/internal/infrastructure/httpclient"
)

// Fact is one reported value for a concept. Duration concepts carry Start;
// instant concepts leave it empty.
type Fact struct {
	Start string  `json:"start,omitempty"`
	End   string  `json:"end"`
	Val   float64 `json:"val"`
	Accn  string  `json:"accn"`
	FY    int     `json:"fy"`
	FP    string  `json:"fp"`
	Form  string  `json:"form"`
	Filed string  `json:"filed"`
}

// Concept is the companyconcept API response, trimmed to what we read.
type Concept struct {
	CIK        int               `json:"cik"`
	Taxonomy   string            `json:"taxonomy"`
	Tag        string            `json:"tag"`
	EntityName string            `json:"entityName"`
	Units      map[string][]Fact `json:"units"`
}

// ParseConcept decodes a companyconcept payload.
func ParseConcept(body []byte) (*Concept, error) {
	var c Concept
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, domain.ParseErr("edgar", "failed to decode companyconcept payload", err)
	}
	if len(c.Units) == 0 {
		return nil, domain.SchemaErr("edgar", fmt.Sprintf("concept %s has no reported units", c.Tag), nil)
	}
	return &c, nil
}

// LatestFact returns the newest USD fact filed on one of the given forms.
// Ties on period end are broken by filing date, so an amended figure wins.
func (c *Concept) LatestFact(forms ...string) (*Fact, error) {
	facts := c.Units["USD"]
	if len(facts) == 0 {
		return nil, domain.SchemaErr("edgar", fmt.Sprintf("concept %s has no USD facts", c.Tag), nil)
	}

	allowed := make(map[string]bool, len(forms))
	for _, f := range forms {
		allowed[f] = true
	}

	var candidates []Fact
	for _, f := range facts {
		if len(allowed) > 0 && !allowed[f.Form] {
			continue
		}
		candidates = append(candidates, f)
	}
	if len(candidates) == 0 {
		return nil, domain.SchemaErr("edgar",
			fmt.Sprintf("concept %s has no facts on forms %s", c.Tag, strings.Join(forms, ",")), nil)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].End != candidates[j].End {
			return candidates[i].End < candidates[j].End
		}
		return candidates[i].Filed < candidates[j].Filed
	})
	latest := candidates[len(candidates)-1]
	return &latest, nil
}

// PeriodEnd parses the fact's end date.
func (f *Fact) PeriodEnd() (time.Time, error) {
	t, err := time.Parse("2006-01-02", f.End)
	if err != nil {
		return time.Time{}, domain.ParseErr("edgar", "failed to parse fact period end", err)
	}
	return t.UTC(), nil
}

// Feed is the browse-edgar Atom document, trimmed to filing discovery.
type Feed struct {
	XMLName xml.Name `xml:"feed"`
	Title   string   `xml:"title"`
	Entries []Entry  `xml:"entry"`
}

// Entry is one filing in the feed.
type Entry struct {
	Title   string  `xml:"title"`
	Updated string  `xml:"updated"`
	Content Content `xml:"content"`
}

// Content carries EDGAR's extension elements inside an entry.
type Content struct {
	AccessionNumber string `xml:"accession-number"`
	FilingDate      string `xml:"filing-date"`
	FilingType      string `xml:"filing-type"`
}

// ParseFeed decodes a browse-edgar Atom payload.
func ParseFeed(body []byte) (*Feed, error) {
	var f Feed
	if err := xml.Unmarshal(body, &f); err != nil {
		return nil, domain.ParseErr("edgar", "failed to decode filings feed", err)
	}
	return &f, nil
}

// LatestEntry returns the most recent filing in the feed.
func (f *Feed) LatestEntry() (*Entry, error) {
	if len(f.Entries) == 0 {
		return nil, domain.SchemaErr("edgar", "filings feed has no entries", nil)
	}
	latest := f.Entries[0]
	for _, e := range f.Entries[1:] {
		if e.Content.FilingDate > latest.Content.FilingDate {
			latest = e
		}
	}
	return &latest, nil
}

// PadCIK left-pads a CIK to the 10 digits the data API requires.
func PadCIK(cik string) string {
	cik = strings.TrimLeft(cik, "0")
	if len(cik) >= 10 {
		return cik
	}
	return strings.Repeat("0", 10-len(cik)) + cik
}

// ConceptURL builds the companyconcept endpoint for one CIK and tag.
func ConceptURL(base, cik, taxonomy, tag string) string {
	return fmt.Sprintf("%s/api/xbrl/companyconcept/CIK%s/%s/%s.json",
		strings.TrimRight(base, "/"), PadCIK(cik), taxonomy, tag)
}

// FeedURL builds the browse-edgar Atom endpoint for one CIK and form type.
func FeedURL(base, cik, formType string, count int) string {
	return fmt.Sprintf(
		"%s/cgi-bin/browse-edgar?action=getcompany&CIK=%s&type=%s&dateb=&owner=include&count=%d&output=atom",
		strings.TrimRight(base, "/"), PadCIK(cik), formType, count)
}

// FetchConcept downloads and parses one companyconcept document.
func FetchConcept(ctx context.Context, pool *httpclient.Pool, base, cik, taxonomy, tag string) (*Concept, error) {
	body, err := pool.Get(ctx, ConceptURL(base, cik, taxonomy, tag), map[string]string{
		"Accept": "application/json",
	})
	if err != nil {
		return nil, err
	}
	return ParseConcept(body)
}

// FetchLatestFiling downloads the filings feed and returns the newest entry.
func FetchLatestFiling(ctx context.Context, pool *httpclient.Pool, base, cik, formType string) (*Entry, error) {
	body, err := pool.Get(ctx, FeedURL(base, cik, formType, 10), map[string]string{
		"Accept": "application/atom+xml",
	})
	if err != nil {
		return nil, err
	}
	feed, err := ParseFeed(body)
	if err != nil {
		return nil, err
	}
	return feed.LatestEntry()
}
