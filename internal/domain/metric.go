package domain

import (
	"fmt"
	"sort"
	"time"
)

// DataSource identifies one of the tracked boom/bust indicators.
type DataSource string

const (
	SourceBondIssuance  DataSource = "bond_issuance"
	SourceBDCDiscount   DataSource = "bdc_discount"
	SourceCreditFund    DataSource = "credit_fund"
	SourceBankProvision DataSource = "bank_provision"
)

// ParseDataSource converts a CLI/config string into a DataSource.
func ParseDataSource(s string) (DataSource, error) {
	switch DataSource(s) {
	case SourceBondIssuance, SourceBDCDiscount, SourceCreditFund, SourceBankProvision:
		return DataSource(s), nil
	}
	return "", fmt.Errorf("unknown data source %q", s)
}

// Unit describes how a metric value is denominated.
type Unit string

const (
	UnitCurrency Unit = "currency"
	UnitPercent  Unit = "percent"
	UnitRatio    Unit = "ratio"
	UnitCount    Unit = "count"
)

// ValidationStatus marks the quality tier of a persisted point.
type ValidationStatus string

const (
	StatusValid    ValidationStatus = "valid"
	StatusDegraded ValidationStatus = "degraded"
	StatusRejected ValidationStatus = "rejected"
)

// MetricKey is the partition key for metric history: "{dataSource}#{metricName}".
func MetricKey(source DataSource, metric string) string {
	return string(source) + "#" + metric
}

// MetricPoint is the atomic record produced by a successful run. Once
// written to the state store it is immutable; rejected points are never
// persisted.
type MetricPoint struct {
	DataSource       DataSource        `json:"data_source" db:"data_source"`
	MetricName       string            `json:"metric_name" db:"metric_name"`
	Value            float64           `json:"value" db:"value"`
	Unit             Unit              `json:"unit" db:"unit"`
	Timestamp        time.Time         `json:"timestamp" db:"ts"`
	Confidence       float64           `json:"confidence" db:"confidence"`
	Checksum         string            `json:"checksum" db:"checksum"`
	AnomalyScore     float64           `json:"anomaly_score" db:"anomaly_score"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	SourceFlags      []string          `json:"source_flags,omitempty"`
	ValidationStatus ValidationStatus  `json:"validation_status" db:"validation_status"`
}

// Key returns the point's partition key.
func (p *MetricPoint) Key() string {
	return MetricKey(p.DataSource, p.MetricName)
}

// AddSourceFlag records a contributing collaborator, keeping the set
// sorted and free of duplicates so serialization stays stable.
func (p *MetricPoint) AddSourceFlag(flag string) {
	for _, f := range p.SourceFlags {
		if f == flag {
			return
		}
	}
	p.SourceFlags = append(p.SourceFlags, flag)
	sort.Strings(p.SourceFlags)
}

// ReadingKind discriminates the two shapes a raw reading can take.
type ReadingKind string

const (
	ReadingScalar    ReadingKind = "scalar"
	ReadingComposite ReadingKind = "composite"
)

// RawReading is the envelope every adapter returns from Fetch/Fallback.
// Composite readings carry per-component values (e.g. per-ticker discounts)
// in Parts; Scalar always holds the reduced headline value the pipeline
// validates and persists.
type RawReading struct {
	Kind       ReadingKind        `json:"kind"`
	Scalar     float64            `json:"scalar"`
	Parts      map[string]float64 `json:"parts,omitempty"`
	Strings    map[string]string  `json:"strings,omitempty"`
	ObservedAt time.Time          `json:"observed_at"`
	Source     string             `json:"source"`
}

// SecondaryReading is a corroborating value from an alternate provider,
// used only for cross-validation.
type SecondaryReading struct {
	Source string  `json:"source"`
	Value  float64 `json:"value"`
}

// ScraperResult is the runner's output for one adapter invocation.
type ScraperResult struct {
	DataSource        DataSource    `json:"data_source"`
	MetricName        string        `json:"metric_name"`
	Success           bool          `json:"success"`
	Skipped           bool          `json:"skipped"`
	Point             *MetricPoint  `json:"point,omitempty"`
	Err               error         `json:"-"`
	ExecutionDuration time.Duration `json:"execution_duration"`
	RetryCount        int           `json:"retry_count"`
	UsedFallback      bool          `json:"used_fallback"`
}
