package validate

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sawpanic/boombust/internal/domain"
)

// Report is the validator's verdict for one reading. It lives only for the
// duration of a runner invocation.
type Report struct {
	Valid        bool     `json:"valid"`
	Confidence   float64  `json:"confidence"`
	AnomalyScore float64  `json:"anomaly_score"`
	Errors       []string `json:"errors,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
	Checksum     string   `json:"checksum"`
}

// QualityConfig declares the soft-warning penalties. Each penalty is
// clamped to [0, 0.2]; confidence never drops below zero.
type QualityConfig struct {
	ZeroValuePenalty      float64 `yaml:"zero_value_penalty"`
	NullHeavyPenalty      float64 `yaml:"null_heavy_penalty"`
	NullHeavyFraction     float64 `yaml:"null_heavy_fraction"`
	DuplicatePartsPenalty float64 `yaml:"duplicate_parts_penalty"`
	AnomalyWarnThreshold  float64 `yaml:"anomaly_warn_threshold"`
}

// DefaultQualityConfig returns the pipeline defaults.
func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		ZeroValuePenalty:      0.05,
		NullHeavyPenalty:      0.10,
		NullHeavyFraction:     0.5,
		DuplicatePartsPenalty: 0.05,
		AnomalyWarnThreshold:  0.8,
	}
}

// Validator runs the five-stage quality pipeline. Stages 1–2 are hard
// gates; stages 3–4 only adjust confidence; stage 5 stamps the checksum.
type Validator struct {
	quality QualityConfig
	window  int
	log     zerolog.Logger
}

// NewValidator builds a Validator with the given quality knobs.
func NewValidator(quality QualityConfig, historyWindow int, log zerolog.Logger) *Validator {
	if historyWindow <= 0 {
		historyWindow = DefaultHistoryWindow
	}
	if quality.AnomalyWarnThreshold <= 0 {
		quality.AnomalyWarnThreshold = 0.8
	}
	return &Validator{
		quality: quality,
		window:  historyWindow,
		log:     log.With().Str("component", "validator").Logger(),
	}
}

// Validate checks reading against schema and its metric history. metadata
// is the map that will be persisted alongside the value; the checksum is
// computed over exactly that pair so replaying it verifies the stored
// point.
func (v *Validator) Validate(reading *domain.RawReading, schema Schema, history []float64, metadata map[string]string) *Report {
	report := &Report{Valid: true, Confidence: 1.0}

	// Stage 1: schema. Hard failure rejects the reading outright.
	if errs := checkSchema(reading, schema); len(errs) > 0 {
		report.Valid = false
		report.Errors = errs
		report.Confidence = 0
		return report
	}

	// Stage 2: sanity.
	if errs := checkSanity(reading, schema); len(errs) > 0 {
		report.Valid = false
		report.Errors = errs
		report.Confidence = 0
		return report
	}

	// Stage 3: quality warnings, each with a bounded confidence penalty.
	v.applyQuality(reading, report)

	// Stage 4: anomaly score against metric history. Never rejects.
	report.AnomalyScore = anomalyScore(reading.Scalar, history, v.window)
	if report.AnomalyScore > v.quality.AnomalyWarnThreshold {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("anomalous value: score %.2f exceeds %.2f", report.AnomalyScore, v.quality.AnomalyWarnThreshold))
		report.Confidence *= 1 - report.AnomalyScore
	}

	if report.Confidence < 0 {
		report.Confidence = 0
	}

	// Stage 5: checksum over the canonical value+metadata envelope.
	sum, err := domain.ComputeChecksum(reading.Scalar, metadata)
	if err != nil {
		report.Valid = false
		report.Errors = append(report.Errors, fmt.Sprintf("checksum: %v", err))
		return report
	}
	report.Checksum = sum

	return report
}

func (v *Validator) applyQuality(reading *domain.RawReading, report *Report) {
	if reading.Scalar == 0 {
		v.penalize(report, v.quality.ZeroValuePenalty, "suspicious zero value")
	}
	if reading.Kind != domain.ReadingComposite || len(reading.Parts) == 0 {
		return
	}

	zeros := 0
	counts := make(map[float64]int, len(reading.Parts))
	for _, val := range reading.Parts {
		if val == 0 {
			zeros++
		}
		counts[val]++
	}

	fraction := v.quality.NullHeavyFraction
	if fraction <= 0 {
		fraction = 0.5
	}
	if float64(zeros)/float64(len(reading.Parts)) > fraction {
		v.penalize(report, v.quality.NullHeavyPenalty,
			fmt.Sprintf("null-heavy composite: %d of %d parts are zero", zeros, len(reading.Parts)))
	}

	if len(reading.Parts) >= 3 {
		for val, n := range counts {
			if val != 0 && n > len(reading.Parts)/2 {
				v.penalize(report, v.quality.DuplicatePartsPenalty,
					fmt.Sprintf("duplicate-looking parts: %d parts share value %g", n, val))
				break
			}
		}
	}
}

// penalize applies one quality penalty, clamped to [0, 0.2], flooring
// confidence at zero.
func (v *Validator) penalize(report *Report, penalty float64, warning string) {
	if penalty < 0 {
		penalty = 0
	}
	if penalty > 0.2 {
		penalty = 0.2
	}
	report.Warnings = append(report.Warnings, warning)
	report.Confidence -= penalty
	if report.Confidence < 0 {
		report.Confidence = 0
	}
}
