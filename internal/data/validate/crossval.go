package validate

import (
	"fmt"
	"math"
	"sort"

	"github.com/sawpanic/boombust/internal/domain"
)

// Cross-validation tolerances. Currency and count units compare relative
// to the consensus; percent and ratio units (decimal fractions) compare
// within an absolute band of five basis points.
const (
	RelativeTolerance = 0.10
	AbsoluteBpsTol    = 0.0005
)

// AgreementFloor is the confidence cap applied by the runner when fewer
// than half the sources agree with the consensus.
const AgreementFloor = 0.5

// CrossReport is the consensus verdict across the primary and any
// corroborating sources.
type CrossReport struct {
	ConsensusValue      float64  `json:"consensus_value"`
	AgreementConfidence float64  `json:"agreement_confidence"`
	Disagreeing         []string `json:"disagreeing,omitempty"`
	Warnings            []string `json:"warnings,omitempty"`
}

// CrossValidate computes the median across the primary value and all
// secondary readings and marks every source deviating beyond the unit's
// tolerance as disagreeing. The primary value is never overwritten; low
// agreement only caps the run's confidence and records a warning. With
// zero secondaries the primary stands alone with full agreement.
func CrossValidate(primary float64, secondaries []domain.SecondaryReading, unit domain.Unit) CrossReport {
	if len(secondaries) == 0 {
		return CrossReport{ConsensusValue: primary, AgreementConfidence: 1.0}
	}

	values := make([]float64, 0, len(secondaries)+1)
	values = append(values, primary)
	for _, s := range secondaries {
		values = append(values, s.Value)
	}
	consensus := median(values)

	report := CrossReport{ConsensusValue: consensus}
	agreeing := 0
	total := len(values)

	if withinTolerance(primary, consensus, unit) {
		agreeing++
	} else {
		report.Disagreeing = append(report.Disagreeing, "primary")
	}
	for _, s := range secondaries {
		if withinTolerance(s.Value, consensus, unit) {
			agreeing++
		} else {
			report.Disagreeing = append(report.Disagreeing, s.Source)
		}
	}

	report.AgreementConfidence = float64(agreeing) / float64(total)
	if report.AgreementConfidence < AgreementFloor {
		report.Warnings = append(report.Warnings, fmt.Sprintf(
			"cross-validation agreement %.2f below %.2f: %d of %d sources within tolerance of consensus %g",
			report.AgreementConfidence, AgreementFloor, agreeing, total, consensus))
	}
	return report
}

// withinTolerance applies the unit-specific deviation rule.
func withinTolerance(value, consensus float64, unit domain.Unit) bool {
	switch unit {
	case domain.UnitPercent, domain.UnitRatio:
		return math.Abs(value-consensus) <= AbsoluteBpsTol
	default:
		if consensus == 0 {
			return value == 0
		}
		return math.Abs(value-consensus) <= RelativeTolerance*math.Abs(consensus)
	}
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
