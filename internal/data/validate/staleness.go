package validate

import (
	"fmt"
	"time"

	"github.com/sawpanic/boombust/internal/domain"
)

// StaleCadenceFactor marks a metric stale once its latest point is older
// than this multiple of the adapter's nominal cadence.
const StaleCadenceFactor = 2.0

// StalenessResult is the operator-facing freshness verdict for one metric,
// surfaced by the health endpoint.
type StalenessResult struct {
	Key      string        `json:"key"`
	Stale    bool          `json:"stale"`
	Degraded bool          `json:"degraded"`
	Age      time.Duration `json:"age"`
	Allowed  time.Duration `json:"allowed"`
	Message  string        `json:"message,omitempty"`
}

// CheckStaleness evaluates the latest persisted point for a metric against
// its cadence. A missing point is stale by definition; a degraded point is
// flagged so the dashboard can show a low-quality indicator.
func CheckStaleness(key string, latest *domain.MetricPoint, cadence time.Duration, now time.Time) StalenessResult {
	allowed := time.Duration(StaleCadenceFactor * float64(cadence))
	result := StalenessResult{Key: key, Allowed: allowed}

	if latest == nil {
		result.Stale = true
		result.Message = "no data persisted yet"
		return result
	}

	result.Age = now.Sub(latest.Timestamp)
	result.Degraded = latest.ValidationStatus == domain.StatusDegraded
	if result.Age > allowed {
		result.Stale = true
		result.Message = fmt.Sprintf("latest point is %s old, allowed %s", result.Age.Round(time.Second), allowed)
	} else if result.Degraded {
		result.Message = "latest point is degraded"
	}
	return result
}
