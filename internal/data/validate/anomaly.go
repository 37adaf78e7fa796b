package validate

import "math"

// DefaultHistoryWindow is how many trailing points the anomaly stage
// compares a new value against.
const DefaultHistoryWindow = 30

// anomalyScore computes the normalized statistical distance of value from
// its recent history: clamp(|z|/6, 0, 1) over the z-score against the last
// window values. Edge policy: empty history scores 0; fewer than 5 points
// uses the sample standard deviation when at least 2 points exist and
// otherwise skips the check entirely.
func anomalyScore(value float64, history []float64, window int) float64 {
	if len(history) == 0 {
		return 0
	}
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	if len(history) > window {
		history = history[len(history)-window:]
	}
	if len(history) < 2 {
		return 0
	}

	mean := 0.0
	for _, v := range history {
		mean += v
	}
	mean /= float64(len(history))

	variance := 0.0
	for _, v := range history {
		d := v - mean
		variance += d * d
	}
	// Sample standard deviation; with <5 points this is all we have.
	variance /= float64(len(history) - 1)
	std := math.Sqrt(variance)

	if std == 0 {
		if value == mean {
			return 0
		}
		// Flat history with a deviating value is maximally surprising.
		return 1
	}

	z := math.Abs(value-mean) / std
	score := z / 6
	if score > 1 {
		return 1
	}
	if score < 0 {
		return 0
	}
	return score
}
