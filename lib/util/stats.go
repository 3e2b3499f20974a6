package util

import (
	"math"
	"sort"
	"time"
)

// Stats summarises a set of samples
type Stats struct {
	Count        int     `json:"count"`
	StdDeviation float64 `json:"std_deviation"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	P50          float64 `json:"p50"`
	P99          float64 `json:"p99"`
}

// NewStats computes count, mean, standard deviation, extremes and the 50th
// and 99th percentile of values. values is sorted in place.
func NewStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	sort.Float64s(values)

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	// population standard deviation
	var sumSquaredDiffs float64
	for _, v := range values {
		diff := v - mean
		sumSquaredDiffs += diff * diff
	}

	return Stats{
		Count:        len(values),
		StdDeviation: math.Sqrt(sumSquaredDiffs / float64(len(values))),
		Min:          values[0],
		Max:          values[len(values)-1],
		Mean:         mean,
		P50:          percentile(values, 0.50),
		P99:          percentile(values, 0.99),
	}
}

// NewLatencyStats is NewStats for durations, the result is in nanoseconds
func NewLatencyStats(samples []time.Duration) Stats {
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = float64(s)
	}
	return NewStats(values)
}

// percentile uses nearest-rank on sorted input
func percentile(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}
