package validate

import (
	"math"
	"sort"
)

// LatencyStat summarizes one population of latency samples.
type LatencyStat struct {
	Count  int     `json:"count"`   // Number of samples behind the stat.
	Mean   float64 `json:"mean"`    // Arithmetic mean; overall average.
	Median float64 `json:"median"`  // Median; robust to outliers.
	Min    float64 `json:"min"`     // Best case observed.
	Max    float64 `json:"max"`     // Worst case observed; tail spikes.
	P90    float64 `json:"p90"`     // 90th percentile.
	P95    float64 `json:"p95"`     // 95th percentile; the incident contract is stated against this.
	P99    float64 `json:"p99"`     // 99th percentile; rare extremes.
	StdDev float64 `json:"std_dev"` // Spread over the window.
}

// ComputeStats summarizes values. Percentiles use nearest rank on the
// sorted samples, sorted[ceil(p*n)-1], matching the downstream SQL checks.
func ComputeStats(values []float64) LatencyStat {
	if len(values) == 0 {
		return LatencyStat{}
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := float64(len(sorted))

	mid := len(sorted) / 2
	var median float64
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		median = sorted[mid]
	}

	var sum, sumSq float64
	for _, v := range sorted {
		sum += v
		sumSq += v * v
	}
	mean := sum / n
	variance := (sumSq / n) - mean*mean
	// Clamp tiny negatives from float cancellation.
	if variance < 0 {
		variance = 0
	}

	return LatencyStat{
		Count:  len(sorted),
		Mean:   mean,
		Median: median,
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		P90:    nearestRank(sorted, 0.90),
		P95:    nearestRank(sorted, 0.95),
		P99:    nearestRank(sorted, 0.99),
		StdDev: math.Sqrt(variance),
	}
}

func nearestRank(sorted []float64, p float64) float64 {
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// Ratio guards divide-by-zero when comparing two stats populations: a zero
// baseline yields 0 so threshold checks fail loudly instead of seeing +Inf.
func Ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
