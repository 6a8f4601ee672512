package analyzer

import (
	"math"
	"sort"

	"github.com/fidde/radar/pkg/models"
	"github.com/guregu/null/v5"
)

// nearestRank returns the p-th percentile of an ascending sample using
// nearest-rank indexing. An empty sample yields 0.
func nearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}

	// p*n first keeps integral ranks exact (0.95*20 is not)
	idx := int(math.Ceil(p*float64(n)/100)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

// ComputePercentiles returns p50/p95/p99 of the sample. The input is not
// modified.
func ComputePercentiles(sample []float64) models.Percentiles {
	if len(sample) == 0 {
		return models.Percentiles{}
	}

	sorted := make([]float64, len(sample))
	copy(sorted, sample)
	sort.Float64s(sorted)

	return models.Percentiles{
		P50: nearestRank(sorted, 50),
		P95: nearestRank(sorted, 95),
		P99: nearestRank(sorted, 99),
	}
}

// finite reports whether a nullable number holds a usable value.
func finite(f null.Float) (float64, bool) {
	if !f.Valid || math.IsNaN(f.Float64) || math.IsInf(f.Float64, 0) {
		return 0, false
	}
	return f.Float64, true
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// ratio returns part/total as a percentage, 0 when total is 0.
func ratio(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}
