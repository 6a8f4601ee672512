package analyzer

import (
	"reflect"
	"testing"
)

func TestComputePercentiles(t *testing.T) {
	seq := func(n int) []float64 {
		out := make([]float64, n)
		for i := range out {
			// descending so the function has to sort
			out[i] = float64(n - i)
		}
		return out
	}

	tests := []struct {
		name   string
		sample []float64
		want   [3]float64
	}{
		{"empty", nil, [3]float64{0, 0, 0}},
		{"single", []float64{42}, [3]float64{42, 42, 42}},
		{"two values", []float64{150, 50}, [3]float64{50, 150, 150}},
		{"twenty values", seq(20), [3]float64{10, 19, 20}},
		{"hundred values", seq(100), [3]float64{50, 95, 99}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputePercentiles(tt.sample)
			if got.P50 != tt.want[0] || got.P95 != tt.want[1] || got.P99 != tt.want[2] {
				t.Errorf("ComputePercentiles() = %+v, want p50=%v p95=%v p99=%v",
					got, tt.want[0], tt.want[1], tt.want[2])
			}
			if got.P50 > got.P95 || got.P95 > got.P99 {
				t.Errorf("percentiles not monotonic: %+v", got)
			}
		})
	}
}

func TestComputePercentilesDoesNotMutateInput(t *testing.T) {
	sample := []float64{3, 1, 2}
	ComputePercentiles(sample)
	if !reflect.DeepEqual(sample, []float64{3, 1, 2}) {
		t.Errorf("input was modified: %v", sample)
	}
}

func TestNearestRankClamps(t *testing.T) {
	sorted := []float64{1, 2, 3}
	if got := nearestRank(sorted, 0); got != 1 {
		t.Errorf("nearestRank(0) = %v, want 1", got)
	}
	if got := nearestRank(sorted, 150); got != 3 {
		t.Errorf("nearestRank(150) = %v, want 3", got)
	}
}
