package aggregate

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Mean returns the arithmetic mean, or zero for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := stat.Mean(values, nil)
	if math.IsNaN(m) || math.IsInf(m, 0) {
		return 0
	}
	return m
}

// Median returns the median, or zero for an empty slice. The input is not modified.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// TopN returns the names of the n items with the highest score. Equal scores keep input order.
func TopN[T any](items []T, n int, score func(T) float64, name func(T) string) []string {
	idx := make([]int, len(items))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return score(items[idx[a]]) > score(items[idx[b]])
	})
	if n < len(idx) {
		idx = idx[:n]
	}
	names := make([]string, 0, len(idx))
	for _, i := range idx {
		names = append(names, name(items[i]))
	}
	return names
}
