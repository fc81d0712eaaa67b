// Package quant holds the small set of return statistics shared by the
// strategies, the risk governor and the optimizer.
package quant

import (
	"math"

	"github.com/montanaflynn/stats"
)

// Returns computes simple returns p[i]/p[i-1]-1. Non-positive prices are skipped.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 {
			continue
		}
		out = append(out, prices[i]/prices[i-1]-1)
	}
	return out
}

// Mean returns 0 for empty input.
func Mean(xs []float64) float64 {
	m, err := stats.Mean(xs)
	if err != nil {
		return 0
	}
	return m
}

// PStdev is the population standard deviation; 0 for empty input.
func PStdev(xs []float64) float64 {
	sd, err := stats.StandardDeviationPopulation(xs)
	if err != nil || math.IsNaN(sd) {
		return 0
	}
	return sd
}

// Stdev is the sample standard deviation; 0 with fewer than two values.
func Stdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	sd, err := stats.StandardDeviationSample(xs)
	if err != nil || math.IsNaN(sd) {
		return 0
	}
	return sd
}

// SMA averages the last n values.
func SMA(xs []float64, n int) float64 {
	if n <= 0 || len(xs) < n {
		return 0
	}
	return Mean(xs[len(xs)-n:])
}

// Percentile returns the p-th percentile (0 < p <= 100). Small samples where
// the rank falls below the first element return the minimum.
func Percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	v, err := stats.Percentile(xs, p)
	if err == nil && !math.IsNaN(v) {
		return v
	}
	lo, err := stats.Min(xs)
	if err != nil {
		return 0
	}
	return lo
}

// Tail returns the last n elements, or all of xs if shorter.
func Tail(xs []float64, n int) []float64 {
	if n <= 0 || len(xs) <= n {
		return xs
	}
	return xs[len(xs)-n:]
}
