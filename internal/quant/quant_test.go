package quant

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReturns(t *testing.T) {
	assert.Nil(t, Returns([]float64{100}))
	got := Returns([]float64{100, 110, 99})
	assert.InDeltaSlice(t, []float64{0.1, -0.1}, got, 1e-12)
}

func TestDeviations(t *testing.T) {
	xs := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	assert.InDelta(t, 5.0, Mean(xs), 1e-12)
	assert.InDelta(t, 2.0, PStdev(xs), 1e-12)
	assert.InDelta(t, math.Sqrt(32.0/7.0), Stdev(xs), 1e-12)

	assert.Equal(t, 0.0, Mean(nil))
	assert.Equal(t, 0.0, PStdev(nil))
	assert.Equal(t, 0.0, Stdev([]float64{1}))
}

func TestSMAAndTail(t *testing.T) {
	xs := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 4.5, SMA(xs, 2), 1e-12)
	assert.Equal(t, 0.0, SMA(xs, 6))
	assert.Equal(t, []float64{4, 5}, Tail(xs, 2))
	assert.Equal(t, xs, Tail(xs, 10))
}

func TestPercentileSmallSampleFallsBackToMin(t *testing.T) {
	xs := []float64{0.01, -0.03, 0.02, -0.01, 0.0}
	assert.Equal(t, -0.03, Percentile(xs, 5))
	assert.Equal(t, 0.0, Percentile(nil, 5))
}
