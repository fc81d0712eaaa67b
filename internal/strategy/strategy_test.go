package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/ensemble-trader/internal/feed"
)

func bars(closes ...float64) []feed.Bar {
	return feed.BarsFromCloses(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), time.Minute, closes)
}

func series(n int, f func(i int) float64) []feed.Bar {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = f(i)
	}
	return bars(closes...)
}

func TestMomentum(t *testing.T) {
	m := Momentum{}
	tests := []struct {
		name    string
		history []feed.Bar
		params  Params
		want    Signal
		reason  string
	}{
		{"rising", bars(100, 100, 101, 102), Params{"window": 2}, Buy, ""},
		{"falling", bars(103, 102, 101, 100), Params{"window": 2}, Sell, ""},
		{"inside threshold", bars(100, 100, 100, 100.1), Params{"window": 2}, Hold, ""},
		{"not enough bars", bars(100, 101), Params{"window": 2}, Hold, ReasonInsufficientHistory},
		{"default window needs 11 bars", bars(100, 101, 102), nil, Hold, ReasonInsufficientHistory},
		{"fractional window", bars(100, 101, 102), Params{"window": 1.5}, Hold, ReasonInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := m.Evaluate(tt.history, tt.params)
			assert.Equal(t, "momentum", v.Strategy)
			assert.Equal(t, tt.want, v.Signal)
			assert.Equal(t, tt.reason, v.Reason)
			assert.GreaterOrEqual(t, v.Confidence, 0.0)
			assert.LessOrEqual(t, v.Confidence, 1.0)
		})
	}

	v := m.Evaluate(bars(100, 100, 150), Params{"window": 2})
	assert.Equal(t, 0.95, v.Confidence, "confidence is capped")
}

func TestCrossover(t *testing.T) {
	c := Crossover{}
	p := Params{"fast": 2, "slow": 4}

	// fast SMA moves from below to above the slow SMA on the last bar.
	up := c.Evaluate(bars(10, 10, 10, 9, 12), p)
	assert.Equal(t, Buy, up.Signal)
	assert.Equal(t, 0.8, up.Confidence)

	down := c.Evaluate(bars(10, 10, 10, 11, 8), p)
	assert.Equal(t, Sell, down.Signal)

	flat := c.Evaluate(bars(10, 10, 10, 10, 10), p)
	assert.Equal(t, Hold, flat.Signal)
	assert.Equal(t, 0.55, flat.Confidence)

	short := c.Evaluate(bars(10, 10, 10, 10), p)
	assert.Equal(t, ReasonInsufficientHistory, short.Reason)
	assert.Equal(t, 0.5, short.Confidence)

	bad := c.Evaluate(bars(10, 10, 10, 10, 10), Params{"fast": 4, "slow": 2})
	assert.Equal(t, ReasonInvalidParams, bad.Reason)
}

func TestMeanReversion(t *testing.T) {
	s := MeanReversion{}
	p := Params{"window": 5, "z_entry": 1.0}

	spike := s.Evaluate(bars(10, 10, 10, 10, 20), p)
	assert.Equal(t, Sell, spike.Signal)
	assert.Greater(t, spike.Metadata["z"], 1.0)

	dip := s.Evaluate(bars(10, 10, 10, 10, 1), p)
	assert.Equal(t, Buy, dip.Signal)

	flat := s.Evaluate(bars(10, 10, 10, 10, 10), p)
	assert.Equal(t, Hold, flat.Signal)
	assert.Equal(t, ReasonFlat, flat.Reason)

	short := s.Evaluate(bars(10, 11), p)
	assert.Equal(t, ReasonInsufficientHistory, short.Reason)
}

func TestStrategiesArePure(t *testing.T) {
	history := series(60, func(i int) float64 { return 100 + float64(i%7) - float64(i%3) })
	for _, s := range DefaultRegistry().All() {
		first := s.Evaluate(history, nil)
		second := s.Evaluate(history, nil)
		assert.Equal(t, first, second, s.Name())
	}
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"momentum", "crossover", "mean_reversion"}, r.Names())
	assert.Equal(t, 3, r.Len())

	s, ok := r.Get("crossover")
	require.True(t, ok)
	assert.Equal(t, "crossover", s.Name())

	_, ok = r.Get("rsi")
	assert.False(t, ok)
	assert.Error(t, r.Register(Momentum{}))
}

func TestParams(t *testing.T) {
	base := Params{"window": 10, "threshold": 0.002}
	merged := base.Merge(Params{"window": 3})
	assert.Equal(t, 3.0, merged["window"])
	assert.Equal(t, 10.0, base["window"], "merge must not mutate the receiver")
	assert.Equal(t, "threshold=0.002,window=3", merged.String())

	_, err := Params{"window": -1}.Int("window")
	assert.Error(t, err)
	_, err = Params{}.Int("window")
	assert.Error(t, err)
}
