package optimizer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/ensemble-trader/internal/feed"
	"github.com/Rajchodisetti/ensemble-trader/internal/strategy"
)

func rampBars() []feed.Bar {
	start := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	return feed.BarsFromCloses(start, 24*time.Hour, []float64{100, 100, 100, 100, 101, 102, 103})
}

func TestExpandOrder(t *testing.T) {
	combos, err := Expand(Grid{"slow": {10, 20}, "fast": {3, 5}})
	require.NoError(t, err)
	require.Len(t, combos, 4)
	assert.Equal(t, strategy.Params{"fast": 3, "slow": 10}, combos[0])
	assert.Equal(t, strategy.Params{"fast": 3, "slow": 20}, combos[1])
	assert.Equal(t, strategy.Params{"fast": 5, "slow": 10}, combos[2])
	assert.Equal(t, strategy.Params{"fast": 5, "slow": 20}, combos[3])

	combos, err = Expand(Grid{})
	require.NoError(t, err)
	assert.Len(t, combos, 1)

	_, err = Expand(Grid{"window": {}})
	assert.ErrorIs(t, err, ErrEmptyValues)
}

func TestSearchMomentumWindow(t *testing.T) {
	grid := Grid{"window": {2, 3, 4, 5}}
	rep, err := Search(context.Background(), strategy.Momentum{}, grid, rampBars(), DefaultConfig())
	require.NoError(t, err)

	require.True(t, rep.Found)
	assert.Equal(t, "momentum", rep.Strategy)
	assert.Equal(t, 2.0, rep.BestConfig["window"], "ties keep the first configuration")
	assert.InDelta(t, 10.2468, rep.BestScore, 1e-3)

	require.Len(t, rep.Results, 4)
	assert.InDelta(t, rep.Results[0].Sharpe, rep.Results[1].Sharpe, 1e-12)
	assert.InDelta(t, 6.4807, rep.Results[3].Sharpe, 1e-3)
	assert.Equal(t, 1, rep.Results[0].Trades)
	assert.InDelta(t, 198, rep.Results[0].PnL, 1e-9)
	assert.Equal(t, 7, rep.Results[0].Points)

	again, err := Search(context.Background(), strategy.Momentum{}, grid, rampBars(), Config{InitialCash: 10000, PeriodsPerYear: 252, Workers: 1})
	require.NoError(t, err)
	assert.Equal(t, rep, again)
}

func TestSearchFlatSeriesScoresZero(t *testing.T) {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	bars := feed.BarsFromCloses(start, time.Hour, []float64{50, 50, 50, 50, 50})
	rep, err := Search(context.Background(), strategy.Momentum{}, Grid{"window": {2}}, bars, DefaultConfig())
	require.NoError(t, err)
	assert.True(t, rep.Found)
	assert.Equal(t, 0.0, rep.BestScore)
	assert.Equal(t, 0, rep.Results[0].Trades)
}

func TestSearchExcludesShortHistory(t *testing.T) {
	bars := rampBars()[:1]
	rep, err := Search(context.Background(), strategy.Momentum{}, Grid{"window": {2}}, bars, DefaultConfig())
	require.NoError(t, err)
	assert.False(t, rep.Found)
	assert.True(t, rep.Results[0].Excluded)
	assert.Nil(t, rep.BestConfig)
}

func TestSearchErrors(t *testing.T) {
	_, err := Search(context.Background(), nil, Grid{"window": {2}}, rampBars(), DefaultConfig())
	assert.ErrorIs(t, err, ErrNoStrategy)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Search(ctx, strategy.Momentum{}, Grid{"window": {2, 3}}, rampBars(), DefaultConfig())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSharpe(t *testing.T) {
	assert.Equal(t, 0.0, Sharpe([]float64{100, 100, 100}, 252))
	assert.Equal(t, 0.0, Sharpe([]float64{100}, 252))
	assert.Greater(t, Sharpe([]float64{100, 101, 103, 104}, 252), 0.0)
	assert.Less(t, Sharpe([]float64{100, 99, 97, 96}, 252), 0.0)
}

func TestParseGrid(t *testing.T) {
	g, err := ParseGrid("window=2, 3,4; threshold=0.001")
	require.NoError(t, err)
	assert.Equal(t, Grid{"window": {2, 3, 4}, "threshold": {0.001}}, g)

	_, err = ParseGrid("window=")
	assert.ErrorIs(t, err, ErrEmptyValues)
	_, err = ParseGrid("window=a")
	assert.Error(t, err)
	_, err = ParseGrid("=1,2")
	assert.Error(t, err)

	g, err = ParseGrid("")
	require.NoError(t, err)
	assert.Empty(t, g)
}
