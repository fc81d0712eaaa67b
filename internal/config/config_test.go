package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trader.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	c, err := Load(writeConfig(t, "symbols: [AAPL]\n"))
	require.NoError(t, err)

	assert.Equal(t, "TRADING", c.Mode)
	assert.Equal(t, 10000.0, c.Portfolio.InitialCash)
	assert.Equal(t, 30, c.Risk.Window)
	assert.Equal(t, 0.05, c.Risk.MinWeight)
	assert.Equal(t, 0.35, c.Risk.MaxWeight)
	assert.Equal(t, "GOLD", c.Risk.DefensiveAsset)
	assert.Equal(t, []string{"NVDA", "SPY"}, c.Risk.StressProxies)
	assert.Equal(t, 150*time.Millisecond, c.LatencyCeiling())
	assert.Equal(t, -0.05, c.Kill.MaxDrawdownPct)
	assert.True(t, *c.Loop.AutoTrade)
	assert.Equal(t, []string{"AAPL"}, c.Symbols)
	assert.Equal(t, filepath.Join("data", "portfolio.json"), c.PortfolioPath())
}

func TestLoadOverrides(t *testing.T) {
	c, err := Load(writeConfig(t, `
mode: PAUSED
loop:
  auto_trade: false
ensemble:
  majority_threshold: 3
  strategies:
    momentum:
      window: 4
risk:
  max_weight: 0.4
`))
	require.NoError(t, err)

	assert.Equal(t, "PAUSED", c.Mode)
	assert.False(t, *c.Loop.AutoTrade)
	assert.Equal(t, 3, c.Ensemble.MajorityThreshold)
	assert.Equal(t, 4.0, c.Ensemble.Strategies["momentum"]["window"])
	assert.Equal(t, 0.4, c.Risk.MaxWeight)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Root)
	}{
		{"bad mode", func(c *Root) { c.Mode = "HALTED" }},
		{"symbol outside universe", func(c *Root) { c.Symbols = []string{"TSLA"} }},
		{"defensive outside universe", func(c *Root) { c.Risk.DefensiveAsset = "BTC" }},
		{"caps too tight", func(c *Root) { c.Risk.MaxWeight = 0.1 }},
		{"floor too high", func(c *Root) { c.Risk.MinWeight = 0.2 }},
		{"min above max", func(c *Root) { c.Risk.MinWeight = 0.5; c.Risk.MaxWeight = 0.4 }},
		{"fault probability", func(c *Root) { c.Canary.FaultProbability = 1.5 }},
		{"http without url", func(c *Root) { c.Feed.Provider = "http" }},
		{"duplicate universe", func(c *Root) { c.Universe = append(c.Universe, "AAPL") }},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestRuntimeRoundTripAndVersioning(t *testing.T) {
	c := Default()
	c.Ensemble.Strategies["momentum"] = map[string]float64{"window": 5}
	rt := InitialRuntime(c)
	assert.Equal(t, int64(0), rt.Version)
	assert.True(t, rt.AutoTrade)

	next := rt.Next(time.Now(), "promote")
	next.StrategyParams["momentum"]["window"] = 7
	assert.Equal(t, 5.0, rt.StrategyParams["momentum"]["window"], "Next must not alias the previous snapshot")
	assert.Equal(t, int64(1), next.Version)

	path := filepath.Join(t.TempDir(), "runtime.json")
	require.NoError(t, SaveRuntime(path, next))

	loaded, err := LoadRuntime(path, rt)
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version)
	assert.Equal(t, 7.0, loaded.StrategyParams["momentum"]["window"])

	missing, err := LoadRuntime(filepath.Join(t.TempDir(), "none.json"), rt)
	require.NoError(t, err)
	assert.Equal(t, rt.Version, missing.Version)
}

func TestSampleConfigLoads(t *testing.T) {
	c, err := Load("../../configs/trader.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT", "NVDA", "SPY"}, c.Symbols)
	assert.Equal(t, int64(42), c.Feed.Seed)
	assert.Equal(t, 20.0, c.Ensemble.Strategies["crossover"]["slow"])
	assert.Equal(t, 5*time.Second, c.Interval())
}
