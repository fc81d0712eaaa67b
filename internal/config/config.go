package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Loop struct {
	IntervalMs     int     `yaml:"interval_ms"`
	PushFallbackMs int     `yaml:"push_fallback_ms"`
	BarsLimit      int     `yaml:"bars_limit"`
	DefaultWeight  float64 `yaml:"default_weight"` // used before the first risk policy exists
	AutoTrade      *bool   `yaml:"auto_trade"`
	CommandBuffer  int     `yaml:"command_buffer"`
	ComponentMs    int     `yaml:"component_timeout_ms"`
}

type Feed struct {
	Provider        string  `yaml:"provider"` // sim | http
	BaseURL         string  `yaml:"base_url"`
	APIKey          string  `yaml:"api_key"`
	TimeoutMs       int     `yaml:"timeout_ms"`
	RequestsPerMin  int     `yaml:"requests_per_minute"`
	MaxStaleSeconds int     `yaml:"max_stale_seconds"`
	Seed            int64   `yaml:"seed"`
	SimVolatility   float64 `yaml:"sim_volatility"`
}

type Ensemble struct {
	MajorityThreshold int                           `yaml:"majority_threshold"` // 0 means floor(n/2)+1
	Strategies        map[string]map[string]float64 `yaml:"strategies"`
}

type Portfolio struct {
	InitialCash float64 `yaml:"initial_cash"`
}

type Risk struct {
	Window          int      `yaml:"window"`
	MinWeight       float64  `yaml:"min_weight"`
	MaxWeight       float64  `yaml:"max_weight"`
	TargetGross     float64  `yaml:"target_gross"`
	FallbackVol     float64  `yaml:"fallback_volatility"`
	StressProxies   []string `yaml:"stress_proxies"`
	DefensiveAsset  string   `yaml:"defensive_asset"`
	NonDonors       []string `yaml:"non_donors"`
	HedgeMultiplier float64  `yaml:"hedge_multiplier"`
	HedgeMin        float64  `yaml:"hedge_min"`
	HedgeMax        float64  `yaml:"hedge_max"`
	DonorFraction   float64  `yaml:"donor_fraction"`
}

type Kill struct {
	MaxDrawdownPct float64 `yaml:"max_drawdown_pct"` // trips at or below, e.g. -0.05
	MaxVaR         float64 `yaml:"max_var"`
	MinPnLPct      float64 `yaml:"min_pnl_pct"`
	VaRAlpha       float64 `yaml:"var_alpha"`
	CurveSamples   int     `yaml:"curve_samples"`
}

type Canary struct {
	LatencyCeilingMs int     `yaml:"latency_ceiling_ms"`
	WindowCycles     int     `yaml:"window_cycles"`
	ChaosEnabled     bool    `yaml:"chaos_enabled"`
	FaultProbability float64 `yaml:"fault_probability"`
	MaxShockPct      float64 `yaml:"max_shock_pct"`
	Seed             int64   `yaml:"seed"`
}

type Optimizer struct {
	InitialCash    float64 `yaml:"initial_cash"`
	PeriodsPerYear float64 `yaml:"periods_per_year"`
}

type State struct {
	Dir           string `yaml:"dir"`
	PortfolioFile string `yaml:"portfolio_file"`
	PolicyFile    string `yaml:"policy_file"`
	RuntimeFile   string `yaml:"runtime_file"`
	RecentLimit   int    `yaml:"recent_limit"`
}

type Alerts struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	TimeoutMs  int    `yaml:"timeout_ms"`
	QueueSize  int    `yaml:"queue_size"`
	MaxRetries int    `yaml:"max_retries"`
	DedupeSecs int    `yaml:"dedupe_seconds"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

type Root struct {
	Mode      string    `yaml:"mode"` // initial mode when no runtime file exists
	Universe  []string  `yaml:"universe"`
	Symbols   []string  `yaml:"symbols"` // traded subset of the universe
	Loop      Loop      `yaml:"loop"`
	Feed      Feed      `yaml:"feed"`
	Ensemble  Ensemble  `yaml:"ensemble"`
	Portfolio Portfolio `yaml:"portfolio"`
	Risk      Risk      `yaml:"risk"`
	Kill      Kill      `yaml:"kill"`
	Canary    Canary    `yaml:"canary"`
	Optimizer Optimizer `yaml:"optimizer"`
	State     State     `yaml:"state"`
	Alerts    Alerts    `yaml:"alerts"`
	Server    Server    `yaml:"server"`
	Log       Log       `yaml:"log"`
}

// Load reads a YAML file, fills defaults and validates the result.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Default returns a complete configuration without reading any file.
func Default() Root {
	var c Root
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero values.
func (c *Root) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = "TRADING"
	}
	if len(c.Universe) == 0 {
		c.Universe = []string{"AAPL", "MSFT", "GOOGL", "AMZN", "NVDA", "SPY", "GOLD", "SILVER"}
	}
	if len(c.Symbols) == 0 {
		c.Symbols = []string{"AAPL", "MSFT", "NVDA", "SPY"}
	}

	if c.Loop.IntervalMs == 0 {
		c.Loop.IntervalMs = 5000
	}
	if c.Loop.PushFallbackMs == 0 {
		c.Loop.PushFallbackMs = 15000
	}
	if c.Loop.BarsLimit == 0 {
		c.Loop.BarsLimit = 120
	}
	if c.Loop.DefaultWeight == 0 {
		c.Loop.DefaultWeight = 0.1
	}
	if c.Loop.AutoTrade == nil {
		on := true
		c.Loop.AutoTrade = &on
	}
	if c.Loop.CommandBuffer == 0 {
		c.Loop.CommandBuffer = 16
	}
	if c.Loop.ComponentMs == 0 {
		c.Loop.ComponentMs = 2000
	}

	if c.Feed.Provider == "" {
		c.Feed.Provider = "sim"
	}
	if c.Feed.TimeoutMs == 0 {
		c.Feed.TimeoutMs = 3000
	}
	if c.Feed.RequestsPerMin == 0 {
		c.Feed.RequestsPerMin = 300
	}
	if c.Feed.MaxStaleSeconds == 0 {
		c.Feed.MaxStaleSeconds = 300
	}
	if c.Feed.SimVolatility == 0 {
		c.Feed.SimVolatility = 0.01
	}

	if c.Ensemble.Strategies == nil {
		c.Ensemble.Strategies = map[string]map[string]float64{}
	}

	if c.Portfolio.InitialCash == 0 {
		c.Portfolio.InitialCash = 10000
	}

	if c.Risk.Window == 0 {
		c.Risk.Window = 30
	}
	if c.Risk.MinWeight == 0 {
		c.Risk.MinWeight = 0.05
	}
	if c.Risk.MaxWeight == 0 {
		c.Risk.MaxWeight = 0.35
	}
	if c.Risk.TargetGross == 0 {
		c.Risk.TargetGross = 1.0
	}
	if c.Risk.FallbackVol == 0 {
		c.Risk.FallbackVol = 0.02
	}
	if len(c.Risk.StressProxies) == 0 {
		c.Risk.StressProxies = []string{"NVDA", "SPY"}
	}
	if c.Risk.DefensiveAsset == "" {
		c.Risk.DefensiveAsset = "GOLD"
	}
	if c.Risk.NonDonors == nil {
		c.Risk.NonDonors = []string{"GOLD", "SILVER"}
	}
	if c.Risk.HedgeMultiplier == 0 {
		c.Risk.HedgeMultiplier = 2
	}
	if c.Risk.HedgeMin == 0 {
		c.Risk.HedgeMin = 0.05
	}
	if c.Risk.HedgeMax == 0 {
		c.Risk.HedgeMax = 0.15
	}
	if c.Risk.DonorFraction == 0 {
		c.Risk.DonorFraction = 0.2
	}

	if c.Kill.MaxDrawdownPct == 0 {
		c.Kill.MaxDrawdownPct = -0.05
	}
	if c.Kill.MaxVaR == 0 {
		c.Kill.MaxVaR = 0.03
	}
	if c.Kill.MinPnLPct == 0 {
		c.Kill.MinPnLPct = -0.02
	}
	if c.Kill.VaRAlpha == 0 {
		c.Kill.VaRAlpha = 0.05
	}
	if c.Kill.CurveSamples == 0 {
		c.Kill.CurveSamples = 2000
	}

	if c.Canary.LatencyCeilingMs == 0 {
		c.Canary.LatencyCeilingMs = 150
	}
	if c.Canary.WindowCycles == 0 {
		c.Canary.WindowCycles = 10
	}
	if c.Canary.FaultProbability == 0 {
		c.Canary.FaultProbability = 0.1
	}
	if c.Canary.MaxShockPct == 0 {
		c.Canary.MaxShockPct = 0.08
	}

	if c.Optimizer.InitialCash == 0 {
		c.Optimizer.InitialCash = 10000
	}
	if c.Optimizer.PeriodsPerYear == 0 {
		c.Optimizer.PeriodsPerYear = 252
	}

	if c.State.Dir == "" {
		c.State.Dir = "data"
	}
	if c.State.PortfolioFile == "" {
		c.State.PortfolioFile = "portfolio.json"
	}
	if c.State.PolicyFile == "" {
		c.State.PolicyFile = "risk_policy.json"
	}
	if c.State.RuntimeFile == "" {
		c.State.RuntimeFile = "runtime.json"
	}
	if c.State.RecentLimit == 0 {
		c.State.RecentLimit = 500
	}

	if c.Alerts.TimeoutMs == 0 {
		c.Alerts.TimeoutMs = 5000
	}
	if c.Alerts.QueueSize == 0 {
		c.Alerts.QueueSize = 100
	}
	if c.Alerts.MaxRetries == 0 {
		c.Alerts.MaxRetries = 3
	}
	if c.Alerts.DedupeSecs == 0 {
		c.Alerts.DedupeSecs = 60
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate rejects configurations the governor or loop cannot honor.
func (c Root) Validate() error {
	if c.Mode != "TRADING" && c.Mode != "PAUSED" {
		return fmt.Errorf("mode must be TRADING or PAUSED, got %q", c.Mode)
	}
	inUniverse := make(map[string]bool, len(c.Universe))
	for _, s := range c.Universe {
		if inUniverse[s] {
			return fmt.Errorf("duplicate universe symbol %s", s)
		}
		inUniverse[s] = true
	}
	for _, s := range c.Symbols {
		if !inUniverse[s] {
			return fmt.Errorf("traded symbol %s is not in the universe", s)
		}
	}
	if c.Risk.DefensiveAsset != "" && !inUniverse[c.Risk.DefensiveAsset] {
		return fmt.Errorf("defensive asset %s is not in the universe", c.Risk.DefensiveAsset)
	}

	r := c.Risk
	if r.MinWeight < 0 || r.MaxWeight <= 0 || r.MinWeight > r.MaxWeight {
		return fmt.Errorf("invalid weight caps [%.4f, %.4f]", r.MinWeight, r.MaxWeight)
	}
	n := float64(len(c.Universe))
	if n*r.MinWeight > r.TargetGross+1e-12 || n*r.MaxWeight < r.TargetGross-1e-12 {
		return fmt.Errorf("weight caps [%.4f, %.4f] cannot sum to %.4f across %d assets",
			r.MinWeight, r.MaxWeight, r.TargetGross, len(c.Universe))
	}
	if r.Window < 2 {
		return fmt.Errorf("risk window must be >= 2, got %d", r.Window)
	}
	if r.HedgeMin > r.HedgeMax {
		return fmt.Errorf("hedge_min %.4f exceeds hedge_max %.4f", r.HedgeMin, r.HedgeMax)
	}
	if r.DonorFraction < 0 || r.DonorFraction > 1 {
		return fmt.Errorf("donor_fraction must be within [0,1], got %.4f", r.DonorFraction)
	}

	if c.Canary.FaultProbability < 0 || c.Canary.FaultProbability > 1 {
		return fmt.Errorf("fault_probability must be within [0,1], got %.4f", c.Canary.FaultProbability)
	}
	if c.Kill.VaRAlpha <= 0 || c.Kill.VaRAlpha >= 1 {
		return fmt.Errorf("var_alpha must be within (0,1), got %.4f", c.Kill.VaRAlpha)
	}
	if c.Portfolio.InitialCash <= 0 {
		return fmt.Errorf("initial_cash must be positive")
	}
	if c.Feed.Provider == "http" && c.Feed.BaseURL == "" {
		return fmt.Errorf("feed.base_url is required for the http provider")
	}
	if c.Ensemble.MajorityThreshold < 0 {
		return fmt.Errorf("majority_threshold must be >= 0")
	}
	return nil
}

func (c Root) Interval() time.Duration { return time.Duration(c.Loop.IntervalMs) * time.Millisecond }

func (c Root) PushFallback() time.Duration {
	return time.Duration(c.Loop.PushFallbackMs) * time.Millisecond
}

func (c Root) ComponentTimeout() time.Duration {
	return time.Duration(c.Loop.ComponentMs) * time.Millisecond
}

func (c Root) FeedTimeout() time.Duration { return time.Duration(c.Feed.TimeoutMs) * time.Millisecond }

func (c Root) MaxStale() time.Duration {
	return time.Duration(c.Feed.MaxStaleSeconds) * time.Second
}

func (c Root) LatencyCeiling() time.Duration {
	return time.Duration(c.Canary.LatencyCeilingMs) * time.Millisecond
}

func (c Root) PortfolioPath() string { return filepath.Join(c.State.Dir, c.State.PortfolioFile) }
func (c Root) PolicyPath() string    { return filepath.Join(c.State.Dir, c.State.PolicyFile) }
func (c Root) RuntimePath() string   { return filepath.Join(c.State.Dir, c.State.RuntimeFile) }
