package canary

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/Rajchodisetti/ensemble-trader/internal/config"
	"github.com/Rajchodisetti/ensemble-trader/internal/risk"
)

// ChaosConfig controls synthetic fault injection.
type ChaosConfig struct {
	Enabled          bool
	Seed             int64
	FaultProbability float64
	MaxShockPct      float64
}

func ChaosConfigFrom(c config.Canary) ChaosConfig {
	return ChaosConfig{
		Enabled:          c.ChaosEnabled,
		Seed:             c.Seed,
		FaultProbability: c.FaultProbability,
		MaxShockPct:      c.MaxShockPct,
	}
}

// Validate ensures the config is within supported ranges.
func (c ChaosConfig) Validate() error {
	if c.FaultProbability < 0 || c.FaultProbability > 1 {
		return fmt.Errorf("fault probability must be between 0 and 1")
	}
	if c.MaxShockPct < 0 || c.MaxShockPct >= 1 {
		return fmt.Errorf("max shock must be within [0, 1)")
	}
	return nil
}

// Fault describes one injected shock.
type Fault struct {
	ShockPct float64      `json:"shock_pct"`
	Before   risk.Metrics `json:"before"`
	After    risk.Metrics `json:"after"`
}

// Chaos injects equity shocks into risk metrics so drills can prove the kill
// switch reacts. It never touches the portfolio itself.
type Chaos struct {
	cfg ChaosConfig

	mu     sync.Mutex
	rng    *rand.Rand
	faults int
}

// NewChaos creates a chaos injector with validation.
func NewChaos(cfg ChaosConfig) (*Chaos, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Chaos{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}, nil
}

func (c *Chaos) Enabled() bool { return c != nil && c.cfg.Enabled }

// MaybeFault draws once and reports whether a fault fires this cycle.
func (c *Chaos) MaybeFault() bool {
	if !c.Enabled() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Float64() < c.cfg.FaultProbability
}

// Perturb applies an equity shock of random size in (0, MaxShockPct] to m,
// lowering pnl and deepening drawdown by the same fraction.
func (c *Chaos) Perturb(m risk.Metrics) (risk.Metrics, Fault) {
	c.mu.Lock()
	shock := c.cfg.MaxShockPct * (1 - c.rng.Float64())
	c.faults++
	c.mu.Unlock()

	out := m
	out.Equity = m.Equity * (1 - shock)
	out.PnLPct = (1+m.PnLPct)*(1-shock) - 1
	out.MaxDrawdownPct = math.Min(m.MaxDrawdownPct, (1+m.MaxDrawdownPct)*(1-shock)-1)
	return out, Fault{ShockPct: shock, Before: m, After: out}
}

// Faults counts shocks applied so far.
func (c *Chaos) Faults() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.faults
}
