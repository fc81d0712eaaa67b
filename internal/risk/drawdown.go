package risk

import (
	"math"
	"sync"

	"github.com/Rajchodisetti/ensemble-trader/internal/quant"
)

// Metrics summarizes the equity curve for the kill check.
type Metrics struct {
	Equity         float64 `json:"equity"`
	PnLPct         float64 `json:"pnl_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"` // <= 0
	VaR            float64 `json:"var"`              // positive number is a loss
	Samples        int     `json:"samples"`
}

// EquityTracker follows portfolio equity across cycles. The running peak and
// worst drawdown cover the whole run; VaR uses the retained tail of the curve.
type EquityTracker struct {
	mu         sync.RWMutex
	initial    float64
	alpha      float64
	maxSamples int
	curve      []float64
	peak       float64
	maxDD      float64
}

// NewEquityTracker starts a curve at initial equity. alpha is the VaR tail
// probability (0.05 for 95% VaR).
func NewEquityTracker(initial, alpha float64, maxSamples int) *EquityTracker {
	if maxSamples < 2 {
		maxSamples = 2
	}
	return &EquityTracker{
		initial:    initial,
		alpha:      alpha,
		maxSamples: maxSamples,
		curve:      []float64{initial},
		peak:       initial,
	}
}

// Observe appends an equity point.
func (t *EquityTracker) Observe(equity float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.curve = append(t.curve, equity)
	if len(t.curve) > t.maxSamples {
		t.curve = append([]float64(nil), t.curve[len(t.curve)-t.maxSamples:]...)
	}
	if equity > t.peak {
		t.peak = equity
	}
	if t.peak > 0 {
		t.maxDD = math.Min(t.maxDD, equity/t.peak-1)
	}
}

// Metrics computes pnl, drawdown and VaR for the current curve.
func (t *EquityTracker) Metrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	last := t.curve[len(t.curve)-1]
	m := Metrics{
		Equity:         last,
		MaxDrawdownPct: t.maxDD,
		VaR:            ValueAtRisk(quant.Returns(t.curve), t.alpha),
		Samples:        len(t.curve),
	}
	if t.initial > 0 {
		m.PnLPct = last/t.initial - 1
	}
	return m
}

// RecentPnL is the equity change over the last n observations.
func (t *EquityTracker) RecentPnL(n int) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.curve) < 2 {
		return 0
	}
	from := len(t.curve) - 1 - n
	if n <= 0 || from < 0 {
		from = 0
	}
	return t.curve[len(t.curve)-1] - t.curve[from]
}

// Rebase restarts the curve at equity. An operator resume calls it so the
// breaches that caused the pause do not trip the switch again immediately.
func (t *EquityTracker) Rebase(equity float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initial = equity
	t.peak = equity
	t.maxDD = 0
	t.curve = []float64{equity}
}

// Curve returns a copy of the retained curve.
func (t *EquityTracker) Curve() []float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]float64(nil), t.curve...)
}

// MaxDrawdown is the worst peak-to-trough decline of curve as a non-positive fraction.
func MaxDrawdown(curve []float64) float64 {
	peak, worst := math.Inf(-1), 0.0
	for _, v := range curve {
		peak = math.Max(peak, v)
		if peak > 0 {
			worst = math.Min(worst, v/peak-1)
		}
	}
	return worst
}

// ValueAtRisk is the historical VaR: the negated alpha-quantile of returns,
// floored at 0. Fewer than five returns yield 0.
func ValueAtRisk(returns []float64, alpha float64) float64 {
	if len(returns) < 5 {
		return 0
	}
	return math.Max(0, -quant.Percentile(returns, alpha*100))
}
