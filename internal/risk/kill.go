package risk

import (
	"fmt"

	"github.com/Rajchodisetti/ensemble-trader/internal/config"
)

// KillThresholds trip the kill switch when any one is breached.
type KillThresholds struct {
	MaxDrawdownPct float64 `json:"max_drawdown_pct"` // trips when drawdown <= this, e.g. -0.05
	MaxVaR         float64 `json:"max_var"`          // trips when VaR > this
	MinPnLPct      float64 `json:"min_pnl_pct"`      // trips when pnl < this
}

func KillThresholdsFrom(k config.Kill) KillThresholds {
	return KillThresholds{MaxDrawdownPct: k.MaxDrawdownPct, MaxVaR: k.MaxVaR, MinPnLPct: k.MinPnLPct}
}

// Breaches lists every threshold m violates.
func (k KillThresholds) Breaches(m Metrics) []string {
	var out []string
	if m.MaxDrawdownPct <= k.MaxDrawdownPct {
		out = append(out, fmt.Sprintf("max_drawdown %.4f <= %.4f", m.MaxDrawdownPct, k.MaxDrawdownPct))
	}
	if m.VaR > k.MaxVaR {
		out = append(out, fmt.Sprintf("var %.4f > %.4f", m.VaR, k.MaxVaR))
	}
	if m.PnLPct < k.MinPnLPct {
		out = append(out, fmt.Sprintf("pnl %.4f < %.4f", m.PnLPct, k.MinPnLPct))
	}
	return out
}

// Check reports whether trading must pause.
func (k KillThresholds) Check(m Metrics) bool {
	return len(k.Breaches(m)) > 0
}

// KillCheck is Check over bare numbers.
func KillCheck(pnlPct, maxDrawdownPct, varEstimate float64, k KillThresholds) bool {
	return k.Check(Metrics{PnLPct: pnlPct, MaxDrawdownPct: maxDrawdownPct, VaR: varEstimate})
}
