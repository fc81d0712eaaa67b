package strategy

import (
	"github.com/Rajchodisetti/ensemble-trader/internal/feed"
	"github.com/Rajchodisetti/ensemble-trader/internal/quant"
)

// Crossover signals when the fast moving average crosses the slow one
// between the previous and the current bar.
type Crossover struct{}

func (Crossover) Name() string { return "crossover" }

func (Crossover) Defaults() Params {
	return Params{"fast": 5, "slow": 20}
}

func (c Crossover) Evaluate(history []feed.Bar, p Params) Verdict {
	p = c.Defaults().Merge(p)
	fast, errFast := p.Int("fast")
	slow, errSlow := p.Int("slow")
	if errFast != nil || errSlow != nil || fast >= slow {
		return hold(c.Name(), 0.5, ReasonInvalidParams)
	}
	if len(history) < slow+1 {
		return hold(c.Name(), 0.5, ReasonInsufficientHistory)
	}

	closes := feed.Closes(history)
	prev := closes[:len(closes)-1]
	fastPrev, slowPrev := quant.SMA(prev, fast), quant.SMA(prev, slow)
	fastNow, slowNow := quant.SMA(closes, fast), quant.SMA(closes, slow)
	meta := map[string]float64{
		"fast_prev": fastPrev, "slow_prev": slowPrev,
		"fast_now": fastNow, "slow_now": slowNow,
	}

	switch {
	case fastPrev <= slowPrev && fastNow > slowNow:
		return Verdict{Strategy: c.Name(), Signal: Buy, Confidence: 0.8, Metadata: meta}
	case fastPrev >= slowPrev && fastNow < slowNow:
		return Verdict{Strategy: c.Name(), Signal: Sell, Confidence: 0.8, Metadata: meta}
	default:
		return Verdict{Strategy: c.Name(), Signal: Hold, Confidence: 0.55, Metadata: meta}
	}
}
