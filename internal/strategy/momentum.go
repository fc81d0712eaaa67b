package strategy

import (
	"math"

	"github.com/Rajchodisetti/ensemble-trader/internal/feed"
)

// Momentum compares the last close with the close `window` bars earlier.
type Momentum struct{}

func (Momentum) Name() string { return "momentum" }

func (Momentum) Defaults() Params {
	return Params{"window": 10, "threshold": 0.002}
}

func (m Momentum) Evaluate(history []feed.Bar, p Params) Verdict {
	p = m.Defaults().Merge(p)
	window, err := p.Int("window")
	if err != nil || p["threshold"] < 0 {
		return hold(m.Name(), 0.5, ReasonInvalidParams)
	}
	if len(history) < window+1 {
		return hold(m.Name(), 0.5, ReasonInsufficientHistory)
	}

	last := history[len(history)-1].Close
	base := history[len(history)-1-window].Close
	if base <= 0 {
		return hold(m.Name(), 0.5, ReasonInsufficientHistory)
	}
	ret := last/base - 1
	meta := map[string]float64{"return": ret, "window": float64(window)}
	confidence := math.Min(0.5+math.Abs(ret)*40, 0.95)

	switch {
	case ret > p["threshold"]:
		return Verdict{Strategy: m.Name(), Signal: Buy, Confidence: confidence, Metadata: meta}
	case ret < -p["threshold"]:
		return Verdict{Strategy: m.Name(), Signal: Sell, Confidence: confidence, Metadata: meta}
	default:
		return Verdict{Strategy: m.Name(), Signal: Hold, Confidence: 0.55, Metadata: meta}
	}
}
