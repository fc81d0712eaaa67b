package strategy

import (
	"math"

	"github.com/Rajchodisetti/ensemble-trader/internal/feed"
	"github.com/Rajchodisetti/ensemble-trader/internal/quant"
)

// MeanReversion fades moves that stretch more than z_entry population
// standard deviations from the rolling mean.
type MeanReversion struct{}

func (MeanReversion) Name() string { return "mean_reversion" }

func (MeanReversion) Defaults() Params {
	return Params{"window": 20, "z_entry": 1.0}
}

func (s MeanReversion) Evaluate(history []feed.Bar, p Params) Verdict {
	p = s.Defaults().Merge(p)
	window, err := p.Int("window")
	entry := p["z_entry"]
	if err != nil || window < 2 || entry <= 0 {
		return hold(s.Name(), 0.5, ReasonInvalidParams)
	}
	if len(history) < window {
		return hold(s.Name(), 0.5, ReasonInsufficientHistory)
	}

	closes := quant.Tail(feed.Closes(history), window)
	mean := quant.Mean(closes)
	sd := quant.PStdev(closes)
	if sd == 0 {
		return hold(s.Name(), 0.5, ReasonFlat)
	}
	z := (closes[len(closes)-1] - mean) / sd
	meta := map[string]float64{"z": z, "mean": mean, "stdev": sd}
	confidence := math.Min(0.6+math.Abs(z)/3, 0.95)

	switch {
	case z > entry:
		return Verdict{Strategy: s.Name(), Signal: Sell, Confidence: confidence, Metadata: meta}
	case z < -entry:
		return Verdict{Strategy: s.Name(), Signal: Buy, Confidence: confidence, Metadata: meta}
	default:
		return Verdict{Strategy: s.Name(), Signal: Hold, Confidence: 0.5, Metadata: meta}
	}
}
