package risk

import (
	"github.com/Rajchodisetti/ensemble-trader/internal/feed"
	"github.com/Rajchodisetti/ensemble-trader/internal/quant"
)

// minVol keeps inverse-volatility weights finite for flat series.
const minVol = 1e-6

// Volatility is the population stdev of simple returns over the last window
// closes. ok is false when fewer than two returns are available.
func Volatility(closes []float64, window int) (vol float64, ok bool) {
	rets := quant.Returns(quant.Tail(closes, window))
	if len(rets) < 2 {
		return 0, false
	}
	return quant.PStdev(rets), true
}

// VolatilityOf is Volatility over bar closes with a fallback for short history.
func VolatilityOf(bars []feed.Bar, window int, fallback float64) (float64, bool) {
	v, ok := Volatility(feed.Closes(bars), window)
	if !ok {
		return fallback, false
	}
	return v, true
}
