package feed

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

type simAsset struct {
	base       float64
	volatility float64 // per-bar stdev of returns
	volume     float64
}

var simAssets = map[string]simAsset{
	"AAPL":   {base: 206.80, volatility: 1.0, volume: 15_000_000},
	"MSFT":   {base: 415.75, volatility: 0.9, volume: 12_000_000},
	"GOOGL":  {base: 172.50, volatility: 1.1, volume: 8_000_000},
	"AMZN":   {base: 185.20, volatility: 1.2, volume: 9_000_000},
	"NVDA":   {base: 450.00, volatility: 1.6, volume: 10_000_000},
	"SPY":    {base: 545.10, volatility: 0.6, volume: 60_000_000},
	"GOLD":   {base: 2330.0, volatility: 0.5, volume: 200_000},
	"SILVER": {base: 29.40, volatility: 0.9, volume: 150_000},
}

// SimProvider produces a seeded random walk. Every call advances each
// requested symbol by one bar, so a polling loop sees a live-looking series.
type SimProvider struct {
	mu         sync.Mutex
	random     *rand.Rand
	volatility float64
	step       time.Duration
	start      time.Time
	warmup     int
	series     map[string][]Bar
}

// NewSimProvider creates a sim provider. volatility scales each asset's
// relative volatility; step is the spacing between bar timestamps.
func NewSimProvider(seed int64, volatility float64, step time.Duration) *SimProvider {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if volatility <= 0 {
		volatility = 0.01
	}
	if step <= 0 {
		step = time.Minute
	}
	return &SimProvider{
		random:     rand.New(rand.NewSource(seed)),
		volatility: volatility,
		step:       step,
		start:      time.Now().UTC().Truncate(step),
		warmup:     60,
		series:     make(map[string][]Bar),
	}
}

func (s *SimProvider) Name() string { return "sim" }

func (s *SimProvider) GetBars(ctx context.Context, symbol string, limit int) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewTimeoutError(symbol, err)
	}
	symbol = NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, NewBadSymbolError(symbol, "empty symbol")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bars, ok := s.series[symbol]
	if !ok {
		n := s.warmup
		if limit > n {
			n = limit
		}
		asset := s.asset(symbol)
		bars = make([]Bar, 0, n+1)
		prev := asset.base
		for i := 0; i < n; i++ {
			b := s.nextBar(asset, prev, s.start.Add(time.Duration(i-n)*s.step))
			bars = append(bars, b)
			prev = b.Close
		}
	}
	asset := s.asset(symbol)
	last := bars[len(bars)-1]
	bars = append(bars, s.nextBar(asset, last.Close, last.Timestamp.Add(s.step)))

	keep := limit
	if keep <= 0 {
		keep = s.warmup
	}
	// Retain a bounded tail so long runs don't grow without limit.
	if tail := 4 * keep; len(bars) > tail {
		bars = append([]Bar(nil), bars[len(bars)-tail:]...)
	}
	s.series[symbol] = bars

	if len(bars) > keep {
		bars = bars[len(bars)-keep:]
	}
	out := make([]Bar, len(bars))
	copy(out, bars)
	return out, nil
}

func (s *SimProvider) asset(symbol string) simAsset {
	if a, ok := simAssets[symbol]; ok {
		return a
	}
	// Unknown symbols get a stable base price derived from the ticker.
	base := 50.0
	for _, r := range symbol {
		base += float64(r % 17)
	}
	return simAsset{base: base, volatility: 1.0, volume: 1_000_000}
}

func (s *SimProvider) nextBar(a simAsset, prev float64, ts time.Time) Bar {
	sigma := s.volatility * a.volatility
	ret := s.random.NormFloat64() * sigma
	px := math.Max(prev*(1+ret), 0.01)
	wick := math.Abs(s.random.NormFloat64()) * sigma / 2
	high := math.Max(prev, px) * (1 + wick)
	low := math.Min(prev, px) * (1 - wick)
	return Bar{
		Timestamp: ts,
		Open:      prev,
		High:      high,
		Low:       math.Max(low, 0.005),
		Close:     px,
		Volume:    math.Round(a.volume * (0.5 + s.random.Float64())),
	}
}
