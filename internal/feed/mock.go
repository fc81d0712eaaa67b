package feed

import (
	"context"
	"sync"
	"time"
)

// MockProvider serves fixed series and injectable failures for tests.
type MockProvider struct {
	mu     sync.Mutex
	series map[string][]Bar
	errs   map[string]error
	delay  time.Duration
	calls  map[string]int
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		series: make(map[string][]Bar),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (m *MockProvider) Name() string { return "mock" }

// SetBars replaces the series for a symbol.
func (m *MockProvider) SetBars(symbol string, bars []Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series[NormalizeSymbol(symbol)] = append([]Bar(nil), bars...)
}

// SetCloses builds a series from close prices, one minute apart.
func (m *MockProvider) SetCloses(symbol string, closes ...float64) {
	m.SetBars(symbol, BarsFromCloses(time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC), time.Minute, closes))
}

// AppendClose adds one bar after the existing series.
func (m *MockProvider) AppendClose(symbol string, px float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	symbol = NormalizeSymbol(symbol)
	bars := m.series[symbol]
	ts := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	prev := px
	if len(bars) > 0 {
		ts = bars[len(bars)-1].Timestamp.Add(time.Minute)
		prev = bars[len(bars)-1].Close
	}
	m.series[symbol] = append(bars, barFrom(ts, prev, px))
}

// SetError makes calls for symbol fail with err until cleared with nil.
func (m *MockProvider) SetError(symbol string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, NormalizeSymbol(symbol))
		return
	}
	m.errs[NormalizeSymbol(symbol)] = err
}

// SetDelay adds latency to every call.
func (m *MockProvider) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Calls reports how often a symbol was requested.
func (m *MockProvider) Calls(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[NormalizeSymbol(symbol)]
}

func (m *MockProvider) GetBars(ctx context.Context, symbol string, limit int) ([]Bar, error) {
	symbol = NormalizeSymbol(symbol)

	m.mu.Lock()
	m.calls[symbol]++
	delay := m.delay
	err := m.errs[symbol]
	bars, ok := m.series[symbol]
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, NewTimeoutError(symbol, ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NewBadSymbolError(symbol, "no series configured")
	}
	if len(bars) == 0 {
		return nil, NewEmptyError(symbol)
	}
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	out := make([]Bar, len(bars))
	copy(out, bars)
	return out, nil
}

// BarsFromCloses builds flat-wick bars whose open is the previous close.
func BarsFromCloses(start time.Time, step time.Duration, closes []float64) []Bar {
	bars := make([]Bar, len(closes))
	prev := 0.0
	for i, c := range closes {
		if i == 0 {
			prev = c
		}
		bars[i] = barFrom(start.Add(time.Duration(i)*step), prev, c)
		prev = c
	}
	return bars
}

func barFrom(ts time.Time, open, px float64) Bar {
	high, low := open, px
	if px > open {
		high, low = px, open
	}
	return Bar{Timestamp: ts, Open: open, High: high, Low: low, Close: px, Volume: 1000}
}
