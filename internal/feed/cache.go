package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Window is the bar history used for one cycle.
type Window struct {
	Symbol    string    `json:"symbol"`
	Bars      []Bar     `json:"bars"`
	FetchedAt time.Time `json:"fetched_at"`
	Stale     bool      `json:"stale"`
}

// CacheStats counts fetch outcomes.
type CacheStats struct {
	Fresh     int64 `json:"fresh"`
	Fallbacks int64 `json:"fallbacks"`
	Failures  int64 `json:"failures"`
}

// Cache wraps a Provider with a per-call timeout and a last-good-window
// fallback. A failed fetch returns the previous window marked stale while it
// is younger than maxAge; after that the failure surfaces as ErrDataUnavailable.
type Cache struct {
	provider Provider
	timeout  time.Duration
	maxAge   time.Duration
	logger   *zap.Logger
	now      func() time.Time

	// OnFailure, if set, is called for every provider error.
	OnFailure func(symbol string, err error)
	// OnFallback, if set, is called whenever a stale window is served.
	OnFallback func(symbol string)

	mu      sync.RWMutex
	windows map[string]Window
	stats   CacheStats
}

func NewCache(provider Provider, timeout, maxAge time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		provider: provider,
		timeout:  timeout,
		maxAge:   maxAge,
		logger:   logger,
		now:      time.Now,
		windows:  make(map[string]Window),
	}
}

// Provider returns the wrapped provider.
func (c *Cache) Provider() Provider { return c.provider }

// Fetch returns a fresh window or, on failure, the last good one.
func (c *Cache) Fetch(ctx context.Context, symbol string, limit int) (Window, error) {
	symbol = NormalizeSymbol(symbol)

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	bars, err := c.provider.GetBars(callCtx, symbol, limit)
	if err == nil {
		err = ValidateBars(bars)
		if err != nil {
			err = NewInvalidError(symbol, err)
		} else if len(bars) == 0 {
			err = NewEmptyError(symbol)
		}
	}
	if err == nil {
		w := Window{Symbol: symbol, Bars: bars, FetchedAt: c.now()}
		c.mu.Lock()
		c.windows[symbol] = w
		c.stats.Fresh++
		c.mu.Unlock()
		return w, nil
	}

	if !errors.Is(err, ErrDataUnavailable) {
		if callCtx.Err() != nil {
			err = NewTimeoutError(symbol, err)
		} else {
			err = NewProviderError(symbol, "provider failed", err)
		}
	}
	if c.OnFailure != nil {
		c.OnFailure(symbol, err)
	}

	c.mu.Lock()
	last, ok := c.windows[symbol]
	if ok && c.now().Sub(last.FetchedAt) <= c.maxAge {
		c.stats.Fallbacks++
		c.mu.Unlock()
		c.logger.Warn("serving last good window",
			zap.String("symbol", symbol),
			zap.String("provider", c.provider.Name()),
			zap.Time("fetched_at", last.FetchedAt),
			zap.Error(err))
		if c.OnFallback != nil {
			c.OnFallback(symbol)
		}
		last.Stale = true
		last.Bars = append([]Bar(nil), last.Bars...)
		return last, nil
	}
	c.stats.Failures++
	c.mu.Unlock()

	c.logger.Warn("price data unavailable",
		zap.String("symbol", symbol),
		zap.String("provider", c.provider.Name()),
		zap.Error(err))
	return Window{Symbol: symbol}, fmt.Errorf("fetch %s: %w", symbol, err)
}

// Stats returns a copy of the fetch counters.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}
