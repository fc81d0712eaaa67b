package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// HTTPConfig configures HTTPProvider.
type HTTPConfig struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	RequestsPerMin int
	MaxRetries     int
	BackoffBase    time.Duration
}

// HTTPProvider fetches bars from a JSON endpoint:
//
//	GET {base}/bars?symbol=AAPL&limit=120  ->  {"bars":[{"t":...,"o":..,"h":..,"l":..,"c":..,"v":..}]}
type HTTPProvider struct {
	cfg         HTTPConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("http provider requires a base url")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.RequestsPerMin <= 0 {
		cfg.RequestsPerMin = 300
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	return &HTTPProvider{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMin)/60), 1),
	}, nil
}

func (h *HTTPProvider) Name() string { return "http" }

type wireBar struct {
	T time.Time `json:"t"`
	O float64   `json:"o"`
	H float64   `json:"h"`
	L float64   `json:"l"`
	C float64   `json:"c"`
	V float64   `json:"v"`
}

type barsResponse struct {
	Bars  []wireBar `json:"bars"`
	Error string    `json:"error,omitempty"`
}

func (h *HTTPProvider) GetBars(ctx context.Context, symbol string, limit int) ([]Bar, error) {
	symbol = NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, NewBadSymbolError(symbol, "empty symbol")
	}

	if err := h.rateLimiter.Wait(ctx); err != nil {
		return nil, NewRateLimitError(symbol, "rate limit wait cancelled: "+err.Error())
	}

	params := url.Values{"symbol": {symbol}}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if h.cfg.APIKey != "" {
		params.Set("apikey", h.cfg.APIKey)
	}
	requestURL := strings.TrimRight(h.cfg.BaseURL, "/") + "/bars?" + params.Encode()

	var lastErr error
	for attempt := 0; attempt < h.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := h.cfg.BackoffBase * time.Duration(1<<attempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, NewTimeoutError(symbol, ctx.Err())
			}
		}

		bars, retry, err := h.fetch(ctx, symbol, requestURL)
		if err == nil {
			if limit > 0 && len(bars) > limit {
				bars = bars[len(bars)-limit:]
			}
			return bars, nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return nil, lastErr
}

func (h *HTTPProvider) fetch(ctx context.Context, symbol, requestURL string) ([]Bar, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, false, NewNetworkError(symbol, "failed to create request", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, NewTimeoutError(symbol, err)
		}
		return nil, true, NewNetworkError(symbol, "request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, NewRateLimitError(symbol, "provider rate limit exceeded")
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, NewBadSymbolError(symbol, "unknown symbol")
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, resp.StatusCode >= 500, NewProviderError(symbol, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)), nil)
	}

	var parsed barsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, false, NewProviderError(symbol, "failed to parse response", err)
	}
	if parsed.Error != "" {
		return nil, false, NewProviderError(symbol, parsed.Error, nil)
	}
	if len(parsed.Bars) == 0 {
		return nil, false, NewEmptyError(symbol)
	}

	bars := make([]Bar, len(parsed.Bars))
	for i, w := range parsed.Bars {
		bars[i] = Bar{Timestamp: w.T.UTC(), Open: w.O, High: w.H, Low: w.L, Close: w.C, Volume: w.V}
	}
	if err := ValidateBars(bars); err != nil {
		return nil, false, NewInvalidError(symbol, err)
	}
	return bars, false, nil
}
