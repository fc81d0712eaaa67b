package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Provider supplies recent OHLCV bars for a symbol, oldest first.
type Provider interface {
	Name() string
	GetBars(ctx context.Context, symbol string, limit int) ([]Bar, error)
}

// Bar is one OHLCV candle.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Closes extracts close prices in order.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Last returns the final bar's close, or 0 for an empty window.
func Last(bars []Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	return bars[len(bars)-1].Close
}

// ValidateBars rejects windows that are out of order or carry non-positive prices.
func ValidateBars(bars []Bar) error {
	for i, b := range bars {
		if b.Close <= 0 || b.Open <= 0 || b.High <= 0 || b.Low <= 0 {
			return fmt.Errorf("bar %d: non-positive price", i)
		}
		if b.High < b.Low {
			return fmt.Errorf("bar %d: high %.4f below low %.4f", i, b.High, b.Low)
		}
		if b.Volume < 0 {
			return fmt.Errorf("bar %d: negative volume", i)
		}
		if i > 0 && !b.Timestamp.After(bars[i-1].Timestamp) {
			return fmt.Errorf("bar %d: timestamp %s not after %s", i,
				b.Timestamp.Format(time.RFC3339), bars[i-1].Timestamp.Format(time.RFC3339))
		}
	}
	return nil
}

// NormalizeSymbol upper-cases and trims a ticker.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ErrDataUnavailable is matched by every provider failure.
var ErrDataUnavailable = errors.New("price data unavailable")

// FeedError describes why bars could not be fetched.
type FeedError struct {
	Type    string // "network", "timeout", "rate_limit", "bad_symbol", "empty", "invalid", "provider_error"
	Symbol  string
	Message string
	Cause   error
}

func (e *FeedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (%v)", e.Type, e.Symbol, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Type, e.Symbol, e.Message)
}

func (e *FeedError) Unwrap() error { return e.Cause }

// Is makes every FeedError match ErrDataUnavailable.
func (e *FeedError) Is(target error) bool { return target == ErrDataUnavailable }

func NewNetworkError(symbol, message string, cause error) *FeedError {
	return &FeedError{Type: "network", Symbol: symbol, Message: message, Cause: cause}
}

func NewTimeoutError(symbol string, cause error) *FeedError {
	return &FeedError{Type: "timeout", Symbol: symbol, Message: "provider call timed out", Cause: cause}
}

func NewRateLimitError(symbol, message string) *FeedError {
	return &FeedError{Type: "rate_limit", Symbol: symbol, Message: message}
}

func NewProviderError(symbol, message string, cause error) *FeedError {
	return &FeedError{Type: "provider_error", Symbol: symbol, Message: message, Cause: cause}
}

func NewBadSymbolError(symbol, message string) *FeedError {
	return &FeedError{Type: "bad_symbol", Symbol: symbol, Message: message}
}

func NewEmptyError(symbol string) *FeedError {
	return &FeedError{Type: "empty", Symbol: symbol, Message: "provider returned no bars"}
}

func NewInvalidError(symbol string, cause error) *FeedError {
	return &FeedError{Type: "invalid", Symbol: symbol, Message: "provider returned malformed bars", Cause: cause}
}

// ErrorType returns the FeedError type of err, or "unknown".
func ErrorType(err error) string {
	var fe *FeedError
	if errors.As(err, &fe) {
		return fe.Type
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "unknown"
}
