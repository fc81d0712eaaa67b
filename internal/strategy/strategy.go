package strategy

import (
	"fmt"
	"sort"

	"github.com/Rajchodisetti/ensemble-trader/internal/feed"
)

// Signal is a strategy or ensemble vote.
type Signal string

const (
	Buy  Signal = "BUY"
	Sell Signal = "SELL"
	Hold Signal = "HOLD"
)

// Hold reasons.
const (
	ReasonInsufficientHistory = "insufficient_history"
	ReasonInvalidParams       = "invalid_params"
	ReasonFlat                = "flat_series"
)

// Verdict is one strategy's opinion on a price history.
type Verdict struct {
	Strategy   string             `json:"strategy"`
	Signal     Signal             `json:"signal"`
	Confidence float64            `json:"confidence"`
	Metadata   map[string]float64 `json:"metadata,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

// Params are named numeric strategy parameters, e.g. {"window": 10}.
type Params map[string]float64

// Merge overlays override on a copy of p.
func (p Params) Merge(override Params) Params {
	out := make(Params, len(p)+len(override))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// Int reads a parameter as a positive integer.
func (p Params) Int(key string) (int, error) {
	v, ok := p[key]
	if !ok {
		return 0, fmt.Errorf("missing parameter %q", key)
	}
	n := int(v)
	if float64(n) != v || n <= 0 {
		return 0, fmt.Errorf("parameter %q must be a positive integer, got %v", key, v)
	}
	return n, nil
}

// String renders params with sorted keys, e.g. "threshold=0.002,window=10".
func (p Params) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := ""
	for i, k := range keys {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%s=%g", k, p[k])
	}
	return s
}

// Strategy maps a price history to a verdict. Implementations are pure: the
// same history and params always produce the same verdict, and they never
// return an error. Missing data yields a HOLD with a reason.
type Strategy interface {
	Name() string
	Defaults() Params
	Evaluate(history []feed.Bar, p Params) Verdict
}

func hold(name string, confidence float64, reason string) Verdict {
	return Verdict{Strategy: name, Signal: Hold, Confidence: confidence, Reason: reason}
}
