package config

import (
	"fmt"
	"time"

	"github.com/Rajchodisetti/ensemble-trader/internal/journal"
)

// Runtime is the mutable part of the configuration. The decision loop reads
// one snapshot per cycle and writes the next version back atomically; no
// other goroutine mutates it.
type Runtime struct {
	Version        int64                         `json:"version"`
	UpdatedAt      time.Time                     `json:"updated_at"`
	Mode           string                        `json:"mode"`
	AutoTrade      bool                          `json:"auto_trade"`
	StrategyParams map[string]map[string]float64 `json:"strategy_params"`
	Note           string                        `json:"note,omitempty"`
}

// InitialRuntime seeds the runtime snapshot from static configuration.
func InitialRuntime(c Root) Runtime {
	rt := Runtime{
		Mode:           c.Mode,
		AutoTrade:      c.Loop.AutoTrade == nil || *c.Loop.AutoTrade,
		StrategyParams: make(map[string]map[string]float64, len(c.Ensemble.Strategies)),
	}
	for name, params := range c.Ensemble.Strategies {
		rt.StrategyParams[name] = copyParams(params)
	}
	return rt
}

// Clone returns a deep copy so callers can modify it freely.
func (r Runtime) Clone() Runtime {
	out := r
	out.StrategyParams = make(map[string]map[string]float64, len(r.StrategyParams))
	for name, params := range r.StrategyParams {
		out.StrategyParams[name] = copyParams(params)
	}
	return out
}

// Next returns a copy with the version bumped.
func (r Runtime) Next(at time.Time, note string) Runtime {
	out := r.Clone()
	out.Version++
	out.UpdatedAt = at.UTC()
	out.Note = note
	return out
}

// LoadRuntime reads the runtime snapshot, falling back when the file is absent.
func LoadRuntime(path string, fallback Runtime) (Runtime, error) {
	var rt Runtime
	ok, err := journal.ReadJSON(path, &rt)
	if err != nil {
		return fallback, err
	}
	if !ok {
		return fallback, nil
	}
	if rt.Mode != "TRADING" && rt.Mode != "PAUSED" {
		return fallback, fmt.Errorf("runtime snapshot has invalid mode %q", rt.Mode)
	}
	if rt.StrategyParams == nil {
		rt.StrategyParams = map[string]map[string]float64{}
	}
	return rt, nil
}

// SaveRuntime replaces the runtime snapshot atomically.
func SaveRuntime(path string, rt Runtime) error {
	return journal.WriteJSONAtomic(path, rt)
}

func copyParams(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
