package engine

import (
	"time"

	"github.com/Rajchodisetti/ensemble-trader/internal/canary"
	"github.com/Rajchodisetti/ensemble-trader/internal/ensemble"
	"github.com/Rajchodisetti/ensemble-trader/internal/portfolio"
	"github.com/Rajchodisetti/ensemble-trader/internal/risk"
	"github.com/Rajchodisetti/ensemble-trader/internal/strategy"
)

// Report summarizes one cycle. It is what dashboard observers receive.
type Report struct {
	Cycle          int64               `json:"cycle"`
	Timestamp      time.Time           `json:"timestamp"`
	DurationMs     int64               `json:"duration_ms"`
	Mode           risk.Mode           `json:"mode"`
	RuntimeVersion int64               `json:"runtime_version"`
	Prices         map[string]float64  `json:"prices"`
	Decisions      []ensemble.Decision `json:"decisions"`
	Trades         []portfolio.Trade   `json:"trades,omitempty"`
	Equity         float64             `json:"equity"`
	Cash           float64             `json:"cash"`
	Metrics        risk.Metrics        `json:"metrics"`
	Weights        map[string]float64  `json:"weights,omitempty"`
	Stress         float64             `json:"stress"`
	Fault          *canary.Fault       `json:"fault,omitempty"`
	KillReasons    []string            `json:"kill_reasons,omitempty"`
	Canary         *canary.Outcome     `json:"canary,omitempty"`
	Failures       []string            `json:"failures,omitempty"`
}

// Degraded reports whether any component failed or any decision was degraded.
func (r Report) Degraded() bool {
	if len(r.Failures) > 0 {
		return true
	}
	for _, d := range r.Decisions {
		if d.Degraded {
			return true
		}
	}
	return false
}

// Journal record shapes written to events.jsonl.
type policyRecord struct {
	Event  string      `json:"event"`
	Policy risk.Policy `json:"policy"`
}

type faultRecord struct {
	Event string       `json:"event"`
	Cycle int64        `json:"cycle"`
	Fault canary.Fault `json:"fault"`
}

type canaryRecord struct {
	Event    string           `json:"event"`
	Outcome  *canary.Outcome  `json:"outcome,omitempty"`
	Proposal *canary.Proposal `json:"proposal,omitempty"`
}

type signalRecord struct {
	Symbol    string           `json:"symbol"`
	Verdict   strategy.Verdict `json:"verdict"`
	Timestamp time.Time        `json:"timestamp"`
}

// CanaryStatus is the operator view of the promotion gate.
type CanaryStatus struct {
	Pending      *canary.Proposal `json:"pending,omitempty"`
	History      []canary.Outcome `json:"history"`
	ChaosEnabled bool             `json:"chaos_enabled"`
	ChaosFaults  int              `json:"chaos_faults"`
	CeilingMs    int64            `json:"latency_ceiling_ms"`
	LastLatency  int64            `json:"last_latency_ms"`
}

// StrategyInfo lists a registered strategy with its effective parameters.
type StrategyInfo struct {
	Name     string          `json:"name"`
	Defaults strategy.Params `json:"defaults"`
	Active   strategy.Params `json:"active"`
}

// RiskView is the operator view of the governor and kill switch.
type RiskView struct {
	Policy     *risk.Policy        `json:"policy,omitempty"`
	Metrics    risk.Metrics        `json:"metrics"`
	Thresholds risk.KillThresholds `json:"thresholds"`
	Mode       risk.ModeStatus     `json:"mode"`
}
