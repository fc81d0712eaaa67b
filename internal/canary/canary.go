package canary

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/ensemble-trader/internal/strategy"
)

// IsCanaryGood accepts a change only when it made money and stayed fast.
func IsCanaryGood(recentPnL float64, recentLatency, ceiling time.Duration) bool {
	return recentPnL > 0 && recentLatency < ceiling
}

// Proposal is a candidate parameter set awaiting canary evaluation.
type Proposal struct {
	ID          string          `json:"id"`
	Strategy    string          `json:"strategy"`
	Params      strategy.Params `json:"params"`
	Score       float64         `json:"score"`
	Source      string          `json:"source"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// Outcome is the verdict on a proposal.
type Outcome struct {
	Proposal  Proposal  `json:"proposal"`
	Accepted  bool      `json:"accepted"`
	PnL       float64   `json:"pnl"`
	LatencyMs int64     `json:"latency_ms"`
	Reason    string    `json:"reason"`
	DecidedAt time.Time `json:"decided_at"`
}

var ErrEmptyProposal = errors.New("proposal needs a strategy and at least one parameter")

// Promoter holds at most one pending proposal. A newer proposal replaces an
// older one that has not been decided yet.
type Promoter struct {
	ceiling time.Duration
	logger  *zap.Logger

	mu         sync.Mutex
	pending    *Proposal
	history    []Outcome
	maxHistory int
}

func NewPromoter(latencyCeiling time.Duration, logger *zap.Logger) *Promoter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoter{ceiling: latencyCeiling, logger: logger, maxHistory: 50}
}

// Propose queues p, filling in an id and submission time if missing.
func (p *Promoter) Propose(prop Proposal) (Proposal, error) {
	if prop.Strategy == "" || len(prop.Params) == 0 {
		return Proposal{}, ErrEmptyProposal
	}
	if prop.ID == "" {
		prop.ID = uuid.NewString()
	}
	if prop.SubmittedAt.IsZero() {
		prop.SubmittedAt = time.Now().UTC()
	}
	prop.Params = strategy.Params{}.Merge(prop.Params)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending != nil {
		p.logger.Info("replacing pending proposal",
			zap.String("old", p.pending.ID), zap.String("new", prop.ID))
	}
	p.pending = &prop
	return prop, nil
}

// Pending returns the queued proposal, if any.
func (p *Promoter) Pending() (Proposal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return Proposal{}, false
	}
	return *p.pending, true
}

// Evaluate decides the pending proposal against the recent canary window.
// The second result is false when nothing was pending.
func (p *Promoter) Evaluate(recentPnL float64, latency time.Duration, at time.Time) (Outcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return Outcome{}, false
	}

	out := Outcome{
		Proposal:  *p.pending,
		PnL:       recentPnL,
		LatencyMs: latency.Milliseconds(),
		DecidedAt: at.UTC(),
	}
	switch {
	case IsCanaryGood(recentPnL, latency, p.ceiling):
		out.Accepted = true
		out.Reason = "canary healthy"
	case recentPnL <= 0:
		out.Reason = "recent pnl not positive"
	default:
		out.Reason = "latency above ceiling"
	}
	p.pending = nil
	p.history = append(p.history, out)
	if len(p.history) > p.maxHistory {
		p.history = p.history[len(p.history)-p.maxHistory:]
	}

	p.logger.Info("canary decision",
		zap.String("proposal", out.Proposal.ID),
		zap.String("strategy", out.Proposal.Strategy),
		zap.Bool("accepted", out.Accepted),
		zap.String("reason", out.Reason))
	return out, true
}

// History returns recent outcomes, oldest first.
func (p *Promoter) History() []Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Outcome(nil), p.history...)
}
