package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/ensemble-trader/internal/alerts"
	"github.com/Rajchodisetti/ensemble-trader/internal/canary"
	"github.com/Rajchodisetti/ensemble-trader/internal/config"
	"github.com/Rajchodisetti/ensemble-trader/internal/journal"
	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
	"github.com/Rajchodisetti/ensemble-trader/internal/optimizer"
	"github.com/Rajchodisetti/ensemble-trader/internal/portfolio"
	"github.com/Rajchodisetti/ensemble-trader/internal/risk"
)

var (
	ErrTradingPaused   = errors.New("trading is paused: only SELL orders are accepted")
	ErrUnknownStrategy = errors.New("unknown strategy")
	ErrNoHistory       = errors.New("no price history for symbol")
	ErrUnknownParam    = errors.New("unknown strategy parameter")
)

// OrderResult is the outcome of a manual order. Filled is false when the
// order clipped to zero.
type OrderResult struct {
	Filled bool             `json:"filled"`
	Trade  *portfolio.Trade `json:"trade,omitempty"`
	Equity float64          `json:"equity"`
	Cash   float64          `json:"cash"`
}

// SubmitOrder executes a manual order between cycles. BUY orders are
// rejected while trading is paused; SELL is always allowed so the operator
// can reduce exposure.
func (r *Runner) SubmitOrder(ctx context.Context, o portfolio.Order) (OrderResult, error) {
	if err := o.Validate(); err != nil {
		observ.RejectedOrders.WithLabelValues("invalid").Inc()
		return OrderResult{}, err
	}
	v, err := r.do(ctx, "order", func(context.Context) (any, error) {
		if o.Side == portfolio.Buy && r.mode.Mode() == risk.ModePaused {
			observ.RejectedOrders.WithLabelValues("paused").Inc()
			return nil, ErrTradingPaused
		}
		o.Origin = portfolio.OriginManual
		at := r.now()
		t, err := r.pf.ExecuteOrder(o, at)
		if err != nil {
			observ.RejectedOrders.WithLabelValues("invalid").Inc()
			return nil, err
		}
		res := OrderResult{Trade: t, Filled: t != nil}
		if t != nil {
			r.recordTrade(*t)
			if r.store != nil {
				if _, err := r.store.Save(r.pf, at); err != nil {
					r.logger.Warn("persist portfolio failed", zap.Error(err))
				}
			}
		}
		res.Equity = r.pf.Equity().InexactFloat64()
		res.Cash = r.pf.Cash().InexactFloat64()
		return res, nil
	})
	if err != nil {
		return OrderResult{}, err
	}
	return v.(OrderResult), nil
}

// SetMode pauses or resumes trading on behalf of an operator.
func (r *Runner) SetMode(ctx context.Context, mode, operator, reason string) (risk.ModeStatus, error) {
	m, err := risk.ParseMode(mode)
	if err != nil {
		return risk.ModeStatus{}, err
	}
	_, err = r.do(ctx, "mode", func(context.Context) (any, error) {
		at := r.now()
		if err := r.mode.Set(m, operator, reason, at); err != nil {
			return nil, err
		}
		if m == risk.ModeTrading {
			r.tracker.Rebase(r.pf.Equity().InexactFloat64())
		}
		next := r.Runtime().Next(at, fmt.Sprintf("mode %s by %s", m, operator))
		next.Mode = string(m)
		r.setRuntime(next)
		if err := config.SaveRuntime(r.cfg.RuntimePath(), next); err != nil {
			r.logger.Warn("persist runtime failed", zap.Error(err))
		}
		observ.MarkCycle(r.lastCycleTime(), string(m))

		sev := alerts.SeverityInfo
		if m == risk.ModePaused {
			sev = alerts.SeverityWarning
		}
		r.notifier.Send(alerts.Message{
			Title:     "Trading " + string(m),
			Text:      reason,
			Severity:  sev,
			Fields:    map[string]string{"operator": operator},
			Timestamp: at,
		})
		return nil, nil
	})
	if err != nil {
		return risk.ModeStatus{}, err
	}
	return r.mode.Status(), nil
}

// Propose queues a parameter change for canary evaluation at the end of the
// next cycle.
func (r *Runner) Propose(ctx context.Context, p canary.Proposal) (canary.Proposal, error) {
	s, ok := r.registry.Get(p.Strategy)
	if !ok {
		return canary.Proposal{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, p.Strategy)
	}
	for k := range p.Params {
		if _, known := s.Defaults()[k]; !known {
			return canary.Proposal{}, fmt.Errorf("%w: %s has no %q", ErrUnknownParam, s.Name(), k)
		}
	}
	v, err := r.do(ctx, "propose", func(context.Context) (any, error) {
		if p.SubmittedAt.IsZero() {
			p.SubmittedAt = r.now()
		}
		queued, err := r.promoter.Propose(p)
		if err != nil {
			return nil, err
		}
		if err := r.journal.Append(journal.KindEvent, canaryRecord{Event: "canary_proposal", Proposal: &queued}); err != nil {
			r.logger.Warn("journal proposal failed", zap.Error(err))
		}
		return queued, nil
	})
	if err != nil {
		return canary.Proposal{}, err
	}
	return v.(canary.Proposal), nil
}

// OptimizeRequest asks for a grid search over the last window of Symbol.
type OptimizeRequest struct {
	Strategy string         `json:"strategy"`
	Symbol   string         `json:"symbol"`
	Grid     optimizer.Grid `json:"grid"`
}

// OptimizeResult carries the search report and, when a best configuration
// was found, the canary proposal created from it.
type OptimizeResult struct {
	Report   optimizer.Report `json:"report"`
	Proposal *canary.Proposal `json:"proposal,omitempty"`
}

// Optimize runs the search on the caller's goroutine against a copy of the
// last window, then submits the winner through the command path.
func (r *Runner) Optimize(ctx context.Context, req OptimizeRequest) (OptimizeResult, error) {
	s, ok := r.registry.Get(req.Strategy)
	if !ok {
		return OptimizeResult{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, req.Strategy)
	}
	bars := r.History(req.Symbol)
	if len(bars) == 0 {
		return OptimizeResult{}, fmt.Errorf("%w: %s", ErrNoHistory, req.Symbol)
	}
	cfg := optimizer.ConfigFrom(r.cfg.Optimizer)
	cfg.Symbol = req.Symbol
	rep, err := optimizer.Search(ctx, s, req.Grid, bars, cfg)
	if err != nil {
		return OptimizeResult{}, fmt.Errorf("optimize %s: %w", req.Strategy, err)
	}
	res := OptimizeResult{Report: rep}
	if !rep.Found {
		return res, nil
	}
	p, err := r.Propose(ctx, canary.Proposal{
		Strategy: rep.Strategy,
		Params:   rep.BestConfig,
		Score:    rep.BestScore,
		Source:   "optimizer",
	})
	if err != nil {
		return res, err
	}
	res.Proposal = &p
	return res, nil
}

func (r *Runner) lastCycleTime() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last.Timestamp
}
