package ensemble

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/ensemble-trader/internal/feed"
	"github.com/Rajchodisetti/ensemble-trader/internal/strategy"
)

// Decision is the reduced vote for one symbol in one cycle.
type Decision struct {
	ID        string                  `json:"id"`
	Symbol    string                  `json:"symbol"`
	Signal    strategy.Signal         `json:"signal"`
	Verdicts  []strategy.Verdict      `json:"verdicts"`
	Votes     map[strategy.Signal]int `json:"votes"`
	Threshold int                     `json:"threshold"`
	Timestamp time.Time               `json:"timestamp"`
	Degraded  bool                    `json:"degraded,omitempty"`
	Stale     bool                    `json:"stale,omitempty"`
	Reason    string                  `json:"reason,omitempty"`
}

// AuditSink receives every verdict before the votes are reduced.
type AuditSink interface {
	RecordVerdict(symbol string, v strategy.Verdict, at time.Time) error
}

// Engine runs every registered strategy over the same history and reduces
// their votes by majority.
type Engine struct {
	registry  *strategy.Registry
	threshold int
	audit     AuditSink
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine creates an engine. A threshold of 0 means a strict majority of
// the registered strategies.
func NewEngine(registry *strategy.Registry, threshold int, audit AuditSink, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		registry:  registry,
		threshold: threshold,
		audit:     audit,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Threshold returns the number of matching votes needed for BUY or SELL.
func (e *Engine) Threshold() int {
	if e.threshold > 0 {
		return e.threshold
	}
	return e.registry.Len()/2 + 1
}

// Evaluate runs all strategies. params holds per-strategy overrides layered
// over each strategy's defaults; it may be nil.
func (e *Engine) Evaluate(symbol string, history []feed.Bar, params map[string]map[string]float64) Decision {
	at := e.now()
	strategies := e.registry.All()
	verdicts := make([]strategy.Verdict, 0, len(strategies))

	for _, s := range strategies {
		v := e.evaluateOne(s, history, params[s.Name()])
		verdicts = append(verdicts, v)
		if e.audit != nil {
			if err := e.audit.RecordVerdict(symbol, v, at); err != nil {
				e.logger.Warn("verdict audit failed",
					zap.String("symbol", symbol),
					zap.String("strategy", v.Strategy),
					zap.Error(err))
			}
		}
	}

	threshold := e.Threshold()
	signal, votes := Reduce(verdicts, threshold)
	return Decision{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Signal:    signal,
		Verdicts:  verdicts,
		Votes:     votes,
		Threshold: threshold,
		Timestamp: at,
	}
}

// evaluateOne isolates a misbehaving strategy so one panic cannot take the
// other votes down with it.
func (e *Engine) evaluateOne(s strategy.Strategy, history []feed.Bar, override map[string]float64) (v strategy.Verdict) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("strategy panicked", zap.String("strategy", s.Name()), zap.Any("panic", r))
			v = strategy.Verdict{Strategy: s.Name(), Signal: strategy.Hold, Confidence: 0, Reason: "strategy_error"}
		}
	}()
	v = s.Evaluate(history, strategy.Params(override))
	v.Strategy = s.Name()
	return v
}

// Reduce counts votes. BUY or SELL wins only when it reaches the threshold
// and the other side does not; everything else is HOLD.
func Reduce(verdicts []strategy.Verdict, threshold int) (strategy.Signal, map[strategy.Signal]int) {
	votes := map[strategy.Signal]int{strategy.Buy: 0, strategy.Sell: 0, strategy.Hold: 0}
	for _, v := range verdicts {
		votes[v.Signal]++
	}
	if threshold <= 0 {
		threshold = len(verdicts)/2 + 1
	}
	buy := votes[strategy.Buy] >= threshold
	sell := votes[strategy.Sell] >= threshold
	switch {
	case buy && !sell:
		return strategy.Buy, votes
	case sell && !buy:
		return strategy.Sell, votes
	default:
		return strategy.Hold, votes
	}
}

// Degraded is the decision recorded when no price history could be obtained.
func Degraded(symbol, reason string, at time.Time) Decision {
	return Decision{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Signal:    strategy.Hold,
		Votes:     map[strategy.Signal]int{},
		Timestamp: at.UTC(),
		Degraded:  true,
		Reason:    reason,
	}
}
