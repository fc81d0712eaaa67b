// Package engine runs the decision loop. Runner is the only writer of the
// portfolio, the risk policy and the runtime snapshot; everything else reads
// snapshots or talks to it through commands.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/ensemble-trader/internal/alerts"
	"github.com/Rajchodisetti/ensemble-trader/internal/canary"
	"github.com/Rajchodisetti/ensemble-trader/internal/config"
	"github.com/Rajchodisetti/ensemble-trader/internal/ensemble"
	"github.com/Rajchodisetti/ensemble-trader/internal/feed"
	"github.com/Rajchodisetti/ensemble-trader/internal/journal"
	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
	"github.com/Rajchodisetti/ensemble-trader/internal/portfolio"
	"github.com/Rajchodisetti/ensemble-trader/internal/risk"
	"github.com/Rajchodisetti/ensemble-trader/internal/strategy"
)

// Publisher receives every cycle report. It must not block.
type Publisher interface {
	Publish(v any)
}

// Deps are the collaborators a Runner drives.
type Deps struct {
	Config    config.Root
	Runtime   config.Runtime
	Cache     *feed.Cache
	Registry  *strategy.Registry
	Ensemble  *ensemble.Engine
	Portfolio *portfolio.Portfolio
	Store     *portfolio.Store
	Governor  *risk.Governor
	Tracker   *risk.EquityTracker
	Mode      *risk.ModeSwitch
	Promoter  *canary.Promoter
	Chaos     *canary.Chaos
	Journal   *journal.Journal
	Notifier  alerts.Notifier
	Publisher Publisher
	Logger    *zap.Logger
}

type command struct {
	name  string
	fn    func(ctx context.Context) (any, error)
	reply chan commandResult
}

type commandResult struct {
	value any
	err   error
}

// Runner owns the cycle.
type Runner struct {
	cfg       config.Root
	cache     *feed.Cache
	registry  *strategy.Registry
	ensemble  *ensemble.Engine
	pf        *portfolio.Portfolio
	store     *portfolio.Store
	governor  *risk.Governor
	tracker   *risk.EquityTracker
	mode      *risk.ModeSwitch
	kill      risk.KillThresholds
	promoter  *canary.Promoter
	chaos     *canary.Chaos
	journal   *journal.Journal
	notifier  alerts.Notifier
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time

	commands chan command
	running  atomic.Bool
	// writeMu serializes cycles and commands when Run is not active.
	writeMu sync.Mutex

	mu          sync.RWMutex
	runtime     config.Runtime
	histories   map[string][]feed.Bar
	last        Report
	hasReport   bool
	cycles      int64
	lastLatency time.Duration
}

func New(d Deps) (*Runner, error) {
	switch {
	case d.Cache == nil:
		return nil, errors.New("engine: cache is required")
	case d.Registry == nil || d.Ensemble == nil:
		return nil, errors.New("engine: strategies are required")
	case d.Portfolio == nil || d.Governor == nil || d.Tracker == nil || d.Mode == nil:
		return nil, errors.New("engine: portfolio and risk components are required")
	case d.Journal == nil:
		return nil, errors.New("engine: journal is required")
	}
	if d.Promoter == nil {
		d.Promoter = canary.NewPromoter(d.Config.LatencyCeiling(), d.Logger)
	}
	if d.Notifier == nil {
		d.Notifier = alerts.Nop{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	buf := d.Config.Loop.CommandBuffer
	if buf <= 0 {
		buf = 16
	}
	rt := d.Runtime.Clone()
	rt.Mode = string(d.Mode.Mode())

	return &Runner{
		cfg:       d.Config,
		cache:     d.Cache,
		registry:  d.Registry,
		ensemble:  d.Ensemble,
		pf:        d.Portfolio,
		store:     d.Store,
		governor:  d.Governor,
		tracker:   d.Tracker,
		mode:      d.Mode,
		kill:      risk.KillThresholdsFrom(d.Config.Kill),
		promoter:  d.Promoter,
		chaos:     d.Chaos,
		journal:   d.Journal,
		notifier:  d.Notifier,
		publisher: d.Publisher,
		logger:    d.Logger.Named("engine"),
		now:       func() time.Time { return time.Now().UTC() },
		commands:  make(chan command, buf),
		runtime:   rt,
		histories: make(map[string][]feed.Bar),
	}, nil
}

// Run executes a cycle immediately and then once per interval until ctx is
// cancelled. Commands are applied between cycles. Cancellation is only
// observed between cycles.
func (r *Runner) Run(ctx context.Context) error {
	r.running.Store(true)
	defer r.running.Store(false)

	interval := r.cfg.Interval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	r.logger.Info("decision loop started",
		zap.Duration("interval", interval),
		zap.Strings("symbols", r.cfg.Symbols),
		zap.String("mode", string(r.mode.Mode())))

	r.Cycle(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.drainCommands(ctx.Err())
			r.logger.Info("decision loop stopped", zap.Int64("cycles", r.Cycles()))
			return nil
		case <-ticker.C:
			r.Cycle(ctx)
		case cmd := <-r.commands:
			r.exec(ctx, cmd)
		}
	}
}

func (r *Runner) drainCommands(err error) {
	for {
		select {
		case cmd := <-r.commands:
			cmd.reply <- commandResult{err: fmt.Errorf("%s: loop stopped: %w", cmd.name, err)}
		default:
			return
		}
	}
}

func (r *Runner) exec(ctx context.Context, cmd command) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	var res commandResult
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				res.err = fmt.Errorf("%s: panic: %v", cmd.name, rec)
				observ.ComponentFailures.WithLabelValues("command").Inc()
			}
		}()
		res.value, res.err = cmd.fn(context.WithoutCancel(ctx))
	}()
	cmd.reply <- res
}

// do routes fn through the loop when it is running, or applies it inline
// otherwise. Either way only one writer touches the aggregates at a time.
func (r *Runner) do(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	cmd := command{name: name, fn: fn, reply: make(chan commandResult, 1)}
	if !r.running.Load() {
		r.exec(ctx, cmd)
		res := <-cmd.reply
		return res.value, res.err
	}
	select {
	case r.commands <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cycle runs one full decision cycle and returns its report. It never fails:
// component errors are logged, counted and replaced by neutral defaults.
func (r *Runner) Cycle(ctx context.Context) Report {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	at := r.now()
	rt := r.Runtime()

	r.mu.Lock()
	r.cycles++
	cycle := r.cycles
	lastLatency := r.lastLatency
	r.mu.Unlock()

	rep := Report{Cycle: cycle, Timestamp: at, RuntimeVersion: rt.Version}

	histories, stale, failed := r.fetchAll(ctx)
	rep.Prices = make(map[string]float64, len(histories))
	for sym, bars := range histories {
		rep.Prices[sym] = feed.Last(bars)
	}
	for _, sym := range failed {
		rep.Failures = append(rep.Failures, "feed:"+sym)
	}

	// Decisions.
	for _, sym := range r.cfg.Symbols {
		sym := feed.NormalizeSymbol(sym)
		var d ensemble.Decision
		if !r.guard(&rep, "ensemble", func() error {
			bars, ok := histories[sym]
			if !ok {
				d = ensemble.Degraded(sym, "price data unavailable", at)
				return nil
			}
			d = r.ensemble.Evaluate(sym, bars, rt.StrategyParams)
			d.Stale = stale[sym]
			return nil
		}) {
			d = ensemble.Degraded(sym, "ensemble failed", at)
		}
		rep.Decisions = append(rep.Decisions, d)
		observ.DecisionsTotal.WithLabelValues(sym, string(d.Signal)).Inc()
		if err := r.journal.Append(journal.KindDecision, d); err != nil {
			r.logger.Warn("journal decision failed", zap.Error(err))
		}
	}

	// Execution against the previous policy.
	if r.mode.Mode() == risk.ModeTrading && rt.AutoTrade {
		r.guard(&rep, "portfolio", func() error {
			rep.Trades = r.executeDecisions(rep.Decisions, rep.Prices, at)
			return nil
		})
	}
	var equity float64
	r.guard(&rep, "mark", func() error {
		eq := r.pf.MarkAll(rep.Prices)
		equity = eq.InexactFloat64()
		r.tracker.Observe(equity)
		return nil
	})
	rep.Equity = equity
	rep.Cash = r.pf.Cash().InexactFloat64()
	observ.Equity.Set(rep.Equity)
	observ.Cash.Set(rep.Cash)

	// Allocation.
	if !r.guard(&rep, "governor", func() error {
		if len(histories) == 0 {
			return errors.New("no price histories")
		}
		policy, err := r.governor.ComputeWeights(r.cfg.Universe, histories, at)
		if err != nil {
			return err
		}
		r.persistPolicy(policy)
		return nil
	}) {
		r.logger.Warn("keeping previous risk policy")
	}
	if policy, ok := r.governor.Current(); ok {
		rep.Weights = policy.Weights
		rep.Stress = policy.Stress
		for sym, w := range policy.Weights {
			observ.TargetWeight.WithLabelValues(sym).Set(w)
		}
		observ.Stress.Set(policy.Stress)
	}

	// Kill check, with optional chaos shock on the metrics only.
	metrics := r.tracker.Metrics()
	if r.chaos.MaybeFault() {
		shocked, fault := r.chaos.Perturb(metrics)
		metrics = shocked
		rep.Fault = &fault
		observ.ChaosFaults.Inc()
		if err := r.journal.Append(journal.KindEvent, faultRecord{Event: "chaos_fault", Cycle: cycle, Fault: fault}); err != nil {
			r.logger.Warn("journal fault failed", zap.Error(err))
		}
		r.logger.Info("chaos fault injected", zap.Int64("cycle", cycle), zap.Float64("shock_pct", fault.ShockPct))
	}
	rep.Metrics = metrics
	observ.Drawdown.Set(metrics.MaxDrawdownPct)
	if reasons := r.kill.Breaches(metrics); len(reasons) > 0 {
		rep.KillReasons = reasons
		if r.mode.Trip(reasons, metrics, at) {
			observ.KillTrips.Inc()
			r.notifier.Send(alerts.Message{
				Title:    "Kill switch triggered",
				Text:     strings.Join(reasons, "; "),
				Severity: alerts.SeverityCritical,
				Fields: map[string]string{
					"equity":   fmt.Sprintf("%.2f", metrics.Equity),
					"pnl":      fmt.Sprintf("%.2f%%", metrics.PnLPct*100),
					"drawdown": fmt.Sprintf("%.2f%%", metrics.MaxDrawdownPct*100),
					"var":      fmt.Sprintf("%.4f", metrics.VaR),
				},
				Timestamp: at,
			})
		}
	}

	// Canary gate on the pending proposal.
	next := rt
	r.guard(&rep, "canary", func() error {
		window := r.cfg.Canary.WindowCycles
		out, ok := r.promoter.Evaluate(r.tracker.RecentPnL(window), lastLatency, at)
		if !ok {
			return nil
		}
		rep.Canary = &out
		if out.Accepted {
			observ.CanaryOutcomes.WithLabelValues("accepted").Inc()
			next = next.Next(at, "promoted "+out.Proposal.Strategy+" "+out.Proposal.Params.String())
			next.StrategyParams[out.Proposal.Strategy] = strategy.Params(next.StrategyParams[out.Proposal.Strategy]).Merge(out.Proposal.Params)
			r.notifier.Send(alerts.Message{
				Title:     "Canary promoted " + out.Proposal.Strategy,
				Text:      out.Reason,
				Severity:  alerts.SeverityInfo,
				Fields:    map[string]string{"params": out.Proposal.Params.String(), "source": out.Proposal.Source},
				Timestamp: at,
			})
		} else {
			observ.CanaryOutcomes.WithLabelValues("rejected").Inc()
		}
		return r.journal.Append(journal.KindEvent, canaryRecord{Event: "canary_decision", Outcome: &out})
	})

	mode := r.mode.Mode()
	rep.Mode = mode
	if string(mode) != next.Mode {
		if next.Version == rt.Version {
			next = next.Next(at, "mode "+string(mode))
		}
		next.Mode = string(mode)
	}

	// Persist.
	if r.store != nil {
		r.guard(&rep, "persist", func() error {
			_, err := r.store.Save(r.pf, at)
			return err
		})
	}
	if next.Version != rt.Version {
		r.setRuntime(next)
		r.guard(&rep, "runtime", func() error {
			return config.SaveRuntime(r.cfg.RuntimePath(), next)
		})
	}
	rep.RuntimeVersion = next.Version

	elapsed := time.Since(start)
	rep.DurationMs = elapsed.Milliseconds()
	r.mu.Lock()
	r.histories = histories
	r.lastLatency = elapsed
	r.last = rep
	r.hasReport = true
	r.mu.Unlock()

	outcome := "ok"
	if rep.Degraded() {
		outcome = "degraded"
	}
	observ.CyclesTotal.WithLabelValues(outcome).Inc()
	observ.CycleDuration.Observe(elapsed.Seconds())
	observ.MarkCycle(at, string(mode))
	if r.publisher != nil {
		r.publisher.Publish(rep)
	}
	r.logger.Debug("cycle complete",
		zap.Int64("cycle", cycle),
		zap.String("outcome", outcome),
		zap.Float64("equity", rep.Equity),
		zap.Int("trades", len(rep.Trades)),
		zap.Duration("elapsed", elapsed))
	return rep
}

// fetchAll pulls the universe in parallel. Symbols that fail without a
// fallback window are missing from the result.
func (r *Runner) fetchAll(ctx context.Context) (map[string][]feed.Bar, map[string]bool, []string) {
	symbols := r.cfg.Universe
	windows := make([]feed.Window, len(symbols))
	errs := make([]error, len(symbols))

	stageCtx := ctx
	if d := r.cfg.ComponentTimeout(); d > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	g, gctx := errgroup.WithContext(stageCtx)
	g.SetLimit(4)
	for i, sym := range symbols {
		i, sym := i, sym
		g.Go(func() error {
			windows[i], errs[i] = r.cache.Fetch(gctx, sym, r.cfg.Loop.BarsLimit)
			return nil
		})
	}
	_ = g.Wait()

	histories := make(map[string][]feed.Bar, len(symbols))
	stale := make(map[string]bool, len(symbols))
	var failed []string
	for i, sym := range symbols {
		sym = feed.NormalizeSymbol(sym)
		if errs[i] != nil {
			failed = append(failed, sym)
			observ.ComponentFailures.WithLabelValues("feed").Inc()
			continue
		}
		histories[sym] = windows[i].Bars
		stale[sym] = windows[i].Stale
	}
	return histories, stale, failed
}

// executeDecisions sizes BUYs to the target weight of current equity and
// liquidates on SELL.
func (r *Runner) executeDecisions(decisions []ensemble.Decision, prices map[string]float64, at time.Time) []portfolio.Trade {
	policy, hasPolicy := r.governor.Current()
	var trades []portfolio.Trade
	for _, d := range decisions {
		if d.Degraded {
			continue
		}
		px, ok := prices[d.Symbol]
		if !ok || px <= 0 {
			continue
		}
		var order portfolio.Order
		switch d.Signal {
		case strategy.Buy:
			weight := r.cfg.Loop.DefaultWeight
			if hasPolicy {
				weight = policy.Weight(d.Symbol, weight)
			}
			equity := r.pf.MarkToMarket(d.Symbol, px).InexactFloat64()
			held := 0.0
			if pos, ok := r.pf.Position(d.Symbol); ok {
				held = pos.Quantity.InexactFloat64() * px
			}
			qty := math.Floor((weight*equity - held) / px)
			if qty < 1 {
				continue
			}
			order = portfolio.Order{Symbol: d.Symbol, Side: portfolio.Buy, Quantity: qty, Price: px}
		case strategy.Sell:
			pos, ok := r.pf.Position(d.Symbol)
			if !ok {
				continue
			}
			order = portfolio.Order{Symbol: d.Symbol, Side: portfolio.Sell, Quantity: pos.Quantity.InexactFloat64(), Price: px}
		default:
			continue
		}
		order.Origin = portfolio.OriginAuto
		t, err := r.pf.ExecuteOrder(order, at)
		if err != nil {
			r.logger.Warn("auto order rejected", zap.String("symbol", d.Symbol), zap.Error(err))
			observ.RejectedOrders.WithLabelValues("invalid").Inc()
			continue
		}
		if t == nil {
			continue
		}
		r.recordTrade(*t)
		trades = append(trades, *t)
	}
	return trades
}

func (r *Runner) recordTrade(t portfolio.Trade) {
	observ.TradesTotal.WithLabelValues(string(t.Side), t.Origin).Inc()
	if err := r.journal.Append(journal.KindTrade, t); err != nil {
		r.logger.Warn("journal trade failed", zap.Error(err))
	}
	r.logger.Info("trade executed",
		zap.String("id", t.ID),
		zap.String("symbol", t.Symbol),
		zap.String("side", string(t.Side)),
		zap.String("quantity", t.Quantity.String()),
		zap.String("price", t.Price.String()),
		zap.String("origin", t.Origin))
}

func (r *Runner) persistPolicy(p risk.Policy) {
	if err := journal.WriteJSONAtomic(r.cfg.PolicyPath(), p); err != nil {
		r.logger.Warn("write risk policy failed", zap.Error(err))
	}
	if err := r.journal.Append(journal.KindEvent, policyRecord{Event: "risk_policy", Policy: p}); err != nil {
		r.logger.Warn("journal risk policy failed", zap.Error(err))
	}
}

// guard runs one component step, converting errors and panics into a
// recorded failure.
func (r *Runner) guard(rep *Report, component string, fn func() error) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("component panic", zap.String("component", component), zap.Any("panic", rec))
			observ.ComponentFailures.WithLabelValues(component).Inc()
			rep.Failures = append(rep.Failures, component)
			ok = false
		}
	}()
	if err := fn(); err != nil {
		r.logger.Warn("component failed", zap.String("component", component), zap.Error(err))
		observ.ComponentFailures.WithLabelValues(component).Inc()
		rep.Failures = append(rep.Failures, component)
		return false
	}
	return true
}

func (r *Runner) setRuntime(rt config.Runtime) {
	r.mu.Lock()
	r.runtime = rt.Clone()
	r.mu.Unlock()
}

// Runtime returns a copy of the current runtime snapshot.
func (r *Runner) Runtime() config.Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runtime.Clone()
}

// Cycles counts completed or in-flight cycles.
func (r *Runner) Cycles() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cycles
}

// LastReport returns the most recent cycle report.
func (r *Runner) LastReport() (Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last, r.hasReport
}

// History returns the bars used by the last cycle for symbol.
func (r *Runner) History(symbol string) []feed.Bar {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]feed.Bar(nil), r.histories[feed.NormalizeSymbol(symbol)]...)
}

func (r *Runner) Portfolio() portfolio.Snapshot { return r.pf.Snapshot() }

func (r *Runner) ModeStatus() risk.ModeStatus { return r.mode.Status() }

func (r *Runner) Risk() RiskView {
	v := RiskView{Metrics: r.tracker.Metrics(), Thresholds: r.kill, Mode: r.mode.Status()}
	if p, ok := r.governor.Current(); ok {
		v.Policy = &p
	}
	return v
}

// Decisions returns up to limit recent decisions, oldest first.
func (r *Runner) Decisions(limit int) []journal.Entry {
	return r.journal.Recent(journal.KindDecision, limit)
}

// Trades returns up to limit recent trades, oldest first.
func (r *Runner) Trades(limit int) []portfolio.Trade {
	trades := r.pf.Trades()
	if limit > 0 && len(trades) > limit {
		trades = trades[len(trades)-limit:]
	}
	return trades
}

func (r *Runner) Canary() CanaryStatus {
	r.mu.RLock()
	lat := r.lastLatency
	r.mu.RUnlock()
	s := CanaryStatus{
		History:      r.promoter.History(),
		ChaosEnabled: r.chaos.Enabled(),
		CeilingMs:    r.cfg.LatencyCeiling().Milliseconds(),
		LastLatency:  lat.Milliseconds(),
	}
	if r.chaos != nil {
		s.ChaosFaults = r.chaos.Faults()
	}
	if p, ok := r.promoter.Pending(); ok {
		s.Pending = &p
	}
	return s
}

// Strategies lists the registry with defaults and the runtime overrides applied.
func (r *Runner) Strategies() []StrategyInfo {
	rt := r.Runtime()
	all := r.registry.All()
	out := make([]StrategyInfo, 0, len(all))
	for _, s := range all {
		def := s.Defaults()
		out = append(out, StrategyInfo{Name: s.Name(), Defaults: def, Active: def.Merge(rt.StrategyParams[s.Name()])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close flushes pending alerts. The runner must not be used afterwards.
func (r *Runner) Close() {
	r.notifier.Close()
}
