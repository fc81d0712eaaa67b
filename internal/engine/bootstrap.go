package engine

import (
	"fmt"
	"time"

	"go.uber.org/zap"

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

// journalAudit records every verdict in the signals log.
type journalAudit struct {
	j *journal.Journal
}

func (a journalAudit) RecordVerdict(symbol string, v strategy.Verdict, at time.Time) error {
	return a.j.Append(journal.KindSignal, signalRecord{Symbol: symbol, Verdict: v, Timestamp: at})
}

// Options override pieces of the default wiring.
type Options struct {
	Provider  feed.Provider
	Registry  *strategy.Registry
	Notifier  alerts.Notifier
	Publisher Publisher
}

// Open wires a Runner from configuration, restoring the portfolio, risk
// policy and runtime snapshot from the state directory when present.
func Open(cfg config.Root, logger *zap.Logger, opts Options) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	j, err := journal.New(cfg.State.Dir, cfg.State.RecentLimit)
	if err != nil {
		return nil, err
	}

	provider := opts.Provider
	if provider == nil {
		provider, err = feed.NewProvider(cfg.Feed, cfg.Interval())
		if err != nil {
			return nil, fmt.Errorf("price provider: %w", err)
		}
	}
	cache := feed.NewCache(provider, cfg.FeedTimeout(), cfg.MaxStale(), logger.Named("feed"))
	cache.OnFailure = func(symbol string, err error) {
		observ.FeedErrors.WithLabelValues(provider.Name(), feed.ErrorType(err)).Inc()
	}
	cache.OnFallback = func(symbol string) {
		observ.FeedFallbacks.WithLabelValues(symbol).Inc()
	}

	registry := opts.Registry
	if registry == nil {
		registry = strategy.DefaultRegistry()
	}
	ens := ensemble.NewEngine(registry, cfg.Ensemble.MajorityThreshold, journalAudit{j: j}, logger.Named("ensemble"))

	store := portfolio.NewStore(cfg.PortfolioPath())
	pf, restored, err := store.Open(cfg.Portfolio.InitialCash)
	if err != nil {
		return nil, fmt.Errorf("open portfolio: %w", err)
	}

	governor := risk.NewGovernor(risk.GovernorConfigFrom(cfg.Risk), logger.Named("governor"))
	var policy risk.Policy
	if ok, err := journal.ReadJSON(cfg.PolicyPath(), &policy); err != nil {
		logger.Warn("ignoring unreadable risk policy", zap.String("path", cfg.PolicyPath()), zap.Error(err))
	} else if ok {
		governor.Restore(policy)
	}

	tracker := risk.NewEquityTracker(pf.InitialCash().InexactFloat64(), cfg.Kill.VaRAlpha, cfg.Kill.CurveSamples)
	if restored {
		tracker.Observe(pf.Equity().InexactFloat64())
	}

	rt, err := config.LoadRuntime(cfg.RuntimePath(), config.InitialRuntime(cfg))
	if err != nil {
		logger.Warn("ignoring unreadable runtime snapshot", zap.String("path", cfg.RuntimePath()), zap.Error(err))
	}
	initial, err := risk.ParseMode(rt.Mode)
	if err != nil {
		initial = risk.ModeTrading
	}
	mode := risk.NewModeSwitch(initial, j, journal.KindEvent, logger.Named("mode"))

	chaos, err := canary.NewChaos(canary.ChaosConfigFrom(cfg.Canary))
	if err != nil {
		return nil, fmt.Errorf("chaos: %w", err)
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier, err = alerts.New(cfg.Alerts, logger)
		if err != nil {
			return nil, fmt.Errorf("alerts: %w", err)
		}
	}

	logger.Info("state loaded",
		zap.String("dir", cfg.State.Dir),
		zap.Bool("portfolio_restored", restored),
		zap.String("equity", pf.Equity().String()),
		zap.Int64("runtime_version", rt.Version),
		zap.String("mode", string(initial)))

	return New(Deps{
		Config:    cfg,
		Runtime:   rt,
		Cache:     cache,
		Registry:  registry,
		Ensemble:  ens,
		Portfolio: pf,
		Store:     store,
		Governor:  governor,
		Tracker:   tracker,
		Mode:      mode,
		Promoter:  canary.NewPromoter(cfg.LatencyCeiling(), logger.Named("canary")),
		Chaos:     chaos,
		Journal:   j,
		Notifier:  notifier,
		Publisher: opts.Publisher,
		Logger:    logger,
	})
}
