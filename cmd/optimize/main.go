package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/ensemble-trader/internal/config"
	"github.com/Rajchodisetti/ensemble-trader/internal/feed"
	"github.com/Rajchodisetti/ensemble-trader/internal/journal"
	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
	"github.com/Rajchodisetti/ensemble-trader/internal/optimizer"
	"github.com/Rajchodisetti/ensemble-trader/internal/strategy"
)

func main() {
	var (
		cfgPath  string
		name     string
		barsPath string
		symbol   string
		simBars  int
		gridSpec string
		outPath  string
		workers  int
	)
	flag.StringVar(&cfgPath, "config", "", "config path (optional, for optimizer and feed settings)")
	flag.StringVar(&name, "strategy", "momentum", "strategy to optimize")
	flag.StringVar(&barsPath, "bars", "", "JSON file with an array of bars; empty uses the sim feed")
	flag.StringVar(&symbol, "symbol", "AAPL", "symbol for the sim feed")
	flag.IntVar(&simBars, "sim-bars", 250, "bars to draw from the sim feed")
	flag.StringVar(&gridSpec, "grid", "window=5,10,20", `grid, e.g. "window=5,10;threshold=0.001,0.002"`)
	flag.StringVar(&outPath, "out", "", "write the report here instead of stdout")
	flag.IntVar(&workers, "workers", 0, "parallel backtests (0 = GOMAXPROCS)")
	flag.Parse()

	logger, err := observ.NewLogger("info", "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := config.Default()
	if cfgPath != "" {
		if cfg, err = config.Load(cfgPath); err != nil {
			logger.Fatal("load config", zap.Error(err))
		}
	}

	s, ok := strategy.DefaultRegistry().Get(name)
	if !ok {
		logger.Fatal("unknown strategy", zap.String("strategy", name), zap.Strings("known", strategy.DefaultRegistry().Names()))
	}
	grid, err := optimizer.ParseGrid(gridSpec)
	if err != nil {
		logger.Fatal("parse grid", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	bars, err := loadBars(ctx, barsPath, symbol, simBars, cfg)
	if err != nil {
		logger.Fatal("load bars", zap.Error(err))
	}

	ocfg := optimizer.ConfigFrom(cfg.Optimizer)
	ocfg.Symbol = symbol
	ocfg.Workers = workers
	start := time.Now()
	rep, err := optimizer.Search(ctx, s, grid, bars, ocfg)
	if err != nil {
		logger.Fatal("search", zap.Error(err))
	}
	logger.Info("search complete",
		zap.String("strategy", rep.Strategy),
		zap.Int("configs", len(rep.Results)),
		zap.Bool("found", rep.Found),
		zap.Float64("best_sharpe", rep.BestScore),
		zap.Any("best_config", rep.BestConfig),
		zap.Duration("took", time.Since(start)))

	if outPath != "" {
		if err := journal.WriteJSONAtomic(outPath, rep); err != nil {
			logger.Fatal("write report", zap.Error(err))
		}
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(rep)
}

func loadBars(ctx context.Context, path, symbol string, n int, cfg config.Root) ([]feed.Bar, error) {
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var bars []feed.Bar
		if err := json.Unmarshal(b, &bars); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return bars, feed.ValidateBars(bars)
	}
	sim := feed.NewSimProvider(cfg.Feed.Seed, cfg.Feed.SimVolatility, 24*time.Hour)
	return sim.GetBars(ctx, symbol, n)
}
