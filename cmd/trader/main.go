package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/ensemble-trader/internal/api"
	"github.com/Rajchodisetti/ensemble-trader/internal/config"
	"github.com/Rajchodisetti/ensemble-trader/internal/engine"
	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
)

var version = "dev"

func main() {
	var (
		cfgPath string
		addr    string
		cycles  int
	)
	flag.StringVar(&cfgPath, "config", "configs/trader.yaml", "config path")
	flag.StringVar(&addr, "addr", "", "listen address (overrides config)")
	flag.IntVar(&cycles, "cycles", 0, "run this many cycles without the HTTP server and exit (0 = serve)")
	flag.Parse()

	if err := run(cfgPath, addr, cycles); err != nil {
		fmt.Fprintln(os.Stderr, "trader:", err)
		os.Exit(1)
	}
}

func run(cfgPath, addr string, cycles int) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	logger, err := observ.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	observ.SetLogger(logger)
	observ.SetVersion(version)
	observ.SetStaleAfter(3 * cfg.Interval())

	hub := api.NewHub(cfg.PushFallback(), logger)
	runner, err := engine.Open(cfg, logger, engine.Options{Publisher: hub})
	if err != nil {
		return err
	}
	defer runner.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cycles > 0 {
		for i := 0; i < cycles && ctx.Err() == nil; i++ {
			rep := runner.Cycle(ctx)
			logger.Info("cycle",
				zap.Int64("cycle", rep.Cycle),
				zap.String("mode", string(rep.Mode)),
				zap.Float64("equity", rep.Equity),
				zap.Int("trades", len(rep.Trades)),
				zap.Strings("failures", rep.Failures))
		}
		return nil
	}

	srv := api.NewServer(runner, hub, logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return api.Serve(gctx, cfg.Server.Addr, srv.Handler(), logger) })

	logger.Info("trader started",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.Strings("symbols", cfg.Symbols))
	err = g.Wait()
	logger.Info("trader stopped", zap.Int64("cycles", runner.Cycles()))
	return err
}
