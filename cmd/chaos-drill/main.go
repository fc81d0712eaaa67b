// Command chaos-drill runs the decision loop against the sim feed with fault
// injection forced on and reports how often the kill switch tripped.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/ensemble-trader/internal/alerts"
	"github.com/Rajchodisetti/ensemble-trader/internal/config"
	"github.com/Rajchodisetti/ensemble-trader/internal/engine"
	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
	"github.com/Rajchodisetti/ensemble-trader/internal/risk"
)

type summary struct {
	Cycles     int      `json:"cycles"`
	Faults     int      `json:"faults"`
	Trips      int      `json:"trips"`
	Resumes    int      `json:"resumes"`
	FinalMode  string   `json:"final_mode"`
	Equity     float64  `json:"equity"`
	Failures   int      `json:"component_failures"`
	TripCycles []int64  `json:"trip_cycles,omitempty"`
	Reasons    []string `json:"last_reasons,omitempty"`
}

func main() {
	var (
		cfgPath    string
		cycles     int
		prob       float64
		shock      float64
		seed       int64
		autoResume bool
	)
	flag.StringVar(&cfgPath, "config", "", "base config (optional)")
	flag.IntVar(&cycles, "cycles", 200, "cycles to run")
	flag.Float64Var(&prob, "prob", 0.1, "fault probability per cycle")
	flag.Float64Var(&shock, "shock", 0.2, "max metric shock")
	flag.Int64Var(&seed, "seed", 42, "seed for the feed and the fault injector")
	flag.BoolVar(&autoResume, "auto-resume", true, "resume as operator \"drill\" after each trip")
	flag.Parse()

	logger, err := observ.NewLogger("warn", "console")
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
	dir, err := os.MkdirTemp("", "chaos-drill-*")
	if err != nil {
		logger.Fatal("state dir", zap.Error(err))
	}
	defer os.RemoveAll(dir)

	cfg.State.Dir = dir
	cfg.Feed.Provider = "sim"
	cfg.Feed.Seed = seed
	cfg.Canary.ChaosEnabled = true
	cfg.Canary.FaultProbability = prob
	cfg.Canary.MaxShockPct = shock
	cfg.Canary.Seed = seed
	if err := cfg.Validate(); err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	runner, err := engine.Open(cfg, logger, engine.Options{Notifier: alerts.Nop{}})
	if err != nil {
		logger.Fatal("open engine", zap.Error(err))
	}
	defer runner.Close()

	ctx := context.Background()
	var sum summary
	for i := 0; i < cycles; i++ {
		before := runner.ModeStatus().Mode
		rep := runner.Cycle(ctx)
		sum.Cycles++
		sum.Failures += len(rep.Failures)
		if rep.Fault != nil {
			sum.Faults++
		}
		if before == risk.ModeTrading && rep.Mode == risk.ModePaused {
			sum.Trips++
			sum.TripCycles = append(sum.TripCycles, rep.Cycle)
			sum.Reasons = rep.KillReasons
			if autoResume {
				if _, err := runner.SetMode(ctx, string(risk.ModeTrading), "drill", "chaos drill auto-resume"); err == nil {
					sum.Resumes++
				}
			}
		}
		sum.Equity = rep.Equity
	}
	sum.FinalMode = string(runner.ModeStatus().Mode)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(sum)
}
