package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/ensemble-trader/internal/config"
	"github.com/Rajchodisetti/ensemble-trader/internal/feed"
	"github.com/Rajchodisetti/ensemble-trader/internal/portfolio"
	"github.com/Rajchodisetti/ensemble-trader/internal/quant"
	"github.com/Rajchodisetti/ensemble-trader/internal/strategy"
)

// Grid maps a parameter name to the candidate values to try.
type Grid map[string][]float64

// Config controls backtests.
type Config struct {
	InitialCash    float64
	PeriodsPerYear float64
	Symbol         string
	Workers        int
}

func ConfigFrom(c config.Optimizer) Config {
	return Config{InitialCash: c.InitialCash, PeriodsPerYear: c.PeriodsPerYear}
}

// DefaultConfig is 10,000 cash and daily annualization.
func DefaultConfig() Config {
	return Config{InitialCash: 10000, PeriodsPerYear: 252}
}

// Result is the backtest of one configuration.
type Result struct {
	Params      strategy.Params `json:"params"`
	Sharpe      float64         `json:"sharpe"`
	FinalEquity float64         `json:"final_equity"`
	PnL         float64         `json:"pnl"`
	Trades      int             `json:"trades"`
	Points      int             `json:"points"`
	Excluded    bool            `json:"excluded,omitempty"`
}

// Report is the outcome of a grid search.
type Report struct {
	Strategy   string          `json:"strategy"`
	BestConfig strategy.Params `json:"best_config,omitempty"`
	BestScore  float64         `json:"best_score"`
	Found      bool            `json:"found"`
	Results    []Result        `json:"all_results"`
}

var (
	ErrNoStrategy   = errors.New("no strategy given")
	ErrEmptyValues  = errors.New("grid parameter has no values")
	ErrTooManyCombo = errors.New("grid expands to too many combinations")
)

// MaxCombinations bounds a single search.
const MaxCombinations = 10000

// ParseGrid reads "window=2,3,4;threshold=0.001,0.002".
func ParseGrid(s string) (Grid, error) {
	g := Grid{}
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, list, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("grid entry %q: want name=v1,v2", part)
		}
		var values []float64
		for _, v := range strings.Split(list, ",") {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("grid entry %q: %w", name, err)
			}
			values = append(values, f)
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrEmptyValues, name)
		}
		g[name] = values
	}
	return g, nil
}

// Expand enumerates the Cartesian product of grid. Keys are visited in sorted
// order and the last key varies fastest. An empty grid yields one empty config.
func Expand(grid Grid) ([]strategy.Params, error) {
	keys := make([]string, 0, len(grid))
	total := 1
	for k, vals := range grid {
		if len(vals) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrEmptyValues, k)
		}
		keys = append(keys, k)
		total *= len(vals)
		if total > MaxCombinations {
			return nil, ErrTooManyCombo
		}
	}
	sort.Strings(keys)

	out := make([]strategy.Params, 0, total)
	idx := make([]int, len(keys))
	for {
		p := make(strategy.Params, len(keys))
		for i, k := range keys {
			p[k] = grid[k][idx[i]]
		}
		out = append(out, p)

		i := len(keys) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(grid[keys[i]]) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return out, nil
		}
	}
}

// Search backtests every configuration in grid and returns the one with the
// highest Sharpe ratio. Ties keep the configuration enumerated first.
// Configurations with fewer than two equity points are excluded from ranking.
func Search(ctx context.Context, s strategy.Strategy, grid Grid, bars []feed.Bar, cfg Config) (Report, error) {
	if s == nil {
		return Report{}, ErrNoStrategy
	}
	if err := feed.ValidateBars(bars); err != nil {
		return Report{}, fmt.Errorf("invalid bars: %w", err)
	}
	combos, err := Expand(grid)
	if err != nil {
		return Report{}, err
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	results := make([]Result, len(combos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, params := range combos {
		i, params := i, params
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = Backtest(s, params, bars, cfg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	rep := Report{Strategy: s.Name(), Results: results}
	for _, r := range results {
		if r.Excluded {
			continue
		}
		if !rep.Found || r.Sharpe > rep.BestScore {
			rep.Found = true
			rep.BestScore = r.Sharpe
			rep.BestConfig = r.Params
		}
	}
	return rep, nil
}

// Backtest replays bars one at a time through s on a fresh portfolio: BUY
// spends all affordable cash, SELL liquidates, and equity is marked at every
// bar's close.
func Backtest(s strategy.Strategy, params strategy.Params, bars []feed.Bar, cfg Config) Result {
	if cfg.InitialCash <= 0 {
		cfg.InitialCash = 10000
	}
	if cfg.PeriodsPerYear <= 0 {
		cfg.PeriodsPerYear = 252
	}
	symbol := cfg.Symbol
	if symbol == "" {
		symbol = "BT"
	}
	merged := s.Defaults().Merge(params)

	p := portfolio.New(cfg.InitialCash)
	curve := make([]float64, 0, len(bars))
	trades := 0
	for i, bar := range bars {
		v := s.Evaluate(bars[:i+1], merged)
		var order *portfolio.Order
		switch v.Signal {
		case strategy.Buy:
			qty := portfolio.Affordable(p.Cash(), decimal.NewFromFloat(bar.Close))
			if qty.IsPositive() {
				order = &portfolio.Order{Symbol: symbol, Side: portfolio.Buy, Quantity: qty.InexactFloat64(), Price: bar.Close}
			}
		case strategy.Sell:
			if pos, ok := p.Position(symbol); ok {
				order = &portfolio.Order{Symbol: symbol, Side: portfolio.Sell, Quantity: pos.Quantity.InexactFloat64(), Price: bar.Close}
			}
		}
		if order != nil {
			order.Origin = portfolio.OriginBacktest
			if t, err := p.ExecuteOrder(*order, bar.Timestamp); err == nil && t != nil {
				trades++
			}
		}
		eq := p.MarkToMarket(symbol, bar.Close)
		curve = append(curve, eq.InexactFloat64())
	}

	res := Result{Params: params, Trades: trades, Points: len(curve)}
	if len(curve) < 2 {
		res.Excluded = true
		return res
	}
	res.FinalEquity = curve[len(curve)-1]
	res.PnL = res.FinalEquity - cfg.InitialCash
	res.Sharpe = Sharpe(curve, cfg.PeriodsPerYear)
	return res
}

// Sharpe is mean(returns)/stdev(returns) x sqrt(periodsPerYear) over the
// equity curve, using the sample standard deviation. Zero variance yields 0.
func Sharpe(curve []float64, periodsPerYear float64) float64 {
	rets := quant.Returns(curve)
	sd := quant.Stdev(rets)
	if sd == 0 || math.IsNaN(sd) {
		return 0
	}
	return quant.Mean(rets) / sd * math.Sqrt(periodsPerYear)
}
