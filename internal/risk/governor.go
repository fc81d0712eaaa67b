package risk

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/ensemble-trader/internal/config"
	"github.com/Rajchodisetti/ensemble-trader/internal/feed"
)

// GovernorConfig holds the allocation parameters.
type GovernorConfig struct {
	Window          int
	MinWeight       float64
	MaxWeight       float64
	TargetGross     float64
	FallbackVol     float64
	StressProxies   []string
	DefensiveAsset  string
	NonDonors       []string
	HedgeMultiplier float64
	HedgeMin        float64
	HedgeMax        float64
	DonorFraction   float64
}

func GovernorConfigFrom(r config.Risk) GovernorConfig {
	return GovernorConfig{
		Window:          r.Window,
		MinWeight:       r.MinWeight,
		MaxWeight:       r.MaxWeight,
		TargetGross:     r.TargetGross,
		FallbackVol:     r.FallbackVol,
		StressProxies:   append([]string(nil), r.StressProxies...),
		DefensiveAsset:  r.DefensiveAsset,
		NonDonors:       append([]string(nil), r.NonDonors...),
		HedgeMultiplier: r.HedgeMultiplier,
		HedgeMin:        r.HedgeMin,
		HedgeMax:        r.HedgeMax,
		DonorFraction:   r.DonorFraction,
	}
}

// Policy is one allocation decision. Weights always lie within the caps and
// sum to the target gross exposure.
type Policy struct {
	Version     int64              `json:"version"`
	Timestamp   time.Time          `json:"timestamp"`
	Weights     map[string]float64 `json:"weights"`
	BaseWeights map[string]float64 `json:"base_weights"`
	Volatility  map[string]float64 `json:"volatility"`
	Stress      float64            `json:"stress"`
	HedgeTarget float64            `json:"hedge_target"`
	HedgeFunded float64            `json:"hedge_funded"`
	Notes       []string           `json:"notes,omitempty"`
}

// Weight returns the target weight for symbol, or def when the policy has none.
func (p Policy) Weight(symbol string, def float64) float64 {
	if w, ok := p.Weights[symbol]; ok {
		return w
	}
	return def
}

// Clone deep-copies the policy maps.
func (p Policy) Clone() Policy {
	out := p
	out.Weights = copyWeights(p.Weights)
	out.BaseWeights = copyWeights(p.BaseWeights)
	out.Volatility = copyWeights(p.Volatility)
	out.Notes = append([]string(nil), p.Notes...)
	return out
}

// Governor computes allocation policies. It remembers the latest policy so
// the loop can fall back to it when a computation fails.
type Governor struct {
	cfg    GovernorConfig
	logger *zap.Logger

	mu      sync.RWMutex
	current Policy
	hasAny  bool
}

func NewGovernor(cfg GovernorConfig, logger *zap.Logger) *Governor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{cfg: cfg, logger: logger}
}

// Current returns the last computed or restored policy.
func (g *Governor) Current() (Policy, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current.Clone(), g.hasAny
}

// Restore installs a persisted policy as current.
func (g *Governor) Restore(p Policy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current = p.Clone()
	g.hasAny = true
}

// ComputeWeights builds a new policy from the price histories of universe.
func (g *Governor) ComputeWeights(universe []string, histories map[string][]feed.Bar, at time.Time) (Policy, error) {
	if len(universe) == 0 {
		return Policy{}, fmt.Errorf("empty universe")
	}
	cfg := g.cfg
	n := float64(len(universe))
	if n*cfg.MinWeight > cfg.TargetGross+1e-12 || n*cfg.MaxWeight < cfg.TargetGross-1e-12 {
		return Policy{}, fmt.Errorf("caps [%.4f, %.4f] infeasible for %d assets", cfg.MinWeight, cfg.MaxWeight, len(universe))
	}

	keys := append([]string(nil), universe...)
	sort.Strings(keys)

	var notes []string
	vols := make(map[string]float64, len(keys))
	raw := make(map[string]float64, len(keys))
	for _, sym := range keys {
		v, ok := VolatilityOf(histories[sym], cfg.Window, cfg.FallbackVol)
		if !ok {
			notes = append(notes, sym+": short history, fallback volatility")
		}
		vols[sym] = v
		raw[sym] = 1 / math.Max(v, minVol)
	}

	weights := normalize(raw, keys, cfg.TargetGross)
	capWeights(weights, keys, cfg.MinWeight, cfg.MaxWeight, cfg.TargetGross)
	base := copyWeights(weights)

	stress := g.stress(vols, histories)
	hedge := g.HedgeAddition(stress)
	funded := g.shiftHedge(weights, keys, hedge)
	if funded < hedge-1e-12 {
		notes = append(notes, fmt.Sprintf("hedge partially funded: %.4f of %.4f", funded, hedge))
	}

	g.mu.Lock()
	version := g.current.Version + 1
	policy := Policy{
		Version:     version,
		Timestamp:   at.UTC(),
		Weights:     weights,
		BaseWeights: base,
		Volatility:  vols,
		Stress:      stress,
		HedgeTarget: hedge,
		HedgeFunded: funded,
		Notes:       notes,
	}
	g.current = policy.Clone()
	g.hasAny = true
	g.mu.Unlock()

	g.logger.Debug("risk policy computed",
		zap.Int64("version", version),
		zap.Float64("stress", stress),
		zap.Float64("hedge_funded", funded))
	return policy, nil
}

// HedgeAddition maps stress to the defensive shift: stress x multiplier,
// clamped to [HedgeMin, HedgeMax].
func (g *Governor) HedgeAddition(stress float64) float64 {
	return clamp(stress*g.cfg.HedgeMultiplier, g.cfg.HedgeMin, g.cfg.HedgeMax)
}

// stress is the highest volatility among the market proxies. A proxy with no
// usable history counts at the fallback volatility.
func (g *Governor) stress(vols map[string]float64, histories map[string][]feed.Bar) float64 {
	stress := 0.0
	for _, proxy := range g.cfg.StressProxies {
		v, ok := vols[proxy]
		if !ok {
			v, _ = VolatilityOf(histories[proxy], g.cfg.Window, g.cfg.FallbackVol)
		}
		stress = math.Max(stress, v)
	}
	return stress
}

// shiftHedge moves up to hedge weight into the defensive asset, taking at most
// DonorFraction of each donor, heaviest donors first. Donors stay at or above
// MinWeight and the defensive asset at or below MaxWeight. Returns the amount
// actually moved.
func (g *Governor) shiftHedge(w map[string]float64, keys []string, hedge float64) float64 {
	cfg := g.cfg
	def := cfg.DefensiveAsset
	if _, ok := w[def]; !ok || hedge <= 0 {
		return 0
	}
	want := math.Min(hedge, cfg.MaxWeight-w[def])
	if want <= 0 {
		return 0
	}

	excluded := map[string]bool{def: true}
	for _, s := range cfg.NonDonors {
		excluded[s] = true
	}
	donors := make([]string, 0, len(keys))
	for _, k := range keys {
		if !excluded[k] {
			donors = append(donors, k)
		}
	}
	sort.SliceStable(donors, func(i, j int) bool { return w[donors[i]] > w[donors[j]] })

	remaining := want
	for _, d := range donors {
		if remaining <= 0 {
			break
		}
		take := math.Min(remaining, math.Min(w[d]*cfg.DonorFraction, w[d]-cfg.MinWeight))
		if take <= 0 {
			continue
		}
		w[d] -= take
		remaining -= take
	}
	funded := want - remaining
	w[def] += funded

	// The shift is zero-sum; rescale only to absorb float drift.
	renorm := normalize(w, keys, cfg.TargetGross)
	for k, v := range renorm {
		w[k] = v
	}
	return funded
}

func normalize(w map[string]float64, keys []string, target float64) map[string]float64 {
	sum := 0.0
	for _, k := range keys {
		sum += w[k]
	}
	out := make(map[string]float64, len(keys))
	for _, k := range keys {
		if sum > 0 {
			out[k] = w[k] / sum * target
		} else {
			out[k] = target / float64(len(keys))
		}
	}
	return out
}

// capWeights clamps to [lo, hi] and redistributes the excess or deficit
// proportionally across assets that still have room, until both the caps and
// the target sum hold.
func capWeights(w map[string]float64, keys []string, lo, hi, target float64) {
	for iter := 0; iter < 200; iter++ {
		sum := 0.0
		for _, k := range keys {
			w[k] = clamp(w[k], lo, hi)
			sum += w[k]
		}
		diff := target - sum
		if math.Abs(diff) < 1e-13 {
			return
		}
		base := 0.0
		movable := make([]string, 0, len(keys))
		for _, k := range keys {
			if (diff > 0 && w[k] < hi) || (diff < 0 && w[k] > lo) {
				movable = append(movable, k)
				base += w[k]
			}
		}
		if len(movable) == 0 {
			return
		}
		for _, k := range movable {
			if base > 0 {
				w[k] += diff * w[k] / base
			} else {
				w[k] += diff / float64(len(movable))
			}
		}
	}
	for _, k := range keys {
		w[k] = clamp(w[k], lo, hi)
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func copyWeights(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
