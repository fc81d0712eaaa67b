package observ

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ensemble_trader"

var (
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "cycles_total",
			Help:      "Decision cycles completed, by outcome",
		},
		[]string{"outcome"},
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a decision cycle",
			Buckets:   []float64{.005, .01, .025, .05, .1, .15, .25, .5, 1, 2.5, 5},
		},
	)

	ComponentFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "component_failures_total",
			Help:      "Cycle steps that failed and fell back to neutral defaults",
		},
		[]string{"component"},
	)

	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ensemble",
			Name:      "decisions_total",
			Help:      "Ensemble decisions by symbol and signal",
		},
		[]string{"symbol", "signal"},
	)

	TradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "trades_total",
			Help:      "Executed simulated trades by side and origin",
		},
		[]string{"side", "origin"},
	)

	RejectedOrders = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "rejected_orders_total",
			Help:      "Orders rejected before execution",
		},
		[]string{"reason"},
	)

	Equity = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "portfolio",
		Name:      "equity",
		Help:      "Marked-to-market portfolio equity",
	})

	Cash = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "portfolio",
		Name:      "cash",
		Help:      "Uninvested cash",
	})

	FeedErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "errors_total",
			Help:      "Price provider failures by provider and error type",
		},
		[]string{"provider", "type"},
	)

	FeedFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "fallbacks_total",
			Help:      "Cycles served from the last good window",
		},
		[]string{"symbol"},
	)

	TargetWeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "target_weight",
			Help:      "Governor target weight by asset",
		},
		[]string{"symbol"},
	)

	Stress = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "stress",
		Help:      "Market stress measure used to size the defensive hedge",
	})

	Drawdown = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "max_drawdown_pct",
		Help:      "Maximum drawdown of the equity curve (non-positive)",
	})

	TradingMode = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "trading_enabled",
		Help:      "1 when the mode switch is TRADING, 0 when PAUSED",
	})

	KillTrips = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "kill_trips_total",
		Help:      "Kill switch trips",
	})

	CanaryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "canary",
			Name:      "outcomes_total",
			Help:      "Parameter proposals promoted or rejected",
		},
		[]string{"outcome"},
	)

	ChaosFaults = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "canary",
		Name:      "chaos_faults_total",
		Help:      "Synthetic faults injected into risk metrics",
	})

	AlertsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "dropped_total",
			Help:      "Notifications dropped, by reason",
		},
		[]string{"reason"},
	)

	PushClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "push",
		Name:      "clients",
		Help:      "Connected websocket and stream observers",
	})

	PushDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "push",
		Name:      "dropped_total",
		Help:      "Frames skipped because the hub or a client buffer was full",
	})
)

// Handler exposes the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

var (
	startTime = time.Now()
	version   = "dev"

	healthMu  sync.RWMutex
	lastCycle time.Time
	mode      = "TRADING"
	staleAge  = time.Minute
)

// SetVersion sets the build version reported by the health endpoint.
func SetVersion(v string) {
	healthMu.Lock()
	version = v
	healthMu.Unlock()
}

// SetStaleAfter sets how old the last cycle may be before health degrades.
func SetStaleAfter(d time.Duration) {
	healthMu.Lock()
	staleAge = d
	healthMu.Unlock()
}

// MarkCycle records a completed cycle and the mode it ended in.
func MarkCycle(at time.Time, tradingMode string) {
	healthMu.Lock()
	lastCycle = at
	mode = tradingMode
	healthMu.Unlock()
	if tradingMode == "TRADING" {
		TradingMode.Set(1)
	} else {
		TradingMode.Set(0)
	}
}

type HealthStatus struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Uptime    string `json:"uptime"`
	Version   string `json:"version"`
	Mode      string `json:"mode"`
	LastCycle string `json:"last_cycle,omitempty"`
}

// CurrentHealth computes the health status. "starting" before the first cycle,
// "degraded" when cycles stall or trading is paused.
func CurrentHealth(now time.Time) HealthStatus {
	healthMu.RLock()
	defer healthMu.RUnlock()

	h := HealthStatus{
		Status:    "healthy",
		Timestamp: now.UTC().Format(time.RFC3339),
		Uptime:    now.Sub(startTime).Round(time.Second).String(),
		Version:   version,
		Mode:      mode,
	}
	switch {
	case lastCycle.IsZero():
		h.Status = "starting"
	case now.Sub(lastCycle) > staleAge:
		h.Status = "degraded"
	case mode != "TRADING":
		h.Status = "degraded"
	}
	if !lastCycle.IsZero() {
		h.LastCycle = lastCycle.UTC().Format(time.RFC3339)
	}
	return h
}

// HealthHandler serves CurrentHealth as JSON. Degraded still answers 200 so
// a paused simulator is not restarted by its supervisor.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(CurrentHealth(time.Now()))
	})
}
