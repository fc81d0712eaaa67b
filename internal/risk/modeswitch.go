package risk

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Mode is the trading mode.
type Mode string

const (
	ModeTrading Mode = "TRADING"
	ModePaused  Mode = "PAUSED"
)

// Mode event types
const (
	EventKillTriggered = "kill_triggered"
	EventManualPause   = "manual_pause"
	EventResumed       = "resumed"
)

var (
	ErrNoTransition     = errors.New("mode already in requested state")
	ErrOperatorRequired = errors.New("operator is required to resume trading")
	ErrUnknownMode      = errors.New("unknown mode")
)

// ParseMode accepts TRADING or PAUSED in any case.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeTrading:
		return ModeTrading, nil
	case ModePaused:
		return ModePaused, nil
	}
	return "", ErrUnknownMode
}

// ModeEvent records one transition.
type ModeEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	From      Mode      `json:"from"`
	To        Mode      `json:"to"`
	Operator  string    `json:"operator,omitempty"`
	Reasons   []string  `json:"reasons,omitempty"`
	Metrics   *Metrics  `json:"metrics,omitempty"`
}

// ModeStatus is the current mode and how it got there.
type ModeStatus struct {
	Mode     Mode      `json:"mode"`
	Since    time.Time `json:"since"`
	Operator string    `json:"operator,omitempty"`
	Reasons  []string  `json:"reasons,omitempty"`
}

// EventSink persists mode events. *journal.Journal satisfies it.
type EventSink interface {
	Append(kind string, data any) error
}

// ModeSwitch is the TRADING/PAUSED state machine. A kill trip or an operator
// pause moves it to PAUSED; only an operator resume moves it back.
type ModeSwitch struct {
	mu     sync.RWMutex
	status ModeStatus
	events []ModeEvent

	sink      EventSink
	sinkKind  string
	logger    *zap.Logger
	maxEvents int
}

func NewModeSwitch(initial Mode, sink EventSink, sinkKind string, logger *zap.Logger) *ModeSwitch {
	if logger == nil {
		logger = zap.NewNop()
	}
	if initial != ModePaused {
		initial = ModeTrading
	}
	return &ModeSwitch{
		status:    ModeStatus{Mode: initial, Since: time.Now().UTC()},
		sink:      sink,
		sinkKind:  sinkKind,
		logger:    logger,
		maxEvents: 100,
	}
}

func (m *ModeSwitch) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Mode
}

func (m *ModeSwitch) Status() ModeStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.status
	s.Reasons = append([]string(nil), s.Reasons...)
	return s
}

// Trip pauses trading after a kill-check breach. It returns false when the
// switch was already paused.
func (m *ModeSwitch) Trip(reasons []string, metrics Metrics, at time.Time) bool {
	mc := metrics
	ev, ok := m.transition(ModePaused, EventKillTriggered, "", reasons, &mc, at)
	if !ok {
		return false
	}
	m.logger.Warn("kill switch tripped",
		zap.Strings("reasons", reasons),
		zap.Float64("pnl_pct", metrics.PnLPct),
		zap.Float64("max_drawdown_pct", metrics.MaxDrawdownPct),
		zap.Float64("var", metrics.VaR))
	m.persist(ev)
	return true
}

// Pause is an operator-initiated pause.
func (m *ModeSwitch) Pause(operator, reason string, at time.Time) error {
	ev, ok := m.transition(ModePaused, EventManualPause, operator, nonEmpty(reason), nil, at)
	if !ok {
		return ErrNoTransition
	}
	m.logger.Info("trading paused by operator", zap.String("operator", operator), zap.String("reason", reason))
	m.persist(ev)
	return nil
}

// Resume is the only way back to TRADING.
func (m *ModeSwitch) Resume(operator, reason string, at time.Time) error {
	if strings.TrimSpace(operator) == "" {
		return ErrOperatorRequired
	}
	ev, ok := m.transition(ModeTrading, EventResumed, operator, nonEmpty(reason), nil, at)
	if !ok {
		return ErrNoTransition
	}
	m.logger.Info("trading resumed", zap.String("operator", operator), zap.String("reason", reason))
	m.persist(ev)
	return nil
}

// Set routes an operator mode toggle to Pause or Resume.
func (m *ModeSwitch) Set(mode Mode, operator, reason string, at time.Time) error {
	switch mode {
	case ModePaused:
		return m.Pause(operator, reason, at)
	case ModeTrading:
		return m.Resume(operator, reason, at)
	}
	return ErrUnknownMode
}

// Events returns the most recent transitions.
func (m *ModeSwitch) Events() []ModeEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ModeEvent(nil), m.events...)
}

func (m *ModeSwitch) transition(to Mode, typ, operator string, reasons []string, metrics *Metrics, at time.Time) (ModeEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.status.Mode
	if from == to {
		return ModeEvent{}, false
	}
	ev := ModeEvent{
		ID:        uuid.NewString(),
		Timestamp: at.UTC(),
		Type:      typ,
		From:      from,
		To:        to,
		Operator:  operator,
		Reasons:   reasons,
		Metrics:   metrics,
	}
	m.status = ModeStatus{Mode: to, Since: at.UTC(), Operator: operator, Reasons: reasons}
	m.events = append(m.events, ev)
	if len(m.events) > m.maxEvents {
		m.events = m.events[len(m.events)-m.maxEvents:]
	}
	return ev, true
}

func (m *ModeSwitch) persist(ev ModeEvent) {
	if m.sink == nil {
		return
	}
	if err := m.sink.Append(m.sinkKind, ev); err != nil {
		m.logger.Error("failed to persist mode event", zap.String("type", ev.Type), zap.Error(err))
	}
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
