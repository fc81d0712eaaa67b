package alerts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/ensemble-trader/internal/config"
	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Message is an operator notification.
type Message struct {
	Title     string            `json:"title"`
	Text      string            `json:"text"`
	Severity  Severity          `json:"severity"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Notifier delivers messages without blocking the caller.
type Notifier interface {
	Send(msg Message)
	Close()
}

// Nop discards everything.
type Nop struct{}

func (Nop) Send(Message) {}
func (Nop) Close() {}

// New returns a Slack notifier when alerts are enabled, Nop otherwise.
func New(cfg config.Alerts, logger *zap.Logger) (Notifier, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	n, err := NewSlackNotifier(SlackConfigFrom(cfg), logger)
	if err != nil {
		return nil, err
	}
	return n, nil
}

type SlackConfig struct {
	WebhookURL   string
	Channel      string
	Timeout      time.Duration
	QueueSize    int
	MaxRetries   int
	DedupeWindow time.Duration
	BackoffBase  time.Duration
}

func SlackConfigFrom(c config.Alerts) SlackConfig {
	return SlackConfig{
		WebhookURL:   c.WebhookURL,
		Channel:      c.Channel,
		Timeout:      time.Duration(c.TimeoutMs) * time.Millisecond,
		QueueSize:    c.QueueSize,
		MaxRetries:   c.MaxRetries,
		DedupeWindow: time.Duration(c.DedupeSecs) * time.Second,
		BackoffBase:  time.Second,
	}
}

var ErrNoWebhook = errors.New("slack webhook url is required")

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Fields []slackField `json:"fields"`
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type queuedAlert struct {
	msg      Message
	attempts int
}

// Stats counts delivery outcomes.
type Stats struct {
	Sent    int64
	Failed  int64
	Dropped int64
	Deduped int64
}

// SlackNotifier posts to an incoming webhook from a single worker goroutine.
// The queue is bounded; when it is full new messages are dropped.
type SlackNotifier struct {
	cfg        SlackConfig
	httpClient *http.Client
	logger     *zap.Logger
	queue      chan queuedAlert

	mu     sync.Mutex
	dedupe map[string]time.Time
	stats  Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewSlackNotifier(cfg SlackConfig, logger *zap.Logger) (*SlackNotifier, error) {
	if cfg.WebhookURL == "" {
		return nil, ErrNoWebhook
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SlackNotifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("alerts"),
		queue:      make(chan queuedAlert, cfg.QueueSize),
		dedupe:     make(map[string]time.Time),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.wg.Add(1)
	go s.worker()
	return s, nil
}

// Send enqueues msg. Identical messages inside the dedupe window are skipped.
func (s *SlackNotifier) Send(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	hash := messageHash(msg)

	s.mu.Lock()
	if last, ok := s.dedupe[hash]; ok && s.cfg.DedupeWindow > 0 && msg.Timestamp.Sub(last) < s.cfg.DedupeWindow {
		s.stats.Deduped++
		s.mu.Unlock()
		return
	}
	s.dedupe[hash] = msg.Timestamp
	for h, at := range s.dedupe {
		if msg.Timestamp.Sub(at) > 5*s.cfg.DedupeWindow {
			delete(s.dedupe, h)
		}
	}
	s.mu.Unlock()

	select {
	case <-s.ctx.Done():
		s.drop("closed")
	case s.queue <- queuedAlert{msg: msg}:
	default:
		s.drop("queue_full")
	}
}

func (s *SlackNotifier) drop(reason string) {
	s.mu.Lock()
	s.stats.Dropped++
	s.mu.Unlock()
	observ.AlertsDropped.WithLabelValues(reason).Inc()
}

func (s *SlackNotifier) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case a := <-s.queue:
			s.deliver(a)
		}
	}
}

// deliver retries with exponential backoff and jitter until MaxRetries.
func (s *SlackNotifier) deliver(a queuedAlert) {
	for {
		err := s.post(a.msg)
		if err == nil {
			s.mu.Lock()
			s.stats.Sent++
			s.mu.Unlock()
			return
		}
		a.attempts++
		if a.attempts >= s.cfg.MaxRetries {
			s.mu.Lock()
			s.stats.Failed++
			s.mu.Unlock()
			observ.AlertsDropped.WithLabelValues("retries_exhausted").Inc()
			s.logger.Warn("alert delivery failed", zap.String("title", a.msg.Title), zap.Int("attempts", a.attempts), zap.Error(err))
			return
		}
		backoff := time.Duration(math.Pow(2, float64(a.attempts-1))) * s.cfg.BackoffBase
		jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
		timer := time.NewTimer(backoff + jitter)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *SlackNotifier) post(msg Message) error {
	payload, err := json.Marshal(s.format(msg))
	if err != nil {
		return fmt.Errorf("marshal slack message: %w", err)
	}
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook status %d", resp.StatusCode)
	}
	return nil
}

func (s *SlackNotifier) format(msg Message) slackMessage {
	color := "good"
	switch msg.Severity {
	case SeverityWarning:
		color = "warning"
	case SeverityCritical:
		color = "danger"
	}

	keys := make([]string, 0, len(msg.Fields))
	for k := range msg.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]slackField, 0, len(keys)+1)
	for _, k := range keys {
		fields = append(fields, slackField{Title: k, Value: msg.Fields[k], Short: true})
	}
	fields = append(fields, slackField{Title: "Time", Value: msg.Timestamp.UTC().Format(time.RFC3339), Short: true})

	text := msg.Title
	if msg.Text != "" {
		text += ": " + msg.Text
	}
	if len(text) > 3000 {
		text = text[:2997] + "..."
	}
	return slackMessage{
		Channel:     s.cfg.Channel,
		Text:        text,
		Attachments: []slackAttachment{{Color: color, Fields: fields}},
	}
}

// Stats returns delivery counters.
func (s *SlackNotifier) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close stops the worker. Queued messages that were not sent are discarded.
func (s *SlackNotifier) Close() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

func messageHash(m Message) string {
	sum := sha256.Sum256([]byte(string(m.Severity) + "|" + m.Title + "|" + m.Text))
	return fmt.Sprintf("%x", sum)[:16]
}
