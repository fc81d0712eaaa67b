package alerts

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Rajchodisetti/ensemble-trader/internal/config"
)

type webhook struct {
	mu       sync.Mutex
	bodies   []slackMessage
	failures int32
	calls    int32
}

func (w *webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	n := atomic.AddInt32(&w.calls, 1)
	if n <= atomic.LoadInt32(&w.failures) {
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	var msg slackMessage
	_ = json.NewDecoder(r.Body).Decode(&msg)
	w.mu.Lock()
	w.bodies = append(w.bodies, msg)
	w.mu.Unlock()
	rw.WriteHeader(http.StatusOK)
}

func (w *webhook) received() []slackMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]slackMessage(nil), w.bodies...)
}

func testConfig(url string) SlackConfig {
	return SlackConfig{
		WebhookURL:   url,
		Channel:      "#trading",
		Timeout:      time.Second,
		QueueSize:    10,
		MaxRetries:   3,
		DedupeWindow: time.Minute,
		BackoffBase:  5 * time.Millisecond,
	}
}

func TestSlackNotifierDelivers(t *testing.T) {
	hook := &webhook{}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	n, err := NewSlackNotifier(testConfig(srv.URL), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer n.Close()

	n.Send(Message{
		Title:    "Kill switch triggered",
		Text:     "max_drawdown",
		Severity: SeverityCritical,
		Fields:   map[string]string{"drawdown": "-6.00%"},
	})

	require.Eventually(t, func() bool { return len(hook.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := hook.received()[0]
	assert.Equal(t, "#trading", got.Channel)
	assert.Equal(t, "Kill switch triggered: max_drawdown", got.Text)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "danger", got.Attachments[0].Color)
	assert.Equal(t, "drawdown", got.Attachments[0].Fields[0].Title)
	assert.Equal(t, int64(1), n.Stats().Sent)
}

func TestSlackNotifierRetriesThenSucceeds(t *testing.T) {
	hook := &webhook{failures: 2}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	n, err := NewSlackNotifier(testConfig(srv.URL), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer n.Close()

	n.Send(Message{Title: "resumed", Severity: SeverityInfo})
	require.Eventually(t, func() bool { return n.Stats().Sent == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hook.calls))
}

func TestSlackNotifierGivesUp(t *testing.T) {
	hook := &webhook{failures: 100}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	n, err := NewSlackNotifier(testConfig(srv.URL), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer n.Close()

	n.Send(Message{Title: "paused"})
	require.Eventually(t, func() bool { return n.Stats().Failed == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hook.calls))
}

func TestSlackNotifierDedupes(t *testing.T) {
	hook := &webhook{}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	n, err := NewSlackNotifier(testConfig(srv.URL), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer n.Close()

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	n.Send(Message{Title: "paused", Timestamp: at})
	n.Send(Message{Title: "paused", Timestamp: at.Add(10 * time.Second)})
	n.Send(Message{Title: "paused", Timestamp: at.Add(2 * time.Minute)})

	require.Eventually(t, func() bool { return n.Stats().Sent == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), n.Stats().Deduped)
}

func TestSlackNotifierDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(block)

	cfg := testConfig(srv.URL)
	cfg.QueueSize = 1
	cfg.DedupeWindow = 0
	n, err := NewSlackNotifier(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer n.Close()

	for i := 0; i < 10; i++ {
		n.Send(Message{Title: "burst", Text: time.Duration(i).String()})
	}
	assert.GreaterOrEqual(t, n.Stats().Dropped, int64(8))
}

func TestNewReturnsNopWhenDisabled(t *testing.T) {
	n, err := New(config.Alerts{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, Nop{}, n)
	n.Send(Message{Title: "ignored"})
	n.Close()

	_, err = New(config.Alerts{Enabled: true}, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrNoWebhook)
}
