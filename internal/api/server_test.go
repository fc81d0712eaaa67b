package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/Rajchodisetti/ensemble-trader/internal/alerts"
	"github.com/Rajchodisetti/ensemble-trader/internal/config"
	"github.com/Rajchodisetti/ensemble-trader/internal/engine"
	"github.com/Rajchodisetti/ensemble-trader/internal/feed"
)

func newRunner(t *testing.T) *engine.Runner {
	t.Helper()
	cfg := config.Default()
	cfg.Universe = []string{"AAPL", "SPY", "GOLD"}
	cfg.Symbols = []string{"AAPL"}
	cfg.Risk.StressProxies = []string{"SPY"}
	cfg.Risk.NonDonors = []string{"GOLD"}
	cfg.State.Dir = t.TempDir()
	cfg.Feed.Provider = "mock"
	require.NoError(t, cfg.Validate())

	mock := feed.NewMockProvider()
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100 + float64(i%3)
	}
	mock.SetCloses("AAPL", closes...)
	mock.SetCloses("SPY", closes...)
	mock.SetCloses("GOLD", closes...)

	r, err := engine.Open(cfg, zaptest.NewLogger(t), engine.Options{Provider: mock, Notifier: alerts.Nop{}})
	require.NoError(t, err)
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestPortfolioAndOrders(t *testing.T) {
	h := NewServer(newRunner(t), nil, zaptest.NewLogger(t)).Handler()

	w := do(t, h, http.MethodGet, "/api/portfolio", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap map[string]any
	decode(t, w, &snap)
	assert.Equal(t, "10000", snap["cash"])

	w = do(t, h, http.MethodPost, "/api/orders", map[string]any{"symbol": "AAPL", "side": "BUY", "quantity": 5, "price": 100})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res engine.OrderResult
	decode(t, w, &res)
	assert.True(t, res.Filled)
	assert.InDelta(t, 9500, res.Cash, 1e-9)

	w = do(t, h, http.MethodPost, "/api/orders", map[string]any{"symbol": "AAPL", "side": "HOLD", "quantity": 5, "price": 100})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodGet, "/api/trades?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var trades struct {
		Trades []map[string]any `json:"trades"`
	}
	decode(t, w, &trades)
	require.Len(t, trades.Trades, 1)
	assert.Equal(t, "manual", trades.Trades[0]["origin"])
}

func TestModeTransitions(t *testing.T) {
	h := NewServer(newRunner(t), nil, zaptest.NewLogger(t)).Handler()

	w := do(t, h, http.MethodPost, "/api/mode", map[string]string{"mode": "paused", "operator": "ops", "reason": "drill"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, h, http.MethodPost, "/api/mode", map[string]string{"mode": "PAUSED", "operator": "ops"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodPost, "/api/orders", map[string]any{"symbol": "AAPL", "side": "BUY", "quantity": 1, "price": 100})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodPost, "/api/mode", map[string]string{"mode": "TRADING"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "resume needs an operator")

	w = do(t, h, http.MethodPost, "/api/mode", map[string]string{"mode": "sideways", "operator": "ops"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/api/mode", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/api/mode", map[string]string{"mode": "TRADING", "operator": "ops"})
	require.Equal(t, http.StatusOK, w.Code)
	var st map[string]any
	decode(t, w, &st)
	assert.Equal(t, "TRADING", st["mode"])

	w = do(t, h, http.MethodGet, "/api/mode", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestQueriesAfterCycle(t *testing.T) {
	r := newRunner(t)
	h := NewServer(r, nil, zaptest.NewLogger(t)).Handler()

	w := do(t, h, http.MethodGet, "/api/report", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	r.Cycle(context.Background())

	w = do(t, h, http.MethodGet, "/api/report", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rep map[string]any
	decode(t, w, &rep)
	assert.EqualValues(t, 1, rep["cycle"])

	w = do(t, h, http.MethodGet, "/api/decisions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var dec struct {
		Decisions []json.RawMessage `json:"decisions"`
	}
	decode(t, w, &dec)
	assert.Len(t, dec.Decisions, 1)

	for _, path := range []string{"/api/risk", "/api/canary", "/api/strategies", "/healthz", "/metrics"} {
		w = do(t, h, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w = do(t, h, http.MethodGet, "/api/decisions?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOptimizeAndPropose(t *testing.T) {
	r := newRunner(t)
	h := NewServer(r, nil, zaptest.NewLogger(t)).Handler()

	w := do(t, h, http.MethodPost, "/api/optimize", map[string]any{"strategy": "momentum", "symbol": "AAPL", "grid": map[string][]float64{"window": {2, 3}}})
	assert.Equal(t, http.StatusNotFound, w.Code, "no history before the first cycle")

	r.Cycle(context.Background())

	w = do(t, h, http.MethodPost, "/api/optimize", map[string]any{"strategy": "nope", "symbol": "AAPL"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPost, "/api/optimize", map[string]any{"strategy": "momentum", "symbol": "AAPL", "grid": map[string][]float64{"window": {}}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/api/optimize", map[string]any{"strategy": "momentum", "symbol": "AAPL", "grid": map[string][]float64{"window": {2, 3, 5}}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res engine.OptimizeResult
	decode(t, w, &res)
	assert.Len(t, res.Report.Results, 3)

	w = do(t, h, http.MethodPost, "/api/canary/proposals", map[string]any{"strategy": "momentum", "params": map[string]float64{"bogus": 1}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/api/canary/proposals", map[string]any{"strategy": "momentum", "params": map[string]float64{"window": 4}})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = do(t, h, http.MethodGet, "/api/canary", nil)
	var cs engine.CanaryStatus
	decode(t, w, &cs)
	require.NotNil(t, cs.Pending)
	assert.Equal(t, "operator", cs.Pending.Source)
}

func TestReportsReplay(t *testing.T) {
	hub := NewHub(0, zap.NewNop())
	h := NewServer(newRunner(t), hub, zaptest.NewLogger(t)).Handler()

	for i := 1; i <= 3; i++ {
		hub.Publish(map[string]int{"cycle": i})
	}

	w := do(t, h, http.MethodGet, "/api/reports?since_id=1&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Frames []Frame `json:"frames"`
	}
	decode(t, w, &out)
	require.Len(t, out.Frames, 1)
	assert.EqualValues(t, 2, out.Frames[0].Seq)
	assert.JSONEq(t, `{"cycle":2}`, string(out.Frames[0].Data))

	w = do(t, h, http.MethodGet, "/api/reports?since_id=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebsocketReceivesFrames(t *testing.T) {
	hub := NewHub(0, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(NewServer(newRunner(t), hub, zap.NewNop()).Handler())
	defer srv.Close()

	hub.Publish(map[string]int{"cycle": 1})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var f Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&f))
	assert.EqualValues(t, 1, f.Seq, "latest frame on connect")

	hub.Publish(map[string]int{"cycle": 2})
	require.NoError(t, conn.ReadJSON(&f))
	assert.EqualValues(t, 2, f.Seq)
	assert.Equal(t, "cycle", f.Type)
	assert.Equal(t, 1, hub.Clients())
}

func TestStreamResumesFromLastEventID(t *testing.T) {
	hub := NewHub(0, zap.NewNop())
	srv := httptest.NewServer(NewServer(newRunner(t), hub, zap.NewNop()).Handler())
	defer srv.Close()

	for i := 1; i <= 3; i++ {
		hub.Publish(map[string]int{"cycle": i})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var ids []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() && len(ids) < 2 {
		if id, ok := strings.CutPrefix(sc.Text(), "id: "); ok {
			ids = append(ids, id)
		}
	}
	assert.Equal(t, []string{"2", "3"}, ids)
}

func TestHubDropsOldFrames(t *testing.T) {
	hub := NewHub(0, zap.NewNop())
	hub.ringMax = 2
	for i := 0; i < 5; i++ {
		hub.Publish(i)
	}
	frames := hub.Since(0, 0)
	require.Len(t, frames, 2)
	assert.EqualValues(t, 4, frames[0].Seq)
	latest, ok := hub.Latest()
	require.True(t, ok)
	assert.EqualValues(t, 5, latest.Seq)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(context.Canceled))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
	assert.Equal(t, http.StatusConflict, statusFor(engine.ErrTradingPaused))
}
