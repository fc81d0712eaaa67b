package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
)

// Frame is one pushed message. Seq increases by one per Publish.
type Frame struct {
	Seq  uint64          `json:"seq"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

type subscriber struct {
	send chan []byte
}

// Hub fans cycle reports out to websocket and event-stream observers.
// Publish never blocks the caller; a fallback ticker re-sends the latest
// frame so observers that missed a push catch up.
type Hub struct {
	logger   *zap.Logger
	fallback time.Duration
	upgrader websocket.Upgrader

	broadcast chan Frame

	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	ring    []Frame
	ringMax int
	nextSeq uint64
	closed  bool
}

func NewHub(fallback time.Duration, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:    logger.Named("hub"),
		fallback:  fallback,
		broadcast: make(chan Frame, 64),
		subs:      make(map[*subscriber]struct{}),
		ringMax:   200,
		nextSeq:   1,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Publish records v as the latest frame and queues it for fan-out.
func (h *Hub) Publish(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("drop unencodable frame", zap.Error(err))
		return
	}
	h.mu.Lock()
	f := Frame{Seq: h.nextSeq, Type: "cycle", At: time.Now().UTC(), Data: data}
	h.nextSeq++
	h.ring = append(h.ring, f)
	if len(h.ring) > h.ringMax {
		h.ring = h.ring[len(h.ring)-h.ringMax:]
	}
	h.mu.Unlock()

	select {
	case h.broadcast <- f:
	default:
		observ.PushDropped.Inc()
	}
}

// Since returns buffered frames with Seq > since, oldest first, at most limit.
func (h *Hub) Since(since uint64, limit int) []Frame {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Frame
	for _, f := range h.ring {
		if f.Seq > since {
			out = append(out, f)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Latest returns the most recent frame.
func (h *Hub) Latest() (Frame, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.ring) == 0 {
		return Frame{}, false
	}
	return h.ring[len(h.ring)-1], true
}

// Clients counts connected observers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Run fans frames out until ctx is cancelled, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if h.fallback > 0 {
		ticker := time.NewTicker(h.fallback)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case f := <-h.broadcast:
			h.fanout(f)
		case <-tick:
			if f, ok := h.Latest(); ok {
				h.fanout(f)
			}
		}
	}
}

func (h *Hub) fanout(f Frame) {
	msg, err := json.Marshal(f)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.send <- msg:
		default:
			observ.PushDropped.Inc()
		}
	}
}

// subscribe registers a client. With withLatest the newest frame is queued
// before any broadcast can reach it.
func (h *Hub) subscribe(withLatest bool) (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	s := &subscriber{send: make(chan []byte, 16)}
	if withLatest && len(h.ring) > 0 {
		if msg, err := json.Marshal(h.ring[len(h.ring)-1]); err == nil {
			s.send <- msg
		}
	}
	h.subs[s] = struct{}{}
	observ.PushClients.Set(float64(len(h.subs)))
	return s, true
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.send)
	}
	observ.PushClients.Set(float64(len(h.subs)))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		delete(h.subs, s)
		close(s.send)
	}
	observ.PushClients.Set(0)
}

// ServeWS upgrades the request and streams frames, starting with the latest.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	s, ok := h.subscribe(true)
	if !ok {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	go h.writePump(conn, s)
	h.readPump(conn, s)
}

// readPump only watches for the peer going away.
func (h *Hub) readPump(conn *websocket.Conn, s *subscriber) {
	defer func() {
		h.unsubscribe(s)
		conn.Close()
	}()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, s *subscriber) {
	ping := time.NewTicker(30 * time.Second)
	defer func() {
		ping.Stop()
		conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeStream is the server-sent events variant of ServeWS. A Last-Event-ID
// header resumes from the replay buffer.
func (h *Hub) ServeStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	s, ok := h.subscribe(false)
	if !ok {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.unsubscribe(s)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var backlog []Frame
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		if seq, err := strconv.ParseUint(last, 10, 64); err == nil {
			backlog = h.Since(seq, 0)
		}
	} else if f, ok := h.Latest(); ok {
		backlog = []Frame{f}
	}
	var lastSeq uint64
	for _, f := range backlog {
		if err := writeEvent(w, f); err != nil {
			return
		}
		lastSeq = f.Seq
	}
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ":ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			var f Frame
			if err := json.Unmarshal(msg, &f); err != nil || f.Seq <= lastSeq {
				continue
			}
			if err := writeEvent(w, f); err != nil {
				return
			}
			lastSeq = f.Seq
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", f.Type, f.Seq, payload)
	return err
}
