// Package stream delivers applied patches to browser clients over
// websockets. Each subscriber owns a buffered FIFO send queue drained
// by a single writer goroutine, so every client observes patches in
// apply order — the ordered, reliable channel the protocol's
// index-based addressing depends on.
package stream

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"patchcast/pkg/logger"
)

var (
	subscriberGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "patchcast_stream_subscribers",
		Help: "Currently connected websocket subscribers.",
	})
	broadcastTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "patchcast_stream_broadcast_total",
		Help: "Patches fanned out to subscribers.",
	})
	evictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "patchcast_stream_evicted_total",
		Help: "Subscribers dropped because their send queue overflowed.",
	})
)

// Hub tracks subscribers per session and fans applied patches out to
// them.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]map[*Subscriber]struct{}
	upgrader websocket.Upgrader
	sendBuf  int
}

// NewHub creates a hub. allowedOrigins follows the CORS config: empty
// rejects cross-origin upgrades, "*" allows any.
func NewHub(allowedOrigins []string, sendBuf int) *Hub {
	if sendBuf <= 0 {
		sendBuf = 256
	}
	h := &Hub{
		sessions: map[string]map[*Subscriber]struct{}{},
		sendBuf:  sendBuf,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, a := range allowedOrigins {
				if a == "*" || strings.EqualFold(a, origin) {
					return true
				}
			}
			return false
		},
	}
	return h
}

// ServeWS upgrades the request and registers the connection as a
// subscriber of sessionID. The subscriber is registered first so live
// broadcasts buffer into its send queue; replay, when non-nil, then
// writes journaled patches straight to the connection, unbounded by
// the live buffer. The highest replayed sequence becomes a cutoff the
// write pump uses to drop the overlap, so the client sees one gapless
// ordered stream however large the journal is.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, sessionID string, replay func(emit func(seq uint64, payload []byte) error) error) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	sub := &Subscriber{
		conn: conn,
		send: make(chan envelope, h.sendBuf),
	}

	h.mu.Lock()
	subs, ok := h.sessions[sessionID]
	if !ok {
		subs = map[*Subscriber]struct{}{}
		h.sessions[sessionID] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()
	subscriberGauge.Inc()

	if replay != nil {
		if rerr := replay(func(seq uint64, payload []byte) error {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if werr := conn.WriteMessage(websocket.TextMessage, payload); werr != nil {
				return werr
			}
			if seq > sub.minSeq {
				sub.minSeq = seq
			}
			return nil
		}); rerr != nil {
			logger.Warn("subscriber_replay_failed", "session", sessionID, "error", rerr)
			h.unregister(sessionID, sub)
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "catch-up failed"))
			_ = conn.Close()
			return rerr
		}
	}

	logger.Info("subscriber_joined", "session", sessionID, "remote", r.RemoteAddr)

	go sub.writePump(func() { h.unregister(sessionID, sub) })
	go sub.readPump(func() { h.unregister(sessionID, sub) })
	return nil
}

// Broadcast enqueues payload to every subscriber of sessionID, in apply
// order. A subscriber whose queue is full is evicted rather than allowed
// to stall or reorder the stream.
func (h *Hub) Broadcast(sessionID string, seq uint64, payload []byte) {
	h.mu.Lock()
	var evicted []*Subscriber
	for sub := range h.sessions[sessionID] {
		select {
		case sub.send <- envelope{seq: seq, payload: payload}:
		default:
			evicted = append(evicted, sub)
		}
	}
	for _, sub := range evicted {
		delete(h.sessions[sessionID], sub)
	}
	h.mu.Unlock()

	broadcastTotal.Inc()
	for _, sub := range evicted {
		evictedTotal.Inc()
		subscriberGauge.Dec()
		logger.Warn("subscriber_evicted", "session", sessionID, "reason", "send_queue_full")
		sub.close()
	}
}

func (h *Hub) unregister(sessionID string, sub *Subscriber) {
	h.mu.Lock()
	subs := h.sessions[sessionID]
	_, present := subs[sub]
	if present {
		delete(subs, sub)
	}
	if len(subs) == 0 {
		delete(h.sessions, sessionID)
	}
	h.mu.Unlock()
	if present {
		subscriberGauge.Dec()
	}
	sub.close()
}

// Subscribers returns the number of live subscribers for a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[sessionID])
}

// Total returns the number of live subscribers across all sessions.
func (h *Hub) Total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, subs := range h.sessions {
		n += len(subs)
	}
	return n
}

// CloseAll disconnects every subscriber, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []*Subscriber
	for sid, subs := range h.sessions {
		for sub := range subs {
			all = append(all, sub)
		}
		delete(h.sessions, sid)
	}
	h.mu.Unlock()
	for _, sub := range all {
		subscriberGauge.Dec()
		sub.close()
	}
}
