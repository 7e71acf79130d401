package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/novaxhq/novax/pkg/models"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second

	// wsSendBuffer bounds per-listener backlog; a listener that cannot
	// keep up loses events rather than stalling the publisher.
	wsSendBuffer = 64
)

// handleWS upgrades the connection and relays task lifecycle events to
// the listener until it disconnects. The subscription covers all five
// lifecycle event names and is removed atomically on disconnect.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.APIKey != "" {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("token")
		}
		if key != s.cfg.APIKey {
			writeError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	listener := &wsListener{
		server: s,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
	}
	if s.metrics != nil {
		s.metrics.WSListeners.Inc()
	}
	s.logger.Info("listener connected", "remote", conn.RemoteAddr())

	group := s.bus.SubscribeAll(listener.relay)

	go listener.writePump()
	listener.readPump()

	group.Close()
	close(listener.done)
	conn.Close()
	if s.metrics != nil {
		s.metrics.WSListeners.Dec()
	}
	s.logger.Info("listener disconnected", "remote", conn.RemoteAddr())
}

var errUnauthorized = &httpError{"invalid API key"}

type httpError struct{ msg string }

func (e *httpError) Error() string { return e.msg }

type wsListener struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
}

// relay runs on the publisher's goroutine; it must never block. A full
// send buffer drops the event for this listener only.
func (l *wsListener) relay(ev models.TaskEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		l.server.logger.Error("encode task event", "error", err)
		return
	}
	select {
	case l.send <- payload:
	case <-l.done:
	default:
		l.server.logger.Warn("listener backlog full, dropping event",
			"event", ev.Type, "task_id", ev.TaskID)
	}
}

func (l *wsListener) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-l.done:
			return
		}
	}
}

// readPump discards inbound frames; the socket is push-only. It returns
// when the peer closes or the connection errors, which tears down the
// subscription.
func (l *wsListener) readPump() {
	l.conn.SetReadLimit(1 << 16)
	l.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := l.conn.ReadMessage(); err != nil {
			return
		}
	}
}
