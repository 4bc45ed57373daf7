package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coursepilot/progressd/internal/progress"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleProgressWS streams post-mutation snapshots for one session. The
// stream ends when the session reaches a terminal status, the client
// disconnects, or no event arrives within the session TTL. A client that
// misses events here recovers by polling; the store is the source of truth.
func (s *Server) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	sessionID := queryFirst(r, "session_id", "sessionId")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := s.log.With(
		zap.String("session_id", sessionID),
		zap.String("conn_id", uuid.NewString()),
	)
	log.Debug("subscriber connected")
	defer log.Debug("subscriber disconnected")

	// Subscribing before the session exists is allowed; the channel waits
	// for the first event.
	events, unsubscribe := s.store.Subscribe(sessionID)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribers never send data frames; the read loop only detects
	// disconnects and keeps the pong deadline fresh.
	go func() {
		defer cancel()
		conn.SetReadLimit(1 << 20)
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Open with the current state when the session already exists, so the
	// client does not have to race its subscription against the producer.
	if snap, err := s.store.GetSnapshot(sessionID, ""); err == nil {
		opening := progress.Event{Type: progress.EventSnapshot, Snapshot: snap, At: time.Now().UTC()}
		if !s.writeEvent(conn, opening) {
			return
		}
		if snap.Status.Terminal() {
			return
		}
	}

	// A subscriber's wait for the next event must not hang forever: if the
	// producer goes quiet past the TTL the reaper will expire the session,
	// and the idle timer bounds the case where it never existed at all.
	idleTimeout := s.cfg.SessionTTL + s.cfg.FanoutGrace
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	pings := time.NewTicker(wsPingInterval)
	defer pings.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
			return
		case <-pings.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case evt, ok := <-events:
			if !ok {
				return
			}
			if !s.writeEvent(conn, evt) {
				return
			}
			if evt.Terminal() {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idleTimeout)
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, evt progress.Event) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(evt); err != nil {
		s.metrics.WSMessages.WithLabelValues("outbound", "write_error").Inc()
		return false
	}
	s.metrics.WSMessages.WithLabelValues("outbound", string(evt.Type)).Inc()
	return true
}
