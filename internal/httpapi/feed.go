package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/posegen/internal/generation"
)

const (
	feedWriteTimeout = 10 * time.Second
	feedReadTimeout  = 120 * time.Second
	feedPingInterval = 30 * time.Second
)

// feedSnapshot is the first frame on every feed connection.
type feedSnapshot struct {
	Type    string            `json:"type"`
	OwnerID string            `json:"owner_id"`
	Tasks   []generation.Task `json:"tasks"`
}

// handleFeed streams registry events to a UI client. The client only reads;
// inbound frames are drained to notice closes and pongs.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	s.logger.Debug("feed client connected", "remote", r.RemoteAddr)

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		return nil
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
		return conn.WriteJSON(v) == nil
	}
	if !write(feedSnapshot{Type: "snapshot", OwnerID: s.registry.Owner(), Tasks: s.registry.List(true)}) {
		return
	}

	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("feed client disconnected", "remote", r.RemoteAddr)
			return
		case evt, ok := <-events:
			if !ok || !write(evt) {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
