package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tachyon-dl/downloader/internal/eventbus"
)

const (
	wsPongTimeout      = 60 * time.Second
	wsHeartbeatCheck   = 10 * time.Second
	wsWriteWait        = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // CORS already enforced on the HTTP side
}

// inboundMessage is the shape of every client -> server frame: a subscribe
// request or a keepalive ping. Subscriptions is only read for "subscribe".
type inboundMessage struct {
	Type          string   `json:"type"`
	Subscriptions []string `json:"subscriptions,omitempty"`
}

type outboundEvent struct {
	Type      string         `json:"type"`
	EventID   uint64         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Category  string         `json:"category"`
	Event     eventbus.Event `json:"event"`
}

// pingClock is a mutex-guarded timestamp tracking the last client ping,
// read by the heartbeat goroutine and written by the reader loop.
type pingClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *pingClock) touch() {
	c.mu.Lock()
	c.at = time.Now()
	c.mu.Unlock()
}

func (c *pingClock) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.at)
}

// handleWS upgrades to a WebSocket and bridges one eventbus.Subscription to
// the connection: client subscribe messages retarget the subscription's
// topic set in place, and published events are pushed out as they arrive.
// writeMu serializes the event-pump goroutine against heartbeat pong
// replies, since gorilla/websocket forbids concurrent writes on one conn.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("api: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(nil)
	defer s.bus.Unsubscribe(sub)

	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}

	if err := writeJSON(map[string]string{"type": "connected"}); err != nil {
		return
	}

	clock := &pingClock{at: time.Now()}
	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)

	go func() {
		for evt := range sub.Events() {
			out := outboundEvent{Type: "event", EventID: evt.EventID, Timestamp: evt.Timestamp, Category: evt.Category, Event: evt}
			if writeJSON(out) != nil {
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(wsHeartbeatCheck)
		defer ticker.Stop()
		for {
			select {
			case <-stopHeartbeat:
				return
			case <-ticker.C:
				if clock.idleFor() > wsPongTimeout {
					s.logger.Info("api: websocket client timed out, no ping received", "remote", conn.RemoteAddr())
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "subscribe":
			s.bus.Resubscribe(sub, msg.Subscriptions)
		case "ping":
			clock.touch()
			if writeJSON(map[string]string{"type": "pong"}) != nil {
				return
			}
		default:
			_ = writeJSON(map[string]any{"type": "error", "code": 1, "message": "unknown message type: " + msg.Type})
		}
	}
}
