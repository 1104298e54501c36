package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/123ashny/KENYASHIP/internal/auth"
)

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type authPayload struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	Token  string `json:"token,omitempty"`
}

// Session is one WebSocket connection. UserID and Role are set at
// authentication and guarded by the hub mutex.
type Session struct {
	ID     string
	UserID string
	Role   string

	hub   *Hub
	conn  *websocket.Conn
	send  chan outMessage
	done  chan struct{}
	once  sync.Once
	rooms map[string]bool
}

func newSession(h *Hub, conn *websocket.Conn) *Session {
	return &Session{
		ID:    uuid.New().String(),
		hub:   h,
		conn:  conn,
		send:  make(chan outMessage, sendBuffer),
		done:  make(chan struct{}),
		rooms: map[string]bool{},
	}
}

// ServeConn runs one connection to completion. When the upgrade
// request already carried a verified identity the session starts
// authenticated and its queue is drained immediately.
func (h *Hub) ServeConn(conn *websocket.Conn, pre *auth.Principal) {
	s := newSession(h, conn)
	h.register(s)
	go s.writePump()
	if pre != nil {
		queued, ok := h.authenticate(s, pre.UserID, pre.Role)
		s.enqueue(outMessage{Type: "authenticated", Payload: map[string]any{"success": ok}})
		for _, evt := range queued {
			s.enqueue(outMessage{Type: "event", Payload: evt})
		}
	}
	s.readPump()
}

func (s *Session) readPump() {
	defer func() {
		s.hub.disconnect(s)
		_ = s.conn.Close()
	}()
	s.conn.SetReadLimit(1 << 20)
	_ = s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})
	for {
		var msg inboundMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		s.handle(msg)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case m := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteJSON(m); err != nil {
				s.hub.disconnect(s)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.disconnect(s)
				return
			}
		}
	}
}

func (s *Session) handle(msg inboundMessage) {
	switch msg.Type {
	case "authenticate":
		var pl authPayload
		_ = json.Unmarshal(msg.Payload, &pl)
		userID, role := pl.UserID, pl.Role
		if pl.Token != "" && s.hub.verifier != nil {
			p, err := s.hub.verifier.Verify(pl.Token)
			if err != nil {
				s.enqueue(outMessage{Type: "authenticated", Payload: map[string]any{"success": false}})
				return
			}
			userID, role = p.UserID, p.Role
		}
		queued, ok := s.hub.authenticate(s, userID, role)
		s.enqueue(outMessage{Type: "authenticated", Payload: map[string]any{"success": ok}})
		for _, evt := range queued {
			s.enqueue(outMessage{Type: "event", Payload: evt})
		}
	case "subscribe:delivery":
		if d := parseDeliveryID(msg.Payload); d != "" {
			s.hub.subscribe(s, d)
		}
	case "unsubscribe:delivery":
		if d := parseDeliveryID(msg.Payload); d != "" {
			s.hub.unsubscribe(s, d)
		}
	case "ping":
		s.enqueue(outMessage{Type: "pong", Payload: map[string]any{"timestamp": time.Now().UnixMilli()}})
	default:
		// ignore
	}
}

// enqueue never blocks the read loop; a full buffer drops the message.
func (s *Session) enqueue(m outMessage) {
	select {
	case s.send <- m:
	default:
	}
}

// parseDeliveryID accepts either a bare string payload or an object
// carrying deliveryId.
func parseDeliveryID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		DeliveryID string `json:"deliveryId"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.DeliveryID
	}
	return ""
}
