package api

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/123ashny/KENYASHIP/internal/auth"
	"github.com/123ashny/KENYASHIP/internal/model"
)

// RealtimeWSHandler handles GET /api/realtime/ws. A bearer token (header
// or token query parameter) authenticates the session up front;
// otherwise the socket starts anonymous and authenticates in-protocol.
func (s *Server) RealtimeWSHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var pre *auth.Principal
	if p, ok := principalFrom(r.Context()); ok {
		pre = &p
	} else if tok := r.URL.Query().Get("token"); tok != "" {
		p, err := s.Auth.Verify(tok)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, CodeInvalidToken, "invalid or expired token", nil)
			return
		}
		pre = &p
	}
	up := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return s.Cfg.CORSOrigin == "*" || s.Cfg.CORSOrigin == "" || r.Header.Get("Origin") == s.Cfg.CORSOrigin
		},
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		s.Log.Warn(r.Context(), "websocket upgrade failed", "err", err)
		return
	}
	s.Hub.ServeConn(conn, pre)
}

// RealtimeStatsHandler handles GET /api/realtime/stats.
func (s *Server) RealtimeStatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.requireRole(w, r, model.RoleDispatcher, model.RoleAdmin); !ok {
		return
	}
	writeData(w, r, http.StatusOK, s.Hub.Stats())
}

// RealtimeHealthHandler handles GET /api/realtime/health.
func (s *Server) RealtimeHealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	st := s.Hub.Stats()
	writeData(w, r, http.StatusOK, map[string]any{"status": "healthy", "sessions": st.Sessions})
}
