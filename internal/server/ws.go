package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/playmesh/arena/internal/model"
	"github.com/playmesh/arena/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// HandleAttach handles GET /v1/play: upgrades the authenticated agent's
// connection and runs its session until disconnect. The handler blocks for
// the connection's lifetime.
func (h *Handlers) HandleAttach(engine session.Engine, outBuffer int, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFromContext(r.Context())
		if claims == nil {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error response.
			logger.Warn("websocket upgrade failed", "agent_id", claims.AgentID, "error", err)
			return
		}

		s := session.New(claims.AgentID, conn, engine, outBuffer, logger)
		if err := s.Run(r.Context()); err != nil {
			logger.Warn("agent session ended with error", "agent_id", claims.AgentID, "error", err)
		}
	}
}
