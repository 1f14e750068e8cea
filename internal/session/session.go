// Package session adapts one agent's WebSocket connection to the core's
// message vocabulary: it registers the agent on attach, relays core pushes
// out in arrival order, tags inbound actions with the agent and match ids,
// and unregisters on disconnect.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/playmesh/arena/internal/core"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

// Engine is the slice of the core a session talks to.
type Engine interface {
	Register(ctx context.Context, agentID uuid.UUID, out chan<- core.Push) error
	Unregister(ctx context.Context, agentID uuid.UUID, out chan<- core.Push) error
	RouteAction(ctx context.Context, agentID, matchID uuid.UUID, action string) error
}

// inboundFrame is one agent-originated message. MatchID may be omitted when
// the agent is responding to the match it last received state for.
type inboundFrame struct {
	MatchID *uuid.UUID `json:"match_id,omitempty"`
	Action  string     `json:"action"`
}

// outboundFrame is one server-originated message.
type outboundFrame struct {
	Type     string     `json:"type"`
	MatchID  uuid.UUID  `json:"match_id"`
	State    string     `json:"state,omitempty"`
	Message  string     `json:"message,omitempty"`
	Status   string     `json:"status,omitempty"`
	WinnerID *uuid.UUID `json:"winner_id,omitempty"`
}

// Session owns one agent connection for its whole lifetime. The agent is
// already authenticated by the time a Session exists; the session never sees
// credentials.
type Session struct {
	agentID uuid.UUID
	conn    *websocket.Conn
	engine  Engine
	logger  *slog.Logger

	out chan core.Push

	mu        sync.Mutex
	lastMatch uuid.UUID
}

// New wraps an upgraded connection. outBuffer bounds the outbound queue; the
// core treats a full queue as the agent being unresponsive.
func New(agentID uuid.UUID, conn *websocket.Conn, engine Engine, outBuffer int, logger *slog.Logger) *Session {
	if outBuffer <= 0 {
		outBuffer = 8
	}
	return &Session{
		agentID: agentID,
		conn:    conn,
		engine:  engine,
		logger:  logger.With("agent_id", agentID),
		out:     make(chan core.Push, outBuffer),
	}
}

// Run registers the agent and relays frames until the connection drops or ctx
// is cancelled. Always unregisters before returning.
func (s *Session) Run(ctx context.Context) error {
	if err := s.engine.Register(ctx, s.agentID, s.out); err != nil {
		s.conn.Close()
		return err
	}
	s.logger.Info("session: agent attached")

	writerDone := make(chan struct{})
	go s.writePump(ctx, writerDone)

	err := s.readPump(ctx)

	// Unregister even when the loop context is gone, so the registry and the
	// agent's stored status converge.
	if uerr := s.engine.Unregister(context.WithoutCancel(ctx), s.agentID, s.out); uerr != nil && !errors.Is(uerr, core.ErrStopped) {
		s.logger.Warn("session: unregister failed", "error", uerr)
	}
	s.conn.Close()
	<-writerDone
	s.logger.Info("session: agent detached")
	return err
}

func (s *Session) readPump(ctx context.Context) error {
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("session: read failed", "error", err)
			}
			return nil
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.pushError(uuid.Nil, "malformed frame")
			continue
		}

		matchID := s.currentMatch(frame.MatchID)
		if matchID == uuid.Nil {
			s.pushError(uuid.Nil, "no current match")
			continue
		}

		err = s.engine.RouteAction(ctx, s.agentID, matchID, frame.Action)
		switch {
		case err == nil:
		case errors.Is(err, core.ErrStopped), errors.Is(err, context.Canceled):
			return nil
		default:
			// Soft routing error: the match ended or the runner is saturated.
			// Reported back on the agent's own channel, never fatal here.
			s.pushError(matchID, err.Error())
		}
	}
}

func (s *Session) writePump(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case push := <-s.out:
			s.noteMatch(push.MatchID)
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frameOf(push)); err != nil {
				s.logger.Warn("session: write failed", "error", err)
				s.conn.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.conn.Close()
				return
			}
		case <-ctx.Done():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			s.conn.Close()
			return
		}
	}
}

// pushError enqueues a soft error for the agent. Dropped if the outbound
// queue is full; error notices never block the read loop.
func (s *Session) pushError(matchID uuid.UUID, message string) {
	select {
	case s.out <- core.Push{Kind: core.PushError, MatchID: matchID, Message: message}:
	default:
	}
}

func (s *Session) noteMatch(matchID uuid.UUID) {
	if matchID == uuid.Nil {
		return
	}
	s.mu.Lock()
	s.lastMatch = matchID
	s.mu.Unlock()
}

// currentMatch resolves which match an inbound action belongs to: an explicit
// match_id wins, otherwise the match the agent last received state for.
func (s *Session) currentMatch(explicit *uuid.UUID) uuid.UUID {
	if explicit != nil {
		return *explicit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMatch
}

func frameOf(push core.Push) outboundFrame {
	f := outboundFrame{
		Type:    string(push.Kind),
		MatchID: push.MatchID,
		State:   push.State,
		Message: push.Message,
	}
	if push.Kind == core.PushMatchOver {
		f.Status = string(push.Status)
		f.WinnerID = push.WinnerID
	}
	return f
}
