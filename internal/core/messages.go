package core

import (
	"github.com/google/uuid"

	"github.com/playmesh/arena/internal/model"
)

// PushKind distinguishes the messages the core delivers to an agent's
// outbound channel.
type PushKind string

const (
	// PushState carries an engine state the agent must act on.
	PushState PushKind = "state"
	// PushError reports a soft error back to the agent (e.g. an action
	// routed to a finished match).
	PushError PushKind = "error"
	// PushMatchOver tells the agent its match reached a terminal status.
	PushMatchOver PushKind = "match_over"
)

// Push is one outbound message for an agent. The agent's session owns the
// receive side and relays pushes to the transport in arrival order.
type Push struct {
	Kind     PushKind
	MatchID  uuid.UUID
	State    string
	Message  string
	Status   model.MatchStatus // set for PushMatchOver
	WinnerID *uuid.UUID        // set for PushMatchOver on a completed match
}

// StartMatchParams describes a match the core should start. AgentIDs is
// ordered: position i is the sponsor's player i.
type StartMatchParams struct {
	MatchID    uuid.UUID
	AgentIDs   []uuid.UUID
	Sponsor    string
	GameType   string
	TotalGames int
}

// agentAction is one action routed from an agent to its match runner.
type agentAction struct {
	agentID uuid.UUID
	action  string
}

// Core loop events. All registry mutation happens through these, processed
// strictly in arrival order by a single consumer.
type event interface{ isEvent() }

type registerEvent struct {
	agentID uuid.UUID
	out     chan<- Push
	errc    chan<- error
}

type unregisterEvent struct {
	agentID uuid.UUID
	out     chan<- Push
	errc    chan<- error
}

type startMatchEvent struct {
	params StartMatchParams
	errc   chan<- error
}

type routeActionEvent struct {
	agentID uuid.UUID
	matchID uuid.UUID
	action  string
	errc    chan<- error
}

type routePushEvent struct {
	agentID uuid.UUID
	push    Push
	errc    chan<- error
}

// finishEvent is a runner's terminal report: settlement on normal completion,
// cause on abort. Exactly one of the two is set.
type finishEvent struct {
	matchID    uuid.UUID
	settlement *model.Settlement
	cause      error
}

func (registerEvent) isEvent()    {}
func (unregisterEvent) isEvent()  {}
func (startMatchEvent) isEvent()  {}
func (routeActionEvent) isEvent() {}
func (routePushEvent) isEvent()   {}
func (finishEvent) isEvent()      {}
