package core

import "errors"

// Soft routing errors: reported to the caller, never fatal to the Core loop
// or to any running match.
var (
	// ErrSponsorUnavailable means no bridge exists for the requested sponsor.
	ErrSponsorUnavailable = errors.New("core: sponsor unavailable")
	// ErrAgentUnavailable means a requested agent is not registered or is
	// already committed to another match.
	ErrAgentUnavailable = errors.New("core: agent unavailable")
	// ErrMatchNotFound means no runner is registered for the match id.
	ErrMatchNotFound = errors.New("core: match not found")
	// ErrAgentNotFound means the agent is not in the registry (disconnected).
	ErrAgentNotFound = errors.New("core: agent not found")
	// ErrActionRejected means an action arrived when its match runner had no
	// capacity to accept one.
	ErrActionRejected = errors.New("core: action rejected")
	// ErrStopped means the Core loop is no longer accepting events.
	ErrStopped = errors.New("core: stopped")
)

// Fatal match conditions: any of these aborts the affected match, converging
// its persisted status to Cancelled. None of them affect other matches.
var (
	// ErrInitFailed means the sponsor rejected game initialization.
	ErrInitFailed = errors.New("core: game init failed")
	// ErrProtocolViolation means the sponsor sent an unexpected message.
	ErrProtocolViolation = errors.New("core: sponsor protocol violation")
	// ErrSponsorDisconnected means the sponsor conversation closed mid-match.
	ErrSponsorDisconnected = errors.New("core: sponsor disconnected")
	// ErrAgentDisconnected means an addressed agent left mid-match.
	ErrAgentDisconnected = errors.New("core: agent disconnected")
	// ErrAgentUnresponsive means an agent's outbound buffer stayed full,
	// so a state push could not be delivered.
	ErrAgentUnresponsive = errors.New("core: agent unresponsive")
	// ErrActionTimeout means the per-action wait limit elapsed.
	ErrActionTimeout = errors.New("core: action timeout")
)
