package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MatchStatus is the lifecycle state of a match. The only legal transitions
// are Pending -> Running -> Completed and Pending -> Running -> Cancelled.
type MatchStatus string

const (
	MatchPending   MatchStatus = "pending"
	MatchRunning   MatchStatus = "running"
	MatchCompleted MatchStatus = "completed"
	MatchCancelled MatchStatus = "cancelled"
)

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s MatchStatus) CanTransition(next MatchStatus) bool {
	switch s {
	case MatchPending:
		return next == MatchRunning
	case MatchRunning:
		return next == MatchCompleted || next == MatchCancelled
	default:
		return false
	}
}

// Match is one scheduled contest among a fixed set of agents for a fixed
// number of rounds. AgentIDs is ordered: position i is the engine's player i.
type Match struct {
	ID           uuid.UUID   `json:"match_id"`
	Name         string      `json:"name"`
	GameType     string      `json:"game_type"`
	Sponsor      string      `json:"sponsor"`
	TotalGames   int         `json:"total_games"`
	MinSlots     int         `json:"min_slots"`
	MaxSlots     int         `json:"max_slots"`
	Password     *string     `json:"-"`
	Status       MatchStatus `json:"status"`
	WinnerID     *uuid.UUID  `json:"winner_id,omitempty"`
	CreatorAgent uuid.UUID   `json:"creator_agent_id"`
	AgentIDs     []uuid.UUID `json:"agent_ids,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
}

// TurnEventKind distinguishes who produced a turn log entry.
type TurnEventKind string

const (
	TurnEventState  TurnEventKind = "state"  // engine-produced state
	TurnEventAction TurnEventKind = "action" // agent-produced action
)

// TurnEvent is one entry in a round's ordered log.
type TurnEvent struct {
	Kind    TurnEventKind `json:"kind"`
	Payload string        `json:"payload"`
}

// TurnLog is the immutable record of one completed round.
type TurnLog struct {
	MatchID     uuid.UUID             `json:"match_id"`
	ITurn       int                   `json:"i_turn"`
	Log         []TurnEvent           `json:"log"`
	ScoreDeltas map[uuid.UUID]float64 `json:"score_deltas"`
	StartTime   time.Time             `json:"start_time"`
	EndTime     time.Time             `json:"end_time"`
}

// MarshalDeltas encodes the per-agent payoffs for JSONB storage. UUID keys
// are serialized as strings.
func (t TurnLog) MarshalDeltas() ([]byte, error) {
	m := make(map[string]float64, len(t.ScoreDeltas))
	for id, d := range t.ScoreDeltas {
		m[id.String()] = d
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("model: marshal score deltas: %w", err)
	}
	return b, nil
}

// UnmarshalDeltas decodes a JSONB score_deltas column.
func UnmarshalDeltas(raw []byte) (map[uuid.UUID]float64, error) {
	var m map[string]float64
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("model: unmarshal score deltas: %w", err)
	}
	out := make(map[uuid.UUID]float64, len(m))
	for k, v := range m {
		id, err := uuid.Parse(k)
		if err != nil {
			return nil, fmt.Errorf("model: score delta key %q: %w", k, err)
		}
		out[id] = v
	}
	return out, nil
}

// Settlement is the transient result of a finished match, produced by a Match
// Runner and consumed exactly once by the Core's settlement step. It is never
// persisted as its own entity.
type Settlement struct {
	MatchID  uuid.UUID
	AgentIDs []uuid.UUID
	Logs     []TurnLog
}
