package model

import (
	"time"

	"github.com/google/uuid"
)

// AgentStatus tracks an agent's connection state as seen by the Core loop.
type AgentStatus string

const (
	// AgentIdle means the agent has no live connection.
	AgentIdle AgentStatus = "idle"
	// AgentReady means the agent is connected and available for matches.
	AgentReady AgentStatus = "ready"
	// AgentRunning means the agent is committed to an active match.
	AgentRunning AgentStatus = "running"
	// AgentDecommissioned means the agent was retired by its owner and can
	// never join a match again.
	AgentDecommissioned AgentStatus = "decommissioned"
)

// Agent is a persistent agent record. The played/won counters are only ever
// mutated inside a settlement transaction.
type Agent struct {
	ID          uuid.UUID   `json:"agent_id"`
	Name        string      `json:"name"`
	GameType    string      `json:"game_type"`
	Version     string      `json:"version"`
	Description *string     `json:"description,omitempty"`
	APIKeyHash  *string     `json:"-"`
	Status      AgentStatus `json:"status"`
	PlayedGames int         `json:"played_games"`
	WonGames    int         `json:"won_games"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
