package model

import (
	"time"

	"github.com/google/uuid"
)

// AgentRank is one computed leaderboard position within a game type.
type AgentRank struct {
	AgentID  uuid.UUID `json:"agent_id"`
	GameType string    `json:"game_type"`
	Rank     int       `json:"rank"`
}

// AgentStat is one leaderboard row as served by the stats endpoint: the
// stored rank joined with the agent's current name and counters.
type AgentStat struct {
	GameType    string    `json:"game_type"`
	AgentID     uuid.UUID `json:"agent_id"`
	AgentName   string    `json:"agent_name"`
	Rank        int       `json:"rank"`
	PlayedGames int       `json:"played_games"`
	WonGames    int       `json:"won_games"`
	UpdatedAt   time.Time `json:"updated_at"`
}
