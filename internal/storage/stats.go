package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/playmesh/arena/internal/model"
)

// ListRankableAgents returns every agent the rank computation runs over.
// Decommissioned agents are excluded; they keep their historical counters but
// never appear on a leaderboard again.
func (db *DB) ListRankableAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE status != $1`,
		string(model.AgentDecommissioned))
	if err != nil {
		return nil, fmt.Errorf("storage: list rankable agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate rankable agents: %w", err)
	}
	return agents, nil
}

// UpsertRanks writes a batch of computed leaderboard positions in one
// statement, inserting new (game_type, agent) rows and updating existing
// ones. Rows for agents absent from the batch are left untouched.
func (db *DB) UpsertRanks(ctx context.Context, ranks []model.AgentRank) error {
	if len(ranks) == 0 {
		return nil
	}

	agentIDs := make([]uuid.UUID, len(ranks))
	gameTypes := make([]string, len(ranks))
	values := make([]int32, len(ranks))
	for i, r := range ranks {
		agentIDs[i] = r.AgentID
		gameTypes[i] = r.GameType
		values[i] = int32(r.Rank)
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO stats (game_type, agent_id, rank, updated_at)
		 SELECT t.game_type, t.agent_id, t.rank, $4
		 FROM unnest($1::uuid[], $2::text[], $3::int[]) AS t(agent_id, game_type, rank)
		 ON CONFLICT (game_type, agent_id)
		 DO UPDATE SET rank = EXCLUDED.rank, updated_at = EXCLUDED.updated_at`,
		agentIDs, gameTypes, values, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert ranks: %w", err)
	}
	return nil
}

// ListStats returns the leaderboard: stored ranks joined with each agent's
// current name and counters, best rank first within each game type.
func (db *DB) ListStats(ctx context.Context) ([]model.AgentStat, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT s.game_type, s.agent_id, a.name, s.rank, a.played_games, a.won_games, s.updated_at
		 FROM stats s
		 JOIN agents a ON a.id = s.agent_id
		 WHERE a.status != $1
		 ORDER BY s.game_type, s.rank ASC, s.updated_at DESC`,
		string(model.AgentDecommissioned))
	if err != nil {
		return nil, fmt.Errorf("storage: list stats: %w", err)
	}
	defer rows.Close()

	var stats []model.AgentStat
	for rows.Next() {
		var st model.AgentStat
		if err := rows.Scan(&st.GameType, &st.AgentID, &st.AgentName, &st.Rank,
			&st.PlayedGames, &st.WonGames, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan stat: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate stats: %w", err)
	}
	return stats, nil
}
