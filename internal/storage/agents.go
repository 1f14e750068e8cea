package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/playmesh/arena/internal/model"
)

const agentColumns = `id, name, game_type, version, description, api_key_hash,
	status, played_games, won_games, created_at, updated_at`

// CreateAgent inserts a new agent record.
func (db *DB) CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = model.AgentIdle
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, name, game_type, version, description, api_key_hash, status, played_games, won_games, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		agent.ID, agent.Name, agent.GameType, agent.Version, agent.Description,
		agent.APIKeyHash, string(agent.Status), agent.PlayedGames, agent.WonGames,
		agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.Agent{}, fmt.Errorf("%w: agent name %q", ErrDuplicate, agent.Name)
		}
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgent fetches one agent by id.
func (db *DB) GetAgent(ctx context.Context, agentID uuid.UUID) (*model.Agent, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, agentID)
	return scanAgent(row)
}

// GetAgentByName fetches one agent by its unique name.
func (db *DB) GetAgentByName(ctx context.Context, name string) (*model.Agent, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE name = $1`, name)
	return scanAgent(row)
}

// UpdateAgentStatus records an agent's connection state.
func (db *DB) UpdateAgentStatus(ctx context.Context, agentID uuid.UUID, status model.AgentStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agents SET status = $2, updated_at = now() WHERE id = $1`,
		agentID, string(status))
	if err != nil {
		return fmt.Errorf("storage: update agent status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	return nil
}

func scanAgent(row pgx.Row) (*model.Agent, error) {
	var a model.Agent
	var status string
	err := row.Scan(&a.ID, &a.Name, &a.GameType, &a.Version, &a.Description,
		&a.APIKeyHash, &status, &a.PlayedGames, &a.WonGames, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan agent: %w", err)
	}
	a.Status = model.AgentStatus(status)
	return &a, nil
}
