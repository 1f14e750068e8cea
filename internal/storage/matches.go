package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/playmesh/arena/internal/model"
)

const matchColumns = `id, name, game_type, sponsor, total_games, min_slots,
	max_slots, password, status, winner_id, creator_agent, created_at, finished_at`

// CreateMatch inserts a new match.
func (db *DB) CreateMatch(ctx context.Context, m *model.Match) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = model.MatchPending
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO matches (id, name, game_type, sponsor, total_games, min_slots, max_slots, password, status, creator_agent, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.Name, m.GameType, m.Sponsor, m.TotalGames, m.MinSlots, m.MaxSlots,
		m.Password, string(m.Status), m.CreatorAgent, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create match: %w", err)
	}
	return nil
}

// GetMatch fetches one match with its ordered participant list.
func (db *DB) GetMatch(ctx context.Context, matchID uuid.UUID) (*model.Match, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE id = $1`, matchID)
	m, err := scanMatch(row)
	if err != nil {
		return nil, err
	}
	m.AgentIDs, err = db.ListParticipants(ctx, matchID)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListOpenMatches returns all pending matches, most recent first.
func (db *DB) ListOpenMatches(ctx context.Context) ([]model.Match, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE status = $1 ORDER BY created_at DESC`,
		string(model.MatchPending))
	if err != nil {
		return nil, fmt.Errorf("storage: list open matches: %w", err)
	}
	defer rows.Close()

	var matches []model.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate matches: %w", err)
	}
	return matches, nil
}

// UpdateMatchStatus records a lifecycle transition. Terminal statuses also
// stamp finished_at. Transitions that would move a match out of a terminal
// status are rejected by a guard on the current status.
func (db *DB) UpdateMatchStatus(ctx context.Context, matchID uuid.UUID, status model.MatchStatus) error {
	var finishedAt *time.Time
	if status == model.MatchCompleted || status == model.MatchCancelled {
		now := time.Now().UTC()
		finishedAt = &now
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE matches SET status = $2, finished_at = COALESCE($3, finished_at)
		 WHERE id = $1 AND status NOT IN ('completed', 'cancelled')`,
		matchID, string(status), finishedAt)
	if err != nil {
		return fmt.Errorf("storage: update match status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: match %s", ErrNotFound, matchID)
	}
	return nil
}

// AddParticipants appends agents to a match in join order. Player indexes
// continue from the current maximum so the engine's player order is stable.
func (db *DB) AddParticipants(ctx context.Context, matchID uuid.UUID, agentIDs []uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin add participants: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var next int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(i_player) + 1, 0) FROM participants WHERE match_id = $1`,
		matchID).Scan(&next); err != nil {
		return fmt.Errorf("storage: next player index: %w", err)
	}

	for i, agentID := range agentIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO participants (match_id, agent_id, i_player, joined_at)
			 VALUES ($1, $2, $3, now())`,
			matchID, agentID, next+i); err != nil {
			return fmt.Errorf("storage: add participant %s: %w", agentID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit add participants: %w", err)
	}
	return nil
}

// ListParticipants returns a match's agent ids in player order.
func (db *DB) ListParticipants(ctx context.Context, matchID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT agent_id FROM participants WHERE match_id = $1 ORDER BY i_player`,
		matchID)
	if err != nil {
		return nil, fmt.Errorf("storage: list participants: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan participant: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate participants: %w", err)
	}
	return ids, nil
}

func scanMatch(row pgx.Row) (*model.Match, error) {
	var m model.Match
	var status string
	err := row.Scan(&m.ID, &m.Name, &m.GameType, &m.Sponsor, &m.TotalGames,
		&m.MinSlots, &m.MaxSlots, &m.Password, &status, &m.WinnerID,
		&m.CreatorAgent, &m.CreatedAt, &m.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan match: %w", err)
	}
	m.Status = model.MatchStatus(status)
	return &m, nil
}
