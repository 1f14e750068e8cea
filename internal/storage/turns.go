package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/playmesh/arena/internal/model"
)

// SettleMatch persists a completed match atomically: every turn log, each
// participant's play/win counters, and the final status with the winner. Any
// failure rolls the whole settlement back; the caller is responsible for
// converging the match status afterwards.
func (db *DB) SettleMatch(ctx context.Context, matchID uuid.UUID, winnerID *uuid.UUID, agentIDs []uuid.UUID, turns []model.TurnLog) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin settlement: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, turn := range turns {
		log, err := json.Marshal(turn.Log)
		if err != nil {
			return fmt.Errorf("storage: marshal turn log: %w", err)
		}
		deltas, err := turn.MarshalDeltas()
		if err != nil {
			return fmt.Errorf("storage: marshal score deltas: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO turns (match_id, i_turn, log, score_deltas, start_time, end_time)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			matchID, turn.ITurn, log, deltas, turn.StartTime, turn.EndTime); err != nil {
			return fmt.Errorf("storage: insert turn %d: %w", turn.ITurn, err)
		}
	}

	for _, agentID := range agentIDs {
		won := winnerID != nil && *winnerID == agentID
		tag, err := tx.Exec(ctx,
			`UPDATE agents
			 SET played_games = played_games + 1,
			     won_games = won_games + CASE WHEN $2 THEN 1 ELSE 0 END,
			     updated_at = now()
			 WHERE id = $1`,
			agentID, won)
		if err != nil {
			return fmt.Errorf("storage: update agent record %s: %w", agentID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE matches SET status = $2, winner_id = $3, finished_at = now()
		 WHERE id = $1 AND status NOT IN ('completed', 'cancelled')`,
		matchID, string(model.MatchCompleted), winnerID)
	if err != nil {
		return fmt.Errorf("storage: finalize match: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: match %s", ErrNotFound, matchID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit settlement: %w", err)
	}
	db.logger.Info("storage: match settled", "match_id", matchID, "turns", len(turns))
	return nil
}

// ListTurns returns a match's persisted turn logs in round order.
func (db *DB) ListTurns(ctx context.Context, matchID uuid.UUID) ([]model.TurnLog, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT match_id, i_turn, log, score_deltas, start_time, end_time
		 FROM turns WHERE match_id = $1 ORDER BY i_turn`,
		matchID)
	if err != nil {
		return nil, fmt.Errorf("storage: list turns: %w", err)
	}
	defer rows.Close()

	var turns []model.TurnLog
	for rows.Next() {
		var t model.TurnLog
		var log, deltas []byte
		if err := rows.Scan(&t.MatchID, &t.ITurn, &log, &deltas, &t.StartTime, &t.EndTime); err != nil {
			return nil, fmt.Errorf("storage: scan turn: %w", err)
		}
		if err := json.Unmarshal(log, &t.Log); err != nil {
			return nil, fmt.Errorf("storage: unmarshal turn log: %w", err)
		}
		t.ScoreDeltas, err = model.UnmarshalDeltas(deltas)
		if err != nil {
			return nil, fmt.Errorf("storage: unmarshal score deltas: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate turns: %w", err)
	}
	return turns, nil
}
