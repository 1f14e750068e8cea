package core

import (
	"github.com/google/uuid"

	"github.com/playmesh/arena/internal/model"
)

// Aggregate sums per-round payoffs into per-agent totals and picks the
// winner. Deterministic and pure: same inputs, same result, regardless of
// agent order.
//
// The winner is the agent with the strictly maximum total. An exact tie at
// the top means no winner (nil): every participant then gets a play-only
// record update. An agent absent from a round's deltas contributes zero for
// that round.
func Aggregate(agentIDs []uuid.UUID, logs []model.TurnLog) (map[uuid.UUID]float64, *uuid.UUID) {
	totals := make(map[uuid.UUID]float64, len(agentIDs))
	for _, id := range agentIDs {
		totals[id] = 0
	}
	for _, l := range logs {
		for _, id := range agentIDs {
			totals[id] += l.ScoreDeltas[id]
		}
	}

	var winner *uuid.UUID
	tied := false
	for _, id := range agentIDs {
		switch {
		case winner == nil && !tied:
			w := id
			winner = &w
		case totals[id] > totals[*winner]:
			w := id
			winner = &w
			tied = false
		case totals[id] == totals[*winner]:
			tied = true
		}
	}
	if tied || len(agentIDs) == 0 {
		return totals, nil
	}
	return totals, winner
}
