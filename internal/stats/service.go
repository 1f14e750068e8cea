// Package stats maintains the per-game-type leaderboard. Ranks derive from
// the agents' played/won counters, which only move inside settlement
// transactions, so the computation runs on a schedule rather than per match.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/playmesh/arena/internal/model"
)

// Store is the persistence surface the ranking needs.
type Store interface {
	ListRankableAgents(ctx context.Context) ([]model.Agent, error)
	UpsertRanks(ctx context.Context, ranks []model.AgentRank) error
}

// Service recomputes and persists leaderboard ranks.
type Service struct {
	store    Store
	logger   *slog.Logger
	interval time.Duration
}

// New creates a Service recomputing every interval once Start is called.
func New(store Store, interval time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, interval: interval}
}

// Recompute ranks every game type's agents and upserts the result, returning
// the number of rank rows written. Within a game type, higher win rate ranks
// first and more played games breaks ties; agents that never played are
// unranked, decommissioned agents are excluded at the store.
func (s *Service) Recompute(ctx context.Context) (int, error) {
	agents, err := s.store.ListRankableAgents(ctx)
	if err != nil {
		return 0, fmt.Errorf("stats: load agents: %w", err)
	}

	byGame := make(map[string][]model.Agent)
	for _, a := range agents {
		if a.PlayedGames > 0 {
			byGame[a.GameType] = append(byGame[a.GameType], a)
		}
	}

	ranks := make([]model.AgentRank, 0, len(agents))
	for gameType, group := range byGame {
		sort.SliceStable(group, func(i, j int) bool {
			ri := float64(group[i].WonGames) / float64(group[i].PlayedGames)
			rj := float64(group[j].WonGames) / float64(group[j].PlayedGames)
			if ri != rj {
				return ri > rj
			}
			return group[i].PlayedGames > group[j].PlayedGames
		})
		for i, a := range group {
			ranks = append(ranks, model.AgentRank{AgentID: a.ID, GameType: gameType, Rank: i + 1})
		}
	}

	if err := s.store.UpsertRanks(ctx, ranks); err != nil {
		return 0, fmt.Errorf("stats: upsert ranks: %w", err)
	}
	return len(ranks), nil
}

// Start runs Recompute on the configured interval until ctx is cancelled.
// The first computation happens one interval after Start, not immediately;
// a cold start has nothing new to rank.
func (s *Service) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.Recompute(ctx)
				if err != nil {
					s.logger.Warn("stats: rank update failed", "error", err)
					continue
				}
				s.logger.Info("stats: ranks updated", "count", n)
			}
		}
	}()
}
