// Package matchsvc manages the match lifecycle around the core: creating
// pending matches, admitting participants, and asking the core to start a
// match once enough agents have joined.
package matchsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/playmesh/arena/internal/core"
	"github.com/playmesh/arena/internal/model"
	"github.com/playmesh/arena/internal/storage"
)

var (
	// ErrInvalid means the request parameters fail validation.
	ErrInvalid = errors.New("matchsvc: invalid params")
	// ErrMatchNotFound means no match exists under the id.
	ErrMatchNotFound = errors.New("matchsvc: match not found")
	// ErrAgentNotFound means a listed agent has no persistent record.
	ErrAgentNotFound = errors.New("matchsvc: agent not found")
	// ErrNotJoinable means the match already started or ended.
	ErrNotJoinable = errors.New("matchsvc: match not joinable")
	// ErrWrongPassword means the join password did not match.
	ErrWrongPassword = errors.New("matchsvc: wrong password")
	// ErrMatchFull means joining would exceed the match's max slots.
	ErrMatchFull = errors.New("matchsvc: match full")
	// ErrAgentDecommissioned means a listed agent is retired.
	ErrAgentDecommissioned = errors.New("matchsvc: agent decommissioned")
	// ErrStartFailed means the threshold was reached but the core could not
	// start the match; participants stay joined and the match stays pending.
	ErrStartFailed = errors.New("matchsvc: start failed")
)

// Store is the persistence surface the service needs.
type Store interface {
	CreateMatch(ctx context.Context, m *model.Match) error
	GetMatch(ctx context.Context, matchID uuid.UUID) (*model.Match, error)
	ListOpenMatches(ctx context.Context) ([]model.Match, error)
	AddParticipants(ctx context.Context, matchID uuid.UUID, agentIDs []uuid.UUID) error
	ListParticipants(ctx context.Context, matchID uuid.UUID) ([]uuid.UUID, error)
	ListTurns(ctx context.Context, matchID uuid.UUID) ([]model.TurnLog, error)
	GetAgent(ctx context.Context, agentID uuid.UUID) (*model.Agent, error)
}

// Starter is the slice of the core the service drives.
type Starter interface {
	StartMatch(ctx context.Context, params core.StartMatchParams) error
}

// Service implements match creation, joining, and threshold auto-start.
type Service struct {
	store    Store
	starter  Starter
	sponsors map[string]bool
	logger   *slog.Logger
}

// New creates a Service. sponsorNames lists the configured sponsor bridges so
// match creation can reject an unknown engine before anything persists.
func New(store Store, starter Starter, sponsorNames []string, logger *slog.Logger) *Service {
	sponsors := make(map[string]bool, len(sponsorNames))
	for _, name := range sponsorNames {
		sponsors[name] = true
	}
	return &Service{store: store, starter: starter, sponsors: sponsors, logger: logger}
}

// CreateParams describes a match to create.
type CreateParams struct {
	Name         string
	GameType     string
	Sponsor      string
	TotalGames   int
	MinSlots     int
	MaxSlots     int
	Password     string
	CreatorAgent uuid.UUID
}

func (p CreateParams) validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalid)
	}
	if p.GameType == "" {
		return fmt.Errorf("%w: game type required", ErrInvalid)
	}
	if p.TotalGames < 1 {
		return fmt.Errorf("%w: total games must be at least 1", ErrInvalid)
	}
	if p.MinSlots < 1 {
		return fmt.Errorf("%w: min slots must be at least 1", ErrInvalid)
	}
	if p.MaxSlots < p.MinSlots {
		return fmt.Errorf("%w: max slots below min slots", ErrInvalid)
	}
	return nil
}

// Create persists a new pending match.
func (s *Service) Create(ctx context.Context, p CreateParams) (*model.Match, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if !s.sponsors[p.Sponsor] {
		return nil, fmt.Errorf("%w: unknown sponsor %q", ErrInvalid, p.Sponsor)
	}
	if _, err := s.agentFor(ctx, p.CreatorAgent); err != nil {
		return nil, err
	}

	var password *string
	if p.Password != "" {
		password = &p.Password
	}
	m := &model.Match{
		ID:           uuid.New(),
		Name:         p.Name,
		GameType:     p.GameType,
		Sponsor:      p.Sponsor,
		TotalGames:   p.TotalGames,
		MinSlots:     p.MinSlots,
		MaxSlots:     p.MaxSlots,
		Password:     password,
		Status:       model.MatchPending,
		CreatorAgent: p.CreatorAgent,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateMatch(ctx, m); err != nil {
		return nil, fmt.Errorf("matchsvc: create match: %w", err)
	}
	s.logger.Info("matchsvc: match created",
		"match_id", m.ID, "name", m.Name, "sponsor", m.Sponsor, "min_slots", m.MinSlots)
	return m, nil
}

// Join admits agents into a pending match. When the participant count reaches
// the match's minimum slots, the match is handed to the core to start.
// Participants are persisted even when the start attempt fails; the match
// stays pending and a later join retries the start.
func (s *Service) Join(ctx context.Context, matchID uuid.UUID, password string, agentIDs []uuid.UUID) (*model.Match, error) {
	if len(agentIDs) == 0 {
		return nil, fmt.Errorf("%w: no agents to join", ErrInvalid)
	}

	m, err := s.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	// Joinable means the match can still move to Running, i.e. it is Pending.
	if !m.Status.CanTransition(model.MatchRunning) {
		return nil, fmt.Errorf("%w: status %s", ErrNotJoinable, m.Status)
	}
	if m.Password != nil && *m.Password != password {
		return nil, ErrWrongPassword
	}

	joined, err := s.store.ListParticipants(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("matchsvc: list participants: %w", err)
	}
	present := make(map[uuid.UUID]bool, len(joined))
	for _, id := range joined {
		present[id] = true
	}

	admit := make([]uuid.UUID, 0, len(agentIDs))
	for _, id := range agentIDs {
		if present[id] {
			continue
		}
		if _, err := s.agentFor(ctx, id); err != nil {
			return nil, err
		}
		present[id] = true
		admit = append(admit, id)
	}
	if len(joined)+len(admit) > m.MaxSlots {
		return nil, fmt.Errorf("%w: %d of %d slots", ErrMatchFull, len(joined), m.MaxSlots)
	}
	if len(admit) > 0 {
		if err := s.store.AddParticipants(ctx, matchID, admit); err != nil {
			return nil, fmt.Errorf("matchsvc: add participants: %w", err)
		}
	}

	// Join order is the engine's player order.
	all := append(joined, admit...)
	m.AgentIDs = all
	if len(all) < m.MinSlots {
		return m, nil
	}

	err = s.starter.StartMatch(ctx, core.StartMatchParams{
		MatchID:    m.ID,
		AgentIDs:   all,
		Sponsor:    m.Sponsor,
		GameType:   m.GameType,
		TotalGames: m.TotalGames,
	})
	if err != nil {
		s.logger.Warn("matchsvc: auto-start failed", "match_id", m.ID, "error", err)
		return m, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	m.Status = model.MatchRunning
	s.logger.Info("matchsvc: match started", "match_id", m.ID, "agents", len(all))
	return m, nil
}

// Get returns a match with its participant list resolved.
func (s *Service) Get(ctx context.Context, matchID uuid.UUID) (*model.Match, error) {
	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, s.notFound(err, ErrMatchNotFound)
	}
	return m, nil
}

// ListOpen returns all pending matches.
func (s *Service) ListOpen(ctx context.Context) ([]model.Match, error) {
	matches, err := s.store.ListOpenMatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("matchsvc: list open matches: %w", err)
	}
	return matches, nil
}

// Turns returns the persisted turn logs of a match in round order.
func (s *Service) Turns(ctx context.Context, matchID uuid.UUID) ([]model.TurnLog, error) {
	if _, err := s.Get(ctx, matchID); err != nil {
		return nil, err
	}
	turns, err := s.store.ListTurns(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("matchsvc: list turns: %w", err)
	}
	return turns, nil
}

func (s *Service) agentFor(ctx context.Context, agentID uuid.UUID) (*model.Agent, error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, s.notFound(err, ErrAgentNotFound)
	}
	if a.Status == model.AgentDecommissioned {
		return nil, fmt.Errorf("%w: %s", ErrAgentDecommissioned, agentID)
	}
	return a, nil
}

// notFound maps the storage layer's not-found onto the service sentinel and
// wraps everything else.
func (s *Service) notFound(err, sentinel error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return sentinel
	}
	return fmt.Errorf("matchsvc: %w", err)
}
