package matchsvc_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playmesh/arena/internal/core"
	"github.com/playmesh/arena/internal/matchsvc"
	"github.com/playmesh/arena/internal/model"
	"github.com/playmesh/arena/internal/storage"
)

type fakeStore struct {
	mu           sync.Mutex
	agents       map[uuid.UUID]model.Agent
	matches      map[uuid.UUID]model.Match
	participants map[uuid.UUID][]uuid.UUID
	turns        map[uuid.UUID][]model.TurnLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		agents:       make(map[uuid.UUID]model.Agent),
		matches:      make(map[uuid.UUID]model.Match),
		participants: make(map[uuid.UUID][]uuid.UUID),
		turns:        make(map[uuid.UUID][]model.TurnLog),
	}
}

func (s *fakeStore) addAgent(status model.AgentStatus) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.agents[id] = model.Agent{ID: id, Name: "agent-" + id.String()[:8], Status: status}
	return id
}

func (s *fakeStore) CreateMatch(_ context.Context, m *model.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches[m.ID] = *m
	return nil
}

func (s *fakeStore) GetMatch(_ context.Context, matchID uuid.UUID) (*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[matchID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	m.AgentIDs = append([]uuid.UUID(nil), s.participants[matchID]...)
	return &m, nil
}

func (s *fakeStore) ListOpenMatches(context.Context) ([]model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []model.Match
	for _, m := range s.matches {
		if m.Status == model.MatchPending {
			open = append(open, m)
		}
	}
	return open, nil
}

func (s *fakeStore) AddParticipants(_ context.Context, matchID uuid.UUID, agentIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[matchID] = append(s.participants[matchID], agentIDs...)
	return nil
}

func (s *fakeStore) ListParticipants(_ context.Context, matchID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.participants[matchID]...), nil
}

func (s *fakeStore) ListTurns(_ context.Context, matchID uuid.UUID) ([]model.TurnLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns[matchID], nil
}

func (s *fakeStore) GetAgent(_ context.Context, agentID uuid.UUID) (*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &a, nil
}

type fakeStarter struct {
	mu      sync.Mutex
	started []core.StartMatchParams
	err     error
}

func (f *fakeStarter) StartMatch(_ context.Context, params core.StartMatchParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.started = append(f.started, params)
	return nil
}

func newService(store *fakeStore, starter *fakeStarter) *matchsvc.Service {
	return matchsvc.New(store, starter, []string{"prisoners"}, slog.New(slog.DiscardHandler))
}

func createPending(t *testing.T, svc *matchsvc.Service, store *fakeStore, password string) (*model.Match, uuid.UUID) {
	t.Helper()
	creator := store.addAgent(model.AgentReady)
	m, err := svc.Create(context.Background(), matchsvc.CreateParams{
		Name: "friday-night", GameType: "pd", Sponsor: "prisoners",
		TotalGames: 3, MinSlots: 2, MaxSlots: 3,
		Password: password, CreatorAgent: creator,
	})
	require.NoError(t, err)
	return m, creator
}

func TestCreateMatch(t *testing.T) {
	store := newFakeStore()
	svc := newService(store, &fakeStarter{})

	m, _ := createPending(t, svc, store, "")
	assert.Equal(t, model.MatchPending, m.Status)
	assert.NotEqual(t, uuid.Nil, m.ID)
	assert.False(t, m.CreatedAt.IsZero())
	assert.WithinDuration(t, time.Now(), m.CreatedAt, time.Minute)

	open, err := svc.ListOpen(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
}

func TestCreateMatchValidation(t *testing.T) {
	store := newFakeStore()
	svc := newService(store, &fakeStarter{})
	creator := store.addAgent(model.AgentReady)

	base := matchsvc.CreateParams{
		Name: "m", GameType: "pd", Sponsor: "prisoners",
		TotalGames: 1, MinSlots: 2, MaxSlots: 2, CreatorAgent: creator,
	}

	for name, mutate := range map[string]func(*matchsvc.CreateParams){
		"empty name":          func(p *matchsvc.CreateParams) { p.Name = "" },
		"empty game type":     func(p *matchsvc.CreateParams) { p.GameType = "" },
		"zero total games":    func(p *matchsvc.CreateParams) { p.TotalGames = 0 },
		"zero min slots":      func(p *matchsvc.CreateParams) { p.MinSlots = 0 },
		"max below min":       func(p *matchsvc.CreateParams) { p.MaxSlots = 1 },
		"unknown sponsor":     func(p *matchsvc.CreateParams) { p.Sponsor = "nope" },
		"unknown creator":     func(p *matchsvc.CreateParams) { p.CreatorAgent = uuid.New() },
	} {
		t.Run(name, func(t *testing.T) {
			p := base
			mutate(&p)
			_, err := svc.Create(context.Background(), p)
			require.Error(t, err)
		})
	}
}

func TestJoinBelowThresholdStaysPending(t *testing.T) {
	store := newFakeStore()
	starter := &fakeStarter{}
	svc := newService(store, starter)
	m, _ := createPending(t, svc, store, "")

	a1 := store.addAgent(model.AgentReady)
	got, err := svc.Join(context.Background(), m.ID, "", []uuid.UUID{a1})
	require.NoError(t, err)
	assert.Equal(t, model.MatchPending, got.Status)
	assert.Empty(t, starter.started)
}

func TestJoinReachingThresholdStartsMatch(t *testing.T) {
	store := newFakeStore()
	starter := &fakeStarter{}
	svc := newService(store, starter)
	m, _ := createPending(t, svc, store, "")

	a1 := store.addAgent(model.AgentReady)
	a2 := store.addAgent(model.AgentReady)
	_, err := svc.Join(context.Background(), m.ID, "", []uuid.UUID{a1})
	require.NoError(t, err)
	got, err := svc.Join(context.Background(), m.ID, "", []uuid.UUID{a2})
	require.NoError(t, err)
	assert.Equal(t, model.MatchRunning, got.Status)

	require.Len(t, starter.started, 1)
	params := starter.started[0]
	assert.Equal(t, m.ID, params.MatchID)
	assert.Equal(t, "prisoners", params.Sponsor)
	assert.Equal(t, 3, params.TotalGames)
	// Join order is the engine's player order.
	assert.Equal(t, []uuid.UUID{a1, a2}, params.AgentIDs)
}

func TestJoinRules(t *testing.T) {
	store := newFakeStore()
	starter := &fakeStarter{}
	svc := newService(store, starter)

	t.Run("wrong password", func(t *testing.T) {
		m, _ := createPending(t, svc, store, "hunter2")
		a := store.addAgent(model.AgentReady)
		_, err := svc.Join(context.Background(), m.ID, "wrong", []uuid.UUID{a})
		require.ErrorIs(t, err, matchsvc.ErrWrongPassword)
	})

	t.Run("slot overflow", func(t *testing.T) {
		m, _ := createPending(t, svc, store, "")
		ids := []uuid.UUID{
			store.addAgent(model.AgentReady),
			store.addAgent(model.AgentReady),
			store.addAgent(model.AgentReady),
			store.addAgent(model.AgentReady),
		}
		_, err := svc.Join(context.Background(), m.ID, "", ids)
		require.ErrorIs(t, err, matchsvc.ErrMatchFull)
	})

	t.Run("decommissioned agent", func(t *testing.T) {
		m, _ := createPending(t, svc, store, "")
		a := store.addAgent(model.AgentDecommissioned)
		_, err := svc.Join(context.Background(), m.ID, "", []uuid.UUID{a})
		require.ErrorIs(t, err, matchsvc.ErrAgentDecommissioned)
	})

	t.Run("unknown match", func(t *testing.T) {
		a := store.addAgent(model.AgentReady)
		_, err := svc.Join(context.Background(), uuid.New(), "", []uuid.UUID{a})
		require.ErrorIs(t, err, matchsvc.ErrMatchNotFound)
	})

	t.Run("running match not joinable", func(t *testing.T) {
		m, _ := createPending(t, svc, store, "")
		store.mu.Lock()
		running := store.matches[m.ID]
		running.Status = model.MatchRunning
		store.matches[m.ID] = running
		store.mu.Unlock()

		a := store.addAgent(model.AgentReady)
		_, err := svc.Join(context.Background(), m.ID, "", []uuid.UUID{a})
		require.ErrorIs(t, err, matchsvc.ErrNotJoinable)
	})

	t.Run("finished match not joinable", func(t *testing.T) {
		m, _ := createPending(t, svc, store, "")
		store.mu.Lock()
		finished := store.matches[m.ID]
		finished.Status = model.MatchCompleted
		store.matches[m.ID] = finished
		store.mu.Unlock()

		a := store.addAgent(model.AgentReady)
		_, err := svc.Join(context.Background(), m.ID, "", []uuid.UUID{a})
		require.ErrorIs(t, err, matchsvc.ErrNotJoinable)
	})
}

func TestJoinStartFailureKeepsParticipants(t *testing.T) {
	store := newFakeStore()
	starter := &fakeStarter{err: core.ErrAgentUnavailable}
	svc := newService(store, starter)
	m, _ := createPending(t, svc, store, "")

	a1 := store.addAgent(model.AgentReady)
	a2 := store.addAgent(model.AgentReady)
	_, err := svc.Join(context.Background(), m.ID, "", []uuid.UUID{a1, a2})
	require.ErrorIs(t, err, matchsvc.ErrStartFailed)

	// Participants persist; a later join retries the start.
	got, err := svc.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a1, a2}, got.AgentIDs)
	assert.Equal(t, model.MatchPending, got.Status)

	starter.mu.Lock()
	starter.err = nil
	starter.mu.Unlock()
	joined, err := svc.Join(context.Background(), m.ID, "", []uuid.UUID{a1})
	require.NoError(t, err)
	assert.Equal(t, model.MatchRunning, joined.Status)
}
