package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playmesh/arena/internal/auth"
	"github.com/playmesh/arena/internal/core"
	"github.com/playmesh/arena/internal/matchsvc"
	"github.com/playmesh/arena/internal/model"
	"github.com/playmesh/arena/internal/server"
	"github.com/playmesh/arena/internal/sponsor"
	"github.com/playmesh/arena/internal/storage"
	"github.com/playmesh/arena/internal/testutil"
)

const waitFor = 5 * time.Second

var (
	testSrv    *httptest.Server
	testDB     *storage.DB
	testEngine *sponsorScript
)

// sponsorScript plays the engine side: every opened conversation answers an
// init, addresses each player once per round, and reports fixed payoffs.
type sponsorScript struct {
	mu      sync.Mutex
	payoffs []float64
}

type scriptConv struct {
	script *sponsorScript
	recv   chan sponsor.Response
	mu     sync.Mutex
	moves  int
	closed bool
}

func (s *sponsorScript) Open(context.Context) (sponsor.Conversation, error) {
	return &scriptConv{script: s, recv: make(chan sponsor.Response, 16)}, nil
}

func (c *scriptConv) Send(_ context.Context, req sponsor.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script.mu.Lock()
	payoffs := append([]float64(nil), c.script.payoffs...)
	c.script.mu.Unlock()

	switch req.Type {
	case sponsor.RequestInit:
		c.recv <- sponsor.Response{Type: sponsor.ResponseInit, OK: true}
		c.recv <- sponsor.Response{Type: sponsor.ResponseStateUpdate, State: `{"move":0}`, IPlayer: 0}
	case sponsor.RequestAction:
		c.moves++
		if c.moves < len(payoffs) {
			c.recv <- sponsor.Response{Type: sponsor.ResponseStateUpdate,
				State: fmt.Sprintf(`{"move":%d}`, c.moves), IPlayer: c.moves}
		} else {
			c.recv <- sponsor.Response{Type: sponsor.ResponseEndStatus, Payoffs: payoffs}
		}
	case sponsor.RequestControl:
	}
	return nil
}

func (c *scriptConv) Recv() <-chan sponsor.Response { return c.recv }

func (c *scriptConv) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.recv)
	}
	return nil
}

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	ctx := context.Background()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create JWT manager: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	testEngine = &sponsorScript{payoffs: []float64{5, 2}}
	c := core.New(core.Config{
		Store:    testDB,
		Sponsors: map[string]sponsor.Dialer{"prisoners": testEngine},
		Logger:   logger,
	})
	coreCtx, coreCancel := context.WithCancel(ctx)
	coreDone := make(chan struct{})
	go func() {
		defer close(coreDone)
		_ = c.Run(coreCtx)
	}()

	matches := matchsvc.New(testDB, c, []string{"prisoners"}, logger)
	srv := server.New(server.Config{
		DB:                  testDB,
		JWTMgr:              jwtMgr,
		Matches:             matches,
		Engine:              c,
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		AgentSendBuffer:     8,
	})
	testSrv = httptest.NewServer(srv.Handler())

	code := m.Run()

	testSrv.Close()
	coreCancel()
	<-coreDone
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func doJSON(t *testing.T, method, path, token string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, testSrv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var envelope map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return resp, envelope
}

func decodeData(t *testing.T, envelope map[string]json.RawMessage, target any) {
	t.Helper()
	require.Contains(t, envelope, "data")
	require.NoError(t, json.Unmarshal(envelope["data"], target))
}

// registerAgent creates an agent record and returns it with a JWT.
func registerAgent(t *testing.T, name string) (model.Agent, string) {
	t.Helper()
	resp, envelope := doJSON(t, http.MethodPost, "/v1/agents", "", model.CreateAgentRequest{
		Name: name, GameType: "pd", Version: "1.0.0",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created model.CreateAgentResponse
	decodeData(t, envelope, &created)
	require.NotEmpty(t, created.APIKey)

	resp, envelope = doJSON(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{
		AgentID: created.Agent.ID, APIKey: created.APIKey,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tok model.AuthTokenResponse
	decodeData(t, envelope, &tok)
	require.NotEmpty(t, tok.Token)
	return created.Agent, tok.Token
}

func TestHealth(t *testing.T) {
	resp, envelope := doJSON(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var data map[string]any
	decodeData(t, envelope, &data)
	assert.Equal(t, "ok", data["status"])
}

func TestAgentRegistrationAndAuth(t *testing.T) {
	agent, token := registerAgent(t, "http-agent")
	assert.NotEmpty(t, token)

	t.Run("duplicate name conflicts", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, "/v1/agents", "", model.CreateAgentRequest{
			Name: "http-agent", GameType: "pd",
		})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("wrong api key rejected", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{
			AgentID: agent.ID, APIKey: "ak_wrong",
		})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("get agent requires token", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodGet, "/v1/agents/"+agent.ID.String(), "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("get agent", func(t *testing.T) {
		resp, envelope := doJSON(t, http.MethodGet, "/v1/agents/"+agent.ID.String(), token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var got model.Agent
		decodeData(t, envelope, &got)
		assert.Equal(t, agent.Name, got.Name)
	})
}

func TestCreateMatchValidation(t *testing.T) {
	_, token := registerAgent(t, "match-validator")

	resp, _ := doJSON(t, http.MethodPost, "/v1/matches", token, model.CreateMatchRequest{
		Name: "bad", GameType: "pd", Sponsor: "unknown-engine",
		TotalGames: 1, MinSlots: 2, MaxSlots: 2,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// dialPlay attaches an agent's play stream.
func dialPlay(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(testSrv.URL, "http") + "/v1/play"
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitAgentStatus polls until the stored agent status converges, since
// session registration runs concurrently with the websocket handshake.
func waitAgentStatus(t *testing.T, agentID uuid.UUID, want model.AgentStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		agent, err := testDB.GetAgent(context.Background(), agentID)
		return err == nil && agent.Status == want
	}, waitFor, 20*time.Millisecond)
}

func readPlayFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(waitFor))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// Full path: register two agents over HTTP, attach both play streams, create
// a match that auto-starts, relay one round against the scripted engine, and
// verify the settled result through the API.
func TestPlayEndToEnd(t *testing.T) {
	agentA, tokenA := registerAgent(t, "e2e-player-a")
	agentB, tokenB := registerAgent(t, "e2e-player-b")

	connA := dialPlay(t, tokenA)
	connB := dialPlay(t, tokenB)
	waitAgentStatus(t, agentA.ID, model.AgentReady)
	waitAgentStatus(t, agentB.ID, model.AgentReady)

	resp, envelope := doJSON(t, http.MethodPost, "/v1/matches", tokenA, model.CreateMatchRequest{
		Name: "e2e-match", GameType: "pd", Sponsor: "prisoners",
		TotalGames: 1, MinSlots: 2, MaxSlots: 2,
		AgentIDs: []uuid.UUID{agentA.ID, agentB.ID},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var m model.Match
	decodeData(t, envelope, &m)
	assert.Equal(t, model.MatchRunning, m.Status)

	// Engine addresses player 0 first.
	frame := readPlayFrame(t, connA)
	require.Equal(t, "state", frame["type"])
	require.NoError(t, connA.WriteJSON(map[string]any{"action": "cooperate"}))

	frame = readPlayFrame(t, connB)
	require.Equal(t, "state", frame["type"])
	require.NoError(t, connB.WriteJSON(map[string]any{"action": "defect"}))

	// Both participants get the termination notice with the winner.
	for _, conn := range []*websocket.Conn{connA, connB} {
		frame = readPlayFrame(t, conn)
		assert.Equal(t, "match_over", frame["type"])
		assert.Equal(t, "completed", frame["status"])
		assert.Equal(t, agentA.ID.String(), frame["winner_id"])
	}

	resp, envelope = doJSON(t, http.MethodGet, "/v1/matches/"+m.ID.String(), tokenA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var settled model.Match
	decodeData(t, envelope, &settled)
	assert.Equal(t, model.MatchCompleted, settled.Status)
	require.NotNil(t, settled.WinnerID)
	assert.Equal(t, agentA.ID, *settled.WinnerID)
	assert.Equal(t, []uuid.UUID{agentA.ID, agentB.ID}, settled.AgentIDs)

	resp, envelope = doJSON(t, http.MethodGet, "/v1/matches/"+m.ID.String()+"/turns", tokenA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var turns []model.TurnLog
	decodeData(t, envelope, &turns)
	require.Len(t, turns, 1)
	assert.Equal(t, 5.0, turns[0].ScoreDeltas[agentA.ID])
	assert.Equal(t, 2.0, turns[0].ScoreDeltas[agentB.ID])

	resp, envelope = doJSON(t, http.MethodGet, "/v1/agents/"+agentA.ID.String(), tokenA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var winner model.Agent
	decodeData(t, envelope, &winner)
	assert.Equal(t, 1, winner.PlayedGames)
	assert.Equal(t, 1, winner.WonGames)
}

func TestJoinMissingOfflineAgent(t *testing.T) {
	agentA, tokenA := registerAgent(t, "offline-a")
	agentB, _ := registerAgent(t, "offline-b")
	_ = agentB

	// Only A attaches; the threshold start must fail and the match stays
	// pending with both participants kept.
	connA := dialPlay(t, tokenA)
	defer connA.Close()

	resp, envelope := doJSON(t, http.MethodPost, "/v1/matches", tokenA, model.CreateMatchRequest{
		Name: "offline-match", GameType: "pd", Sponsor: "prisoners",
		TotalGames: 1, MinSlots: 2, MaxSlots: 2,
		AgentIDs: []uuid.UUID{agentA.ID, agentB.ID},
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = envelope
}

func TestStatsEndpoint(t *testing.T) {
	champ, token := registerAgent(t, "stats-champ")
	contender, _ := registerAgent(t, "stats-contender")

	// Ranks come from the scheduled computation; seed them directly.
	require.NoError(t, testDB.UpsertRanks(context.Background(), []model.AgentRank{
		{AgentID: champ.ID, GameType: "pd", Rank: 1},
		{AgentID: contender.ID, GameType: "pd", Rank: 2},
	}))

	// The leaderboard requires a token like every other read.
	resp, _ := doJSON(t, http.MethodGet, "/v1/stats", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, envelope := doJSON(t, http.MethodGet, "/v1/stats", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats []model.AgentStat
	decodeData(t, envelope, &stats)

	byAgent := make(map[uuid.UUID]model.AgentStat, len(stats))
	for _, s := range stats {
		byAgent[s.AgentID] = s
	}
	require.Contains(t, byAgent, champ.ID)
	require.Contains(t, byAgent, contender.ID)
	assert.Equal(t, 1, byAgent[champ.ID].Rank)
	assert.Equal(t, "stats-champ", byAgent[champ.ID].AgentName)
	assert.Equal(t, 2, byAgent[contender.ID].Rank)
}
