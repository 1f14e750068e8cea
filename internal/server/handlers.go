package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/playmesh/arena/internal/auth"
	"github.com/playmesh/arena/internal/matchsvc"
	"github.com/playmesh/arena/internal/model"
	"github.com/playmesh/arena/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	matches             *matchsvc.Service
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Matches             *matchsvc.Service
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		matches:             d.Matches,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token: exchanges an agent id and API key
// for a short-lived JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	agent, err := h.db.GetAgent(r.Context(), req.AgentID)
	if err != nil || agent.APIKeyHash == nil {
		// Burn comparable time so missing agents are indistinguishable from
		// wrong keys.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, *agent.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	if agent.Status == model.AgentDecommissioned {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "agent decommissioned")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(agent.ID)
	if err != nil {
		h.logger.Error("issue token failed", "agent_id", agent.ID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to issue token")
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: expiresAt,
	})
}

// HandleCreateAgent handles POST /v1/agents. The generated API key is
// returned exactly once; only its argon2id hash is stored.
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Name == "" || req.GameType == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name and game_type are required")
		return
	}

	apiKey, err := auth.NewAPIKey()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to generate API key")
		return
	}
	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to hash API key")
		return
	}

	agent, err := h.db.CreateAgent(r.Context(), model.Agent{
		Name:        req.Name,
		GameType:    req.GameType,
		Version:     req.Version,
		Description: req.Description,
		APIKeyHash:  &hash,
		Status:      model.AgentIdle,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "agent name already taken")
			return
		}
		h.logger.Error("create agent failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create agent")
		return
	}

	writeJSON(w, r, http.StatusCreated, model.CreateAgentResponse{Agent: agent, APIKey: apiKey})
}

// HandleGetAgent handles GET /v1/agents/{agent_id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID, err := uuid.Parse(r.PathValue("agent_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}
	agent, err := h.db.GetAgent(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.logger.Error("get agent failed", "agent_id", agentID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to fetch agent")
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleListMatches handles GET /v1/matches: open (pending) matches only.
func (h *Handlers) HandleListMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := h.matches.ListOpen(r.Context())
	if err != nil {
		h.logger.Error("list matches failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list matches")
		return
	}
	if matches == nil {
		matches = []model.Match{}
	}
	writeJSON(w, r, http.StatusOK, matches)
}

// HandleCreateMatch handles POST /v1/matches. The authenticated agent is the
// creator; agent_ids in the request join immediately after creation.
func (h *Handlers) HandleCreateMatch(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	var req model.CreateMatchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	var password string
	if req.Password != nil {
		password = *req.Password
	}
	m, err := h.matches.Create(r.Context(), matchsvc.CreateParams{
		Name:         req.Name,
		GameType:     req.GameType,
		Sponsor:      req.Sponsor,
		TotalGames:   req.TotalGames,
		MinSlots:     req.MinSlots,
		MaxSlots:     req.MaxSlots,
		Password:     password,
		CreatorAgent: claims.AgentID,
	})
	if err != nil {
		h.writeMatchError(w, r, err)
		return
	}

	if len(req.AgentIDs) > 0 {
		m, err = h.matches.Join(r.Context(), m.ID, password, req.AgentIDs)
		if err != nil {
			h.writeMatchError(w, r, err)
			return
		}
	}
	writeJSON(w, r, http.StatusCreated, m)
}

// HandleJoinMatch handles POST /v1/matches/{match_id}/join.
func (h *Handlers) HandleJoinMatch(w http.ResponseWriter, r *http.Request) {
	matchID, err := uuid.Parse(r.PathValue("match_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid match id")
		return
	}
	var req model.JoinMatchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	var password string
	if req.Password != nil {
		password = *req.Password
	}

	m, err := h.matches.Join(r.Context(), matchID, password, req.AgentIDs)
	if err != nil {
		h.writeMatchError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, m)
}

// HandleGetMatch handles GET /v1/matches/{match_id}.
func (h *Handlers) HandleGetMatch(w http.ResponseWriter, r *http.Request) {
	matchID, err := uuid.Parse(r.PathValue("match_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid match id")
		return
	}
	m, err := h.matches.Get(r.Context(), matchID)
	if err != nil {
		h.writeMatchError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, m)
}

// HandleListTurns handles GET /v1/matches/{match_id}/turns.
func (h *Handlers) HandleListTurns(w http.ResponseWriter, r *http.Request) {
	matchID, err := uuid.Parse(r.PathValue("match_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid match id")
		return
	}
	turns, err := h.matches.Turns(r.Context(), matchID)
	if err != nil {
		h.writeMatchError(w, r, err)
		return
	}
	if turns == nil {
		turns = []model.TurnLog{}
	}
	writeJSON(w, r, http.StatusOK, turns)
}

// HandleListStats handles GET /v1/stats: the per-game-type leaderboard as of
// the last scheduled rank computation.
func (h *Handlers) HandleListStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.db.ListStats(r.Context())
	if err != nil {
		h.logger.Error("list stats failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list stats")
		return
	}
	if stats == nil {
		stats = []model.AgentStat{}
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.db.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, map[string]any{
		"status":  status,
		"version": h.version,
		"uptime":  time.Since(h.startedAt).String(),
	})
}

// writeMatchError maps matchsvc errors onto HTTP statuses.
func (h *Handlers) writeMatchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, matchsvc.ErrInvalid):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, matchsvc.ErrMatchNotFound), errors.Is(err, matchsvc.ErrAgentNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, matchsvc.ErrWrongPassword):
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "wrong match password")
	case errors.Is(err, matchsvc.ErrNotJoinable),
		errors.Is(err, matchsvc.ErrMatchFull),
		errors.Is(err, matchsvc.ErrAgentDecommissioned),
		errors.Is(err, matchsvc.ErrStartFailed):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	default:
		h.logger.Error("match request failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
	}
}
