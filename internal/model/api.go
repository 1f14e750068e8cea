package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	AgentID uuid.UUID `json:"agent_id"`
	APIKey  string    `json:"api_key"`
}

// AuthTokenResponse is the response body for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateAgentRequest is the request body for POST /v1/agents.
type CreateAgentRequest struct {
	Name        string  `json:"name"`
	GameType    string  `json:"game_type"`
	Version     string  `json:"version"`
	Description *string `json:"description,omitempty"`
}

// CreateAgentResponse returns the new agent record plus its one-time API key.
type CreateAgentResponse struct {
	Agent  Agent  `json:"agent"`
	APIKey string `json:"api_key"`
}

// CreateMatchRequest is the request body for POST /v1/matches.
type CreateMatchRequest struct {
	Name       string      `json:"name"`
	GameType   string      `json:"game_type"`
	Sponsor    string      `json:"sponsor"`
	TotalGames int         `json:"total_games"`
	MinSlots   int         `json:"min_slots"`
	MaxSlots   int         `json:"max_slots"`
	Password   *string     `json:"password,omitempty"`
	AgentIDs   []uuid.UUID `json:"agent_ids"`
}

// JoinMatchRequest is the request body for POST /v1/matches/{match_id}/join.
type JoinMatchRequest struct {
	AgentIDs []uuid.UUID `json:"agent_ids"`
	Password *string     `json:"password,omitempty"`
}
