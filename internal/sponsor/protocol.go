// Package sponsor implements the bridge to external game engines ("sponsors").
//
// A sponsor is the sole authority on game rules: it computes legal states,
// transitions, and payoffs. The bridge speaks a small JSON protocol over a
// WebSocket, one conversation per match, opened when the match starts and
// closed when its runner terminates.
package sponsor

// Request types sent to a sponsor.
const (
	RequestInit    = "init"
	RequestAction  = "action"
	RequestControl = "control"
)

// Control signals.
const (
	ControlPause  = "pause"
	ControlResume = "resume"
)

// Response types received from a sponsor.
const (
	ResponseInit        = "init_response"
	ResponseStateUpdate = "state_update"
	ResponseEndStatus   = "end_status"
)

// Request is the envelope for all messages sent to a sponsor.
// Exactly one payload field is meaningful for a given Type.
type Request struct {
	Type     string `json:"type"`
	GameType string `json:"game_type,omitempty"`
	Action   string `json:"action,omitempty"`
	Control  string `json:"control,omitempty"`
}

// InitRequest asks the sponsor to initialize a game of the given type.
func InitRequest(gameType string) Request {
	return Request{Type: RequestInit, GameType: gameType}
}

// ActionRequest forwards an agent action to the sponsor.
func ActionRequest(action string) Request {
	return Request{Type: RequestAction, Action: action}
}

// ControlRequest sends a pause/resume control signal.
func ControlRequest(control string) Request {
	return Request{Type: RequestControl, Control: control}
}

// Response is the envelope for all messages received from a sponsor.
//
// For ResponseStateUpdate, IPlayer indexes into the match's ordered agent
// list; for ResponseEndStatus, Payoffs is ordered the same way. State and
// action payloads are engine-defined opaque strings the core never interprets.
type Response struct {
	Type string `json:"type"`

	// init_response fields.
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`

	// state_update fields.
	State   string `json:"state,omitempty"`
	IsOver  bool   `json:"is_over,omitempty"`
	IPlayer int    `json:"i_player,omitempty"`

	// end_status fields.
	Payoffs []float64 `json:"payoffs,omitempty"`
}
