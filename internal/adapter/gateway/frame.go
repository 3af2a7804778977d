package gateway

import (
	"encoding/json"
	"fmt"

	"clawdeck/internal/domain"
)

// ProtocolVersion negotiated during the connect handshake.
const ProtocolVersion = 3

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "req"
	FrameTypeResponse FrameType = "res"
	FrameTypeEvent    FrameType = "event"
)

// Frame is the envelope exchanged with the gateway over WebSocket. One struct
// covers all three shapes; Type decides which fields are meaningful.
type Frame struct {
	Type FrameType `json:"type"`

	// Request/response correlation.
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"` // request only
	Params json.RawMessage `json:"params,omitempty"` // request only

	// Response fields.
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`

	// Event fields.
	Event        string               `json:"event,omitempty"`
	Seq          int64                `json:"seq,omitempty"`
	StateVersion *domain.StateVersion `json:"stateVersion,omitempty"`
}

// ErrorShape describes a protocol error carried in a failed response.
type ErrorShape struct {
	Code         string          `json:"code"`
	Message      string          `json:"message"`
	Details      json.RawMessage `json:"details,omitempty"`
	Retryable    bool            `json:"retryable,omitempty"`
	RetryAfterMs int             `json:"retryAfterMs,omitempty"`
}

// RPCError converts the wire shape into the typed error callers branch on.
func (e *ErrorShape) RPCError(method string) *domain.RPCError {
	var details any
	if len(e.Details) > 0 {
		_ = json.Unmarshal(e.Details, &details)
	}
	return &domain.RPCError{
		Method:       method,
		ErrCode:      e.Code,
		Message:      e.Message,
		Details:      details,
		Retryable:    e.Retryable,
		RetryAfterMs: e.RetryAfterMs,
	}
}

// NewRequestFrame builds a request frame, marshaling params. A nil params
// produces a frame without a params field.
func NewRequestFrame(id, method string, params any) (Frame, error) {
	f := Frame{Type: FrameTypeRequest, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		f.Params = raw
	}
	return f, nil
}

// ConnectParams is the handshake request payload, sent as the first frame
// after the socket opens (method "connect").
type ConnectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
	Caps        []string   `json:"caps"`
	Role        string     `json:"role"`
	Scopes      []string   `json:"scopes"`
	Auth        AuthParams `json:"auth"`
}

// ClientInfo identifies this client instance to the gateway.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
	InstanceID  string `json:"instanceId"`
}

// AuthParams carries the bearer token. Token rotation means constructing a
// new client; there is no re-auth on a live socket.
type AuthParams struct {
	Token string `json:"token"`
}

// HelloPayload is the handshake response payload.
type HelloPayload struct {
	Server *ServerInfo `json:"server,omitempty"`
	Policy *PolicyInfo `json:"policy,omitempty"`
}

// ServerInfo describes the gateway that accepted the handshake.
type ServerInfo struct {
	Version string `json:"version"`
	Host    string `json:"host"`
	ConnID  string `json:"connId"`
}

// PolicyInfo carries connection policy negotiated at handshake time.
type PolicyInfo struct {
	TickIntervalMs int `json:"tickIntervalMs"`
}
