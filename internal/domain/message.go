package domain

import "time"

// Role constants for message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ToolCall describes one tool invocation reported for a run. The arguments
// stay as the gateway sent them; the client never executes tools.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
	Status    string `json:"status,omitempty"`
}

// StreamingMessage is one entry in the assembled chat transcript. For the
// active run at most one message has IsStreaming set; everything before it is
// immutable history.
type StreamingMessage struct {
	ID          string     `json:"id"`
	Role        string     `json:"role"`
	Content     string     `json:"content"`
	Timestamp   time.Time  `json:"timestamp"`
	IsStreaming bool       `json:"isStreaming"`
	ToolCalls   []ToolCall `json:"toolCalls,omitempty"`
	Error       string     `json:"error,omitempty"`
}
