// Package convo holds the Conversation type shared by the Store,
// SessionManager, and Hub.
package convo

import "time"

// Tool identifies which agent CLI a conversation drives.
type Tool string

const (
	ToolClaude      Tool = "claude"
	ToolCursorAgent Tool = "cursor-agent"
	ToolGemini      Tool = "gemini"
	ToolCustom      Tool = "custom"
)

// Mode is the agent's operating posture.
type Mode string

const (
	ModeAgent Mode = "agent"
	ModePlan  Mode = "plan"
	ModeAsk   Mode = "ask"
)

// PermissionMode controls how aggressively the agent CLI is allowed to act
// without an explicit approval round-trip.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionBypass      PermissionMode = "bypass"
	PermissionDontAsk     PermissionMode = "dontAsk"
)

// Status is the conversation's lifecycle stage. Exactly one of
// {Active, Suspended} may hold a live PTY; Ended never does.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusEnded     Status = "ended"
)

// Conversation is the durable identity for one chat against one agent CLI.
type Conversation struct {
	ID             string         `json:"id"`
	Tool           Tool           `json:"tool"`
	Topic          string         `json:"topic"`
	Model          *string        `json:"model,omitempty"`
	Mode           Mode           `json:"mode"`
	PermissionMode PermissionMode `json:"permissionMode"`
	ProjectPath    string         `json:"projectPath"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	LastActivity   time.Time      `json:"lastActivity"`
	SessionID      *string        `json:"sessionId,omitempty"` // opaque resume token some CLIs (e.g. Claude) provide
}

// CanResume reports whether this tool supports restoring prior context via a
// session token. Tools that don't still get a best-effort transcript-replay
// preface on resume (see session.Manager.Resume).
func (t Tool) CanResume() bool {
	switch t {
	case ToolClaude:
		return true
	default:
		return false
	}
}
