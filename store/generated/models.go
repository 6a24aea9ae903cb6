// Row types for the tables in store/migrations, written by hand in the shape
// sqlc emits; this repository has no sqlc configuration.

package generated

import "time"

type Conversation struct {
	ID             string
	Tool           string
	Topic          string
	Model          *string
	Mode           string
	PermissionMode string
	ProjectPath    string
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastActivity   time.Time
	SessionID      *string
}

type Message struct {
	ID             string
	ConversationID string
	Type           string
	Role           string
	Content        []byte
	Timestamp      time.Time
	IsPartial      bool
	ToolID         *string
	ToolName       *string
	IsError        bool
	Metadata       []byte
}

type PendingApproval struct {
	ConversationID string
	BlockID        string
	ToolName       string
	ExpiresAt      *time.Time
}

type PendingNotification struct {
	ID             string
	ConversationID string
	Topic          string
	IsTurnComplete bool
	CreatedAt      time.Time
}
