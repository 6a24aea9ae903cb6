// Query methods over the tables in store/migrations, written by hand in the
// shape sqlc emits; each query's SQL is the constant declared above its method.

package generated

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx, letting every generated
// method run inside or outside a transaction.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

// WithTx returns a Queries bound to the given transaction.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

const createConversation = `
INSERT INTO conversations (id, tool, topic, model, mode, permission_mode, project_path, status, created_at, updated_at, last_activity, session_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

type CreateConversationParams struct {
	ID             string
	Tool           string
	Topic          string
	Model          *string
	Mode           string
	PermissionMode string
	ProjectPath    string
	Status         string
	CreatedAt      sql.NullTime
	UpdatedAt      sql.NullTime
	LastActivity   sql.NullTime
	SessionID      *string
}

func (q *Queries) CreateConversation(ctx context.Context, arg CreateConversationParams) error {
	_, err := q.db.ExecContext(ctx, createConversation,
		arg.ID, arg.Tool, arg.Topic, arg.Model, arg.Mode, arg.PermissionMode,
		arg.ProjectPath, arg.Status, arg.CreatedAt, arg.UpdatedAt, arg.LastActivity, arg.SessionID,
	)
	return err
}

const getConversationByID = `
SELECT id, tool, topic, model, mode, permission_mode, project_path, status, created_at, updated_at, last_activity, session_id
FROM conversations WHERE id = ?
`

func (q *Queries) GetConversationByID(ctx context.Context, id string) (Conversation, error) {
	row := q.db.QueryRowContext(ctx, getConversationByID, id)
	var c Conversation
	err := row.Scan(&c.ID, &c.Tool, &c.Topic, &c.Model, &c.Mode, &c.PermissionMode,
		&c.ProjectPath, &c.Status, &c.CreatedAt, &c.UpdatedAt, &c.LastActivity, &c.SessionID)
	return c, err
}

const updateConversation = `
UPDATE conversations SET topic = ?, model = ?, status = ?, updated_at = ?, last_activity = ?, session_id = ?
WHERE id = ?
`

type UpdateConversationParams struct {
	Topic        string
	Model        *string
	Status       string
	UpdatedAt    sql.NullTime
	LastActivity sql.NullTime
	SessionID    *string
	ID           string
}

func (q *Queries) UpdateConversation(ctx context.Context, arg UpdateConversationParams) (sql.Result, error) {
	return q.db.ExecContext(ctx, updateConversation,
		arg.Topic, arg.Model, arg.Status, arg.UpdatedAt, arg.LastActivity, arg.SessionID, arg.ID)
}

const deleteConversation = `DELETE FROM conversations WHERE id = ?`

func (q *Queries) DeleteConversation(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, deleteConversation, id)
	return err
}

const listConversations = `
SELECT id, tool, topic, model, mode, permission_mode, project_path, status, created_at, updated_at, last_activity, session_id
FROM conversations
WHERE (? = '' OR project_path = ?) AND (? = '' OR status = ?)
ORDER BY last_activity DESC
LIMIT ? OFFSET ?
`

type ListConversationsParams struct {
	ProjectPath string
	Status      string
	Limit       int64
	Offset      int64
}

func (q *Queries) ListConversations(ctx context.Context, arg ListConversationsParams) ([]Conversation, error) {
	rows, err := q.db.QueryContext(ctx, listConversations,
		arg.ProjectPath, arg.ProjectPath, arg.Status, arg.Status, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Tool, &c.Topic, &c.Model, &c.Mode, &c.PermissionMode,
			&c.ProjectPath, &c.Status, &c.CreatedAt, &c.UpdatedAt, &c.LastActivity, &c.SessionID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const listActiveConversations = `
SELECT id, tool, topic, model, mode, permission_mode, project_path, status, created_at, updated_at, last_activity, session_id
FROM conversations WHERE status = 'active'
`

func (q *Queries) ListActiveConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := q.db.QueryContext(ctx, listActiveConversations)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Tool, &c.Topic, &c.Model, &c.Mode, &c.PermissionMode,
			&c.ProjectPath, &c.Status, &c.CreatedAt, &c.UpdatedAt, &c.LastActivity, &c.SessionID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const markAllActiveSuspended = `UPDATE conversations SET status = 'suspended' WHERE status = 'active'`

func (q *Queries) MarkAllActiveSuspended(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, markAllActiveSuspended)
	return err
}

const upsertMessage = `
INSERT INTO messages (id, conversation_id, type, role, content, timestamp, is_partial, tool_id, tool_name, is_error, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  content = excluded.content,
  is_partial = excluded.is_partial,
  is_error = excluded.is_error,
  metadata = excluded.metadata
WHERE messages.is_partial = 1
`

type UpsertMessageParams struct {
	ID             string
	ConversationID string
	Type           string
	Role           string
	Content        []byte
	Timestamp      sql.NullTime
	IsPartial      bool
	ToolID         *string
	ToolName       *string
	IsError        bool
	Metadata       []byte
}

func (q *Queries) UpsertMessage(ctx context.Context, arg UpsertMessageParams) error {
	_, err := q.db.ExecContext(ctx, upsertMessage,
		arg.ID, arg.ConversationID, arg.Type, arg.Role, arg.Content, arg.Timestamp,
		arg.IsPartial, arg.ToolID, arg.ToolName, arg.IsError, arg.Metadata)
	return err
}

const getMessageByID = `
SELECT id, conversation_id, type, role, content, timestamp, is_partial, tool_id, tool_name, is_error, metadata
FROM messages WHERE id = ?
`

func (q *Queries) GetMessageByID(ctx context.Context, id string) (Message, error) {
	row := q.db.QueryRowContext(ctx, getMessageByID, id)
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.Type, &m.Role, &m.Content, &m.Timestamp,
		&m.IsPartial, &m.ToolID, &m.ToolName, &m.IsError, &m.Metadata)
	return m, err
}

const listMessages = `
SELECT id, conversation_id, type, role, content, timestamp, is_partial, tool_id, tool_name, is_error, metadata
FROM messages
WHERE conversation_id = ? AND (? IS NULL OR timestamp < ?)
ORDER BY timestamp ASC, rowid ASC
LIMIT ?
`

type ListMessagesParams struct {
	ConversationID string
	Before         sql.NullTime
	Limit          int64
}

func (q *Queries) ListMessages(ctx context.Context, arg ListMessagesParams) ([]Message, error) {
	rows, err := q.db.QueryContext(ctx, listMessages, arg.ConversationID, arg.Before, arg.Before, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Type, &m.Role, &m.Content, &m.Timestamp,
			&m.IsPartial, &m.ToolID, &m.ToolName, &m.IsError, &m.Metadata); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const createApproval = `
INSERT INTO pending_approvals (conversation_id, block_id, tool_name, expires_at)
VALUES (?, ?, ?, ?)
`

type CreateApprovalParams struct {
	ConversationID string
	BlockID        string
	ToolName       string
	ExpiresAt      sql.NullTime
}

func (q *Queries) CreateApproval(ctx context.Context, arg CreateApprovalParams) error {
	_, err := q.db.ExecContext(ctx, createApproval, arg.ConversationID, arg.BlockID, arg.ToolName, arg.ExpiresAt)
	return err
}

const getApproval = `
SELECT conversation_id, block_id, tool_name, expires_at FROM pending_approvals
WHERE conversation_id = ? AND block_id = ?
`

func (q *Queries) GetApproval(ctx context.Context, conversationID, blockID string) (PendingApproval, error) {
	row := q.db.QueryRowContext(ctx, getApproval, conversationID, blockID)
	var a PendingApproval
	err := row.Scan(&a.ConversationID, &a.BlockID, &a.ToolName, &a.ExpiresAt)
	return a, err
}

const deleteApproval = `DELETE FROM pending_approvals WHERE conversation_id = ? AND block_id = ?`

func (q *Queries) DeleteApproval(ctx context.Context, conversationID, blockID string) error {
	_, err := q.db.ExecContext(ctx, deleteApproval, conversationID, blockID)
	return err
}

const clearApprovalsForConversation = `DELETE FROM pending_approvals WHERE conversation_id = ?`

func (q *Queries) ClearApprovalsForConversation(ctx context.Context, conversationID string) error {
	_, err := q.db.ExecContext(ctx, clearApprovalsForConversation, conversationID)
	return err
}

const enqueueNotification = `
INSERT INTO pending_notifications (id, conversation_id, topic, is_turn_complete, created_at)
VALUES (?, ?, ?, ?, ?)
`

type EnqueueNotificationParams struct {
	ID             string
	ConversationID string
	Topic          string
	IsTurnComplete bool
	CreatedAt      sql.NullTime
}

func (q *Queries) EnqueueNotification(ctx context.Context, arg EnqueueNotificationParams) error {
	_, err := q.db.ExecContext(ctx, enqueueNotification, arg.ID, arg.ConversationID, arg.Topic, arg.IsTurnComplete, arg.CreatedAt)
	return err
}

const evictOldestNotifications = `
DELETE FROM pending_notifications
WHERE conversation_id = ? AND id NOT IN (
	SELECT id FROM pending_notifications WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
)
`

// EvictOldestNotifications trims conversationID's queue down to keep rows,
// dropping the oldest first so the newest notification always survives.
func (q *Queries) EvictOldestNotifications(ctx context.Context, conversationID string, keep int64) error {
	_, err := q.db.ExecContext(ctx, evictOldestNotifications, conversationID, conversationID, keep)
	return err
}

const drainNotifications = `
SELECT id, conversation_id, topic, is_turn_complete, created_at FROM pending_notifications
WHERE conversation_id = ? ORDER BY created_at ASC, id ASC
`

func (q *Queries) DrainNotifications(ctx context.Context, conversationID string) ([]PendingNotification, error) {
	rows, err := q.db.QueryContext(ctx, drainNotifications, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PendingNotification
	for rows.Next() {
		var n PendingNotification
		if err := rows.Scan(&n.ID, &n.ConversationID, &n.Topic, &n.IsTurnComplete, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM pending_notifications WHERE conversation_id = ?`, conversationID); err != nil {
		return nil, err
	}
	return out, nil
}

const putKV = `INSERT INTO server_kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`

func (q *Queries) PutKV(ctx context.Context, key string, value []byte) error {
	_, err := q.db.ExecContext(ctx, putKV, key, value)
	return err
}

const getKV = `SELECT value FROM server_kv WHERE key = ?`

func (q *Queries) GetKV(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := q.db.QueryRowContext(ctx, getKV, key).Scan(&v)
	return v, err
}
