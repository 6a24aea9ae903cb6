// Package store is the durable, crash-safe persistence layer: conversations,
// their messages, pending approvals, and pending notifications. It is the
// only component with a writer lock across the whole process; readers are
// lock-free relative to it.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentbridge/agentctl/block"
	"github.com/agentbridge/agentctl/convo"
	"github.com/agentbridge/agentctl/errs"
	"github.com/agentbridge/agentctl/idgen"
	"github.com/agentbridge/agentctl/store/generated"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store wraps a single-writer SQLite database. All mutating calls funnel
// through writeMu so a crash between appendMessage and broadcast can never
// lose the message: the Store is the truth, broadcast is best-effort.
type Store struct {
	db      *sql.DB
	q       *generated.Queries
	logger  *slog.Logger
	writeMu sync.Mutex
}

// Open creates (or reuses) a SQLite database at path, applies pending
// migrations, and sets WAL journaling.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers; serialize here
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db, q: generated.New(db), logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	entries, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(entries)
	for _, name := range entries {
		sqlBytes, err := migrationFiles.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		for _, stmt := range strings.Split(string(sqlBytes), ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %s: %w", name, err)
			}
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// NewID returns a lexically sortable identifier. Used for both conversation
// and message ids.
func NewID() string {
	return idgen.New()
}

// CreateConversation fails with errs.Conflict if id already exists.
func (s *Store) CreateConversation(ctx context.Context, c convo.Conversation) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.q.CreateConversation(ctx, generated.CreateConversationParams{
		ID:             c.ID,
		Tool:           string(c.Tool),
		Topic:          c.Topic,
		Model:          c.Model,
		Mode:           string(c.Mode),
		PermissionMode: string(c.PermissionMode),
		ProjectPath:    c.ProjectPath,
		Status:         string(c.Status),
		CreatedAt:      sql.NullTime{Time: c.CreatedAt, Valid: true},
		UpdatedAt:      sql.NullTime{Time: c.UpdatedAt, Valid: true},
		LastActivity:   sql.NullTime{Time: c.LastActivity, Valid: true},
		SessionID:      c.SessionID,
	})
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Wrap(errs.Conflict, "conversation already exists", err)
		}
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// GetConversation fails with errs.NotFound if absent.
func (s *Store) GetConversation(ctx context.Context, id string) (convo.Conversation, error) {
	row, err := s.q.GetConversationByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return convo.Conversation{}, errs.Wrap(errs.NotFound, "conversation not found", err)
		}
		return convo.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return fromGeneratedConversation(row), nil
}

// ConversationPatch describes a partial update; nil fields are left
// unchanged.
type ConversationPatch struct {
	Topic        *string
	Model        *string
	Status       *convo.Status
	LastActivity *time.Time
	SessionID    *string
}

// UpdateConversation atomically merges patch into the stored row. Fails
// errs.NotFound if the conversation does not exist.
func (s *Store) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (convo.Conversation, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.q.GetConversationByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return convo.Conversation{}, errs.Wrap(errs.NotFound, "conversation not found", err)
		}
		return convo.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}

	now := time.Now().UTC()
	topic := existing.Topic
	if patch.Topic != nil {
		topic = *patch.Topic
	}
	model := existing.Model
	if patch.Model != nil {
		model = patch.Model
	}
	status := existing.Status
	if patch.Status != nil {
		status = string(*patch.Status)
	}
	lastActivity := existing.LastActivity
	if patch.LastActivity != nil {
		lastActivity = *patch.LastActivity
	}
	sessionID := existing.SessionID
	if patch.SessionID != nil {
		sessionID = patch.SessionID
	}

	if _, err := s.q.UpdateConversation(ctx, generated.UpdateConversationParams{
		Topic:        topic,
		Model:        model,
		Status:       status,
		UpdatedAt:    sql.NullTime{Time: now, Valid: true},
		LastActivity: sql.NullTime{Time: lastActivity, Valid: true},
		SessionID:    sessionID,
		ID:           id,
	}); err != nil {
		return convo.Conversation{}, fmt.Errorf("update conversation: %w", err)
	}

	existing.Topic, existing.Model, existing.Status = topic, model, status
	existing.UpdatedAt, existing.LastActivity, existing.SessionID = now, lastActivity, sessionID
	return fromGeneratedConversation(existing), nil
}

// DeleteConversation cascades to messages/approvals/notifications. Idempotent.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.q.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// ListFilter narrows ListConversations.
type ListFilter struct {
	ProjectPath string
	Status      convo.Status
	Limit       int
	Offset      int
}

func (s *Store) ListConversations(ctx context.Context, f ListFilter) ([]convo.Conversation, error) {
	limit := int64(f.Limit)
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.ListConversations(ctx, generated.ListConversationsParams{
		ProjectPath: f.ProjectPath,
		Status:      string(f.Status),
		Limit:       limit,
		Offset:      int64(f.Offset),
	})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]convo.Conversation, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromGeneratedConversation(r))
	}
	return out, nil
}

// ListActive is used at boot to find conversations that must be demoted to
// suspended (no live PTY survives a restart).
func (s *Store) ListActive(ctx context.Context) ([]convo.Conversation, error) {
	rows, err := s.q.ListActiveConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active conversations: %w", err)
	}
	out := make([]convo.Conversation, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromGeneratedConversation(r))
	}
	return out, nil
}

// SuspendAllActive marks every active conversation suspended. Called once at
// boot, before anything else touches the Store.
func (s *Store) SuspendAllActive(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.q.MarkAllActiveSuspended(ctx)
}

// AppendMessage persists a block. For terminal (non-partial) blocks this is
// append-only; for partial blocks it upserts by id (last write wins on
// content). Once a non-partial row exists for an id, further mutation is
// rejected as a no-op (isPartial:false is terminal, §9).
func (s *Store) AppendMessage(ctx context.Context, b block.Block) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.q.GetMessageByID(ctx, b.ID)
	if err == nil && !existing.IsPartial {
		s.logger.Warn("ignoring mutation of terminal message", "messageId", b.ID, "conversationId", b.ConversationID)
		return nil
	} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lookup message: %w", err)
	}

	content, metadata, err := encodeBlock(b)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	isError := false
	if b.IsError != nil {
		isError = *b.IsError
	}
	if err := s.q.UpsertMessage(ctx, generated.UpsertMessageParams{
		ID:             b.ID,
		ConversationID: b.ConversationID,
		Type:           string(b.Type),
		Role:           string(b.Role),
		Content:        content,
		Timestamp:      sql.NullTime{Time: b.Timestamp, Valid: true},
		IsPartial:      b.IsPartial,
		ToolID:         b.ToolID,
		ToolName:       b.ToolName,
		IsError:        isError,
		Metadata:       metadata,
	}); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

// GetMessagesOpts bounds a GetMessages call.
type GetMessagesOpts struct {
	Limit  int
	Before *time.Time
}

// GetMessages returns messages ordered by (timestamp, insertion).
func (s *Store) GetMessages(ctx context.Context, conversationID string, opts GetMessagesOpts) ([]block.Block, error) {
	limit := int64(opts.Limit)
	if limit <= 0 {
		limit = 1000
	}
	var before sql.NullTime
	if opts.Before != nil {
		before = sql.NullTime{Time: *opts.Before, Valid: true}
	}
	rows, err := s.q.ListMessages(ctx, generated.ListMessagesParams{
		ConversationID: conversationID,
		Before:         before,
		Limit:          limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]block.Block, 0, len(rows))
	for _, r := range rows {
		b, err := decodeBlock(r)
		if err != nil {
			return nil, fmt.Errorf("decode message %s: %w", r.ID, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// Fork duplicates a conversation row (fresh id, Suspended status so no PTY
// is implied) and copies its messages verbatim.
func (s *Store) Fork(ctx context.Context, sourceID, topic string) (convo.Conversation, error) {
	src, err := s.GetConversation(ctx, sourceID)
	if err != nil {
		return convo.Conversation{}, err
	}
	msgs, err := s.GetMessages(ctx, sourceID, GetMessagesOpts{})
	if err != nil {
		return convo.Conversation{}, fmt.Errorf("fork: read source messages: %w", err)
	}

	now := time.Now().UTC()
	fork := src
	fork.ID = NewID()
	fork.Topic = topic
	fork.Status = convo.StatusSuspended
	fork.SessionID = nil
	fork.CreatedAt, fork.UpdatedAt, fork.LastActivity = now, now, now

	if err := s.CreateConversation(ctx, fork); err != nil {
		return convo.Conversation{}, fmt.Errorf("fork: create conversation: %w", err)
	}
	for _, b := range msgs {
		b.ID = NewID()
		b.ConversationID = fork.ID
		if err := s.AppendMessage(ctx, b); err != nil {
			return convo.Conversation{}, fmt.Errorf("fork: copy message: %w", err)
		}
	}
	return fork, nil
}

// CreateApproval records a pending approval. At most one in-flight approval
// per toolId is an invariant enforced by the caller (AgentSession), not here.
func (s *Store) CreateApproval(ctx context.Context, conversationID, blockID, toolName string, expiresAt *time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	var exp sql.NullTime
	if expiresAt != nil {
		exp = sql.NullTime{Time: *expiresAt, Valid: true}
	}
	return s.q.CreateApproval(ctx, generated.CreateApprovalParams{
		ConversationID: conversationID,
		BlockID:        blockID,
		ToolName:       toolName,
		ExpiresAt:      exp,
	})
}

// ResolveApproval removes the pending approval, failing errs.NotFound if it
// was already answered (or never existed) — this is what makes a second
// chatApproval for the same blockId a no-op.
func (s *Store) ResolveApproval(ctx context.Context, conversationID, blockID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.q.GetApproval(ctx, conversationID, blockID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errs.New(errs.NotFound, "no pending approval for that block")
		}
		return fmt.Errorf("get approval: %w", err)
	}
	return s.q.DeleteApproval(ctx, conversationID, blockID)
}

// ClearApprovals drops every pending approval for a conversation, used on
// suspend: a pending approval does not survive a suspend/resume cycle.
func (s *Store) ClearApprovals(ctx context.Context, conversationID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.q.ClearApprovalsForConversation(ctx, conversationID)
}

// Notification mirrors generated.PendingNotification without the storage id
// and conversation id.
type Notification struct {
	Topic          string
	IsTurnComplete bool
	CreatedAt      time.Time
}

// maxPendingNotificationsPerConversation bounds the PendingNotification queue:
// newest wins on overflow, oldest rows are evicted.
const maxPendingNotificationsPerConversation = 20

// EnqueueNotification records a turn-completion signal for a conversation
// that had no visible subscriber when it completed, then trims the queue to
// maxPendingNotificationsPerConversation.
func (s *Store) EnqueueNotification(ctx context.Context, conversationID, topic string, isTurnComplete bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.q.EnqueueNotification(ctx, generated.EnqueueNotificationParams{
		ID:             NewID(),
		ConversationID: conversationID,
		Topic:          topic,
		IsTurnComplete: isTurnComplete,
		CreatedAt:      sql.NullTime{Time: time.Now().UTC(), Valid: true},
	}); err != nil {
		return err
	}
	return s.q.EvictOldestNotifications(ctx, conversationID, maxPendingNotificationsPerConversation)
}

// DrainNotifications returns and deletes every queued notification for a
// conversation. Destructive, with no acknowledgement step — matches source
// semantics (§9): a lost response loses the notifications.
func (s *Store) DrainNotifications(ctx context.Context, conversationID string) ([]Notification, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	rows, err := s.q.DrainNotifications(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("drain notifications: %w", err)
	}
	out := make([]Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, Notification{Topic: r.Topic, IsTurnComplete: r.IsTurnComplete, CreatedAt: r.CreatedAt})
	}
	return out, nil
}

// PutSigningKey persists the JWT signing key, generating one on first boot.
func (s *Store) PutSigningKey(ctx context.Context) ([]byte, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	existing, err := s.q.GetKV(ctx, "jwt_signing_key")
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get signing key: %w", err)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if err := s.q.PutKV(ctx, "jwt_signing_key", key); err != nil {
		return nil, fmt.Errorf("persist signing key: %w", err)
	}
	return key, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func fromGeneratedConversation(r generated.Conversation) convo.Conversation {
	return convo.Conversation{
		ID:             r.ID,
		Tool:           convo.Tool(r.Tool),
		Topic:          r.Topic,
		Model:          r.Model,
		Mode:           convo.Mode(r.Mode),
		PermissionMode: convo.PermissionMode(r.PermissionMode),
		ProjectPath:    r.ProjectPath,
		Status:         convo.Status(r.Status),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		LastActivity:   r.LastActivity,
		SessionID:      r.SessionID,
	}
}

