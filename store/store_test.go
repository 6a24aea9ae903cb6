package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentbridge/agentctl/block"
	"github.com/agentbridge/agentctl/convo"
	"github.com/agentbridge/agentctl/errs"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestConversation() convo.Conversation {
	now := time.Now().UTC()
	return convo.Conversation{
		ID:             NewID(),
		Tool:           convo.ToolClaude,
		Topic:          "test",
		Mode:           convo.ModeAgent,
		PermissionMode: convo.PermissionDefault,
		ProjectPath:    "/tmp/project",
		Status:         convo.StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivity:   now,
	}
}

func TestCreateAndGetConversation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	c := newTestConversation()
	if err := s.CreateConversation(ctx, c); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	got, err := s.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if got.ID != c.ID || got.Tool != c.Tool || got.ProjectPath != c.ProjectPath {
		t.Errorf("GetConversation() = %+v, want fields matching %+v", got, c)
	}
}

func TestCreateConversationDuplicateIsConflict(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	c := newTestConversation()
	if err := s.CreateConversation(ctx, c); err != nil {
		t.Fatalf("first CreateConversation() error = %v", err)
	}
	err := s.CreateConversation(ctx, c)
	if !errs.Is(err, errs.Conflict) {
		t.Fatalf("second CreateConversation() = %v, want errs.Conflict", err)
	}
}

func TestGetConversationNotFound(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.GetConversation(context.Background(), "nonexistent")
	if !errs.Is(err, errs.NotFound) {
		t.Fatalf("GetConversation() = %v, want errs.NotFound", err)
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected 'not found' in error message, got: %v", err)
	}
}

func TestDeleteConversationIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := newTestConversation()
	if err := s.CreateConversation(ctx, c); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	if err := s.DeleteConversation(ctx, c.ID); err != nil {
		t.Fatalf("first DeleteConversation() error = %v", err)
	}
	if err := s.DeleteConversation(ctx, c.ID); err != nil {
		t.Fatalf("second DeleteConversation() error = %v, want nil (idempotent)", err)
	}
}

func TestAppendMessageRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := newTestConversation()
	if err := s.CreateConversation(ctx, c); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	content := "Hi"
	b := block.Block{
		ID:             NewID(),
		ConversationID: c.ID,
		Type:           block.TypeText,
		Role:           block.RoleAssistant,
		Timestamp:      time.Now().UTC(),
		Content:        &content,
	}
	if err := s.AppendMessage(ctx, b); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	msgs, err := s.GetMessages(ctx, c.ID, GetMessagesOpts{})
	if err != nil {
		t.Fatalf("GetMessages() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("GetMessages() returned %d messages, want 1", len(msgs))
	}
	if msgs[0].ID != b.ID || msgs[0].Content == nil || *msgs[0].Content != content {
		t.Errorf("GetMessages()[0] = %+v, want content %q", msgs[0], content)
	}
}

func TestTerminalMessageIsImmutable(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := newTestConversation()
	if err := s.CreateConversation(ctx, c); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	id := NewID()
	final := "final answer"
	b := block.Block{
		ID: id, ConversationID: c.ID, Type: block.TypeText, Role: block.RoleAssistant,
		Timestamp: time.Now().UTC(), Content: &final, IsPartial: false,
	}
	if err := s.AppendMessage(ctx, b); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	mutated := "should not apply"
	b.Content = &mutated
	if err := s.AppendMessage(ctx, b); err != nil {
		t.Fatalf("second AppendMessage() error = %v", err)
	}

	msgs, err := s.GetMessages(ctx, c.ID, GetMessagesOpts{})
	if err != nil {
		t.Fatalf("GetMessages() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content == nil || *msgs[0].Content != final {
		t.Fatalf("GetMessages() = %+v, want single message with content %q", msgs, final)
	}
}

func TestApprovalResolveIsOneShot(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := newTestConversation()
	if err := s.CreateConversation(ctx, c); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	if err := s.CreateApproval(ctx, c.ID, "block-1", "Edit", nil); err != nil {
		t.Fatalf("CreateApproval() error = %v", err)
	}
	if err := s.ResolveApproval(ctx, c.ID, "block-1"); err != nil {
		t.Fatalf("first ResolveApproval() error = %v", err)
	}
	err := s.ResolveApproval(ctx, c.ID, "block-1")
	if !errs.Is(err, errs.NotFound) {
		t.Fatalf("second ResolveApproval() = %v, want errs.NotFound", err)
	}
}

func TestNotificationsDrainDestructively(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := newTestConversation()
	if err := s.CreateConversation(ctx, c); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	if err := s.EnqueueNotification(ctx, c.ID, "turn complete", true); err != nil {
		t.Fatalf("EnqueueNotification() error = %v", err)
	}

	first, err := s.DrainNotifications(ctx, c.ID)
	if err != nil {
		t.Fatalf("first DrainNotifications() error = %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first DrainNotifications() returned %d, want 1", len(first))
	}

	second, err := s.DrainNotifications(ctx, c.ID)
	if err != nil {
		t.Fatalf("second DrainNotifications() error = %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second DrainNotifications() returned %d, want 0 (destructive drain)", len(second))
	}
}

func TestNotificationsBoundedPerConversationNewestWins(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := newTestConversation()
	if err := s.CreateConversation(ctx, c); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	total := maxPendingNotificationsPerConversation + 5
	for i := 0; i < total; i++ {
		topic := fmt.Sprintf("turn-%d", i)
		if err := s.EnqueueNotification(ctx, c.ID, topic, true); err != nil {
			t.Fatalf("EnqueueNotification(%d) error = %v", i, err)
		}
	}

	queued, err := s.DrainNotifications(ctx, c.ID)
	if err != nil {
		t.Fatalf("DrainNotifications() error = %v", err)
	}
	if len(queued) != maxPendingNotificationsPerConversation {
		t.Fatalf("len(queued) = %d, want %d", len(queued), maxPendingNotificationsPerConversation)
	}
	wantFirstSurviving := fmt.Sprintf("turn-%d", total-maxPendingNotificationsPerConversation)
	if queued[0].Topic != wantFirstSurviving {
		t.Fatalf("queued[0].Topic = %q, want %q (oldest evicted, newest kept)", queued[0].Topic, wantFirstSurviving)
	}
	if last := queued[len(queued)-1].Topic; last != fmt.Sprintf("turn-%d", total-1) {
		t.Fatalf("queued[last].Topic = %q, want turn-%d", last, total-1)
	}
}

func TestSuspendAllActive(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := newTestConversation()
	if err := s.CreateConversation(ctx, c); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	if err := s.SuspendAllActive(ctx); err != nil {
		t.Fatalf("SuspendAllActive() error = %v", err)
	}

	got, err := s.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if got.Status != convo.StatusSuspended {
		t.Errorf("Status = %v, want %v", got.Status, convo.StatusSuspended)
	}
}
