package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentbridge/agentctl/convo"
	"github.com/agentbridge/agentctl/historybuffer"
	"github.com/agentbridge/agentctl/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestConversation(tool convo.Tool) convo.Conversation {
	now := time.Now().UTC()
	return convo.Conversation{
		ID:             store.NewID(),
		Tool:           tool,
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

func catSpawner(c convo.Conversation, resume bool) ([]string, []string, string, error) {
	return []string{"/bin/cat"}, nil, "/tmp", nil
}

func TestAgentSessionSendMessageRoundTrip(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(convo.ToolCustom)
	if err := st.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	history := historybuffer.NewRegistry(10)

	var mu sync.Mutex
	var rawChunks [][]byte
	rawSink := func(data []byte) {
		mu.Lock()
		defer mu.Unlock()
		rawChunks = append(rawChunks, data)
	}

	// convo.ToolCustom has no tool-specific parser, so its genericParser
	// reports Capable() == false and the conversation runs the raw chatData
	// passthrough path end to end instead of structured chatEvent delivery.
	a := New(conv, st, history, catSpawner, nil, rawSink, nil, nil)
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = a.End(context.Background()) })

	if err := a.SendMessage(ctx, "hello"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		blocks := history.Snapshot(conv.ID)
		found := false
		for _, b := range blocks {
			if string(b.Type) == "sessionStart" {
				found = true
			}
		}
		mu.Lock()
		gotRaw := len(rawChunks) > 0
		mu.Unlock()
		if found && gotRaw {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("history blocks = %+v, gotRaw = %v, want a persisted sessionStart block and at least one raw chunk", blocks, gotRaw)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAgentSessionSendMessageRejectedWhileAwaitingApproval(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(convo.ToolCustom)
	if err := st.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	a := New(conv, st, historybuffer.NewRegistry(10), catSpawner, nil, nil, nil, nil)
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = a.End(context.Background()) })

	a.mu.Lock()
	a.state = StateAwaitingApproval
	a.mu.Unlock()

	if err := a.SendMessage(ctx, "hello"); err == nil {
		t.Fatal("SendMessage() expected error while AwaitingApproval, got nil")
	}
}

func TestAgentSessionEndPersistsEndedStatus(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(convo.ToolCustom)
	if err := st.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	a := New(conv, st, historybuffer.NewRegistry(10), catSpawner, nil, nil, nil, nil)
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := a.End(ctx); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if a.State() != StateEnded {
		t.Fatalf("State() = %v, want Ended", a.State())
	}

	stored, err := st.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if stored.Status != convo.StatusEnded {
		t.Fatalf("stored.Status = %v, want ended", stored.Status)
	}
}

func TestAgentSessionSuspendClearsApprovalAndPersistsSuspended(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(convo.ToolCustom)
	if err := st.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	a := New(conv, st, historybuffer.NewRegistry(10), catSpawner, nil, nil, nil, nil)
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := a.Suspend(ctx); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}
	if a.State() != StateSuspended {
		t.Fatalf("State() = %v, want Suspended", a.State())
	}

	stored, err := st.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if stored.Status != convo.StatusSuspended {
		t.Fatalf("stored.Status = %v, want suspended", stored.Status)
	}
}

func TestAgentSessionWorkingReflectsState(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(convo.ToolCustom)
	if err := st.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	a := New(conv, st, historybuffer.NewRegistry(10), catSpawner, nil, nil, nil, nil)
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = a.End(context.Background()) })

	if a.Working() {
		t.Fatal("Working() should be false before any message is sent")
	}
	if err := a.SendMessage(ctx, "hello"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if !a.Working() {
		t.Fatal("Working() should be true immediately after SendMessage")
	}
}
