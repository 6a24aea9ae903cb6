package hub

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/agentbridge/agentctl/block"
	"github.com/agentbridge/agentctl/historybuffer"
	"github.com/agentbridge/agentctl/session"
)

type fakeLookup struct{}

func (fakeLookup) Get(id string) (*session.AgentSession, bool) { return nil, false }

func dialAuthed(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	ctx := context.Background()
	url := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if err := wsjson.Write(ctx, conn, inbound{Type: "auth", Token: token}); err != nil {
		t.Fatalf("auth write error = %v", err)
	}
	var resp outbound
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		t.Fatalf("auth ack read error = %v", err)
	}
	if resp.Type != outboundAuth {
		t.Fatalf("auth ack type = %q, want %q", resp.Type, outboundAuth)
	}
	return conn
}

func TestHubRejectsBadToken(t *testing.T) {
	h := New(func(token string) (string, bool) { return "", token == "good" }, historybuffer.NewRegistry(10), fakeLookup{}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx := context.Background()
	url := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, inbound{Type: "auth", Token: "bad"}); err != nil {
		t.Fatalf("auth write error = %v", err)
	}
	var resp outbound
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		t.Fatalf("read error = %v", err)
	}
	if resp.Type != outboundChatError {
		t.Fatalf("resp.Type = %q, want %q", resp.Type, outboundChatError)
	}
}

func TestHubAttachReplaysHistoryThenFansOutNewBlocks(t *testing.T) {
	history := historybuffer.NewRegistry(10)
	conversationID := "conv-1"
	existing := block.Block{ID: "b1", ConversationID: conversationID, Type: block.TypeText, Timestamp: time.Now().UTC()}
	history.Append(conversationID, existing)

	h := New(func(string) (string, bool) { return "user", true }, history, fakeLookup{}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialAuthed(t, srv, "good")
	defer conn.Close(websocket.StatusNormalClosure, "")
	ctx := context.Background()

	if err := wsjson.Write(ctx, conn, inbound{Type: "chatAttach", ConversationID: conversationID}); err != nil {
		t.Fatalf("chatAttach write error = %v", err)
	}

	var hist outbound
	if err := wsjson.Read(ctx, conn, &hist); err != nil {
		t.Fatalf("read history error = %v", err)
	}
	if hist.Type != outboundChatHistory || len(hist.Blocks) != 1 || hist.Blocks[0].ID != "b1" {
		t.Fatalf("history reply = %+v, want one replayed block", hist)
	}

	var attached outbound
	if err := wsjson.Read(ctx, conn, &attached); err != nil {
		t.Fatalf("read chatAttached error = %v", err)
	}
	if attached.Type != outboundChatAttached {
		t.Fatalf("attached.Type = %q, want %q", attached.Type, outboundChatAttached)
	}

	sink := h.Sink(conversationID)
	fresh := block.Block{ID: "b2", ConversationID: conversationID, Type: block.TypeText, Timestamp: time.Now().UTC()}
	sink(fresh)

	var event outbound
	if err := wsjson.Read(ctx, conn, &event); err != nil {
		t.Fatalf("read chatEvent error = %v", err)
	}
	if event.Type != outboundChatEvent || event.Block == nil || event.Block.ID != "b2" {
		t.Fatalf("event = %+v, want the fresh block", event)
	}
}

func TestHubDetachStopsDelivery(t *testing.T) {
	history := historybuffer.NewRegistry(10)
	conversationID := "conv-2"
	h := New(func(string) (string, bool) { return "user", true }, history, fakeLookup{}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialAuthed(t, srv, "good")
	defer conn.Close(websocket.StatusNormalClosure, "")
	ctx := context.Background()

	if err := wsjson.Write(ctx, conn, inbound{Type: "chatAttach", ConversationID: conversationID}); err != nil {
		t.Fatal(err)
	}
	var hist, attached outbound
	_ = wsjson.Read(ctx, conn, &hist)
	_ = wsjson.Read(ctx, conn, &attached)

	if err := wsjson.Write(ctx, conn, inbound{Type: "chatDetach", ConversationID: conversationID}); err != nil {
		t.Fatal(err)
	}
	// give the pump goroutine a moment to observe the cancellation
	time.Sleep(50 * time.Millisecond)

	sink := h.Sink(conversationID)
	sink(block.Block{ID: "after-detach", ConversationID: conversationID, Type: block.TypeText, Timestamp: time.Now().UTC()})

	readCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	var msg outbound
	if err := wsjson.Read(readCtx, conn, &msg); err == nil {
		t.Fatalf("expected no further delivery after detach, got %+v", msg)
	}
}

func TestHubRawSinkDeliversChatDataForIncapableParsers(t *testing.T) {
	history := historybuffer.NewRegistry(10)
	conversationID := "conv-custom"
	h := New(func(string) (string, bool) { return "user", true }, history, fakeLookup{}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialAuthed(t, srv, "good")
	defer conn.Close(websocket.StatusNormalClosure, "")
	ctx := context.Background()

	if err := wsjson.Write(ctx, conn, inbound{Type: "chatAttach", ConversationID: conversationID}); err != nil {
		t.Fatal(err)
	}
	var hist, attached outbound
	if err := wsjson.Read(ctx, conn, &hist); err != nil {
		t.Fatalf("read history error = %v", err)
	}
	if err := wsjson.Read(ctx, conn, &attached); err != nil {
		t.Fatalf("read chatAttached error = %v", err)
	}

	// A custom-tool conversation runs its genericParser, which is always
	// Capable() == false, so the session forwards raw child output through
	// RawSink instead of structured blocks through Sink.
	raw := h.RawSink(conversationID)
	raw([]byte("$ ls\nREADME.md\n"))

	var event outbound
	if err := wsjson.Read(ctx, conn, &event); err != nil {
		t.Fatalf("read chatData error = %v", err)
	}
	if event.Type != outboundChatData || event.Raw != "$ ls\nREADME.md\n" {
		t.Fatalf("event = %+v, want a chatData message carrying the raw bytes", event)
	}
}

func TestHubHasSubscriberTracksAttachAndDetach(t *testing.T) {
	history := historybuffer.NewRegistry(10)
	conversationID := "conv-sub"
	h := New(func(string) (string, bool) { return "user", true }, history, fakeLookup{}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	if h.HasSubscriber(conversationID) {
		t.Fatal("HasSubscriber() = true before any client attached")
	}

	conn := dialAuthed(t, srv, "good")
	defer conn.Close(websocket.StatusNormalClosure, "")
	ctx := context.Background()

	if err := wsjson.Write(ctx, conn, inbound{Type: "chatAttach", ConversationID: conversationID}); err != nil {
		t.Fatal(err)
	}
	var hist, attached outbound
	_ = wsjson.Read(ctx, conn, &hist)
	_ = wsjson.Read(ctx, conn, &attached)

	if !h.HasSubscriber(conversationID) {
		t.Fatal("HasSubscriber() = false after a client attached")
	}

	if err := wsjson.Write(ctx, conn, inbound{Type: "chatDetach", ConversationID: conversationID}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for h.HasSubscriber(conversationID) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.HasSubscriber(conversationID) {
		t.Fatal("HasSubscriber() = true after detach, want false")
	}
}

func TestHubForwardUnknownConversationReturnsChatError(t *testing.T) {
	h := New(func(string) (string, bool) { return "user", true }, historybuffer.NewRegistry(10), fakeLookup{}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialAuthed(t, srv, "good")
	defer conn.Close(websocket.StatusNormalClosure, "")
	ctx := context.Background()

	if err := wsjson.Write(ctx, conn, inbound{Type: "chatMessage", ConversationID: "missing", Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	var resp outbound
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		t.Fatalf("read error = %v", err)
	}
	if resp.Type != outboundChatError {
		t.Fatalf("resp.Type = %q, want %q", resp.Type, outboundChatError)
	}
}
