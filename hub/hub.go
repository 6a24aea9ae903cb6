// Package hub is the WebSocket multiplexer: it accepts client connections,
// authenticates them, and fans out every block an AgentSession emits to
// every client currently attached to that conversation. Fan-out is built on
// subpub.SubPub, generalized here from its original SSE use to push over
// WebSocket connections instead.
package hub

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/agentbridge/agentctl/block"
	"github.com/agentbridge/agentctl/errs"
	"github.com/agentbridge/agentctl/historybuffer"
	"github.com/agentbridge/agentctl/session"
	"github.com/agentbridge/agentctl/subpub"
)

// Verifier checks whether a bearer token is valid and, if so, returns the
// principal name to attach to the connection's log lines.
type Verifier func(token string) (principal string, ok bool)

// SessionLookup resolves a conversationId to its live AgentSession, mirroring
// the subset of session.Manager the Hub actually needs.
type SessionLookup interface {
	Get(id string) (*session.AgentSession, bool)
}

// Hub owns the set of connected clients and the per-conversation fan-out.
type Hub struct {
	verify  Verifier
	history *historybuffer.Registry
	sess    SessionLookup
	logger  *slog.Logger

	mu    sync.RWMutex
	convs map[string]*conversationFanout
}

// conversationFanout is one subpub.SubPub per conversation, sequence-indexed
// by a simple per-conversation publish counter (there is no replay-by-index
// requirement here: a fresh subscriber always starts from history via
// HistoryBuffer, then receives every subsequent publish).
type conversationFanout struct {
	sp *subpub.SubPub[outbound]

	mu          sync.Mutex
	seq         int64
	subscribers int
}

func (f *conversationFanout) publish(msg outbound) {
	f.mu.Lock()
	f.seq++
	seq := f.seq
	f.mu.Unlock()
	f.sp.Publish(seq, msg)
}

func (f *conversationFanout) addSubscriber(delta int) int {
	f.mu.Lock()
	f.subscribers += delta
	n := f.subscribers
	f.mu.Unlock()
	return n
}

// New constructs a Hub. verify authenticates the bearer token carried by
// every connection's first `auth` message.
func New(verify Verifier, history *historybuffer.Registry, sess SessionLookup, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		verify:  verify,
		history: history,
		sess:    sess,
		logger:  logger,
		convs:   make(map[string]*conversationFanout),
	}
}

// Sink returns a session.BlockSink bound to conversationId, for
// session.Manager to wire into every AgentSession it creates.
func (h *Hub) Sink(conversationID string) session.BlockSink {
	return func(b block.Block) {
		f, ok := h.fanoutFor(conversationID, false)
		if !ok {
			return
		}
		f.publish(outbound{Type: outboundChatEvent, ConversationID: conversationID, Block: &b})
	}
}

// RawSink returns a session.RawSink bound to conversationId, for sessions
// whose Parser reports itself incapable — their child output bypasses the
// structured chatContentBlocks/chatEvent path entirely and is delivered as
// chatData instead.
func (h *Hub) RawSink(conversationID string) session.RawSink {
	return func(data []byte) {
		f, ok := h.fanoutFor(conversationID, false)
		if !ok {
			return
		}
		f.publish(outbound{Type: outboundChatData, ConversationID: conversationID, Raw: string(data)})
	}
}

// HasSubscriber reports whether at least one client is currently attached to
// conversationID. AgentSession uses this to decide whether a completed turn
// needs a PendingNotification queued for later delivery on reattach.
func (h *Hub) HasSubscriber(conversationID string) bool {
	f, ok := h.fanoutFor(conversationID, false)
	if !ok {
		return false
	}
	f.mu.Lock()
	n := f.subscribers
	f.mu.Unlock()
	return n > 0
}

type client struct {
	conn      *websocket.Conn
	principal string
	mu        sync.Mutex // guards writes; coder/websocket forbids concurrent writers

	subMu sync.Mutex
	subs  map[string]context.CancelFunc
	visible string
}

// inbound is the closed set of message kinds a client may send (§4.7).
type inbound struct {
	Type           string `json:"type"`
	Token          string `json:"token,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Text           string `json:"text,omitempty"`
	BlockID        string `json:"blockId,omitempty"`
	Approved       bool   `json:"approved,omitempty"`
}

type outbound struct {
	Type           string        `json:"type"`
	ConversationID string        `json:"conversationId,omitempty"`
	Block          *block.Block  `json:"block,omitempty"`
	Blocks         []block.Block `json:"blocks,omitempty"`
	Raw            string        `json:"raw,omitempty"`
	Error          string        `json:"error,omitempty"`
}

const (
	outboundAuth            = "auth"
	outboundChatAttached    = "chatAttached"
	outboundChatBlocks      = "chatContentBlocks"
	outboundChatHistory     = "chatHistory"
	outboundChatEvent       = "chatEvent"
	outboundChatData        = "chatData"
	outboundChatMessageSent = "chatMessageSent"
	outboundChatSuspended   = "chatSessionSuspended"
	outboundChatEnded       = "chatSessionEnded"
	outboundChatCancelled   = "chatCancelled"
	outboundChatError       = "chatError"
)

// ServeHTTP upgrades the connection and runs its read loop until the client
// disconnects or the request context is cancelled.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}
	c := &client{conn: conn, subs: make(map[string]context.CancelFunc)}
	defer h.detachAll(c)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	if !h.authenticate(ctx, c) {
		return
	}
	h.readLoop(ctx, c)
}

func (h *Hub) authenticate(ctx context.Context, c *client) bool {
	var msg inbound
	if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
		return false
	}
	if msg.Type != "auth" {
		h.writeError(ctx, c, "", errs.New(errs.Unauthorized, "first message must be auth"))
		return false
	}
	principal, ok := h.verify(msg.Token)
	if !ok {
		h.writeError(ctx, c, "", errs.New(errs.Unauthorized, "invalid bearer token"))
		return false
	}
	c.principal = principal
	return h.writeLocked(ctx, c, outbound{Type: outboundAuth}) == nil
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		var msg inbound
		if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
			return
		}
		h.handleInbound(ctx, c, msg)
	}
}

func (h *Hub) handleInbound(ctx context.Context, c *client, msg inbound) {
	switch msg.Type {
	case "chatAttach":
		h.attach(ctx, c, msg.ConversationID)
	case "chatDetach":
		h.detach(c, msg.ConversationID)
	case "watch":
		c.visible = msg.ConversationID
	case "unwatch":
		if c.visible == msg.ConversationID {
			c.visible = ""
		}
	case "chatMessage", "chatInput":
		h.forward(ctx, c, msg.ConversationID, func(a *session.AgentSession) error {
			return a.SendMessage(ctx, msg.Text)
		}, outboundChatMessageSent)
	case "chatCancel":
		h.forward(ctx, c, msg.ConversationID, func(a *session.AgentSession) error {
			return a.Cancel(ctx)
		}, outboundChatCancelled)
	case "chatApproval":
		h.forward(ctx, c, msg.ConversationID, func(a *session.AgentSession) error {
			return a.Approve(ctx, msg.BlockID, msg.Approved)
		}, "")
	default:
		h.writeError(ctx, c, msg.ConversationID, errs.New(errs.ParseError, "unrecognized message type"))
	}
}

func (h *Hub) forward(ctx context.Context, c *client, conversationID string, op func(*session.AgentSession) error, ack string) {
	a, ok := h.sess.Get(conversationID)
	if !ok {
		h.writeError(ctx, c, conversationID, errs.New(errs.NotFound, "conversation has no live session"))
		return
	}
	if err := op(a); err != nil {
		h.writeError(ctx, c, conversationID, err)
		return
	}
	if ack != "" {
		_ = h.writeLocked(ctx, c, outbound{Type: ack, ConversationID: conversationID})
	}
}

// fanoutFor returns (creating if create is true) the SubPub for
// conversationID.
func (h *Hub) fanoutFor(conversationID string, create bool) (*conversationFanout, bool) {
	h.mu.RLock()
	f, ok := h.convs[conversationID]
	h.mu.RUnlock()
	if ok || !create {
		return f, ok
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if f, ok = h.convs[conversationID]; ok {
		return f, true
	}
	f = &conversationFanout{sp: subpub.New[outbound]()}
	h.convs[conversationID] = f
	return f, true
}

// attach implements the §4.7 attach protocol: verify, replay history, join
// the fan-out set. A background goroutine pumps every subsequent publish to
// the client for as long as its subscription context (cancelled on detach or
// disconnect) stays alive.
func (h *Hub) attach(ctx context.Context, c *client, conversationID string) {
	snapshot := h.history.Snapshot(conversationID)
	if err := h.writeLocked(ctx, c, outbound{Type: outboundChatHistory, ConversationID: conversationID, Blocks: snapshot}); err != nil {
		return
	}

	f, _ := h.fanoutFor(conversationID, true)
	subCtx, cancel := context.WithCancel(ctx)

	c.subMu.Lock()
	if existing, ok := c.subs[conversationID]; ok {
		existing()
	}
	c.subs[conversationID] = cancel
	c.subMu.Unlock()

	pull := f.sp.Subscribe(subCtx, 0)
	f.addSubscriber(1)
	go h.pump(subCtx, c, conversationID, f, pull)

	_ = h.writeLocked(ctx, c, outbound{Type: outboundChatAttached, ConversationID: conversationID})
}

// pump delivers every published message for one client/conversation pair
// until the subscription is cancelled or the channel closes — the drop-on-
// full behavior lives inside subpub.SubPub.Publish itself.
func (h *Hub) pump(ctx context.Context, c *client, conversationID string, f *conversationFanout, pull func() (outbound, bool)) {
	defer f.addSubscriber(-1)
	for {
		msg, ok := pull()
		if !ok {
			return
		}
		if err := h.writeLocked(ctx, c, msg); err != nil {
			h.logger.Warn("dropping slow subscriber", "conversationId", conversationID, "error", err)
			h.detach(c, conversationID)
			return
		}
	}
}

func (h *Hub) detach(c *client, conversationID string) {
	c.subMu.Lock()
	cancel, ok := c.subs[conversationID]
	delete(c.subs, conversationID)
	c.subMu.Unlock()
	if ok {
		cancel()
	}
}

func (h *Hub) detachAll(c *client) {
	c.subMu.Lock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.subMu.Unlock()
	for _, id := range ids {
		h.detach(c, id)
	}
}

func (h *Hub) writeError(ctx context.Context, c *client, conversationID string, err error) {
	_ = h.writeLocked(ctx, c, outbound{Type: outboundChatError, ConversationID: conversationID, Error: err.Error()})
}

func (h *Hub) writeLocked(ctx context.Context, c *client, msg outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, msg)
}

// NotifySuspended and NotifyEnded let AgentSession/SessionManager push the
// two lifecycle events the Hub otherwise wouldn't see via the block stream.
func (h *Hub) NotifySuspended(conversationID string) {
	if f, ok := h.fanoutFor(conversationID, false); ok {
		f.publish(outbound{Type: outboundChatSuspended, ConversationID: conversationID})
	}
}

func (h *Hub) NotifyEnded(conversationID string) {
	if f, ok := h.fanoutFor(conversationID, false); ok {
		f.publish(outbound{Type: outboundChatEnded, ConversationID: conversationID})
	}
	h.mu.Lock()
	delete(h.convs, conversationID)
	h.mu.Unlock()
}
