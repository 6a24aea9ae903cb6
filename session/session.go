// Package session implements the AgentSession state machine: the live
// wiring between one conversation's PTY-hosted CLI process, its Parser, and
// the Store/HistoryBuffer/broadcast sinks that record and fan out every
// block it emits.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentbridge/agentctl/block"
	"github.com/agentbridge/agentctl/convo"
	"github.com/agentbridge/agentctl/errs"
	"github.com/agentbridge/agentctl/historybuffer"
	"github.com/agentbridge/agentctl/parser"
	"github.com/agentbridge/agentctl/ptyhost"
	"github.com/agentbridge/agentctl/store"
)

const (
	sigint  = syscall.SIGINT
	sigterm = syscall.SIGTERM
	sigkill = syscall.SIGKILL
)

// State is a position in the AgentSession lifecycle.
type State string

const (
	StateStarting        State = "starting"
	StateIdle            State = "idle"
	StateAwaiting        State = "awaiting"
	StateAwaitingApproval State = "awaitingApproval"
	StateSuspended        State = "suspended"
	StateEnding           State = "ending"
	StateEnded            State = "ended"
)

// hasLivePTY reports whether s is a state that holds exactly one PTY (§4.5
// invariant).
func (s State) hasLivePTY() bool {
	switch s {
	case StateStarting, StateIdle, StateAwaiting, StateAwaitingApproval:
		return true
	default:
		return false
	}
}

// Spawner builds the argv/env/cwd for a conversation's CLI process. It is
// supplied by the caller (SessionManager) so the session package stays
// agnostic of how each tool's binary is located and configured.
type Spawner func(c convo.Conversation, resume bool) (argv []string, env []string, cwd string, err error)

// BlockSink receives every block an AgentSession emits, in emission order,
// after the session has itself persisted the block to the Store and the
// HistoryBuffer. `agentctl serve` wires it (via Manager.SetSink) to the Hub's
// broadcast; tests can substitute a simple recorder.
type BlockSink func(block.Block)

// RawSink receives a chunk of raw child output for conversations whose
// Parser reports itself incapable of structured delivery. The Hub wires this
// to its chatData broadcast path; tests can substitute a simple recorder.
type RawSink func(data []byte)

// SubscriberCheck reports whether a conversation currently has a live
// attached client. The Hub wires this to its fan-out subscriber count.
type SubscriberCheck func(conversationID string) bool

// AgentSession supervises one conversation's live CLI process.
type AgentSession struct {
	store         *store.Store
	history       *historybuffer.Registry
	spawn         Spawner
	sink          BlockSink
	rawSink       RawSink
	hasSubscriber SubscriberCheck
	logger        *slog.Logger

	mu            sync.Mutex
	conv          convo.Conversation
	state         State
	p             parser.Parser
	pty           *ptyhost.Handle
	pendingApprov *string
	cancel        context.CancelFunc
	group         *errgroup.Group
}

// New constructs an AgentSession in StateStarting for an already-persisted
// conversation row. Call Start to spawn its process.
func New(c convo.Conversation, st *store.Store, history *historybuffer.Registry, spawn Spawner, sink BlockSink, rawSink RawSink, hasSubscriber SubscriberCheck, logger *slog.Logger) *AgentSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentSession{
		store:         st,
		history:       history,
		spawn:         spawn,
		sink:          sink,
		rawSink:       rawSink,
		hasSubscriber: hasSubscriber,
		logger:        logger,
		conv:          c,
		state:         StateStarting,
		p:             parser.New(string(c.Tool), c.ID),
	}
}

// State returns the session's current state.
func (a *AgentSession) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Conversation returns a snapshot of the underlying conversation row.
func (a *AgentSession) Conversation() convo.Conversation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conv
}

// Working reports true while the agent has not yet yielded the turn back to
// the user.
func (a *AgentSession) Working() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == StateAwaiting || a.state == StateAwaitingApproval
}

// Start spawns the PTY and begins pumping its output through the parser.
// ctx bounds the session's supervised goroutines, not the caller.
func (a *AgentSession) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startLocked(ctx, false)
}

func (a *AgentSession) startLocked(ctx context.Context, resume bool) error {
	argv, env, cwd, err := a.spawn(a.conv, resume)
	if err != nil {
		return fmt.Errorf("session: build spawn args: %w", err)
	}
	h, err := ptyhost.Spawn(argv, env, cwd, ptyhost.DefaultSize)
	if err != nil {
		return errs.Wrap(errs.ChildFailed, "spawn agent process", err)
	}
	a.pty = h
	a.state = StateStarting

	sessCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	g, gctx := errgroup.WithContext(sessCtx)
	a.group = g
	g.Go(func() error { return a.pumpOutput(gctx, h) })
	g.Go(func() error { return a.pumpExit(gctx, h) })
	return nil
}

// pumpOutput feeds every chunk of child output through the parser and
// dispatches the resulting blocks. Returns when the PTY's output channel
// closes (EOF) or ctx is cancelled.
func (a *AgentSession) pumpOutput(ctx context.Context, h *ptyhost.Handle) error {
	for {
		select {
		case chunk, ok := <-h.Output():
			if !ok {
				a.mu.Lock()
				blocks := a.p.Flush()
				capable := a.p.Capable()
				a.mu.Unlock()
				a.dispatch(blocks, capable)
				return nil
			}
			a.mu.Lock()
			blocks := a.p.Feed(chunk)
			turnComplete := a.p.TurnComplete()
			capable := a.p.Capable()
			a.mu.Unlock()
			if !capable && a.rawSink != nil {
				a.rawSink(chunk)
			}
			a.dispatch(blocks, capable)
			if turnComplete {
				a.onTurnComplete()
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// pumpExit waits for the child process to exit and reconciles session state
// when that exit was not initiated by End.
func (a *AgentSession) pumpExit(ctx context.Context, h *ptyhost.Handle) error {
	select {
	case c := <-h.Done():
		a.mu.Lock()
		wasEnding := a.state == StateEnding
		a.mu.Unlock()
		if !wasEnding {
			a.forceEnd(context.Background(), c.Err)
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

// dispatch persists and fans out blocks, updating pendingApprov/sessionStart
// bookkeeping as it goes. Capable parsers deliver through sink as structured
// chatContentBlocks/chatEvent; incapable parsers still persist every block
// (so history/store stay intact) but skip the structured sink — their bytes
// already reached the client via rawSink in pumpOutput.
func (a *AgentSession) dispatch(blocks []block.Block, capable bool) {
	for _, b := range blocks {
		if err := a.store.AppendMessage(context.Background(), b); err != nil {
			a.logger.Error("persist block failed", "conversationId", a.conv.ID, "blockId", b.ID, "error", err)
		}
		a.history.Append(a.conv.ID, b)
		if b.Type == block.TypeApprovalReq {
			toolName := ""
			if b.ToolName != nil {
				toolName = *b.ToolName
			}
			if err := a.store.CreateApproval(context.Background(), a.conv.ID, b.ID, toolName, nil); err != nil {
				a.logger.Error("record pending approval failed", "conversationId", a.conv.ID, "blockId", b.ID, "error", err)
			}
		}

		a.mu.Lock()
		switch b.Type {
		case block.TypeSessionStart:
			if a.state == StateStarting {
				a.state = StateIdle
			}
		case block.TypeApprovalReq:
			id := b.ID
			a.pendingApprov = &id
			a.state = StateAwaitingApproval
		}
		a.mu.Unlock()

		if capable && a.sink != nil {
			a.sink(b)
		}
	}
}

func (a *AgentSession) onTurnComplete() {
	a.mu.Lock()
	if a.state == StateAwaiting {
		a.state = StateIdle
	}
	now := time.Now().UTC()
	a.conv.LastActivity = now
	conversationID, topic := a.conv.ID, a.conv.Topic
	check := a.hasSubscriber
	a.mu.Unlock()

	if _, err := a.store.UpdateConversation(context.Background(), conversationID, store.ConversationPatch{LastActivity: &now}); err != nil {
		a.logger.Error("update last activity failed", "conversationId", conversationID, "error", err)
	}
	if check == nil || !check(conversationID) {
		if err := a.store.EnqueueNotification(context.Background(), conversationID, topic, true); err != nil {
			a.logger.Error("enqueue notification failed", "conversationId", conversationID, "error", err)
		}
	}
}

// SendMessage writes text to the child's stdin, transitioning Idle->Awaiting
// (or respawning from Suspended). Rejected with errs.Busy while an approval
// is outstanding.
func (a *AgentSession) SendMessage(ctx context.Context, text string) error {
	a.mu.Lock()
	switch a.state {
	case StateAwaitingApproval:
		a.mu.Unlock()
		return errs.New(errs.Busy, "an approval is pending for this conversation")
	case StateSuspended:
		resume := a.conv.Tool.CanResume()
		if err := a.startLocked(ctx, resume); err != nil {
			a.mu.Unlock()
			return err
		}
	case StateEnding, StateEnded:
		a.mu.Unlock()
		return errs.New(errs.Conflict, "conversation has ended")
	}
	h := a.pty
	a.state = StateAwaiting
	a.mu.Unlock()

	if _, err := h.WriteStdin([]byte(text + "\n")); err != nil {
		return errs.Wrap(errs.IOError, "write to agent stdin", err)
	}
	return nil
}

// Approve answers a pending approvalRequest with the canonical yes/no
// response text, transitioning back to Awaiting. A stale blockId (already
// resolved, or not the current pending one) is a no-op per §9's
// one-shot-resolve semantics at the Store layer.
func (a *AgentSession) Approve(ctx context.Context, blockID string, approved bool) error {
	a.mu.Lock()
	if a.pendingApprov == nil || *a.pendingApprov != blockID {
		a.mu.Unlock()
		return errs.New(errs.NotFound, "no pending approval for that block")
	}
	h := a.pty
	a.pendingApprov = nil
	a.state = StateAwaiting
	a.mu.Unlock()

	if err := a.store.ResolveApproval(ctx, a.conv.ID, blockID); err != nil {
		return err
	}
	answer := "no"
	if approved {
		answer = "yes"
	}
	if _, err := h.WriteStdin([]byte(answer + "\n")); err != nil {
		return errs.Wrap(errs.IOError, "write approval response", err)
	}
	return nil
}

// Cancel interrupts the current turn with SIGINT and moves the session to
// Awaiting. No block is emitted here; the Hub answers a successful chatCancel
// with its own chatCancelled message.
func (a *AgentSession) Cancel(ctx context.Context) error {
	a.mu.Lock()
	h := a.pty
	live := a.state.hasLivePTY()
	if live {
		a.state = StateAwaiting
	}
	a.mu.Unlock()
	if !live || h == nil {
		return errs.New(errs.Conflict, "no live process to cancel")
	}
	if err := h.Kill(sigint); err != nil {
		return errs.Wrap(errs.IOError, "signal agent process", err)
	}
	return nil
}

// Suspend stops the child process after an inactivity timeout, persisting
// suspended status and clearing any pending approval (a fresh one is
// re-emitted on resume if the CLI re-prompts).
func (a *AgentSession) Suspend(ctx context.Context) error {
	a.mu.Lock()
	if !a.state.hasLivePTY() {
		a.mu.Unlock()
		return nil
	}
	h := a.pty
	a.state = StateSuspended
	a.pendingApprov = nil
	a.mu.Unlock()

	if h != nil {
		_ = h.Kill(sigterm)
		if a.cancel != nil {
			a.cancel()
		}
	}
	if err := a.store.ClearApprovals(ctx, a.conv.ID); err != nil {
		a.logger.Error("clear approvals on suspend failed", "conversationId", a.conv.ID, "error", err)
	}
	status := convo.StatusSuspended
	if _, err := a.store.UpdateConversation(ctx, a.conv.ID, store.ConversationPatch{Status: &status}); err != nil {
		return fmt.Errorf("session: persist suspend: %w", err)
	}
	suspended := true
	a.dispatch([]block.Block{{
		ID: store.NewID(), ConversationID: a.conv.ID, Type: block.TypeSessionEnd,
		Timestamp: time.Now().UTC(), Suspended: &suspended,
	}}, true)
	return nil
}

// End terminates the session permanently: signals the child with a grace
// period, closes the PTY, and persists ended status.
func (a *AgentSession) End(ctx context.Context) error {
	a.mu.Lock()
	h := a.pty
	a.state = StateEnding
	a.mu.Unlock()

	if h != nil {
		_ = h.Kill(sigterm)
		select {
		case <-h.Done():
		case <-time.After(5 * time.Second):
			_ = h.Kill(sigkill)
		}
		_ = h.Close()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.group != nil {
		_ = a.group.Wait()
	}

	a.mu.Lock()
	a.state = StateEnded
	a.mu.Unlock()

	status := convo.StatusEnded
	if _, err := a.store.UpdateConversation(ctx, a.conv.ID, store.ConversationPatch{Status: &status}); err != nil {
		return fmt.Errorf("session: persist end: %w", err)
	}
	a.history.Drop(a.conv.ID)
	return nil
}

func (a *AgentSession) forceEnd(ctx context.Context, cause error) {
	a.mu.Lock()
	a.state = StateEnded
	a.mu.Unlock()
	a.logger.Warn("agent process exited unexpectedly", "conversationId", a.conv.ID, "cause", cause)
	status := convo.StatusEnded
	if _, err := a.store.UpdateConversation(ctx, a.conv.ID, store.ConversationPatch{Status: &status}); err != nil {
		a.logger.Error("persist forced end failed", "conversationId", a.conv.ID, "error", err)
	}
}
