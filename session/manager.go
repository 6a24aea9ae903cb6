package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tailscale.com/util/singleflight"

	"github.com/agentbridge/agentctl/convo"
	"github.com/agentbridge/agentctl/errs"
	"github.com/agentbridge/agentctl/historybuffer"
	"github.com/agentbridge/agentctl/store"
)

// Config holds the SessionManager's mutable operating parameters. Every
// sweeper tick reads the current value atomically, so UpdateConfig publishes
// a change to all of them without a restart.
type Config struct {
	InactivityTimeout     time.Duration `json:"inactivityTimeoutNanos"`
	MaxConcurrentSessions int           `json:"maxConcurrentSessions"`
	AutoResumeEnabled     bool          `json:"autoResumeEnabled"`
}

// DefaultConfig matches §5's Resource caps.
var DefaultConfig = Config{
	InactivityTimeout:     60 * time.Second,
	MaxConcurrentSessions: 20,
	AutoResumeEnabled:     true,
}

// CreateSpec is the input to Manager.Create.
type CreateSpec struct {
	Tool           convo.Tool
	ProjectPath    string
	Topic          string
	Model          *string
	Mode           convo.Mode
	PermissionMode convo.PermissionMode
	InitialPrompt  string
}

// Manager is the SessionManager: it owns the registry of live AgentSessions,
// enforces the concurrency cap, and runs the inactivity sweeper.
type Manager struct {
	store         *store.Store
	history       *historybuffer.Registry
	buildSpawn    func(convo.Conversation) Spawner
	sink          BlockSink
	rawSink       func(conversationID string, data []byte)
	hasSubscriber SubscriberCheck
	logger        *slog.Logger

	config atomic.Pointer[Config]
	group  singleflight.Group[string, *AgentSession]

	mu       sync.RWMutex
	sessions map[string]*AgentSession

	sweepCancel context.CancelFunc
}

// NewManager constructs a Manager. buildSpawn maps a conversation onto the
// Spawner that knows the chosen tool's CLI invocation template; sink is the
// callback that fans out every emitted block (wired to the Hub by the caller —
// AgentSession already persists each block to the Store and the HistoryBuffer
// on its own).
func NewManager(st *store.Store, history *historybuffer.Registry, buildSpawn func(convo.Conversation) Spawner, sink BlockSink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:      st,
		history:    history,
		buildSpawn: buildSpawn,
		sink:       sink,
		logger:     logger,
		sessions:   make(map[string]*AgentSession),
	}
	cfg := DefaultConfig
	m.config.Store(&cfg)
	return m
}

// SetSink wires the sink used for every subsequently created or resumed
// AgentSession. Callers that need the Hub to resolve conversationId from the
// manager itself (a circular construction) build the Manager first with a
// nil sink, construct the Hub against it, then call SetSink before serving
// any request.
func (m *Manager) SetSink(sink BlockSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

// SetRawSink wires the chatData passthrough sink used by every subsequently
// created or resumed AgentSession whose Parser reports itself incapable.
// Same circular-construction pattern as SetSink.
func (m *Manager) SetRawSink(rawSink func(conversationID string, data []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rawSink = rawSink
}

// SetHasSubscriber wires the Hub's live-attachment check used by every
// subsequently created or resumed AgentSession to decide whether a completed
// turn needs a PendingNotification queued. Same circular-construction pattern
// as SetSink.
func (m *Manager) SetHasSubscriber(check SubscriberCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasSubscriber = check
}

// boundRawSink closes m.rawSink over conversationID, so each AgentSession
// gets a RawSink that needs only the raw bytes.
func (m *Manager) boundRawSink(conversationID string) RawSink {
	if m.rawSink == nil {
		return nil
	}
	return func(data []byte) { m.rawSink(conversationID, data) }
}

// StartSweeper launches the periodic inactivity scan. Call once at boot.
func (m *Manager) StartSweeper(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	m.sweepCancel = cancel
	go m.sweepLoop(sweepCtx)
}

// Stop cancels the sweeper. Individual sessions are left running; callers
// should End each one explicitly during shutdown.
func (m *Manager) Stop() {
	if m.sweepCancel != nil {
		m.sweepCancel()
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	timeout := m.config.Load().InactivityTimeout
	now := time.Now().UTC()

	m.mu.RLock()
	candidates := make([]*AgentSession, 0, len(m.sessions))
	for _, a := range m.sessions {
		candidates = append(candidates, a)
	}
	m.mu.RUnlock()

	for _, a := range candidates {
		state := a.State()
		if state != StateIdle && state != StateAwaiting {
			continue
		}
		conv := a.Conversation()
		if now.Sub(conv.LastActivity) < timeout {
			continue
		}
		if err := a.Suspend(ctx); err != nil {
			m.logger.Error("sweeper suspend failed", "conversationId", conv.ID, "error", err)
		}
	}
}

// Create persists a new conversation and starts its AgentSession, rejecting
// with errs.Capacity beyond MaxConcurrentSessions.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (*AgentSession, error) {
	m.mu.RLock()
	count := len(m.sessions)
	m.mu.RUnlock()
	if count >= m.config.Load().MaxConcurrentSessions {
		return nil, errs.New(errs.Capacity, "max concurrent sessions reached")
	}

	now := time.Now().UTC()
	conv := convo.Conversation{
		ID:             store.NewID(),
		Tool:           spec.Tool,
		Topic:          spec.Topic,
		Model:          spec.Model,
		Mode:           spec.Mode,
		PermissionMode: spec.PermissionMode,
		ProjectPath:    spec.ProjectPath,
		Status:         convo.StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivity:   now,
	}
	if err := m.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}

	a := New(conv, m.store, m.history, m.buildSpawn(conv), m.sink, m.boundRawSink(conv.ID), m.hasSubscriber, m.logger)
	if err := a.Start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[conv.ID] = a
	m.mu.Unlock()

	if spec.InitialPrompt != "" {
		if err := a.SendMessage(ctx, spec.InitialPrompt); err != nil {
			return a, fmt.Errorf("session: send initial prompt: %w", err)
		}
	}
	return a, nil
}

// Get returns the live AgentSession for id, or (nil, false) if none is
// registered (it may still exist suspended/ended in the Store).
func (m *Manager) Get(id string) (*AgentSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.sessions[id]
	return a, ok
}

// Resume respawns a suspended conversation's process, deduplicating
// concurrent callers for the same id via singleflight — mirroring the
// teacher's conversationGroup pattern.
func (m *Manager) Resume(ctx context.Context, id string) (*AgentSession, error) {
	a, err, _ := m.group.Do(id, func() (*AgentSession, error) {
		m.mu.RLock()
		existing, ok := m.sessions[id]
		m.mu.RUnlock()
		if ok {
			return existing, nil
		}

		conv, err := m.store.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		a := New(conv, m.store, m.history, m.buildSpawn(conv), m.sink, m.boundRawSink(conv.ID), m.hasSubscriber, m.logger)
		if err := a.Start(ctx); err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.sessions[id] = a
		m.mu.Unlock()
		return a, nil
	})
	return a, err
}

// Suspend stops a session's process without forgetting it (it stays
// resumable).
func (m *Manager) Suspend(ctx context.Context, id string) error {
	a, ok := m.Get(id)
	if !ok {
		return errs.New(errs.NotFound, "no live session for that conversation")
	}
	return a.Suspend(ctx)
}

// End terminates a session permanently and drops it from the registry.
func (m *Manager) End(ctx context.Context, id string) error {
	a, ok := m.Get(id)
	if !ok {
		conv, err := m.store.GetConversation(ctx, id)
		if err != nil {
			return err
		}
		status := convo.StatusEnded
		_, err = m.store.UpdateConversation(ctx, conv.ID, store.ConversationPatch{Status: &status})
		return err
	}
	if err := a.End(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// Delete ends the session (if live) and removes its durable record.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.End(ctx, id); err != nil && errs.KindOf(err) != errs.NotFound {
		return err
	}
	return m.store.DeleteConversation(ctx, id)
}

// ListResumable returns every suspended conversation whose tool supports
// session resume semantics.
func (m *Manager) ListResumable(ctx context.Context) ([]convo.Conversation, error) {
	rows, err := m.store.ListConversations(ctx, store.ListFilter{Status: convo.StatusSuspended, Limit: 1000})
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, c := range rows {
		if c.Tool.CanResume() {
			out = append(out, c)
		}
	}
	return out, nil
}

// UpdateConfig atomically replaces the manager's operating config; the
// sweeper picks up the new values on its next tick.
func (m *Manager) UpdateConfig(cfg Config) {
	m.config.Store(&cfg)
}

// ConfigSnapshot returns the manager's current config.
func (m *Manager) ConfigSnapshot() Config {
	return *m.config.Load()
}

// RestoreAfterRestart demotes every conversation the Store still marks
// active to suspended — no live PTY survives a process restart (§4.1).
func RestoreAfterRestart(ctx context.Context, st *store.Store) error {
	return st.SuspendAllActive(ctx)
}
