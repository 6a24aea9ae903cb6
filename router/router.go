// Package router implements the thin REST surface (§4.8, §6): everything
// that doesn't require a live WebSocket attachment. It is deliberately
// dumb — every handler just translates HTTP <-> Store/SessionManager calls.
package router

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/agentbridge/agentctl/auth"
	"github.com/agentbridge/agentctl/convo"
	"github.com/agentbridge/agentctl/errs"
	"github.com/agentbridge/agentctl/hub"
	"github.com/agentbridge/agentctl/session"
	"github.com/agentbridge/agentctl/store"
)

// version is reported from GET /api/system/info; set at build time in a
// real release, hardcoded here since this repo has no release pipeline.
const version = "0.1.0"

// Router wires the Store, SessionManager, and Hub into net/http handlers.
type Router struct {
	store   *store.Store
	manager *session.Manager
	hub     *hub.Hub
	issuer  *auth.Issuer
	logger  *slog.Logger
}

// New constructs a Router. Call Mux to get the http.Handler to serve.
func New(st *store.Store, mgr *session.Manager, h *hub.Hub, issuer *auth.Issuer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{store: st, manager: mgr, hub: h, issuer: issuer, logger: logger}
}

// Mux builds the full route table. /ws is intentionally left outside the
// bearer-header middleware: the WebSocket handshake authenticates via its
// first `auth` message instead (§6).
func (rt *Router) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/system/info", rt.handleSystemInfo)
	mux.HandleFunc("GET /api/system/models", rt.handleModelCatalogue)

	mux.Handle("GET /api/conversations", gzipHandler(http.HandlerFunc(rt.handleListConversations)))
	mux.HandleFunc("POST /api/conversations", rt.handleCreateConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", rt.handleDeleteConversation)
	mux.HandleFunc("PATCH /api/conversations/{id}", rt.handlePatchConversation)
	mux.HandleFunc("POST /api/conversations/{id}/fork", rt.handleForkConversation)
	mux.Handle("GET /api/conversations/{id}/messages", gzipHandler(http.HandlerFunc(rt.handleMessages)))
	mux.HandleFunc("POST /api/conversations/{id}/approval", rt.handleApproval)

	mux.HandleFunc("GET /api/conversations/sessions/resumable", rt.handleResumable)
	mux.HandleFunc("GET /api/conversations/sessions/recent", rt.handleRecent)
	mux.HandleFunc("GET /api/conversations/sessions/config", rt.handleGetConfig)
	mux.HandleFunc("PUT /api/conversations/sessions/config", rt.handlePutConfig)
	mux.HandleFunc("GET /api/conversations/notifications/pending", rt.handlePendingNotifications)
	mux.HandleFunc("GET /api/conversations/tools/availability", rt.handleToolAvailability)

	mux.HandleFunc("GET /api/debug/sessions", rt.handleDebugSessions)

	mux.Handle("/ws", rt.hub)

	return rt.requireAuthExcept(mux, "/ws")
}

// requireAuthExcept wraps next with bearer verification on every path other
// than skip.
func (rt *Router) requireAuthExcept(next http.Handler, skip string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == skip {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			httpError(w, errs.New(errs.Unauthorized, "missing bearer token"))
			return
		}
		if _, ok := rt.issuer.Verify(token); !ok {
			httpError(w, errs.New(errs.Unauthorized, "invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rt *Router) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"version": version, "time": time.Now().UTC()})
}

func (rt *Router) handleModelCatalogue(w http.ResponseWriter, r *http.Request) {
	// No live CLI to query for a model list in this deployment; report the
	// static set the invocation templates already know how to drive.
	writeJSON(w, map[string][]string{
		"claude":       {"claude-opus-4", "claude-sonnet-4"},
		"cursor-agent": {"auto"},
		"gemini":       {"gemini-2.5-pro", "gemini-2.5-flash"},
	})
}

func (rt *Router) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := rt.store.ListConversations(r.Context(), store.ListFilter{
		ProjectPath: r.URL.Query().Get("projectPath"),
		Limit:       500,
	})
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, convs)
}

type createConversationRequest struct {
	Tool           convo.Tool           `json:"tool"`
	ProjectPath    string               `json:"projectPath"`
	Topic          string               `json:"topic"`
	Model          *string              `json:"model"`
	Mode           convo.Mode           `json:"mode"`
	PermissionMode convo.PermissionMode `json:"permissionMode"`
	InitialPrompt  string               `json:"initialPrompt"`
}

func (rt *Router) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, errs.Wrap(errs.ParseError, "decode request body", err))
		return
	}
	a, err := rt.manager.Create(r.Context(), session.CreateSpec{
		Tool:           req.Tool,
		ProjectPath:    req.ProjectPath,
		Topic:          req.Topic,
		Model:          req.Model,
		Mode:           req.Mode,
		PermissionMode: req.PermissionMode,
		InitialPrompt:  req.InitialPrompt,
	})
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, a.Conversation())
}

func (rt *Router) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := rt.manager.Delete(r.Context(), id); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type patchConversationRequest struct {
	Topic *string `json:"topic"`
}

func (rt *Router) handlePatchConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req patchConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, errs.Wrap(errs.ParseError, "decode request body", err))
		return
	}
	updated, err := rt.store.UpdateConversation(r.Context(), id, store.ConversationPatch{Topic: req.Topic})
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, updated)
}

type forkConversationRequest struct {
	Topic string `json:"topic"`
}

func (rt *Router) handleForkConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req forkConversationRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Topic == "" {
		req.Topic = "fork"
	}
	forked, err := rt.store.Fork(r.Context(), id, req.Topic)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, forked)
}

func (rt *Router) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	opts := store.GetMessagesOpts{}
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			opts.Limit = n
		}
	}
	if b := r.URL.Query().Get("before"); b != "" {
		if t, err := time.Parse(time.RFC3339, b); err == nil {
			opts.Before = &t
		}
	}
	msgs, err := rt.store.GetMessages(r.Context(), id, opts)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, msgs)
}

type approvalRequest struct {
	BlockID  string `json:"blockId"`
	Approved bool   `json:"approved"`
}

func (rt *Router) handleApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, errs.Wrap(errs.ParseError, "decode request body", err))
		return
	}
	a, ok := rt.manager.Get(id)
	if !ok {
		httpError(w, errs.New(errs.NotFound, "conversation has no live session"))
		return
	}
	if err := a.Approve(r.Context(), req.BlockID, req.Approved); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) handleResumable(w http.ResponseWriter, r *http.Request) {
	convs, err := rt.manager.ListResumable(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, convs)
}

func (rt *Router) handleRecent(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if h := r.URL.Query().Get("hours"); h != "" {
		if n, err := strconv.Atoi(h); err == nil && n > 0 {
			hours = n
		}
	}
	convs, err := rt.store.ListConversations(r.Context(), store.ListFilter{Limit: 1000})
	if err != nil {
		httpError(w, err)
		return
	}
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	recent := convs[:0]
	for _, c := range convs {
		if c.LastActivity.After(cutoff) {
			recent = append(recent, c)
		}
	}
	writeJSON(w, recent)
}

func (rt *Router) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, rt.manager.ConfigSnapshot())
}

func (rt *Router) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var req session.Config
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, errs.Wrap(errs.ParseError, "decode request body", err))
		return
	}
	rt.manager.UpdateConfig(req)
	writeJSON(w, rt.manager.ConfigSnapshot())
}

func (rt *Router) handlePendingNotifications(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("conversationId")
	notifications, err := rt.store.DrainNotifications(r.Context(), id)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, notifications)
}

var probedTools = []convo.Tool{convo.ToolClaude, convo.ToolCursorAgent, convo.ToolGemini}

func (rt *Router) handleToolAvailability(w http.ResponseWriter, r *http.Request) {
	avail := make(map[string]bool, len(probedTools))
	for _, t := range probedTools {
		_, err := exec.LookPath(string(t))
		avail[string(t)] = err == nil
	}
	writeJSON(w, avail)
}

func (rt *Router) handleDebugSessions(w http.ResponseWriter, r *http.Request) {
	convs, err := rt.store.ListConversations(r.Context(), store.ListFilter{Limit: 1000})
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintln(w, "<html><body><table border=1>")
	fmt.Fprintln(w, "<tr><th>id</th><th>tool</th><th>topic</th><th>status</th><th>live</th></tr>")
	for _, c := range convs {
		live := "no"
		if a, ok := rt.manager.Get(c.ID); ok {
			live = string(a.State())
		}
		fmt.Fprintf(w, "<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>\n",
			html.EscapeString(c.ID), html.EscapeString(string(c.Tool)), html.EscapeString(c.Topic),
			html.EscapeString(string(c.Status)), html.EscapeString(live))
	}
	fmt.Fprintln(w, "</table></body></html>")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("write json response failed", "error", err)
	}
}

// httpError maps an errs.Kind to its REST status code and writes the
// {error, message} JSON body every REST failure response carries.
func httpError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	if encErr := json.NewEncoder(w).Encode(struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}{Error: kind.String(), Message: err.Error()}); encErr != nil {
		slog.Default().Error("write error response failed", "error", encErr)
	}
}

type gzipResponseWriter struct {
	http.ResponseWriter
	gz *gzip.Writer
}

func (w gzipResponseWriter) Write(b []byte) (int, error) { return w.gz.Write(b) }

// gzipHandler wraps a handler whose response is worth compressing (list
// endpoints with many rows).
func gzipHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		next.ServeHTTP(gzipResponseWriter{ResponseWriter: w, gz: gz}, r)
	})
}
