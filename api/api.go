// Package api is the HTTP Surface: a thin chi-based adapter over the Run
// Manager and Session Manager, per spec.md §4.7/§6.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/m4xw311/acp2/apperr"
	"github.com/m4xw311/acp2/content"
	"github.com/m4xw311/acp2/registry"
	"github.com/m4xw311/acp2/runmanager"
	"github.com/m4xw311/acp2/sessionmgr"
	"github.com/m4xw311/acp2/store"
)

// Server wires together the domain managers behind chi's router.
type Server struct {
	reg       *registry.Registry
	st        store.Store
	sm        *sessionmgr.Manager
	rm        *runmanager.Manager
	log       *zap.Logger
	authToken string

	mux *chi.Mux
}

// NewServer builds the router. authToken is ACP2_AUTH_TOKEN; empty disables
// authentication entirely (spec.md §6).
func NewServer(reg *registry.Registry, st store.Store, sm *sessionmgr.Manager, rm *runmanager.Manager, log *zap.Logger, authToken string) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{reg: reg, st: st, sm: sm, rm: rm, log: log, authToken: authToken}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(securityHeadersMiddleware)

	r.Get("/ping", s.handlePing)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/agents", s.handleListAgents)
		r.Get("/agents/{name}", s.handleGetAgent)
		r.Post("/runs", s.handleCreateRun)
		r.Post("/runs/{id}/cancel", s.handleCancelRun)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
	})

	s.mux = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// authMiddleware accepts either an exact match against authToken, or a JWT
// bearer token signed with authToken as its HMAC key — the DOMAIN STACK's
// optional verification path for deployments that hand out short-lived
// tokens derived from the same shared secret rather than the static secret
// itself.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || tokenStr == "" {
			writeAppError(w, apperr.New(apperr.KindAuth, "missing bearer token"))
			return
		}

		if subtle.ConstantTimeCompare([]byte(tokenStr), []byte(s.authToken)) == 1 {
			next.ServeHTTP(w, r)
			return
		}

		if verifyJWT(tokenStr, s.authToken) {
			next.ServeHTTP(w, r)
			return
		}

		writeAppError(w, apperr.New(apperr.KindAuth, "invalid bearer token"))
	})
}

func verifyJWT(tokenStr, secret string) bool {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.New(apperr.KindAuth, "unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	return err == nil && token.Valid
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type agentManifest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	specs := s.reg.List()
	out := make([]agentManifest, 0, len(specs))
	for _, spec := range specs {
		out = append(out, agentManifest{Name: spec.Name, Description: spec.Description})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	spec, err := s.reg.Lookup(name)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agentManifest{Name: spec.Name, Description: spec.Description})
}

type runInput struct {
	Role    string         `json:"role"`
	Content content.Blocks `json:"content"`
}

type createRunRequest struct {
	Agent     string   `json:"agent"`
	SessionID string   `json:"session_id,omitempty"`
	Mode      string   `json:"mode"`
	Input     runInput `json:"input"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, apperr.New(apperr.KindConfig, "decoding run request: %v", err))
		return
	}
	if req.Mode == "" {
		req.Mode = runmanager.ModeSync
	}

	run, err := s.rm.Start(r.Context(), runmanager.StartRequest{
		AgentName: req.Agent,
		SessionID: req.SessionID,
		Mode:      req.Mode,
		Input:     req.Input.Content,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}

	switch req.Mode {
	case runmanager.ModeStream:
		s.streamRun(w, r, run)
	default:
		s.awaitRun(w, r, run)
	}
}

func (s *Server) awaitRun(w http.ResponseWriter, r *http.Request, run *runmanager.Run) {
	select {
	case <-run.Done():
	case <-r.Context().Done():
		return
	}

	status := run.Status()
	if status == runmanager.StatusFailed {
		writeAppError(w, run.Err())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": run.ID,
		"status": status,
		"output": runInput{Role: "agent", Content: run.Result()},
	})
}

func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, run *runmanager.Run) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAppError(w, apperr.New(apperr.KindInternal, "response writer does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		case <-r.Context().Done():
			// Per spec.md §4.6: a disconnecting client does not stop the
			// run; it runs to completion and its result is still persisted.
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, ev runmanager.Event) {
	var payload any
	switch ev.Variant {
	case "update":
		payload = ev.Update
	case "completed":
		payload = runInput{Role: "agent", Content: ev.Result}
	case "failed":
		payload = map[string]string{"error": ev.Err}
	default:
		payload = map[string]string{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	w.Write([]byte("event: " + ev.Variant + "\ndata: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.rm.Cancel(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": run.ID, "status": run.Status()})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionFilter{AgentName: q.Get("agent_name"), Status: q.Get("status")}
	page := store.Pagination{Limit: queryInt(q, "limit"), Offset: queryInt(q, "offset")}

	sessions, err := s.st.ListSessions(r.Context(), filter, page)
	if err != nil {
		writeAppError(w, apperr.Wrap(err, apperr.KindInternal, "listing sessions"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.st.GetSession(r.Context(), id)
	if err != nil {
		writeAppError(w, mapStoreErr(err, "session %s", id))
		return
	}

	q := r.URL.Query()
	sinceSequence := queryInt(q, "since_sequence")
	limit := queryInt(q, "limit")
	msgs, err := s.st.ListMessages(r.Context(), id, sinceSequence, limit)
	if err != nil {
		writeAppError(w, apperr.Wrap(err, apperr.KindInternal, "listing messages for %s", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess, "messages": msgs})
}

// queryInt parses a query parameter as a non-negative int, defaulting to 0
// (meaning "unset") on absence or malformed input.
func queryInt(q url.Values, key string) int {
	v := q.Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.st.GetSession(r.Context(), id); err != nil {
		writeAppError(w, mapStoreErr(err, "session %s", id))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.sm.Terminate(ctx, id); err != nil {
		writeAppError(w, err)
		return
	}
	if err := s.st.DeleteSession(ctx, id); err != nil {
		writeAppError(w, mapStoreErr(err, "session %s", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func mapStoreErr(err error, format string, a ...any) error {
	if err == store.ErrNotFound {
		return apperr.New(apperr.KindNotFound, format, a...)
	}
	return apperr.Wrap(err, apperr.KindInternal, format, a...)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeAppError(w http.ResponseWriter, err error) {
	kind := apperr.Of(err)
	message := err.Error()
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	writeJSON(w, statusForKind(kind), map[string]any{
		"error": map[string]string{"kind": string(kind), "message": message},
	})
}

func statusForKind(k apperr.Kind) int {
	switch k {
	case apperr.KindConfig:
		return http.StatusBadRequest
	case apperr.KindAgentNotFound, apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindBusy, apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindTransportClosed, apperr.KindAgentExited, apperr.KindAgentError:
		return http.StatusBadGateway
	case apperr.KindSpawnFailed, apperr.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
