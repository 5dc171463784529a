// Package httpserver exposes HTTP handlers for inspecting and closing reactor sessions.
package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/reactor/errs"
	"github.com/coachpo/reactor/internal/domain/schema"
	"github.com/coachpo/reactor/internal/infra/config"
	"github.com/coachpo/reactor/internal/infra/statestore"
	"github.com/coachpo/reactor/internal/infra/transport/ws"
	"github.com/coachpo/reactor/internal/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 10

	sessionsPath        = "/sessions"
	sessionDetailPrefix = sessionsPath + "/"

	rolesPath       = "/roles"
	diagnosticsPath = "/diagnostics"
	endpointsPath   = "/endpoints"
	statePath       = "/state"
	healthPath      = "/healthz"
)

// Router is the slice of the event router the control API reads and closes sessions through.
type Router interface {
	Sessions() []schema.SessionInfo
	Session(id string) (schema.SessionInfo, bool)
	Close(ctx context.Context, id string, reason string) error
	Diagnostics() []observability.Diagnostic
}

// Endpoints reports transport connection status.
type Endpoints interface {
	Statuses() []ws.Status
}

// History reads the persisted journal of a session.
type History interface {
	Transitions(ctx context.Context, sessionID string, limit int) ([]schema.Transition, error)
	Failures(ctx context.Context, sessionID string, limit int) ([]schema.Failure, error)
}

// Option configures the handler.
type Option func(*httpServer)

// WithEndpoints serves GET /endpoints from endpoints.
func WithEndpoints(endpoints Endpoints) Option {
	return func(s *httpServer) { s.endpoints = endpoints }
}

// WithHistory serves GET /sessions/{id}/history from history.
func WithHistory(history History) Option {
	return func(s *httpServer) { s.history = history }
}

// WithStateStore serves GET /state from the mirrored session records.
func WithStateStore(store statestore.Store) Option {
	return func(s *httpServer) { s.state = store }
}

// WithEnvironment reports env on GET /healthz.
func WithEnvironment(env config.Environment) Option {
	return func(s *httpServer) { s.environment = env }
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	router      Router
	endpoints   Endpoints
	history     History
	state       statestore.Store
}

type closePayload struct {
	Reason string `json:"reason"`
}

type roleEntry struct {
	Role     schema.Role         `json:"role"`
	Requires []schema.Capability `json:"requires"`
}

// NewHandler creates the control API handler.
func NewHandler(router Router, opts ...Option) http.Handler {
	server := &httpServer{environment: config.EnvDev, router: router}
	for _, opt := range opts {
		if opt != nil {
			opt(server)
		}
	}
	mux := http.NewServeMux()

	mux.Handle(sessionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listSessions,
	}))
	mux.Handle(sessionDetailPrefix, http.HandlerFunc(server.handleSession))

	mux.Handle(rolesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listRoles,
	}))
	mux.Handle(diagnosticsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listDiagnostics,
	}))
	mux.Handle(endpointsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listEndpoints,
	}))
	mux.Handle(statePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listState,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.router.Sessions()
	if role := strings.TrimSpace(r.URL.Query().Get("role")); role != "" {
		want := schema.NormalizeRole(schema.Role(role))
		if err := want.Validate(); err != nil {
			writeErr(w, err)
			return
		}
		filtered := sessions[:0]
		for _, info := range sessions {
			if info.Role == want {
				filtered = append(filtered, info)
			}
		}
		sessions = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *httpServer) handleSession(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, sessionDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "session id required")
		return
	}
	id, sub, _ := strings.Cut(rest, "/")
	switch sub {
	case "":
		s.methodHandlers(map[string]handlerFunc{
			http.MethodGet: func(w http.ResponseWriter, r *http.Request) { s.getSession(w, id) },
			http.MethodDelete: func(w http.ResponseWriter, r *http.Request) {
				s.closeSession(w, r, id)
			},
		}).ServeHTTP(w, r)
	case "history":
		s.methodHandlers(map[string]handlerFunc{
			http.MethodGet: func(w http.ResponseWriter, r *http.Request) { s.getHistory(w, r, id) },
		}).ServeHTTP(w, r)
	default:
		writeError(w, http.StatusNotFound, "unknown session resource")
	}
}

func (s *httpServer) getSession(w http.ResponseWriter, id string) {
	info, ok := s.router.Session(id)
	if !ok {
		writeErr(w, errs.New("server/http", errs.CodeSessionNotFound, errs.WithSession(id)))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *httpServer) closeSession(w http.ResponseWriter, r *http.Request, id string) {
	var payload closePayload
	if r.ContentLength != 0 {
		limitRequestBody(w, r)
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			writeDecodeError(w, err)
			return
		}
	}
	reason := strings.TrimSpace(payload.Reason)
	if reason == "" {
		reason = "closed via control api"
	}
	if err := s.router.Close(r.Context(), id, reason); err != nil {
		writeErr(w, err)
		return
	}
	info, ok := s.router.Session(id)
	if !ok {
		writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "state": schema.SessionClosed, "reason": reason})
		return
	}
	writeJSON(w, http.StatusAccepted, info)
}

func (s *httpServer) getHistory(w http.ResponseWriter, r *http.Request, id string) {
	if s.history == nil {
		writeErr(w, errs.New("server/http", errs.CodeUnavailable, errs.WithMessage("session journal not configured")))
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	transitions, err := s.history.Transitions(r.Context(), id, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	failures, err := s.history.Failures(r.Context(), id, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          id,
		"transitions": nonNil(transitions),
		"failures":    nonNil(failures),
	})
}

func (s *httpServer) listRoles(w http.ResponseWriter, _ *http.Request) {
	roles := schema.Roles()
	out := make([]roleEntry, 0, len(roles))
	for _, role := range roles {
		required, err := schema.RequiredCapabilities(role)
		if err != nil {
			writeErr(w, err)
			return
		}
		out = append(out, roleEntry{Role: role, Requires: required.Names()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (s *httpServer) listDiagnostics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"diagnostics": nonNil(s.router.Diagnostics())})
}

func (s *httpServer) listEndpoints(w http.ResponseWriter, _ *http.Request) {
	statuses := []ws.Status{}
	if s.endpoints != nil {
		statuses = nonNil(s.endpoints.Statuses())
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": statuses})
}

func (s *httpServer) listState(w http.ResponseWriter, r *http.Request) {
	if s.state == nil {
		writeErr(w, errs.New("server/http", errs.CodeUnavailable, errs.WithMessage("state store not configured")))
		return
	}
	records, err := s.state.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": nonNil(records)})
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	active := 0
	sessions := s.router.Sessions()
	for _, info := range sessions {
		if info.State == schema.SessionActive {
			active++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"environment": s.environment,
		"sessions":    len(sessions),
		"active":      active,
	})
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "decode payload: "+err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

// statusFor maps an error envelope code to an HTTP status.
func statusFor(err error) int {
	code, ok := errs.CodeOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch code {
	case errs.CodeSessionNotFound:
		return http.StatusNotFound
	case errs.CodeInvalid, errs.CodeInvalidRole, errs.CodeCapabilityNotApplicable:
		return http.StatusBadRequest
	case errs.CodeConflict, errs.CodeIncompleteRegistration:
		return http.StatusConflict
	case errs.CodeUnavailable, errs.CodeNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	code, _ := errs.CodeOf(err)
	writeJSON(w, status, map[string]string{"status": "error", "code": string(code), "error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
