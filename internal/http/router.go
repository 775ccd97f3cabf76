package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Ahui-qn/2video/internal/domain"
	"github.com/Ahui-qn/2video/internal/repository"
	"github.com/Ahui-qn/2video/internal/service/auth"
	"github.com/Ahui-qn/2video/internal/service/collab"
	"github.com/Ahui-qn/2video/internal/service/project"
	"github.com/Ahui-qn/2video/internal/ws"
	"github.com/Ahui-qn/2video/pkg/protocol"
)

// Deps bundles what the router serves.
type Deps struct {
	Auth     auth.Service
	Projects project.Service
	Collab   *collab.Service
	Limiter  RateLimiter
	DBHealth func(context.Context) error
	// Registry receives the HTTP collectors and backs /metrics. Nil disables both.
	Registry *prometheus.Registry
	WS       ws.ClientOptions

	// TrustedProxies are IPs or CIDRs allowed to set X-Forwarded-For.
	TrustedProxies []string
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     auth.Service
	projects project.Service
	collab   *collab.Service
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error
	wsOpts   ws.ClientOptions
	metrics  *routerMetrics
	registry *prometheus.Registry

	trustedProxies []*net.IPNet
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 240
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	maxBodyBytes       = 8 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deps Deps) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		auth:     deps.Auth,
		projects: deps.Projects,
		collab:   deps.Collab,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  deps.Limiter,
		dbHealth: deps.DBHealth,
		wsOpts:   deps.WS,
		registry: deps.Registry,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	proxies, invalid := parseTrustedProxies(deps.TrustedProxies)
	if len(invalid) > 0 {
		logger.Warn("ignoring invalid trusted proxies", "entries", invalid)
	}
	r.trustedProxies = proxies
	if r.registry != nil {
		r.initMetrics(r.registry)
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	if r.registry != nil {
		r.mux.Handle("/metrics", r.metricsHandler(r.registry))
	}
	r.mux.HandleFunc("/auth/signup", r.audit("signup", r.withRateLimit("signup", rateLimitSignup, rateWindowDefault, r.rateLimitKeyIP, r.handleSignup)))
	r.mux.HandleFunc("/auth/login", r.audit("login", r.withRateLimit("login", rateLimitLogin, rateWindowDefault, r.rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/projects", r.audit("projects", r.handlerAuthRate("projects", rateLimitUserWrite, rateWindowDefault, r.handleProjects)))
	r.mux.HandleFunc("/projects/", r.audit("project", r.handlerAuthRate("project", rateLimitUserRead, rateWindowDefault, r.handleProjectSubroutes)))
	r.mux.HandleFunc("/ws", r.audit("ws", r.handlerAuthRate("ws", rateLimitWebsocket, rateWindowRealtime, r.handleRealtime)))
}

type userView struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

func newUserView(u *domain.User) userView {
	return userView{ID: u.ID, Email: u.Email, DisplayName: u.DisplayName}
}

type tokenView struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresInSeconds int64  `json:"expires_in"`
}

func newTokenView(t auth.TokenPair) tokenView {
	return tokenView{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken, ExpiresInSeconds: int64(t.ExpiresIn / time.Second)}
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
	}
	if !r.decodeBody(w, req, &payload) {
		return
	}
	user, tokens, err := r.auth.Signup(req.Context(), payload.Email, payload.Password, payload.DisplayName)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			writeError(w, http.StatusConflict, "email already registered")
		case errors.Is(err, auth.ErrInvalidSignup):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			r.logger.Error("signup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "signup failed")
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":   newUserView(user),
		"tokens": newTokenView(tokens),
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !r.decodeBody(w, req, &payload) {
		return
	}
	user, tokens, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		r.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":   newUserView(user),
		"tokens": newTokenView(tokens),
	})
}

type projectView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

func newProjectView(p domain.Project) projectView {
	return projectView{ID: p.ID, Name: p.Name, OwnerID: p.OwnerID, CreatedAt: p.CreatedAt}
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for projects", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodGet:
		projects, err := r.projects.List(req.Context(), info.UserID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		out := make([]projectView, 0, len(projects))
		for _, p := range projects {
			out = append(out, newProjectView(p))
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": out})
	case http.MethodPost:
		var payload struct {
			Name         string          `json:"name"`
			DocumentBlob json.RawMessage `json:"document_blob"`
			ScriptBlob   json.RawMessage `json:"script_blob"`
		}
		if !r.decodeBody(w, req, &payload) {
			return
		}
		proj, err := r.projects.Create(req.Context(), info.UserID, payload.Name, payload.DocumentBlob, payload.ScriptBlob)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, newProjectView(*proj))
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for project route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/projects/"), "/"), "/")
	projectID := parts[0]
	if projectID == "" || len(parts) > 2 {
		r.notFound(w)
		return
	}
	if len(parts) == 1 {
		r.handleProjectShow(w, req, info, projectID)
		return
	}
	switch parts[1] {
	case "snapshot":
		r.handleProjectSnapshot(w, req, info, projectID)
	case "members":
		r.handleProjectMembers(w, req, info, projectID)
	case "audit":
		r.handleProjectAudit(w, req, info, projectID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleProjectShow(w http.ResponseWriter, req *http.Request, info authInfo, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	view, err := r.projects.Get(req.Context(), info.UserID, projectID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project": newProjectView(view.Project),
		"role":    string(view.Role),
		"snapshot": map[string]any{
			"document_blob": rawOrNull(view.Snapshot.Document),
			"script_blob":   rawOrNull(view.Snapshot.Script),
			"updated_at":    view.Snapshot.UpdatedAt,
		},
	})
}

// handleProjectSnapshot is the hand-off for document producers such as the
// script analysis pipeline. Accepted snapshots reach every live room member.
func (r *Router) handleProjectSnapshot(w http.ResponseWriter, req *http.Request, info authInfo, projectID string) {
	if req.Method != http.MethodPut {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		DocumentBlob json.RawMessage `json:"document_blob"`
		ScriptBlob   json.RawMessage `json:"script_blob"`
	}
	if !r.decodeBody(w, req, &payload) {
		return
	}
	update := protocol.ProjectUpdate{DocumentBlob: payload.DocumentBlob, ScriptBlob: payload.ScriptBlob}
	if err := r.collab.PublishSnapshot(req.Context(), info.Identity, projectID, update); err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "published"})
}

func (r *Router) handleProjectMembers(w http.ResponseWriter, req *http.Request, info authInfo, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	members, err := r.projects.Members(req.Context(), info.UserID, projectID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(members))
	for _, m := range members {
		out = append(out, map[string]any{
			"user_id":   m.UserID,
			"role":      string(m.Role),
			"joined_at": m.JoinedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": out})
}

func (r *Router) handleProjectAudit(w http.ResponseWriter, req *http.Request, info authInfo, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	entries, err := r.projects.Audit(req.Context(), info.UserID, projectID, limit)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"id":         e.ID,
			"user_id":    e.UserID,
			"action":     e.Action,
			"details":    rawOrNull(e.Details),
			"created_at": e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	if r.collab != nil {
		components["sessions"] = r.collab.Registry().Count()
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, collab.ErrProjectNotFound):
		writeError(w, http.StatusNotFound, "project not found")
	case errors.Is(err, project.ErrForbidden), errors.Is(err, collab.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "insufficient project role")
	case errors.Is(err, project.ErrInvalidName), errors.Is(err, collab.ErrInvalidRequest), errors.Is(err, repository.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		r.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (r *Router) decodeBody(w http.ResponseWriter, req *http.Request, v any) bool {
	req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		if recorder.hijacked {
			status = http.StatusSwitchingProtocols
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := r.clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
			fields = append(fields, "forwarded_for", forwarded)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status   int
	bytes    int
	hijacked bool
	ctx      context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		sr.hijacked = true
	}
	return conn, rw, err
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
