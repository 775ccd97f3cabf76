package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Ahui-qn/2video/internal/domain"
	"github.com/Ahui-qn/2video/internal/repository/memory"
	"github.com/Ahui-qn/2video/internal/service/auth"
	"github.com/Ahui-qn/2video/internal/service/collab"
	"github.com/Ahui-qn/2video/internal/service/project"
	"github.com/Ahui-qn/2video/internal/ws"
	"github.com/Ahui-qn/2video/pkg/config"
)

type testEnv struct {
	router *Router
	store  *memory.Store
	collab *collab.Service
	hub    *ws.Hub
}

type denyLimiter struct{}

func (denyLimiter) Allow(string, int, time.Duration) rateDecision {
	return rateDecision{allowed: false, count: 1, windowEnd: time.Now().Add(time.Minute)}
}

func (denyLimiter) Close() {}

func setupRouter(t *testing.T, limiter RateLimiter, dbHealth func(context.Context) error) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	hub := ws.NewHub()
	cfg := config.ServerConfig{JWTSecret: "router-secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour}
	reg := prometheus.NewRegistry()
	collabSvc := collab.New(store, hub, logger, collab.WithMetrics(collab.NewMetrics(reg)))
	router := NewRouter(logger, Deps{
		Auth:     auth.New(store, logger, cfg),
		Projects: project.New(store, logger),
		Collab:   collabSvc,
		Limiter:  limiter,
		DBHealth: dbHealth,
		Registry: reg,
		WS:       ws.ClientOptions{PingPeriod: time.Second},
	})
	t.Cleanup(func() {
		router.Close()
		hub.Close()
	})
	return &testEnv{router: router, store: store, collab: collabSvc, hub: hub}
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

type authResponse struct {
	User struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	} `json:"user"`
	Tokens struct {
		AccessToken string `json:"access_token"`
	} `json:"tokens"`
}

func signup(t *testing.T, h http.Handler, email, name string) authResponse {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/auth/signup", "", map[string]string{
		"email": email, "password": "password1", "display_name": name,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup %s: status %d body %s", email, rec.Code, rec.Body.String())
	}
	return decodeBody[authResponse](t, rec)
}

func createProject(t *testing.T, h http.Handler, token, name string) string {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/projects", token, map[string]any{
		"name":          name,
		"document_blob": map[string]any{"scenes": []any{}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create project: status %d body %s", rec.Code, rec.Body.String())
	}
	return decodeBody[projectView](t, rec).ID
}

func TestHealthz(t *testing.T) {
	env := setupRouter(t, nil, func(context.Context) error { return nil })
	rec := doJSON(t, env.router, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	down := setupRouter(t, nil, func(context.Context) error { return errors.New("db down") })
	rec = doJSON(t, down.router, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["status"] != "degraded" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestSignupLoginFlow(t *testing.T) {
	env := setupRouter(t, nil, nil)
	created := signup(t, env.router, "ana@example.com", "Ana")
	if created.User.DisplayName != "Ana" || created.Tokens.AccessToken == "" {
		t.Fatalf("unexpected signup response %+v", created)
	}

	rec := doJSON(t, env.router, http.MethodPost, "/auth/signup", "", map[string]string{"email": "ana@example.com", "password": "password1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", rec.Code)
	}

	rec = doJSON(t, env.router, http.MethodPost, "/auth/login", "", map[string]string{"email": "ana@example.com", "password": "password1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = doJSON(t, env.router, http.MethodPost, "/auth/login", "", map[string]string{"email": "ana@example.com", "password": "nope-nope"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = doJSON(t, env.router, http.MethodGet, "/auth/login", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestProjectRoutesRequireAuth(t *testing.T) {
	env := setupRouter(t, nil, nil)
	for _, path := range []string{"/projects", "/projects/p1", "/ws"} {
		rec := doJSON(t, env.router, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
	}
	rec := doJSON(t, env.router, http.MethodGet, "/projects", "garbage", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", rec.Code)
	}
}

func TestProjectLifecycle(t *testing.T) {
	env := setupRouter(t, nil, nil)
	owner := signup(t, env.router, "owner@example.com", "Owner")
	stranger := signup(t, env.router, "stranger@example.com", "Stranger")
	projectID := createProject(t, env.router, owner.Tokens.AccessToken, "Pilot")

	rec := doJSON(t, env.router, http.MethodGet, "/projects", owner.Tokens.AccessToken, nil)
	listed := decodeBody[struct {
		Projects []projectView `json:"projects"`
	}](t, rec)
	if len(listed.Projects) != 1 || listed.Projects[0].ID != projectID {
		t.Fatalf("unexpected list %+v", listed)
	}

	rec = doJSON(t, env.router, http.MethodGet, "/projects/"+projectID, owner.Tokens.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("show: status %d body %s", rec.Code, rec.Body.String())
	}
	shown := decodeBody[map[string]any](t, rec)
	if shown["role"] != "admin" {
		t.Fatalf("creator should be admin, got %v", shown["role"])
	}

	rec = doJSON(t, env.router, http.MethodGet, "/projects/"+projectID, stranger.Tokens.AccessToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stranger show: expected 403, got %d", rec.Code)
	}
	rec = doJSON(t, env.router, http.MethodGet, "/projects/missing", owner.Tokens.AccessToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing project: expected 404, got %d", rec.Code)
	}

	rec = doJSON(t, env.router, http.MethodPut, "/projects/"+projectID+"/snapshot", owner.Tokens.AccessToken, map[string]any{
		"script_blob": map[string]string{"text": "FADE IN"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot: status %d body %s", rec.Code, rec.Body.String())
	}
	snap, err := env.store.GetSnapshot(context.Background(), projectID)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if !strings.Contains(string(snap.Script), "FADE IN") {
		t.Fatalf("script not persisted: %s", snap.Script)
	}
	rec = doJSON(t, env.router, http.MethodPut, "/projects/"+projectID+"/snapshot", stranger.Tokens.AccessToken, map[string]any{
		"script_blob": map[string]string{"text": "nope"},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stranger snapshot: expected 403, got %d", rec.Code)
	}

	rec = doJSON(t, env.router, http.MethodGet, "/projects/"+projectID+"/members", owner.Tokens.AccessToken, nil)
	members := decodeBody[struct {
		Members []map[string]any `json:"members"`
	}](t, rec)
	if len(members.Members) != 1 || members.Members[0]["role"] != "admin" {
		t.Fatalf("unexpected members %+v", members)
	}

	rec = doJSON(t, env.router, http.MethodGet, "/projects/"+projectID+"/audit?limit=10", owner.Tokens.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit: status %d", rec.Code)
	}
	entries := decodeBody[struct {
		Entries []map[string]any `json:"entries"`
	}](t, rec)
	actions := make(map[string]int)
	for _, e := range entries.Entries {
		actions[e["action"].(string)]++
	}
	if actions[domain.AuditProjectCreated] != 1 || actions[domain.AuditUnauthorizedUpdate] != 1 {
		t.Fatalf("unexpected audit actions %v", actions)
	}
	rec = doJSON(t, env.router, http.MethodGet, "/projects/"+projectID+"/audit?limit=abc", owner.Tokens.AccessToken, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestRateLimitedRoutes(t *testing.T) {
	env := setupRouter(t, denyLimiter{}, nil)
	rec := doJSON(t, env.router, http.MethodPost, "/auth/login", "", map[string]string{"email": "a@b.c", "password": "x"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") == "" {
		t.Fatalf("expected rate limit headers")
	}
}

func TestLoginLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	env := setupRouter(t, nil, nil)
	body := []byte(`{"email":"a@b.c","password":"wrong-password"}`)
	limited := 0
	for i := 0; i < 3*rateLimitLogin; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
		req.RemoteAddr = "203.0.113.9:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited != 2*rateLimitLogin {
		t.Fatalf("expected %d limited requests, got %d", 2*rateLimitLogin, limited)
	}
}

func TestClientIPTrustsOnlyConfiguredProxies(t *testing.T) {
	networks, invalid := parseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.1", "not-an-ip"})
	if len(networks) != 2 || len(invalid) != 1 || invalid[0] != "not-an-ip" {
		t.Fatalf("unexpected parse result %v %v", networks, invalid)
	}
	r := &Router{trustedProxies: networks}

	cases := []struct {
		name      string
		remote    string
		forwarded string
		want      string
	}{
		{"direct peer ignores header", "203.0.113.9:5000", "198.51.100.1", "203.0.113.9"},
		{"trusted proxy forwards client", "10.1.2.3:5000", "198.51.100.1", "198.51.100.1"},
		{"rightmost untrusted hop wins", "192.0.2.1:5000", "1.1.1.1, 198.51.100.7, 10.0.0.5", "198.51.100.7"},
		{"trusted proxy without header", "10.1.2.3:5000", "", "10.1.2.3"},
		{"only trusted hops", "10.1.2.3:5000", "10.9.9.9", "10.9.9.9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			req.RemoteAddr = tc.remote
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if got := r.clientIP(req); got != tc.want {
				t.Fatalf("clientIP = %q, want %q", got, tc.want)
			}
		})
	}

	if got := (&Router{}).clientIP(func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.1.2.3:5000"
		req.Header.Set("X-Forwarded-For", "198.51.100.1")
		return req
	}()); got != "10.1.2.3" {
		t.Fatalf("without trusted proxies the peer must win, got %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupRouter(t, nil, nil)
	doJSON(t, env.router, http.MethodGet, "/healthz", "", nil)
	rec := doJSON(t, env.router, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "storyboard_api_http_requests_total") {
		t.Fatalf("request counter missing from exposition")
	}
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	rl := NewMemoryRateLimiter().(*memoryRateLimiter)
	defer rl.Close()
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if d := rl.Allow("k", 2, time.Minute); !d.allowed {
			t.Fatalf("request %d should pass", i)
		}
	}
	if d := rl.Allow("k", 2, time.Minute); d.allowed {
		t.Fatalf("third request should be limited")
	}
	now = now.Add(2 * time.Minute)
	if d := rl.Allow("k", 2, time.Minute); !d.allowed || d.count != 1 {
		t.Fatalf("window should reset, got %+v", d)
	}
	rl.cleanup(now.Add(time.Hour))
	if len(rl.entries) != 0 {
		t.Fatalf("expired entries should be swept")
	}
}
