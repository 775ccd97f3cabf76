package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsBearerAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "missing token"})
			return
		}
		switch r.URL.Path {
		case "/projects":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"projects": []map[string]string{{"id": "p1", "name": "Pilot", "owner_id": "u1"}},
			})
		case "/projects/p1/audit":
			if r.URL.Query().Get("limit") != "5" {
				t.Errorf("limit not forwarded: %s", r.URL.RawQuery)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"entries": []map[string]any{{"id": 1, "user_id": "u2", "action": "unauthorized_update", "details": map[string]string{"reason": "insufficient_role"}}},
			})
		case "/projects/p1/snapshot":
			var body map[string]json.RawMessage
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode body: %v", err)
			}
			if _, ok := body["script_blob"]; ok {
				t.Errorf("absent script should be omitted")
			}
			if string(body["document_blob"]) != `{"x":1}` {
				t.Errorf("unexpected document %s", body["document_blob"])
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "published"})
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	projects, err := c.ListProjects(ctx, "tok")
	if err != nil || len(projects) != 1 || projects[0].Name != "Pilot" {
		t.Fatalf("unexpected projects %+v %v", projects, err)
	}
	entries, err := c.ListAudit(ctx, "tok", "p1", 5)
	if err != nil || len(entries) != 1 || entries[0].Action != "unauthorized_update" {
		t.Fatalf("unexpected audit %+v %v", entries, err)
	}
	if err := c.PublishSnapshot(ctx, "tok", "p1", json.RawMessage(`{"x":1}`), nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	_, err = c.ListProjects(ctx, "")
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized || apiErr.Message != "missing token" {
		t.Fatalf("expected unauthorized api error, got %v", err)
	}
}

func TestNewNormalisesBaseURL(t *testing.T) {
	c, err := New("localhost:4000/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.BaseURL() != "http://localhost:4000" {
		t.Fatalf("unexpected base %s", c.BaseURL())
	}
}
