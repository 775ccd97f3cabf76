package project

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Ahui-qn/2video/internal/domain"
	"github.com/Ahui-qn/2video/internal/repository"
	"github.com/Ahui-qn/2video/internal/repository/memory"
)

func newTestService() (Service, *memory.Store) {
	store := memory.New()
	return New(store, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func TestCreateMakesOwnerAdmin(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	project, err := svc.Create(ctx, "owner", "  Pilot  ", json.RawMessage(`{"scenes":[1]}`), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if project.Name != "Pilot" {
		t.Fatalf("expected trimmed name, got %q", project.Name)
	}
	m, err := store.GetMembership(ctx, project.ID, "owner")
	if err != nil {
		t.Fatalf("membership: %v", err)
	}
	if m.Role != domain.RoleAdmin {
		t.Fatalf("expected admin, got %s", m.Role)
	}
	audits, err := svc.Audit(ctx, "owner", project.ID, 0)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(audits) != 1 || audits[0].Action != domain.AuditProjectCreated {
		t.Fatalf("unexpected audits %+v", audits)
	}

	view, err := svc.Get(ctx, "owner", project.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(view.Snapshot.Document) != `{"scenes":[1]}` || view.Snapshot.Script != nil {
		t.Fatalf("unexpected snapshot %+v", view.Snapshot)
	}

	if _, err := svc.Create(ctx, "owner", " ", nil, nil); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
}

func TestAccessRules(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	project, err := svc.Create(ctx, "owner", "Pilot", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.InsertMembership(ctx, &domain.Membership{ProjectID: project.ID, UserID: "viewer", Role: domain.RoleViewer, JoinedAt: time.Now()}); err != nil {
		t.Fatalf("insert membership: %v", err)
	}

	if _, err := svc.Get(ctx, "stranger", project.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for stranger, got %v", err)
	}
	if _, err := svc.Get(ctx, "viewer", "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	members, err := svc.Members(ctx, "viewer", project.ID)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	if _, err := svc.Audit(ctx, "viewer", project.ID, 10); !errors.Is(err, ErrForbidden) {
		t.Fatalf("viewers must not read the audit trail, got %v", err)
	}

	projects, err := svc.List(ctx, "viewer")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(projects) != 1 || projects[0].ID != project.ID {
		t.Fatalf("unexpected projects %+v", projects)
	}
}
