package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Ahui-qn/2video/internal/repository"
	"github.com/Ahui-qn/2video/internal/repository/memory"
	"github.com/Ahui-qn/2video/pkg/config"
)

func newTestService() Service {
	cfg := config.ServerConfig{JWTSecret: "test-secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour}
	return New(memory.New(), slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)
}

func TestSignupLoginAuthorize(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	user, tokens, err := svc.Signup(ctx, " Ana@Example.com ", "password1", "Ana")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if user.Email != "ana@example.com" || user.DisplayName != "Ana" {
		t.Fatalf("unexpected user %+v", user)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("expected tokens")
	}

	loggedIn, _, err := svc.Login(ctx, "ana@example.com", "password1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if loggedIn.ID != user.ID {
		t.Fatalf("login returned another user")
	}

	authorized, claims, err := svc.Authorize(ctx, tokens.AccessToken)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if authorized.ID != user.ID || claims.UserID != user.ID {
		t.Fatalf("authorize mismatch: %s %s", authorized.ID, claims.UserID)
	}
}

func TestSignupValidationAndDuplicates(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, _, err := svc.Signup(ctx, "bad", "password1", ""); !errors.Is(err, ErrInvalidSignup) {
		t.Fatalf("expected ErrInvalidSignup, got %v", err)
	}
	if _, _, err := svc.Signup(ctx, "a@b.c", "short", ""); !errors.Is(err, ErrInvalidSignup) {
		t.Fatalf("expected ErrInvalidSignup, got %v", err)
	}
	user, _, err := svc.Signup(ctx, "a@b.c", "password1", "")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if user.DisplayName != "a@b.c" {
		t.Fatalf("display name should default to email, got %q", user.DisplayName)
	}
	if _, _, err := svc.Signup(ctx, "A@B.C", "password1", ""); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestLoginAndAuthorizeFailures(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	if _, _, err := svc.Signup(ctx, "a@b.c", "password1", ""); err != nil {
		t.Fatalf("signup: %v", err)
	}

	if _, _, err := svc.Login(ctx, "a@b.c", "wrong-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody@b.c", "password1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, _, err := svc.Authorize(ctx, "  "); !errors.Is(err, ErrTokenRequired) {
		t.Fatalf("expected token required, got %v", err)
	}
	if _, _, err := svc.Authorize(ctx, "not-a-jwt"); err == nil {
		t.Fatalf("expected parse error")
	}
}
