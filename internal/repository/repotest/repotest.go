// Package repotest holds the behaviour every storage driver must share.
package repotest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Ahui-qn/2video/internal/domain"
	"github.com/Ahui-qn/2video/internal/repository"
)

// Run exercises a fresh store from newStore in every subtest.
func Run(t *testing.T, newStore func(t *testing.T) repository.Store) {
	t.Run("users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("snapshots", func(t *testing.T) { testSnapshots(t, newStore(t)) })
	t.Run("memberships", func(t *testing.T) { testMemberships(t, newStore(t)) })
	t.Run("audits", func(t *testing.T) { testAudits(t, newStore(t)) })
}

func seedUser(t *testing.T, store repository.Store, email string) *domain.User {
	t.Helper()
	u := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		DisplayName:  email,
		PasswordHash: []byte("hash"),
		CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, store.CreateUser(context.Background(), u))
	return u
}

func seedProject(t *testing.T, store repository.Store, owner *domain.User, createdAt time.Time, document string) *domain.Project {
	t.Helper()
	p := &domain.Project{ID: uuid.NewString(), Name: "Pilot", OwnerID: owner.ID, CreatedAt: createdAt}
	snap := &domain.ProjectSnapshot{Document: json.RawMessage(document), UpdatedAt: createdAt}
	require.NoError(t, store.CreateProject(context.Background(), p, snap))
	return p
}

func testUsers(t *testing.T, store repository.Store) {
	ctx := context.Background()
	u := seedUser(t, store, "writer@example.com")

	byEmail, err := store.GetUserByEmail(ctx, "writer@example.com")
	require.NoError(t, err)
	require.Equal(t, u.ID, byEmail.ID)
	require.Equal(t, []byte("hash"), byEmail.PasswordHash)

	byID, err := store.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, u.Email, byID.Email)

	_, err = store.GetUserByID(ctx, uuid.NewString())
	require.ErrorIs(t, err, repository.ErrNotFound)

	dup := &domain.User{ID: uuid.NewString(), Email: u.Email, PasswordHash: []byte("x"), CreatedAt: time.Now().UTC()}
	require.ErrorIs(t, store.CreateUser(ctx, dup), repository.ErrConflict)
}

func testSnapshots(t *testing.T, store repository.Store) {
	ctx := context.Background()
	owner := seedUser(t, store, "owner@example.com")
	p := seedProject(t, store, owner, time.Now().UTC().Truncate(time.Millisecond), `{"scenes":[]}`)

	got, err := store.GetProjectByID(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, p.Name, got.Name)
	require.Equal(t, owner.ID, got.OwnerID)

	snap, err := store.GetSnapshot(ctx, p.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"scenes":[]}`, string(snap.Document))
	require.Nil(t, snap.Script)

	// partial overwrite keeps the other blob
	later := time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)
	require.NoError(t, store.UpdateSnapshot(ctx, domain.SnapshotUpdate{
		ProjectID: p.ID,
		Script:    json.RawMessage(`"INT. KITCHEN"`),
		UpdatedAt: later,
	}))
	snap, err = store.GetSnapshot(ctx, p.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"scenes":[]}`, string(snap.Document))
	require.JSONEq(t, `"INT. KITCHEN"`, string(snap.Script))
	require.True(t, snap.UpdatedAt.Equal(later), "updated_at %s != %s", snap.UpdatedAt, later)

	// null is treated as absent
	require.NoError(t, store.UpdateSnapshot(ctx, domain.SnapshotUpdate{
		ProjectID: p.ID,
		Document:  json.RawMessage(`null`),
		Script:    json.RawMessage(`"EXT. ROOF"`),
		UpdatedAt: later,
	}))
	snap, err = store.GetSnapshot(ctx, p.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"scenes":[]}`, string(snap.Document))
	require.JSONEq(t, `"EXT. ROOF"`, string(snap.Script))

	_, err = store.GetProjectByID(ctx, uuid.NewString())
	require.ErrorIs(t, err, repository.ErrNotFound)
	_, err = store.GetSnapshot(ctx, uuid.NewString())
	require.ErrorIs(t, err, repository.ErrNotFound)
	err = store.UpdateSnapshot(ctx, domain.SnapshotUpdate{ProjectID: uuid.NewString(), Document: json.RawMessage(`{}`), UpdatedAt: later})
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func testMemberships(t *testing.T, store repository.Store) {
	ctx := context.Background()
	owner := seedUser(t, store, "owner@example.com")
	guest := seedUser(t, store, "guest@example.com")
	base := time.Now().UTC().Truncate(time.Millisecond)
	older := seedProject(t, store, owner, base, `{}`)
	newer := seedProject(t, store, owner, base.Add(time.Hour), `{}`)

	for i, p := range []*domain.Project{older, newer} {
		created, err := store.InsertMembership(ctx, &domain.Membership{
			ProjectID: p.ID, UserID: owner.ID, Role: domain.RoleAdmin, JoinedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		require.True(t, created)
	}

	projects, err := store.ListProjectsByUser(ctx, owner.ID)
	require.NoError(t, err)
	require.Len(t, projects, 2)
	require.Equal(t, newer.ID, projects[0].ID, "newest project first")

	created, err := store.InsertMembership(ctx, &domain.Membership{ProjectID: older.ID, UserID: guest.ID, Role: domain.RoleViewer, JoinedAt: base.Add(time.Minute)})
	require.NoError(t, err)
	require.True(t, created)

	// a second insert for the same pair keeps the first row
	created, err = store.InsertMembership(ctx, &domain.Membership{ProjectID: older.ID, UserID: guest.ID, Role: domain.RoleAdmin, JoinedAt: base.Add(2 * time.Minute)})
	require.NoError(t, err)
	require.False(t, created)
	m, err := store.GetMembership(ctx, older.ID, guest.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RoleViewer, m.Role)

	require.NoError(t, store.UpdateMembershipRole(ctx, older.ID, guest.ID, domain.RoleEditor))
	m, err = store.GetMembership(ctx, older.ID, guest.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RoleEditor, m.Role)

	members, err := store.ListMemberships(ctx, older.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Equal(t, owner.ID, members[0].UserID, "ordered by join time")
	require.Equal(t, map[string]domain.Role{owner.ID: domain.RoleAdmin, guest.ID: domain.RoleEditor}, domain.MembershipMap(members))

	_, err = store.GetMembership(ctx, newer.ID, guest.ID)
	require.ErrorIs(t, err, repository.ErrNotFound)
	require.ErrorIs(t, store.UpdateMembershipRole(ctx, newer.ID, guest.ID, domain.RoleAdmin), repository.ErrNotFound)
	_, err = store.InsertMembership(ctx, &domain.Membership{ProjectID: uuid.NewString(), UserID: guest.ID, Role: domain.RoleViewer, JoinedAt: base})
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func testAudits(t *testing.T, store repository.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		entry := &domain.AuditEntry{
			ProjectID: "p-audit",
			UserID:    "u1",
			Action:    domain.AuditUnauthorizedUpdate,
			Details:   json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
		}
		require.NoError(t, store.AppendAudit(ctx, entry))
		require.NotZero(t, entry.ID)
		require.False(t, entry.CreatedAt.IsZero())
	}
	// entries may reference projects that never existed
	require.NoError(t, store.AppendAudit(ctx, &domain.AuditEntry{ProjectID: "", UserID: "u2", Action: domain.AuditUnauthorizedUpdate}))

	entries, err := store.ListAudits(ctx, "p-audit", 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.JSONEq(t, `{"seq":4}`, string(entries[0].Details), "newest first")
	require.JSONEq(t, `{"seq":2}`, string(entries[2].Details))

	entries, err = store.ListAudits(ctx, "p-audit", 0)
	require.NoError(t, err)
	require.Len(t, entries, 5)
}
