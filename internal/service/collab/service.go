// Package collab is the realtime collaboration engine: it admits connections to
// project rooms, guards every mutation against the membership store and fans
// accepted changes out to the rest of the room.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Ahui-qn/2video/internal/domain"
	"github.com/Ahui-qn/2video/internal/repository"
	"github.com/Ahui-qn/2video/internal/ws"
	"github.com/Ahui-qn/2video/pkg/protocol"
)

// Store is the persistence the engine needs.
type Store interface {
	repository.ProjectRepository
	repository.MembershipRepository
	repository.AuditRepository
}

// Rooms is the transport directory. Register must return only once the client
// is visible to Broadcast.
type Rooms interface {
	Register(projectID string, client ws.Subscriber) error
	Unregister(projectID string, client ws.Subscriber) error
	Broadcast(projectID string, payload []byte, exclude string) (int, error)
}

// Admission is the tagged result of membership resolution on join.
type Admission struct {
	Membership domain.Membership
	// Created is true when the join materialized a default membership.
	Created bool
}

// Option customises the service.
type Option func(*Service)

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRegistry injects a session registry, mostly for tests that inspect it.
func WithRegistry(r *Registry) Option {
	return func(s *Service) { s.registry = r }
}

// Service coordinates sessions, rooms and persisted project state.
type Service struct {
	store    Store
	rooms    Rooms
	registry *Registry
	guard    *Guard
	locks    *roomLocks
	log      *slog.Logger
	metrics  *Metrics
	now      func() time.Time
}

// New constructs the engine.
func New(store Store, rooms Rooms, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:    store,
		rooms:    rooms,
		registry: NewRegistry(),
		locks:    newRoomLocks(),
		log:      logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.guard = NewGuard(s.registry, store, store, logger)
	return s
}

// Registry exposes the live session directory.
func (s *Service) Registry() *Registry { return s.registry }

// Guard exposes the authorization guard.
func (s *Service) Guard() *Guard { return s.guard }

// Join admits conn to the project room. A connection already in a room leaves it
// once the target project is known to exist; a failed lookup leaves it where it was.
func (s *Service) Join(ctx context.Context, conn ws.Subscriber, identity domain.Identity, projectID string) error {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		s.sendError(conn, protocol.CodeInvalidRequest, "projectId is required")
		return ErrInvalidRequest
	}
	project, err := s.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return s.failJoin(conn, projectID, err)
	}
	if prev, ok := s.registry.Get(conn.ID()); ok {
		s.leave(ctx, conn, prev)
	}

	release := s.locks.lock(projectID)
	defer release()

	snapshot, err := s.store.GetSnapshot(ctx, projectID)
	if err != nil {
		return s.failJoin(conn, projectID, err)
	}
	adm, err := s.admit(ctx, projectID, identity)
	if err != nil {
		return s.failJoin(conn, projectID, err)
	}
	members, err := s.store.ListMemberships(ctx, projectID)
	if err != nil {
		return s.failJoin(conn, projectID, err)
	}

	session := domain.Session{
		ConnectionID: conn.ID(),
		UserID:       identity.UserID,
		DisplayName:  identity.DisplayName,
		ProjectID:    projectID,
		Role:         adm.Membership.Role,
		JoinedAt:     s.now().UTC(),
	}
	s.registry.Add(session)
	if err := s.rooms.Register(projectID, conn); err != nil {
		s.registry.Remove(conn.ID())
		return s.failJoin(conn, projectID, err)
	}
	s.metrics.sessionJoined()
	s.metrics.join("ok")
	s.log.Info("session joined",
		"project_id", projectID,
		"user_id", identity.UserID,
		"connection_id", conn.ID(),
		"role", string(session.Role),
		"new_member", adm.Created,
	)

	state := protocol.ProjectState{
		ProjectID:   projectID,
		UserID:      identity.UserID,
		Role:        string(session.Role),
		Permissions: permissionMap(members),
		Snapshot: protocol.Snapshot{
			DocumentBlob: snapshot.Document,
			ScriptBlob:   snapshot.Script,
			UpdatedAt:    snapshot.UpdatedAt,
		},
		Project: protocol.ProjectInfo{
			ID:        project.ID,
			Name:      project.Name,
			OwnerID:   project.OwnerID,
			CreatedAt: project.CreatedAt,
		},
		Users: participants(s.registry.Presence(projectID)),
	}
	s.send(conn, protocol.EventProjectState, state)
	s.broadcastPresence(projectID)
	return nil
}

func (s *Service) failJoin(conn ws.Subscriber, projectID string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		s.metrics.join("project_not_found")
		s.log.Info("join rejected: project not found", "project_id", projectID, "connection_id", conn.ID())
		s.sendError(conn, protocol.CodeProjectNotFound, fmt.Sprintf("project %s not found", projectID))
		return ErrProjectNotFound
	}
	s.metrics.join("error")
	s.log.Error("join failed", "project_id", projectID, "connection_id", conn.ID(), "error", err)
	s.sendError(conn, protocol.CodeInternal, "unable to join project")
	return fmt.Errorf("join %s: %w", projectID, err)
}

// admit resolves the membership of the joining user, creating a viewer
// membership for first-time arrivals.
func (s *Service) admit(ctx context.Context, projectID string, identity domain.Identity) (Admission, error) {
	existing, err := s.store.GetMembership(ctx, projectID, identity.UserID)
	if err == nil {
		return Admission{Membership: *existing}, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return Admission{}, fmt.Errorf("load membership: %w", err)
	}

	fresh := domain.Membership{
		ProjectID: projectID,
		UserID:    identity.UserID,
		Role:      domain.DefaultRole,
		JoinedAt:  s.now().UTC(),
	}
	created, err := s.store.InsertMembership(ctx, &fresh)
	if err != nil {
		return Admission{}, fmt.Errorf("create membership: %w", err)
	}
	if !created {
		// another instance created it first
		existing, err := s.store.GetMembership(ctx, projectID, identity.UserID)
		if err != nil {
			return Admission{}, fmt.Errorf("reload membership: %w", err)
		}
		return Admission{Membership: *existing}, nil
	}
	s.audit(ctx, projectID, identity.UserID, domain.AuditMemberJoined, map[string]string{"role": string(fresh.Role)})
	return Admission{Membership: fresh, Created: true}, nil
}

// Leave removes conn from its room without closing it.
func (s *Service) Leave(ctx context.Context, conn ws.Subscriber) error {
	session, ok := s.registry.Get(conn.ID())
	if !ok {
		return ErrNotJoined
	}
	s.leave(ctx, conn, session)
	return nil
}

// Disconnect forgets any session held by conn. It is safe to call for connections that never joined.
func (s *Service) Disconnect(ctx context.Context, conn ws.Subscriber) {
	if session, ok := s.registry.Get(conn.ID()); ok {
		s.leave(ctx, conn, session)
	}
}

func (s *Service) leave(_ context.Context, conn ws.Subscriber, session domain.Session) {
	release := s.locks.lock(session.ProjectID)
	defer release()

	current, ok := s.registry.Get(conn.ID())
	if !ok || current.ProjectID != session.ProjectID {
		return
	}
	s.registry.Remove(conn.ID())
	if err := s.rooms.Unregister(session.ProjectID, conn); err != nil {
		s.log.Warn("unregister from room failed", "project_id", session.ProjectID, "connection_id", conn.ID(), "error", err)
	}
	s.metrics.sessionLeft()
	s.log.Info("session left", "project_id", session.ProjectID, "user_id", session.UserID, "connection_id", conn.ID())
	s.broadcastPresence(session.ProjectID)
}

// ApplyUpdate persists an authorized partial snapshot update and fans it out to
// every other connection in the room. Rejections are silent to the sender; the
// decision is returned for the caller's bookkeeping.
func (s *Service) ApplyUpdate(ctx context.Context, conn ws.Subscriber, identity domain.Identity, update protocol.ProjectUpdate) (Decision, error) {
	update = update.Normalized()
	if update.Empty() {
		s.sendError(conn, protocol.CodeInvalidRequest, "update carries neither documentBlob nor scriptBlob")
		return Decision{}, ErrInvalidRequest
	}
	if current, ok := s.registry.Get(conn.ID()); ok {
		release := s.locks.lock(current.ProjectID)
		defer release()
	}

	decision, session, err := s.guard.AuthorizeMutation(ctx, conn.ID(), identity, update.ProjectID)
	if err != nil {
		s.metrics.update("error", ReasonNone)
		s.log.Error("authorize update failed", "connection_id", conn.ID(), "error", err)
		return Decision{}, err
	}
	if !decision.Allowed {
		s.metrics.update("rejected", decision.Reason)
		return decision, nil
	}

	attribution := protocol.Attribution{UserID: session.UserID, DisplayName: session.DisplayName}
	if err := s.persistAndBroadcast(ctx, session.ProjectID, update, attribution, conn.ID()); err != nil {
		s.metrics.update("error", ReasonNone)
		return decision, err
	}
	s.metrics.update("applied", ReasonNone)
	return decision, nil
}

// PublishSnapshot hands a document/script pair produced outside the realtime
// protocol to the room. The caller is authorized against the store and every
// live session receives the update.
func (s *Service) PublishSnapshot(ctx context.Context, identity domain.Identity, projectID string, update protocol.ProjectUpdate) error {
	update = update.Normalized()
	if update.Empty() {
		return ErrInvalidRequest
	}
	release := s.locks.lock(projectID)
	defer release()

	if _, err := s.store.GetProjectByID(ctx, projectID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrProjectNotFound
		}
		return fmt.Errorf("load project: %w", err)
	}
	decision, err := s.guard.AuthorizeUser(ctx, projectID, identity.UserID)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		s.metrics.update("rejected", decision.Reason)
		return ErrUnauthorized
	}
	attribution := protocol.Attribution{UserID: identity.UserID, DisplayName: identity.DisplayName}
	if err := s.persistAndBroadcast(ctx, projectID, update, attribution, ""); err != nil {
		s.metrics.update("error", ReasonNone)
		return err
	}
	s.metrics.update("applied", ReasonNone)
	return nil
}

func (s *Service) persistAndBroadcast(ctx context.Context, projectID string, update protocol.ProjectUpdate, by protocol.Attribution, exclude string) error {
	err := s.store.UpdateSnapshot(ctx, domain.SnapshotUpdate{
		ProjectID: projectID,
		Document:  update.DocumentBlob,
		Script:    update.ScriptBlob,
		UpdatedAt: s.now().UTC(),
	})
	if err != nil {
		s.log.Error("persist snapshot failed", "project_id", projectID, "user_id", by.UserID, "error", err)
		return fmt.Errorf("persist snapshot: %w", err)
	}
	s.broadcast(projectID, protocol.EventProjectUpdated, protocol.ProjectUpdated{
		ProjectID:    projectID,
		DocumentBlob: update.DocumentBlob,
		ScriptBlob:   update.ScriptBlob,
		UpdatedBy:    by,
	}, exclude)
	return nil
}

// ChangeRole lets an admin change the role of a project member. The new role is
// persisted, audited, pushed into live sessions and announced to the room.
func (s *Service) ChangeRole(ctx context.Context, conn ws.Subscriber, identity domain.Identity, req protocol.UpdatePermission) error {
	role, err := domain.ParseRole(req.NewRole)
	if err != nil {
		s.sendError(conn, protocol.CodeInvalidRequest, err.Error())
		return ErrInvalidRole
	}
	if strings.TrimSpace(req.TargetUserID) == "" {
		s.sendError(conn, protocol.CodeInvalidRequest, "targetUserId is required")
		return ErrInvalidRequest
	}
	if current, ok := s.registry.Get(conn.ID()); ok {
		release := s.locks.lock(current.ProjectID)
		defer release()
	}

	decision, session, err := s.guard.AuthorizeRoleChange(ctx, conn.ID(), identity, req.ProjectID)
	if err != nil {
		s.metrics.roleChange("error")
		return err
	}
	if !decision.Allowed {
		s.metrics.roleChange("rejected")
		return nil
	}

	projectID := session.ProjectID
	if err := s.store.UpdateMembershipRole(ctx, projectID, req.TargetUserID, role); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.metrics.roleChange("rejected")
			s.sendError(conn, protocol.CodeInvalidRequest, "target user is not a member of this project")
			return ErrInvalidRequest
		}
		s.metrics.roleChange("error")
		s.log.Error("update role failed", "project_id", projectID, "target_user_id", req.TargetUserID, "error", err)
		return fmt.Errorf("update role: %w", err)
	}
	s.audit(ctx, projectID, session.UserID, domain.AuditUpdateRole, map[string]string{
		"target_user_id": req.TargetUserID,
		"new_role":       string(role),
	})
	touched := s.registry.UpdateRole(projectID, req.TargetUserID, role)
	s.metrics.roleChange("applied")
	s.log.Info("role changed",
		"project_id", projectID,
		"user_id", session.UserID,
		"target_user_id", req.TargetUserID,
		"role", string(role),
		"live_sessions", touched,
	)

	members, err := s.store.ListMemberships(ctx, projectID)
	if err != nil {
		s.log.Error("list memberships failed", "project_id", projectID, "error", err)
		return fmt.Errorf("list memberships: %w", err)
	}
	s.broadcast(projectID, protocol.EventPermissionsUpdated, protocol.PermissionsUpdated{
		ProjectID:   projectID,
		Permissions: permissionMap(members),
	}, "")
	s.broadcastPresence(projectID)
	return nil
}

// HandleMessage decodes one inbound frame and dispatches it. Failures are
// logged; only malformed requests are reported back to the connection.
func (s *Service) HandleMessage(ctx context.Context, conn ws.Subscriber, identity domain.Identity, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		s.sendError(conn, protocol.CodeInvalidRequest, "malformed frame")
		return
	}
	log := s.log.With("event", env.Event, "connection_id", conn.ID(), "user_id", identity.UserID)

	switch env.Event {
	case protocol.EventJoinProject:
		var req protocol.JoinProject
		if err := env.DecodeData(&req); err != nil {
			s.sendError(conn, protocol.CodeInvalidRequest, err.Error())
			return
		}
		if err := s.Join(ctx, conn, identity, req.ProjectID); err != nil && !errors.Is(err, ErrProjectNotFound) && !errors.Is(err, ErrInvalidRequest) {
			log.Warn("join failed", "error", err)
		}
	case protocol.EventLeaveProject:
		if err := s.Leave(ctx, conn); err != nil {
			log.Debug("leave ignored", "error", err)
		}
	case protocol.EventProjectUpdate:
		var req protocol.ProjectUpdate
		if err := env.DecodeData(&req); err != nil {
			s.sendError(conn, protocol.CodeInvalidRequest, err.Error())
			return
		}
		if _, err := s.ApplyUpdate(ctx, conn, identity, req); err != nil && !errors.Is(err, ErrInvalidRequest) {
			log.Warn("update failed", "error", err)
		}
	case protocol.EventUpdatePermission:
		var req protocol.UpdatePermission
		if err := env.DecodeData(&req); err != nil {
			s.sendError(conn, protocol.CodeInvalidRequest, err.Error())
			return
		}
		if err := s.ChangeRole(ctx, conn, identity, req); err != nil && !errors.Is(err, ErrInvalidRequest) && !errors.Is(err, ErrInvalidRole) {
			log.Warn("role change failed", "error", err)
		}
	default:
		log.Debug("ignoring unknown event")
	}
}

func (s *Service) broadcastPresence(projectID string) {
	s.broadcast(projectID, protocol.EventRoomUsersUpdate, protocol.RoomUsers{
		ProjectID: projectID,
		Users:     participants(s.registry.Presence(projectID)),
	}, "")
}

func (s *Service) broadcast(projectID, event string, data any, exclude string) {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		s.log.Error("encode broadcast failed", "event", event, "error", err)
		return
	}
	if _, err := s.rooms.Broadcast(projectID, frame, exclude); err != nil {
		s.log.Warn("broadcast failed", "event", event, "project_id", projectID, "error", err)
	}
}

func (s *Service) send(conn ws.Subscriber, event string, data any) {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		s.log.Error("encode frame failed", "event", event, "error", err)
		return
	}
	if err := conn.Send(frame); err != nil {
		s.log.Warn("send failed", "event", event, "connection_id", conn.ID(), "error", err)
	}
}

func (s *Service) sendError(conn ws.Subscriber, code, message string) {
	s.send(conn, protocol.EventProjectError, protocol.ProjectError{Code: code, Message: message})
}

func (s *Service) audit(ctx context.Context, projectID, userID, action string, details map[string]string) {
	raw, _ := json.Marshal(details)
	entry := &domain.AuditEntry{ProjectID: projectID, UserID: userID, Action: action, Details: raw}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.log.Error("append audit failed", "action", action, "project_id", projectID, "error", err)
	}
}

func permissionMap(members []domain.Membership) map[string]string {
	out := make(map[string]string, len(members))
	for userID, role := range domain.MembershipMap(members) {
		out[userID] = string(role)
	}
	return out
}

func participants(sessions []domain.Session) []protocol.Participant {
	out := make([]protocol.Participant, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, protocol.Participant{
			ConnectionID: s.ConnectionID,
			UserID:       s.UserID,
			DisplayName:  s.DisplayName,
			Role:         string(s.Role),
		})
	}
	return out
}
