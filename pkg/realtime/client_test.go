package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Ahui-qn/2video/pkg/protocol"
)

const selfID = "u-self"

type fakeConn struct {
	server *fakeServer
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	frames []protocol.Envelope
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteFrame(frame []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	env, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, env)
	c.mu.Unlock()
	if env.Event == protocol.EventJoinProject {
		c.server.answerJoin(c)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) written(event string) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range c.frames {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeConn) push(t *testing.T, event string, data any) {
	t.Helper()
	frame, err := protocol.Encode(event, data)
	require.NoError(t, err)
	c.in <- frame
}

// fakeServer answers joins with project-state for the configured role.
type fakeServer struct {
	mu       sync.Mutex
	role     string
	notFound bool
	refuse   bool
	dials    int
	conns    []*fakeConn
}

func (s *fakeServer) dial(ctx context.Context) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.refuse {
		return nil, errors.New("connection refused")
	}
	conn := &fakeConn{server: s, in: make(chan []byte, 64), closed: make(chan struct{})}
	s.conns = append(s.conns, conn)
	return conn, nil
}

func (s *fakeServer) answerJoin(c *fakeConn) {
	s.mu.Lock()
	role, notFound := s.role, s.notFound
	s.mu.Unlock()
	var (
		frame []byte
		err   error
	)
	if notFound {
		frame, err = protocol.Encode(protocol.EventProjectError, protocol.ProjectError{Code: protocol.CodeProjectNotFound, Message: "project not found"})
	} else {
		frame, err = protocol.Encode(protocol.EventProjectState, protocol.ProjectState{
			ProjectID:   "p1",
			UserID:      selfID,
			Role:        role,
			Permissions: map[string]string{selfID: role},
			Snapshot: protocol.Snapshot{
				DocumentBlob: json.RawMessage(`{"scenes":[]}`),
				ScriptBlob:   json.RawMessage(`{"lines":[]}`),
			},
		})
	}
	if err == nil {
		c.in <- frame
	}
}

func (s *fakeServer) set(fn func(s *fakeServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeServer) latest() *fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[len(s.conns)-1]
}

func (s *fakeServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *fakeServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func newTestClient(t *testing.T, srv *fakeServer, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		ProjectID:      "p1",
		Dial:           srv.dial,
		InitialBackoff: time.Hour,
		MaxBackoff:     time.Hour,
		EchoSettle:     50 * time.Millisecond,
		JoinTimeout:    time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := NewClient(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func doc(v string) protocol.ProjectUpdate {
	return protocol.ProjectUpdate{DocumentBlob: json.RawMessage(`{"v":"` + v + `"}`)}
}

func updateValues(t *testing.T, envs []protocol.Envelope) []string {
	t.Helper()
	out := make([]string, 0, len(envs))
	for _, env := range envs {
		var u protocol.ProjectUpdate
		require.NoError(t, env.DecodeData(&u))
		var body struct {
			V string `json:"v"`
		}
		require.NoError(t, json.Unmarshal(u.DocumentBlob, &body))
		require.Equal(t, "p1", u.ProjectID)
		out = append(out, body.V)
	}
	return out
}

func TestNewClientValidatesOptions(t *testing.T) {
	_, err := NewClient(Options{Dial: (&fakeServer{}).dial})
	require.Error(t, err)
	_, err = NewClient(Options{ProjectID: "p1"})
	require.Error(t, err)
}

func TestConnectJoinsAndSends(t *testing.T) {
	srv := &fakeServer{role: "editor"}
	var snapshots atomic.Int32
	c := newTestClient(t, srv, func(o *Options) {
		o.OnSnapshot = func(protocol.ProjectState) { snapshots.Add(1) }
	})

	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, StateActive, c.State())
	require.Equal(t, "editor", c.Role())
	require.Equal(t, selfID, c.UserID())
	require.EqualValues(t, 1, snapshots.Load())

	outcome, err := c.Update(doc("a"))
	require.NoError(t, err)
	require.Equal(t, OutcomeSent, outcome)
	require.Equal(t, []string{"a"}, updateValues(t, srv.latest().written(protocol.EventProjectUpdate)))

	_, err = c.Update(protocol.ProjectUpdate{DocumentBlob: json.RawMessage("null")})
	require.ErrorIs(t, err, ErrEmptyUpdate)
}

func TestConnectProjectNotFound(t *testing.T) {
	srv := &fakeServer{notFound: true}
	c := newTestClient(t, srv, nil)

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrProjectNotFound)
	require.Equal(t, StateDisconnected, c.State())
	require.ErrorIs(t, c.Err(), ErrProjectNotFound)
}

func TestRemoteUpdateIsNotEchoed(t *testing.T) {
	srv := &fakeServer{role: "editor"}
	echoes := make(chan Outcome, 1)
	var c *Client
	c = newTestClient(t, srv, func(o *Options) {
		o.EchoSettle = 100 * time.Millisecond
		o.OnRemoteUpdate = func(u protocol.ProjectUpdated) {
			// a local store reacting to the remote write tries to publish it
			outcome, _ := c.Update(u.Update())
			echoes <- outcome
		}
	})
	require.NoError(t, c.Connect(context.Background()))

	srv.latest().push(t, protocol.EventProjectUpdated, protocol.ProjectUpdated{
		ProjectID:    "p1",
		DocumentBlob: json.RawMessage(`{"v":"remote"}`),
		UpdatedBy:    protocol.Attribution{UserID: "u-other"},
	})
	select {
	case outcome := <-echoes:
		require.Equal(t, OutcomeSuppressed, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("remote update was not applied")
	}

	// still inside the settle window
	outcome, err := c.Update(doc("late-effect"))
	require.NoError(t, err)
	require.Equal(t, OutcomeSuppressed, outcome)
	require.Empty(t, srv.latest().written(protocol.EventProjectUpdate))

	require.Eventually(t, func() bool {
		outcome, err := c.Update(doc("local"))
		return err == nil && outcome == OutcomeSent
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"local"}, updateValues(t, srv.latest().written(protocol.EventProjectUpdate)))
}

func TestNewerRemoteUpdateExtendsSettleWindow(t *testing.T) {
	srv := &fakeServer{role: "editor"}
	applied := make(chan struct{}, 4)
	c := newTestClient(t, srv, func(o *Options) {
		o.EchoSettle = 300 * time.Millisecond
		o.OnRemoteUpdate = func(protocol.ProjectUpdated) { applied <- struct{}{} }
	})
	require.NoError(t, c.Connect(context.Background()))

	remote := protocol.ProjectUpdated{ProjectID: "p1", ScriptBlob: json.RawMessage(`"s"`)}
	srv.latest().push(t, protocol.EventProjectUpdated, remote)
	<-applied
	time.Sleep(200 * time.Millisecond)
	srv.latest().push(t, protocol.EventProjectUpdated, remote)
	<-applied
	time.Sleep(200 * time.Millisecond)

	// the first window has expired but the second has not
	outcome, err := c.Update(doc("x"))
	require.NoError(t, err)
	require.Equal(t, OutcomeSuppressed, outcome)
}

func TestViewerNeverSends(t *testing.T) {
	srv := &fakeServer{role: "viewer"}
	c := newTestClient(t, srv, nil)
	require.NoError(t, c.Connect(context.Background()))

	outcome, err := c.Update(doc("a"))
	require.NoError(t, err)
	require.Equal(t, OutcomeReadOnly, outcome)
	require.Zero(t, c.QueueLen())
	require.Empty(t, srv.latest().written(protocol.EventProjectUpdate))
	require.ErrorIs(t, c.ChangeRole("u2", "editor"), ErrNotAdmin)
}

func TestPermissionsUpdatedChangesCachedRole(t *testing.T) {
	srv := &fakeServer{role: "viewer"}
	perms := make(chan map[string]string, 1)
	c := newTestClient(t, srv, func(o *Options) {
		o.OnPermissions = func(m map[string]string) { perms <- m }
	})
	require.NoError(t, c.Connect(context.Background()))

	srv.latest().push(t, protocol.EventPermissionsUpdated, protocol.PermissionsUpdated{
		ProjectID:   "p1",
		Permissions: map[string]string{selfID: "admin", "u2": "viewer"},
	})
	select {
	case m := <-perms:
		require.Equal(t, "admin", m[selfID])
	case <-time.After(2 * time.Second):
		t.Fatal("permissions not delivered")
	}
	require.Equal(t, "admin", c.Role())

	outcome, err := c.Update(doc("now-allowed"))
	require.NoError(t, err)
	require.Equal(t, OutcomeSent, outcome)

	require.NoError(t, c.ChangeRole("u2", "editor"))
	sent := srv.latest().written(protocol.EventUpdatePermission)
	require.Len(t, sent, 1)
	var req protocol.UpdatePermission
	require.NoError(t, sent[0].DecodeData(&req))
	require.Equal(t, protocol.UpdatePermission{ProjectID: "p1", TargetUserID: "u2", NewRole: "editor"}, req)
}

func TestPresenceDelivered(t *testing.T) {
	srv := &fakeServer{role: "editor"}
	presence := make(chan []protocol.Participant, 1)
	c := newTestClient(t, srv, func(o *Options) {
		o.OnPresence = func(users []protocol.Participant) { presence <- users }
	})
	require.NoError(t, c.Connect(context.Background()))

	srv.latest().push(t, protocol.EventRoomUsersUpdate, protocol.RoomUsers{
		ProjectID: "p1",
		Users:     []protocol.Participant{{ConnectionID: "c1", UserID: selfID, Role: "editor"}},
	})
	select {
	case users := <-presence:
		require.Len(t, users, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("presence not delivered")
	}
}

func TestOfflineUpdatesFlushInOrderAfterRejoin(t *testing.T) {
	srv := &fakeServer{role: "editor"}
	c := newTestClient(t, srv, nil)
	require.NoError(t, c.Connect(context.Background()))
	first := srv.latest()

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return c.State() == StateReconnecting }, 2*time.Second, 5*time.Millisecond)

	for _, v := range []string{"u1", "u2", "u3"} {
		outcome, err := c.Update(doc(v))
		require.NoError(t, err)
		require.Equal(t, OutcomeQueued, outcome)
	}
	require.Equal(t, 3, c.QueueLen())

	// backoff is an hour; Reconnect cuts the wait short
	require.NoError(t, c.Reconnect())
	require.Eventually(t, func() bool { return c.State() == StateActive }, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, c.QueueLen())

	second := srv.latest()
	require.NotSame(t, first, second)
	second.mu.Lock()
	events := make([]string, 0, len(second.frames))
	for _, env := range second.frames {
		events = append(events, env.Event)
	}
	second.mu.Unlock()
	require.Equal(t, []string{
		protocol.EventJoinProject,
		protocol.EventProjectUpdate,
		protocol.EventProjectUpdate,
		protocol.EventProjectUpdate,
	}, events)
	require.Equal(t, []string{"u1", "u2", "u3"}, updateValues(t, second.written(protocol.EventProjectUpdate)))
}

func TestRejoinSnapshotCarriesFlushedEdits(t *testing.T) {
	srv := &fakeServer{role: "editor"}
	var (
		mu        sync.Mutex
		snapshots []protocol.Snapshot
	)
	c := newTestClient(t, srv, func(o *Options) {
		o.OnSnapshot = func(state protocol.ProjectState) {
			mu.Lock()
			snapshots = append(snapshots, state.Snapshot)
			mu.Unlock()
		}
	})
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, srv.latest().Close())
	require.Eventually(t, func() bool { return c.State() == StateReconnecting }, 2*time.Second, 5*time.Millisecond)

	for _, v := range []string{"1", "2", "3"} {
		_, err := c.Update(doc(v))
		require.NoError(t, err)
	}
	require.NoError(t, c.Reconnect())
	require.Eventually(t, func() bool { return c.State() == StateActive }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snapshots, 2)
	require.JSONEq(t, `{"scenes":[]}`, string(snapshots[0].DocumentBlob))
	require.JSONEq(t, `{"v":"3"}`, string(snapshots[1].DocumentBlob))
	require.JSONEq(t, `{"lines":[]}`, string(snapshots[1].ScriptBlob))
}

func TestViewerRejoinSnapshotDropsQueuedEdits(t *testing.T) {
	srv := &fakeServer{role: "editor"}
	var last atomic.Value
	c := newTestClient(t, srv, func(o *Options) {
		o.OnSnapshot = func(state protocol.ProjectState) { last.Store(state.Snapshot) }
	})
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, srv.latest().Close())
	require.Eventually(t, func() bool { return c.State() == StateReconnecting }, 2*time.Second, 5*time.Millisecond)

	_, err := c.Update(doc("offline"))
	require.NoError(t, err)
	srv.set(func(s *fakeServer) { s.role = "viewer" })
	require.NoError(t, c.Reconnect())
	require.Eventually(t, func() bool { return c.State() == StateActive }, 2*time.Second, 5*time.Millisecond)

	require.Zero(t, c.QueueLen())
	require.Empty(t, srv.latest().written(protocol.EventProjectUpdate))
	snap := last.Load().(protocol.Snapshot)
	require.JSONEq(t, `{"scenes":[]}`, string(snap.DocumentBlob))
}

func TestReconnectGivesUpAfterBoundedAttempts(t *testing.T) {
	srv := &fakeServer{role: "editor"}
	var failures atomic.Int32
	var states sync.Map
	c := newTestClient(t, srv, func(o *Options) {
		o.MaxReconnectAttempts = 3
		o.InitialBackoff = 5 * time.Millisecond
		o.MaxBackoff = 10 * time.Millisecond
		o.OnReconnectFailed = func(error) { failures.Add(1) }
		o.OnStateChange = func(s State) { states.Store(s, true) }
	})
	require.NoError(t, c.Connect(context.Background()))

	srv.set(func(s *fakeServer) { s.refuse = true })
	require.NoError(t, srv.latest().Close())

	require.Eventually(t, func() bool { return errors.Is(c.Err(), ErrReconnectFailed) }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, StateDisconnected, c.State())
	require.Equal(t, 4, srv.dialCount())
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, failures.Load())
	_, sawReconnecting := states.Load(StateReconnecting)
	require.True(t, sawReconnecting)

	// a manual retry starts a fresh round
	srv.set(func(s *fakeServer) { s.refuse = false })
	require.NoError(t, c.Reconnect())
	require.Eventually(t, func() bool { return c.State() == StateActive }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Err())
	require.Equal(t, 2, srv.connCount())
}

func TestProjectDeletedWhileReconnecting(t *testing.T) {
	srv := &fakeServer{role: "editor"}
	c := newTestClient(t, srv, func(o *Options) {
		o.InitialBackoff = 5 * time.Millisecond
		o.MaxBackoff = 5 * time.Millisecond
	})
	require.NoError(t, c.Connect(context.Background()))

	srv.set(func(s *fakeServer) { s.notFound = true })
	require.NoError(t, srv.latest().Close())

	require.Eventually(t, func() bool { return errors.Is(c.Err(), ErrProjectNotFound) }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, StateDisconnected, c.State())
	require.Equal(t, 2, srv.dialCount())
}

func TestCloseSendsLeaveAndStops(t *testing.T) {
	srv := &fakeServer{role: "editor"}
	c := newTestClient(t, srv, nil)
	require.NoError(t, c.Connect(context.Background()))
	conn := srv.latest()

	require.NoError(t, c.Close())
	require.Len(t, conn.written(protocol.EventLeaveProject), 1)
	require.Equal(t, StateDisconnected, c.State())

	_, err := c.Update(doc("a"))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
	require.ErrorIs(t, c.Reconnect(), ErrClosed)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, srv.dialCount())
}

func TestOfflineQueueFlushStopsAtFailure(t *testing.T) {
	var q offlineQueue
	for _, v := range []string{"1", "2", "3"} {
		q.push([]byte(v), doc(v))
	}

	var got []string
	sent, err := q.flush(func(frame []byte) error {
		if string(frame) == "2" {
			return errors.New("broken")
		}
		got = append(got, string(frame))
		return nil
	})
	require.Error(t, err)
	require.Len(t, sent, 1)
	require.Equal(t, []string{"1"}, got)
	require.Equal(t, 2, q.len())

	sent, err = q.flush(func([]byte) error { return nil })
	require.NoError(t, err)
	require.Equal(t, []protocol.ProjectUpdate{doc("2"), doc("3")}, sent)
	require.Zero(t, q.len())
}

func TestOverlayAppliesUpdatesInOrder(t *testing.T) {
	base := protocol.Snapshot{
		DocumentBlob: json.RawMessage(`{"v":"base"}`),
		ScriptBlob:   json.RawMessage(`{"lines":[]}`),
	}
	script := protocol.ProjectUpdate{ScriptBlob: json.RawMessage(`{"lines":["a"]}`)}

	got := overlay(base, []protocol.ProjectUpdate{doc("1"), script, doc("2")})
	require.JSONEq(t, `{"v":"2"}`, string(got.DocumentBlob))
	require.JSONEq(t, `{"lines":["a"]}`, string(got.ScriptBlob))
	require.Equal(t, base, overlay(base, nil))
}

func TestWebsocketURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:4000":       "ws://localhost:4000/ws",
		"https://collab.example.com/": "wss://collab.example.com/ws",
		"ws://host/ws":                "ws://host/ws",
	}
	for in, want := range cases {
		got, err := websocketURL(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := websocketURL("ftp://host")
	require.Error(t, err)
}
