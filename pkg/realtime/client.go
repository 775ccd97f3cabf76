// Package realtime is the client side of the collaboration protocol. A Client
// joins one project room, applies what the room sends, keeps local edits from
// echoing remote ones back, and queues edits made while the connection is
// down until the room has been rejoined.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Ahui-qn/2video/pkg/protocol"
)

// State is the lifecycle position of a Client.
type State int

const (
	// StateDisconnected means no transport and no pending reconnect.
	StateDisconnected State = iota
	// StateConnecting means the first dial is in flight.
	StateConnecting
	// StateJoining means the transport is open and a join awaits project-state.
	StateJoining
	// StateActive means the room has been joined and updates go straight out.
	StateActive
	// StateReconnecting means a joined connection was lost and is being restored.
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Outcome reports what Update did with a local edit.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	// OutcomeSent means the edit was written to the live connection.
	OutcomeSent
	// OutcomeQueued means the edit waits in the offline queue.
	OutcomeQueued
	// OutcomeSuppressed means the edit arrived while a remote update was being
	// applied and was treated as its echo.
	OutcomeSuppressed
	// OutcomeReadOnly means the cached role is viewer and nothing was sent.
	OutcomeReadOnly
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeQueued:
		return "queued"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeReadOnly:
		return "read_only"
	default:
		return "unknown"
	}
}

var (
	ErrProjectNotFound = errors.New("realtime: project not found")
	ErrReconnectFailed = errors.New("realtime: reconnect failed")
	ErrClosed          = errors.New("realtime: client closed")
	ErrNotAdmin        = errors.New("realtime: admin role required")
	ErrNotConnected    = errors.New("realtime: not connected")
	ErrDisconnected    = errors.New("realtime: connection lost")
	ErrEmptyUpdate     = errors.New("realtime: update carries no blobs")
)

const (
	roleViewer = "viewer"
	roleAdmin  = "admin"
)

// Options configures a Client. Zero durations and counts fall back to defaults.
type Options struct {
	ProjectID string
	Dial      DialFunc
	Logger    *slog.Logger

	MaxReconnectAttempts int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	// RandomizationFactor jitters backoff delays; zero disables jitter.
	RandomizationFactor float64
	// EchoSettle is how long local edits stay suppressed after a remote update
	// has been applied.
	EchoSettle  time.Duration
	JoinTimeout time.Duration

	OnSnapshot        func(protocol.ProjectState)
	OnRemoteUpdate    func(protocol.ProjectUpdated)
	OnPresence        func([]protocol.Participant)
	OnPermissions     func(map[string]string)
	OnStateChange     func(State)
	OnReconnectFailed func(error)
}

func (o Options) withDefaults() Options {
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 10
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.RandomizationFactor < 0 {
		o.RandomizationFactor = 0
	}
	if o.EchoSettle <= 0 {
		o.EchoSettle = 150 * time.Millisecond
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Client keeps one project room joined across transport failures.
type Client struct {
	opts Options
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}

	mu           sync.Mutex
	state        State
	conn         Conn
	gen          uint64
	joinWait     chan error
	role         string
	userID       string
	joinedOnce   bool
	reconnecting bool
	attempts     int
	err          error
	closed       bool
	queue        offlineQueue

	applying bool
	echoGen  uint64
}

// NewClient validates opts and returns a disconnected client.
func NewClient(opts Options) (*Client, error) {
	if opts.ProjectID == "" {
		return nil, fmt.Errorf("realtime: project id is required")
	}
	if opts.Dial == nil {
		return nil, fmt.Errorf("realtime: dial func is required")
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:   opts,
		log:    opts.Logger.With("project_id", opts.ProjectID),
		ctx:    ctx,
		cancel: cancel,
		kick:   make(chan struct{}, 1),
	}, nil
}

// Connect dials and joins the room, returning once project-state has been
// applied. ErrProjectNotFound is terminal for this attempt.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected || c.reconnecting {
		c.mu.Unlock()
		return fmt.Errorf("realtime: connect while %s", c.state)
	}
	c.state = StateConnecting
	c.err = nil
	c.mu.Unlock()
	c.emitState(StateConnecting)

	err := c.establish(ctx, false)
	if err != nil {
		c.mu.Lock()
		if !c.closed && c.conn == nil && !c.reconnecting {
			c.state = StateDisconnected
			c.err = err
		}
		c.mu.Unlock()
		c.emitState(c.State())
	}
	return err
}

// establish dials, sends join and waits for the room's answer.
func (c *Client) establish(ctx context.Context, rejoin bool) error {
	conn, err := c.opts.Dial(ctx)
	if err != nil {
		return err
	}

	wait := make(chan error, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.joinWait = wait
	c.state = StateJoining
	c.mu.Unlock()
	c.emitState(StateJoining)
	c.log.Debug("joining room", "rejoin", rejoin)

	frame, err := protocol.Encode(protocol.EventJoinProject, protocol.JoinProject{ProjectID: c.opts.ProjectID})
	if err != nil {
		c.abandon(gen, rejoin)
		return err
	}
	if err := conn.WriteFrame(frame); err != nil {
		c.abandon(gen, rejoin)
		return fmt.Errorf("send join: %w", err)
	}
	go c.readLoop(gen, conn)

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		c.abandon(gen, rejoin)
		return ctx.Err()
	}
}

// abandon drops a connection that never finished joining.
func (c *Client) abandon(gen uint64, rejoin bool) {
	c.mu.Lock()
	if c.gen != gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.detachLocked()
	if rejoin {
		c.state = StateReconnecting
	} else {
		c.state = StateDisconnected
	}
	state := c.state
	c.mu.Unlock()
	_ = conn.Close()
	c.emitState(state)
}

// detachLocked forgets the current connection so its reader's exit is ignored.
func (c *Client) detachLocked() Conn {
	conn := c.conn
	c.conn = nil
	c.gen++
	c.joinWait = nil
	return conn
}

func (c *Client) readLoop(gen uint64, conn Conn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			c.handleDrop(gen, err)
			return
		}
		c.dispatch(gen, frame)
	}
}

func (c *Client) handleDrop(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	wait := c.joinWait
	conn := c.detachLocked()
	startLoop := false
	if c.joinedOnce && !c.closed {
		c.state = StateReconnecting
		if !c.reconnecting {
			c.reconnecting = true
			startLoop = true
		}
	} else {
		c.state = StateDisconnected
	}
	state := c.state
	queued := c.queue.len()
	c.mu.Unlock()

	_ = conn.Close()
	if wait != nil {
		wait <- ErrDisconnected
	}
	c.log.Warn("connection lost", "err", cause, "queued", queued)
	c.emitState(state)
	if startLoop {
		go c.reconnectLoop()
	}
}

func (c *Client) dispatch(gen uint64, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		c.log.Warn("dropping malformed frame", "err", err)
		return
	}
	c.mu.Lock()
	stale := c.gen != gen
	c.mu.Unlock()
	if stale {
		return
	}

	switch env.Event {
	case protocol.EventProjectState:
		var state protocol.ProjectState
		if err := env.DecodeData(&state); err != nil {
			c.log.Warn("bad project-state", "err", err)
			return
		}
		c.joined(gen, state)
	case protocol.EventProjectUpdated:
		var updated protocol.ProjectUpdated
		if err := env.DecodeData(&updated); err != nil {
			c.log.Warn("bad project-updated", "err", err)
			return
		}
		c.applyRemote(func() {
			if c.opts.OnRemoteUpdate != nil {
				c.opts.OnRemoteUpdate(updated)
			}
		})
	case protocol.EventPermissionsUpdated:
		var perms protocol.PermissionsUpdated
		if err := env.DecodeData(&perms); err != nil {
			c.log.Warn("bad permissions-updated", "err", err)
			return
		}
		c.mu.Lock()
		if role, ok := perms.Permissions[c.userID]; ok && c.userID != "" {
			if role != c.role {
				c.log.Info("role changed", "from", c.role, "to", role)
			}
			c.role = role
		}
		c.mu.Unlock()
		if c.opts.OnPermissions != nil {
			c.opts.OnPermissions(perms.Permissions)
		}
	case protocol.EventRoomUsersUpdate:
		var users protocol.RoomUsers
		if err := env.DecodeData(&users); err != nil {
			c.log.Warn("bad room-users-update", "err", err)
			return
		}
		if c.opts.OnPresence != nil {
			c.opts.OnPresence(users.Users)
		}
	case protocol.EventProjectError:
		var perr protocol.ProjectError
		if err := env.DecodeData(&perr); err != nil {
			c.log.Warn("bad project-error", "err", err)
			return
		}
		c.projectError(gen, perr)
	default:
		c.log.Debug("ignoring event", "event", env.Event)
	}
}

// joined handles project-state: adopt the role, flush the offline queue in
// order, go active and hand the snapshot, with the flushed edits applied, to
// the caller.
func (c *Client) joined(gen uint64, state protocol.ProjectState) {
	c.mu.Lock()
	if c.gen != gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.role = state.Role
	c.userID = state.UserID

	var flushed []protocol.ProjectUpdate
	dropped := 0
	if c.role == roleViewer {
		dropped = c.queue.len()
		c.queue = offlineQueue{}
	} else {
		var err error
		flushed, err = c.queue.flush(c.conn.WriteFrame)
		if err != nil {
			// Leave the rest queued; the reader sees the broken transport next.
			conn := c.conn
			c.mu.Unlock()
			c.log.Warn("flush interrupted", "sent", len(flushed), "err", err)
			_ = conn.Close()
			return
		}
	}
	// The server never echoes our own edits, so the snapshot taken at join
	// time must carry the ones flushed behind it.
	state.Snapshot = overlay(state.Snapshot, flushed)

	wait := c.joinWait
	c.joinWait = nil
	c.state = StateActive
	c.attempts = 0
	c.err = nil
	rejoined := c.joinedOnce
	c.joinedOnce = true
	c.mu.Unlock()

	c.log.Info("joined room", "role", state.Role, "rejoin", rejoined, "flushed", len(flushed))
	if dropped > 0 {
		c.log.Warn("discarded queued updates for read-only role", "count", dropped)
	}
	c.emitState(StateActive)
	if c.opts.OnSnapshot != nil {
		c.opts.OnSnapshot(state)
	}
	if wait != nil {
		wait <- nil
	}
}

func (c *Client) projectError(gen uint64, perr protocol.ProjectError) {
	if perr.Code != protocol.CodeProjectNotFound {
		c.log.Warn("server rejected request", "code", perr.Code, "message", perr.Message)
		return
	}
	c.mu.Lock()
	if c.gen != gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	wait := c.joinWait
	conn := c.detachLocked()
	c.state = StateDisconnected
	c.err = ErrProjectNotFound
	c.mu.Unlock()

	_ = conn.Close()
	c.log.Warn("project not found")
	c.emitState(StateDisconnected)
	if wait != nil {
		wait <- ErrProjectNotFound
	}
}

// applyRemote raises the suppression flag before apply runs and lowers it one
// settle period later, unless a newer remote update has moved the window.
func (c *Client) applyRemote(apply func()) {
	c.mu.Lock()
	c.applying = true
	c.echoGen++
	gen := c.echoGen
	c.mu.Unlock()

	apply()

	time.AfterFunc(c.opts.EchoSettle, func() {
		c.mu.Lock()
		if c.echoGen == gen {
			c.applying = false
		}
		c.mu.Unlock()
	})
}

func (c *Client) reconnectLoop() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.RandomizationFactor = c.opts.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		c.mu.Lock()
		if c.closed {
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		if c.attempts >= c.opts.MaxReconnectAttempts {
			c.reconnecting = false
			c.state = StateDisconnected
			c.err = ErrReconnectFailed
			attempts := c.attempts
			c.mu.Unlock()
			c.log.Error("giving up on reconnect", "attempts", attempts)
			c.emitState(StateDisconnected)
			if c.opts.OnReconnectFailed != nil {
				c.opts.OnReconnectFailed(ErrReconnectFailed)
			}
			return
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		delay := b.NextBackOff()
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.kick:
			timer.Stop()
		case <-c.ctx.Done():
			timer.Stop()
			continue
		}

		ctx, cancel := context.WithTimeout(c.ctx, c.opts.JoinTimeout)
		err := c.establish(ctx, true)
		cancel()

		c.mu.Lock()
		switch {
		case err == nil && c.state != StateReconnecting:
			c.reconnecting = false
			c.mu.Unlock()
			return
		case errors.Is(err, ErrProjectNotFound):
			c.reconnecting = false
			c.mu.Unlock()
			return
		case err != nil && !c.closed:
			c.state = StateReconnecting
		}
		c.mu.Unlock()
		if err != nil {
			c.log.Warn("reconnect attempt failed", "attempt", attempt, "err", err)
		}
	}
}

// Reconnect cuts a pending backoff wait short, or starts a fresh round of
// attempts after the previous round gave up.
func (c *Client) Reconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.reconnecting {
		c.mu.Unlock()
		select {
		case c.kick <- struct{}{}:
		default:
		}
		return nil
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	if !c.joinedOnce {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.attempts = 0
	c.err = nil
	c.reconnecting = true
	c.state = StateReconnecting
	c.mu.Unlock()

	c.emitState(StateReconnecting)
	go c.reconnectLoop()
	return nil
}

// Update routes a local edit: suppressed while a remote update settles,
// refused for viewers, sent when active and queued otherwise.
func (c *Client) Update(update protocol.ProjectUpdate) (Outcome, error) {
	update = update.Normalized()
	if update.Empty() {
		return OutcomeUnknown, ErrEmptyUpdate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return OutcomeUnknown, ErrClosed
	}
	if c.applying {
		return OutcomeSuppressed, nil
	}
	if c.role == roleViewer {
		return OutcomeReadOnly, nil
	}

	update.ProjectID = c.opts.ProjectID
	frame, err := protocol.Encode(protocol.EventProjectUpdate, update)
	if err != nil {
		return OutcomeUnknown, err
	}
	if c.state == StateActive && c.conn != nil {
		err := c.conn.WriteFrame(frame)
		if err == nil {
			return OutcomeSent, nil
		}
		c.log.Warn("send failed, queueing update", "err", err)
	}
	c.queue.push(frame, update)
	return OutcomeQueued, nil
}

// ChangeRole asks the server to give targetUserID a new role.
func (c *Client) ChangeRole(targetUserID, role string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state != StateActive || c.conn == nil {
		return ErrNotConnected
	}
	if c.role != roleAdmin {
		return ErrNotAdmin
	}
	frame, err := protocol.Encode(protocol.EventUpdatePermission, protocol.UpdatePermission{
		ProjectID:    c.opts.ProjectID,
		TargetUserID: targetUserID,
		NewRole:      role,
	})
	if err != nil {
		return err
	}
	return c.conn.WriteFrame(frame)
}

// Close leaves the room and stops reconnecting. Queued edits are discarded.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wait := c.joinWait
	conn := c.detachLocked()
	active := c.state == StateActive
	c.state = StateDisconnected
	c.queue = offlineQueue{}
	c.mu.Unlock()

	c.cancel()
	if wait != nil {
		wait <- ErrClosed
	}
	var err error
	if conn != nil {
		if active {
			if frame, encErr := protocol.Encode(protocol.EventLeaveProject, protocol.LeaveProject{ProjectID: c.opts.ProjectID}); encErr == nil {
				_ = conn.WriteFrame(frame)
			}
		}
		err = conn.Close()
	}
	c.emitState(StateDisconnected)
	return err
}

func (c *Client) emitState(s State) {
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Role is the cached role from the last project-state or permissions-updated.
func (c *Client) Role() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Err reports why the client is disconnected, if it is.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.len()
}
