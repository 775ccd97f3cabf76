package ws

import (
	"errors"
	"sort"
)

// ErrHubClosed is returned once the hub loop has stopped.
var ErrHubClosed = errors.New("ws: hub closed")

// Subscriber abstracts a streaming client.
type Subscriber interface {
	ID() string
	Send([]byte) error
	Close()
}

// Hub is the room directory: projectID -> connectionID -> subscriber. All
// mutations and fan-outs run on one loop goroutine, so broadcasts leave the hub
// in the order they were submitted.
type Hub struct {
	clients   map[string]map[string]Subscriber
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	query     chan query
	quit      chan struct{}
	done      chan struct{}
	onDrop    func(projectID string, client Subscriber)
}

// message couples payload with project identifier.
type message struct {
	projectID string
	payload   []byte
	exclude   string
	ack       chan int
}

// subscription defines register/unregister requests.
type subscription struct {
	projectID string
	client    Subscriber
	ack       chan struct{}
}

type query struct {
	projectID string
	reply     chan []string
}

// HubOption customises a hub.
type HubOption func(*Hub)

// WithDropHandler is invoked on the hub loop whenever a subscriber is removed
// because a send failed.
func WithDropHandler(fn func(projectID string, client Subscriber)) HubOption {
	return func(h *Hub) {
		h.onDrop = fn
	}
}

// NewHub creates an initialized Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients:   make(map[string]map[string]Subscriber),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
		query:     make(chan query),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.projectID]; !ok {
				h.clients[sub.projectID] = make(map[string]Subscriber)
			}
			h.clients[sub.projectID][sub.client.ID()] = sub.client
			close(sub.ack)
		case sub := <-h.unreg:
			h.remove(sub.projectID, sub.client.ID())
			close(sub.ack)
		case msg := <-h.broadcast:
			msg.ack <- h.fanOut(msg)
		case q := <-h.query:
			ids := make([]string, 0, len(h.clients[q.projectID]))
			for id := range h.clients[q.projectID] {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			q.reply <- ids
		case <-h.quit:
			return
		}
	}
}

func (h *Hub) fanOut(msg message) int {
	clients, ok := h.clients[msg.projectID]
	if !ok {
		return 0
	}
	ids := make([]string, 0, len(clients))
	for id := range clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	delivered := 0
	for _, id := range ids {
		if id == msg.exclude {
			continue
		}
		c := clients[id]
		if err := c.Send(msg.payload); err != nil {
			c.Close()
			h.remove(msg.projectID, id)
			if h.onDrop != nil {
				h.onDrop(msg.projectID, c)
			}
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) remove(projectID, id string) {
	if clients, ok := h.clients[projectID]; ok {
		delete(clients, id)
		if len(clients) == 0 {
			delete(h.clients, projectID)
		}
	}
}

// Register adds a client to a project room. It returns once the client is
// enumerable through Members, so callers may announce presence right after.
func (h *Hub) Register(projectID string, client Subscriber) error {
	sub := subscription{projectID: projectID, client: client, ack: make(chan struct{})}
	select {
	case h.register <- sub:
	case <-h.done:
		return ErrHubClosed
	}
	<-sub.ack
	return nil
}

// Unregister removes a client from a project room.
func (h *Hub) Unregister(projectID string, client Subscriber) error {
	sub := subscription{projectID: projectID, client: client, ack: make(chan struct{})}
	select {
	case h.unreg <- sub:
	case <-h.done:
		return ErrHubClosed
	}
	<-sub.ack
	return nil
}

// Broadcast sends payload to every client of the project except the excluded
// connection and reports how many sends succeeded.
func (h *Hub) Broadcast(projectID string, payload []byte, exclude string) (int, error) {
	msg := message{projectID: projectID, payload: payload, exclude: exclude, ack: make(chan int, 1)}
	select {
	case h.broadcast <- msg:
	case <-h.done:
		return 0, ErrHubClosed
	}
	return <-msg.ack, nil
}

// Members lists the connection ids registered for a project, sorted.
func (h *Hub) Members(projectID string) []string {
	q := query{projectID: projectID, reply: make(chan []string, 1)}
	select {
	case h.query <- q:
	case <-h.done:
		return nil
	}
	return <-q.reply
}

// Contains reports whether the connection is registered in the project room.
func (h *Hub) Contains(projectID, connectionID string) bool {
	for _, id := range h.Members(projectID) {
		if id == connectionID {
			return true
		}
	}
	return false
}

// Close stops the hub loop. Pending and later calls return ErrHubClosed.
func (h *Hub) Close() {
	select {
	case <-h.quit:
	default:
		close(h.quit)
	}
	<-h.done
}
