package ws

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialTestClient(t *testing.T, serve func(*Client)) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		client := NewClient(conn, logger, ClientOptions{PingPeriod: time.Minute})
		go client.WritePump()
		go client.ReadPump(func([]byte) {})
		serve(client)
	}))
	t.Cleanup(srv.Close)

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })
	return peer
}

func TestClientCloseFlushesQueueAndSendsCloseFrame(t *testing.T) {
	peer := dialTestClient(t, func(c *Client) {
		if err := c.Send([]byte("first")); err != nil {
			t.Errorf("send: %v", err)
		}
		if err := c.Send([]byte("second")); err != nil {
			t.Errorf("send: %v", err)
		}
		c.Close()
		if err := c.Send([]byte("late")); !errors.Is(err, ErrClientClosed) {
			t.Errorf("send after close: %v", err)
		}
		c.Close()
	})

	_ = peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	for _, want := range []string{"first", "second"} {
		_, frame, err := peer.ReadMessage()
		if err != nil {
			t.Fatalf("read %q: %v", want, err)
		}
		if string(frame) != want {
			t.Fatalf("expected %q, got %q", want, frame)
		}
	}
	_, _, err := peer.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected a normal close frame, got %v", err)
	}
}

func TestClientDoneAfterPeerLeaves(t *testing.T) {
	clients := make(chan *Client, 1)
	peer := dialTestClient(t, func(c *Client) { clients <- c })
	client := <-clients

	_ = peer.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
	_ = peer.Close()

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("client not closed after peer left")
	}
}
