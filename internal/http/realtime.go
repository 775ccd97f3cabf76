package httpx

import (
	"context"
	"net/http"

	"github.com/Ahui-qn/2video/internal/ws"
)

// handleRealtime upgrades the request and feeds every inbound frame to the
// collaboration engine until the peer disconnects.
func (r *Router) handleRealtime(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.collab == nil {
		writeError(w, http.StatusServiceUnavailable, "realtime unavailable")
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.recordUpgrade("error")
		r.logger.Warn("websocket upgrade failed", "error", err, "user_id", info.UserID)
		return
	}
	r.recordUpgrade("ok")

	client := ws.NewClient(conn, r.logger.With("component", "realtime", "user_id", info.UserID), r.wsOpts)
	ctx, cancel := context.WithCancel(context.WithoutCancel(req.Context()))
	defer cancel()

	go client.WritePump()
	client.ReadPump(func(frame []byte) {
		r.collab.HandleMessage(ctx, client, info.Identity, frame)
	})
	r.collab.Disconnect(ctx, client)
}
