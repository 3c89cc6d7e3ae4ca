package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/starford/pagelink/internal/hub"
	"github.com/starford/pagelink/internal/registry"
	"github.com/starford/pagelink/internal/transport"
)

const defaultAuthTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Notebooks are native agents, not browsers.
	CheckOrigin: func(*http.Request) bool { return true },
}

type wsHandler struct {
	svc  *registry.Service
	hub  *hub.Hub
	opts RelayOptions
	log  *slog.Logger
}

// ServeHTTP upgrades the request and runs the session. The first message
// must be AUTHENTICATION; the relay answers it and then attaches the
// notebook to the hub, which flushes messages stored while it was offline.
func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	connOpts := h.opts.Transport
	connOpts.Logger = h.log
	conn := transport.NewConn(ws, connOpts)
	defer conn.Close()

	// The session outlives the request context once hijacked.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authTimeout := h.opts.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = defaultAuthTimeout
	}
	var notebookUUID atomic.Value
	timer := time.AfterFunc(authTimeout, func() {
		if notebookUUID.Load() == nil {
			h.log.Info("websocket authentication timed out")
			cancel()
		}
	})
	defer timer.Stop()

	go conn.Keepalive(ctx, h.opts.Keepalive)

	err = conn.ReadLoop(ctx, func(ctx context.Context, msg transport.Message) {
		if id, ok := notebookUUID.Load().(string); ok {
			h.log.Warn("unexpected operation on websocket",
				slog.String("notebook_uuid", id),
				slog.String("operation", string(msg.Operation)))
			_ = conn.Emit(ctx, transport.OpError, transport.Error{Message: "unsupported operation " + string(msg.Operation)})
			return
		}
		id, ok := h.authenticate(ctx, conn, msg)
		if !ok {
			cancel()
			return
		}
		notebookUUID.Store(id)
		if err := h.hub.Attach(ctx, id, conn); err != nil {
			h.log.Warn("attach failed", slog.String("notebook_uuid", id), slog.String("error", err.Error()))
		}
	})
	if err != nil && ctx.Err() == nil {
		h.log.Info("websocket closed", slog.String("error", err.Error()))
	}
	if id, ok := notebookUUID.Load().(string); ok {
		h.hub.Detach(context.Background(), id, conn)
		h.log.Info("notebook disconnected", slog.String("notebook_uuid", id))
	}
}

func (h *wsHandler) authenticate(ctx context.Context, conn *transport.Conn, msg transport.Message) (string, bool) {
	fail := func(reason string) (string, bool) {
		_ = conn.Emit(ctx, transport.OpAuthentication, transport.Authentication{Success: false, Reason: reason})
		return "", false
	}
	if msg.Operation != transport.OpAuthentication {
		return fail("expected " + string(transport.OpAuthentication))
	}
	var auth transport.Authentication
	if err := msg.Decode(&auth); err != nil {
		return fail(err.Error())
	}
	nb, err := h.svc.Authenticate(ctx, auth.NotebookUUID, auth.Token)
	if err != nil {
		h.log.Info("websocket authentication failed", slog.String("notebook_uuid", auth.NotebookUUID))
		return fail("unauthorized")
	}
	if err := conn.Emit(ctx, transport.OpAuthentication, transport.Authentication{NotebookUUID: nb.UUID, Success: true}); err != nil {
		return "", false
	}
	h.log.Info("notebook connected",
		slog.String("notebook_uuid", nb.UUID),
		slog.String("app", nb.App),
		slog.String("workspace", nb.Workspace))
	return nb.UUID, true
}
