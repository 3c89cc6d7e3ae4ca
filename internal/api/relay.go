package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/hub"
	"github.com/starford/pagelink/internal/models"
	"github.com/starford/pagelink/internal/registry"
	"github.com/starford/pagelink/internal/transport"
)

// methodFunc runs one relay method for an authenticated notebook.
type methodFunc func(ctx context.Context, nb models.Notebook, w http.ResponseWriter, r *http.Request) (any, error)

// call adapts a service method with a result.
func call[Req, Resp any](fn func(context.Context, models.Notebook, Req) (Resp, error)) methodFunc {
	return func(ctx context.Context, nb models.Notebook, w http.ResponseWriter, r *http.Request) (any, error) {
		var req Req
		if err := decodeBody(w, r, &req); err != nil {
			return nil, fmt.Errorf("api: decode body: %v: %w", err, apperr.ErrInvalidInput)
		}
		return fn(ctx, nb, req)
	}
}

// exec adapts a service method that only reports success.
func exec[Req any](fn func(context.Context, models.Notebook, Req) error) methodFunc {
	return call(func(ctx context.Context, nb models.Notebook, req Req) (models.Empty, error) {
		return models.Empty{}, fn(ctx, nb, req)
	})
}

func relayMethods(svc *registry.Service) map[string]methodFunc {
	return map[string]methodFunc{
		models.MethodInitSharedPage:       call(svc.InitSharedPage),
		models.MethodJoinSharedPage:       call(svc.JoinSharedPage),
		models.MethodRevertPageJoin:       exec(svc.RevertPageJoin),
		models.MethodUpdateSharedPage:     call(svc.UpdateSharedPage),
		models.MethodForcePushPage:        call(svc.ForcePushPage),
		models.MethodRequestPageUpdate:    exec(svc.RequestPageUpdate),
		models.MethodPageUpdateResponse:   exec(svc.PageUpdateResponse),
		models.MethodInviteNotebookToPage: exec(svc.InviteNotebookToPage),
		models.MethodRemovePageInvite:     exec(svc.RemovePageInvite),
		models.MethodListPageNotebooks:    call(svc.ListPageNotebooks),
		models.MethodDisconnectSharedPage: exec(svc.DisconnectSharedPage),
		models.MethodNotebookRequest:      call(svc.NotebookRequest),
		models.MethodNotebookResponse:     exec(svc.NotebookResponse),
		models.MethodSavePageVersion:      call(svc.SavePageVersion),
		models.MethodGetSharedPage:        call(svc.GetSharedPage),
		models.MethodLinkDifferentPage:    exec(svc.LinkDifferentPage),
		models.MethodGetPageHistory:       call(svc.GetPageHistory),
		models.MethodListSharedPages: func(ctx context.Context, nb models.Notebook, _ http.ResponseWriter, _ *http.Request) (any, error) {
			return svc.ListSharedPages(ctx, nb)
		},
	}
}

// RelayOptions configures the relay router.
type RelayOptions struct {
	Transport transport.ConnOptions
	Keepalive time.Duration
	// AuthTimeout bounds the wait for the AUTHENTICATION message on /ws.
	AuthTimeout time.Duration
	Logger      *slog.Logger
}

// NewRelayRouter mounts the relay surfaces: request methods under /api, the
// websocket at /ws, health checks and metrics.
func NewRelayRouter(svc *registry.Service, h *hub.Hub, opts RelayOptions) chi.Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	methods := relayMethods(svc)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Capture(opts.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Store().Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(NotebookAuth(svc))
		r.Post("/api/{method}", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "method")
			fn, ok := methods[name]
			if !ok {
				writeJSON(w, http.StatusNotFound, errorBody("unknown method "+name))
				return
			}
			nb, _ := NotebookFrom(r.Context())
			resp, err := fn(r.Context(), nb, w, r)
			if err != nil {
				writeError(w, name, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})
	})

	ws := &wsHandler{svc: svc, hub: h, opts: opts, log: opts.Logger}
	r.Get("/ws", ws.ServeHTTP)
	return r
}
