package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ControlOptions configures the notebook control router.
type ControlOptions struct {
	// AuthEnabled enforces the static Bearer token on every /api route.
	AuthEnabled bool
	Token       string
	// Events, if non-nil, is mounted at GET /api/events.
	Events http.Handler
	Logger *slog.Logger
}

// NewRouter mounts the notebook control API under /api, plus health and
// metrics.
func NewRouter(nb Notebook, opts ControlOptions) chi.Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := NewHandler(nb)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Capture(opts.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(AuthMiddleware(opts.AuthEnabled, opts.Token))

		r.Get("/status", h.Status)

		// Shared pages.
		r.Get("/pages", h.ListPages)
		r.Get("/pages/read", h.ReadPage)
		r.Get("/pages/history", h.History)
		r.Post("/pages/share", h.SharePage)
		r.Post("/pages/invite", h.Invite)
		r.Post("/pages/update", h.pageAction("update page", nb.UpdatePage))
		r.Post("/pages/force", h.pageAction("force push", nb.Core().ForcePush))
		r.Post("/pages/resync", h.pageAction("resync", nb.Core().Resync))
		r.Post("/pages/disconnect", h.pageAction("disconnect", nb.Core().Disconnect))
		r.Post("/pages/catch-up", h.CatchUp)
		r.Post("/pages/link", h.LinkPage)
		r.Post("/pages/versions", h.SaveVersion)

		// Invitations.
		r.Get("/invites", h.ListInvites)
		r.Post("/invites/accept", h.AcceptInvite)
		r.Post("/invites/reject", h.RejectInvite)

		// Notifications.
		r.Get("/notifications", h.ListNotifications)
		r.Post("/notifications/{uuid}/act", h.ActOnNotification)
		r.Delete("/notifications/{uuid}", h.DismissNotification)

		// Cross-notebook requests.
		r.Get("/requests", h.ListRequests)
		r.Post("/requests", h.SendRequest)

		r.Get("/search", h.Search)

		if opts.Events != nil {
			r.Get("/events", opts.Events.ServeHTTP)
		}
	})

	return r
}
