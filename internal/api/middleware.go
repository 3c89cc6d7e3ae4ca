// Package api implements the pagelink HTTP surfaces using chi: the relay's
// request methods and websocket endpoint, and the notebook agent's control API.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5"

	"github.com/starford/pagelink/internal/metrics"
	"github.com/starford/pagelink/internal/models"
)

// AuthMiddleware returns middleware that validates a Bearer token.
// If enabled is false, all requests pass through (disabled mode).
func AuthMiddleware(enabled bool, token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != token {
				writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Authenticator resolves notebook credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, notebookUUID, token string) (models.Notebook, error)
}

type notebookKey struct{}

// NotebookAuth requires "Authorization: Bearer <notebookUuid>:<token>" and
// stores the authenticated notebook in the request context.
func NotebookAuth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, token, ok := notebookCredentials(r.Header.Get("Authorization"))
			if !ok {
				writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
				return
			}
			nb, err := auth.Authenticate(r.Context(), id, token)
			if err != nil {
				writeError(w, "authenticate", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), notebookKey{}, nb)))
		})
	}
}

func notebookCredentials(header string) (id, token string, ok bool) {
	cred, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return "", "", false
	}
	id, token, ok = strings.Cut(cred, ":")
	return id, token, ok && id != "" && token != ""
}

// NotebookFrom returns the notebook NotebookAuth stored in ctx.
func NotebookFrom(ctx context.Context) (models.Notebook, bool) {
	nb, ok := ctx.Value(notebookKey{}).(models.Notebook)
	return nb, ok
}

// Capture logs every request with its status and duration and records relay
// method latency.
func Capture(log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)
			if method := chi.URLParam(r, "method"); method != "" {
				metrics.RelayMethodDuration.WithLabelValues(method, strconv.Itoa(m.Code)).Observe(m.Duration.Seconds())
			}
			log.Debug("handled",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", m.Code),
				slog.Duration("duration", m.Duration))
		})
	}
}
