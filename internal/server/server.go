package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/fluxworks/taskrunner/internal/approval"
	"github.com/fluxworks/taskrunner/internal/bgtask"
	"github.com/fluxworks/taskrunner/internal/chatlock"
	"github.com/fluxworks/taskrunner/internal/config"
	"github.com/fluxworks/taskrunner/internal/httputil"
	"github.com/fluxworks/taskrunner/internal/progress"
	"github.com/fluxworks/taskrunner/internal/ssebus"
)

// Deps is everything the HTTP boundary dispatches into. No handler holds
// any state beyond this struct.
type Deps struct {
	Runner       *bgtask.Runner
	Approvals    *approval.Manager
	Bus          *ssebus.Bus
	Lock         *chatlock.ChatLock
	Conversation *Conversation
	Progress     *progress.Tracker
	Auth         config.Config
}

// NewRouter builds the chi router for the §6.4 HTTP surface.
func NewRouter(deps *Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/api/events", eventsHandler(deps)) // query-param auth only; EventSource can't set headers

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(deps.Auth))

		r.Post("/api/chat", chatHandler(deps))
		r.Post("/api/command", commandHandler(deps))
		r.Get("/api/status", statusHandler(deps))
		r.Get("/api/history", historyHandler(deps))
		r.Post("/api/approval", approvalHandler(deps))
		r.Post("/api/sandbox/dispose", sandboxDisposeHandler(deps))

		r.Get("/api/bg-tasks", listTasksHandler(deps))
		r.Get("/api/bg-tasks/{taskId}", getTaskHandler(deps))
		r.Post("/api/bg-tasks/{taskId}/cancel", cancelTaskHandler(deps))
		r.Post("/api/bg-tasks/{taskId}/message", sendMessageHandler(deps))
		r.Post("/api/bg-tasks/{taskId}/chat", chatAsyncHandler(deps))
		r.Post("/api/bg-tasks/{taskId}/retry", retryTaskHandler(deps))
		r.Post("/api/bg-tasks/{taskId}/redo", redoTaskHandler(deps))
	})

	return r
}

// authMiddleware validates the Authorization: Bearer <tok> header per
// cfg.Auth.BearerMode: "static" compares against a shared secret, "jwt"
// validates an HMAC-signed token against the same secret as signing key.
func authMiddleware(cfg config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := bearerToken(r)
			if tok == "" {
				httputil.Unauthorized(w, "missing bearer token")
				return
			}
			if !validToken(cfg, tok) {
				httputil.Unauthorized(w, "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return r.URL.Query().Get("token")
}

func validToken(cfg config.Config, tok string) bool {
	if cfg.Auth.BearerSecret == "" {
		return true // no secret configured: auth disabled for local development
	}
	if cfg.Auth.BearerMode == "jwt" {
		parsed, err := jwt.Parse(tok, func(t *jwt.Token) (any, error) {
			return []byte(cfg.Auth.BearerSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		return err == nil && parsed.Valid
	}
	return tok == cfg.Auth.BearerSecret
}

func (deps *Deps) errorEvent(err error) ssebus.Event {
	return ssebus.Event{Type: ssebus.TypeError, Data: map[string]any{"error": err.Error()}}
}

func eventsHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !validToken(deps.Auth, r.URL.Query().Get("token")) {
			httputil.Unauthorized(w, "invalid token")
			return
		}
		deps.Bus.ServeHTTP(w, r)
	}
}
