package http

import (
	"log/slog"
	"net/http"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/fleetboot/discovery/internal/auth"
	"github.com/fleetboot/discovery/internal/http/handlers"
	"github.com/fleetboot/discovery/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"
)

// RouterDeps collects what the router wires together
type RouterDeps struct {
	Provision    *handlers.ProvisionHandler
	Admin        *handlers.AdminHandler
	Health       *handlers.HealthHandler
	AdminTokens  *auth.AdminTokens
	AdminLimiter *middleware.RateLimiter
	Log          *slog.Logger
	// Ready backs /readyz; nil means always ready
	Ready *atomic.Bool
	// TrustProxyHeaders takes the client address from X-Forwarded-For and friends.
	// Only safe when every request arrives through a proxy that overwrites them.
	TrustProxyHeaders bool
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	if deps.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(func(next http.Handler) http.Handler {
		return httplogger.LoggingMiddlewareSlog(deps.Log, next)
	})
	r.Use(chimw.Recoverer)

	r.Get("/health", deps.Health.ServeHTTP)
	r.Get("/livez", handleLiveness)
	r.Get("/readyz", readinessHandler(deps.Ready))

	r.Post("/register", deps.Provision.HandleRegister)
	r.Post("/confirm", deps.Provision.HandleConfirm)

	// Admin routes (static admin token or session token)
	r.Group(func(r chi.Router) {
		if deps.AdminLimiter != nil {
			r.Use(middleware.RateLimitMiddleware(deps.AdminLimiter, middleware.GetIPKey))
		}
		r.Use(middleware.AdminAuth(deps.AdminTokens))
		r.Get("/stats", deps.Admin.HandleStats)
		r.Post("/admin/session", deps.Admin.HandleSession)
	})

	return r
}

func handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"alive"}`))
}

func readinessHandler(ready *atomic.Bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if ready != nil && !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not ready"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}
}
