package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with all login and token endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.AllowedOrigins))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", MetricsHandler(a.Registry))

	r.Route("/api/oauth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(a.Limiter.Middleware)

			r.Get("/google/auth-url", a.handleAuthURL)
			r.Get("/google/login", a.handleLoginRedirect)
			r.Post("/google/login", a.handleLoginPost)
			r.Get("/google/callback", a.handleCallback)
			r.Post("/refresh", a.handleRefresh)
		})

		r.With(RequireAccessToken(a.Tokens, a.Metrics)).Get("/me", a.handleMe)
		r.Post("/logout", a.handleLogout)
	})

	return r
}
