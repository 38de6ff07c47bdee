// Package http provides HTTP routing and handlers for the habit API.
package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/quanta/habitsync/internal/middleware"
)

// NewRouter constructs the HTTP handler serving the API under /api.
//
// Routes:
//
//	POST   /api/register         → authHandler.Register (public)
//	GET    /api/health/          → healthHandler.Health (public)
//	GET    /api/{kind}/          → entityHandler.List
//	POST   /api/{kind}/          → entityHandler.Create
//	GET    /api/{kind}/{id}/     → entityHandler.Get
//	PUT    /api/{kind}/{id}/     → entityHandler.Update
//	DELETE /api/{kind}/{id}/     → entityHandler.Delete
//
// Middleware chain (applied in order):
//  1. AllowContentType("application/json") rejects non-JSON bodies
//  2. WithRequestLogging(logger) logs every request
//  3. BearerAuth(resolver) authenticates everything but the public routes
func NewRouter(
	authHandler *AuthHandler,
	entityHandler *EntityHandler,
	healthHandler *HealthHandler,
	resolver middleware.TokenResolver,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.AllowContentType("application/json"))
	r.Use(middleware.WithRequestLogging(logger))
	r.Use(middleware.BearerAuth(resolver))

	r.Route("/api", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Get("/health/", healthHandler.Health)

		r.Route("/{kind}", func(r chi.Router) {
			r.Get("/", entityHandler.List)
			r.Post("/", entityHandler.Create)
			r.Get("/{id}/", entityHandler.Get)
			r.Put("/{id}/", entityHandler.Update)
			r.Delete("/{id}/", entityHandler.Delete)
		})
	})

	return r
}
