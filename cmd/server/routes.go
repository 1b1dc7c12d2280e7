package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ayush/bookshelf/internal/auth"
	"github.com/ayush/bookshelf/internal/catalog"
	"github.com/ayush/bookshelf/internal/httpx"
	"github.com/ayush/bookshelf/internal/middleware"
)

// revocationStore is satisfied by auth.RevocationStore. It is nil when
// Redis is not configured.
type revocationStore interface {
	auth.Revoker
	middleware.RevocationChecker
}

type application struct {
	corsOrigins    []string
	rateLimitRPS   float64
	rateLimitBurst int

	tokens      *auth.TokenIssuer
	revocations revocationStore
	users       *auth.Service
	books       *catalog.Service
}

// routes builds the HTTP handler. ctx bounds the rate limiter's sweeper.
func (app *application) routes(ctx context.Context) http.Handler {
	var revocations middleware.RevocationChecker
	var revoker auth.Revoker
	if app.revocations != nil {
		revocations = app.revocations
		revoker = app.revocations
	}
	requireAuth := middleware.RequireAuth(app.tokens, revocations)
	authHandler := auth.NewHandler(app.users, revoker)
	catalogHandler := catalog.NewHandler(app.books)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RateLimit(ctx, app.rateLimitRPS, app.rateLimitBurst))

	r.NotFound(httpx.NotFound)
	r.MethodNotAllowed(httpx.MethodNotAllowed)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Auth routes (register and login are public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)
		r.With(requireAuth).Post("/logout", authHandler.Logout)
		r.With(requireAuth).Get("/me", authHandler.Me)
	})

	// Book routes (protected)
	r.Route("/books", func(r chi.Router) {
		r.Use(requireAuth)
		catalogHandler.Routes(r)
	})

	return r
}
