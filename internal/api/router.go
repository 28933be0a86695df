/**
 * @description
 * This file sets up the HTTP router for the transfer-service. Every route except the
 * health check requires an authenticated user.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: Routing and standard middleware.
 * - github.com/go-chi/cors: Browser origin policy for the web client.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the transfer-service router.
func NewRouter(h *Handler, auth func(http.Handler) http.Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Auth-Subject"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth)

		r.Post("/transfers", h.SubmitTransferHandler)

		r.Post("/banks/link", h.LinkBankHandler)
		r.Post("/banks/fix-all", h.FixAllBanksHandler)
		r.Get("/banks/diagnostics", h.DiagnosticsHandler)
		r.Post("/banks/{bankID}/funding-source", h.CreateFundingSourceHandler)

		r.Post("/customers/dwolla", h.EnsureCustomerHandler)
	})

	return r
}
