/**
 * @description
 * This file sets up the HTTP router for the transaction-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for the web client.
 */

package api

import (
	"net/http"
	"time"

	"github.com/ankitkr9911/Cipherstorm/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter builds the root router: shared middleware, /metrics, and the
// transaction routes mounted at /transactions.
func NewRouter(transactions http.Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	// RealIP rewrites RemoteAddr from X-Forwarded-For / X-Real-IP so enrichment
	// geolocates the client instead of the proxy.
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(metrics.Middleware)
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Device-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Handle("/metrics", metrics.Handler())
	r.Mount("/transactions", transactions)
	return r
}

// TransactionRoutes creates and returns a new router for the transaction service.
func TransactionRoutes(h *TransactionHandlers, auth func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(auth)

		r.Post("/", h.SubmitTransactionHandler)
		r.Get("/", h.ListTransactionsHandler)

		// Step-up verification for withheld transactions
		r.Post("/step-up/verify", h.VerifyChallengeHandler)
		r.Post("/step-up/resend", h.ResendChallengeHandler)
		r.Delete("/step-up", h.CancelChallengeHandler)

		r.Get("/{id}", h.GetTransactionByIDHandler)
		r.Delete("/{id}", h.DeleteTransactionHandler)
	})

	return r
}
