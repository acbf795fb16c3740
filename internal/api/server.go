// It defines the control API, sets up the routes (endpoints)
// using chi, and links them to the handler functions.

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/vrsandeep/shipyard-go/internal/core"
)

// Server holds the dependencies for our API.
type Server struct {
	app *core.App
}

// NewServer creates a new Server instance.
func NewServer(app *core.App) *Server {
	return &Server{app: app}
}

// Router sets up and returns the main router for the application.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)    // Logs requests to the console
	r.Use(middleware.Recoverer) // Recovers from panics
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api", func(r chi.Router) {
		r.Post("/uploads", s.handleSubmitUploads)

		r.Get("/queue", s.handleGetQueue)
		r.Post("/queue/action", s.handleQueueAction)
		r.Post("/queue/items/{itemID}/retry", s.handleRetryItem)
		r.Post("/queue/items/{itemID}/cancel", s.handleCancelItem)
		r.Post("/queue/batches/{batchID}/retry", s.handleRetryBatch)
		r.Delete("/queue/batches/{batchID}", s.handleRemoveBatch)
	})

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.app.DB().Ping(); err != nil {
			RespondWithError(w, http.StatusServiceUnavailable, "Database connection failed")
			return
		}
		RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
