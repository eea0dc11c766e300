package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/adeshpande/callscribe/pkg/logger"
)

// Router wraps the chi router with the API handlers
type Router struct {
	handler *Handler
	logger  *logger.Logger
}

// NewRouter creates a new API router
func NewRouter(handler *Handler, log *logger.Logger) *Router {
	return &Router{
		handler: handler,
		logger:  log.Named("api-router"),
	}
}

// Routes builds the HTTP route tree
func (r *Router) Routes() http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Route("/api/v1", func(api chi.Router) {
		api.Get("/status", r.handler.GetStatus)

		api.Route("/recordings", func(rec chi.Router) {
			rec.Get("/", r.handler.GetRecordings)
			rec.Get("/{id}", r.handler.GetRecording)
			rec.Get("/{id}/transcript", r.handler.GetRecordingTranscript)
		})

		api.Route("/transcripts", func(tx chi.Router) {
			tx.Get("/", r.handler.GetAllTranscripts)
			tx.Get("/time-range", r.handler.GetTranscriptsByTimeRange)
		})

		api.Route("/runs", func(runs chi.Router) {
			runs.Get("/", r.handler.GetRuns)
			runs.Post("/", r.handler.StartRun)
		})
	})

	router.Get("/ws", r.handler.HandleWebSocket)

	return router
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
