package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// SetupRoutes registers the versioned API on router
func SetupRoutes(router *mux.Router, handlers *Handlers) {
	api := router.PathPrefix("/api/v1").Subrouter()

	batches := api.PathPrefix("/batches").Subrouter()
	batches.HandleFunc("", handlers.CreateBatch).Methods("POST")
	batches.HandleFunc("", handlers.ListBatches).Methods("GET")
	batches.HandleFunc("/{jobId}", handlers.GetBatch).Methods("GET")
	batches.HandleFunc("/{jobId}/cancel", handlers.CancelBatch).Methods("POST")

	api.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
}

// NewRouter builds the full handler: routes, middleware and CORS.
func NewRouter(handlers *Handlers, allowedOrigins []string) http.Handler {
	router := mux.NewRouter()
	SetupRoutes(router, handlers)

	router.Use(LoggingMiddleware)
	router.Use(RecoveryMiddleware)

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(router)
}
