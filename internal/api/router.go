package api

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter mounts every endpoint behind CORS.
func NewRouter(h *Handler, allowedOrigins []string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	// Static route data
	r.Get("/api/styles", h.GetStyles)
	r.Get("/api/datasets/{dataset}", h.GetDataset)
	r.Get("/api/stations", h.GetStations)

	// Interactive sessions
	r.Post("/api/sessions", h.CreateSession)
	r.Route("/api/sessions/{id}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Delete("/", h.DeleteSession)
		r.Post("/pointer", h.Pointer)
		r.Post("/toggles", h.Toggle)
		r.Put("/camera", h.SetCamera)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found", nil)
	})

	return r
}

// LogEndpoints prints the endpoint list at startup.
func LogEndpoints(port string) {
	log.Printf("Rail map server starting on :%s", port)
	log.Println("Route data:")
	log.Println("  GET /api/styles")
	log.Println("  GET /api/datasets/{dataset}")
	log.Println("  GET /api/stations")
	log.Println("Sessions:")
	log.Println("  POST /api/sessions")
	log.Println("  GET /api/sessions/{id}")
	log.Println("  POST /api/sessions/{id}/pointer")
	log.Println("  POST /api/sessions/{id}/toggles")
	log.Println("  PUT /api/sessions/{id}/camera")
	log.Println("  DELETE /api/sessions/{id}")
	log.Println("Health:")
	log.Println("  GET /health")
}
