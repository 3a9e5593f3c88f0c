package api

import (
	"net/http"

	"github.com/Kingdread/Eltrur/pkg/config"
	"github.com/Kingdread/Eltrur/pkg/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors" // Import CORS package
)

// SetupRouter initializes the Chi router and defines the endpoints.
// m may be nil, in which case /metrics is not served.
func SetupRouter(api *API, cfg *config.Config, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()

	// --- CORS Configuration ---
	// Read routes are public; uploads and deletes are guarded by the upload key.
	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", uploadKeyHeader},
		ExposedHeaders: []string{"Location", "Content-Disposition"},
		MaxAge:         300, // Maximum value not ignored by any of major browsers
	})

	// --- Standard Middleware Stack ---
	r.Use(corsMiddleware.Handler) // Apply CORS middleware FIRST or early
	r.Use(middleware.RequestID)   // Assign unique request IDs
	r.Use(middleware.RealIP)      // Get real client IP
	// Replace chi's default logger with our custom structured logger
	r.Use(StructuredRequestLogger(api.Logger))
	r.Use(m.Middleware)         // No-op when metrics are disabled
	r.Use(middleware.Recoverer) // Recover from panics
	// Set a reasonable timeout for all requests using config
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	// Basic health check endpoint (doesn't need API struct)
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	r.Get("/", api.HandleListBuilds)
	r.Post("/upload", api.HandleUpload)

	r.Route("/build/{build}", func(r chi.Router) {
		r.Get("/", api.HandleGetBuild)
		r.Delete("/", api.HandleDeleteBuild)

		r.Route("/job/{job}", func(r chi.Router) {
			r.Get("/", api.HandleGetJob)
			r.Delete("/", api.HandleDeleteJob)
			r.Get("/image/{test}", api.HandleGetImage)
		})
	})

	return r
}
