/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests from the planning frontend
  5. Rate limit: /api/documents only, when Handler.Limiter is set

ROUTE GROUPS:
  /api/health           Liveness
  /api/documents/*      Produce, validate, import, finalize documents
  /api/estimates        Estimate mode over stored actuals
  /api/scenarios/*      Demo scenarios and reset (dev only)
  /                     Endpoint index

SECURITY NOTE:
  No authentication middleware. All endpoints are public. Callers pass the
  scope they expect (division, owner) as query parameters; the server never
  derives it from a session.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultOrigins are the CORS origins used when none are configured.
var DefaultOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	if len(origins) == 0 {
		origins = DefaultOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition", HeaderDocumentID},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		// Document routes
		r.Route("/documents", func(r chi.Router) {
			r.Use(h.rateLimit)
			r.Post("/", h.ProduceDocument)
			r.Post("/validate", h.ValidateDocument)
			r.Post("/import", h.ImportDocument)
			r.Post("/finalize", h.FinalizeDocument)
		})

		r.Post("/estimates", h.Estimate)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Budget Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Budget Engine API</h1>
<h2>API Endpoints</h2>
<ul>
<li>POST /api/documents - Produce a budget document</li>
<li>POST /api/documents/validate - Validate a document without importing</li>
<li>POST /api/documents/import - Import a final document</li>
<li>POST /api/documents/finalize - Save an edited draft as final</li>
<li>POST /api/estimates - Estimate missing months</li>
<li><a href="/api/scenarios">/api/scenarios</a> - List demo scenarios</li>
</ul>
</body>
</html>`))
	})

	return r
}

// rateLimit rejects requests beyond the handler's limiter. A nil limiter
// lets everything through.
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Limiter != nil && !h.Limiter.Allow() {
			slog.Warn("rate limit exceeded",
				"method", r.Method,
				"path", r.URL.Path,
				"remoteAddr", r.RemoteAddr)
			writeError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests), nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
