package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)

	r.Route("/build", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				if s.cfg.Server.RateLimit.Enabled {
					r.Use(s.rateLimitMiddleware(
						s.cfg.Server.RateLimit.Submit,
					))
				}

				r.Post("/", s.handleSubmit)
			})

			r.Group(func(r chi.Router) {
				if s.cfg.Server.RateLimit.Enabled {
					r.Use(s.rateLimitMiddleware(
						s.cfg.Server.RateLimit.Read,
					))
				}

				r.Get("/", s.handleList)
				r.Get("/{number}", s.handleGet)
			})
		})

		r.Group(func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.Server.RateLimit.Read,
				))
			}

			r.Get("/history", s.handleHistory)
			r.Get("/{number}", s.handleGet)
			r.Get("/{number}/log", s.handleLog)
			r.Get("/{number}/download", s.handleDownload)
			r.Get("/{number}/emulate", s.handleAction)
			r.Get("/{number}/deploy", s.handleAction)
			r.Get("/{number}/run", s.handleAction)
			r.Get("/{number}/debug", s.handleAction)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server
// config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
