package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// NewRouter wires the operator API on top of svc.
func NewRouter(svc Service, log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(Logger(log))
	r.Use(Recoverer(log))

	r.Method(http.MethodGet, "/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))
	r.Method(http.MethodHead, "/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	r.Handle("/metrics", promhttp.Handler())

	h := &Handler{
		svc:   svc,
		log:   log,
		cache: cache.New(5*time.Second, time.Minute),
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sources", func(r chi.Router) {
			r.Get("/", h.ListSources)
			r.Route("/{code}", func(r chi.Router) {
				r.Get("/status", h.GetStatus)
				r.Get("/runs", h.ListRuns)
				r.Post("/runs", h.StartRun)
				r.Post("/reset", h.ResetStatus)
				r.Post("/reresolve", h.Reresolve)
			})
		})
		r.Get("/runs/{runID}/errors", h.RunErrors)
		r.Put("/items/{code}/overrides", h.SetOverrides)
	})

	return r
}
