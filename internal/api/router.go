// Package api serves the admin HTTP surface: health probes, Prometheus metrics and
// read-only views of the assistant's memory.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aiox-platform/kbchat/internal/kb"
	mw "github.com/aiox-platform/kbchat/internal/middleware"
	"github.com/aiox-platform/kbchat/internal/profile"
	"github.com/aiox-platform/kbchat/internal/transcript"
)

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// TranscriptReader returns the newest transcript entries, oldest first.
type TranscriptReader interface {
	Recent(ctx context.Context, limit int) ([]transcript.Entry, error)
}

// Deps holds what the handlers read from. Nil Profile or Transcript makes their
// routes answer 501.
type Deps struct {
	Store      kb.Store
	Profile    profile.Store
	Transcript TranscriptReader
	Checks     map[string]HealthCheck
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	RateLimiter func(http.Handler) http.Handler
}

func NewRouter(deps Deps, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(mw.AdminHeaders)
	r.Use(chimw.Recoverer)
	r.Use(mw.Metrics)

	h := &handlers{deps: deps}

	// Liveness probe: always 200, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})
	r.Get("/health/ready", h.ready)
	r.Get("/health", h.ready)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter)
		}

		r.Route("/kb", func(r chi.Router) {
			r.Get("/articles", h.listArticles)
			r.Post("/search", h.searchArticles)
		})
		r.Get("/profile", h.getProfile)
		r.Get("/transcript", h.listTranscript)
	})

	return r
}
