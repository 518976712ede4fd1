// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig tunes the HTTP surface.
type RouterConfig struct {
	// RateLimitReqs is requests per client IP per window on data routes.
	// Zero disables rate limiting.
	RateLimitReqs int

	// RateLimitWindow is the rate limiting window. Defaults to a minute.
	RateLimitWindow time.Duration
}

// NewRouter wires all routes onto a chi router.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied to every route in order.
	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(AccessLog())

	// Health endpoints stay outside rate limiting so probes never starve.
	r.Route("/healthz", func(r chi.Router) {
		r.Get("/live", h.HealthLive)
		r.Get("/ready", h.HealthReady)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/engines", func(r chi.Router) {
		if cfg.RateLimitReqs > 0 {
			window := cfg.RateLimitWindow
			if window <= 0 {
				window = time.Minute
			}
			r.Use(httprate.LimitByIP(cfg.RateLimitReqs, window))
		}

		r.Post("/", h.CreateEngine)
		r.Get("/", h.ListEngines)

		r.Route("/{engineId}", func(r chi.Router) {
			r.Post("/", h.UpdateEngine)
			r.Get("/", h.GetEngine)
			r.Delete("/", h.DestroyEngine)

			r.Post("/events", h.PostEvent)
			r.Post("/queries", h.PostQuery)
			r.Post("/train", h.Train)
			r.Get("/train", h.TrainStatus)
			r.Post("/replay", h.Replay)
		})
	})

	return r
}
