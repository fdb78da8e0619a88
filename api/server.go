/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions for the read-only reporting API. The warehouse is mutated
  only by the batch pipeline; the API never writes, so every endpoint is
  a GET except the export trigger, which writes a workbook stream to the
  response rather than to the store.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the BI frontend

ROUTE GROUPS:
  /api/status            Operational snapshot (batch, lock, coverage)
  /api/summary           Waterfall metric rollup per period
  /api/coverage          Per-domain completeness records
  /api/allocated         Allocated charge lines (filter: period)
  /api/tieout            Invoice vs allocated reconciliation
  /api/issues            Open data-quality issues
  /api/export/xlsx       Workbook download

SEE ALSO:
  - handlers.go: Handler implementations
  - dto.go:      Response shapes
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Get("/summary", h.GetSummary)
		r.Get("/coverage", h.GetCoverage)
		r.Get("/allocated", h.GetAllocated)
		r.Get("/tieout", h.GetTieOut)
		r.Get("/issues", h.GetIssues)
		r.Get("/export/xlsx", h.ExportWorkbook)
	})

	return r
}
