/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     One logrus line per request
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the journal frontend

ROUTE GROUPS:
  /api/items/*          Items, balances and entries
  /api/units            Unit catalog
  /api/scenarios/*      Demo stashes
  /api/audit            Balance audit (when an auditor is set)
  /healthz              Liveness
  /metrics              Prometheus (when a metrics handler is given)

SECURITY NOTE:
  No authentication middleware. The journal is single-user and expected
  to listen on localhost or behind an authenticating proxy.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/stashd: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// RouterOptions carries the optional parts of the router.
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        http.Handler // nil disables /metrics
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/items", func(r chi.Router) {
			r.Get("/", h.ListItems)
			r.Post("/", h.CreateItem)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetItem)
				r.Delete("/", h.DeleteItem)
				r.Put("/units", h.ChangeUnits)
				r.Get("/balance", h.GetBalance)

				r.Get("/entries", h.ListEntries)
				r.Get("/entries.xlsx", h.ExportEntries)
				r.Patch("/entries/{entryID}", h.EditEntry)
				r.Delete("/entries/{entryID}", h.DeleteEntry)

				r.Post("/purchases", h.RecordPurchase)
				r.Post("/consumptions", h.RecordConsumption)
				r.Post("/adjustments", h.RecordAdjustment)
				r.Post("/set", h.SetBalance)

				r.Delete("/sessions/{ref}", h.RemoveSession)
			})
		})

		r.Get("/units", h.ListUnits)

		if h.Audit != nil {
			r.Get("/audit", h.GetAudit)
			r.Post("/audit/run", h.RunAudit)
		}

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger logs each request through logrus with the chi request id.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.WithFields(logrus.Fields{
					"request_id": middleware.GetReqID(r.Context()),
					"method":     r.Method,
					"path":       r.URL.Path,
					"status":     ww.Status(),
					"bytes":      ww.BytesWritten(),
					"duration":   time.Since(start).String(),
				}).Info("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
