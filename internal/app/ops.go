package app

import (
	"context"
	"log"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Syncano/syncano-platform-sub000/internal/errors"
	"github.com/Syncano/syncano-platform-sub000/internal/manifest"
	"github.com/Syncano/syncano-platform-sub000/internal/server"
)

// Handler returns the operations HTTP handler: health, metrics, a manual
// dispatcher trigger and read-only klass inspection.
func (a *App) Handler() http.Handler {
	middleware := server.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		server.RecoveryMiddleware,
		server.RequestIDMiddleware,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.healthHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	mux.Handle("POST /v1/dispatch", middleware(http.HandlerFunc(a.dispatchHandler)))
	mux.Handle("GET /v1/tenants/{tenant}/klasses", middleware(http.HandlerFunc(a.listKlassesHandler)))
	mux.Handle("GET /v1/tenants/{tenant}/klasses/{id}", middleware(http.HandlerFunc(a.klassHandler)))
	mux.Handle("GET /v1/tenants/{tenant}/klasses/{id}/revisions", middleware(http.HandlerFunc(a.revisionsHandler)))
	mux.Handle("GET /v1/tenants/{tenant}/reconcile", middleware(http.HandlerFunc(a.reconcileHandler)))
	return mux
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"service":     "syncano-schemad",
		"dialect":     a.cfg.Database.Dialect,
		"concurrency": a.dispatcher.Backpressure().Concurrency(),
	})
}

// dispatchHandler runs one dispatcher pass in the background.
func (a *App) dispatchHandler(w http.ResponseWriter, r *http.Request) {
	if !a.shutdown.Begin() {
		server.WriteError(w, r, http.StatusServiceUnavailable, server.CodeShuttingDown, "server is shutting down")
		return
	}
	log.Printf("Manual migration dispatch triggered")
	go func() {
		defer a.shutdown.End()
		stats := a.dispatcher.RunOnce(context.Background())
		log.Printf("Manual migration dispatch finished: tenants=%d completed=%d requeued=%d failed=%d",
			stats.Tenants, stats.Completed, stats.Requeued, stats.Failed)
	}()
	server.WriteJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"message": "migration dispatch triggered",
	})
}

func (a *App) listKlassesHandler(w http.ResponseWriter, r *http.Request) {
	klasses, err := a.editor.ListKlasses(r.Context(), r.PathValue("tenant"))
	if err != nil {
		writeSchemaError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, klasses)
}

func (a *App) klassHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := klassID(w, r)
	if !ok {
		return
	}
	k, err := a.editor.GetKlass(r.Context(), r.PathValue("tenant"), id)
	if err != nil {
		writeSchemaError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, k)
}

func (a *App) revisionsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := klassID(w, r)
	if !ok {
		return
	}
	store, err := manifest.Open(r.Context(), a.tenants, r.PathValue("tenant"))
	if err != nil {
		writeSchemaError(w, r, err)
		return
	}
	revs, err := store.ListRevisions(r.Context(), id)
	if err != nil {
		writeSchemaError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, revs)
}

func (a *App) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	store, err := manifest.Open(r.Context(), a.tenants, r.PathValue("tenant"))
	if err != nil {
		writeSchemaError(w, r, err)
		return
	}
	report, err := store.Reconcile(r.Context())
	if err != nil {
		writeSchemaError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, report)
}

func klassID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		server.WriteError(w, r, http.StatusBadRequest, "", "invalid klass id")
		return 0, false
	}
	return id, true
}

// writeSchemaError maps a structured error onto an HTTP status.
func writeSchemaError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch errors.GetCategory(err) {
	case errors.ErrCategoryValidation:
		status = http.StatusBadRequest
	case errors.ErrCategoryConflict:
		status = http.StatusConflict
	case errors.ErrCategoryCatalog:
		switch errors.GetCode(err) {
		case errors.CodeKlassNotFound, errors.CodeTenantNotFound:
			status = http.StatusNotFound
		}
	}
	if status == http.StatusInternalServerError {
		log.Printf("ops: [WARN] %s %s: %v", r.Method, r.URL.Path, err)
	}
	server.WriteError(w, r, status, errors.GetCode(err), err.Error())
}
