// Package api exposes the query and admin surface over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/quarryhq/quarry-engine/engine/domain"
	"github.com/quarryhq/quarry-engine/engine/indexer"
	"github.com/quarryhq/quarry-engine/engine/rag"
	"github.com/quarryhq/quarry-engine/engine/search"
	"github.com/quarryhq/quarry-engine/pkg/mid"
)

// Deps holds the services behind the HTTP surface.
type Deps struct {
	Searcher    *search.Searcher
	Retriever   *rag.Retriever
	Reprocessor *indexer.Reprocessor
	Status      *indexer.StatusStore
	Logger      *slog.Logger
	// CORSOrigin enables the CORS middleware when non-empty.
	CORSOrigin string
}

// NewHandler builds the full HTTP handler with middleware.
func NewHandler(deps Deps) http.Handler {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("POST /v1/search", handleSearch(deps.Searcher, log))
	mux.HandleFunc("POST /v1/retrieve", handleRetrieve(deps.Retriever, log))
	mux.HandleFunc("POST /v1/admin/reprocess", handleReprocess(deps.Reprocessor, log))
	mux.HandleFunc("GET /v1/admin/status", handleStatusSummary(deps.Status, log))
	mux.HandleFunc("GET /v1/admin/status/{entityID}", handleStatus(deps.Status, log))

	mws := []mid.Middleware{
		mid.Recover(log),
		mid.Logger(log),
		mid.OTel("quarry-api"),
	}
	if deps.CORSOrigin != "" {
		mws = append(mws, mid.CORS(deps.CORSOrigin))
	}
	return mid.Chain(mux, mws...)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleSearch(searcher *search.Searcher, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var q search.Query
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		results, err := searcher.Search(r.Context(), q)
		if err != nil {
			writeServiceError(w, log, "search", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	}
}

func handleRetrieve(retriever *rag.Retriever, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rag.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Question == "" {
			writeError(w, http.StatusBadRequest, "question is required")
			return
		}
		out, err := retriever.Retrieve(r.Context(), req)
		if err != nil {
			writeServiceError(w, log, "retrieve", err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// reprocessRequest is the JSON body for POST /v1/admin/reprocess.
type reprocessRequest struct {
	EntityType string `json:"entity_type"`
	TenantID   string `json:"tenant_id,omitempty"`
	Force      bool   `json:"force,omitempty"`
}

func handleReprocess(rp *indexer.Reprocessor, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reprocessRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.EntityType == "" {
			writeError(w, http.StatusBadRequest, "entity_type is required")
			return
		}
		stats, err := rp.ReprocessType(r.Context(), req.TenantID, req.EntityType, req.Force)
		if err != nil {
			writeServiceError(w, log, "reprocess", err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleStatus(status *indexer.StatusStore, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.URL.Query().Get("tenant_id")
		if tenantID == "" {
			writeError(w, http.StatusBadRequest, "tenant_id is required")
			return
		}
		st, ok, err := status.Get(r.Context(), tenantID, r.PathValue("entityID"))
		if err != nil {
			writeServiceError(w, log, "status", err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "no indexing status for entity")
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleStatusSummary(status *indexer.StatusStore, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := status.CountByState(r.Context())
		if err != nil {
			writeServiceError(w, log, "status summary", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"states": counts})
	}
}

func writeServiceError(w http.ResponseWriter, log *slog.Logger, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrMissingTenant):
		writeError(w, http.StatusBadRequest, "tenant_id is required")
	case errors.Is(err, domain.ErrUnknownEntityType):
		writeError(w, http.StatusBadRequest, "unknown entity type")
	default:
		log.Error("api: "+op+" failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
