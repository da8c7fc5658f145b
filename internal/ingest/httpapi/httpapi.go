// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpapi exposes the ingestion engine over HTTP, under /api/v1
// (§6): source-status classification, batch and document management,
// workflow/param-set/run-group/run inspection and control, stats, the
// opaque sync-state blob, and a LanceDB browse surface.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/soliplex/ingesterd/internal/ingest/docops"
	"github.com/soliplex/ingesterd/internal/ingest/registry"
	"github.com/soliplex/ingesterd/internal/ingest/runbuilder"
	"github.com/soliplex/ingesterd/internal/ingest/settings"
	"github.com/soliplex/ingesterd/internal/ingest/store"
	"github.com/soliplex/ingesterd/internal/log"
	"github.com/soliplex/ingesterd/internal/tracing"
	ingesterrors "github.com/soliplex/ingesterd/pkg/errors"
)

// batchFilter narrows ListRunGroups to one batch.
func batchFilter(batchID int64) store.RunGroupFilter {
	return store.RunGroupFilter{BatchID: &batchID}
}

// Server is the root of the HTTP API: every route handler hangs off it,
// sharing one Backend, registry, run builder, and document-operations
// service.
type Server struct {
	store    store.Backend
	docs     *docops.Service
	runs     *runbuilder.Builder
	registry *registry.Registry
	settings *settings.Settings
	auth     *Authenticator
	lancedb  *lancedbBrowser
	logger   *slog.Logger

	mux *http.ServeMux
}

// Config bundles Server's dependencies; Auth may be nil to disable
// authentication entirely (every request accepted).
type Config struct {
	Store    store.Backend
	Docs     *docops.Service
	Runs     *runbuilder.Builder
	Registry *registry.Registry
	Settings *settings.Settings
	Auth     *Authenticator
	Logger   *slog.Logger
}

// NewServer builds a Server and registers every route on its internal mux.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:    cfg.Store,
		docs:     cfg.Docs,
		runs:     cfg.Runs,
		registry: cfg.Registry,
		settings: cfg.Settings,
		auth:     cfg.Auth,
		lancedb:  newLanceDBBrowser(cfg.Settings.LanceDBDir),
		logger:   logger.With(slog.String("component", "httpapi")),
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	mux := s.mux

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/source-status", s.handleSourceStatus)

	mux.HandleFunc("GET /api/v1/batch/", s.handleListBatches)
	mux.HandleFunc("POST /api/v1/batch/", s.handleCreateBatch)
	mux.HandleFunc("POST /api/v1/batch/start-workflows", s.handleBatchStartWorkflows)
	mux.HandleFunc("GET /api/v1/batch/status", s.handleBatchStatus)
	mux.HandleFunc("GET /api/v1/batch/{id}/steps", s.handleBatchSteps)

	mux.HandleFunc("GET /api/v1/document/", s.handleListDocuments)
	mux.HandleFunc("POST /api/v1/document/ingest-document", s.handleIngestDocument)
	mux.HandleFunc("POST /api/v1/document/cleanup-orphans", s.handleCleanupOrphans)
	mux.HandleFunc("DELETE /api/v1/document/by-uri", s.handleDeleteDocumentByURI)

	mux.HandleFunc("GET /api/v1/workflow/", s.handleListWorkflowRuns)
	mux.HandleFunc("POST /api/v1/workflow/", s.handleStartWorkflow)
	mux.HandleFunc("GET /api/v1/workflow/by-status", s.handleWorkflowRunsByStatus)
	mux.HandleFunc("GET /api/v1/workflow/definitions", s.handleListWorkflowDefinitions)
	mux.HandleFunc("GET /api/v1/workflow/definitions/{id}", s.handleGetWorkflowDefinition)
	mux.HandleFunc("GET /api/v1/workflow/param-sets", s.handleListParamSets)
	mux.HandleFunc("GET /api/v1/workflow/param-sets/{id}", s.handleGetParamSet)
	mux.HandleFunc("POST /api/v1/workflow/param-sets", s.handleCreateParamSet)
	mux.HandleFunc("DELETE /api/v1/workflow/param-sets/{id}", s.handleDeleteParamSet)
	mux.HandleFunc("GET /api/v1/workflow/run-groups", s.handleListRunGroups)
	mux.HandleFunc("GET /api/v1/workflow/run_groups/{id}", s.handleGetRunGroup)
	mux.HandleFunc("GET /api/v1/workflow/run_groups/{id}/stats", s.handleRunGroupStats)
	mux.HandleFunc("DELETE /api/v1/workflow/run_groups/{id}", s.handleDeleteRunGroup)
	mux.HandleFunc("GET /api/v1/workflow/runs", s.handleListWorkflowRunsByBatch)
	mux.HandleFunc("GET /api/v1/workflow/runs/{id}", s.handleGetWorkflowRun)
	mux.HandleFunc("GET /api/v1/workflow/runs/{id}/lifecycle", s.handleWorkflowRunLifecycle)
	mux.HandleFunc("POST /api/v1/workflow/retry", s.handleRetryWorkflow)

	mux.HandleFunc("GET /api/v1/stats/durations", s.handleStatsDurations)
	mux.HandleFunc("GET /api/v1/stats/step-stats", s.handleStatsStepStats)

	mux.HandleFunc("GET /api/v1/sync-state/{source_id}", s.handleGetSyncState)
	mux.HandleFunc("PUT /api/v1/sync-state/{source_id}", s.handlePutSyncState)
	mux.HandleFunc("DELETE /api/v1/sync-state/{source_id}", s.handleDeleteSyncState)

	mux.HandleFunc("GET /api/v1/lancedb/list", s.handleLanceDBList)
	mux.HandleFunc("GET /api/v1/lancedb/info", s.handleLanceDBInfo)
	mux.HandleFunc("GET /api/v1/lancedb/documents", s.handleLanceDBDocuments)
	mux.HandleFunc("GET /api/v1/lancedb/vacuum", s.handleLanceDBVacuum)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

// Handler returns the fully wired http.Handler, wrapping the route mux in
// the trace/correlation/logging/auth middleware chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.loggingMiddleware(h)
	if s.auth != nil {
		h = s.auth.Wrap(h)
	}
	h = tracing.CorrelationMiddleware(h)
	h = tracing.TracingMiddleware(h)
	h = tracing.HTTPMiddleware(h)
	return h
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		cid := tracing.FromContextOrEmpty(r.Context())
		logger := log.WithCorrelationID(s.logger, cid.String())
		next.ServeHTTP(w, r)
		logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

// writeJSON encodes data as status, logging (never panicking) on an encode
// failure after headers are already sent.
func writeJSON(logger *slog.Logger, w http.ResponseWriter, status int, data any) {
	if logger == nil {
		logger = slog.Default()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("encode response failed", slog.Any("error", err))
	}
}

func writeError(logger *slog.Logger, w http.ResponseWriter, status int, message string) {
	writeJSON(logger, w, status, map[string]string{"error": message})
}

// httpStatusFor maps err to the HTTP status the §7 error taxonomy assigns
// it: NotFound -> 404, Duplicate -> 409, Forbidden -> 403,
// InvalidInput/InvalidState/BatchCompleted -> 400, everything else -> 500.
func httpStatusFor(err error) int {
	var classifier ingesterrors.ErrorClassifier
	if !ingesterrors.As(err, &classifier) {
		return http.StatusInternalServerError
	}
	switch classifier.ErrorType() {
	case "not_found":
		return http.StatusNotFound
	case "duplicate":
		return http.StatusConflict
	case "forbidden":
		return http.StatusForbidden
	case "invalid_input", "invalid_state", "batch_completed", "document_invalid":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeErrFromErr maps err to its §7 status and writes {"error": message}.
func (s *Server) writeErrFromErr(w http.ResponseWriter, err error) {
	writeError(s.logger, w, httpStatusFor(err), err.Error())
}

// paginated is the §6 pagination envelope: {items, total, page,
// rows_per_page, total_pages}.
type paginated struct {
	Items       any `json:"items"`
	Total       int `json:"total"`
	Page        int `json:"page"`
	RowsPerPage int `json:"rows_per_page"`
	TotalPages  int `json:"total_pages"`
}

// paginationParams reads page/rows_per_page off r's query string. ok is
// false when neither was supplied, signalling the caller to return the raw
// list instead of the envelope. err is an InvalidInputError when either
// value is present but out of range.
func paginationParams(r *http.Request) (page, rowsPerPage int, ok bool, err error) {
	pageStr := r.URL.Query().Get("page")
	rowsStr := r.URL.Query().Get("rows_per_page")
	if pageStr == "" && rowsStr == "" {
		return 0, 0, false, nil
	}
	page = 1
	if pageStr != "" {
		if page, err = parsePositiveInt(pageStr); err != nil {
			return 0, 0, false, &ingesterrors.InvalidInputError{Field: "page", Message: "must be >= 1"}
		}
	}
	rowsPerPage = 10
	if rowsStr != "" {
		if rowsPerPage, err = parsePositiveInt(rowsStr); err != nil {
			return 0, 0, false, &ingesterrors.InvalidInputError{Field: "rows_per_page", Message: "must be >= 1"}
		}
	}
	return page, rowsPerPage, true, nil
}

// parseInt64 parses s as a base-10 int64, wrapping any error as an
// InvalidInputError naming field.
func parseInt64(s, field string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, &ingesterrors.InvalidInputError{Field: field, Message: "must be an integer"}
	}
	return n, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, &ingesterrors.InvalidInputError{Message: "must be a positive integer"}
	}
	return n, nil
}

// paginateSlice slices items[offset:offset+rowsPerPage] for 1-based page,
// returning the full paginated envelope.
func paginateSlice[T any](items []T, total, page, rowsPerPage int) paginated {
	totalPages := 0
	if rowsPerPage > 0 {
		totalPages = int(math.Ceil(float64(total) / float64(rowsPerPage)))
	}
	start := (page - 1) * rowsPerPage
	end := start + rowsPerPage
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}
	pageItems := items[start:end]
	return paginated{
		Items:       pageItems,
		Total:       total,
		Page:        page,
		RowsPerPage: rowsPerPage,
		TotalPages:  totalPages,
	}
}
