package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
)

// ErrMissingParameter is returned when a required query parameter is absent
var ErrMissingParameter = errors.New("missing required query parameter")

const (
	requestIDHeader = "X-Request-ID"
	errNotGenerated = "Parquet file not found. Generate it first."
)

type contextKey string

const requestIDKey contextKey = "request_id"

// Server exposes the explorer, dataset and artifact operations over HTTP
type Server struct {
	svc    *services
	hub    *eventHub
	logger *slog.Logger
}

func NewServer(svc *services, hub *eventHub, logger *slog.Logger) *Server {
	return &Server{svc: svc, hub: hub, logger: logger}
}

// Handler returns the routed, compressed and instrumented handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /schemas", s.handleSchemas)
	mux.HandleFunc("GET /tables", s.handleTables)
	mux.HandleFunc("GET /columns", s.handleColumns)
	mux.HandleFunc("GET /count", s.handleCount)
	mux.HandleFunc("GET /rows", s.handleRows)

	mux.HandleFunc("GET /flight-features/dates", s.handleDates)
	mux.HandleFunc("GET /flight-features/airports", s.handleAirports)
	mux.HandleFunc("GET /flight-features/preview-count", s.handlePreviewCount)
	mux.HandleFunc("GET /flight-features/datasets", s.handleListArtifacts)
	mux.HandleFunc("POST /flight-features/create", s.handleCreate)
	mux.HandleFunc("GET /flight-features/preview", s.handlePreview)
	mux.HandleFunc("DELETE /flight-features/delete", s.handleDelete)
	mux.HandleFunc("GET /flight-features/airports-from-dataset", s.handleDatasetAirports)
	mux.HandleFunc("GET /flight-features/count", s.handleDatasetCount)
	mux.HandleFunc("GET /flight-features/export", s.handleExport)

	mux.HandleFunc("POST /flight-features/parquet/generate", s.handleGenerate)
	mux.HandleFunc("GET /flight-features/parquet/check", s.handleCheck)
	mux.HandleFunc("GET /flight-features/parquet/list", s.handleListArtifacts)
	mux.HandleFunc("GET /flight-features/parquet/download", s.handleDownload)
	mux.HandleFunc("DELETE /flight-features/parquet/delete", s.handleInvalidate)

	if s.hub != nil {
		mux.HandleFunc("GET /ws/logs", s.hub.handleLogs)
		mux.HandleFunc("GET /ws/artifacts", s.hub.handleArtifacts)
	}

	// websocket upgrades need the raw ResponseWriter, so they bypass compression
	compressed := gzhttp.GzipHandler(mux)
	routed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			mux.ServeHTTP(w, r)
			return
		}
		compressed.ServeHTTP(w, r)
	})

	return s.withRequestID(s.withRecovery(withCORS(routed)))
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
		s.logger.Debug(fmt.Sprintf("🌐 %s %s [%s] %s", r.Method, r.URL.RequestURI(), id, time.Since(start).Round(time.Millisecond)))
	})
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				id, _ := r.Context().Value(requestIDKey).(string)
				s.logger.Error(fmt.Sprintf("❌ PANIC in %s %s [%s]: %v", r.Method, r.URL.Path, id, rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func requiredParam(r *http.Request, name string) (string, error) {
	value := strings.TrimSpace(r.URL.Query().Get(name))
	if value == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingParameter, name)
	}
	return value, nil
}

func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("query parameter %s must be an integer, got '%s'", name, raw)
	}
	return value, nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("query parameter %s must be a boolean, got '%s'", name, raw)
	}
	return value, nil
}

// statusFor maps a typed operation failure to an HTTP status
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidDate), errors.Is(err, ErrDatasetNameInvalid),
		errors.Is(err, ErrMissingParameter), errors.Is(err, ErrInvalidIdentifier):
		return http.StatusBadRequest
	case errors.Is(err, ErrPartitionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusOK
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.svc.db == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.svc.db.PingContext(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSchemas(w http.ResponseWriter, r *http.Request) {
	schemas, err := s.svc.explorer.Schemas(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, schemas)
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	schema := r.URL.Query().Get("schema")
	if schema == "" {
		schema = "public"
	}
	tables, err := s.svc.explorer.Tables(r.Context(), schema)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tables)
}

func (s *Server) handleColumns(w http.ResponseWriter, r *http.Request) {
	schema := r.URL.Query().Get("schema")
	if schema == "" {
		schema = "public"
	}
	columns, err := s.svc.explorer.Columns(r.Context(), schema, r.URL.Query().Get("table"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, columns)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	schema := r.URL.Query().Get("schema")
	if schema == "" {
		schema = "public"
	}
	writeJSON(w, http.StatusOK, s.svc.explorer.Count(r.Context(), schema, r.URL.Query().Get("table")))
}

func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	schema := r.URL.Query().Get("schema")
	if schema == "" {
		schema = "public"
	}
	limit, err := intParam(r, "limit", defaultPreviewRows)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.svc.explorer.Rows(r.Context(), schema, r.URL.Query().Get("table"), limit, offset))
}

func (s *Server) handleDates(w http.ResponseWriter, r *http.Request) {
	dates, err := s.svc.resolver.AvailableDates(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dates)
}

func (s *Server) handleAirports(w http.ResponseWriter, r *http.Request) {
	date, err := requiredParam(r, "date")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	airports, err := s.svc.resolver.AirportsForDate(r.Context(), date)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, airports)
}

func (s *Server) handlePreviewCount(w http.ResponseWriter, r *http.Request) {
	date, err := requiredParam(r, "date")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	success := true
	count, err := s.svc.resolver.CountForDate(r.Context(), date, r.URL.Query().Get("airport"))
	if err != nil {
		success = false
		writeJSON(w, statusFor(err), CountResult{Count: 0, Success: &success, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, CountResult{Count: count, Success: &success})
}

// handleListArtifacts backs both the datasets and parquet/list routes. A
// failed listing is reported as an empty list.
func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.gateway.List(r.Context())
	if err != nil {
		s.logger.Warn(fmt.Sprintf("⚠️  Failed to list artifacts: %v", err))
		entries = []ManifestEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	date, err := requiredParam(r, "date")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	result := s.svc.materializer.Materialize(r.Context(), MaterializeRequest{
		Date:    date,
		Name:    strings.TrimSpace(q.Get("name")),
		Airport: strings.TrimSpace(q.Get("airport")),
	})
	writeJSON(w, statusFor(result.Err), result)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	dataset, err := requiredParam(r, "dataset")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intParam(r, "limit", defaultPreviewRows)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.svc.reader.Preview(r.Context(), dataset, limit, offset))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	dataset, err := requiredParam(r, "dataset")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.svc.materializer.Delete(r.Context(), dataset))
}

func (s *Server) handleDatasetAirports(w http.ResponseWriter, r *http.Request) {
	dataset, err := requiredParam(r, "dataset")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.svc.reader.AirportCodes(r.Context(), dataset))
}

func (s *Server) handleDatasetCount(w http.ResponseWriter, r *http.Request) {
	dataset, err := requiredParam(r, "dataset")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, s.svc.reader.Count(r.Context(), dataset, q.Get("dep"), q.Get("dest")))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	dataset, err := requiredParam(r, "dataset")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit, err := intParam(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	batchSize, err := intParam(r, "batch_size", defaultBatchSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	req := ExportRequest{
		Dataset:   dataset,
		Dep:       q.Get("dep"),
		Dest:      q.Get("dest"),
		Limit:     limit,
		Offset:    offset,
		BatchSize: batchSize,
	}
	writeJSON(w, http.StatusOK, s.svc.reader.Export(r.Context(), req))
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	dataset, err := requiredParam(r, "dataset")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	force, err := boolParam(r, "force")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	writeJSON(w, http.StatusOK, s.svc.builder.Build(r.Context(), BuildRequest{
		Dataset: dataset,
		Dep:     q.Get("dep"),
		Dest:    q.Get("dest"),
		Force:   force,
	}))
}

func (s *Server) artifactKey(r *http.Request) (string, error) {
	dataset, err := requiredParam(r, "dataset")
	if err != nil {
		return "", err
	}
	q := r.URL.Query()
	return ArtifactKey(dataset, q.Get("dep"), q.Get("dest")), nil
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	key, err := s.artifactKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.svc.gateway.Exists(r.Context(), key))
}

// handleDownload redirects to the CDN when the artifact is published and
// otherwise streams the local copy
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	key, err := s.artifactKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	info := s.svc.gateway.Exists(r.Context(), key)
	if !info.Exists {
		writeError(w, http.StatusNotFound, errNotGenerated)
		return
	}

	if info.PublicURL != "" {
		http.Redirect(w, r, info.PublicURL, http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", contentTypeArtifact)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(info.Path)))
	http.ServeFile(w, r, info.Path)
}

// handleInvalidate removes a built artifact so the next generate rebuilds it
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	key, err := s.artifactKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.svc.gateway.Delete(r.Context(), key) {
		writeJSON(w, http.StatusOK, DeleteResult{Success: false, Error: fmt.Sprintf("failed to delete %s from object store", key)})
		return
	}
	writeJSON(w, http.StatusOK, DeleteResult{Success: true, Deleted: key})
}
