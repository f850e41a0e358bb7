package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/recallio/kermem/pkg/config"
	"github.com/recallio/kermem/pkg/errdefs"
	"github.com/recallio/kermem/pkg/log"
	"github.com/recallio/kermem/pkg/memorydb"
	"github.com/recallio/kermem/pkg/metrics"
	"github.com/recallio/kermem/pkg/pipeline"
	"github.com/recallio/kermem/pkg/search"
	"github.com/recallio/kermem/pkg/types"
)

const maxUploadBytes = 256 << 20

// Server is the HTTP surface: uploads, status, retrieval, and admin.
type Server struct {
	orchestrator *pipeline.Orchestrator
	search       *search.Client
	memory       memorydb.MemoryDB
	cfg          *config.Config
	httpServer   *http.Server
}

// NewServer wires the HTTP API around the orchestrator and retrieval
// client.
func NewServer(orch *pipeline.Orchestrator, searchClient *search.Client, memory memorydb.MemoryDB, cfg *config.Config) *Server {
	s := &Server{
		orchestrator: orch,
		search:       searchClient,
		memory:       memory,
		cfg:          cfg,
	}
	mux := http.NewServeMux()
	mux.Handle("POST /upload", s.instrument("upload", s.handleUpload))
	mux.Handle("GET /upload-status", s.instrument("upload-status", s.handleUploadStatus))
	mux.Handle("POST /search", s.instrument("search", s.handleSearch))
	mux.Handle("POST /ask", s.instrument("ask", s.handleAsk))
	mux.Handle("GET /indexes", s.instrument("indexes", s.handleListIndexes))
	mux.Handle("DELETE /indexes/{index}", s.instrument("delete-index", s.handleDeleteIndex))
	mux.Handle("DELETE /indexes/{index}/documents/{documentId}", s.instrument("delete-document", s.handleDeleteDocument))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	logger := log.WithComponent("service")
	logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) instrument(name string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		metrics.APIRequestsTotal.WithLabelValues(name, strconv.Itoa(sw.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// handleUpload accepts a multipart form: one or more file parts plus
// optional documentId, index, repeated tag (key:value), and repeated
// step fields. It persists the pipeline and returns 202 with the
// document id; ingestion proceeds asynchronously.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, errdefs.Validation(fmt.Errorf("failed to parse multipart form: %w", err)))
		return
	}

	index := r.FormValue("index")
	documentID := r.FormValue("documentId")
	tags := types.TagCollection{}
	for _, raw := range r.MultipartForm.Value["tag"] {
		key, value, ok := strings.Cut(raw, ":")
		if !ok || key == "" {
			writeError(w, errdefs.Validationf("tag %q is not key:value", raw))
			return
		}
		tags.Add(key, value)
	}
	steps := r.MultipartForm.Value["step"]

	var files []pipeline.UploadedFile
	for _, headers := range r.MultipartForm.File {
		for _, header := range headers {
			f, err := header.Open()
			if err != nil {
				writeError(w, fmt.Errorf("failed to open upload %s: %w", header.Filename, err))
				return
			}
			content, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				writeError(w, fmt.Errorf("failed to read upload %s: %w", header.Filename, err))
				return
			}
			files = append(files, pipeline.UploadedFile{
				Name:     header.Filename,
				MimeType: header.Header.Get("Content-Type"),
				Content:  content,
			})
		}
	}
	if len(files) == 0 {
		writeError(w, errdefs.Validationf("upload carries no files"))
		return
	}

	p, err := s.orchestrator.PrepareUpload(r.Context(), index, documentID, tags, steps)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.orchestrator.ImportDocument(r.Context(), p, files)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"index":      p.Index,
		"documentId": id,
	})
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	index := r.URL.Query().Get("index")
	documentID := r.URL.Query().Get("documentId")
	if documentID == "" {
		writeError(w, errdefs.Validationf("documentId is required"))
		return
	}
	p, err := s.orchestrator.ReadStatus(r.Context(), index, documentID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{
		"index":           p.Index,
		"documentId":      p.DocumentID,
		"status":          p.Status,
		"ready":           p.Status == types.PipelineStatusCompleted,
		"steps":           p.Steps,
		"completed_steps": p.CompletedSteps,
		"remaining_steps": p.RemainingSteps,
	}
	if r.URL.Query().Get("logs") == "true" {
		resp["logs"] = p.Logs
	}
	writeJSON(w, http.StatusOK, resp)
}

type searchRequest struct {
	Index        string           `json:"index"`
	Query        string           `json:"query"`
	Question     string           `json:"question"`
	Filters      memorydb.Filters `json:"filters,omitempty"`
	Limit        int              `json:"limit,omitempty"`
	MinRelevance float64          `json:"min_relevance,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.Validation(fmt.Errorf("failed to decode request: %w", err)))
		return
	}
	if req.Query == "" {
		writeError(w, errdefs.Validationf("query is required"))
		return
	}
	results, err := s.search.Search(r.Context(), req.Index, req.Query, req.Filters, req.Limit, req.MinRelevance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.Validation(fmt.Errorf("failed to decode request: %w", err)))
		return
	}
	question := req.Question
	if question == "" {
		question = req.Query
	}
	if question == "" {
		writeError(w, errdefs.Validationf("question is required"))
		return
	}
	answer, err := s.search.Ask(r.Context(), req.Index, question, req.Filters, req.MinRelevance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (s *Server) handleListIndexes(w http.ResponseWriter, r *http.Request) {
	names, err := s.memory.ListIndexes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"indexes": names})
}

func (s *Server) handleDeleteIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.DeleteIndex(r.Context(), r.PathValue("index")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.DeleteDocument(r.Context(), r.PathValue("index"), r.PathValue("documentId")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errdefs.IsValidation(err):
		status = http.StatusBadRequest
	case errdefs.IsNotFound(err):
		status = http.StatusNotFound
	case errdefs.IsConfiguration(err):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
