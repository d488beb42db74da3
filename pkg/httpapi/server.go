// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package httpapi is the HTTP edge: zip ingestion, job status, the
// unified query endpoint, and operational surfaces (health, metrics,
// optional debug env dump). Handlers stay thin; the pipeline and
// retrieval packages do the work.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kraklabs/codegraph/pkg/answer"
	"github.com/kraklabs/codegraph/pkg/config"
	"github.com/kraklabs/codegraph/pkg/extract"
	"github.com/kraklabs/codegraph/pkg/fault"
	"github.com/kraklabs/codegraph/pkg/graphdb"
	"github.com/kraklabs/codegraph/pkg/jobs"
	"github.com/kraklabs/codegraph/pkg/metrics"
	"github.com/kraklabs/codegraph/pkg/retrieval"
)

// JobStore is the slice of the job store the edge uses.
type JobStore interface {
	Create(ctx context.Context, repoID uuid.UUID, jobType string) (*jobs.Job, error)
	Get(ctx context.Context, jobID uuid.UUID) (*jobs.Job, error)
	ListByRepo(ctx context.Context, repoID uuid.UUID) ([]*jobs.Job, error)
}

// Enqueuer hands created jobs to the worker pool.
type Enqueuer interface {
	Enqueue(jobID uuid.UUID) error
}

// Retriever produces ranked context for a question.
type Retriever interface {
	Retrieve(ctx context.Context, repoID, question string, topK int) (*retrieval.Pack, error)
}

// Composer turns retrieval output into a cited answer.
type Composer interface {
	Compose(ctx context.Context, question string, pack *retrieval.Pack) (*answer.Answer, error)
	ComposeStructural(question, cypher string, result *graphdb.QueryResult) *answer.Answer
}

// StructuralRouter answers structural questions with a graph query.
type StructuralRouter interface {
	Run(ctx context.Context, repoID, question string) (*graphdb.QueryResult, string, error)
}

// GraphStatus reads per-repo graph and embedding state.
type GraphStatus interface {
	Status(ctx context.Context, repoID string) (*graphdb.RepoStatus, error)
	Embeddings(ctx context.Context, repoID string) (*graphdb.EmbeddingsStatus, error)
}

// IsStructuralFunc classifies a question; swapped out in tests.
type IsStructuralFunc func(question string) bool

// Server is the HTTP edge.
type Server struct {
	cfg          *config.Config
	store        JobStore
	queue        Enqueuer
	retriever    Retriever
	composer     Composer
	router       StructuralRouter
	graph        GraphStatus
	isStructural IsStructuralFunc
	logger       *slog.Logger
}

// Options wires a Server.
type Options struct {
	Config       *config.Config
	Store        JobStore
	Queue        Enqueuer
	Retriever    Retriever
	Composer     Composer
	Router       StructuralRouter
	Graph        GraphStatus
	IsStructural IsStructuralFunc
}

// NewServer creates the edge server.
func NewServer(opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:          opts.Config,
		store:        opts.Store,
		queue:        opts.Queue,
		retriever:    opts.Retriever,
		composer:     opts.Composer,
		router:       opts.Router,
		graph:        opts.Graph,
		isStructural: opts.IsStructural,
		logger:       logger,
	}
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ingest/zip", s.handleIngestZip(jobs.TypeIngestZip))
	mux.HandleFunc("POST /ingest/kg/zip", s.handleIngestZip(jobs.TypeKGIngestZip))
	mux.HandleFunc("GET /jobs/{job_id}", s.handleGetJob)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("GET /repos/{repo_id}/status", s.handleRepoStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.cfg.DebugEnv {
		mux.HandleFunc("GET /debug/env", s.handleDebugEnv)
	}
	return s.withRequestID(mux)
}

// withRequestID honors an inbound x-request-id, mints one otherwise,
// and emits the access log plus request metrics.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("x-request-id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("x-request-id", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)

		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		duration := time.Since(started)
		route := r.Method + " " + r.URL.Path
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(duration.Seconds())
		s.logger.Info("request.completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", float64(duration.Microseconds())/1000,
			"request_id", requestID,
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type jobCreatedResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	RepoID uuid.UUID `json:"repo_id"`
}

// handleIngestZip accepts a multipart zip upload, persists it under the
// uploads directory, records a queued job, and wakes a worker. Enqueue
// failures are non-fatal: a worker sweep can still pick the job up.
func (s *Server) handleIngestZip(jobType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		maxBytes := s.cfg.Ingest.MaxZipMB << 20
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1)

		file, _, err := r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				s.writeError(w, r, fault.New(fault.ArchiveTooLarge,
					"upload exceeds %d MB", s.cfg.Ingest.MaxZipMB))
				return
			}
			s.writeError(w, r, fault.Wrap(fault.BadRequest, err, "multipart field 'file' required"))
			return
		}
		defer func() { _ = file.Close() }()

		repoID := uuid.New()
		job, err := s.store.Create(r.Context(), repoID, jobType)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		uploadsDir := filepath.Join(s.cfg.DataDir, "uploads")
		if err := os.MkdirAll(uploadsDir, 0750); err != nil {
			s.writeError(w, r, fault.Wrap(fault.Internal, err, "create uploads dir"))
			return
		}
		target := filepath.Join(uploadsDir, repoID.String()+".zip")
		if err := saveUpload(file, target); err != nil {
			s.writeError(w, r, err)
			return
		}

		s.logger.Info("job.created",
			"job_id", job.ID,
			"repo_id", repoID,
			"job_type", jobType,
			"saved_to", target,
			"request_id", requestIDFrom(r.Context()),
		)
		if err := s.queue.Enqueue(job.ID); err != nil {
			s.logger.Error("job.enqueue_failed", "job_id", job.ID, "error", err)
		}
		s.writeJSON(w, http.StatusAccepted, jobCreatedResponse{JobID: job.ID, RepoID: repoID})
	}
}

func saveUpload(src io.Reader, target string) error {
	out, err := os.Create(target)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "create upload file")
	}
	defer func() { _ = out.Close() }()
	if _, err := io.Copy(out, src); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fault.Wrap(fault.ArchiveTooLarge, err, "upload exceeds size limit")
		}
		return fault.Wrap(fault.Internal, err, "store upload")
	}
	return out.Close()
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(r.PathValue("job_id"))
	if err != nil {
		s.writeError(w, r, fault.Wrap(fault.BadRequest, err, "invalid job id"))
		return
	}
	job, err := s.store.Get(r.Context(), jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	repoID, err := uuid.Parse(r.URL.Query().Get("repo_id"))
	if err != nil {
		s.writeError(w, r, fault.Wrap(fault.BadRequest, err, "repo_id query parameter required"))
		return
	}
	list, err := s.store.ListByRepo(r.Context(), repoID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

type queryRequest struct {
	RepoID   uuid.UUID `json:"repo_id"`
	Question string    `json:"question"`
	TopK     int       `json:"top_k"`
}

type graphPayload struct {
	Nodes []extract.Node `json:"nodes"`
	Edges []extract.Edge `json:"edges"`
}

type queryResponse struct {
	Answer    string       `json:"answer"`
	Citations []string     `json:"citations"`
	Graph     graphPayload `json:"graph"`
	Warning   string       `json:"warning,omitempty"`
}

// handleQuery routes structural questions to the graph query path and
// everything else through hybrid retrieval plus the composer.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fault.Wrap(fault.BadRequest, err, "invalid query payload"))
		return
	}
	if req.RepoID == uuid.Nil || req.Question == "" {
		s.writeError(w, r, fault.New(fault.BadRequest, "repo_id and question are required"))
		return
	}
	repoID := req.RepoID.String()

	if s.isStructural != nil && s.isStructural(req.Question) {
		result, cypher, err := s.router.Run(r.Context(), repoID, req.Question)
		if err == nil {
			ans := s.composer.ComposeStructural(req.Question, cypher, result)
			s.writeJSON(w, http.StatusOK, queryResponse{
				Answer:    ans.Answer,
				Citations: ans.Citations,
				Graph:     graphPayload{Nodes: []extract.Node{}, Edges: []extract.Edge{}},
				Warning:   ans.Warning,
			})
			return
		}
		// Fall through to retrieval rather than failing the question.
		s.logger.Warn("query.structural.degraded",
			"repo_id", repoID,
			"error", err,
			"request_id", requestIDFrom(r.Context()),
		)
	}

	pack, err := s.retriever.Retrieve(r.Context(), repoID, req.Question, req.TopK)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ans, err := s.composer.Compose(r.Context(), req.Question, pack)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	citations := ans.Citations
	if citations == nil {
		citations = []string{}
	}
	s.writeJSON(w, http.StatusOK, queryResponse{
		Answer:    ans.Answer,
		Citations: citations,
		Graph:     graphPayload{Nodes: pack.Nodes, Edges: pack.Edges},
		Warning:   ans.Warning,
	})
}

type repoStatusResponse struct {
	RepoID           uuid.UUID `json:"repo_id"`
	IndexedNodeCount int       `json:"indexed_node_count"`
	IndexedEdgeCount int       `json:"indexed_edge_count"`
	EmbeddedNodes    int       `json:"embedded_nodes"`
	EmbeddedFraction float64   `json:"embedded_fraction"`
	EmbeddingsExist  bool      `json:"embeddings_exist"`
}

func (s *Server) handleRepoStatus(w http.ResponseWriter, r *http.Request) {
	repoID, err := uuid.Parse(r.PathValue("repo_id"))
	if err != nil {
		s.writeError(w, r, fault.Wrap(fault.BadRequest, err, "invalid repo id"))
		return
	}
	status, err := s.graph.Status(r.Context(), repoID.String())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	embeddings, err := s.graph.Embeddings(r.Context(), repoID.String())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var fraction float64
	if embeddings.TotalNodes > 0 {
		fraction = float64(embeddings.EmbeddedNodes) / float64(embeddings.TotalNodes)
	}
	s.writeJSON(w, http.StatusOK, repoStatusResponse{
		RepoID:           repoID,
		IndexedNodeCount: status.Nodes,
		IndexedEdgeCount: status.Edges,
		EmbeddedNodes:    embeddings.EmbeddedNodes,
		EmbeddedFraction: fraction,
		EmbeddingsExist:  embeddings.EmbeddingsExist,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ConfigError(); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok":    false,
			"error": fault.KindOf(err).String(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDebugEnv(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Redacted())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("response.encode_failed", "error", err)
	}
}

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	status := statusFor(kind)

	var body errorBody
	body.Error.Kind = kind.String()
	body.Error.Message = err.Error()
	body.RequestID = requestIDFrom(r.Context())

	if status >= 500 {
		s.logger.Error("request.error", "kind", kind, "error", err, "request_id", body.RequestID)
	} else {
		s.logger.Warn("request.error", "kind", kind, "error", err, "request_id", body.RequestID)
	}
	s.writeJSON(w, status, body)
}

func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.BadRequest:
		return http.StatusBadRequest
	case fault.Unauthorized:
		return http.StatusUnauthorized
	case fault.NotFound:
		return http.StatusNotFound
	case fault.ArchiveTooLarge:
		return http.StatusRequestEntityTooLarge
	case fault.ArchiveUnsafe, fault.ArchiveTooManyFiles, fault.UnsafeQuery:
		return http.StatusBadRequest
	case fault.NoSupportedFiles:
		return http.StatusUnprocessableEntity
	case fault.UpstreamUnavailable, fault.UpstreamRejected, fault.EmbedExhausted:
		return http.StatusBadGateway
	case fault.Config:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ListenAndServe runs the edge until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http.listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
