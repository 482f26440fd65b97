// Package api is the HTTP gateway: it validates inbound parameters, persists
// and enqueues jobs, serves the catalogs, and streams artifact downloads. All
// validation happens here; by the time a record reaches the worker its fields
// are trusted.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/voxmill/voxmill/internal/artifact"
	"github.com/voxmill/voxmill/internal/catalog"
	"github.com/voxmill/voxmill/internal/observe"
	"github.com/voxmill/voxmill/internal/queue"
	"github.com/voxmill/voxmill/internal/store"
	"github.com/voxmill/voxmill/pkg/audio/transcode"
	"github.com/voxmill/voxmill/pkg/types"
)

// Server holds the gateway's collaborators. Create with [New], mount with
// [Server.Register].
type Server struct {
	store      store.Store
	broker     queue.Broker
	quality    *catalog.QualityCatalog
	voices     *catalog.VoiceCatalog
	layout     artifact.Layout
	transcoder transcode.Transcoder
	metrics    *observe.Metrics
	logger     *slog.Logger

	uploadReadTimeout time.Duration

	// draining flips on graceful shutdown: job intake answers 503 while
	// read-only endpoints keep serving until the listener closes.
	draining atomic.Bool
}

// Option configures a [Server].
type Option func(*Server)

// WithUploadReadTimeout bounds how long a multipart upload body read may take.
// Default: 120s.
func WithUploadReadTimeout(d time.Duration) Option {
	return func(s *Server) { s.uploadReadTimeout = d }
}

// WithMetrics overrides the default metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New assembles the gateway.
func New(st store.Store, b queue.Broker, q *catalog.QualityCatalog, v *catalog.VoiceCatalog,
	layout artifact.Layout, tc transcode.Transcoder, logger *slog.Logger, opts ...Option) *Server {

	s := &Server{
		store:             st,
		broker:            b,
		quality:           q,
		voices:            v,
		layout:            layout,
		transcoder:        tc,
		metrics:           observe.DefaultMetrics(),
		logger:            logger.With("component", "api"),
		uploadReadTimeout: 120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register mounts every gateway route on mux. Health endpoints are mounted
// separately by the health package.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /jobs", s.handleCreateJob)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /jobs/{id}/formats", s.handleJobFormats)
	mux.HandleFunc("GET /jobs/{id}/download", s.handleDownloadJob)
	mux.HandleFunc("DELETE /jobs/{id}", s.handleDeleteJob)

	mux.HandleFunc("POST /voices/clone", s.handleCloneVoice)
	mux.HandleFunc("GET /voices", s.handleListVoices)
	mux.HandleFunc("GET /voices/{id}", s.handleGetVoice)
	mux.HandleFunc("DELETE /voices/{id}", s.handleDeleteVoice)

	mux.HandleFunc("POST /quality-profiles", s.handleCreateQualityProfile)
	mux.HandleFunc("GET /quality-profiles", s.handleListQualityProfiles)
	mux.HandleFunc("GET /quality-profiles/{id}", s.handleGetQualityProfile)
	mux.HandleFunc("PATCH /quality-profiles/{id}", s.handleUpdateQualityProfile)
	mux.HandleFunc("DELETE /quality-profiles/{id}", s.handleDeleteQualityProfile)
	mux.HandleFunc("POST /quality-profiles/{id}/duplicate", s.handleDuplicateQualityProfile)
	mux.HandleFunc("POST /quality-profiles/{id}/set-default", s.handleSetDefaultQualityProfile)
}

// Drain makes job intake answer 503 from now on. Called at the start of
// graceful shutdown, before the listener closes.
func (s *Server) Drain() {
	s.draining.Store(true)
}

// rejectIfDraining answers intake requests arriving during shutdown. Returns
// true when the request was rejected.
func (s *Server) rejectIfDraining(w http.ResponseWriter, r *http.Request) bool {
	if !s.draining.Load() {
		return false
	}
	s.writeErrorStatus(w, r, http.StatusServiceUnavailable, types.KindCircuitOpen, "service is shutting down")
	return true
}

// errorResponse is the JSON body of every 4xx/5xx answer.
type errorResponse struct {
	Error     string   `json:"error"`
	ErrorKind string   `json:"error_kind"`
	RequestID string   `json:"request_id"`
	Details   []string `json:"details,omitempty"`
}

// writeError maps err's kind to an HTTP status and writes the structured
// error body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := types.KindOf(err)
	s.writeErrorStatus(w, r, kind.HTTPStatus(), kind, types.MessageOf(err))
}

func (s *Server) writeErrorStatus(w http.ResponseWriter, r *http.Request, status int, kind types.ErrorKind, msg string) {
	requestID := observe.RequestID(r.Context())
	if status >= 500 {
		s.logger.Error("request failed", "request_id", requestID, "path", r.URL.Path, "error_kind", string(kind), "error", msg)
	}
	s.writeJSON(w, status, errorResponse{
		Error:     msg,
		ErrorKind: string(kind),
		RequestID: requestID,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response failed", "error", err)
	}
}

// decodeJSON decodes a request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return types.Wrap(types.KindValidation, err, "malformed JSON body")
	}
	return nil
}
