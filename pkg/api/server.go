package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/mlpipe/pkg/engine"
)

const (
	defaultMaxRequestSize  = 1 << 20
	defaultShutdownTimeout = 10 * time.Second
)

// Provisioner handles provisioning requests.
type Provisioner interface {
	Handle(ctx context.Context, raw *engine.RawRequest) (*engine.ProvisioningOutcome, error)
}

// StatusReader reads and terminates pipeline records.
type StatusReader interface {
	GetStatus(ctx context.Context, pipelineID string) (*engine.PipelineRecord, error)
	ListPipelines(ctx context.Context, filter engine.PipelineFilter) ([]engine.PipelineSummary, error)
	Terminate(ctx context.Context, pipelineID, reason string) (*engine.PipelineRecord, error)
}

// BlueprintLister lists the registered blueprints.
type BlueprintLister interface {
	List() []engine.Blueprint
}

// RequestRecorder records one observation per HTTP request.
type RequestRecorder interface {
	RecordHTTPRequest(route string, code int, duration time.Duration)
}

// Deps are the collaborators of a Server. Recorder, Metrics and Health are
// optional.
type Deps struct {
	Provisioner Provisioner
	Status      StatusReader
	Blueprints  BlueprintLister
	Recorder    RequestRecorder

	// Metrics is served on GET /metrics when set.
	Metrics http.Handler

	// Health is called by GET /healthz; an error reports 503.
	Health func(ctx context.Context) error
}

// Config configures a Server.
type Config struct {
	Listen         string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestSize int64

	// ShutdownTimeout bounds the graceful shutdown in ListenAndServe.
	ShutdownTimeout time.Duration
}

// Server is the HTTP front end of the engine.
type Server struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
	mux    *http.ServeMux
}

// NewServer creates a server and registers its routes.
func NewServer(cfg Config, deps Deps, logger zerolog.Logger) (*Server, error) {
	switch {
	case deps.Provisioner == nil:
		return nil, fmt.Errorf("api server requires a provisioner")
	case deps.Status == nil:
		return nil, fmt.Errorf("api server requires a status reader")
	case deps.Blueprints == nil:
		return nil, fmt.Errorf("api server requires a blueprint lister")
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("component", "api").Logger(),
		mux:    http.NewServeMux(),
	}
	s.route("POST /pipelines", s.handleProvision)
	s.route("GET /pipelines", s.handleList)
	s.route("GET /pipelines/{id}", s.handleGet)
	s.route("POST /pipelines/{id}/terminate", s.handleTerminate)
	s.route("GET /blueprints", s.handleBlueprints)
	s.route("GET /healthz", s.handleHealth)
	if deps.Metrics != nil {
		s.mux.Handle("GET /metrics", deps.Metrics)
	}
	return s, nil
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", s.cfg.Listen).Msg("API server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down api server: %w", err)
		}
		return nil
	}
}

// statusWriter captures the response code for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// route registers h under pattern with request IDs, logging and metrics.
func (s *Server) route(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		logger := s.logger.With().Str("request_id", requestID).Str("route", pattern).Logger()
		ctx := logger.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID))

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		h(sw, r.WithContext(ctx))

		duration := time.Since(start)
		if s.deps.Recorder != nil {
			s.deps.Recorder.RecordHTTPRequest(pattern, sw.code, duration)
		}
		event := logger.Debug()
		if sw.code >= http.StatusInternalServerError {
			event = logger.Warn()
		}
		event.Int("status", sw.code).Dur("duration", duration).Msg("Request handled")
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// UnitView is one deployment unit in a provisioning response.
type UnitView struct {
	UnitName    string                  `json:"unitName"`
	Environment *engine.EnvironmentRef  `json:"environment,omitempty"`
	Status      engine.DeploymentStatus `json:"status"`
	OperationID string                  `json:"operationId,omitempty"`
	Error       string                  `json:"error,omitempty"`
}

// ProvisionResponse is the body of an accepted provisioning request.
type ProvisionResponse struct {
	PipelineID      string                  `json:"pipelineId"`
	RequestID       string                  `json:"requestId"`
	Status          engine.DeploymentStatus `json:"status"`
	Created         bool                    `json:"created"`
	FanoutResult    engine.FanoutResult     `json:"fanoutResult,omitempty"`
	DeploymentUnits []UnitView              `json:"deploymentUnits"`
}

func newProvisionResponse(out *engine.ProvisioningOutcome) ProvisionResponse {
	resp := ProvisionResponse{
		PipelineID:      out.PipelineID,
		RequestID:       out.RequestID,
		Status:          out.Status,
		Created:         out.Created,
		DeploymentUnits: make([]UnitView, 0, len(out.DeploymentUnits)),
	}
	if out.Fanout != nil {
		resp.FanoutResult = out.Fanout.Result
	}
	for _, u := range out.DeploymentUnits {
		resp.DeploymentUnits = append(resp.DeploymentUnits, UnitView{
			UnitName:    u.UnitName,
			Environment: u.Environment,
			Status:      u.Status,
			OperationID: u.OperationID,
			Error:       u.Error,
		})
	}
	return resp
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxRequestSize+1))
	if err != nil {
		writeError(w, engine.NewInvalidParameterError("body", "failed to read request body"))
		return
	}
	if int64(len(body)) > s.cfg.MaxRequestSize {
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
			ErrorType: "RequestTooLarge",
			Message:   fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxRequestSize),
		})
		return
	}

	var raw engine.RawRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		writeError(w, engine.NewInvalidParameterError("body", err.Error()))
		return
	}
	if raw.RequestID == "" {
		raw.RequestID = requestIDFrom(r.Context())
	}

	out, err := s.deps.Provisioner.Handle(r.Context(), &raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newProvisionResponse(out))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Status.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListResponse is the body of GET /pipelines.
type ListResponse struct {
	Pipelines []engine.PipelineSummary `json:"pipelines"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := engine.PipelineFilter{
		PipelineType: q.Get("pipelineType"),
		Status:       engine.DeploymentStatus(q.Get("status")),
	}
	if filter.Status != "" {
		if err := filter.Status.Validate(); err != nil {
			writeError(w, engine.NewInvalidParameterError("status", err.Error()))
			return
		}
	}
	if v := q.Get("includeTerminated"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, engine.NewInvalidParameterError("includeTerminated", "must be a boolean"))
			return
		}
		filter.IncludeTerminated = b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, engine.NewInvalidParameterError("limit", "must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}

	pipelines, err := s.deps.Status.ListPipelines(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if pipelines == nil {
		pipelines = []engine.PipelineSummary{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Pipelines: pipelines})
}

type terminateRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxRequestSize))
	if err != nil {
		writeError(w, engine.NewInvalidParameterError("body", "failed to read request body"))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, engine.NewInvalidParameterError("body", err.Error()))
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "terminated via api"
	}

	rec, err := s.deps.Status.Terminate(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// BlueprintsResponse is the body of GET /blueprints.
type BlueprintsResponse struct {
	Blueprints []engine.Blueprint `json:"blueprints"`
}

func (s *Server) handleBlueprints(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, BlueprintsResponse{Blueprints: s.deps.Blueprints.List()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
