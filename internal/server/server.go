package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/copyleftdev/bmfmc/internal/config"
	apperrors "github.com/copyleftdev/bmfmc/internal/errors"
	"github.com/copyleftdev/bmfmc/internal/logging"
	"github.com/copyleftdev/bmfmc/internal/uq/bmfmc"
)

// Logger defines the logging interface used by the server
// This allows us to be flexible with our logging implementation
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// Analysis statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

var (
	errNotFound = errors.New("analysis not found")
	errNotReady = errors.New("analysis has no result")
	errTerminal = errors.New("analysis already finished")
)

// Runner executes one analysis.
type Runner interface {
	Run(ctx context.Context) (*bmfmc.Output, error)
}

// Builder turns an analysis definition into a Runner.
type Builder func(a *config.Analysis, logger *zap.Logger) (Runner, error)

func buildModel(a *config.Analysis, logger *zap.Logger) (Runner, error) {
	return a.Model(logger)
}

// AnalysisState represents the state of an analysis job.
// It is guarded by the server's mutex.
type AnalysisState struct {
	ID          string
	Status      string
	StartTime   time.Time
	EndTime     *time.Time
	Err         error
	Result      *bmfmc.Output
	CancelFunc  context.CancelFunc
	LastUpdated time.Time
}

func (st *AnalysisState) finish(status string, now time.Time) {
	st.Status = status
	st.EndTime = &now
	st.LastUpdated = now
}

func (st *AnalysisState) terminal() bool {
	switch st.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Server implements the HTTP and JSON-RPC server for the analysis service.
// It manages analysis jobs and provides endpoints to start, monitor, and cancel them.
type Server struct {
	cfg       *config.Config
	logger    Logger
	zapLogger *zap.Logger
	build     Builder
	metrics   *metrics

	analyses   map[string]*AnalysisState
	analysesMu sync.RWMutex
	slots      chan struct{}
	wg         sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithBuilder replaces the analysis builder.
func WithBuilder(b Builder) Option {
	return func(s *Server) { s.build = b }
}

// WithModelLogger sets the logger handed to the analysis models.
func WithModelLogger(l *zap.Logger) Option {
	return func(s *Server) { s.zapLogger = l }
}

// WithRegisterer registers the server metrics with r instead of the
// default registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(s *Server) { s.metrics = newMetrics(r) }
}

// NewServer creates a new server instance with the given config and logger
// The logger parameter accepts any type that implements the Logger interface
func NewServer(cfg *config.Config, logger Logger, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		zapLogger: zap.NewNop(),
		build:     buildModel,
		analyses:  make(map[string]*AnalysisState),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = newMetrics(prometheus.DefaultRegisterer)
	}
	slots := cfg.Analysis.MaxConcurrent
	if slots < 1 {
		slots = 1
	}
	s.slots = make(chan struct{}, slots)
	return s
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/analyses", s.handleCreate)
		r.Get("/analyses/{id}", s.handleStatus)
		r.Get("/analyses/{id}/result", s.handleResult)
		r.Delete("/analyses/{id}", s.handleCancel)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type idParams struct {
	AnalysisID string `json:"analysis_id"`
}

// decodeParams accepts the parameters either as an object or as a
// single-element array holding the object.
func decodeParams(raw json.RawMessage, v interface{}) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return apperrors.New(apperrors.KindConfig, "missing required parameters")
	}
	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil || len(list) != 1 {
			return apperrors.New(apperrors.KindConfig, "invalid parameter format, expected object")
		}
		raw = list[0]
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Wrap(err, apperrors.KindConfig, "invalid parameters")
	}
	return nil
}

func (p idParams) validate() error {
	if p.AnalysisID == "" {
		return apperrors.New(apperrors.KindConfig, "analysis_id is required")
	}
	return nil
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, codeParseError, "Parse error", nil)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" {
		s.respondWithError(w, codeInvalidRequest, "Invalid Request", request.ID)
		return
	}

	var result interface{}
	var err error

	switch request.Method {
	case "analysis.start":
		a := config.DefaultAnalysis()
		if err = decodeParams(request.Params, a); err == nil {
			result, err = s.startAnalysis(a)
		}
	case "analysis.status", "analysis.result", "analysis.cancel":
		var p idParams
		if err = decodeParams(request.Params, &p); err == nil {
			err = p.validate()
		}
		if err != nil {
			break
		}
		switch request.Method {
		case "analysis.status":
			result, err = s.analysisStatus(p.AnalysisID)
		case "analysis.result":
			result, err = s.analysisResult(p.AnalysisID)
		default:
			err = s.cancelAnalysis(p.AnalysisID)
			result = map[string]string{"analysis_id": p.AnalysisID, "status": StatusCancelled}
		}
	default:
		s.respondWithError(w, codeMethodNotFound, "Method not found", request.ID)
		return
	}

	if err != nil {
		code := codeServerError
		if apperrors.KindOf(err) == apperrors.KindConfig {
			code = codeInvalidParams
		}
		s.respondWithError(w, code, err.Error(), request.ID)
		return
	}

	// Send successful response
	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Error("Request error", map[string]interface{}{
		"status":  code,
		"message": message,
	})

	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// startAnalysis validates the analysis, builds its model and runs it in
// the background once a slot is free.
func (s *Server) startAnalysis(a *config.Analysis) (map[string]string, error) {
	if err := a.ConfinePaths(s.cfg.Analysis.DataDir); err != nil {
		return nil, err
	}
	if a.Workers == 0 {
		a.Workers = s.cfg.Analysis.Workers
	}

	id := uuid.NewString()
	runner, err := s.build(a, s.zapLogger.With(zap.String("analysis_id", id)))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	state := &AnalysisState{
		ID:          id,
		Status:      StatusPending,
		StartTime:   now,
		CancelFunc:  cancel,
		LastUpdated: now,
	}

	s.analysesMu.Lock()
	s.analyses[id] = state
	s.analysesMu.Unlock()

	s.wg.Add(1)
	go s.runAnalysis(ctx, state, runner)

	s.logger.Info("Analysis submitted", map[string]interface{}{
		"analysis_id": id,
		"features":    a.FeaturesConfig,
	})
	return map[string]string{"analysis_id": id, "status": StatusPending}, nil
}

// runAnalysis executes the analysis in a goroutine
func (s *Server) runAnalysis(ctx context.Context, state *AnalysisState, runner Runner) {
	defer s.wg.Done()

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-ctx.Done():
		s.complete(state, nil, ctx.Err())
		return
	}

	s.metrics.running.Inc()
	s.analysesMu.Lock()
	if state.terminal() {
		s.analysesMu.Unlock()
		s.metrics.running.Dec()
		return
	}
	state.Status = StatusRunning
	state.LastUpdated = time.Now()
	s.analysesMu.Unlock()

	out, err := runner.Run(ctx)
	s.metrics.running.Dec()
	s.complete(state, out, err)
}

func (s *Server) complete(state *AnalysisState, out *bmfmc.Output, err error) {
	s.analysesMu.Lock()
	defer s.analysesMu.Unlock()

	now := time.Now()
	if state.Status == StatusCancelled {
		// cancelAnalysis already finished the state
		return
	}
	switch {
	case err == nil:
		state.Result = out
		state.finish(StatusCompleted, now)
	case errors.Is(err, context.Canceled):
		state.finish(StatusCancelled, now)
	default:
		state.Err = err
		state.finish(StatusFailed, now)
		s.logger.Error("Analysis failed", map[string]interface{}{
			"analysis_id": state.ID,
			"error":       err.Error(),
		})
	}
	s.metrics.observe(state.Status, now.Sub(state.StartTime))
}

func (s *Server) lookup(id string) (*AnalysisState, error) {
	state, ok := s.analyses[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errNotFound, id)
	}
	return state, nil
}

func (s *Server) analysisStatus(id string) (map[string]interface{}, error) {
	s.analysesMu.RLock()
	defer s.analysesMu.RUnlock()

	state, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	response := map[string]interface{}{
		"analysis_id": state.ID,
		"status":      state.Status,
		"start_time":  state.StartTime.Format(time.RFC3339),
		"last_update": state.LastUpdated.Format(time.RFC3339),
	}
	if state.EndTime != nil {
		response["end_time"] = state.EndTime.Format(time.RFC3339)
	}
	if state.Err != nil {
		response["error"] = state.Err.Error()
		response["error_kind"] = apperrors.KindOf(state.Err).String()
	}
	return response, nil
}

func (s *Server) analysisResult(id string) (*bmfmc.Output, error) {
	s.analysesMu.RLock()
	defer s.analysesMu.RUnlock()

	state, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if state.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: status is %s", errNotReady, state.Status)
	}
	return state.Result, nil
}

func (s *Server) cancelAnalysis(id string) error {
	s.analysesMu.Lock()
	defer s.analysesMu.Unlock()

	state, err := s.lookup(id)
	if err != nil {
		return err
	}
	if state.terminal() {
		return fmt.Errorf("%w: cannot cancel analysis with status %s", errTerminal, state.Status)
	}
	state.CancelFunc()
	now := time.Now()
	state.finish(StatusCancelled, now)
	s.metrics.observe(StatusCancelled, now.Sub(state.StartTime))

	s.logger.Info("Analysis cancelled", map[string]interface{}{
		"analysis_id": id,
	})
	return nil
}

// Close cancels all analyses and waits for their goroutines.
func (s *Server) Close() error {
	s.analysesMu.Lock()
	for _, st := range s.analyses {
		st.CancelFunc()
	}
	s.analysesMu.Unlock()
	s.wg.Wait()
	return nil
}

func restStatus(err error) int {
	switch {
	case errors.Is(err, errNotFound):
		return http.StatusNotFound
	case errors.Is(err, errNotReady), errors.Is(err, errTerminal):
		return http.StatusConflict
	}
	return apperrors.HTTPStatus(err)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(restStatus(err))
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleCreate handles POST /api/v1/analyses
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	a := config.DefaultAnalysis()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(a); err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.KindConfig, "invalid request body"))
		return
	}

	result, err := s.startAnalysis(a)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// handleStatus handles GET /api/v1/analyses/{id}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.analysisStatus(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleResult handles GET /api/v1/analyses/{id}/result
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.analysisResult(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCancel handles DELETE /api/v1/analyses/{id}
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cancelAnalysis(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"analysis_id": id,
		"status":      StatusCancelled,
	})
}
