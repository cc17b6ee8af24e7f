// Package server exposes curve fitting and linear solves over HTTP and
// JSON-RPC 2.0. Fits run asynchronously as jobs identified by a UUID.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/lmfit/internal/config"
	apperrors "github.com/copyleftdev/lmfit/internal/errors"
	"github.com/copyleftdev/lmfit/internal/logging"
	"github.com/copyleftdev/lmfit/internal/optimization"
	"github.com/copyleftdev/lmfit/internal/optimization/levenberg"
	"github.com/copyleftdev/lmfit/internal/optimization/linalg"
	"github.com/copyleftdev/lmfit/internal/optimization/models"
)

// Logger is the structured logger the server writes to.
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// FitStatus is the lifecycle state of a fit job.
type FitStatus string

const (
	StatusPending        FitStatus = "pending"
	StatusRunning        FitStatus = "running"
	StatusConverged      FitStatus = "converged"
	StatusIterationLimit FitStatus = "iteration_limit"
	StatusFailed         FitStatus = "failed"
	StatusCancelled      FitStatus = "cancelled"
)

func (s FitStatus) terminal() bool {
	return s != StatusPending && s != StatusRunning
}

// FitRequest describes a curve fit. Settings left out fall back to the
// server's configured defaults.
type FitRequest struct {
	Model        string    `json:"model"`
	Degree       int       `json:"degree,omitempty"`
	T            []float64 `json:"t"`
	Y            []float64 `json:"y"`
	InitialGuess []float64 `json:"initial_guess,omitempty"`
	// Seed makes the random initial guess reproducible.
	Seed               *uint64  `json:"seed,omitempty"`
	MinError           *float64 `json:"min_error,omitempty"`
	MinErrorDifference *float64 `json:"min_error_difference,omitempty"`
	MaxIterations      *int     `json:"max_iterations,omitempty"`
}

// FitJob tracks one asynchronous fit. Fields are guarded by Server.jobsMu.
type FitJob struct {
	ID            string
	Model         string
	Status        FitStatus
	StartTime     time.Time
	EndTime       *time.Time
	LastUpdated   time.Time
	Iterations    int
	FallbackSteps int
	BestParams    []float64
	BestF         float64
	RMS           float64
	Error         string

	cancel context.CancelFunc
}

// FitStatusResponse is the client view of a FitJob.
type FitStatusResponse struct {
	FitID         string    `json:"fit_id"`
	Model         string    `json:"model"`
	Status        FitStatus `json:"status"`
	StartTime     string    `json:"start_time"`
	EndTime       string    `json:"end_time,omitempty"`
	LastUpdate    string    `json:"last_update"`
	Iterations    int       `json:"iterations"`
	FallbackSteps int       `json:"fallback_steps"`
	Parameters    []float64 `json:"parameters,omitempty"`
	BestF         *float64  `json:"best_f,omitempty"`
	RMS           *float64  `json:"rms,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// SolveRequest is a dense linear system a·x = b given row by row.
type SolveRequest struct {
	A         [][]float64 `json:"a"`
	B         []float64   `json:"b"`
	Symmetric bool        `json:"symmetric"`
}

// SolveResponse reports the solution of a SolveRequest. Success is false
// when the matrix is numerically singular.
type SolveResponse struct {
	Success   bool      `json:"success"`
	X         []float64 `json:"x,omitempty"`
	Condition *float64  `json:"condition,omitempty"`
}

// Server implements the HTTP and JSON-RPC server for the fitting service.
// It manages fit jobs and provides endpoints to start, monitor, and cancel them.
type Server struct {
	cfg     *config.Config
	logger  Logger
	metrics *metrics

	jobs   map[string]*FitJob
	active int
	closed bool
	jobsMu sync.RWMutex // Protects jobs, active and closed
	wg     sync.WaitGroup
}

// NewServer creates a server with no jobs.
func NewServer(cfg *config.Config, logger Logger) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: newMetrics(),
		jobs:    make(map[string]*FitJob),
	}
}

// RegisterRoutes mounts the REST and JSON-RPC endpoints on r.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/fit", s.handleFit)
		r.Get("/status/{id}", s.handleStatus)
		r.Delete("/fit/{id}", s.handleCancel)
		r.Post("/solve", s.handleSolve)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// MetricsHandler serves the fit job metrics in the Prometheus format.
func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.handler()
}

func (s *Server) settings(req FitRequest) optimization.Settings {
	st := optimization.Settings{
		MinError:           s.cfg.Fit.MinError,
		MinErrorDifference: s.cfg.Fit.MinErrorDifference,
		MaxIterations:      s.cfg.Fit.MaxIterations,
	}
	if req.MinError != nil {
		st.MinError = *req.MinError
	}
	if req.MinErrorDifference != nil {
		st.MinErrorDifference = *req.MinErrorDifference
	}
	if req.MaxIterations != nil {
		st.MaxIterations = *req.MaxIterations
	}
	return st
}

// startFit validates req, registers a job and runs it in a goroutine.
func (s *Server) startFit(req FitRequest) (string, error) {
	model, err := models.New(req.Model, req.Degree)
	if err != nil {
		return "", err
	}
	fit, err := models.NewCurveFit(model, req.T, req.Y)
	if err != nil {
		return "", err
	}
	settings := s.settings(req)
	if err := settings.Validate(); err != nil {
		return "", err
	}
	if req.InitialGuess != nil && len(req.InitialGuess) != model.NumParams() {
		return "", apperrors.Wrapf(apperrors.ErrBadRequest,
			"model %s takes %d parameters, initial guess has %d", model.Name(), model.NumParams(), len(req.InitialGuess))
	}

	id := uuid.NewString()
	jobLogger := s.logger.WithFields(map[string]interface{}{
		"fit_id": id,
		"model":  model.Name(),
	})
	zl := logging.NewZapLogger(jobLogger)

	opts := []levenberg.Option{
		levenberg.WithDimension(model.NumParams()),
		levenberg.WithInitialLambda(s.cfg.Fit.InitialLambda),
		levenberg.WithLogger(zl.Named("levenberg")),
		levenberg.WithSolver(s.newSolver(zl)),
	}
	if req.Seed != nil {
		opts = append(opts, levenberg.WithRandSource(rand.NewPCG(*req.Seed, 0)))
	}
	opt, err := levenberg.New(fit.Problem(), opts...)
	if err != nil {
		return "", err
	}

	s.jobsMu.Lock()
	if s.closed {
		s.jobsMu.Unlock()
		return "", apperrors.Wrap(apperrors.ErrAtCapacity, "server is shutting down")
	}
	if s.active >= s.cfg.Fit.MaxJobs {
		s.jobsMu.Unlock()
		return "", apperrors.Wrapf(apperrors.ErrAtCapacity, "%d fits already active", s.active)
	}
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	job := &FitJob{
		ID:          id,
		Model:       model.Name(),
		Status:      StatusPending,
		StartTime:   now,
		LastUpdated: now,
		cancel:      cancel,
	}
	s.jobs[id] = job
	s.active++
	s.wg.Add(1)
	s.jobsMu.Unlock()

	s.metrics.active.Inc()
	jobLogger.Info("Fit started", map[string]interface{}{
		"samples": fit.NumSamples(),
	})

	go s.runFit(ctx, job, opt, fit, settings, req.InitialGuess, jobLogger)

	return id, nil
}

func (s *Server) newSolver(zl *zap.Logger) *linalg.Solver {
	return linalg.NewSolver(
		linalg.WithTolerance(s.cfg.Fit.SingularTolerance),
		linalg.WithSymmetryCheck(s.cfg.Fit.VerifySymmetric),
		linalg.WithLogger(zl.Named("linalg")),
	)
}

// runFit executes a fit job and records its outcome.
func (s *Server) runFit(ctx context.Context, job *FitJob, opt *levenberg.Optimizer, fit *models.CurveFit,
	settings optimization.Settings, guess []float64, logger *logging.Logger) {
	defer s.wg.Done()
	defer s.metrics.active.Dec()

	s.jobsMu.Lock()
	if job.Status == StatusPending {
		job.Status = StatusRunning
		job.LastUpdated = time.Now()
	}
	s.jobsMu.Unlock()

	result, err := safeRun(ctx, opt, settings, guess)

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	now := time.Now()
	job.EndTime = &now
	job.LastUpdated = now
	s.active--

	switch {
	case err == nil:
		if result.Status == optimization.StatusConverged {
			job.Status = StatusConverged
		} else {
			job.Status = StatusIterationLimit
		}
		job.Iterations = result.Iterations
		job.FallbackSteps = result.FallbackSteps
		job.BestParams = result.Best.X
		job.BestF = result.Best.F
	case apperrors.Is(err, context.Canceled):
		job.Status = StatusCancelled
		job.Iterations = len(opt.History())
		job.BestParams = opt.BestX()
		job.BestF = opt.BestF()
		for _, e := range opt.History() {
			if e.Fallback {
				job.FallbackSteps++
			}
		}
	default:
		job.Status = StatusFailed
		job.Error = err.Error()
	}
	job.cancel()
	if job.BestParams != nil {
		job.RMS = fit.RMS(job.BestF)
	}

	s.metrics.fits.WithLabelValues(string(job.Status)).Inc()
	s.metrics.iterations.Observe(float64(job.Iterations))
	s.metrics.fallbacks.Add(float64(job.FallbackSteps))

	fields := map[string]interface{}{
		"status":         job.Status,
		"iterations":     job.Iterations,
		"fallback_steps": job.FallbackSteps,
		"duration_ms":    float64(now.Sub(job.StartTime).Microseconds()) / 1000.0,
	}
	if job.Status == StatusFailed {
		fields["error"] = job.Error
		fields["configuration"] = optimization.IsConfigurationError(err)
		if oe, ok := optimization.IsOptimizationError(err); ok {
			fields["component"] = oe.Component
			fields["operation"] = oe.Op
		}
		logger.Error("Fit failed", fields)
		return
	}
	logger.Info("Fit finished", fields)
}

// safeRun runs the optimizer, turning a panicking model into an error.
func safeRun(ctx context.Context, opt *levenberg.Optimizer, settings optimization.Settings, guess []float64) (result *optimization.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = apperrors.Errorf("fit panicked: %v", rec).WithComponent("server").WithOperation("runFit")
		}
	}()
	return opt.Run(ctx, settings, guess)
}

// fitStatus returns a snapshot of the job with the given ID.
func (s *Server) fitStatus(id string) (*FitStatusResponse, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "fit %s", id)
	}

	resp := &FitStatusResponse{
		FitID:         job.ID,
		Model:         job.Model,
		Status:        job.Status,
		StartTime:     job.StartTime.Format(time.RFC3339),
		LastUpdate:    job.LastUpdated.Format(time.RFC3339),
		Iterations:    job.Iterations,
		FallbackSteps: job.FallbackSteps,
		Error:         job.Error,
	}
	if job.EndTime != nil {
		resp.EndTime = job.EndTime.Format(time.RFC3339)
	}
	if job.BestParams != nil {
		resp.Parameters = append([]float64(nil), job.BestParams...)
		resp.BestF = finite(job.BestF)
		resp.RMS = finite(job.RMS)
	}
	return resp, nil
}

// cancelFit requests cancellation of a pending or running job.
func (s *Server) cancelFit(id string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return apperrors.Wrapf(apperrors.ErrNotFound, "fit %s", id)
	}
	if job.Status.terminal() {
		return apperrors.Wrapf(apperrors.ErrNotActive, "fit %s is %s", id, job.Status)
	}

	job.cancel()
	job.LastUpdated = time.Now()

	s.logger.Info("Fit cancellation requested", map[string]interface{}{
		"fit_id": id,
	})
	return nil
}

// solve runs a synchronous linear solve.
func (s *Server) solve(req SolveRequest) (*SolveResponse, error) {
	a, err := linalg.DenseFromRows(req.A)
	if err != nil {
		return nil, err
	}
	if len(req.B) == 0 {
		return nil, apperrors.Wrap(apperrors.ErrBadRequest, "vector must not be empty")
	}

	zl := logging.NewZapLogger(s.logger.WithFields(map[string]interface{}{"component": "solve"}))
	x, ok, err := s.newSolver(zl).Solve(a, mat.NewVecDense(len(req.B), req.B), req.Symmetric)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &SolveResponse{Success: false}, nil
	}
	return &SolveResponse{
		Success:   true,
		X:         x.RawVector().Data,
		Condition: finite(linalg.ConditionNumber(a)),
	}, nil
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// Close cancels every active fit and waits for them to finish.
func (s *Server) Close() error {
	s.jobsMu.Lock()
	s.closed = true
	for _, job := range s.jobs {
		if !job.Status.terminal() {
			job.cancel()
		}
	}
	s.jobsMu.Unlock()

	s.wg.Wait()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperrors.HTTPStatus(err), map[string]interface{}{
		"error": err.Error(),
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Wrap(apperrors.ErrBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

// handleFit handles POST /api/v1/fit.
func (s *Server) handleFit(w http.ResponseWriter, r *http.Request) {
	var req FitRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	id, err := s.startFit(req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"fit_id": id,
		"status": StatusPending,
	})
}

// handleStatus handles GET /api/v1/status/{id}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.fitStatus(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCancel handles DELETE /api/v1/fit/{id}.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.cancelFit(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "cancellation requested",
	})
}

// handleSolve handles POST /api/v1/solve.
func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	var req SolveRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	resp, err := s.solve(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
