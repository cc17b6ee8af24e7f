package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/lmfit/internal/config"
	"github.com/copyleftdev/lmfit/internal/logging"
	"github.com/copyleftdev/lmfit/internal/optimization"
	"github.com/copyleftdev/lmfit/internal/optimization/levenberg"
	"github.com/copyleftdev/lmfit/internal/optimization/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testConfig creates a test configuration with default values
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Environment: "test",
	}

	cfg.HTTP.Port = 8080
	cfg.HTTP.ReadTimeout = 30 * time.Second
	cfg.HTTP.WriteTimeout = 30 * time.Second
	cfg.HTTP.IdleTimeout = 120 * time.Second
	cfg.HTTP.ShutdownTimeout = 30 * time.Second

	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "text"
	cfg.Logging.Output = "stdout"

	cfg.Fit.MinError = 1e-8
	cfg.Fit.MinErrorDifference = 1e-14
	cfg.Fit.MaxIterations = 200
	cfg.Fit.InitialLambda = 1e-3
	cfg.Fit.SingularTolerance = 1e-11
	cfg.Fit.MaxJobs = 4

	return cfg
}

// testLogger creates a logger that discards its output
func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	return logging.New(logging.DebugLevel, io.Discard)
}

func newTestServer(t *testing.T) (*Server, chi.Router) {
	t.Helper()
	srv := NewServer(testConfig(t), testLogger(t))
	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	t.Cleanup(func() {
		assert.NoError(t, srv.Close())
	})
	return srv, r
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, reader))
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&out), rr.Body.String())
	return out
}

func exponentialRequest() FitRequest {
	t := make([]float64, 21)
	y := make([]float64, 21)
	for i := range t {
		t[i] = 0.1 * float64(i)
		y[i] = 2 * math.Exp(0.5*t[i])
	}
	return FitRequest{
		Model:        "exponential",
		T:            t,
		Y:            y,
		InitialGuess: []float64{1, 1},
	}
}

func floatsOf(t *testing.T, v interface{}) []float64 {
	t.Helper()
	raw, ok := v.([]interface{})
	require.True(t, ok, "expected array, got %T", v)
	out := make([]float64, len(raw))
	for i, x := range raw {
		out[i] = x.(float64)
	}
	return out
}

func TestNewServer(t *testing.T) {
	srv := NewServer(testConfig(t), testLogger(t))
	assert.NotNil(t, srv, "Server should be created")
	assert.NoError(t, srv.Close())
}

func TestRegisterRoutes(t *testing.T) {
	_, r := newTestServer(t)

	tests := []struct {
		method      string
		path        string
		shouldExist bool
	}{
		{"POST", "/api/v1/fit", true},
		{"GET", "/api/v1/status/123", true},
		{"DELETE", "/api/v1/fit/123", true},
		{"POST", "/api/v1/solve", true},
		{"POST", "/rpc", true},
		{"POST", "/api/v1/fit/123", false},
		{"GET", "/healthz", false}, // Not registered by server package
		{"GET", "/nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			found := r.Match(chi.NewRouteContext(), tt.method, tt.path)
			assert.Equal(t, tt.shouldExist, found)
		})
	}
}

func TestFitLifecycle(t *testing.T) {
	srv, r := newTestServer(t)

	rr := do(t, r, http.MethodPost, "/api/v1/fit", exponentialRequest())
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	started := decode(t, rr)
	id, _ := started["fit_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "pending", started["status"])

	srv.wg.Wait()

	rr = do(t, r, http.MethodGet, "/api/v1/status/"+id, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	status := decode(t, rr)
	assert.Equal(t, "converged", status["status"])
	assert.Equal(t, "exponential", status["model"])
	assert.Equal(t, float64(0), status["fallback_steps"])
	assert.NotEmpty(t, status["end_time"])
	assert.Greater(t, status["iterations"], float64(0))

	params := floatsOf(t, status["parameters"])
	require.Len(t, params, 2)
	assert.InDelta(t, 2.0, params[0], 1e-4)
	assert.InDelta(t, 0.5, params[1], 1e-4)
	assert.Less(t, status["rms"], 1e-4)

	// Finished fits can no longer be cancelled.
	rr = do(t, r, http.MethodDelete, "/api/v1/fit/"+id, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, srv.MetricsHandler(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `lmfit_fits_total{status="converged"} 1`)
	assert.Contains(t, body, "lmfit_active_fits 0")
	assert.Contains(t, body, "lmfit_fit_iterations_count 1")
}

func TestFitRandomGuessWithSeed(t *testing.T) {
	srv, r := newTestServer(t)

	ts := make([]float64, 10)
	ys := make([]float64, 10)
	for i := range ts {
		ts[i] = 0.5 * float64(i)
		ys[i] = 1 - 2*ts[i] + 0.5*ts[i]*ts[i]
	}
	seed := uint64(7)

	rr := do(t, r, http.MethodPost, "/api/v1/fit", FitRequest{
		Model:  "polynomial",
		Degree: 2,
		T:      ts,
		Y:      ys,
		Seed:   &seed,
	})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	id := decode(t, rr)["fit_id"].(string)

	srv.wg.Wait()

	status, err := srv.fitStatus(id)
	require.NoError(t, err)
	assert.Equal(t, StatusConverged, status.Status)
	require.Len(t, status.Parameters, 3)
	for i, want := range []float64{1, -2, 0.5} {
		assert.InDelta(t, want, status.Parameters[i], 1e-4, "param %d", i)
	}
}

func TestFitValidation(t *testing.T) {
	_, r := newTestServer(t)

	negative := -1
	valid := exponentialRequest()

	tests := []struct {
		name string
		body interface{}
	}{
		{name: "malformed json", body: "{"},
		{name: "unknown field", body: `{"model":"exponential","t":[1],"y":[1],"bounds":[]}`},
		{name: "unknown model", body: FitRequest{Model: "spline", T: valid.T, Y: valid.Y}},
		{name: "negative degree", body: FitRequest{Model: "polynomial", Degree: -1, T: valid.T, Y: valid.Y}},
		{name: "length mismatch", body: FitRequest{Model: "exponential", T: valid.T, Y: valid.Y[:3]}},
		{name: "no samples", body: FitRequest{Model: "exponential"}},
		{name: "wrong guess length", body: FitRequest{Model: "exponential", T: valid.T, Y: valid.Y, InitialGuess: []float64{1}}},
		{name: "invalid settings", body: FitRequest{Model: "exponential", T: valid.T, Y: valid.Y, MaxIterations: &negative}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, r, http.MethodPost, "/api/v1/fit", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			assert.NotEmpty(t, decode(t, rr)["error"])
		})
	}
}

func TestFitCapacity(t *testing.T) {
	srv, r := newTestServer(t)

	srv.jobsMu.Lock()
	srv.active = srv.cfg.Fit.MaxJobs
	srv.jobsMu.Unlock()

	rr := do(t, r, http.MethodPost, "/api/v1/fit", exponentialRequest())
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	srv.jobsMu.Lock()
	srv.active = 0
	srv.jobsMu.Unlock()
}

func TestCancel(t *testing.T) {
	srv, r := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.jobsMu.Lock()
	srv.jobs["running"] = &FitJob{ID: "running", Status: StatusRunning, cancel: cancel}
	srv.jobsMu.Unlock()

	rr := do(t, r, http.MethodDelete, "/api/v1/fit/running", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "cancellation requested", decode(t, rr)["status"])
	assert.Error(t, ctx.Err())

	rr = do(t, r, http.MethodDelete, "/api/v1/fit/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	// Close would otherwise cancel the fake job again.
	srv.jobsMu.Lock()
	srv.jobs["running"].Status = StatusCancelled
	srv.jobsMu.Unlock()
}

func TestRunFitCancelledKeepsBest(t *testing.T) {
	srv, _ := newTestServer(t)

	req := exponentialRequest()
	fit, err := models.NewCurveFit(models.NewExponentialModel(), req.T, req.Y)
	require.NoError(t, err)
	opt, err := levenberg.New(fit.Problem())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := &FitJob{ID: "cancelled", Model: "exponential", Status: StatusPending, cancel: cancel}
	srv.jobsMu.Lock()
	srv.jobs[job.ID] = job
	srv.active++
	srv.wg.Add(1)
	srv.jobsMu.Unlock()
	srv.metrics.active.Inc()

	srv.runFit(ctx, job, opt, fit, srv.settings(req), req.InitialGuess, testLogger(t))

	status, err := srv.fitStatus(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, status.Status)
	assert.Equal(t, 0, status.Iterations)
	assert.Equal(t, []float64{1, 1}, status.Parameters)

	r := fit.Residuals([]float64{1, 1})
	var f float64
	for _, v := range r {
		f += v * v
	}
	require.NotNil(t, status.BestF)
	assert.InDelta(t, f, *status.BestF, 1e-12)
}

func TestRunFitFailures(t *testing.T) {
	tests := []struct {
		name    string
		model   optimization.Model
		wantErr string
	}{
		{
			name: "panicking model",
			model: optimization.Model{
				Residuals: func([]float64) []float64 { panic("model blew up") },
			},
			wantErr: "model blew up",
		},
		{
			name: "misshaped jacobian",
			model: optimization.Model{
				Residuals: func(x []float64) []float64 { return []float64{x[0] - 1, x[1] - 2} },
				Jacobian:  func([]float64) *mat.Dense { return mat.NewDense(3, 2, nil) },
			},
			wantErr: "jacobian is 3x2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t)

			opt, err := levenberg.New(tt.model)
			require.NoError(t, err)
			fit, err := models.NewCurveFit(models.NewExponentialModel(), []float64{0}, []float64{1})
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			job := &FitJob{ID: "fails", Status: StatusPending, cancel: cancel}
			srv.jobsMu.Lock()
			srv.jobs[job.ID] = job
			srv.active++
			srv.wg.Add(1)
			srv.jobsMu.Unlock()

			srv.runFit(ctx, job, opt, fit, srv.settings(FitRequest{}), []float64{1, 1}, testLogger(t))

			status, err := srv.fitStatus(job.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, status.Status)
			assert.Contains(t, status.Error, tt.wantErr)
			assert.NotEmpty(t, status.EndTime)
			assert.Error(t, ctx.Err(), "job context is released once the fit ends")
			assert.Zero(t, srv.active)
		})
	}
}

func TestSolve(t *testing.T) {
	_, r := newTestServer(t)

	tests := []struct {
		name       string
		body       interface{}
		wantCode   int
		wantOK     bool
		wantX      []float64
		wantCondOK bool
	}{
		{
			name:       "2x2",
			body:       SolveRequest{A: [][]float64{{2, 1}, {1, 3}}, B: []float64{3, 5}},
			wantCode:   http.StatusOK,
			wantOK:     true,
			wantX:      []float64{0.8, 1.4},
			wantCondOK: true,
		},
		{
			name: "4x4 symmetric",
			body: SolveRequest{
				A: [][]float64{
					{4, 1, 0, 0},
					{1, 4, 1, 0},
					{0, 1, 4, 1},
					{0, 0, 1, 4},
				},
				B:         []float64{5, 6, 6, 5},
				Symmetric: true,
			},
			wantCode:   http.StatusOK,
			wantOK:     true,
			wantX:      []float64{1, 1, 1, 1},
			wantCondOK: true,
		},
		{
			name:     "singular",
			body:     SolveRequest{A: [][]float64{{1, 2}, {2, 4}}, B: []float64{1, 2}},
			wantCode: http.StatusOK,
		},
		{
			name:     "non-square",
			body:     SolveRequest{A: [][]float64{{1, 2, 3}, {4, 5, 6}}, B: []float64{1, 2}},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "ragged",
			body:     SolveRequest{A: [][]float64{{1, 2}, {3}}, B: []float64{1, 2}},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "length mismatch",
			body:     SolveRequest{A: [][]float64{{1, 0}, {0, 1}}, B: []float64{1, 2, 3}},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "empty",
			body:     SolveRequest{B: []float64{1}},
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, r, http.MethodPost, "/api/v1/solve", tt.body)
			require.Equal(t, tt.wantCode, rr.Code, rr.Body.String())
			if tt.wantCode != http.StatusOK {
				return
			}

			var resp SolveResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
			assert.Equal(t, tt.wantOK, resp.Success)
			assert.Equal(t, tt.wantCondOK, resp.Condition != nil)
			require.Len(t, resp.X, len(tt.wantX))
			for i := range tt.wantX {
				assert.InDelta(t, tt.wantX[i], resp.X[i], 1e-12)
			}
		})
	}
}

func rpc(t *testing.T, h http.Handler, body string) map[string]interface{} {
	t.Helper()
	rr := do(t, h, http.MethodPost, "/rpc", body)
	require.Equal(t, http.StatusOK, rr.Code)
	return decode(t, rr)
}

func rpcErrorCode(t *testing.T, resp map[string]interface{}) float64 {
	t.Helper()
	errObj, ok := resp["error"].(map[string]interface{})
	require.True(t, ok, "response should contain error object: %v", resp)
	return errObj["code"].(float64)
}

func TestJSONRPCErrors(t *testing.T) {
	_, r := newTestServer(t)

	tests := []struct {
		name string
		body string
		code float64
	}{
		{"parse error", `{"jsonrpc":`, codeParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"fit.status"}`, codeInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"optimization.start"}`, codeMethodNotFound},
		{"missing params", `{"jsonrpc":"2.0","id":1,"method":"fit.start"}`, codeInvalidParams},
		{"bad params", `{"jsonrpc":"2.0","id":1,"method":"fit.start","params":{"model":"spline","t":[1],"y":[1]}}`, codeInvalidParams},
		{"two-element params", `{"jsonrpc":"2.0","id":1,"method":"fit.status","params":[{},{}]}`, codeInvalidParams},
		{"unknown fit", `{"jsonrpc":"2.0","id":1,"method":"fit.status","params":{"fit_id":"nope"}}`, codeServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, rpcErrorCode(t, rpc(t, r, tt.body)))
		})
	}
}

func TestJSONRPCFit(t *testing.T) {
	srv, r := newTestServer(t)

	params, err := json.Marshal(exponentialRequest())
	require.NoError(t, err)

	resp := rpc(t, r, `{"jsonrpc":"2.0","id":"a","method":"fit.start","params":[`+string(params)+`]}`)
	assert.Equal(t, "a", resp["id"])
	result, ok := resp["result"].(map[string]interface{})
	require.True(t, ok, "%v", resp)
	id := result["fit_id"].(string)

	srv.wg.Wait()

	resp = rpc(t, r, `{"jsonrpc":"2.0","id":2,"method":"fit.status","params":{"fit_id":"`+id+`"}}`)
	result = resp["result"].(map[string]interface{})
	assert.Equal(t, "converged", result["status"])
	assert.Len(t, result["parameters"], 2)

	resp = rpc(t, r, `{"jsonrpc":"2.0","id":3,"method":"fit.cancel","params":{"fit_id":"`+id+`"}}`)
	assert.Equal(t, float64(codeServerError), rpcErrorCode(t, resp))

	resp = rpc(t, r, `{"jsonrpc":"2.0","id":4,"method":"linalg.solve","params":{"a":[[2,1],[1,3]],"b":[3,5]}}`)
	result = resp["result"].(map[string]interface{})
	assert.Equal(t, true, result["success"])
	x := floatsOf(t, result["x"])
	assert.InDelta(t, 0.8, x[0], 1e-12)
	assert.InDelta(t, 1.4, x[1], 1e-12)
}

func TestClose(t *testing.T) {
	srv, r := newTestServer(t)

	rr := do(t, r, http.MethodPost, "/api/v1/fit", exponentialRequest())
	require.Equal(t, http.StatusAccepted, rr.Code)

	assert.NoError(t, srv.Close(), "Close should not return an error")

	rr = do(t, r, http.MethodPost, "/api/v1/fit", exponentialRequest())
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRespondWithError(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name       string
		code       int
		message    string
		id         interface{}
		expectedID interface{}
	}{
		{
			name:       "valid error response",
			code:       codeInvalidParams,
			message:    "invalid input",
			id:         "123",
			expectedID: "123",
		},
		{
			name:       "nil id",
			code:       codeServerError,
			message:    "server error",
			id:         nil,
			expectedID: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			srv.respondWithError(rr, tt.code, tt.message, tt.id)

			// JSON-RPC errors travel in a 200 response
			assert.Equal(t, http.StatusOK, rr.Code)

			response := decode(t, rr)
			errObj, ok := response["error"].(map[string]interface{})
			require.True(t, ok, "response should contain error object")
			assert.Equal(t, float64(tt.code), errObj["code"])
			assert.Equal(t, tt.message, errObj["message"])
			assert.Equal(t, tt.expectedID, response["id"])
		})
	}
}
