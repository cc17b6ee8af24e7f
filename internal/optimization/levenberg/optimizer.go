// Package levenberg implements a damped Gauss-Newton (Levenberg-Marquardt)
// least-squares optimizer.
package levenberg

import (
	"context"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/copyleftdev/lmfit/internal/optimization"
	"github.com/copyleftdev/lmfit/internal/optimization/linalg"
)

const (
	// AdjustmentFactor divides lambda after an accepted step and
	// multiplies it after a rejected one.
	AdjustmentFactor = 5.0

	// DefaultInitialLambda is the damping factor a run starts from.
	DefaultInitialLambda = 1e-3

	// Bounds of the random initial guess.
	guessMin = -100.0
	guessMax = 100.0

	// historyHint caps the history capacity reserved up front.
	historyHint = 64
)

// Optimizer fits a design vector by Levenberg-Marquardt iterations.
// A single Optimizer must not run two optimizations at once.
type Optimizer struct {
	model         optimization.Model
	dimension     int
	src           rand.Source
	solver        *linalg.Solver
	logger        *zap.Logger
	initialLambda float64

	best    optimization.Iterate
	history []optimization.Evaluation
}

var _ optimization.Optimizer = (*Optimizer)(nil)

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithDimension sets the number of design variables, which allows Run to
// draw a random initial guess when none is given.
func WithDimension(n int) Option {
	return func(o *Optimizer) { o.dimension = n }
}

// WithRandSource sets the source of the random initial guess.
func WithRandSource(src rand.Source) Option {
	return func(o *Optimizer) {
		if src != nil {
			o.src = src
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Optimizer) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithInitialLambda sets the damping factor each run starts from.
func WithInitialLambda(lambda float64) Option {
	return func(o *Optimizer) {
		if lambda > 0 {
			o.initialLambda = lambda
		}
	}
}

// WithSolver replaces the linear solver used for the damped system.
func WithSolver(s *linalg.Solver) Option {
	return func(o *Optimizer) {
		if s != nil {
			o.solver = s
		}
	}
}

// New creates an Optimizer for model. A nil Jacobian is replaced by central
// finite differences.
func New(model optimization.Model, opts ...Option) (*Optimizer, error) {
	if model.Residuals == nil {
		return nil, optimization.ConfigErrorf("levenberg", "New", "residual function is required")
	}
	if model.Jacobian == nil {
		model.Jacobian = optimization.NumericalJacobian(model.Residuals)
	}

	o := &Optimizer{
		model:         model,
		src:           rand.NewPCG(uint64(time.Now().UnixNano()), 0),
		logger:        zap.NewNop(),
		initialLambda: DefaultInitialLambda,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.dimension < 0 {
		return nil, optimization.ConfigErrorf("levenberg", "New", "dimension must not be negative, got %d", o.dimension)
	}
	if o.solver == nil {
		o.solver = linalg.NewSolver(linalg.WithLogger(o.logger.Named("linalg")))
	}
	return o, nil
}

// Run minimizes the sum of squared residuals starting from initialGuess,
// which is cloned. With a nil guess the starting point is drawn uniformly
// from [-100, 100] in every coordinate, which requires WithDimension.
//
// Run only fails on invalid settings, an unusable starting point, a model
// that breaks its contract, or a cancelled context. A singular damped system
// is not an error: a steepest-descent step is taken instead.
func (o *Optimizer) Run(ctx context.Context, settings optimization.Settings, initialGuess []float64) (*optimization.Result, error) {
	const op = "Optimizer.Run"

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	x, err := o.initialGuess(initialGuess)
	if err != nil {
		return nil, err
	}

	n := len(x)
	lambda := o.initialLambda
	minErrorSq := settings.MinError * settings.MinError
	lastImprovement := math.Inf(1)
	fallbacks := 0

	o.history = make([]optimization.Evaluation, 0, min(settings.MaxIterations, historyHint))
	o.best = optimization.Iterate{}

	o.logger.Debug("Starting run",
		zap.Int("dimension", n),
		zap.Float64("min_error", settings.MinError),
		zap.Float64("min_error_difference", settings.MinErrorDifference),
		zap.Int("max_iterations", settings.MaxIterations),
		zap.Float64("lambda", lambda),
	)

	iteration := 0
	for {
		r := o.model.Residuals(x)
		jac := o.model.Jacobian(x)
		f := floats.Dot(r, r)

		if iteration == 0 {
			o.best = optimization.Iterate{X: x, F: f, R: r}
		}

		var status optimization.Status
		switch {
		case f <= minErrorSq:
			status = optimization.StatusConverged
		case lastImprovement <= settings.MinErrorDifference:
			status = optimization.StatusConverged
		case iteration >= settings.MaxIterations:
			status = optimization.StatusIterationLimit
		}
		if status != optimization.StatusRunning {
			return o.finish(status, iteration, fallbacks), nil
		}

		if err := ctx.Err(); err != nil {
			return nil, optimization.WrapError(err, "run cancelled").
				WithComponent("levenberg").WithOperation(op)
		}

		m := len(r)
		if jac == nil {
			return nil, optimization.ConfigErrorf("levenberg", op, "jacobian function returned nil")
		}
		if rows, cols := jac.Dims(); rows != m || cols != n {
			return nil, optimization.ConfigErrorf("levenberg", op,
				"jacobian is %dx%d, expected %dx%d", rows, cols, m, n)
		}

		jtj, negJTr := BuildNormalEquations(jac, mat.NewVecDense(m, r), lambda)

		delta, ok, err := o.solver.Solve(jtj, negJTr, true)
		if err != nil {
			return nil, optimization.WrapError(err, "solving damped normal equations").
				WithComponent("levenberg").WithOperation(op)
		}
		step := make([]float64, n)
		if ok {
			copy(step, delta.RawVector().Data)
		} else {
			fallbacks++
			floats.ScaleTo(step, lambda, negJTr.RawVector().Data)
			o.logger.Debug("Damped system singular, taking steepest-descent step",
				zap.Int("iteration", iteration),
				zap.Float64("lambda", lambda),
			)
		}

		candidate := make([]float64, n)
		floats.AddTo(candidate, x, step)
		rc := o.model.Residuals(candidate)
		fc := floats.Dot(rc, rc)

		eval := optimization.Evaluation{
			Iteration:    iteration,
			F:            f,
			CandidateF:   fc,
			LambdaBefore: lambda,
			Fallback:     !ok,
		}

		if fc < f {
			eval.Accepted = true
			lastImprovement = f - fc
			x = candidate
			o.best = optimization.Iterate{X: candidate, F: fc, R: rc}
			lambda = o.decrease(lambda)
		} else {
			lambda = o.increase(lambda)
		}
		eval.LambdaAfter = lambda
		o.history = append(o.history, eval)

		o.logger.Debug("Iteration complete",
			zap.Int("iteration", iteration),
			zap.Float64("f", f),
			zap.Float64("candidate_f", fc),
			zap.Bool("accepted", eval.Accepted),
			zap.Float64("lambda", lambda),
		)

		iteration++
	}
}

func (o *Optimizer) finish(status optimization.Status, iterations, fallbacks int) *optimization.Result {
	o.logger.Info("Run finished",
		zap.String("status", status.String()),
		zap.Int("iterations", iterations),
		zap.Float64("f", o.best.F),
		zap.Int("fallback_steps", fallbacks),
	)
	return &optimization.Result{
		Best: optimization.Iterate{
			X: slices.Clone(o.best.X),
			F: o.best.F,
			R: slices.Clone(o.best.R),
		},
		Iterations:    iterations,
		Status:        status,
		History:       o.history,
		FallbackSteps: fallbacks,
	}
}

func (o *Optimizer) initialGuess(guess []float64) ([]float64, error) {
	const op = "Optimizer.initialGuess"

	if guess != nil {
		if len(guess) == 0 {
			return nil, optimization.ConfigErrorf("levenberg", op, "initial guess must not be empty")
		}
		if o.dimension > 0 && len(guess) != o.dimension {
			return nil, optimization.ConfigErrorf("levenberg", op,
				"initial guess has length %d, expected %d", len(guess), o.dimension)
		}
		return slices.Clone(guess), nil
	}

	if o.dimension == 0 {
		return nil, optimization.ConfigErrorf("levenberg", op, "no initial guess and unknown dimension")
	}

	u := distuv.Uniform{Min: guessMin, Max: guessMax, Src: o.src}
	x := make([]float64, o.dimension)
	for i := range x {
		x[i] = u.Rand()
	}
	return x, nil
}

// decrease and increase keep lambda positive and finite at the extremes.
func (o *Optimizer) decrease(lambda float64) float64 {
	if next := lambda / AdjustmentFactor; next > 0 {
		return next
	}
	o.logger.Debug("Lambda at its lower bound, left unchanged", zap.Float64("lambda", lambda))
	return lambda
}

func (o *Optimizer) increase(lambda float64) float64 {
	if next := lambda * AdjustmentFactor; !math.IsInf(next, 1) {
		return next
	}
	o.logger.Debug("Lambda at its upper bound, left unchanged", zap.Float64("lambda", lambda))
	return lambda
}

// BestX returns a copy of the best design vector of the last run.
func (o *Optimizer) BestX() []float64 {
	return slices.Clone(o.best.X)
}

// BestF returns the sum of squared residuals at BestX.
func (o *Optimizer) BestF() float64 {
	return o.best.F
}

// History returns the iterations recorded by the last run.
func (o *Optimizer) History() []optimization.Evaluation {
	return o.history
}
