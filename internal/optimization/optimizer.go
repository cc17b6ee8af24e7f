package optimization

import (
	"context"

	"gonum.org/v1/gonum/mat"
)

// Optimizer defines the interface for least-squares optimizers
type Optimizer interface {
	// Run fits the design vector starting from initialGuess. A nil guess
	// asks the optimizer to draw one itself, if it knows the dimension.
	Run(ctx context.Context, settings Settings, initialGuess []float64) (*Result, error)

	// BestX returns the best design vector found by the last run
	BestX() []float64

	// BestF returns the sum of squared residuals at BestX
	BestF() float64

	// History returns the per-iteration record of the last run
	History() []Evaluation
}

// ResidualFunc returns the residual vector for the design vector x.
// It must be a pure function of x and return the same length on every call.
type ResidualFunc func(x []float64) []float64

// JacobianFunc returns the m×n matrix of partial derivatives where entry
// (i, j) is the derivative of residual i with respect to x[j].
type JacobianFunc func(x []float64) *mat.Dense

// Model supplies residuals and their Jacobian. It is owned by the caller.
type Model struct {
	Residuals ResidualFunc
	Jacobian  JacobianFunc
}

// Settings controls when a run stops.
type Settings struct {
	// MinError is the linear-scale error target; the run stops once the
	// sum of squared residuals drops to MinError².
	MinError float64

	// MinErrorDifference stops the run once the last accepted step
	// improved the objective by no more than this amount.
	MinErrorDifference float64

	// MaxIterations is a hard cap on the number of iterations
	MaxIterations int
}

// Validate checks that all settings are strictly positive.
func (s Settings) Validate() error {
	const op = "Settings.Validate"
	if !(s.MinError > 0) {
		return ConfigErrorf("optimization", op, "min error must be positive, got %v", s.MinError)
	}
	if !(s.MinErrorDifference > 0) {
		return ConfigErrorf("optimization", op, "min error difference must be positive, got %v", s.MinErrorDifference)
	}
	if s.MaxIterations <= 0 {
		return ConfigErrorf("optimization", op, "max iterations must be positive, got %d", s.MaxIterations)
	}
	return nil
}

// Iterate is the best-known solution of a run. Its fields are only ever
// replaced together.
type Iterate struct {
	X []float64
	F float64
	R []float64
}

// Status is the terminal state of a run.
type Status int

const (
	// StatusRunning means the run has not reached a terminal state
	StatusRunning Status = iota
	// StatusConverged means one of the tolerances was met
	StatusConverged
	// StatusIterationLimit means the iteration cap was reached first
	StatusIterationLimit
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusConverged:
		return "converged"
	case StatusIterationLimit:
		return "iteration_limit"
	default:
		return "unknown"
	}
}

// Evaluation records a single iteration of a run.
type Evaluation struct {
	Iteration int
	// F is the objective at the start of the iteration
	F float64
	// CandidateF is the objective at the trial point
	CandidateF float64
	// LambdaBefore and LambdaAfter are the damping factor before and
	// after the accept/reject decision.
	LambdaBefore float64
	LambdaAfter  float64
	Accepted     bool
	// Fallback is set when the damped system could not be solved and a
	// steepest-descent step was used instead.
	Fallback bool
}

// Result contains the result of a run
type Result struct {
	Best Iterate
	// Iterations counts completed damped steps, so a starting point that
	// already meets a tolerance reports 0.
	Iterations    int
	Status        Status
	History       []Evaluation
	FallbackSteps int
}

// Converged reports whether a tolerance, not the iteration cap, ended the run.
func (r *Result) Converged() bool {
	return r != nil && r.Status == StatusConverged
}
