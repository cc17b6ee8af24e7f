// Package linalg solves the small dense linear systems produced by the
// least-squares optimizer.
//
// Systems of order 2 and 3 are solved in closed form, larger symmetric
// systems through an LDLᵀ factorization and everything else through Crout's
// LU algorithm with a zero-aware pivoting heuristic. Numerical singularity is
// an ordinary outcome reported through the boolean result; only malformed
// input produces an error.
package linalg

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/lmfit/internal/optimization"
)

// DefaultTolerance is the magnitude at or below which a pivot or
// determinant is treated as zero.
const DefaultTolerance = 1e-11

// Method names the strategy used for a solve.
type Method string

const (
	MethodDirect   Method = "direct"
	MethodCramer   Method = "cramer"
	MethodCholesky Method = "cholesky"
	MethodLU       Method = "lu"
)

// Solver solves square linear systems. The zero value is not usable; create
// one with NewSolver. A Solver reuses its work buffers between calls and is
// therefore not safe for concurrent use.
type Solver struct {
	// Tolerance is the negligible-magnitude threshold.
	Tolerance float64

	// Normalized makes the symmetric path square-root the diagonal of its
	// factor (a classic LLᵀ Cholesky), which also rejects indefinite matrices.
	Normalized bool

	// VerifySymmetric checks the caller's symmetry assertion before taking
	// the symmetric path. An asymmetric matrix is then solved by LU.
	VerifySymmetric bool

	logger *zap.Logger
	pool   *bufferPool
}

// Option configures a Solver.
type Option func(*Solver)

// WithTolerance sets the negligible-magnitude threshold.
func WithTolerance(tol float64) Option {
	return func(s *Solver) {
		if tol > 0 {
			s.Tolerance = tol
		}
	}
}

// WithNormalized enables the square-rooted Cholesky factor.
func WithNormalized(normalized bool) Option {
	return func(s *Solver) { s.Normalized = normalized }
}

// WithSymmetryCheck enables verification of the symmetric flag.
func WithSymmetryCheck(verify bool) Option {
	return func(s *Solver) { s.VerifySymmetric = verify }
}

// WithLogger sets the logger used for debug output.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Solver) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSolver creates a Solver with DefaultTolerance.
func NewSolver(opts ...Option) *Solver {
	s := &Solver{
		Tolerance: DefaultTolerance,
		logger:    zap.NewNop(),
		pool:      newBufferPool(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Solve solves a·x = b. When symmetric is true the caller asserts that a is
// symmetric; for orders above 3 only its lower triangle is then read.
//
// ok is false when a is numerically singular, in which case x is nil.
// err is non-nil only for malformed input and wraps
// optimization.ErrConfiguration.
func (s *Solver) Solve(a mat.Matrix, b mat.Vector, symmetric bool) (x *mat.VecDense, ok bool, err error) {
	const op = "Solver.Solve"

	if a == nil || b == nil {
		return nil, false, optimization.ConfigErrorf("linalg", op, "matrix and vector must not be nil")
	}
	rows, cols := a.Dims()
	if rows != cols {
		return nil, false, optimization.ConfigErrorf("linalg", op, "matrix must be square, got %dx%d", rows, cols)
	}
	if rows == 0 {
		return nil, false, optimization.ConfigErrorf("linalg", op, "matrix must not be empty")
	}
	if b.Len() != rows {
		return nil, false, optimization.ConfigErrorf("linalg", op,
			"vector length %d does not match matrix order %d", b.Len(), rows)
	}

	n := rows
	buf := s.pool.getFloats(n * n)
	rhs := s.pool.getFloats(n)
	defer s.pool.putFloats(buf)
	defer s.pool.putFloats(rhs)

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			buf[i*n+j] = a.At(i, j)
		}
		rhs[i] = b.AtVec(i)
	}

	sol := make([]float64, n)
	var method Method
	switch {
	case n == 1:
		method = MethodDirect
		ok = solveDirect(buf, rhs, sol, s.Tolerance)
	case n == 2:
		method = MethodCramer
		ok = solveCramer2(buf, rhs, sol, s.Tolerance)
	case n == 3:
		method = MethodCramer
		ok = solveCramer3(buf, rhs, sol, s.Tolerance)
	case symmetric && s.symmetricTrusted(buf, n):
		method = MethodCholesky
		ok = s.solveCholesky(buf, rhs, sol, n)
	default:
		method = MethodLU
		ok = s.solveLU(buf, rhs, sol, n)
	}

	s.logger.Debug("Solved linear system",
		zap.Int("order", n),
		zap.String("method", string(method)),
		zap.Bool("ok", ok),
	)

	if !ok {
		return nil, false, nil
	}
	return mat.NewVecDense(n, sol), true, nil
}

func (s *Solver) symmetricTrusted(buf []float64, n int) bool {
	if !s.VerifySymmetric {
		return true
	}
	if isSymmetric(buf, n, s.Tolerance) {
		return true
	}
	s.logger.Warn("Matrix asserted symmetric is not, solving with LU",
		zap.Int("order", n),
	)
	return false
}

func (s *Solver) solveCholesky(buf, rhs, sol []float64, n int) bool {
	f := ldl{n: n, data: buf, normalized: s.Normalized}
	if !f.factorize(s.Tolerance) {
		return false
	}
	f.solve(rhs, sol)
	return true
}

func (s *Solver) solveLU(buf, rhs, sol []float64, n int) bool {
	work := s.pool.getFloats(n * n)
	perm := s.pool.getInts(n)
	defer s.pool.putFloats(work)
	defer s.pool.putInts(perm)

	f := crout{
		m:     permutedMatrix{n: n, data: work, perm: perm},
		zeros: zeroPositions(buf, n, s.Tolerance),
		tol:   s.Tolerance,
	}
	if !f.factorize(buf) {
		return false
	}
	f.solve(rhs, sol)
	return true
}

// isSymmetric reports whether the row-major n×n buffer is symmetric within
// a relative tolerance.
func isSymmetric(buf []float64, n int, tol float64) bool {
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			u, l := buf[i*n+j], buf[j*n+i]
			scale := math.Max(1, math.Max(math.Abs(u), math.Abs(l)))
			if math.Abs(u-l) > tol*scale {
				return false
			}
		}
	}
	return true
}

// ConditionNumber returns the 2-norm condition number of a, computed from
// its singular values. It is +Inf for singular matrices.
func ConditionNumber(a mat.Matrix) float64 {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDNone) {
		return math.Inf(1)
	}
	s := svd.Values(nil)
	if len(s) == 0 || s[len(s)-1] == 0 {
		return math.Inf(1)
	}
	return s[0] / s[len(s)-1]
}

// DenseFromRows builds a matrix from row slices, which must be non-empty
// and of equal length.
func DenseFromRows(rows [][]float64) (*mat.Dense, error) {
	const op = "DenseFromRows"

	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, optimization.ConfigErrorf("linalg", op, "matrix must not be empty")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, optimization.ConfigErrorf("linalg", op, "row %d has %d columns, expected %d", i, len(row), cols)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), cols, data), nil
}
