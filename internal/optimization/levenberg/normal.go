package levenberg

import (
	"gonum.org/v1/gonum/mat"
)

// BuildNormalEquations forms the damped Gauss-Newton system for the
// Jacobian j (m×n) and residuals r (length m):
//
//	(JᵀJ + μI)·δ = −Jᵀr,  μ = lambda·trace(JᵀJ)/n
//
// Scaling the damping by the mean diagonal keeps lambda meaningful across
// problems of very different magnitude. The returned matrix is symmetric
// by construction.
func BuildNormalEquations(j *mat.Dense, r *mat.VecDense, lambda float64) (*mat.SymDense, *mat.VecDense) {
	_, n := j.Dims()

	jtj := mat.NewSymDense(n, nil)
	jtj.SymOuterK(1, j.T())

	negJTr := mat.NewVecDense(n, nil)
	negJTr.MulVec(j.T(), r)
	negJTr.ScaleVec(-1, negJTr)

	damping := lambda * mat.Trace(jtj) / float64(n)
	for i := 0; i < n; i++ {
		jtj.SetSym(i, i, jtj.At(i, i)+damping)
	}

	return jtj, negJTr
}
