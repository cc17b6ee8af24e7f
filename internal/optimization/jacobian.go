package optimization

import (
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// NumericalJacobian builds a JacobianFunc for residuals by central finite
// differences. It is meant for callers that cannot differentiate their
// model by hand; analytic Jacobians converge more reliably.
func NumericalJacobian(residuals ResidualFunc) JacobianFunc {
	settings := &fd.JacobianSettings{
		Formula: fd.Central,
	}
	return func(x []float64) *mat.Dense {
		m := len(residuals(x))
		jac := mat.NewDense(m, len(x), nil)
		fd.Jacobian(jac, func(y, x []float64) {
			copy(y, residuals(x))
		}, x, settings)
		return jac
	}
}
