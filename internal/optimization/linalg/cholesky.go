package linalg

import "math"

// ldl is an LDLᵀ factorization stored in the lower triangle of a row-major
// buffer. Below the diagonal it holds the unit lower factor L; the diagonal
// holds D. In normalized form the columns are scaled by √D so the buffer
// holds a plain Cholesky factor instead.
type ldl struct {
	n          int
	data       []float64
	normalized bool
}

// factorize overwrites the lower triangle of data with the factor. The
// upper triangle is neither read nor written.
func (f *ldl) factorize(tol float64) bool {
	n, a := f.n, f.data
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sum := a[i*n+j]
			for k := 0; k < j; k++ {
				sum -= a[i*n+k] * a[j*n+k] * a[k*n+k]
			}
			if i == j {
				if math.Abs(sum) <= tol {
					return false
				}
				a[i*n+i] = sum
				continue
			}
			a[i*n+j] = sum / a[j*n+j]
		}
	}

	if !f.normalized {
		return true
	}

	for j := 0; j < n; j++ {
		if a[j*n+j] < 0 {
			// Indefinite.
			return false
		}
	}
	for j := 0; j < n; j++ {
		d := math.Sqrt(a[j*n+j])
		a[j*n+j] = d
		for i := j + 1; i < n; i++ {
			a[i*n+j] *= d
		}
	}
	return true
}

// solve writes the solution of the factorized system for b into x.
func (f *ldl) solve(b, x []float64) {
	n, a := f.n, f.data
	copy(x, b)

	if f.normalized {
		for i := 0; i < n; i++ {
			sum := x[i]
			for k := 0; k < i; k++ {
				sum -= a[i*n+k] * x[k]
			}
			x[i] = sum / a[i*n+i]
		}
		for i := n - 1; i >= 0; i-- {
			sum := x[i]
			for k := i + 1; k < n; k++ {
				sum -= a[k*n+i] * x[k]
			}
			x[i] = sum / a[i*n+i]
		}
		return
	}

	for i := 0; i < n; i++ {
		sum := x[i]
		for k := 0; k < i; k++ {
			sum -= a[i*n+k] * x[k]
		}
		x[i] = sum
	}
	for i := 0; i < n; i++ {
		x[i] /= a[i*n+i]
	}
	for i := n - 1; i >= 0; i-- {
		sum := x[i]
		for k := i + 1; k < n; k++ {
			sum -= a[k*n+i] * x[k]
		}
		x[i] = sum
	}
}
