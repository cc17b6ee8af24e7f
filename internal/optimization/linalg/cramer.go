package linalg

import "math"

func solveDirect(a, b, x []float64, tol float64) bool {
	if math.Abs(a[0]) <= tol {
		return false
	}
	x[0] = b[0] / a[0]
	return true
}

// solveCramer2 solves a 2×2 system by determinant ratios.
func solveCramer2(a, b, x []float64, tol float64) bool {
	det := a[0]*a[3] - a[1]*a[2]
	if math.Abs(det) <= tol {
		return false
	}
	x[0] = (b[0]*a[3] - a[1]*b[1]) / det
	x[1] = (a[0]*b[1] - b[0]*a[2]) / det
	return true
}

// solveCramer3 solves a 3×3 system by determinant ratios.
func solveCramer3(a, b, x []float64, tol float64) bool {
	det := det3(
		a[0], a[1], a[2],
		a[3], a[4], a[5],
		a[6], a[7], a[8],
	)
	if math.Abs(det) <= tol {
		return false
	}
	x[0] = det3(
		b[0], a[1], a[2],
		b[1], a[4], a[5],
		b[2], a[7], a[8],
	) / det
	x[1] = det3(
		a[0], b[0], a[2],
		a[3], b[1], a[5],
		a[6], b[2], a[8],
	) / det
	x[2] = det3(
		a[0], a[1], b[0],
		a[3], a[4], b[1],
		a[6], a[7], b[2],
	) / det
	return true
}

func det3(a00, a01, a02, a10, a11, a12, a20, a21, a22 float64) float64 {
	return a00*(a11*a22-a12*a21) -
		a01*(a10*a22-a12*a20) +
		a02*(a10*a21-a11*a20)
}
