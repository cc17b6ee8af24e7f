package linalg

import "math"

// crout is Crout's LU factorization held in one permutedMatrix: L on and
// below the diagonal, U above it with an implicit unit diagonal.
type crout struct {
	m     permutedMatrix
	zeros [][]int
	tol   float64
}

// zeroPositions lists, for every row of the n×n buffer, the columns whose
// entries are negligible. Computed once per matrix, before elimination.
func zeroPositions(a []float64, n int, tol float64) [][]int {
	zeros := make([][]int, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if math.Abs(a[i*n+j]) <= tol {
				zeros[i] = append(zeros[i], j)
			}
		}
	}
	return zeros
}

// factorize decomposes src. The fast phase only looks for a replacement row
// when the diagonal candidate is negligible; if that fails the robust phase
// starts over and runs the pivot search at every step.
func (f *crout) factorize(src []float64) bool {
	f.m.reset(src)
	if f.eliminate(false) {
		return true
	}
	f.m.reset(src)
	return f.eliminate(true)
}

func (f *crout) eliminate(robust bool) bool {
	n, m := f.m.n, &f.m
	for j := 0; j < n; j++ {
		// Column j of L for the rows not yet fixed.
		for i := j; i < n; i++ {
			sum := m.at(i, j)
			for k := 0; k < j; k++ {
				sum -= m.at(i, k) * m.at(k, j)
			}
			m.set(i, j, sum)
		}

		if robust || math.Abs(m.at(j, j)) <= f.tol {
			from := j + 1
			if robust {
				from = j
			}
			p := f.pivotRow(j, from)
			if p < 0 {
				return false
			}
			m.swapRows(j, p)
		}

		// Row j of U.
		d := m.at(j, j)
		for c := j + 1; c < n; c++ {
			sum := m.at(j, c)
			for k := 0; k < j; k++ {
				sum -= m.at(j, k) * m.at(k, c)
			}
			m.set(j, c, sum/d)
		}
	}
	return true
}

// pivotRow picks, among logical rows from..n-1 with a non-negligible entry
// in column j, the one whose zero positions beyond column j sum highest.
// Sparse rows go first so later steps see less fill-in. It returns -1 when
// no row qualifies.
func (f *crout) pivotRow(j, from int) int {
	best, bestScore := -1, -1
	for i := from; i < f.m.n; i++ {
		if math.Abs(f.m.at(i, j)) <= f.tol {
			continue
		}
		score := 0
		for _, c := range f.zeros[f.m.physical(i)] {
			if c > j {
				score += c
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

// solve writes the solution for b into x. b is indexed through the
// permutation; x comes out in column order.
func (f *crout) solve(b, x []float64) {
	n, m := f.m.n, &f.m
	for i := 0; i < n; i++ {
		sum := b[m.physical(i)]
		for k := 0; k < i; k++ {
			sum -= m.at(i, k) * x[k]
		}
		x[i] = sum / m.at(i, i)
	}
	for i := n - 1; i >= 0; i-- {
		sum := x[i]
		for k := i + 1; k < n; k++ {
			sum -= m.at(i, k) * x[k]
		}
		x[i] = sum
	}
}
