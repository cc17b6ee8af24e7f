package linalg

// permutedMatrix is a square row-major buffer whose logical rows are
// reached through perm: logical row i is stored at physical row perm[i].
// Exchanging two rows swaps two indices and never moves data.
type permutedMatrix struct {
	n    int
	data []float64
	perm []int
}

// reset loads src into the buffer and restores the identity permutation.
func (m *permutedMatrix) reset(src []float64) {
	copy(m.data, src)
	for i := range m.perm {
		m.perm[i] = i
	}
}

func (m *permutedMatrix) at(i, j int) float64 {
	return m.data[m.perm[i]*m.n+j]
}

func (m *permutedMatrix) set(i, j int, v float64) {
	m.data[m.perm[i]*m.n+j] = v
}

// physical returns the storage row of logical row i.
func (m *permutedMatrix) physical(i int) int {
	return m.perm[i]
}

func (m *permutedMatrix) swapRows(i, k int) {
	m.perm[i], m.perm[k] = m.perm[k], m.perm[i]
}
