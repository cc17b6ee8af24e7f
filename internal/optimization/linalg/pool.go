package linalg

// bufferPool keeps released work buffers so repeated solves of the same
// order do not allocate. It is not safe for concurrent use.
type bufferPool struct {
	floats [][]float64
	ints   [][]int
}

func newBufferPool() *bufferPool {
	return &bufferPool{
		floats: make([][]float64, 0, 4),
		ints:   make([][]int, 0, 2),
	}
}

// getFloats returns a zeroed slice of length n.
func (p *bufferPool) getFloats(n int) []float64 {
	for i := len(p.floats) - 1; i >= 0; i-- {
		if cap(p.floats[i]) < n {
			continue
		}
		buf := p.floats[i][:n]
		p.floats = append(p.floats[:i], p.floats[i+1:]...)
		clear(buf)
		return buf
	}
	return make([]float64, n)
}

func (p *bufferPool) putFloats(buf []float64) {
	if buf == nil {
		return
	}
	p.floats = append(p.floats, buf)
}

// getInts returns a slice of length n; its contents are unspecified.
func (p *bufferPool) getInts(n int) []int {
	for i := len(p.ints) - 1; i >= 0; i-- {
		if cap(p.ints[i]) < n {
			continue
		}
		buf := p.ints[i][:n]
		p.ints = append(p.ints[:i], p.ints[i+1:]...)
		return buf
	}
	return make([]int, n)
}

func (p *bufferPool) putInts(buf []int) {
	if buf == nil {
		return
	}
	p.ints = append(p.ints, buf)
}
