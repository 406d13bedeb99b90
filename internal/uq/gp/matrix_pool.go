package gp

import "gonum.org/v1/gonum/mat"

// MatrixPool keeps square symmetric matrices for reuse while the
// marginal likelihood is evaluated many times during hyperparameter fitting.
// It is not safe for concurrent use.
type MatrixPool struct {
	sym map[int][]*mat.SymDense
}

// NewMatrixPool creates a new MatrixPool
func NewMatrixPool() *MatrixPool {
	return &MatrixPool{sym: make(map[int][]*mat.SymDense)}
}

// GetSymDense returns an n×n symmetric matrix, reused when one is available.
// The contents of a reused matrix are undefined.
func (p *MatrixPool) GetSymDense(n int) *mat.SymDense {
	free := p.sym[n]
	if len(free) > 0 {
		m := free[len(free)-1]
		p.sym[n] = free[:len(free)-1]
		return m
	}
	return mat.NewSymDense(n, nil)
}

// PutSymDense returns a symmetric matrix to the pool
func (p *MatrixPool) PutSymDense(m *mat.SymDense) {
	if m == nil {
		return
	}
	n := m.SymmetricDim()
	p.sym[n] = append(p.sym[n], m)
}

// Len reports how many matrices of size n are waiting for reuse.
func (p *MatrixPool) Len(n int) int {
	return len(p.sym[n])
}
