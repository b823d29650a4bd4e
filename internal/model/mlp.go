package model

import "github.com/strataml/strata/internal/tensor"

// mlp is the dense feed-forward sublayer: up-projection, GELU, residual
// down-projection. Blocks whose expert count resolves to one use it in
// place of the expert path.
type mlp struct {
	FC1 *tensor.Mat // (hidden, dim)
	B1  []float32
	FC2 *tensor.Mat // (dim, hidden), residual projection
	B2  []float32

	hidden int
}

func newMLP(dim, hidden int) *mlp {
	return &mlp{
		FC1:    tensor.NewMat(hidden, dim),
		B1:     make([]float32, hidden),
		FC2:    tensor.NewMat(dim, hidden),
		B2:     make([]float32, dim),
		hidden: hidden,
	}
}

func (m *mlp) Forward(x *tensor.Mat) *tensor.Mat {
	h := tensor.NewMat(x.R, m.hidden)
	tensor.MatMulT(h, x, m.FC1, m.B1)
	tensor.GeluSlice(h.Data)
	out := tensor.NewMat(x.R, len(m.B2))
	tensor.MatMulT(out, h, m.FC2, m.B2)
	return out
}
