package moe

import "github.com/strataml/strata/internal/tensor"

// Experts is the local shard of one layer's expert bank. Each expert is a
// two-layer feed-forward network (up-projection, GELU, down-projection).
// Only the experts in [Lo, Hi) exist on this worker; ownership is a
// partition, not replication.
type Experts struct {
	DModel      int
	Hidden      int
	GlobalCount int
	Lo, Hi      int

	FC1 []*tensor.Mat // per local expert, (hidden, d_model)
	B1  [][]float32
	FC2 []*tensor.Mat // per local expert, (d_model, hidden)
	B2  [][]float32
}

// NewExperts allocates the local expert shard for a worker described by
// topo. Parameters are zero until initialisation.
func NewExperts(dModel, hidden, globalCount int, topo Topology) *Experts {
	lo, hi := LocalExperts(globalCount, topo.Rank(), topo.Size())
	n := hi - lo
	e := &Experts{
		DModel:      dModel,
		Hidden:      hidden,
		GlobalCount: globalCount,
		Lo:          lo,
		Hi:          hi,
		FC1:         make([]*tensor.Mat, n),
		B1:          make([][]float32, n),
		FC2:         make([]*tensor.Mat, n),
		B2:          make([][]float32, n),
	}
	for i := 0; i < n; i++ {
		e.FC1[i] = tensor.NewMat(hidden, dModel)
		e.B1[i] = make([]float32, hidden)
		e.FC2[i] = tensor.NewMat(dModel, hidden)
		e.B2[i] = make([]float32, dModel)
	}
	return e
}

// Local returns the number of experts this worker owns.
func (e *Experts) Local() int { return len(e.FC1) }

// ParamsPerExpert returns the parameter count of a single expert.
func (e *Experts) ParamsPerExpert() int {
	return e.Hidden*e.DModel + e.Hidden + e.DModel*e.Hidden + e.DModel
}

// Apply runs local expert li over in (n, d_model) into out (n, d_model).
func (e *Experts) Apply(li int, in, out *tensor.Mat) {
	if li < 0 || li >= e.Local() {
		panic("moe: local expert index out of range")
	}
	if in.C != e.DModel || out.C != e.DModel || in.R != out.R {
		panic("moe: expert batch shape mismatch")
	}
	h := tensor.NewMat(in.R, e.Hidden)
	tensor.MatMulT(h, in, e.FC1[li], e.B1[li])
	tensor.GeluSlice(h.Data)
	tensor.MatMulT(out, h, e.FC2[li], e.B2[li])
}
