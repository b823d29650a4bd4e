package model

import (
	"fmt"
	"math"

	"github.com/strataml/strata/internal/config"
	"github.com/strataml/strata/internal/dtype"
	"github.com/strataml/strata/internal/tensor"
)

// attention is one block's multi-head self-attention. x holds b*s token
// states of width d_model; keyPadding is the batch validity mask (true =
// attend) or nil; bias comes from the mask cache. Backends that never
// materialise attention probabilities return nil weights.
type attention interface {
	Forward(x *tensor.Mat, b, s int, keyPadding []bool, bias *attnBias, train bool, rng *tensor.RNG) (*tensor.Mat, []*tensor.Mat, error)
	core() *attnCore
}

// attnCore holds the projections shared by every backend: one combined
// query-key-value map and the residual output projection.
type attnCore struct {
	heads   int
	headDim int
	dim     int
	scale   float32

	WQKV *tensor.Mat // (3*dim, dim)
	BQKV []float32
	WOut *tensor.Mat // (dim, dim), residual projection
	BOut []float32
}

func newAttnCore(cfg *config.Config) *attnCore {
	dim := cfg.DModel
	hd := cfg.HeadDim()
	return &attnCore{
		heads:   cfg.NHeads,
		headDim: hd,
		dim:     dim,
		scale:   float32(1.0 / math.Sqrt(float64(hd))),
		WQKV:    tensor.NewMat(3*dim, dim),
		BQKV:    make([]float32, 3*dim),
		WOut:    tensor.NewMat(dim, dim),
		BOut:    make([]float32, dim),
	}
}

func (a *attnCore) core() *attnCore { return a }

// project computes the packed QKV rows [q | k | v] for every token state.
func (a *attnCore) project(x *tensor.Mat) *tensor.Mat {
	qkv := tensor.NewMat(x.R, 3*a.dim)
	tensor.MatMulT(qkv, x, a.WQKV, a.BQKV)
	return qkv
}

func (a *attnCore) q(qkv *tensor.Mat, r, h int) []float32 {
	off := h * a.headDim
	return qkv.Row(r)[off : off+a.headDim]
}

func (a *attnCore) k(qkv *tensor.Mat, r, h int) []float32 {
	off := a.dim + h*a.headDim
	return qkv.Row(r)[off : off+a.headDim]
}

func (a *attnCore) v(qkv *tensor.Mat, r, h int) []float32 {
	off := 2*a.dim + h*a.headDim
	return qkv.Row(r)[off : off+a.headDim]
}

func (a *attnCore) outProject(ctx *tensor.Mat) *tensor.Mat {
	out := tensor.NewMat(ctx.R, a.dim)
	tensor.MatMulT(out, ctx, a.WOut, a.BOut)
	return out
}

// newAttention selects the backend for the configured implementation.
func newAttention(cfg *config.Config) (attention, error) {
	switch cfg.AttnImpl {
	case config.AttnDense:
		return &denseAttention{attnCore: newAttnCore(cfg), pdrop: float32(cfg.AttnPdrop)}, nil
	case config.AttnFused:
		return &fusedAttention{attnCore: newAttnCore(cfg), ambient: cfg.Dtype()}, nil
	case config.AttnFusedWithBias:
		return &fusedBiasAttention{attnCore: newAttnCore(cfg), ambient: cfg.Dtype()}, nil
	default:
		return nil, fmt.Errorf("model: unknown attention implementation %q: %w", cfg.AttnImpl, config.ErrInvalid)
	}
}

// denseAttention materialises per-head probability matrices. It accepts
// any bias and key-padding combination and works at any precision; the
// returned weights hold one (s, s) matrix per batch element and head.
type denseAttention struct {
	*attnCore
	pdrop float32
}

func (a *denseAttention) Forward(x *tensor.Mat, b, s int, keyPadding []bool, bias *attnBias, train bool, rng *tensor.RNG) (*tensor.Mat, []*tensor.Mat, error) {
	rows := b * s
	if x.R != rows || x.C != a.dim {
		panic("model: attention input shape mismatch")
	}
	qkv := a.project(x)
	ctx := tensor.NewMat(rows, a.dim)
	weights := make([]*tensor.Mat, 0, b*a.heads)

	for bi := 0; bi < b; bi++ {
		for h := 0; h < a.heads; h++ {
			probs := tensor.NewMat(s, s)
			bm := bias.headBias(h)
			for i := 0; i < s; i++ {
				row := probs.Row(i)
				if bm != nil {
					copy(row, bm.Row(i))
				}
				if keyPadding != nil {
					for j := 0; j < s; j++ {
						if !keyPadding[bi*s+j] {
							row[j] = negInf
						}
					}
				}
			}
			tensor.Parallel(s, func(lo, hi int) {
				for i := lo; i < hi; i++ {
					q := a.q(qkv, bi*s+i, h)
					row := probs.Row(i)
					for j := 0; j < s; j++ {
						if math.IsInf(float64(row[j]), -1) {
							continue
						}
						row[j] += a.scale * tensor.Dot(q, a.k(qkv, bi*s+j, h))
					}
				}
			})
			for i := 0; i < s; i++ {
				row := probs.Row(i)
				tensor.Softmax(row)
				if train && a.pdrop > 0 {
					tensor.Dropout(row, a.pdrop, rng)
				}
			}
			tensor.Parallel(s, func(lo, hi int) {
				for i := lo; i < hi; i++ {
					off := h * a.headDim
					out := ctx.Row(bi*s + i)[off : off+a.headDim]
					row := probs.Row(i)
					for j := 0; j < s; j++ {
						if row[j] == 0 {
							continue
						}
						tensor.AddScaled(out, row[j], a.v(qkv, bi*s+j, h))
					}
				}
			})
			weights = append(weights, probs)
		}
	}
	return a.outProject(ctx), weights, nil
}

// fusedAttention enforces causality internally and never materialises the
// probability matrix; one score row per query is the whole footprint. It
// only runs on reduced-precision activations and takes padding as the
// boolean mask alone.
type fusedAttention struct {
	*attnCore
	ambient dtype.DType
}

func (a *fusedAttention) Forward(x *tensor.Mat, b, s int, keyPadding []bool, bias *attnBias, train bool, rng *tensor.RNG) (*tensor.Mat, []*tensor.Mat, error) {
	if !bias.empty() {
		return nil, nil, fmt.Errorf("model: fused attention with additive bias: %w", ErrArgumentCombination)
	}
	if !a.ambient.Reduced() {
		return nil, nil, fmt.Errorf("model: fused attention needs f16 or bf16 activations, got %s: %w", a.ambient, ErrDtype)
	}
	rows := b * s
	if x.R != rows || x.C != a.dim {
		panic("model: attention input shape mismatch")
	}
	xr := x.Clone()
	a.ambient.RoundInPlace(xr.Data)
	qkv := a.project(xr)
	a.ambient.RoundInPlace(qkv.Data)

	ctx := tensor.NewMat(rows, a.dim)
	for bi := 0; bi < b; bi++ {
		for h := 0; h < a.heads; h++ {
			a.streamHead(qkv, ctx, bi, h, s, func(j int) float32 {
				if keyPadding != nil && !keyPadding[bi*s+j] {
					return negInf
				}
				return 0
			})
		}
	}
	a.ambient.RoundInPlace(ctx.Data)
	out := a.outProject(ctx)
	a.ambient.RoundInPlace(out.Data)
	return out, nil, nil
}

// fusedBiasAttention is the fused kernel variant that consumes an additive
// bias row per key. Key padding must arrive pre-folded into that bias; an
// explicit padding mask is rejected.
type fusedBiasAttention struct {
	*attnCore
	ambient dtype.DType
}

func (a *fusedBiasAttention) Forward(x *tensor.Mat, b, s int, keyPadding []bool, bias *attnBias, train bool, rng *tensor.RNG) (*tensor.Mat, []*tensor.Mat, error) {
	if keyPadding != nil {
		return nil, nil, fmt.Errorf("model: fused bias attention with explicit key padding: %w", ErrArgumentCombination)
	}
	if bias != nil && len(bias.full) > 0 {
		return nil, nil, fmt.Errorf("model: fused bias attention with dense bias matrices: %w", ErrArgumentCombination)
	}
	if !a.ambient.Reduced() {
		return nil, nil, fmt.Errorf("model: fused bias attention needs f16 or bf16 activations, got %s: %w", a.ambient, ErrDtype)
	}
	rows := b * s
	if x.R != rows || x.C != a.dim {
		panic("model: attention input shape mismatch")
	}
	xr := x.Clone()
	a.ambient.RoundInPlace(xr.Data)
	qkv := a.project(xr)
	a.ambient.RoundInPlace(qkv.Data)

	ctx := tensor.NewMat(rows, a.dim)
	for bi := 0; bi < b; bi++ {
		for h := 0; h < a.heads; h++ {
			keyBias := bias.keyRow(bi, h)
			a.streamHead(qkv, ctx, bi, h, s, func(j int) float32 {
				if keyBias == nil {
					return 0
				}
				return keyBias[j]
			})
		}
	}
	a.ambient.RoundInPlace(ctx.Data)
	out := a.outProject(ctx)
	a.ambient.RoundInPlace(out.Data)
	return out, nil, nil
}

// streamHead runs causal streaming attention for one batch element and
// head. keyTerm supplies the additive per-key term; negative infinity
// removes a key entirely. Queries with no surviving key keep a zero
// context row.
func (a *attnCore) streamHead(qkv, ctx *tensor.Mat, bi, h, s int, keyTerm func(j int) float32) {
	tensor.Parallel(s, func(lo, hi int) {
		scores := make([]float32, s)
		for i := lo; i < hi; i++ {
			q := a.q(qkv, bi*s+i, h)
			n := i + 1
			maxv := negInf
			for j := 0; j < n; j++ {
				t := keyTerm(j)
				if math.IsInf(float64(t), -1) {
					scores[j] = negInf
					continue
				}
				sc := a.scale*tensor.Dot(q, a.k(qkv, bi*s+j, h)) + t
				scores[j] = sc
				if sc > maxv {
					maxv = sc
				}
			}
			if math.IsInf(float64(maxv), -1) {
				continue
			}
			var denom float64
			for j := 0; j < n; j++ {
				if math.IsInf(float64(scores[j]), -1) {
					scores[j] = 0
					continue
				}
				w := math.Exp(float64(scores[j] - maxv))
				scores[j] = float32(w)
				denom += w
			}
			off := h * a.headDim
			out := ctx.Row(bi*s + i)[off : off+a.headDim]
			inv := float32(1.0 / denom)
			for j := 0; j < n; j++ {
				p := scores[j] * inv
				if p == 0 {
					continue
				}
				tensor.AddScaled(out, p, a.v(qkv, bi*s+j, h))
			}
		}
	})
}
