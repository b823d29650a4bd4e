package moe

import (
	"math"

	"github.com/strataml/strata/internal/dtype"
	"github.com/strataml/strata/internal/tensor"
)

// Options collects the routing knobs shared by the gate and the layer.
type Options struct {
	K              int
	CapacityFactor float64
	NormalizeGate  bool
	FP32Gate       bool
	GShardLoss     bool

	// Ambient is the activation precision of the surrounding model. With
	// FP32Gate off and a reduced ambient, gate inputs and scores round
	// through the ambient format before softmax.
	Ambient dtype.DType
}

// Gate scores tokens against experts and produces routing decisions.
// The scoring layer is a bias-free linear map from d_model to the expert
// count.
type Gate struct {
	W *tensor.Mat // (experts, d_model)

	dModel  int
	experts int
	opts    Options
}

// Decision is one batch's routing outcome. Slot s of token t lives at
// index t*K+s in the flat slices. A dropped slot keeps its expert and
// weight for inspection but contributes nothing downstream.
type Decision struct {
	K        int
	Tokens   int
	Capacity int

	Experts []int32   // winning expert per slot
	Weights []float32 // combine weight per slot
	Dropped []bool    // capacity overflow per slot

	Assigned  []int // per expert, routing intent before the capacity cap
	Processed []int // per expert, tokens actually admitted

	AuxLoss float32
}

// NewGate builds a gate for the given width and expert count. Weights are
// zero until the model's initialisation pass fills them.
func NewGate(dModel, experts int, opts Options) *Gate {
	if opts.K < 1 || opts.K > experts {
		panic("moe: gate k out of range")
	}
	if opts.CapacityFactor <= 0 {
		panic("moe: capacity factor must be positive")
	}
	return &Gate{
		W:       tensor.NewMat(experts, dModel),
		dModel:  dModel,
		experts: experts,
		opts:    opts,
	}
}

// Capacity returns the per-expert token budget for a batch of n tokens:
// ceil(factor * n * k / experts), never below k.
func Capacity(n, k, experts int, factor float64) int {
	c := int(math.Ceil(factor * float64(n*k) / float64(experts)))
	if c < k {
		c = k
	}
	return c
}

// Route scores a batch of token states x (n, d_model) and selects top-k
// experts per token under the capacity cap. Overflowing slots are marked
// dropped; they are a policy outcome, not an error, and no weight is
// redistributed to a token's surviving slots.
func (g *Gate) Route(x *tensor.Mat) *Decision {
	if x.C != g.dModel {
		panic("moe: gate input width mismatch")
	}
	n := x.R
	k := g.opts.K
	e := g.experts

	xg := x
	reducedGate := !g.opts.FP32Gate && g.opts.Ambient.Reduced()
	if reducedGate {
		xg = x.Clone()
		g.opts.Ambient.RoundInPlace(xg.Data)
	}

	probs := tensor.NewMat(n, e)
	tensor.MatMulT(probs, xg, g.W, nil)
	if reducedGate {
		g.opts.Ambient.RoundInPlace(probs.Data)
	}
	for t := 0; t < n; t++ {
		tensor.Softmax(probs.Row(t))
	}

	d := &Decision{
		K:         k,
		Tokens:    n,
		Capacity:  Capacity(n, k, e, g.opts.CapacityFactor),
		Experts:   make([]int32, n*k),
		Weights:   make([]float32, n*k),
		Dropped:   make([]bool, n*k),
		Assigned:  make([]int, e),
		Processed: make([]int, e),
	}

	for t := 0; t < n; t++ {
		row := probs.Row(t)
		slots := d.Experts[t*k : (t+1)*k]
		weights := d.Weights[t*k : (t+1)*k]
		topK(row, slots, weights)
		// Renormalisation only has an effect across multiple winners; the
		// top-1 combine weight stays the raw gate probability.
		if g.opts.NormalizeGate && k > 1 {
			var sum float32
			for _, w := range weights {
				sum += w
			}
			if sum > 0 {
				tensor.Scale(weights, 1/sum)
			}
		}
	}

	// Token-order admission: earlier tokens claim capacity first, higher
	// gate ranks first within a token.
	for t := 0; t < n; t++ {
		for s := 0; s < k; s++ {
			slot := t*k + s
			ex := int(d.Experts[slot])
			d.Assigned[ex]++
			if d.Processed[ex] >= d.Capacity {
				d.Dropped[slot] = true
				continue
			}
			d.Processed[ex]++
		}
	}

	d.AuxLoss = g.auxLoss(probs, d)
	return d
}

// topK selects the k highest-probability experts by insertion, breaking
// ties toward the lower expert index.
func topK(row []float32, idxOut []int32, scoreOut []float32) {
	k := len(idxOut)
	for i := range idxOut {
		idxOut[i] = -1
		scoreOut[i] = float32(math.Inf(-1))
	}
	for e, score := range row {
		for j := 0; j < k; j++ {
			if score > scoreOut[j] || (score == scoreOut[j] && (idxOut[j] == -1 || int32(e) < idxOut[j])) {
				copy(scoreOut[j+1:], scoreOut[j:k-1])
				copy(idxOut[j+1:], idxOut[j:k-1])
				scoreOut[j] = score
				idxOut[j] = int32(e)
				break
			}
		}
	}
}

// auxLoss computes the load-balancing term. The default form scales the
// dot product of routing fractions and mean gate probabilities by the
// expert count; f uses routing intent before capacity so a congested
// expert still registers as over-subscribed. The alternative is the
// importance loss, the squared coefficient of variation of per-expert
// probability mass.
func (g *Gate) auxLoss(probs *tensor.Mat, d *Decision) float32 {
	n := probs.R
	e := probs.C
	if n == 0 {
		return 0
	}

	colSum := make([]float64, e)
	for t := 0; t < n; t++ {
		row := probs.Row(t)
		for j := range row {
			colSum[j] += float64(row[j])
		}
	}

	if !g.opts.GShardLoss {
		var mean float64
		for _, s := range colSum {
			mean += s
		}
		mean /= float64(e)
		if mean == 0 {
			return 0
		}
		var varAcc float64
		for _, s := range colSum {
			dlt := s - mean
			varAcc += dlt * dlt
		}
		varAcc /= float64(e)
		return float32(varAcc / (mean * mean))
	}

	total := float64(n * d.K)
	var loss float64
	for j := 0; j < e; j++ {
		f := float64(d.Assigned[j]) / total
		p := colSum[j] / float64(n)
		loss += f * p
	}
	return float32(loss * float64(e))
}
