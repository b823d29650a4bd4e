package model

import (
	"github.com/strataml/strata/internal/moe"
	"github.com/strataml/strata/internal/tensor"
)

const lnEps = 1e-5

// fwdState carries the per-forward inputs shared by every block.
type fwdState struct {
	b, s       int
	keyPadding []bool
	bias       *attnBias
	train      bool
	rng        *tensor.RNG
}

// block is one pre-norm transformer layer. The feed-forward half is either
// the dense mlp or the expert path, never both.
type block struct {
	ln1g, ln1b []float32
	attn       attention
	ln2g, ln2b []float32
	mlp        *mlp
	moe        *moe.Layer

	residPdrop float32
	dim        int
}

// forward updates x in place. When the feed-forward half is the expert
// path it returns that layer's auxiliary load-balancing loss.
func (blk *block) forward(x *tensor.Mat, st *fwdState) (float32, bool, error) {
	normed := tensor.NewMat(x.R, blk.dim)

	// Attention half: pre-norm, attend, residual.
	for i := 0; i < x.R; i++ {
		tensor.LayerNorm(normed.Row(i), x.Row(i), blk.ln1g, blk.ln1b, lnEps)
	}
	attnOut, _, err := blk.attn.Forward(normed, st.b, st.s, st.keyPadding, st.bias, st.train, st.rng)
	if err != nil {
		return 0, false, err
	}
	if st.train && blk.residPdrop > 0 {
		tensor.Dropout(attnOut.Data, blk.residPdrop, st.rng)
	}
	tensor.Add(x.Data, attnOut.Data)

	// Feed-forward half: pre-norm, dense or expert path, residual.
	for i := 0; i < x.R; i++ {
		tensor.LayerNorm(normed.Row(i), x.Row(i), blk.ln2g, blk.ln2b, lnEps)
	}
	var ffnOut *tensor.Mat
	var aux float32
	hasAux := false
	if blk.moe != nil {
		ffnOut = tensor.NewMat(x.R, blk.dim)
		dec, err := blk.moe.Forward(normed, ffnOut)
		if err != nil {
			return 0, false, err
		}
		aux = dec.AuxLoss
		hasAux = true
	} else {
		ffnOut = blk.mlp.Forward(normed)
	}
	if st.train && blk.residPdrop > 0 {
		tensor.Dropout(ffnOut.Data, blk.residPdrop, st.rng)
	}
	tensor.Add(x.Data, ffnOut.Data)
	return aux, hasAux, nil
}
