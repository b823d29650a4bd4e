package model

import (
	"fmt"
	"math"

	"github.com/strataml/strata/internal/config"
	"github.com/strataml/strata/internal/tensor"
)

var negInf = float32(math.Inf(-1))

// alibiCoeffs returns the per-head distance coefficient 2^(-slope) with
// slope = h * biasMax / heads for heads numbered from 1.
func alibiCoeffs(heads int, biasMax float64) []float32 {
	out := make([]float32, heads)
	for h := 1; h <= heads; h++ {
		out[h-1] = float32(math.Exp2(-float64(h) * biasMax / float64(heads)))
	}
	return out
}

// attnBias is the additive attention bias for one forward pass.
//
// full carries per-head (S, S) matrices shared across the batch; the dense
// backend reads it. rows carries per-key bias rows of shape (heads, S); the
// fused-with-bias backend reads it, one entry shared across the batch or
// one entry per batch element once key padding has been folded in.
type attnBias struct {
	full []*tensor.Mat
	rows []*tensor.Mat
}

// maskCache materialises the additive attention bias once, at the model's
// maximum sequence length, and hands out window views per batch. The cache
// itself is never mutated after the first build; per-batch state such as
// key padding goes into scratch copies.
type maskCache struct {
	impl    string
	heads   int
	maxSeq  int
	alibi   bool
	biasMax float64

	built bool
	full  []*tensor.Mat // dense: per head with alibi, else one shared
	rows  *tensor.Mat   // fused_with_bias: (heads or 1, maxSeq)
}

func newMaskCache(cfg *config.Config) *maskCache {
	return &maskCache{
		impl:    cfg.AttnImpl,
		heads:   cfg.NHeads,
		maxSeq:  cfg.MaxSeqLen,
		alibi:   cfg.Alibi,
		biasMax: cfg.AlibiBiasMax,
	}
}

func (c *maskCache) build() {
	if c.built {
		return
	}
	switch c.impl {
	case config.AttnDense:
		n := 1
		var coeffs []float32
		if c.alibi {
			n = c.heads
			coeffs = alibiCoeffs(c.heads, c.biasMax)
		}
		c.full = make([]*tensor.Mat, n)
		for h := 0; h < n; h++ {
			m := tensor.NewMat(c.maxSeq, c.maxSeq)
			for i := 0; i < c.maxSeq; i++ {
				row := m.Row(i)
				for j := 0; j < c.maxSeq; j++ {
					if j > i {
						row[j] = negInf
					} else if c.alibi {
						row[j] = -float32(i-j) * coeffs[h]
					}
				}
			}
			c.full[h] = m
		}
	case config.AttnFusedWithBias:
		n := 1
		if c.alibi {
			n = c.heads
		}
		c.rows = tensor.NewMat(n, c.maxSeq)
		if c.alibi {
			coeffs := alibiCoeffs(c.heads, c.biasMax)
			for h := 0; h < n; h++ {
				row := c.rows.Row(h)
				for j := 0; j < c.maxSeq; j++ {
					row[j] = -float32(c.maxSeq-1-j) * coeffs[h]
				}
			}
		}
	case config.AttnFused:
		// Causality and padding live inside the kernel; no bias tensor.
	}
	c.built = true
}

// biasFor returns the bias for a batch of b sequences of length s, folding
// key padding where the backend cannot take it as a separate argument.
// keyPadding is the batch's validity mask (true = attend), length b*s, or
// nil when nothing is padded.
func (c *maskCache) biasFor(b, s int, keyPadding []bool) (*attnBias, error) {
	if s > c.maxSeq {
		return nil, fmt.Errorf("model: sequence length %d over maximum %d: %w", s, c.maxSeq, ErrSequenceLength)
	}
	c.build()
	switch c.impl {
	case config.AttnDense:
		full := make([]*tensor.Mat, len(c.full))
		for h, m := range c.full {
			full[h] = m.Window(0, 0, s, s)
		}
		return &attnBias{full: full}, nil
	case config.AttnFusedWithBias:
		shared := c.rows.Window(0, c.maxSeq-s, c.rows.R, s)
		if keyPadding == nil {
			return &attnBias{rows: []*tensor.Mat{shared}}, nil
		}
		rows := make([]*tensor.Mat, b)
		for bi := 0; bi < b; bi++ {
			folded := shared.Clone()
			for h := 0; h < folded.R; h++ {
				row := folded.Row(h)
				for j := 0; j < s; j++ {
					if !keyPadding[bi*s+j] {
						row[j] = negInf
					}
				}
			}
			rows[bi] = folded
		}
		return &attnBias{rows: rows}, nil
	default:
		return nil, nil
	}
}

// headBias picks the (S, S) bias matrix for head h, or nil when the bias
// carries no dense component.
func (b *attnBias) headBias(h int) *tensor.Mat {
	if b == nil || len(b.full) == 0 {
		return nil
	}
	if len(b.full) == 1 {
		return b.full[0]
	}
	return b.full[h]
}

// keyRow picks the per-key bias row for batch element bi and head h, or
// nil when the bias carries no row component.
func (b *attnBias) keyRow(bi, h int) []float32 {
	if b == nil || len(b.rows) == 0 {
		return nil
	}
	m := b.rows[0]
	if len(b.rows) > 1 {
		m = b.rows[bi]
	}
	if m.R == 1 {
		return m.Row(0)
	}
	return m.Row(h)
}

func (b *attnBias) empty() bool {
	return b == nil || (len(b.full) == 0 && len(b.rows) == 0)
}
