// Package model assembles the decoder-only transformer: token and position
// embeddings, pre-norm blocks with interchangeable attention backends and
// an optional expert feed-forward path, a final norm, and the tied output
// projection.
package model

import (
	"fmt"

	"github.com/strataml/strata/internal/config"
	"github.com/strataml/strata/internal/dist"
	"github.com/strataml/strata/internal/moe"
	"github.com/strataml/strata/internal/tensor"
)

// Batch is one forward pass's input. InputIDs and Labels hold B*S token
// ids in row-major (batch, position) order. AttentionMask marks valid
// positions (true = attend); nil means nothing is padded.
type Batch struct {
	InputIDs      []int32
	AttentionMask []bool
	Labels        []int32
	B, S          int
}

// GPT is the core model. One instance serves one shard rank; forward
// passes on a single instance are sequential.
type GPT struct {
	cfg *config.Config

	wte    *tensor.Mat // (vocab, dim)
	wpe    *tensor.Mat // (max_seq_len, dim), nil with alibi
	blocks []*block
	lnFg   []float32
	lnFb   []float32

	mask      *maskCache
	rng       *tensor.RNG
	shardRank int
}

// New validates cfg, builds every parameter, and applies the
// initialisation policy. rt supplies the shard group for expert layers;
// pass dist.Local{} for a single worker.
func New(cfg *config.Config, rt dist.Runtime) (*GPT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var topo moe.Topology = moe.SingleShard{}
	shardRank := 0
	if rt != nil && rt.WorldSize() > 1 && cfg.UsesMoE() {
		ranks := make([]int, rt.WorldSize())
		for i := range ranks {
			ranks[i] = i
		}
		group, err := rt.NewGroup(ranks)
		if err != nil {
			return nil, fmt.Errorf("model: expert shard group: %w", err)
		}
		topo = group
		shardRank = group.Rank()
	}

	dim := cfg.DModel
	m := &GPT{
		cfg:       cfg,
		wte:       tensor.NewMat(cfg.VocabSize, dim),
		blocks:    make([]*block, cfg.NLayers),
		lnFg:      make([]float32, dim),
		lnFb:      make([]float32, dim),
		mask:      newMaskCache(cfg),
		rng:       tensor.NewRNG(cfg.Seed),
		shardRank: shardRank,
	}
	if !cfg.Alibi {
		m.wpe = tensor.NewMat(cfg.MaxSeqLen, dim)
	}

	opts := moe.Options{
		K:              cfg.MoE.GateK,
		CapacityFactor: cfg.MoE.CapacityFactor,
		NormalizeGate:  cfg.MoE.NormalizeGate,
		FP32Gate:       cfg.MoE.FP32Gate,
		GShardLoss:     cfg.MoE.GShardLoss,
		Ambient:        cfg.Dtype(),
	}
	for l := 0; l < cfg.NLayers; l++ {
		attn, err := newAttention(cfg)
		if err != nil {
			return nil, err
		}
		blk := &block{
			ln1g:       make([]float32, dim),
			ln1b:       make([]float32, dim),
			attn:       attn,
			ln2g:       make([]float32, dim),
			ln2b:       make([]float32, dim),
			residPdrop: float32(cfg.ResidPdrop),
			dim:        dim,
		}
		if experts := cfg.ExpertsAt(l); experts > 1 {
			blk.moe = moe.NewLayer(dim, cfg.FFNHidden(), experts, opts, topo)
		} else {
			blk.mlp = newMLP(dim, cfg.FFNHidden())
		}
		m.blocks[l] = blk
	}

	m.initialize()
	return m, nil
}

// Config returns the configuration the model was built from.
func (m *GPT) Config() *config.Config { return m.cfg }

// ShardRank returns this instance's rank in the expert shard group.
func (m *GPT) ShardRank() int { return m.shardRank }

// ExpertLayers returns the expert feed-forward layers in depth order.
// Layers running the dense MLP are not included.
func (m *GPT) ExpertLayers() []*moe.Layer {
	var layers []*moe.Layer
	for _, blk := range m.blocks {
		if blk.moe != nil {
			layers = append(layers, blk.moe)
		}
	}
	return layers
}

// Forward runs the full stack over batch and returns logits shaped
// (B*S, vocab) plus the auxiliary loss of every expert layer in depth
// order.
func (m *GPT) Forward(batch *Batch, train bool) (*tensor.Mat, []float32, error) {
	b, s := batch.B, batch.S
	rows := b * s
	if len(batch.InputIDs) != rows {
		panic("model: batch id count does not match dims")
	}
	if batch.AttentionMask != nil && len(batch.AttentionMask) != rows {
		panic("model: batch mask length does not match dims")
	}
	if s > m.cfg.MaxSeqLen {
		return nil, nil, fmt.Errorf("model: forward over %d positions, maximum %d: %w", s, m.cfg.MaxSeqLen, ErrSequenceLength)
	}

	dim := m.cfg.DModel
	x := tensor.NewMat(rows, dim)
	for r := 0; r < rows; r++ {
		id := batch.InputIDs[r]
		if id < 0 || int(id) >= m.cfg.VocabSize {
			panic("model: token id out of range")
		}
		row := x.Row(r)
		copy(row, m.wte.Row(int(id)))
		if m.wpe != nil {
			tensor.Add(row, m.wpe.Row(r%s))
		}
	}
	if f := float32(m.cfg.EmbeddingFraction); f < 1 {
		// Forward value is unchanged; the second term is the
		// gradient-detached copy in the training formulation.
		for i, v := range x.Data {
			x.Data[i] = v*f + v*(1-f)
		}
	}
	if train && m.cfg.EmbPdrop > 0 {
		tensor.Dropout(x.Data, float32(m.cfg.EmbPdrop), m.rng)
	}

	bias, err := m.mask.biasFor(b, s, batch.AttentionMask)
	if err != nil {
		return nil, nil, err
	}
	keyPadding := batch.AttentionMask
	if m.cfg.AttnImpl == config.AttnFusedWithBias {
		// Padding rides in the bias rows for this backend.
		keyPadding = nil
	}

	st := &fwdState{b: b, s: s, keyPadding: keyPadding, bias: bias, train: train, rng: m.rng}
	var aux []float32
	for _, blk := range m.blocks {
		a, ok, err := blk.forward(x, st)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			aux = append(aux, a)
		}
	}

	for r := 0; r < rows; r++ {
		tensor.LayerNorm(x.Row(r), x.Row(r), m.lnFg, m.lnFb, lnEps)
	}

	// Output projection shares the embedding matrix.
	logits := tensor.NewMat(rows, m.cfg.VocabSize)
	tensor.MatMulT(logits, x, m.wte, nil)
	return logits, aux, nil
}
