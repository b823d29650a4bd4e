// Package config defines the model configuration surface. Files decode
// through a pointer-field mirror so absent keys fall back to defaults
// instead of zero values.
package config

import (
	"errors"
	"fmt"

	"github.com/strataml/strata/internal/dtype"
)

// ErrInvalid is wrapped by every configuration rejection, from file
// validation through backend selection at model construction.
var ErrInvalid = errors.New("invalid model configuration")

// Attention backend identifiers.
const (
	AttnDense         = "dense"
	AttnFused         = "fused"
	AttnFusedWithBias = "fused_with_bias"
)

// Defaults applied to absent keys.
const (
	DefaultMLPRatio       = 4
	DefaultAlibiBiasMax   = 8
	DefaultInitStd        = 0.02
	DefaultSeed           = 1234
	DefaultCapacityFactor = 1.0
	DefaultGateK          = 1
	DefaultMoELossWeight  = 0.01
)

// Config is the immutable parameter set the model is built from. Construct
// via Load/FromYAML/FromJSON, or start from New and override, then Validate.
type Config struct {
	DModel    int
	NHeads    int
	NLayers   int
	VocabSize int
	MaxSeqLen int
	MLPRatio  int

	AttnImpl     string
	Alibi        bool
	AlibiBiasMax float64

	AttnPdrop  float64
	ResidPdrop float64
	EmbPdrop   float64

	EmbeddingFraction float64
	Precision         string

	InitStd     float64
	InitExperts bool
	Seed        uint64

	MoE MoEConfig
}

// MoEConfig controls the expert feed-forward path. A layer participates
// when its resolved expert count is greater than one. NormalizeGate,
// FP32Gate and GShardLoss default to true; New carries those defaults,
// the zero value of this struct leaves them off.
type MoEConfig struct {
	NumExperts     ExpertCounts
	CapacityFactor float64
	GateK          int
	NormalizeGate  bool
	FP32Gate       bool
	GShardLoss     bool
	LossWeight     float64
}

// ExpertCounts is the num_experts value: a single count applied to every
// layer, or one count per layer (pyramid configurations).
type ExpertCounts []int

// New returns a Config with every default applied, including the fields
// whose zero value is meaningful (seed, moe.loss_weight, the gate
// booleans). File loading starts here and overwrites only the keys
// present in the document; hand-built configs start here and override.
func New() *Config {
	return &Config{
		MLPRatio:          DefaultMLPRatio,
		AttnImpl:          AttnDense,
		AlibiBiasMax:      DefaultAlibiBiasMax,
		EmbeddingFraction: 1,
		Precision:         "f32",
		InitStd:           DefaultInitStd,
		Seed:              DefaultSeed,
		MoE: MoEConfig{
			CapacityFactor: DefaultCapacityFactor,
			GateK:          DefaultGateK,
			NormalizeGate:  true,
			FP32Gate:       true,
			GShardLoss:     true,
			LossWeight:     DefaultMoELossWeight,
		},
	}
}

// HeadDim returns d_model / n_heads.
func (c *Config) HeadDim() int { return c.DModel / c.NHeads }

// FFNHidden returns the feed-forward hidden width.
func (c *Config) FFNHidden() int { return c.MLPRatio * c.DModel }

// Dtype returns the parsed ambient precision. Call after Validate.
func (c *Config) Dtype() dtype.DType {
	d, err := dtype.Parse(c.Precision)
	if err != nil {
		panic("config: Dtype called before Validate")
	}
	return d
}

// ExpertsAt resolves the expert count for block layer (0-based). Layers
// without MoE resolve to 1.
func (c *Config) ExpertsAt(layer int) int {
	switch len(c.MoE.NumExperts) {
	case 0:
		return 1
	case 1:
		return c.MoE.NumExperts[0]
	default:
		return c.MoE.NumExperts[layer]
	}
}

// UsesMoE reports whether any layer has more than one expert.
func (c *Config) UsesMoE() bool {
	for l := 0; l < c.NLayers; l++ {
		if c.ExpertsAt(l) > 1 {
			return true
		}
	}
	return false
}

// WithDefaults fills zero fields whose zero value is never valid and
// normalises the attn_impl alias. It cannot tell an explicit zero from an
// absent field, so seed, moe.loss_weight and the gate booleans are left
// untouched; New carries their defaults.
func (c *Config) WithDefaults() *Config {
	if c.MLPRatio == 0 {
		c.MLPRatio = DefaultMLPRatio
	}
	switch c.AttnImpl {
	case "":
		c.AttnImpl = AttnDense
	case "fused-with-bias":
		c.AttnImpl = AttnFusedWithBias
	}
	if c.AlibiBiasMax == 0 {
		c.AlibiBiasMax = DefaultAlibiBiasMax
	}
	if c.EmbeddingFraction == 0 {
		c.EmbeddingFraction = 1
	}
	if c.Precision == "" {
		c.Precision = "f32"
	}
	if c.InitStd == 0 {
		c.InitStd = DefaultInitStd
	}
	if c.MoE.CapacityFactor == 0 {
		c.MoE.CapacityFactor = DefaultCapacityFactor
	}
	if c.MoE.GateK == 0 {
		c.MoE.GateK = DefaultGateK
	}
	return c
}

// Validate checks every structural constraint. Backend-specific rules
// (alibi support, dropout restrictions, precision requirements) are
// enforced again at model construction; both paths wrap ErrInvalid.
func (c *Config) Validate() error {
	if c.DModel <= 0 || c.NHeads <= 0 || c.NLayers <= 0 {
		return fmt.Errorf("%w: d_model, n_heads and n_layers must be positive", ErrInvalid)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("%w: vocab_size must be positive", ErrInvalid)
	}
	if c.MaxSeqLen <= 0 {
		return fmt.Errorf("%w: max_seq_len must be positive", ErrInvalid)
	}
	if c.DModel%c.NHeads != 0 {
		return fmt.Errorf("%w: d_model %d not divisible by n_heads %d", ErrInvalid, c.DModel, c.NHeads)
	}
	if c.MLPRatio <= 0 {
		return fmt.Errorf("%w: mlp_ratio must be positive", ErrInvalid)
	}
	switch c.AttnImpl {
	case AttnDense, AttnFused, AttnFusedWithBias:
	default:
		return fmt.Errorf("%w: unknown attn_impl %q", ErrInvalid, c.AttnImpl)
	}
	if c.Alibi && c.AttnImpl == AttnFused {
		return fmt.Errorf("%w: alibi needs the dense or fused_with_bias backend", ErrInvalid)
	}
	if c.AttnPdrop > 0 && c.AttnImpl != AttnDense {
		return fmt.Errorf("%w: attn_pdrop %f needs the dense backend", ErrInvalid, c.AttnPdrop)
	}
	if c.AlibiBiasMax <= 0 {
		return fmt.Errorf("%w: alibi_bias_max must be positive", ErrInvalid)
	}
	for _, p := range []struct {
		name string
		v    float64
	}{
		{"attn_pdrop", c.AttnPdrop},
		{"resid_pdrop", c.ResidPdrop},
		{"emb_pdrop", c.EmbPdrop},
	} {
		if p.v < 0 || p.v >= 1 {
			return fmt.Errorf("%w: %s %f outside [0, 1)", ErrInvalid, p.name, p.v)
		}
	}
	if c.EmbeddingFraction <= 0 || c.EmbeddingFraction > 1 {
		return fmt.Errorf("%w: embedding_fraction %f outside (0, 1]", ErrInvalid, c.EmbeddingFraction)
	}
	if _, err := dtype.Parse(c.Precision); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.InitStd <= 0 {
		return fmt.Errorf("%w: init_std must be positive", ErrInvalid)
	}
	return c.validateMoE()
}

func (c *Config) validateMoE() error {
	m := &c.MoE
	switch len(m.NumExperts) {
	case 0, 1:
	default:
		if len(m.NumExperts) != c.NLayers {
			return fmt.Errorf("%w: num_experts list has %d entries for %d layers", ErrInvalid, len(m.NumExperts), c.NLayers)
		}
	}
	for i, e := range m.NumExperts {
		if e < 1 {
			return fmt.Errorf("%w: num_experts[%d] = %d, must be at least 1", ErrInvalid, i, e)
		}
	}
	if !c.UsesMoE() {
		return nil
	}
	if m.CapacityFactor <= 0 {
		return fmt.Errorf("%w: capacity_factor must be positive", ErrInvalid)
	}
	if m.GateK < 1 {
		return fmt.Errorf("%w: gate_k must be at least 1", ErrInvalid)
	}
	for l := 0; l < c.NLayers; l++ {
		if e := c.ExpertsAt(l); e > 1 && m.GateK > e {
			return fmt.Errorf("%w: gate_k %d exceeds num_experts %d at layer %d", ErrInvalid, m.GateK, e, l)
		}
	}
	if m.LossWeight < 0 {
		return fmt.Errorf("%w: moe loss_weight must not be negative", ErrInvalid)
	}
	return nil
}
