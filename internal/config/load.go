package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gojson "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config with pointer fields so absent keys can be told
// apart from explicit zeros. Both YAML and JSON decode into it.
type fileConfig struct {
	DModel    int  `yaml:"d_model" json:"d_model"`
	NHeads    int  `yaml:"n_heads" json:"n_heads"`
	NLayers   int  `yaml:"n_layers" json:"n_layers"`
	VocabSize int  `yaml:"vocab_size" json:"vocab_size"`
	MaxSeqLen int  `yaml:"max_seq_len" json:"max_seq_len"`
	MLPRatio  *int `yaml:"mlp_ratio" json:"mlp_ratio"`

	AttnImpl     string   `yaml:"attn_impl" json:"attn_impl"`
	Alibi        *bool    `yaml:"alibi" json:"alibi"`
	AlibiBiasMax *float64 `yaml:"alibi_bias_max" json:"alibi_bias_max"`

	AttnPdrop  *float64 `yaml:"attn_pdrop" json:"attn_pdrop"`
	ResidPdrop *float64 `yaml:"resid_pdrop" json:"resid_pdrop"`
	EmbPdrop   *float64 `yaml:"emb_pdrop" json:"emb_pdrop"`

	EmbeddingFraction *float64 `yaml:"embedding_fraction" json:"embedding_fraction"`
	Precision         string   `yaml:"precision" json:"precision"`

	InitStd     *float64 `yaml:"init_std" json:"init_std"`
	InitExperts *bool    `yaml:"init_experts" json:"init_experts"`
	Seed        *uint64  `yaml:"seed" json:"seed"`

	MoE fileMoE `yaml:"moe" json:"moe"`
}

type fileMoE struct {
	NumExperts     ExpertCounts `yaml:"num_experts" json:"num_experts"`
	CapacityFactor *float64     `yaml:"capacity_factor" json:"capacity_factor"`
	GateK          *int         `yaml:"gate_k" json:"gate_k"`
	NormalizeGate  *bool        `yaml:"normalize_gate" json:"normalize_gate"`
	FP32Gate       *bool        `yaml:"fp32_gate" json:"fp32_gate"`
	GShardLoss     *bool        `yaml:"gshard_loss" json:"gshard_loss"`
	LossWeight     *float64     `yaml:"loss_weight" json:"loss_weight"`
}

// toConfig overwrites the defaults from New with the keys present in the
// file. Absent keys keep the default; explicit zeros survive and are left
// for Validate to judge.
func (f *fileConfig) toConfig() *Config {
	c := New()
	c.DModel = f.DModel
	c.NHeads = f.NHeads
	c.NLayers = f.NLayers
	c.VocabSize = f.VocabSize
	c.MaxSeqLen = f.MaxSeqLen
	if f.AttnImpl != "" {
		c.AttnImpl = f.AttnImpl
	}
	if c.AttnImpl == "fused-with-bias" {
		c.AttnImpl = AttnFusedWithBias
	}
	if f.Precision != "" {
		c.Precision = f.Precision
	}
	if f.MLPRatio != nil {
		c.MLPRatio = *f.MLPRatio
	}
	if f.Alibi != nil {
		c.Alibi = *f.Alibi
	}
	if f.AlibiBiasMax != nil {
		c.AlibiBiasMax = *f.AlibiBiasMax
	}
	if f.AttnPdrop != nil {
		c.AttnPdrop = *f.AttnPdrop
	}
	if f.ResidPdrop != nil {
		c.ResidPdrop = *f.ResidPdrop
	}
	if f.EmbPdrop != nil {
		c.EmbPdrop = *f.EmbPdrop
	}
	if f.EmbeddingFraction != nil {
		c.EmbeddingFraction = *f.EmbeddingFraction
	}
	if f.InitStd != nil {
		c.InitStd = *f.InitStd
	}
	if f.InitExperts != nil {
		c.InitExperts = *f.InitExperts
	}
	if f.Seed != nil {
		c.Seed = *f.Seed
	}

	m := &c.MoE
	m.NumExperts = f.MoE.NumExperts
	if f.MoE.CapacityFactor != nil {
		m.CapacityFactor = *f.MoE.CapacityFactor
	}
	if f.MoE.GateK != nil {
		m.GateK = *f.MoE.GateK
	}
	if f.MoE.NormalizeGate != nil {
		m.NormalizeGate = *f.MoE.NormalizeGate
	}
	if f.MoE.FP32Gate != nil {
		m.FP32Gate = *f.MoE.FP32Gate
	}
	if f.MoE.GShardLoss != nil {
		m.GShardLoss = *f.MoE.GShardLoss
	}
	if f.MoE.LossWeight != nil {
		m.LossWeight = *f.MoE.LossWeight
	}
	return c
}

// FromYAML decodes, defaults and validates a YAML document.
func FromYAML(data []byte) (*Config, error) {
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c := f.toConfig()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// FromJSON decodes, defaults and validates a JSON document.
func FromJSON(data []byte) (*Config, error) {
	var f fileConfig
	if err := gojson.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c := f.toConfig()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads a config file, dispatching on extension (.yaml/.yml/.json).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FromJSON(data)
	case ".yaml", ".yml":
		return FromYAML(data)
	default:
		return nil, fmt.Errorf("%w: unsupported config extension %q", ErrInvalid, filepath.Ext(path))
	}
}

// UnmarshalYAML accepts either a scalar count or a per-layer sequence.
func (e *ExpertCounts) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var n int
		if err := value.Decode(&n); err != nil {
			return fmt.Errorf("num_experts: %w", err)
		}
		*e = ExpertCounts{n}
		return nil
	case yaml.SequenceNode:
		var ns []int
		if err := value.Decode(&ns); err != nil {
			return fmt.Errorf("num_experts: %w", err)
		}
		*e = ExpertCounts(ns)
		return nil
	default:
		return fmt.Errorf("num_experts: expected integer or list")
	}
}

// UnmarshalJSON accepts either a number or an array of numbers.
func (e *ExpertCounts) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var ns []int
		if err := gojson.Unmarshal(data, &ns); err != nil {
			return fmt.Errorf("num_experts: %w", err)
		}
		*e = ExpertCounts(ns)
		return nil
	}
	var n int
	if err := gojson.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("num_experts: %w", err)
	}
	*e = ExpertCounts{n}
	return nil
}

// Default returns a small configuration used by CLI commands when no file
// is given.
func Default() *Config {
	c := New()
	c.DModel = 128
	c.NHeads = 4
	c.NLayers = 4
	c.VocabSize = 512
	c.MaxSeqLen = 64
	c.Alibi = true
	c.MoE.NumExperts = ExpertCounts{4}
	return c
}
