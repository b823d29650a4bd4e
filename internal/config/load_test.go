package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const yamlDoc = `
d_model: 64
n_heads: 4
n_layers: 3
vocab_size: 1000
max_seq_len: 128
attn_impl: fused_with_bias
alibi: true
precision: bf16
embedding_fraction: 0.5
moe:
  num_experts: [2, 4, 8]
  gate_k: 2
  capacity_factor: 1.25
  normalize_gate: false
`

func TestFromYAML(t *testing.T) {
	c, err := FromYAML([]byte(yamlDoc))
	if err != nil {
		t.Fatal(err)
	}
	if c.DModel != 64 || c.NHeads != 4 || c.NLayers != 3 {
		t.Fatalf("dims wrong: %+v", c)
	}
	if c.AttnImpl != AttnFusedWithBias || !c.Alibi {
		t.Fatalf("attention settings wrong: %+v", c)
	}
	if c.Precision != "bf16" {
		t.Fatalf("precision = %q", c.Precision)
	}
	if c.EmbeddingFraction != 0.5 {
		t.Fatalf("embedding_fraction = %f", c.EmbeddingFraction)
	}
	if len(c.MoE.NumExperts) != 3 || c.MoE.NumExperts[2] != 8 {
		t.Fatalf("num_experts = %v", c.MoE.NumExperts)
	}
	if c.MoE.GateK != 2 || c.MoE.CapacityFactor != 1.25 {
		t.Fatalf("gate settings wrong: %+v", c.MoE)
	}
	if c.MoE.NormalizeGate {
		t.Fatal("normalize_gate: false was overridden by the default")
	}
	if !c.MoE.FP32Gate || !c.MoE.GShardLoss {
		t.Fatal("absent moe booleans should default to true")
	}
	if c.MLPRatio != DefaultMLPRatio {
		t.Fatalf("mlp_ratio default missing: %d", c.MLPRatio)
	}
	if c.Seed != DefaultSeed {
		t.Fatalf("absent seed should default: %d", c.Seed)
	}
	if c.MoE.LossWeight != DefaultMoELossWeight {
		t.Fatalf("absent loss_weight should default: %f", c.MoE.LossWeight)
	}
}

func TestExplicitZerosSurviveLoad(t *testing.T) {
	doc := `
d_model: 32
n_heads: 2
n_layers: 2
vocab_size: 100
max_seq_len: 16
seed: 0
moe:
  num_experts: 4
  loss_weight: 0
`
	c, err := FromYAML([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if c.Seed != 0 {
		t.Fatalf("explicit seed 0 became %d", c.Seed)
	}
	if c.MoE.LossWeight != 0 {
		t.Fatalf("explicit loss_weight 0 became %f", c.MoE.LossWeight)
	}

	jsonDoc := `{"d_model": 32, "n_heads": 2, "n_layers": 2, "vocab_size": 100,
  "max_seq_len": 16, "seed": 0, "moe": {"num_experts": 4, "loss_weight": 0}}`
	c, err = FromJSON([]byte(jsonDoc))
	if err != nil {
		t.Fatal(err)
	}
	if c.Seed != 0 || c.MoE.LossWeight != 0 {
		t.Fatalf("explicit zeros lost on the json path: seed=%d loss_weight=%f", c.Seed, c.MoE.LossWeight)
	}
}

func TestExplicitZeroForRequiredFieldRejected(t *testing.T) {
	doc := `
d_model: 32
n_heads: 2
n_layers: 2
vocab_size: 100
max_seq_len: 16
mlp_ratio: 0
`
	if _, err := FromYAML([]byte(doc)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("explicit mlp_ratio 0 should be rejected, not defaulted: %v", err)
	}
}

func TestFromYAMLScalarExperts(t *testing.T) {
	doc := `
d_model: 32
n_heads: 2
n_layers: 2
vocab_size: 100
max_seq_len: 16
moe:
  num_experts: 4
`
	c, err := FromYAML([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if len(c.MoE.NumExperts) != 1 || c.MoE.NumExperts[0] != 4 {
		t.Fatalf("scalar num_experts = %v", c.MoE.NumExperts)
	}
	if c.ExpertsAt(0) != 4 || c.ExpertsAt(1) != 4 {
		t.Fatal("scalar count should apply to every layer")
	}
}

func TestFromJSON(t *testing.T) {
	doc := `{
  "d_model": 32,
  "n_heads": 2,
  "n_layers": 2,
  "vocab_size": 100,
  "max_seq_len": 16,
  "moe": {"num_experts": [2, 16], "gate_k": 1}
}`
	c, err := FromJSON([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if len(c.MoE.NumExperts) != 2 || c.MoE.NumExperts[1] != 16 {
		t.Fatalf("num_experts = %v", c.MoE.NumExperts)
	}
}

func TestFromJSONScalarExperts(t *testing.T) {
	doc := `{"d_model": 32, "n_heads": 2, "n_layers": 2, "vocab_size": 100,
  "max_seq_len": 16, "moe": {"num_experts": 8}}`
	c, err := FromJSON([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if len(c.MoE.NumExperts) != 1 || c.MoE.NumExperts[0] != 8 {
		t.Fatalf("num_experts = %v", c.MoE.NumExperts)
	}
}

func TestFromYAMLInvalidConfig(t *testing.T) {
	doc := `
d_model: 30
n_heads: 4
n_layers: 2
vocab_size: 100
max_seq_len: 16
`
	if _, err := FromYAML([]byte(doc)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for indivisible d_model, got %v", err)
	}
}

func TestFromYAMLMalformed(t *testing.T) {
	if _, err := FromYAML([]byte("d_model: [broken")); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for malformed YAML, got %v", err)
	}
}

func TestLoadDispatchesOnExtension(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "model.yaml")
	if err := os.WriteFile(yamlPath, []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(yamlPath); err != nil {
		t.Fatalf("yaml load failed: %v", err)
	}

	jsonPath := filepath.Join(dir, "model.json")
	jsonDoc := `{"d_model": 32, "n_heads": 2, "n_layers": 2, "vocab_size": 100, "max_seq_len": 16}`
	if err := os.WriteFile(jsonPath, []byte(jsonDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(jsonPath); err != nil {
		t.Fatalf("json load failed: %v", err)
	}

	badPath := filepath.Join(dir, "model.toml")
	if err := os.WriteFile(badPath, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(badPath); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for unsupported extension, got %v", err)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
