package model

import (
	"errors"
	"math"
	"testing"

	"github.com/strataml/strata/internal/config"
	"github.com/strataml/strata/internal/tensor"
)

func attnConfig(impl, precision string, alibi bool) *config.Config {
	cfg := &config.Config{
		DModel:    16,
		NHeads:    2,
		NLayers:   2,
		VocabSize: 50,
		MaxSeqLen: 16,
		AttnImpl:  impl,
		Alibi:     alibi,
		Precision: precision,
	}
	return cfg.WithDefaults()
}

func fillCore(c *attnCore) {
	for i := range c.WQKV.Data {
		c.WQKV.Data[i] = 0.05 * float32((i%13)-6)
	}
	for i := range c.BQKV {
		c.BQKV[i] = 0.01 * float32(i%5)
	}
	for i := range c.WOut.Data {
		c.WOut.Data[i] = 0.04 * float32((i%11)-5)
	}
	for i := range c.BOut {
		c.BOut[i] = 0.02 * float32((i%3)-1)
	}
}

func copyCore(dst, src *attnCore) {
	copy(dst.WQKV.Data, src.WQKV.Data)
	copy(dst.BQKV, src.BQKV)
	copy(dst.WOut.Data, src.WOut.Data)
	copy(dst.BOut, src.BOut)
}

func attnInput(rows, dim int) *tensor.Mat {
	x := tensor.NewMat(rows, dim)
	for i := range x.Data {
		x.Data[i] = 0.3 * float32((i%7)-3)
	}
	return x
}

func TestDenseCausalWeights(t *testing.T) {
	const b, s = 2, 6
	cfg := attnConfig(config.AttnDense, "f32", false)
	a, err := newAttention(cfg)
	if err != nil {
		t.Fatal(err)
	}
	fillCore(a.core())
	bias, err := newMaskCache(cfg).biasFor(b, s, nil)
	if err != nil {
		t.Fatal(err)
	}
	x := attnInput(b*s, cfg.DModel)
	out, weights, err := a.Forward(x, b, s, nil, bias, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.R != b*s || out.C != cfg.DModel {
		t.Fatalf("output shape (%d,%d)", out.R, out.C)
	}
	if len(weights) != b*cfg.NHeads {
		t.Fatalf("got %d weight matrices, want %d", len(weights), b*cfg.NHeads)
	}
	for wi, w := range weights {
		for i := 0; i < s; i++ {
			var sum float64
			for j := 0; j < s; j++ {
				v := w.At(i, j)
				if j > i && v != 0 {
					t.Fatalf("weights[%d][%d][%d] = %v above the diagonal", wi, i, j, v)
				}
				sum += float64(v)
			}
			if math.Abs(sum-1) > 1e-5 {
				t.Fatalf("weights[%d] row %d sums to %f", wi, i, sum)
			}
		}
	}
}

func TestDensePaddedKeysGetZeroWeight(t *testing.T) {
	const b, s = 2, 6
	cfg := attnConfig(config.AttnDense, "f32", false)
	a, err := newAttention(cfg)
	if err != nil {
		t.Fatal(err)
	}
	fillCore(a.core())
	bias, err := newMaskCache(cfg).biasFor(b, s, nil)
	if err != nil {
		t.Fatal(err)
	}
	padding := make([]bool, b*s)
	for i := range padding {
		padding[i] = true
	}
	padding[1*s+4] = false
	padding[1*s+5] = false

	x := attnInput(b*s, cfg.DModel)
	_, weights, err := a.Forward(x, b, s, padding, bias, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Batch 1 matrices follow batch 0's heads.
	for wi := cfg.NHeads; wi < 2*cfg.NHeads; wi++ {
		w := weights[wi]
		for i := 0; i < s; i++ {
			if w.At(i, 4) != 0 || w.At(i, 5) != 0 {
				t.Fatalf("padded key kept weight in matrix %d row %d", wi, i)
			}
		}
	}
	// Batch 0 is untouched.
	if weights[0].At(5, 4) == 0 {
		t.Fatal("padding leaked into the unpadded batch element")
	}
}

func compareMats(t *testing.T, got, want *tensor.Mat, tol float64, label string) {
	t.Helper()
	if got.R != want.R || got.C != want.C {
		t.Fatalf("%s: shape (%d,%d) vs (%d,%d)", label, got.R, got.C, want.R, want.C)
	}
	for i := 0; i < got.R; i++ {
		gr, wr := got.Row(i), want.Row(i)
		for j := range gr {
			if math.Abs(float64(gr[j]-wr[j])) > tol {
				t.Fatalf("%s: row %d col %d: got %f, want %f", label, i, j, gr[j], wr[j])
			}
		}
	}
}

// TestFusedMatchesDense checks the no-bias fused kernel against the dense
// reference with identical projections, within half-precision tolerance.
func TestFusedMatchesDense(t *testing.T) {
	const b, s = 2, 6
	denseCfg := attnConfig(config.AttnDense, "f32", false)
	fusedCfg := attnConfig(config.AttnFused, "f16", false)

	da, err := newAttention(denseCfg)
	if err != nil {
		t.Fatal(err)
	}
	fa, err := newAttention(fusedCfg)
	if err != nil {
		t.Fatal(err)
	}
	fillCore(da.core())
	copyCore(fa.core(), da.core())

	bias, err := newMaskCache(denseCfg).biasFor(b, s, nil)
	if err != nil {
		t.Fatal(err)
	}
	x := attnInput(b*s, denseCfg.DModel)

	want, _, err := da.Forward(x, b, s, nil, bias, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, weights, err := fa.Forward(x, b, s, nil, nil, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if weights != nil {
		t.Fatal("fused backend should not return attention weights")
	}
	compareMats(t, got, want, 0.1, "fused vs dense")
}

func TestFusedMatchesDenseWithPadding(t *testing.T) {
	const b, s = 2, 6
	denseCfg := attnConfig(config.AttnDense, "f32", false)
	fusedCfg := attnConfig(config.AttnFused, "f16", false)

	da, _ := newAttention(denseCfg)
	fa, _ := newAttention(fusedCfg)
	fillCore(da.core())
	copyCore(fa.core(), da.core())

	padding := make([]bool, b*s)
	for i := range padding {
		padding[i] = true
	}
	padding[1*s+5] = false

	bias, err := newMaskCache(denseCfg).biasFor(b, s, nil)
	if err != nil {
		t.Fatal(err)
	}
	x := attnInput(b*s, denseCfg.DModel)
	want, _, err := da.Forward(x, b, s, padding, bias, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, _, err := fa.Forward(x, b, s, padding, nil, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	compareMats(t, got, want, 0.1, "fused vs dense with padding")
}

// TestFusedBiasMatchesDenseAlibi: the shared per-key alibi row differs from
// the dense per-query bias by a constant per row, which softmax cancels, so
// the two backends agree.
func TestFusedBiasMatchesDenseAlibi(t *testing.T) {
	const b, s = 2, 6
	denseCfg := attnConfig(config.AttnDense, "f32", true)
	fusedCfg := attnConfig(config.AttnFusedWithBias, "f16", true)

	da, _ := newAttention(denseCfg)
	fba, _ := newAttention(fusedCfg)
	fillCore(da.core())
	copyCore(fba.core(), da.core())

	denseBias, err := newMaskCache(denseCfg).biasFor(b, s, nil)
	if err != nil {
		t.Fatal(err)
	}
	fusedBias, err := newMaskCache(fusedCfg).biasFor(b, s, nil)
	if err != nil {
		t.Fatal(err)
	}
	x := attnInput(b*s, denseCfg.DModel)

	want, _, err := da.Forward(x, b, s, nil, denseBias, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, _, err := fba.Forward(x, b, s, nil, fusedBias, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	compareMats(t, got, want, 0.1, "fused_with_bias vs dense alibi")
}

func TestFusedBiasFoldedPaddingMatchesDense(t *testing.T) {
	const b, s = 2, 6
	denseCfg := attnConfig(config.AttnDense, "f32", true)
	fusedCfg := attnConfig(config.AttnFusedWithBias, "f16", true)

	da, _ := newAttention(denseCfg)
	fba, _ := newAttention(fusedCfg)
	fillCore(da.core())
	copyCore(fba.core(), da.core())

	padding := make([]bool, b*s)
	for i := range padding {
		padding[i] = true
	}
	padding[0*s+5] = false

	denseBias, err := newMaskCache(denseCfg).biasFor(b, s, nil)
	if err != nil {
		t.Fatal(err)
	}
	foldedBias, err := newMaskCache(fusedCfg).biasFor(b, s, padding)
	if err != nil {
		t.Fatal(err)
	}
	x := attnInput(b*s, denseCfg.DModel)
	want, _, err := da.Forward(x, b, s, padding, denseBias, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, _, err := fba.Forward(x, b, s, nil, foldedBias, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	compareMats(t, got, want, 0.1, "fused_with_bias folded padding")
}

func TestFusedRejectsBias(t *testing.T) {
	cfg := attnConfig(config.AttnFused, "f16", false)
	a, _ := newAttention(cfg)
	fillCore(a.core())
	bias := &attnBias{full: []*tensor.Mat{tensor.NewMat(4, 4)}}
	_, _, err := a.Forward(attnInput(4, cfg.DModel), 1, 4, nil, bias, false, nil)
	if !errors.Is(err, ErrArgumentCombination) {
		t.Fatalf("err = %v, want ErrArgumentCombination", err)
	}
}

func TestFusedRequiresReducedPrecision(t *testing.T) {
	cfg := attnConfig(config.AttnFused, "f32", false)
	a, _ := newAttention(cfg)
	fillCore(a.core())
	_, _, err := a.Forward(attnInput(4, cfg.DModel), 1, 4, nil, nil, false, nil)
	if !errors.Is(err, ErrDtype) {
		t.Fatalf("err = %v, want ErrDtype", err)
	}
}

func TestFusedBiasRejectsExplicitPadding(t *testing.T) {
	cfg := attnConfig(config.AttnFusedWithBias, "f16", false)
	a, _ := newAttention(cfg)
	fillCore(a.core())
	padding := make([]bool, 4)
	_, _, err := a.Forward(attnInput(4, cfg.DModel), 1, 4, padding, nil, false, nil)
	if !errors.Is(err, ErrArgumentCombination) {
		t.Fatalf("err = %v, want ErrArgumentCombination", err)
	}
}

func TestFusedBiasRejectsDenseBias(t *testing.T) {
	cfg := attnConfig(config.AttnFusedWithBias, "f16", false)
	a, _ := newAttention(cfg)
	fillCore(a.core())
	bias := &attnBias{full: []*tensor.Mat{tensor.NewMat(4, 4)}}
	_, _, err := a.Forward(attnInput(4, cfg.DModel), 1, 4, nil, bias, false, nil)
	if !errors.Is(err, ErrArgumentCombination) {
		t.Fatalf("err = %v, want ErrArgumentCombination", err)
	}
}

func TestFusedBiasRequiresReducedPrecision(t *testing.T) {
	cfg := attnConfig(config.AttnFusedWithBias, "f32", false)
	a, _ := newAttention(cfg)
	fillCore(a.core())
	_, _, err := a.Forward(attnInput(4, cfg.DModel), 1, 4, nil, nil, false, nil)
	if !errors.Is(err, ErrDtype) {
		t.Fatalf("err = %v, want ErrDtype", err)
	}
}

func TestNewAttentionUnknownImpl(t *testing.T) {
	cfg := attnConfig(config.AttnDense, "f32", false)
	cfg.AttnImpl = "flash3"
	_, err := newAttention(cfg)
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("err = %v, want config.ErrInvalid", err)
	}
}
