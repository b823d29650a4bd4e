package model

import (
	"math"
	"strings"
	"testing"

	"github.com/strataml/strata/internal/metrics"
	"github.com/strataml/strata/internal/tensor"
)

func TestShiftTargets(t *testing.T) {
	batch := &Batch{
		Labels: []int32{10, 11, 12, 13, 20, 21, 22, 23},
		B:      2,
		S:      4,
	}
	got := ShiftTargets(batch)
	want := []int32{11, 12, 13, metrics.IgnoreIndex, 21, 22, 23, metrics.IgnoreIndex}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("target[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestLossOfUniformLogitsIsLogVocab(t *testing.T) {
	cfg := modelConfig()
	lm := NewLM(newTestModel(t, cfg))
	batch := tokenBatch(cfg, 1, 4)
	logits := tensor.NewMat(4, cfg.VocabSize)

	loss, err := lm.Loss(logits, batch)
	if err != nil {
		t.Fatalf("Loss: %v", err)
	}
	want := float32(math.Log(float64(cfg.VocabSize)))
	if math.Abs(float64(loss-want)) > 1e-6 {
		t.Fatalf("loss = %v, want ln(%d) = %v", loss, cfg.VocabSize, want)
	}
}

func TestLossAddsWeightedAuxiliary(t *testing.T) {
	cfg := modelConfig()
	lm := NewLM(newTestModel(t, cfg))
	batch := tokenBatch(cfg, 1, 4)
	logits := tensor.NewMat(4, cfg.VocabSize)

	base, err := lm.Loss(logits, batch)
	if err != nil {
		t.Fatalf("Loss: %v", err)
	}
	lm.aux = []float32{2, 3}
	got, err := lm.Loss(logits, batch)
	if err != nil {
		t.Fatalf("Loss with aux: %v", err)
	}
	if math.Abs(float64(got-base-0.05)) > 1e-6 {
		t.Fatalf("aux added %v, want 0.01*(2+3) = 0.05", got-base)
	}
}

func TestForwardRecordsAuxiliaryLosses(t *testing.T) {
	cfg := moeModelConfig()
	lm := NewLM(newTestModel(t, cfg))
	lm.Training = true
	batch := tokenBatch(cfg, 2, 4)

	logits, err := lm.Forward(batch)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(lm.aux) != 2 {
		t.Fatalf("recorded %d auxiliary losses, want one per expert layer", len(lm.aux))
	}

	withAux, err := lm.Loss(logits, batch)
	if err != nil {
		t.Fatalf("Loss: %v", err)
	}
	lm.aux = nil
	withoutAux, err := lm.Loss(logits, batch)
	if err != nil {
		t.Fatalf("Loss without aux: %v", err)
	}
	if withAux <= withoutAux {
		t.Fatalf("loss %v with aux not above %v without", withAux, withoutAux)
	}
}

func TestLossRejectsOutOfVocabLabel(t *testing.T) {
	cfg := modelConfig()
	lm := NewLM(newTestModel(t, cfg))
	batch := tokenBatch(cfg, 1, 4)
	batch.Labels[1] = int32(cfg.VocabSize) + 50
	logits := tensor.NewMat(4, cfg.VocabSize)

	_, err := lm.Loss(logits, batch)
	if err == nil || !strings.Contains(err.Error(), "outside vocabulary") {
		t.Fatalf("got %v, want out-of-vocabulary error", err)
	}
}

func TestMetricSetsPerPass(t *testing.T) {
	lm := NewLM(newTestModel(t, modelConfig()))

	train := lm.Metrics(true)
	if len(train) != 1 {
		t.Fatalf("training set has %d metrics, want 1", len(train))
	}
	if _, ok := train["language_cross_entropy"]; !ok {
		t.Fatal("training set missing language_cross_entropy")
	}

	eval := lm.Metrics(false)
	if len(eval) != 2 {
		t.Fatalf("eval set has %d metrics, want 2", len(eval))
	}
	if _, ok := eval["perplexity"]; !ok {
		t.Fatal("eval set missing perplexity")
	}
}

func TestUpdateMetricFeedsShiftedTargets(t *testing.T) {
	cfg := modelConfig()
	lm := NewLM(newTestModel(t, cfg))
	batch := tokenBatch(cfg, 1, 4)
	logits := tensor.NewMat(4, cfg.VocabSize)

	ce := metrics.NewLanguageCrossEntropy()
	lm.UpdateMetric(batch, logits, ce)
	want := math.Log(float64(cfg.VocabSize))
	if math.Abs(ce.Compute()-want) > 1e-9 {
		t.Fatalf("cross-entropy %v, want %v", ce.Compute(), want)
	}

	ppl := metrics.NewPerplexity()
	lm.UpdateMetric(batch, logits, ppl)
	if math.Abs(ppl.Compute()-float64(cfg.VocabSize)) > 1e-6 {
		t.Fatalf("perplexity %v, want %v", ppl.Compute(), float64(cfg.VocabSize))
	}
}
