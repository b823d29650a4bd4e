package model

import (
	"fmt"

	"github.com/strataml/strata/internal/metrics"
	"github.com/strataml/strata/internal/tensor"
)

// LM wraps the core model with the language-modelling objective: shifted
// next-token targets, mean cross-entropy over non-ignored positions, and
// the weighted auxiliary losses of expert layers.
type LM struct {
	model      *GPT
	lossWeight float32

	// Training switches dropout on and selects the training metric set.
	Training bool

	aux []float32
}

func NewLM(m *GPT) *LM {
	return &LM{model: m, lossWeight: float32(m.cfg.MoE.LossWeight)}
}

// Model returns the wrapped core model.
func (l *LM) Model() *GPT { return l.model }

// Forward produces logits for batch and records the expert auxiliary
// losses for the next Loss call.
func (l *LM) Forward(batch *Batch) (*tensor.Mat, error) {
	logits, aux, err := l.model.Forward(batch, l.Training)
	if err != nil {
		return nil, err
	}
	l.aux = aux
	return logits, nil
}

// ShiftTargets returns next-token targets: position p predicts the label
// at p+1 within its sequence, and the last position of every sequence is
// ignored.
func ShiftTargets(batch *Batch) []int32 {
	out := make([]int32, len(batch.Labels))
	for bi := 0; bi < batch.B; bi++ {
		base := bi * batch.S
		for s := 0; s < batch.S-1; s++ {
			out[base+s] = batch.Labels[base+s+1]
		}
		out[base+batch.S-1] = metrics.IgnoreIndex
	}
	return out
}

// Loss is the mean cross-entropy of logits against the shifted targets
// plus the weighted sum of auxiliary losses recorded by the last Forward.
func (l *LM) Loss(logits *tensor.Mat, batch *Batch) (float32, error) {
	targets := ShiftTargets(batch)
	if logits.R != len(targets) {
		panic("model: logit rows do not match batch")
	}
	for _, tgt := range targets {
		if tgt != metrics.IgnoreIndex && (tgt < 0 || int(tgt) >= logits.C) {
			return 0, fmt.Errorf("model: label %d outside vocabulary of %d", tgt, logits.C)
		}
	}
	ce := metrics.NewLanguageCrossEntropy()
	ce.Update(logits, targets)
	loss := float32(ce.Compute())
	for _, a := range l.aux {
		loss += l.lossWeight * a
	}
	return loss, nil
}

// Metrics returns the named metric set for a pass. Training tracks the
// cross-entropy alone; evaluation adds perplexity.
func (l *LM) Metrics(train bool) map[string]metrics.Metric {
	set := map[string]metrics.Metric{
		"language_cross_entropy": metrics.NewLanguageCrossEntropy(),
	}
	if !train {
		set["perplexity"] = metrics.NewPerplexity()
	}
	return set
}

// UpdateMetric feeds one batch's logits into metric.
func (l *LM) UpdateMetric(batch *Batch, logits *tensor.Mat, metric metrics.Metric) {
	metric.Update(logits, ShiftTargets(batch))
}
