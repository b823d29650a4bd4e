// Package metrics implements streaming evaluation metrics over language
// model logits. Metrics accumulate across Update calls until Reset.
package metrics

import (
	"math"

	"github.com/strataml/strata/internal/tensor"
)

// IgnoreIndex marks target positions excluded from every metric.
const IgnoreIndex = -100

// Metric accumulates statistics over batches.
type Metric interface {
	Update(predictions *tensor.Mat, targets []int32)
	Compute() float64
	Reset()
}

// LanguageCrossEntropy is the mean negative log-likelihood of the targets
// under the predicted distributions, skipping ignored positions.
type LanguageCrossEntropy struct {
	sum   float64
	count int64
}

func NewLanguageCrossEntropy() *LanguageCrossEntropy { return &LanguageCrossEntropy{} }

func (m *LanguageCrossEntropy) Update(predictions *tensor.Mat, targets []int32) {
	if predictions.R != len(targets) {
		panic("metrics: prediction rows do not match targets")
	}
	for r, tgt := range targets {
		if tgt == IgnoreIndex {
			continue
		}
		row := predictions.Row(r)
		if tgt < 0 || int(tgt) >= len(row) {
			panic("metrics: target outside vocabulary")
		}
		m.sum += logSumExp(row) - float64(row[tgt])
		m.count++
	}
}

func (m *LanguageCrossEntropy) Compute() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

func (m *LanguageCrossEntropy) Reset() {
	m.sum = 0
	m.count = 0
}

// Perplexity is the exponential of the running cross-entropy.
type Perplexity struct {
	LanguageCrossEntropy
}

func NewPerplexity() *Perplexity { return &Perplexity{} }

func (m *Perplexity) Compute() float64 {
	return math.Exp(m.LanguageCrossEntropy.Compute())
}

func logSumExp(row []float32) float64 {
	maxv := row[0]
	for _, v := range row[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v - maxv))
	}
	return float64(maxv) + math.Log(sum)
}
