package model

import "gonum.org/v1/gonum/stat"

// WeightStat summarises one parameter tensor of this shard.
type WeightStat struct {
	Name  string
	Count int
	Mean  float64
	Std   float64
}

// WeightStats reports per-parameter moments in plan order.
func (m *GPT) WeightStats() []WeightStat {
	plan := m.initPlan()
	out := make([]WeightStat, 0, len(plan))
	var buf []float64
	for _, p := range plan {
		buf = buf[:0]
		for _, v := range p.data {
			buf = append(buf, float64(v))
		}
		ws := WeightStat{Name: p.name, Count: len(buf), Mean: stat.Mean(buf, nil)}
		if len(buf) > 1 {
			ws.Std = stat.StdDev(buf, nil)
		}
		out = append(out, ws)
	}
	return out
}

// ParamCount returns the total parameter count, with expert banks counted
// at their global size regardless of how they are sharded.
func (m *GPT) ParamCount() int64 {
	dim := int64(m.cfg.DModel)
	var n int64
	n += int64(m.wte.NumElems())
	if m.wpe != nil {
		n += int64(m.wpe.NumElems())
	}
	for _, blk := range m.blocks {
		c := blk.attn.core()
		n += 4 * dim // ln1 and ln2 scale/bias pairs
		n += int64(c.WQKV.NumElems()) + int64(len(c.BQKV))
		n += int64(c.WOut.NumElems()) + int64(len(c.BOut))
		if blk.moe != nil {
			bank := blk.moe.Experts()
			n += int64(blk.moe.Gate().W.NumElems())
			n += int64(bank.GlobalCount) * int64(bank.ParamsPerExpert())
		} else {
			n += int64(blk.mlp.FC1.NumElems()) + int64(len(blk.mlp.B1))
			n += int64(blk.mlp.FC2.NumElems()) + int64(len(blk.mlp.B2))
		}
	}
	n += 2 * dim // final norm
	return n
}

// NumFwdFLOPs estimates one forward pass over a full-length sequence.
// Expert layers count gate_k * capacity_factor experts as active instead
// of the whole bank.
func (m *GPT) NumFwdFLOPs() int64 {
	msl := float64(m.cfg.MaxSeqLen)
	active := float64(m.ParamCount())
	for _, blk := range m.blocks {
		if blk.moe == nil {
			continue
		}
		ppe := float64(blk.moe.Experts().ParamsPerExpert())
		active -= float64(blk.moe.Experts().GlobalCount) * ppe
		active += float64(m.cfg.MoE.GateK) * m.cfg.MoE.CapacityFactor * ppe
	}
	attn := float64(m.cfg.NLayers) * 2 * 2 * float64(m.cfg.DModel) * msl * msl
	return int64(2*active*msl + attn)
}
