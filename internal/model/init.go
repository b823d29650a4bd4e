package model

import (
	"fmt"
	"math"

	"github.com/strataml/strata/internal/tensor"
)

// paramInit is one entry of the ordered initialisation plan. Expert
// entries draw from the shard-specific random stream.
type paramInit struct {
	name   string
	data   []float32
	expert bool
	fill   func(rng *tensor.RNG)
}

// initPlan lists every parameter with its initialiser in a fixed order, so
// rebuilding a model from the same seed reproduces it bit for bit.
func (m *GPT) initPlan() []paramInit {
	cfg := m.cfg
	std := cfg.InitStd
	resid := std / math.Sqrt(2*float64(cfg.NLayers))

	normal := func(mat *tensor.Mat, sd float64) func(*tensor.RNG) {
		return func(rng *tensor.RNG) { tensor.FillNormal(mat, sd, rng) }
	}
	uniformFan := func(mat *tensor.Mat, fanIn int) func(*tensor.RNG) {
		bound := 1.0 / math.Sqrt(float64(fanIn))
		return func(rng *tensor.RNG) { tensor.FillUniform(mat, -bound, bound, rng) }
	}
	ones := func(v []float32) func(*tensor.RNG) {
		return func(*tensor.RNG) {
			for i := range v {
				v[i] = 1
			}
		}
	}
	zeros := func(v []float32) func(*tensor.RNG) {
		return func(*tensor.RNG) {
			for i := range v {
				v[i] = 0
			}
		}
	}

	var plan []paramInit
	add := func(name string, data []float32, fill func(*tensor.RNG)) {
		plan = append(plan, paramInit{name: name, data: data, fill: fill})
	}
	addExpert := func(name string, data []float32, fill func(*tensor.RNG)) {
		plan = append(plan, paramInit{name: name, data: data, expert: true, fill: fill})
	}

	add("wte", m.wte.Data, normal(m.wte, std))
	if m.wpe != nil {
		add("wpe", m.wpe.Data, normal(m.wpe, std))
	}
	for l, blk := range m.blocks {
		p := fmt.Sprintf("blocks.%d.", l)
		c := blk.attn.core()
		add(p+"ln1.weight", blk.ln1g, ones(blk.ln1g))
		add(p+"ln1.bias", blk.ln1b, zeros(blk.ln1b))
		add(p+"attn.wqkv.weight", c.WQKV.Data, normal(c.WQKV, std))
		add(p+"attn.wqkv.bias", c.BQKV, zeros(c.BQKV))
		add(p+"attn.out_proj.weight", c.WOut.Data, normal(c.WOut, resid))
		add(p+"attn.out_proj.bias", c.BOut, zeros(c.BOut))
		add(p+"ln2.weight", blk.ln2g, ones(blk.ln2g))
		add(p+"ln2.bias", blk.ln2b, zeros(blk.ln2b))
		if blk.moe != nil {
			g := blk.moe.Gate()
			add(p+"moe.gate.weight", g.W.Data, normal(g.W, std))
			bank := blk.moe.Experts()
			for li := 0; li < bank.Local(); li++ {
				ep := fmt.Sprintf("%smoe.experts.%d.", p, bank.Lo+li)
				fc1 := uniformFan(bank.FC1[li], bank.DModel)
				fc2 := uniformFan(bank.FC2[li], bank.Hidden)
				if cfg.InitExperts {
					fc1 = normal(bank.FC1[li], std)
					fc2 = normal(bank.FC2[li], resid)
				}
				addExpert(ep+"fc1.weight", bank.FC1[li].Data, fc1)
				addExpert(ep+"fc1.bias", bank.B1[li], zeros(bank.B1[li]))
				addExpert(ep+"fc2.weight", bank.FC2[li].Data, fc2)
				addExpert(ep+"fc2.bias", bank.B2[li], zeros(bank.B2[li]))
			}
		} else {
			add(p+"ffn.fc1.weight", blk.mlp.FC1.Data, normal(blk.mlp.FC1, std))
			add(p+"ffn.fc1.bias", blk.mlp.B1, zeros(blk.mlp.B1))
			add(p+"ffn.fc2.weight", blk.mlp.FC2.Data, normal(blk.mlp.FC2, resid))
			add(p+"ffn.fc2.bias", blk.mlp.B2, zeros(blk.mlp.B2))
		}
	}
	add("ln_f.weight", m.lnFg, ones(m.lnFg))
	add("ln_f.bias", m.lnFb, zeros(m.lnFb))
	return plan
}

// initialize applies the plan. Shared parameters draw from the base seed;
// expert parameters draw from the base seed offset by shard rank, so
// ranks hold distinct expert weights from the first step.
func (m *GPT) initialize() {
	shared := tensor.NewRNG(m.cfg.Seed)
	expert := tensor.NewRNG(m.cfg.Seed + uint64(m.shardRank))
	for _, p := range m.initPlan() {
		if p.expert {
			p.fill(expert)
		} else {
			p.fill(shared)
		}
	}
}
