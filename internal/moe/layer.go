package moe

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/strataml/strata/internal/tensor"
)

// Layer is one block's expert feed-forward path: route, dispatch across
// the shard topology, run local experts, return, combine. Dispatch is a
// blocking collective; every member of the shard group must enter Forward
// the same number of times in the same order.
type Layer struct {
	gate    *Gate
	experts *Experts
	topo    Topology
	dModel  int
	last    *Decision
}

// NewLayer builds the gate and this worker's expert shard.
func NewLayer(dModel, hidden, globalExperts int, opts Options, topo Topology) *Layer {
	return &Layer{
		gate:    NewGate(dModel, globalExperts, opts),
		experts: NewExperts(dModel, hidden, globalExperts, topo),
		topo:    topo,
		dModel:  dModel,
	}
}

// Gate exposes the routing network for initialisation and inspection.
func (l *Layer) Gate() *Gate { return l.gate }

// Experts exposes the local expert shard for initialisation and
// inspection.
func (l *Layer) Experts() *Experts { return l.experts }

// LastDecision returns the routing outcome of the most recent Forward,
// or nil before the first one.
func (l *Layer) LastDecision() *Decision { return l.last }

// Forward routes x (n, d_model) through the expert bank into out, which
// is overwritten with the weighted combination of expert outputs. Tokens
// dropped by the capacity cap contribute zero rows. The returned Decision
// reports routing counts and the auxiliary load-balancing loss.
func (l *Layer) Forward(x, out *tensor.Mat) (*Decision, error) {
	if x.R != out.R || x.C != l.dModel || out.C != l.dModel {
		panic("moe: layer shape mismatch")
	}
	d := l.gate.Route(x)
	l.last = d
	out.Zero()

	size := l.topo.Size()
	stride := 1 + l.dModel

	// Pack surviving slots by destination shard. Payload entries carry the
	// owner-local expert index followed by the token activations; origin
	// order is remembered so replies can be matched back.
	sendSlots := make([][]int, size)
	send := make([][]float32, size)
	for slot, ex := range d.Experts {
		if d.Dropped[slot] {
			continue
		}
		owner := OwnerOf(int(ex), l.experts.GlobalCount, size)
		ownerLo, _ := LocalExperts(l.experts.GlobalCount, owner, size)
		t := slot / d.K
		sendSlots[owner] = append(sendSlots[owner], slot)
		send[owner] = append(send[owner], float32(int(ex)-ownerLo))
		send[owner] = append(send[owner], x.Row(t)...)
	}

	recv, err := l.topo.AllToAll(send)
	if err != nil {
		return nil, fmt.Errorf("moe dispatch: %w", err)
	}

	// Run local experts over every received token, preserving arrival
	// order within each source payload so replies line up.
	replies := make([][]float32, size)
	for src := 0; src < size; src++ {
		n := len(recv[src]) / stride
		if n*stride != len(recv[src]) {
			return nil, fmt.Errorf("moe dispatch: payload from shard %d not a whole number of tokens", src)
		}
		replies[src] = make([]float32, n*l.dModel)
	}

	var eg errgroup.Group
	for li := 0; li < l.experts.Local(); li++ {
		eg.Go(func() error {
			l.applyLocalExpert(li, recv, replies, stride)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	returned, err := l.topo.AllToAll(replies)
	if err != nil {
		return nil, fmt.Errorf("moe combine: %w", err)
	}

	for owner := 0; owner < size; owner++ {
		rows := returned[owner]
		for i, slot := range sendSlots[owner] {
			t := slot / d.K
			w := d.Weights[slot]
			tensor.AddScaled(out.Row(t), w, rows[i*l.dModel:(i+1)*l.dModel])
		}
	}
	return d, nil
}

// applyLocalExpert gathers every received token routed to local expert li,
// runs the expert once over the gathered batch, and scatters the outputs
// into the reply buffers. Experts touch disjoint reply rows, so running
// them concurrently is deterministic.
func (l *Layer) applyLocalExpert(li int, recv, replies [][]float32, stride int) {
	type pos struct{ src, row int }
	var positions []pos
	for src := range recv {
		n := len(recv[src]) / stride
		for r := 0; r < n; r++ {
			if int(recv[src][r*stride]) == li {
				positions = append(positions, pos{src, r})
			}
		}
	}
	if len(positions) == 0 {
		return
	}

	in := tensor.NewMat(len(positions), l.dModel)
	for i, p := range positions {
		base := p.row*stride + 1
		copy(in.Row(i), recv[p.src][base:base+l.dModel])
	}
	outBatch := tensor.NewMat(len(positions), l.dModel)
	l.experts.Apply(li, in, outBatch)
	for i, p := range positions {
		copy(replies[p.src][p.row*l.dModel:(p.row+1)*l.dModel], outBatch.Row(i))
	}
}
