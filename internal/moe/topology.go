// Package moe implements the expert feed-forward path: a top-k gate with
// capacity-limited dispatch, a sharded expert bank, and the combine step
// that scatters expert outputs back to token positions.
package moe

import "fmt"

// Topology is the shard-group view the layer queries: the caller's rank
// and the group size, plus the collective that moves token activations
// across the group. Distributed runtimes satisfy it with a process group;
// SingleShard covers the one-worker case. The layer never talks to a
// communication backend beyond this interface.
type Topology interface {
	Rank() int
	Size() int
	AllToAll(send [][]float32) ([][]float32, error)
}

// SingleShard is the degenerate topology: one worker owning every expert.
type SingleShard struct{}

func (SingleShard) Rank() int { return 0 }
func (SingleShard) Size() int { return 1 }

func (SingleShard) AllToAll(send [][]float32) ([][]float32, error) {
	if len(send) != 1 {
		return nil, fmt.Errorf("moe: single shard all-to-all got %d payloads", len(send))
	}
	return [][]float32{send[0]}, nil
}

// LocalExperts returns the half-open global index range [lo, hi) of the
// experts rank owns under a contiguous size-way partition of total.
func LocalExperts(total, rank, size int) (lo, hi int) {
	if size < 1 || rank < 0 || rank >= size {
		panic("moe: invalid shard rank or size")
	}
	return rank * total / size, (rank + 1) * total / size
}

// OwnerOf returns the shard rank owning global expert e.
func OwnerOf(e, total, size int) int {
	if e < 0 || e >= total {
		panic("moe: expert index out of range")
	}
	return ((e+1)*size - 1) / total
}
