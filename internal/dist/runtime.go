// Package dist is the distributed-runtime facade the model core consumes.
// The core never talks to a communication backend directly; it sees a rank,
// a world size, and the two collectives expert dispatch needs. Local covers
// the single-process case and Fabric provides an in-process multi-rank
// world for tests and tooling.
package dist

import "fmt"

// Runtime is one worker's view of the world.
type Runtime interface {
	Rank() int
	WorldSize() int

	// AllGather collects one float32 payload from every rank, indexed by
	// rank. Blocking collective: every rank must call it.
	AllGather(local []float32) ([][]float32, error)

	// NewGroup creates a collective domain over a subset of ranks. Every
	// member must call NewGroup with an identical rank list; the call
	// returns that member's view of the group.
	NewGroup(ranks []int) (Group, error)
}

// Group is a subset of ranks acting as one collective domain, such as an
// expert shard group.
type Group interface {
	// Rank is the caller's index within the group, Size the member count.
	Rank() int
	Size() int

	// AllToAll sends send[i] to member i and returns the payloads received
	// from each member, indexed by group rank. len(send) must equal Size.
	// Blocking collective: every member must call it.
	AllToAll(send [][]float32) ([][]float32, error)

	// AllGather collects one payload from every member.
	AllGather(local []float32) ([][]float32, error)
}

// Local is the world-size-1 runtime. Collectives are identity exchanges.
type Local struct{}

func (Local) Rank() int      { return 0 }
func (Local) WorldSize() int { return 1 }

func (Local) AllGather(local []float32) ([][]float32, error) {
	out := make([]float32, len(local))
	copy(out, local)
	return [][]float32{out}, nil
}

func (l Local) NewGroup(ranks []int) (Group, error) {
	if len(ranks) != 1 || ranks[0] != 0 {
		return nil, fmt.Errorf("dist: local runtime only supports the group [0], got %v", ranks)
	}
	return localGroup{}, nil
}

type localGroup struct{}

func (localGroup) Rank() int { return 0 }
func (localGroup) Size() int { return 1 }

func (localGroup) AllToAll(send [][]float32) ([][]float32, error) {
	if len(send) != 1 {
		return nil, fmt.Errorf("dist: all-to-all payload count %d does not match group size 1", len(send))
	}
	return [][]float32{send[0]}, nil
}

func (localGroup) AllGather(local []float32) ([][]float32, error) {
	return Local{}.AllGather(local)
}
