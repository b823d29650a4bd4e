package dist

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Fabric is an in-process world of n ranks connected through shared
// memory. Each rank runs on its own goroutine and obtains its Runtime via
// Runtime(rank). Collectives rendezvous on generation barriers, so every
// member of a domain must reach the same collective in the same order.
type Fabric struct {
	n     int
	world *domain

	mu     sync.Mutex
	groups map[string]*domain
}

// NewFabric creates a connected world of n ranks.
func NewFabric(n int) *Fabric {
	if n < 1 {
		panic("dist: fabric needs at least one rank")
	}
	f := &Fabric{n: n, groups: make(map[string]*domain)}
	f.world = newDomain(identityRanks(n))
	return f
}

// Size returns the world size.
func (f *Fabric) Size() int { return f.n }

// Runtime returns rank's view of the fabric.
func (f *Fabric) Runtime(rank int) Runtime {
	if rank < 0 || rank >= f.n {
		panic("dist: rank out of range")
	}
	return &fabricRuntime{fabric: f, rank: rank}
}

type fabricRuntime struct {
	fabric *Fabric
	rank   int
}

func (r *fabricRuntime) Rank() int      { return r.rank }
func (r *fabricRuntime) WorldSize() int { return r.fabric.n }

func (r *fabricRuntime) AllGather(local []float32) ([][]float32, error) {
	return r.fabric.world.allGather(r.rank, local)
}

func (r *fabricRuntime) NewGroup(ranks []int) (Group, error) {
	idx := -1
	seen := make(map[int]bool, len(ranks))
	for i, rank := range ranks {
		if rank < 0 || rank >= r.fabric.n {
			return nil, fmt.Errorf("dist: group rank %d out of range", rank)
		}
		if seen[rank] {
			return nil, fmt.Errorf("dist: duplicate rank %d in group", rank)
		}
		seen[rank] = true
		if rank == r.rank {
			idx = i
		}
	}
	if idx == -1 {
		return nil, fmt.Errorf("dist: rank %d is not a member of group %v", r.rank, ranks)
	}

	d := r.fabric.domainFor(ranks)
	return &fabricGroup{domain: d, rank: idx}, nil
}

func (f *Fabric) domainFor(ranks []int) *domain {
	key := groupKey(ranks)
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.groups[key]; ok {
		return d
	}
	d := newDomain(append([]int(nil), ranks...))
	f.groups[key] = d
	return d
}

func groupKey(ranks []int) string {
	sorted := append([]int(nil), ranks...)
	sort.Ints(sorted)
	var sb strings.Builder
	for i, r := range sorted {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%d", r)
	}
	return sb.String()
}

type fabricGroup struct {
	domain *domain
	rank   int
}

func (g *fabricGroup) Rank() int { return g.rank }
func (g *fabricGroup) Size() int { return len(g.domain.members) }

func (g *fabricGroup) AllToAll(send [][]float32) ([][]float32, error) {
	return g.domain.allToAll(g.rank, send)
}

func (g *fabricGroup) AllGather(local []float32) ([][]float32, error) {
	return g.domain.allGather(g.rank, local)
}

// domain is the shared state of one collective domain: a slot matrix for
// payload exchange and a reusable barrier.
type domain struct {
	members []int
	slots   [][][]float32 // slots[src][dst]
	bar     *barrier
}

func newDomain(members []int) *domain {
	n := len(members)
	slots := make([][][]float32, n)
	for i := range slots {
		slots[i] = make([][]float32, n)
	}
	return &domain{members: members, slots: slots, bar: newBarrier(n)}
}

func (d *domain) allToAll(rank int, send [][]float32) ([][]float32, error) {
	n := len(d.members)
	if len(send) != n {
		return nil, fmt.Errorf("dist: all-to-all payload count %d does not match group size %d", len(send), n)
	}
	for dst := 0; dst < n; dst++ {
		buf := make([]float32, len(send[dst]))
		copy(buf, send[dst])
		d.slots[rank][dst] = buf
	}
	d.bar.wait()
	recv := make([][]float32, n)
	for src := 0; src < n; src++ {
		recv[src] = d.slots[src][rank]
	}
	d.bar.wait()
	return recv, nil
}

func (d *domain) allGather(rank int, local []float32) ([][]float32, error) {
	n := len(d.members)
	buf := make([]float32, len(local))
	copy(buf, local)
	d.slots[rank][rank] = buf
	d.bar.wait()
	out := make([][]float32, n)
	for src := 0; src < n; src++ {
		payload := d.slots[src][src]
		cp := make([]float32, len(payload))
		copy(cp, payload)
		out[src] = cp
	}
	d.bar.wait()
	return out, nil
}

// barrier is a reusable generation barrier.
type barrier struct {
	mu    sync.Mutex
	cond  *sync.Cond
	n     int
	count int
	gen   uint64
}

func newBarrier(n int) *barrier {
	b := &barrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *barrier) wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	gen := b.gen
	b.count++
	if b.count == b.n {
		b.count = 0
		b.gen++
		b.cond.Broadcast()
		return
	}
	for gen == b.gen {
		b.cond.Wait()
	}
}

func identityRanks(n int) []int {
	ranks := make([]int, n)
	for i := range ranks {
		ranks[i] = i
	}
	return ranks
}
