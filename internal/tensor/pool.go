package tensor

import (
	"runtime"
	"sync"
)

type rangeTask struct {
	lo, hi int
	fn     func(lo, hi int)
	done   chan struct{}
}

type rangePool struct {
	size      int
	tasks     chan rangeTask
	doneSlots chan chan struct{}
}

var (
	workPool     *rangePool
	workPoolOnce sync.Once
)

func getPool() *rangePool {
	workPoolOnce.Do(func() {
		size := runtime.GOMAXPROCS(0)
		if size < 1 {
			size = 1
		}
		p := &rangePool{
			size:      size,
			tasks:     make(chan rangeTask, size*2),
			doneSlots: make(chan chan struct{}, size),
		}
		for i := 0; i < size; i++ {
			p.doneSlots <- make(chan struct{}, 1)
		}
		for i := 0; i < size; i++ {
			go func() {
				for t := range p.tasks {
					t.fn(t.lo, t.hi)
					t.done <- struct{}{}
				}
			}()
		}
		workPool = p
	})
	return workPool
}

// Parallel splits [0, n) into contiguous chunks and runs fn on the shared
// worker pool, blocking until all chunks complete. fn must only write to
// indices inside its chunk. Small n runs inline.
func Parallel(n int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	pool := getPool()
	workers := pool.size
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	done := <-pool.doneSlots
	active := 0
	for i := 0; i < workers; i++ {
		lo := i * chunk
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		if lo >= hi {
			break
		}
		active++
		pool.tasks <- rangeTask{lo: lo, hi: hi, fn: fn, done: done}
	}
	for i := 0; i < active; i++ {
		<-done
	}
	pool.doneSlots <- done
}

// MatVec computes dst = w*x for a single vector, parallel over rows of w.
func MatVec(dst []float32, w *Mat, x []float32) {
	if w.R == 0 || w.C == 0 {
		return
	}
	if len(dst) < w.R || len(x) < w.C {
		panic("tensor: matvec shape mismatch")
	}
	Parallel(w.R, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			dst[i] = Dot(w.Row(i), x[:w.C])
		}
	})
}

// MatMulT computes dst = x * wᵀ (+ bias) where x is (M,K), w is (N,K) and
// dst is (M,N): the usual linear-layer application with out-features as
// rows of w. bias may be nil. Parallel over rows of x.
func MatMulT(dst, x, w *Mat, bias []float32) {
	if x.C != w.C {
		panic("tensor: matmul inner dimension mismatch")
	}
	if dst.R != x.R || dst.C != w.R {
		panic("tensor: matmul output shape mismatch")
	}
	if bias != nil && len(bias) != w.R {
		panic("tensor: matmul bias length mismatch")
	}
	Parallel(x.R, func(lo, hi int) {
		for m := lo; m < hi; m++ {
			xr := x.Row(m)
			out := dst.Row(m)
			for n := 0; n < w.R; n++ {
				s := Dot(xr, w.Row(n))
				if bias != nil {
					s += bias[n]
				}
				out[n] = s
			}
		}
	})
}
