// Package comm provides the collective operations workers use to agree on
// control-flow decisions.
//
// Every worker must call the same collectives in the same order. A decision
// that only some workers can observe locally, such as a failed step, has to
// pass through a reduction before anybody branches on it.
package comm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrAborted is returned by workers released from a collective because a
// peer exited.
var ErrAborted = errors.New("comm: collective aborted by peer")

type Comm interface {
	Rank() int
	Size() int
	MaxAll(v float64) float64
	MinAll(v float64) float64
	SumAll(v float64) float64
	AnyAll(b bool) bool
	Barrier()
}

// Partition splits n entries into contiguous blocks, one per rank, and
// returns the half-open range owned by c. The first n%size ranks hold one
// extra entry.
func Partition(n int, c Comm) (lo, hi int) {
	size, rank := c.Size(), c.Rank()
	base, extra := n/size, n%size
	lo = rank*base + min(rank, extra)
	hi = lo + base
	if rank < extra {
		hi++
	}
	return lo, hi
}

// Serial is the single-worker communicator.
type Serial struct{}

func (Serial) Rank() int                { return 0 }
func (Serial) Size() int                { return 1 }
func (Serial) MaxAll(v float64) float64 { return v }
func (Serial) MinAll(v float64) float64 { return v }
func (Serial) SumAll(v float64) float64 { return v }
func (Serial) AnyAll(b bool) bool       { return b }
func (Serial) Barrier()                 {}

type aborted struct{}

type reducer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	arrived int
	gen     uint64
	acc     float64
	result  float64
	broken  bool
}

func newReducer(size int) *reducer {
	r := &reducer{size: size}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *reducer) reduce(v float64, op func(a, b float64) float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broken {
		panic(aborted{})
	}
	gen := r.gen
	if r.arrived == 0 {
		r.acc = v
	} else {
		r.acc = op(r.acc, v)
	}
	r.arrived++
	if r.arrived == r.size {
		r.result = r.acc
		r.arrived = 0
		r.gen++
		r.cond.Broadcast()
		return r.result
	}
	for gen == r.gen && !r.broken {
		r.cond.Wait()
	}
	if gen == r.gen {
		panic(aborted{})
	}
	return r.result
}

func (r *reducer) abort() {
	r.mu.Lock()
	r.broken = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

type worker struct {
	rank int
	r    *reducer
}

func (w *worker) Rank() int { return w.rank }
func (w *worker) Size() int { return w.r.size }

func (w *worker) MaxAll(v float64) float64 { return w.r.reduce(v, math.Max) }
func (w *worker) MinAll(v float64) float64 { return w.r.reduce(v, math.Min) }

func (w *worker) SumAll(v float64) float64 {
	return w.r.reduce(v, func(a, b float64) float64 { return a + b })
}

func (w *worker) AnyAll(b bool) bool {
	v := 0.0
	if b {
		v = 1
	}
	return w.MaxAll(v) > 0
}

func (w *worker) Barrier() { w.MaxAll(0) }

// Group runs the same function on size workers, each on its own goroutine.
type Group struct {
	size int
}

func NewGroup(size int) *Group {
	if size < 1 {
		size = 1
	}
	return &Group{size: size}
}

func (g *Group) Size() int { return g.size }

// Run blocks until every worker returns. The first error wins; peers blocked
// in a collective are released with ErrAborted.
func (g *Group) Run(ctx context.Context, fn func(ctx context.Context, c Comm) error) error {
	r := newReducer(g.size)
	eg, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < g.size; rank++ {
		w := &worker{rank: rank, r: r}
		eg.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					if _, ok := p.(aborted); !ok {
						panic(p)
					}
					err = fmt.Errorf("rank %d: %w", w.rank, ErrAborted)
				}
				if err != nil {
					r.abort()
				}
			}()
			return fn(ctx, w)
		})
	}
	return eg.Wait()
}
