package process

import (
	"fmt"
	"math"

	"github.com/san-kum/cyclesim/internal/comm"
	"github.com/san-kum/cyclesim/internal/dynamo"
	"github.com/san-kum/cyclesim/internal/evaluator"
	"github.com/san-kum/cyclesim/internal/state"
)

// Options configures a leaf process. Zero values pick defaults.
type Options struct {
	// Field is the primary variable key. Defaults to the process name.
	Field   string
	DT      float64
	MaxDT   float64
	Initial dynamo.Vector
	// Lower and Upper bound admissible values in ValidStep. Both default
	// to unbounded.
	Lower, Upper *float64
	Comm         comm.Comm
}

// Point is one accepted solution in the leaf's step history.
type Point struct {
	Time float64
	U    dynamo.Vector
}

const historyLen = 2

// leaf integrates a single primary field governed by a dynamo.System. With
// several workers a separable model is split into contiguous blocks; any
// other model lives whole on rank 0 while the remaining ranks hold an empty
// partition and only join the collectives.
type leaf struct {
	Base
	field   string
	model   dynamo.System
	sys     dynamo.System
	lo, hi  int
	initial dynamo.Vector
	lower   float64
	upper   float64
	maxDT   float64
	comm    comm.Comm
	graph   *evaluator.Graph
	diags   []string
	history []Point
	ready   bool
}

func newLeaf(name string, sys dynamo.System, opts Options) leaf {
	l := leaf{
		Base:  NewBase(name, opts.DT),
		field: opts.Field,
		model: sys,
		sys:   sys,
		lower: math.Inf(-1),
		upper: math.Inf(1),
		maxDT: opts.MaxDT,
		comm:  opts.Comm,
	}
	if l.field == "" {
		l.field = name
	}
	if l.maxDT <= 0 {
		l.maxDT = math.Inf(1)
	}
	if l.comm == nil {
		l.comm = comm.Serial{}
	}
	if opts.Lower != nil {
		l.lower = *opts.Lower
	}
	if opts.Upper != nil {
		l.upper = *opts.Upper
	}
	switch {
	case opts.Initial != nil:
		l.initial = opts.Initial.Clone()
	default:
		if d, ok := sys.(interface{ DefaultState() dynamo.Vector }); ok {
			l.initial = d.DefaultState()
		} else {
			l.initial = make(dynamo.Vector, sys.StateDim())
		}
	}
	return l
}

func (l *leaf) Field() string { return l.field }

// Diagnostics lists the keys CalculateDiagnostics keeps up to date. They are
// evaluated over this worker's partition only.
func (l *leaf) Diagnostics() []string { return l.diags }

func (l *leaf) History() []Point { return l.history }

// Partition is the half-open range of model entries this worker owns.
func (l *leaf) Partition() (lo, hi int) { return l.lo, l.hi }

// local restricts a model to one worker's partition.
type local struct {
	dynamo.System
	n int
}

func (p local) StateDim() int { return p.n }

func (p local) Derive(x dynamo.Vector, t float64) dynamo.Vector {
	if len(x) == 0 {
		return dynamo.Vector{}
	}
	return p.System.Derive(x, t)
}

func (l *leaf) partition() (lo, hi int) {
	n := l.model.StateDim()
	if sep, ok := l.model.(dynamo.Separable); ok && sep.Separable() {
		return comm.Partition(n, l.comm)
	}
	if l.comm.Rank() == 0 {
		return 0, n
	}
	return 0, 0
}

func (l *leaf) Setup(s *state.State, g *evaluator.Graph) error {
	if l.ready {
		return nil
	}
	if len(l.initial) != l.model.StateDim() {
		return dynamo.Configf("%s: initial state has %d entries, model needs %d", l.name, len(l.initial), l.model.StateDim())
	}
	l.lo, l.hi = l.partition()
	if l.comm.Size() > 1 {
		l.sys = local{System: l.model, n: l.hi - l.lo}
	}
	shape := state.Cells(l.hi - l.lo)
	for _, tag := range []dynamo.Tag{l.current, l.next} {
		if err := s.Require(l.field, tag, shape, l.name); err != nil {
			return fmt.Errorf("%s: %w", l.name, err)
		}
	}

	diags := map[string]evaluator.Func{
		l.field + "_norm": &evaluator.Reduction{Dep: l.field, Fn: dynamo.Vector.Norm},
	}
	if h, ok := l.model.(dynamo.Hamiltonian); ok {
		diags[l.field+"_energy"] = &evaluator.Reduction{Dep: l.field, Fn: func(v dynamo.Vector) float64 {
			if len(v) == 0 {
				return 0
			}
			return h.Energy(v)
		}}
	}
	l.diags = l.diags[:0]
	for _, key := range []string{l.field + "_norm", l.field + "_energy"} {
		fn, ok := diags[key]
		if !ok {
			continue
		}
		for _, tag := range []dynamo.Tag{l.current, l.next} {
			if err := g.Register(key, tag, fn); err != nil {
				return fmt.Errorf("%s: %w", l.name, err)
			}
		}
		l.diags = append(l.diags, key)
	}
	l.graph = g
	l.ready = true
	return nil
}

// Initialize writes this worker's slice of the initial condition into next.
// The coordinator's initial commit promotes it to current.
func (l *leaf) Initialize(s *state.State) error {
	f, err := s.GetW(l.field, l.next, l.name)
	if err != nil {
		return fmt.Errorf("%s: %w", l.name, err)
	}
	copy(f.Values(), l.initial[l.lo:l.hi])
	l.history = l.history[:0]
	return nil
}

func (l *leaf) values(s *state.State, tag dynamo.Tag) (dynamo.Vector, error) {
	f, err := s.Get(l.field, tag)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.name, err)
	}
	return f.Values(), nil
}

func (l *leaf) write(s *state.State, u dynamo.Vector) error {
	f, err := s.GetW(l.field, l.next, l.name)
	if err != nil {
		return fmt.Errorf("%s: %w", l.name, err)
	}
	copy(f.Values(), u)
	return nil
}

// ValidStep rejects non-finite values and values outside the configured
// bounds.
func (l *leaf) ValidStep(s *state.State) bool {
	u, err := l.values(s, l.next)
	if err != nil {
		return false
	}
	for _, v := range u {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < l.lower || v > l.upper {
			return false
		}
	}
	return true
}

func (l *leaf) CommitStep(s *state.State, tOld, tNew float64, tag dynamo.Tag) error {
	if err := l.machine.Commit(); err != nil {
		return fmt.Errorf("%s: %w", l.name, err)
	}
	if err := s.AliasOrCopy(l.field, tag, l.current); err != nil {
		return fmt.Errorf("%s: %w", l.name, err)
	}
	u, err := l.values(s, l.current)
	if err != nil {
		return err
	}
	if len(l.history) > 0 && tNew <= l.history[len(l.history)-1].Time {
		l.history = l.history[:0]
	}
	l.history = append(l.history, Point{Time: tNew, U: u.Clone()})
	if len(l.history) > historyLen {
		l.history = l.history[len(l.history)-historyLen:]
	}
	return nil
}

func (l *leaf) FailStep(s *state.State, tOld, tNew float64, tag dynamo.Tag) error {
	if err := l.machine.Fail(); err != nil {
		return fmt.Errorf("%s: %w", l.name, err)
	}
	if err := s.AliasOrCopy(l.field, l.current, tag); err != nil {
		return fmt.Errorf("%s: %w", l.name, err)
	}
	return l.revert(s)
}

func (l *leaf) CalculateDiagnostics(s *state.State, tag dynamo.Tag) error {
	if l.graph == nil {
		return dynamo.Configf("%s: diagnostics before setup", l.name)
	}
	for _, key := range l.diags {
		if _, err := l.graph.Update(s, l.name, key, tag); err != nil {
			return fmt.Errorf("%s: diagnostic %s: %w", l.name, key, err)
		}
	}
	return nil
}

func (l *leaf) capDT(dt float64) float64 {
	return math.Min(dt, l.maxDT)
}
