// Package observation records reduced field values on a schedule and flushes
// them to a durable sink.
package observation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/san-kum/cyclesim/internal/comm"
	"github.com/san-kum/cyclesim/internal/dynamo"
	"github.com/san-kum/cyclesim/internal/state"
	"github.com/san-kum/cyclesim/internal/timestep"
)

// Spec configures one observed quantity.
type Spec struct {
	Name      string            `yaml:"name"`
	Field     string            `yaml:"field"`
	Reduction string            `yaml:"reduction"`
	Drift     bool              `yaml:"drift"`
	Schedule  timestep.Schedule `yaml:"schedule"`
}

// Row is one recorded observation.
type Row struct {
	RunID string
	Name  string
	Cycle int
	Time  float64
	Value float64
}

// Sink stores flushed rows.
type Sink interface {
	Write(ctx context.Context, rows []Row) error
}

// Updater brings derived fields up to date before they are read.
type Updater interface {
	Has(key string, tag dynamo.Tag) bool
	Update(s *state.State, request, key string, tag dynamo.Tag) (bool, error)
}

type observable struct {
	Spec
	reduce Reducer
	drift  *drift
}

// Observations buffers rows between flushes. Only rank 0 writes to the sink.
type Observations struct {
	runID      string
	items      []*observable
	sink       Sink
	comm       comm.Comm
	tag        dynamo.Tag
	buf        []Row
	flushEvery int
	log        *slog.Logger
}

func New(runID string, specs []Spec, sink Sink, c comm.Comm) (*Observations, error) {
	if c == nil {
		c = comm.Serial{}
	}
	o := &Observations{
		runID:      runID,
		sink:       sink,
		comm:       c,
		tag:        dynamo.TagCurrent,
		flushEvery: 1000,
		log:        slog.Default().With("component", "observation"),
	}
	seen := make(map[string]bool, len(specs))
	for _, sp := range specs {
		if sp.Reduction == "" {
			sp.Reduction = "first"
		}
		if sp.Name == "" {
			sp.Name = sp.Field + "_" + sp.Reduction
		}
		if seen[sp.Name] {
			return nil, dynamo.Configf("duplicate observation %q", sp.Name)
		}
		seen[sp.Name] = true
		if sp.Field == "" {
			return nil, dynamo.Configf("observation %q has no field", sp.Name)
		}
		r, ok := reducers[sp.Reduction]
		if !ok {
			return nil, dynamo.Configf("observation %q: unknown reduction %q", sp.Name, sp.Reduction)
		}
		if err := sp.Schedule.Validate(); err != nil {
			return nil, fmt.Errorf("observation %q: %w", sp.Name, err)
		}
		ob := &observable{Spec: sp, reduce: r}
		if sp.Drift {
			ob.drift = &drift{}
		}
		o.items = append(o.items, ob)
	}
	return o, nil
}

func (o *Observations) SetLogger(l *slog.Logger) {
	if l != nil {
		o.log = l.With("component", "observation")
	}
}

// SetFlushEvery flushes automatically once n rows are buffered. Zero
// disables automatic flushing.
func (o *Observations) SetFlushEvery(n int) { o.flushEvery = n }

func (o *Observations) Len() int { return len(o.items) }

func (o *Observations) Pending() []Row { return o.buf }

func (o *Observations) Schedules() []timestep.Schedule {
	out := make([]timestep.Schedule, 0, len(o.items))
	for _, it := range o.items {
		out = append(out, it.Schedule)
	}
	return out
}

// Setup declares every observed field so that a missing one is reported
// when the state is set up.
func (o *Observations) Setup(s *state.State, tag dynamo.Tag) error {
	o.tag = tag
	for _, it := range o.items {
		if err := s.Require(it.Field, tag, nil, ""); err != nil {
			return fmt.Errorf("observation %q: %w", it.Name, err)
		}
	}
	return nil
}

// MakeObservations records every observable whose schedule fires at the
// state's current cycle and time.
func (o *Observations) MakeObservations(ctx context.Context, s *state.State, g Updater) error {
	cycle, t := s.Cycle(), s.Time(o.tag)
	for _, it := range o.items {
		if !it.Schedule.DumpRequested(cycle, t) {
			continue
		}
		if g != nil && g.Has(it.Field, o.tag) {
			if _, err := g.Update(s, "observation", it.Field, o.tag); err != nil {
				return fmt.Errorf("observation %q: %w", it.Name, err)
			}
		}
		f, err := s.Get(it.Field, o.tag)
		if err != nil {
			return fmt.Errorf("observation %q: %w", it.Name, err)
		}
		v := it.reduce(o.comm, f.Flatten())
		if it.drift != nil {
			v = it.drift.Observe(v)
		}
		o.buf = append(o.buf, Row{RunID: o.runID, Name: it.Name, Cycle: cycle, Time: t, Value: v})
	}
	if o.flushEvery > 0 && len(o.buf) >= o.flushEvery {
		return o.Flush(ctx)
	}
	return nil
}

// Flush hands buffered rows to the sink. All workers must call it.
func (o *Observations) Flush(ctx context.Context) error {
	var err error
	if o.comm.Rank() == 0 && o.sink != nil && len(o.buf) > 0 {
		err = o.sink.Write(ctx, o.buf)
	}
	if o.comm.AnyAll(err != nil) {
		if err == nil {
			err = fmt.Errorf("observation flush failed on a peer: %w", dynamo.ErrFatal)
		}
		return fmt.Errorf("flush observations: %w", err)
	}
	if len(o.buf) > 0 {
		o.log.Debug("observations flushed", "rows", len(o.buf))
	}
	o.buf = o.buf[:0]
	return nil
}

// Reset clears drift baselines, used after a restart.
func (o *Observations) Reset() {
	for _, it := range o.items {
		if it.drift != nil {
			it.drift.Reset()
		}
	}
}
