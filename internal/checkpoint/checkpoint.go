// Package checkpoint decides when to persist full state snapshots and reads
// them back on restart.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/san-kum/cyclesim/internal/comm"
	"github.com/san-kum/cyclesim/internal/dynamo"
	"github.com/san-kum/cyclesim/internal/state"
	"github.com/san-kum/cyclesim/internal/timestep"
)

// Names of the two snapshots written when a run dies. Error holds the
// rejected trial and is kept for inspection only; it cannot seed a restart.
const (
	LastGood = "last_good_checkpoint"
	Error    = "error_checkpoint"
	Final    = "final_checkpoint"
)

// Persistence stores snapshots by name.
type Persistence interface {
	Save(ctx context.Context, name string, snap state.Snapshot) error
	// ReadTime returns only the scalar time and cycle of a snapshot.
	ReadTime(ctx context.Context, name string) (float64, int, error)
	Read(ctx context.Context, name string) (state.Snapshot, error)
}

// PartName is the stored name of one worker's partition of the snapshot
// name. A single worker stores the plain name.
func PartName(name string, c comm.Comm) string {
	if c == nil || c.Size() == 1 {
		return name
	}
	return fmt.Sprintf("%s.rank%d", name, c.Rank())
}

// Writer writes snapshots on its schedule. Every worker calls it and saves
// its own partition; everyone meets at a barrier afterwards.
type Writer struct {
	store    Persistence
	schedule timestep.Schedule
	comm     comm.Comm
	base     string
	log      *slog.Logger
	written  []string
}

func NewWriter(store Persistence, schedule timestep.Schedule, c comm.Comm) *Writer {
	if c == nil {
		c = comm.Serial{}
	}
	return &Writer{
		store:    store,
		schedule: schedule,
		comm:     c,
		base:     "checkpoint",
		log:      slog.Default().With("component", "checkpoint"),
	}
}

// SetBaseName changes the prefix of scheduled checkpoint names.
func (w *Writer) SetBaseName(base string) {
	if base != "" {
		w.base = base
	}
}

func (w *Writer) SetLogger(l *slog.Logger) {
	if l != nil {
		w.log = l.With("component", "checkpoint")
	}
}

func (w *Writer) Schedule() timestep.Schedule { return w.schedule }

func (w *Writer) DumpRequested(cycle int, t float64) bool {
	return w.schedule.DumpRequested(cycle, t)
}

// Written lists the names this writer has saved, oldest first.
func (w *Writer) Written() []string { return w.written }

// Name is the snapshot name used for a scheduled dump at cycle.
func (w *Writer) Name(cycle int) string {
	return fmt.Sprintf("%s%05d", w.base, cycle)
}

// Write saves a snapshot of tag under the scheduled name for the current
// cycle.
func (w *Writer) Write(ctx context.Context, s *state.State, tag dynamo.Tag) (string, error) {
	name := w.Name(s.Cycle())
	return name, w.WriteNamed(ctx, s, tag, name)
}

func (w *Writer) WriteNamed(ctx context.Context, s *state.State, tag dynamo.Tag, name string) error {
	err := w.store.Save(ctx, PartName(name, w.comm), s.Snapshot(tag))
	failed := w.comm.AnyAll(err != nil)
	w.comm.Barrier()
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", name, err)
	}
	if failed {
		return fmt.Errorf("checkpoint %s: %w", name, dynamo.ErrFatal)
	}
	w.written = append(w.written, name)
	if w.comm.Rank() == 0 {
		w.log.Info("checkpoint written", "name", name, "cycle", s.Cycle(), "time", s.Time(tag))
	}
	return nil
}

// Restart reads a snapshot in two parts so scalar time can be seeded before
// processes initialize and field data loaded after. With several workers
// each reads back the partition it wrote, so the worker count must match the
// run that saved it.
type Restart struct {
	store Persistence
	name  string
	comm  comm.Comm
}

func NewRestart(store Persistence, name string) *Restart {
	return &Restart{store: store, name: name, comm: comm.Serial{}}
}

func (r *Restart) SetComm(c comm.Comm) {
	if c != nil {
		r.comm = c
	}
}

func (r *Restart) Name() string { return r.name }

func (r *Restart) source() (string, error) {
	if r.name == Error {
		return "", dynamo.Configf("restart %s: the error checkpoint holds a rejected trial, restart from %s", r.name, LastGood)
	}
	return PartName(r.name, r.comm), nil
}

// ReadTime seeds time and cycle of the given tags.
func (r *Restart) ReadTime(ctx context.Context, s *state.State, tags ...dynamo.Tag) (float64, error) {
	name, err := r.source()
	if err != nil {
		return 0, err
	}
	t, cycle, err := r.store.ReadTime(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("restart %s: %w", r.name, err)
	}
	for _, tag := range tags {
		s.SetTime(tag, t)
	}
	s.SetCycle(cycle)
	return t, nil
}

// ReadData loads every field and resets time and cycle from the snapshot.
func (r *Restart) ReadData(ctx context.Context, s *state.State, tags ...dynamo.Tag) error {
	name, err := r.source()
	if err != nil {
		return err
	}
	snap, err := r.store.Read(ctx, name)
	if err != nil {
		return fmt.Errorf("restart %s: %w", r.name, err)
	}
	if err := s.Restore(snap); err != nil {
		return fmt.Errorf("restart %s: %w", r.name, err)
	}
	if err := s.RestoreTime(snap, tags...); err != nil {
		return fmt.Errorf("restart %s: %w", r.name, err)
	}
	return nil
}
