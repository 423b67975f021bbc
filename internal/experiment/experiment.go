// Package experiment wires a validated configuration into a runnable
// simulation: the process tree, checkpoint storage, observation store and
// visualization targets, one coordinator per worker.
package experiment

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/san-kum/cyclesim/internal/checkpoint"
	"github.com/san-kum/cyclesim/internal/comm"
	"github.com/san-kum/cyclesim/internal/config"
	"github.com/san-kum/cyclesim/internal/coordinator"
	"github.com/san-kum/cyclesim/internal/observation"
	"github.com/san-kum/cyclesim/internal/storage"
	"github.com/san-kum/cyclesim/internal/visualization"
)

// Files under the data directory.
const (
	CheckpointDB   = "checkpoints.db"
	ObservationsDB = "observations.db"
	VisDir         = "vis"
)

type Experiment struct {
	cfg      *config.Config
	registry *Registry
	store    *storage.Store
	sink     *observation.SQLite
	depGraph io.Writer
	progress func(coordinator.Progress)
	log      *slog.Logger
}

func New(cfg *config.Config) *Experiment {
	return &Experiment{
		cfg:      cfg,
		registry: NewRegistry(),
		log:      slog.Default(),
	}
}

func (e *Experiment) SetLogger(l *slog.Logger) {
	if l != nil {
		e.log = l
		e.registry.SetLogger(l)
	}
}

// SetDependencyGraph asks rank 0 to write the evaluator graph to w.
func (e *Experiment) SetDependencyGraph(w io.Writer) { e.depGraph = w }

// SetProgress forwards rank 0's per-step progress to fn.
func (e *Experiment) SetProgress(fn func(coordinator.Progress)) { e.progress = fn }

func (e *Experiment) Registry() *Registry { return e.registry }

// Open creates the data directory and opens both stores.
func (e *Experiment) Open() error {
	if err := os.MkdirAll(e.cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := storage.Open(filepath.Join(e.cfg.DataDir, CheckpointDB))
	if err != nil {
		return err
	}
	sink, err := observation.OpenSQLite(filepath.Join(e.cfg.DataDir, ObservationsDB))
	if err != nil {
		store.Close()
		return err
	}
	e.store, e.sink = store, sink
	return nil
}

func (e *Experiment) Close() error {
	var first error
	if e.sink != nil {
		first = e.sink.Close()
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// RunID identifies this run's rows in the observation store.
func (e *Experiment) RunID() string {
	if e.store == nil {
		return ""
	}
	return e.store.RunID()
}

func (e *Experiment) options() (coordinator.Options, error) {
	d := e.cfg.Driver
	t0, err := d.Start()
	if err != nil {
		return coordinator.Options{}, err
	}
	t1, err := d.End()
	if err != nil {
		return coordinator.Options{}, err
	}
	o := coordinator.Options{
		StartTime:     t0,
		EndTime:       t1,
		StartCycle:    d.StartCycle,
		EndCycle:      d.EndCycle,
		MaxDT:         d.MaxDT,
		MinDT:         d.MinDT,
		Subcycled:     d.Subcycled,
		ShrinkFactor:  d.ShrinkFactor,
		SnapFraction:  d.SnapFraction,
		RequiredTimes: d.RequiredTimes,
	}
	if d.WallclockHours > 0 {
		o.Wallclock = time.Duration(d.WallclockHours * float64(time.Hour))
	}
	return o, nil
}

// Coordinator assembles everything one worker needs. Open must have been
// called.
func (e *Experiment) Coordinator(c comm.Comm) (*coordinator.Coordinator, error) {
	if e.store == nil {
		return nil, fmt.Errorf("experiment not opened")
	}
	log := e.log.With("rank", c.Rank())

	root, err := e.cfg.Root()
	if err != nil {
		return nil, err
	}
	pk, err := e.registry.Build(root, c)
	if err != nil {
		return nil, err
	}
	opts, err := e.options()
	if err != nil {
		return nil, err
	}

	coord := coordinator.New(pk, opts)
	coord.SetComm(c)
	coord.SetLogger(log)
	if e.depGraph != nil {
		coord.SetDependencyGraph(e.depGraph)
	}
	if e.progress != nil {
		coord.SetProgress(e.progress)
	}

	w := checkpoint.NewWriter(e.store, e.cfg.Checkpoint.Schedule, c)
	w.SetBaseName(e.cfg.Checkpoint.Base)
	w.SetLogger(log)
	coord.SetCheckpoint(w)
	if name := e.cfg.Driver.Restart; name != "" {
		r := checkpoint.NewRestart(e.store, name)
		r.SetComm(c)
		coord.SetRestart(r)
	}

	visDir := filepath.Join(e.cfg.DataDir, VisDir)
	for _, vc := range e.cfg.Visualization {
		v, err := visualization.New(visDir, vc, c)
		if err != nil {
			return nil, err
		}
		v.SetLogger(log)
		coord.AddVisualization(v)
	}
	if fv := e.cfg.FailedVisualization; fv != nil {
		vc := *fv
		if vc.Name == "" {
			vc.Name = "failed_visdump"
		}
		v, err := visualization.New(visDir, vc, c)
		if err != nil {
			return nil, err
		}
		v.SetLogger(log)
		coord.AddFailedVisualization(v)
	}

	if len(e.cfg.Observations) > 0 {
		obs, err := observation.New(e.store.RunID(), e.cfg.Observations, e.sink, c)
		if err != nil {
			return nil, err
		}
		obs.SetLogger(log)
		coord.AddObservations(obs)
	}
	return coord, nil
}

// Run drives the configured number of workers to completion and returns rank
// 0's summary.
func (e *Experiment) Run(ctx context.Context) (*coordinator.Summary, error) {
	var summary *coordinator.Summary
	group := comm.NewGroup(e.cfg.Workers)
	err := group.Run(ctx, func(ctx context.Context, c comm.Comm) error {
		coord, err := e.Coordinator(c)
		if err != nil {
			return err
		}
		s, err := coord.Run(ctx)
		if c.Rank() == 0 {
			summary = s
		}
		return err
	})
	return summary, err
}
