// Package coordinator runs the top-level cycle driver: it sets up and
// initializes the state, advances the process tree step by step, and writes
// observations, visualization and checkpoints on their schedules.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/san-kum/cyclesim/internal/checkpoint"
	"github.com/san-kum/cyclesim/internal/comm"
	"github.com/san-kum/cyclesim/internal/dynamo"
	"github.com/san-kum/cyclesim/internal/evaluator"
	"github.com/san-kum/cyclesim/internal/observation"
	"github.com/san-kum/cyclesim/internal/process"
	"github.com/san-kum/cyclesim/internal/state"
	"github.com/san-kum/cyclesim/internal/timestep"
	"github.com/san-kum/cyclesim/internal/visualization"
)

const (
	// DTKey is the scalar holding the step size about to be taken. It is
	// checkpointed so a restart resumes with the same step.
	DTKey = "dt"
	owner = "coordinator"

	DefaultShrinkFactor = 0.5
)

type Options struct {
	StartTime float64
	// EndTime < 0 means unbounded.
	EndTime float64
	// StartCycle -1 starts counting at 0 once initialized.
	StartCycle int
	// EndCycle < 0 means unbounded.
	EndCycle int
	MaxDT    float64
	MinDT    float64
	// Wallclock <= 0 means unbounded.
	Wallclock time.Duration
	// Subcycled never lets the driver step past the process's own dt.
	Subcycled bool
	// ShrinkFactor caps the retry after a failed step at this fraction of
	// the failed size.
	ShrinkFactor  float64
	SnapFraction  float64
	RequiredTimes timestep.Schedule
}

func DefaultOptions() Options {
	return Options{
		EndTime:      -1,
		StartCycle:   -1,
		EndCycle:     -1,
		MaxDT:        1e99,
		MinDT:        1e-12,
		ShrinkFactor: DefaultShrinkFactor,
		SnapFraction: timestep.DefaultSnapFraction,
	}
}

type Coordinator struct {
	opts Options
	pk   process.Process
	s    *state.State
	g    *evaluator.Graph
	tsm  *timestep.Manager
	comm comm.Comm

	checkpoint *checkpoint.Writer
	restart    *checkpoint.Restart
	vis        []*visualization.Visualizer
	failedVis  []*visualization.Visualizer
	obs        []*observation.Observations
	geometry   process.Geometry
	depGraph   io.Writer

	log      *slog.Logger
	now      func() time.Time
	started  time.Time
	progress func(Progress)

	failedDT float64
	summary  Summary
}

func New(pk process.Process, opts Options) *Coordinator {
	if opts.ShrinkFactor <= 0 || opts.ShrinkFactor >= 1 {
		opts.ShrinkFactor = DefaultShrinkFactor
	}
	return &Coordinator{
		opts: opts,
		pk:   pk,
		s:    state.New(),
		g:    evaluator.NewGraph(),
		tsm:  timestep.NewManager(),
		comm: comm.Serial{},
		log:  slog.Default().With("component", "coordinator"),
		now:  time.Now,
	}
}

func (c *Coordinator) SetComm(cm comm.Comm) {
	if cm != nil {
		c.comm = cm
	}
}

func (c *Coordinator) SetLogger(l *slog.Logger) {
	if l != nil {
		c.log = l.With("component", "coordinator")
	}
}

func (c *Coordinator) SetCheckpoint(w *checkpoint.Writer) { c.checkpoint = w }

// SetProgress registers fn to be called on rank 0 after every trial step.
func (c *Coordinator) SetProgress(fn func(Progress)) { c.progress = fn }

// SetRestart makes Initialize load state from r instead of starting fresh.
func (c *Coordinator) SetRestart(r *checkpoint.Restart) { c.restart = r }

func (c *Coordinator) SetGeometry(g process.Geometry) { c.geometry = g }

// SetDependencyGraph writes the evaluator graph in DOT form to w once the
// state is initialized.
func (c *Coordinator) SetDependencyGraph(w io.Writer) { c.depGraph = w }

func (c *Coordinator) AddVisualization(v *visualization.Visualizer) { c.vis = append(c.vis, v) }

// AddFailedVisualization registers a target written on every failed step.
func (c *Coordinator) AddFailedVisualization(v *visualization.Visualizer) {
	c.failedVis = append(c.failedVis, v)
}

func (c *Coordinator) AddObservations(o *observation.Observations) { c.obs = append(c.obs, o) }

func (c *Coordinator) State() *state.State            { return c.s }
func (c *Coordinator) Graph() *evaluator.Graph        { return c.g }
func (c *Coordinator) Manager() *timestep.Manager     { return c.tsm }
func (c *Coordinator) Process() process.Process       { return c.pk }
func (c *Coordinator) Checkpoint() *checkpoint.Writer { return c.checkpoint }

// Setup declares every field. No field has storage until it returns.
func (c *Coordinator) Setup() error {
	c.s.RequireTime(dynamo.TagCurrent)
	c.s.RequireTime(dynamo.TagNext)
	c.s.RequireTime(dynamo.TagDefault)
	if err := c.s.Require(DTKey, dynamo.TagDefault, state.Scalar, owner); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	c.pk.SetTags(dynamo.TagCurrent, dynamo.TagNext)
	if err := c.pk.Setup(c.s, c.g); err != nil {
		return fmt.Errorf("setup %s: %w", c.pk.Name(), err)
	}
	for _, o := range c.obs {
		if err := o.Setup(c.s, dynamo.TagCurrent); err != nil {
			return fmt.Errorf("setup: %w", err)
		}
	}
	if err := c.g.EnsureCompatibility(c.s); err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	if err := c.s.Setup(); err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	return nil
}

func (c *Coordinator) setTimes(t float64) {
	c.s.SetTime(dynamo.TagCurrent, t)
	c.s.SetTime(dynamo.TagNext, t)
	c.s.SetTime(dynamo.TagDefault, t)
}

// Initialize fills every field with its initial condition, or with the
// restart checkpoint, and registers all output instants.
func (c *Coordinator) Initialize(ctx context.Context) error {
	t0 := c.opts.StartTime
	c.setTimes(t0)
	c.s.SetCycle(c.opts.StartCycle)

	if c.restart != nil {
		t, err := c.restart.ReadTime(ctx, c.s, dynamo.TagCurrent, dynamo.TagNext, dynamo.TagDefault)
		if err != nil {
			return err
		}
		t0 = t
	}

	if err := c.pk.Initialize(c.s); err != nil {
		return fmt.Errorf("initialize %s: %w", c.pk.Name(), err)
	}
	if err := c.pk.CommitStep(c.s, t0, t0, dynamo.TagNext); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	dt, err := c.s.GetW(DTKey, dynamo.TagDefault, owner)
	if err != nil {
		return err
	}
	dt.Values()[0] = c.pk.DT()

	if c.restart != nil {
		if err := c.restart.ReadData(ctx, c.s, dynamo.TagCurrent, dynamo.TagNext, dynamo.TagDefault); err != nil {
			return err
		}
		t0 = c.s.Time(dynamo.TagCurrent)
		if err := c.resetNext(); err != nil {
			return err
		}
		if c.geometry != nil {
			if err := c.geometry.Rederive(c.s); err != nil {
				return fmt.Errorf("restart: rederive geometry: %w", err)
			}
		}
		for _, o := range c.obs {
			o.Reset()
		}
		c.log.Info("restarted", "checkpoint", c.restart.Name(), "time", t0, "cycle", c.s.Cycle())
	}

	if err := c.g.UpdateAll(c.s); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := c.s.CheckAllInitialized(); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := c.pk.CommitStep(c.s, t0, t0, dynamo.TagNext); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if c.depGraph != nil && c.comm.Rank() == 0 {
		if err := c.g.WriteDOT(c.depGraph); err != nil {
			return fmt.Errorf("write dependency graph: %w", err)
		}
	}

	for _, o := range c.obs {
		if err := o.MakeObservations(ctx, c.s, c.g); err != nil {
			return err
		}
	}

	if err := c.register(); err != nil {
		return err
	}
	if c.s.Cycle() == -1 {
		c.s.AdvanceCycle()
	}
	return nil
}

// resetNext makes CURRENT authoritative after a restart: a checkpoint written
// during recovery may hold a rejected trial in NEXT.
func (c *Coordinator) resetNext() error {
	for _, kt := range c.s.Keys() {
		if kt.Tag != dynamo.TagCurrent || !c.s.Has(kt.Key, dynamo.TagNext) {
			continue
		}
		if err := c.s.AliasOrCopy(kt.Key, dynamo.TagCurrent, dynamo.TagNext); err != nil {
			return fmt.Errorf("restart: %w", err)
		}
	}
	return nil
}

func (c *Coordinator) register() error {
	c.tsm.SetSnapFraction(c.opts.SnapFraction)
	for _, v := range c.vis {
		if err := v.Schedule().Register(c.tsm); err != nil {
			return fmt.Errorf("visualization %s: %w", v.Name(), err)
		}
	}
	if c.checkpoint != nil {
		if err := c.checkpoint.Schedule().Register(c.tsm); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
	}
	for _, o := range c.obs {
		for _, sch := range o.Schedules() {
			if err := sch.Register(c.tsm); err != nil {
				return fmt.Errorf("observations: %w", err)
			}
		}
	}
	if c.opts.EndTime >= 0 {
		c.tsm.RegisterTime(c.opts.EndTime)
	}
	if err := c.opts.RequiredTimes.Register(c.tsm); err != nil {
		return fmt.Errorf("required times: %w", err)
	}
	return nil
}

// getDT chooses the next step size. A negative result means stepping is
// finished.
func (c *Coordinator) getDT(afterFail bool) (float64, error) {
	dt := c.comm.MinAll(c.pk.DT())
	dtPK := dt
	if dt < 0 {
		return dt, nil
	}
	if afterFail && c.failedDT > 0 {
		dt = min(dt, c.opts.ShrinkFactor*c.failedDT)
	}
	if dt < c.opts.MinDT {
		return dt, fmt.Errorf("%w: timestep %g below minimum %g", dynamo.ErrTolerance, dt, c.opts.MinDT)
	}
	if dt > c.opts.MaxDT {
		dt = c.opts.MaxDT
	}
	dt = c.tsm.TimeStep(c.s.Time(dynamo.TagNext), dt, afterFail)
	if c.opts.Subcycled {
		dt = min(dt, dtPK)
	}
	return dt, nil
}

// agree turns a local error into one every worker sees.
func (c *Coordinator) agree(err error) error {
	if c.comm.AnyAll(err != nil) && err == nil {
		return fmt.Errorf("peer worker failed: %w", dynamo.ErrFatal)
	}
	return err
}

// advance takes one trial step from CURRENT to NEXT and either commits or
// rolls it back. It reports whether the step failed.
func (c *Coordinator) advance(ctx context.Context) (bool, error) {
	tOld := c.s.Time(dynamo.TagCurrent)
	tNew := c.s.Time(dynamo.TagNext)

	out, err := c.pk.AdvanceStep(c.s, tOld, tNew, false)
	if err := c.agree(err); err != nil {
		return true, err
	}
	fail := out == dynamo.Failed
	if !fail {
		fail = !c.pk.ValidStep(c.s)
	}
	fail = c.comm.AnyAll(fail)

	if !fail {
		return false, c.agree(c.pk.CommitStep(c.s, tOld, tNew, dynamo.TagNext))
	}

	for _, v := range c.failedVis {
		if _, err := v.WriteFailed(c.s, dynamo.TagNext); err != nil {
			return true, err
		}
	}
	c.s.SetTime(dynamo.TagNext, tOld)
	return true, c.agree(c.pk.FailStep(c.s, tOld, tNew, dynamo.TagNext))
}

func (c *Coordinator) visualize() error {
	cycle, t := c.s.Cycle(), c.s.Time(dynamo.TagCurrent)
	dump := false
	for _, v := range c.vis {
		dump = dump || v.DumpRequested(cycle, t)
	}
	if !dump {
		return nil
	}
	if err := c.agree(c.pk.CalculateDiagnostics(c.s, dynamo.TagNext)); err != nil {
		return err
	}
	for _, v := range c.vis {
		if v.DumpRequested(cycle, t) {
			if _, err := v.Write(c.s, dynamo.TagNext); err != nil {
				return err
			}
			c.summary.Visualizations++
		}
	}
	return nil
}

// dumpError writes NEXT under every target's error name, beside any
// scheduled dump of the same cycle.
func (c *Coordinator) dumpError() error {
	if len(c.vis) == 0 {
		return nil
	}
	if err := c.agree(c.pk.CalculateDiagnostics(c.s, dynamo.TagNext)); err != nil {
		return err
	}
	for _, v := range c.vis {
		if _, err := v.WriteError(c.s, dynamo.TagNext); err != nil {
			return err
		}
		c.summary.Visualizations++
	}
	return nil
}

func (c *Coordinator) writeCheckpoint(ctx context.Context, force bool) error {
	if c.checkpoint == nil {
		return nil
	}
	if !force && !c.checkpoint.DumpRequested(c.s.Cycle(), c.s.Time(dynamo.TagCurrent)) {
		return nil
	}
	name, err := c.checkpoint.Write(ctx, c.s, dynamo.TagCurrent)
	if err != nil {
		return err
	}
	c.summary.Checkpoints = append(c.summary.Checkpoints, name)
	return nil
}

func (c *Coordinator) observe(ctx context.Context) error {
	for _, o := range c.obs {
		if err := o.MakeObservations(ctx, c.s, c.g); err != nil {
			return c.agree(err)
		}
	}
	return c.agree(nil)
}

// stop decides, collectively, whether the loop ends before the next step.
func (c *Coordinator) stop(ctx context.Context, dt float64) (Reason, bool) {
	t, cycle := c.s.Time(dynamo.TagCurrent), c.s.Cycle()
	var r Reason
	switch {
	case c.opts.EndTime >= 0 && timestep.Reached(t, c.opts.EndTime):
		r = ReasonEndTime
	case c.opts.EndCycle >= 0 && cycle >= c.opts.EndCycle:
		r = ReasonEndCycle
	case c.opts.Wallclock > 0 && c.now().Sub(c.started) >= c.opts.Wallclock:
		r = ReasonWallclock
	case dt <= 0:
		r = ReasonNoStep
	case ctx.Err() != nil:
		r = ReasonCanceled
	}
	// every worker must leave the loop together
	if c.comm.AnyAll(r != ReasonNone) {
		if r == ReasonNone {
			r = ReasonPeer
		}
		return r, true
	}
	return ReasonNone, false
}

func (c *Coordinator) currentDT() float64 {
	f, err := c.s.Get(DTKey, dynamo.TagDefault)
	if err != nil {
		return -1
	}
	return f.Values()[0]
}

func (c *Coordinator) setDT(dt float64) {
	if f, err := c.s.GetW(DTKey, dynamo.TagDefault, owner); err == nil {
		f.Values()[0] = dt
	}
}

// Run drives the simulation from setup to finalize. A failure inside the
// loop triggers recovery output and is returned as a *FatalError.
func (c *Coordinator) Run(ctx context.Context) (*Summary, error) {
	c.started = c.now()
	if err := c.Setup(); err != nil {
		return nil, err
	}
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	c.summary.StartTime = c.s.Time(dynamo.TagCurrent)
	c.summary.StartCycle = c.s.Cycle()

	dt, err := c.getDT(false)
	if err != nil {
		return nil, err
	}
	if c.restart == nil {
		c.setDT(dt)
	} else {
		dt = c.currentDT()
	}

	if err := c.visualize(); err != nil {
		return nil, err
	}
	if err := c.writeCheckpoint(ctx, false); err != nil {
		return nil, err
	}

	for {
		reason, done := c.stop(ctx, dt)
		if done {
			c.summary.Reason = reason
			break
		}
		c.log.Info("cycle", "cycle", c.s.Cycle(), "time", c.s.Time(dynamo.TagCurrent), "dt", dt)

		c.setDT(dt)
		c.s.AdvanceTime(dynamo.TagNext, dt)
		fail, err := c.advance(ctx)
		if err != nil {
			return c.recover(ctx, err)
		}

		if fail {
			c.failedDT = dt
			c.summary.Failures++
			c.log.Warn("step failed", "cycle", c.s.Cycle(), "time", c.s.Time(dynamo.TagCurrent), "dt", dt)
		} else {
			c.s.SetTime(dynamo.TagCurrent, c.s.Time(dynamo.TagNext))
			c.s.SetTime(dynamo.TagDefault, c.s.Time(dynamo.TagNext))
			c.s.AdvanceCycle()
			c.summary.Steps++

			if err := c.writeStateStatistics(ctx); err != nil {
				return c.recover(ctx, err)
			}
			if err := c.observe(ctx); err != nil {
				return c.recover(ctx, err)
			}
			if err := c.visualize(); err != nil {
				return c.recover(ctx, err)
			}
			if err := c.writeCheckpoint(ctx, false); err != nil {
				return c.recover(ctx, err)
			}
		}
		c.report(dt, fail)

		dt, err = c.getDT(fail)
		if err != nil {
			return c.recover(ctx, err)
		}
	}

	if err := c.Finalize(context.WithoutCancel(ctx)); err != nil {
		return c.recover(ctx, err)
	}
	s := c.finish()
	if c.summary.Reason == ReasonCanceled {
		return s, ctx.Err()
	}
	return s, nil
}

// Finalize computes diagnostics, writes the final checkpoint and flushes
// observations.
func (c *Coordinator) Finalize(ctx context.Context) error {
	if err := c.agree(c.pk.CalculateDiagnostics(c.s, dynamo.TagNext)); err != nil {
		return err
	}
	if c.checkpoint != nil {
		if err := c.checkpoint.WriteNamed(ctx, c.s, dynamo.TagCurrent, checkpoint.Final); err != nil {
			return err
		}
		c.summary.Checkpoints = append(c.summary.Checkpoints, checkpoint.Final)
	}
	for _, o := range c.obs {
		if err := o.Flush(ctx); err != nil {
			return err
		}
	}
	return c.writeStateStatistics(ctx)
}

func (c *Coordinator) report(dt float64, failed bool) {
	if c.progress == nil || c.comm.Rank() != 0 {
		return
	}
	c.progress(Progress{
		Cycle:    c.s.Cycle(),
		Time:     c.s.Time(dynamo.TagCurrent),
		DT:       dt,
		EndTime:  c.opts.EndTime,
		Steps:    c.summary.Steps,
		Failures: c.summary.Failures,
		Failed:   failed,
	})
}

// finish is collective: every worker contributes to the memory report.
func (c *Coordinator) finish() *Summary {
	c.summary.Memory = c.reportMemory()
	s := c.summary
	s.FinalTime = c.s.Time(dynamo.TagCurrent)
	s.FinalCycle = c.s.Cycle()
	s.Wallclock = c.now().Sub(c.started)
	c.log.Info("run finished",
		"reason", s.Reason, "cycles", s.Steps, "failures", s.Failures,
		"time", s.FinalTime, "wallclock", s.Wallclock)
	return &s
}

// recover writes whatever can help diagnose err: an error dump of every
// visualization target, flushed observations, and two checkpoints. The last
// accepted state is restartable; the rejected trial is kept for inspection.
func (c *Coordinator) recover(ctx context.Context, cause error) (*Summary, error) {
	ctx = context.WithoutCancel(ctx)
	cycle, t := c.s.Cycle(), c.s.Time(dynamo.TagCurrent)
	c.log.Error("fatal error, writing recovery output", "cycle", cycle, "time", t, "err", cause)

	var errs []error
	if err := c.dumpError(); err != nil {
		errs = append(errs, err)
	}
	for _, o := range c.obs {
		if err := o.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.checkpoint != nil {
		if err := c.checkpoint.WriteNamed(ctx, c.s, dynamo.TagCurrent, checkpoint.LastGood); err != nil {
			errs = append(errs, err)
		} else {
			c.summary.Checkpoints = append(c.summary.Checkpoints, checkpoint.LastGood)
		}
		if err := c.checkpoint.WriteNamed(ctx, c.s, dynamo.TagNext, checkpoint.Error); err != nil {
			errs = append(errs, err)
		} else {
			c.summary.Checkpoints = append(c.summary.Checkpoints, checkpoint.Error)
		}
	}
	c.summary.Reason = ReasonFatal
	return c.finish(), &FatalError{
		Err:      &dynamo.SimulationError{Cycle: cycle, Time: t, Wrapped: cause},
		Recovery: errors.Join(errs...),
	}
}
