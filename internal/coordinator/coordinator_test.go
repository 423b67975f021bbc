package coordinator_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/cyclesim/internal/checkpoint"
	"github.com/san-kum/cyclesim/internal/comm"
	"github.com/san-kum/cyclesim/internal/coordinator"
	"github.com/san-kum/cyclesim/internal/dynamo"
	"github.com/san-kum/cyclesim/internal/evaluator"
	"github.com/san-kum/cyclesim/internal/integrators"
	"github.com/san-kum/cyclesim/internal/observation"
	"github.com/san-kum/cyclesim/internal/physics"
	"github.com/san-kum/cyclesim/internal/process"
	"github.com/san-kum/cyclesim/internal/state"
	"github.com/san-kum/cyclesim/internal/timestep"
	"github.com/san-kum/cyclesim/internal/visualization"
)

type trial struct {
	cycle      int
	tOld, tNew float64
	failed     bool
	// times seen by FailStep
	rolledBack    bool
	currentAtFail float64
	nextAtFail    float64
}

// stepper moves u to the trial end time on every step. It can be told to
// reject or blow up on a given trial.
type stepper struct {
	dt      float64
	failAt  map[int]bool
	errAt   int
	onTrial func(n int)

	m             process.Machine
	current, next dynamo.Tag
	trials        []trial
}

func newStepper(dt float64, failAt ...int) *stepper {
	st := &stepper{dt: dt, failAt: map[int]bool{}}
	for _, n := range failAt {
		st.failAt[n] = true
	}
	return st
}

func (st *stepper) Name() string                                        { return "stepper" }
func (st *stepper) SetTags(current, next dynamo.Tag)                    { st.current, st.next = current, next }
func (st *stepper) DT() float64                                         { return st.dt }
func (st *stepper) SetDT(dt float64)                                    { st.dt = dt }
func (st *stepper) ValidStep(*state.State) bool                         { return true }
func (st *stepper) Phase() process.Phase                                { return st.m.Phase() }
func (st *stepper) CalculateDiagnostics(*state.State, dynamo.Tag) error { return nil }

func (st *stepper) Setup(s *state.State, _ *evaluator.Graph) error {
	for _, tag := range []dynamo.Tag{st.current, st.next} {
		if err := s.Require("u", tag, state.Scalar, "stepper"); err != nil {
			return err
		}
	}
	return nil
}

func (st *stepper) Initialize(s *state.State) error {
	f, err := s.GetW("u", st.next, "stepper")
	if err != nil {
		return err
	}
	f.Values()[0] = s.Time(st.next)
	return nil
}

func (st *stepper) AdvanceStep(s *state.State, tOld, tNew float64, _ bool) (dynamo.Outcome, error) {
	if err := st.m.Begin(); err != nil {
		return dynamo.Failed, err
	}
	n := len(st.trials) + 1
	tr := trial{cycle: s.Cycle(), tOld: tOld, tNew: tNew, failed: st.failAt[n]}
	st.trials = append(st.trials, tr)
	if st.onTrial != nil {
		st.onTrial(n)
	}
	if n == st.errAt {
		return dynamo.Failed, errors.New("solver exploded")
	}
	if tr.failed {
		return dynamo.Failed, nil
	}
	f, err := s.GetW("u", st.next, "stepper")
	if err != nil {
		return dynamo.Failed, err
	}
	f.Values()[0] = tNew
	return dynamo.Accepted, nil
}

func (st *stepper) CommitStep(s *state.State, _, _ float64, tag dynamo.Tag) error {
	if err := st.m.Commit(); err != nil {
		return err
	}
	return s.AliasOrCopy("u", tag, st.current)
}

func (st *stepper) FailStep(s *state.State, _, _ float64, tag dynamo.Tag) error {
	if err := st.m.Fail(); err != nil {
		return err
	}
	tr := &st.trials[len(st.trials)-1]
	tr.rolledBack = true
	tr.currentAtFail = s.Time(st.current)
	tr.nextAtFail = s.Time(st.next)
	return s.AliasOrCopy("u", st.current, tag)
}

func (st *stepper) dts() []float64 {
	out := make([]float64, len(st.trials))
	for i, tr := range st.trials {
		out[i] = tr.tNew - tr.tOld
	}
	return out
}

type geometry struct{ reverts, rederives int }

func (g *geometry) Revert(*state.State) error   { g.reverts++; return nil }
func (g *geometry) Rederive(*state.State) error { g.rederives++; return nil }

func options(t0, t1 float64) coordinator.Options {
	o := coordinator.DefaultOptions()
	o.StartTime = t0
	o.EndTime = t1
	return o
}

// relax builds a stiff decay of eight distinct cells owned by c's workers.
func relax(c comm.Comm) process.Process {
	decay := physics.NewDecay()
	decay.Rate = 0.5
	decay.Cells = 8
	return process.NewBDF("decay", decay, process.BDFOptions{}, process.Options{
		DT:      0.1,
		Initial: dynamo.Vector{1, 2, 3, 4, 5, 6, 7, 8},
		Comm:    c,
	})
}

func value(c *coordinator.Coordinator, key string) float64 {
	f, err := c.State().Get(key, dynamo.TagCurrent)
	Expect(err).NotTo(HaveOccurred())
	return f.Values()[0]
}

var _ = Describe("Coordinator", func() {
	var (
		ctx   context.Context
		store *checkpoint.Memory
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = checkpoint.NewMemory()
	})

	Describe("a clean run with a constant step", func() {
		var (
			c    *coordinator.Coordinator
			w    *checkpoint.Writer
			vis  *visualization.Visualizer
			sink *observation.Memory
			sum  *coordinator.Summary
		)

		BeforeEach(func() {
			decay := physics.NewDecay()
			decay.Rate = 0.01
			euler, err := integrators.New("euler")
			Expect(err).NotTo(HaveOccurred())
			leaf := process.NewExplicit("decay", decay, euler, 0, process.Options{DT: 10})

			c = coordinator.New(leaf, options(0, 100))
			w = checkpoint.NewWriter(store, timestep.Every(5), nil)
			c.SetCheckpoint(w)

			vis, err = visualization.New(GinkgoT().TempDir(), visualization.Config{
				Fields:   []string{"decay"},
				Schedule: timestep.EveryTime(0, 50),
			}, nil)
			Expect(err).NotTo(HaveOccurred())
			c.AddVisualization(vis)

			sink = &observation.Memory{}
			obs, err := observation.New("run-a", []observation.Spec{
				{Field: "decay", Schedule: timestep.Every(2)},
			}, sink, nil)
			Expect(err).NotTo(HaveOccurred())
			c.AddObservations(obs)

			sum, err = c.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
		})

		It("takes exactly ten steps and ends on the end time", func() {
			Expect(sum.Steps).To(Equal(10))
			Expect(sum.Failures).To(BeZero())
			Expect(sum.StartCycle).To(Equal(0))
			Expect(sum.FinalCycle).To(Equal(10))
			Expect(sum.FinalTime).To(BeNumerically("~", 100, 1e-9))
			Expect(sum.Reason).To(Equal(coordinator.ReasonEndTime))
		})

		It("integrates the field", func() {
			Expect(value(c, "decay")).To(BeNumerically("~", math.Pow(0.9, 10), 1e-12))
		})

		It("fires outputs only at their cadences", func() {
			Expect(w.Written()).To(Equal([]string{
				"checkpoint00000", "checkpoint00005", "checkpoint00010", checkpoint.Final,
			}))
			Expect(vis.Dumps()).To(HaveLen(3))
			Expect(sum.Visualizations).To(Equal(3))

			rows := sink.Rows()
			Expect(rows).To(HaveLen(5))
			for i, r := range rows {
				Expect(r.Cycle).To(Equal(2 * (i + 1)))
				Expect(r.Time).To(BeNumerically("~", float64(20*(i+1)), 1e-9))
			}
		})

		It("keeps CURRENT and NEXT in step after the last commit", func() {
			s := c.State()
			Expect(s.Time(dynamo.TagNext)).To(Equal(s.Time(dynamo.TagCurrent)))
			next, err := s.Get("decay", dynamo.TagNext)
			Expect(err).NotTo(HaveOccurred())
			Expect(next.Values()[0]).To(Equal(value(c, "decay")))
		})
	})

	Describe("a run with a rejected trial step", func() {
		It("retries at half the step without advancing the cycle", func() {
			st := newStepper(10, 3)
			c := coordinator.New(st, options(0, 100))
			failed, err := visualization.New(GinkgoT().TempDir(), visualization.Config{Name: "failed"}, nil)
			Expect(err).NotTo(HaveOccurred())
			c.AddFailedVisualization(failed)

			sum, err := c.Run(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(st.trials[2].failed).To(BeTrue())
			Expect(st.trials[2].rolledBack).To(BeTrue())
			Expect(st.trials[2].currentAtFail).To(Equal(20.0))
			Expect(st.trials[2].nextAtFail).To(Equal(st.trials[2].currentAtFail), "NEXT time is reset to CURRENT before rollback")
			Expect(st.trials[3].cycle).To(Equal(st.trials[2].cycle))
			Expect(st.trials[3].tOld).To(Equal(20.0))
			Expect(st.dts()).To(Equal([]float64{10, 10, 10, 5, 10, 10, 10, 10, 10, 10, 10, 5}))

			Expect(sum.Failures).To(Equal(1))
			Expect(sum.Steps).To(Equal(11))
			Expect(sum.FinalCycle).To(Equal(11))
			Expect(sum.Reason).To(Equal(coordinator.ReasonEndTime))
			Expect(value(c, "u")).To(Equal(100.0))
			Expect(failed.Dumps()).To(HaveLen(1))
			Expect(filepath.Base(failed.Dumps()[0])).To(Equal("failed00002_attempt1.csv"))
		})

		It("numbers repeated rejections within one cycle", func() {
			st := newStepper(10, 3, 4)
			c := coordinator.New(st, options(0, 100))
			failed, err := visualization.New(GinkgoT().TempDir(), visualization.Config{Name: "failed"}, nil)
			Expect(err).NotTo(HaveOccurred())
			c.AddFailedVisualization(failed)

			sum, err := c.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.Failures).To(Equal(2))

			var names []string
			for _, d := range failed.Dumps() {
				names = append(names, filepath.Base(d))
			}
			Expect(names).To(Equal([]string{"failed00002_attempt1.csv", "failed00002_attempt2.csv"}))
		})

		It("stops with a tolerance error once the retry drops below the minimum step", func() {
			st := newStepper(10, 3)
			opts := options(0, 100)
			opts.MinDT = 6
			c := coordinator.New(st, opts)
			c.SetCheckpoint(checkpoint.NewWriter(store, timestep.Schedule{}, nil))

			sum, err := c.Run(ctx)
			Expect(errors.Is(err, dynamo.ErrTolerance)).To(BeTrue())
			Expect(coordinator.IsFatal(err)).To(BeTrue())
			Expect(sum.Reason).To(Equal(coordinator.ReasonFatal))
			Expect(store.Names()).To(ContainElements(checkpoint.LastGood, checkpoint.Error))
		})
	})

	Describe("event instants", func() {
		It("lands on every required time", func() {
			st := newStepper(40)
			opts := options(20, 100)
			opts.RequiredTimes = timestep.Schedule{TimeList: []float64{25, 60}}
			c := coordinator.New(st, opts)

			_, err := c.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.dts()).To(Equal([]float64{5, 35, 40}))
		})

		It("caps the step at the maximum", func() {
			st := newStepper(40)
			opts := options(0, 100)
			opts.MaxDT = 25
			c := coordinator.New(st, opts)

			sum, err := c.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.Steps).To(Equal(4))
		})
	})

	Describe("fatal errors", func() {
		It("writes recovery output and returns a FatalError", func() {
			st := newStepper(10)
			st.errAt = 3
			c := coordinator.New(st, options(0, 100))
			c.SetCheckpoint(checkpoint.NewWriter(store, timestep.Schedule{}, nil))
			vis, err := visualization.New(GinkgoT().TempDir(), visualization.Config{Schedule: timestep.Every(100)}, nil)
			Expect(err).NotTo(HaveOccurred())
			c.AddVisualization(vis)

			sum, err := c.Run(ctx)
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, dynamo.ErrFatal)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("solver exploded"))

			var simErr *dynamo.SimulationError
			Expect(errors.As(err, &simErr)).To(BeTrue())
			Expect(simErr.Cycle).To(Equal(2))

			Expect(sum.Checkpoints).To(Equal([]string{checkpoint.LastGood, checkpoint.Error}))
			goodT, goodCycle, err := store.ReadTime(ctx, checkpoint.LastGood)
			Expect(err).NotTo(HaveOccurred())
			Expect(goodT).To(Equal(20.0))
			Expect(goodCycle).To(Equal(2))
			errT, _, err := store.ReadTime(ctx, checkpoint.Error)
			Expect(err).NotTo(HaveOccurred())
			Expect(errT).To(Equal(30.0))

			// IC dump plus the error dump
			Expect(vis.Dumps()).To(HaveLen(2))
			Expect(filepath.Base(vis.Dumps()[1])).To(Equal("visdump00002_error.csv"))
		})

		It("keeps the error dump apart from a scheduled dump of the same cycle", func() {
			st := newStepper(10)
			st.errAt = 3
			c := coordinator.New(st, options(0, 100))
			vis, err := visualization.New(GinkgoT().TempDir(), visualization.Config{Schedule: timestep.Every(1)}, nil)
			Expect(err).NotTo(HaveOccurred())
			c.AddVisualization(vis)

			_, err = c.Run(ctx)
			Expect(coordinator.IsFatal(err)).To(BeTrue())

			var names []string
			for _, d := range vis.Dumps() {
				names = append(names, filepath.Base(d))
			}
			Expect(names).To(Equal([]string{
				"visdump00000.csv", "visdump00001.csv", "visdump00002.csv", "visdump00002_error.csv",
			}))
		})

		It("restarts only from the last good checkpoint", func() {
			st := newStepper(10)
			st.errAt = 3
			c := coordinator.New(st, options(0, 100))
			c.SetCheckpoint(checkpoint.NewWriter(store, timestep.Schedule{}, nil))
			_, err := c.Run(ctx)
			Expect(coordinator.IsFatal(err)).To(BeTrue())

			bad := coordinator.New(newStepper(10), options(0, 100))
			bad.SetRestart(checkpoint.NewRestart(store, checkpoint.Error))
			_, err = bad.Run(ctx)
			Expect(errors.Is(err, dynamo.ErrConfiguration)).To(BeTrue())

			again := newStepper(10)
			resumed := coordinator.New(again, options(0, 100))
			resumed.SetRestart(checkpoint.NewRestart(store, checkpoint.LastGood))
			var u, next float64
			again.onTrial = func(n int) {
				if n == 1 {
					u = value(resumed, "u")
					f, err := resumed.State().Get("u", dynamo.TagNext)
					Expect(err).NotTo(HaveOccurred())
					next = f.Values()[0]
				}
			}
			sum, err := resumed.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.StartTime).To(Equal(20.0))
			Expect(sum.StartCycle).To(Equal(2))
			Expect(again.trials[0].tOld).To(Equal(20.0))
			Expect(u).To(Equal(20.0), "data matches the restart time")
			Expect(next).To(Equal(20.0), "the first trial has not written NEXT yet")
			Expect(value(resumed, "u")).To(Equal(100.0))
		})
	})

	Describe("restart", func() {
		It("resumes from a checkpoint with the saved time, cycle and step", func() {
			first := coordinator.New(newStepper(10), options(0, 50))
			first.SetCheckpoint(checkpoint.NewWriter(store, timestep.Every(1), nil))
			_, err := first.Run(ctx)
			Expect(err).NotTo(HaveOccurred())

			st := newStepper(10)
			geo := &geometry{}
			c := coordinator.New(st, options(0, 100))
			c.SetRestart(checkpoint.NewRestart(store, "checkpoint00003"))
			c.SetGeometry(geo)

			sum, err := c.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(geo.rederives).To(Equal(1))
			Expect(sum.StartCycle).To(Equal(3))
			Expect(sum.StartTime).To(Equal(30.0))
			Expect(sum.Steps).To(Equal(7))
			Expect(sum.FinalCycle).To(Equal(10))
			Expect(st.trials[0].tOld).To(Equal(30.0))
			Expect(value(c, "u")).To(Equal(100.0))
		})

		It("fails on a missing checkpoint", func() {
			c := coordinator.New(newStepper(10), options(0, 100))
			c.SetRestart(checkpoint.NewRestart(store, "nope"))
			_, err := c.Run(ctx)
			Expect(errors.Is(err, dynamo.ErrNotFound)).To(BeTrue())
		})
	})

	Describe("termination", func() {
		It("stops at the end cycle", func() {
			opts := options(0, 100)
			opts.EndCycle = 4
			sum, err := coordinator.New(newStepper(10), opts).Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.Reason).To(Equal(coordinator.ReasonEndCycle))
			Expect(sum.FinalCycle).To(Equal(4))
		})

		It("stops when the wallclock budget is spent", func() {
			opts := options(0, 100)
			opts.Wallclock = 3 * time.Minute
			c := coordinator.New(newStepper(10), opts)
			now := time.Unix(0, 0)
			c.SetClock(func() time.Time {
				now = now.Add(time.Minute)
				return now
			})
			sum, err := c.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.Reason).To(Equal(coordinator.ReasonWallclock))
			Expect(sum.Steps).To(BeNumerically("<", 10))
		})

		It("stops when the process has nothing left to do", func() {
			st := newStepper(10)
			st.onTrial = func(n int) {
				if n == 2 {
					st.dt = -1
				}
			}
			sum, err := coordinator.New(st, options(0, 100)).Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.Reason).To(Equal(coordinator.ReasonNoStep))
			Expect(sum.Steps).To(Equal(2))
		})

		It("stops between steps when the context is canceled", func() {
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			st := newStepper(10)
			st.onTrial = func(n int) {
				if n == 3 {
					cancel()
				}
			}
			c := coordinator.New(st, options(0, 100))
			w := checkpoint.NewWriter(store, timestep.Schedule{}, nil)
			c.SetCheckpoint(w)

			sum, err := c.Run(ctx)
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			Expect(sum.Reason).To(Equal(coordinator.ReasonCanceled))
			Expect(sum.Steps).To(Equal(3))
			Expect(w.Written()).To(Equal([]string{checkpoint.Final}))
		})
	})

	Describe("several workers", func() {
		run := func(workers int) ([]*coordinator.Summary, []observation.Row) {
			sums := make([]*coordinator.Summary, workers)
			sink := &observation.Memory{}
			err := comm.NewGroup(workers).Run(ctx, func(ctx context.Context, cm comm.Comm) error {
				c := coordinator.New(relax(cm), options(0, 2))
				c.SetComm(cm)
				obs, err := observation.New("run", []observation.Spec{
					{Field: "decay", Reduction: "sum", Schedule: timestep.Every(1)},
					{Field: "decay", Reduction: "mean", Schedule: timestep.Every(1)},
					{Field: "decay", Reduction: "max", Schedule: timestep.Every(1)},
				}, sink, cm)
				if err != nil {
					return err
				}
				c.AddObservations(obs)
				sums[cm.Rank()], err = c.Run(ctx)
				return err
			})
			Expect(err).NotTo(HaveOccurred())
			return sums, sink.Rows()
		}

		It("agrees on every step and observes each cell once", func() {
			serial, want := run(1)
			sums, got := run(3)

			for _, s := range sums {
				Expect(s.Steps).To(Equal(serial[0].Steps))
				Expect(s.FinalCycle).To(Equal(serial[0].FinalCycle))
				Expect(s.FinalTime).To(Equal(serial[0].FinalTime))
				Expect(s.Reason).To(Equal(coordinator.ReasonEndTime))
			}
			Expect(got).To(HaveLen(len(want)))
			for i := range want {
				Expect(got[i].Name).To(Equal(want[i].Name))
				Expect(got[i].Cycle).To(Equal(want[i].Cycle))
				Expect(got[i].Value).To(BeNumerically("~", want[i].Value, 1e-12))
			}
			// each cell counted once: sum is eight times the mean
			Expect(want[0].Name).To(Equal("decay_sum"))
			Expect(want[1].Name).To(Equal("decay_mean"))
			Expect(want[0].Value).To(BeNumerically("~", 8*want[1].Value, 1e-12))
			Expect(want[0].Value).To(BeNumerically("<", 36))
			Expect(want[2].Value).To(BeNumerically("<", 8))
		})

		It("reports the field storage of every worker", func() {
			sums, _ := run(3)
			m := sums[0].Memory
			Expect(m.MinBytes).To(BeNumerically(">", 0))
			Expect(m.MaxBytes).To(BeNumerically(">=", m.MinBytes))
			Expect(m.TotalBytes).To(BeNumerically(">=", 3*m.MinBytes))
			Expect(m.HeapBytes).To(BeNumerically(">", 0))
			for _, s := range sums {
				Expect(s.Memory.TotalBytes).To(Equal(m.TotalBytes))
			}
		})
	})

	Describe("state statistics", func() {
		It("reduces every field across workers", func() {
			stats := make([][]coordinator.FieldStats, 2)
			err := comm.NewGroup(2).Run(ctx, func(ctx context.Context, cm comm.Comm) error {
				c := coordinator.New(relax(cm), options(0, 0))
				c.SetComm(cm)
				if err := c.Setup(); err != nil {
					return err
				}
				if err := c.Initialize(ctx); err != nil {
					return err
				}
				var err error
				stats[cm.Rank()], err = coordinator.Statistics(c.State(), dynamo.TagCurrent, cm)
				return err
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(stats[1]).To(Equal(stats[0]))

			var decay *coordinator.FieldStats
			for i := range stats[0] {
				if stats[0][i].Key == "decay" {
					decay = &stats[0][i]
				}
			}
			Expect(decay).NotTo(BeNil())
			Expect(*decay).To(Equal(coordinator.FieldStats{Key: "decay", Size: 8, Min: 1, Max: 8, Mean: 4.5}))
		})

		It("logs them at debug level after every step and at the end", func() {
			var buf bytes.Buffer
			c := coordinator.New(relax(nil), options(0, 0.3))
			c.SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
			sum, err := c.Run(ctx)
			Expect(err).NotTo(HaveOccurred())

			last := fmt.Sprintf("cycle=%d field=decay ", sum.FinalCycle)
			Expect(bytes.Count(buf.Bytes(), []byte(last))).To(Equal(2), "once after the last step, once at the end")
			Expect(bytes.Count(buf.Bytes(), []byte("field=decay "))).To(Equal(sum.Steps + 1))
			Expect(sum.Memory.TotalBytes).To(Equal(c.State().Bytes()))
		})

		It("stays quiet above debug level", func() {
			var buf bytes.Buffer
			c := coordinator.New(relax(nil), options(0, 0.3))
			c.SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))
			_, err := c.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(buf.String()).NotTo(ContainSubstring("field statistics"))
			Expect(buf.String()).To(ContainSubstring("msg=memory"))
		})
	})

	Describe("progress", func() {
		It("reports every trial with the loop counters", func() {
			var events []coordinator.Progress
			c := coordinator.New(newStepper(10, 3), options(0, 50))
			c.SetProgress(func(p coordinator.Progress) { events = append(events, p) })
			sum, err := c.Run(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(events).To(HaveLen(sum.Steps + sum.Failures))
			Expect(events[2]).To(Equal(coordinator.Progress{
				Cycle: 2, Time: 20, DT: 10, EndTime: 50, Steps: 2, Failures: 1, Failed: true,
			}))
			last := events[len(events)-1]
			Expect(last.Time).To(Equal(50.0))
			Expect(last.Steps).To(Equal(sum.Steps))
			Expect(last.Failed).To(BeFalse())
		})
	})

	Describe("setup", func() {
		It("rejects an observation of a field nobody provides", func() {
			c := coordinator.New(newStepper(10), options(0, 100))
			obs, err := observation.New("run", []observation.Spec{{Field: "ghost"}}, nil, nil)
			Expect(err).NotTo(HaveOccurred())
			c.AddObservations(obs)
			_, err = c.Run(ctx)
			Expect(errors.Is(err, dynamo.ErrConfiguration)).To(BeTrue())
		})
	})
})
