package timestep

import (
	"math"

	"gopkg.in/yaml.v3"

	"github.com/san-kum/cyclesim/internal/dynamo"
)

// CyclePattern fires at start, start+period, ... up to stop (stop < 0 means
// forever).
type CyclePattern struct {
	Start  int `yaml:"start"`
	Period int `yaml:"period"`
	Stop   int `yaml:"stop"`
}

type TimePattern struct {
	Start  float64 `yaml:"start"`
	Period float64 `yaml:"period"`
	Stop   float64 `yaml:"stop"`
}

// UnmarshalYAML defaults an omitted stop to "forever".
func (p *CyclePattern) UnmarshalYAML(n *yaml.Node) error {
	type raw CyclePattern
	r := raw{Stop: -1}
	if err := n.Decode(&r); err != nil {
		return err
	}
	*p = CyclePattern(r)
	return nil
}

func (p *TimePattern) UnmarshalYAML(n *yaml.Node) error {
	type raw TimePattern
	r := raw{Stop: -1}
	if err := n.Decode(&r); err != nil {
		return err
	}
	*p = TimePattern(r)
	return nil
}

// Schedule decides when an output target (checkpoint, visualization,
// observation) fires. Time-based entries are registered with the Manager so
// that the simulation lands on them exactly.
type Schedule struct {
	Cycles    *CyclePattern `yaml:"cycles"`
	CycleList []int         `yaml:"cycle_list"`
	Times     *TimePattern  `yaml:"times"`
	TimeList  []float64     `yaml:"time_list"`
}

// Every returns a schedule firing every n cycles from cycle 0.
func Every(n int) Schedule {
	return Schedule{Cycles: &CyclePattern{Start: 0, Period: n, Stop: -1}}
}

// EveryTime returns a schedule firing every period time units from start.
func EveryTime(start, period float64) Schedule {
	return Schedule{Times: &TimePattern{Start: start, Period: period, Stop: -1}}
}

func (s Schedule) Enabled() bool {
	return s.Cycles != nil || s.Times != nil || len(s.CycleList) > 0 || len(s.TimeList) > 0
}

func (s Schedule) Validate() error {
	if s.Cycles != nil && s.Cycles.Period <= 0 {
		return dynamo.Configf("cycle period must be positive, got %d", s.Cycles.Period)
	}
	if s.Times != nil && s.Times.Period <= 0 {
		return dynamo.Configf("time period must be positive, got %g", s.Times.Period)
	}
	return nil
}

func (s Schedule) DumpRequested(cycle int, t float64) bool {
	if c := s.Cycles; c != nil && c.Period > 0 && cycle >= c.Start && (c.Stop < 0 || cycle <= c.Stop) {
		if (cycle-c.Start)%c.Period == 0 {
			return true
		}
	}
	for _, c := range s.CycleList {
		if c == cycle {
			return true
		}
	}
	if p := s.Times; p != nil && p.Period > 0 && Reached(t, p.Start) && (p.Stop < 0 || t <= p.Stop+Tolerance(p.Stop)) {
		k := math.Round((t - p.Start) / p.Period)
		if same(p.Start+k*p.Period, t) {
			return true
		}
	}
	for _, tt := range s.TimeList {
		if same(tt, t) {
			return true
		}
	}
	return false
}

// Register hands the time-based part of the schedule to m.
func (s Schedule) Register(m *Manager) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if p := s.Times; p != nil {
		if err := m.RegisterPeriodic(p.Start, p.Period, p.Stop); err != nil {
			return err
		}
	}
	m.RegisterTime(s.TimeList...)
	return nil
}
