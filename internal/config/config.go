package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/san-kum/cyclesim/internal/dynamo"
	"github.com/san-kum/cyclesim/internal/observation"
	"github.com/san-kum/cyclesim/internal/timestep"
	"github.com/san-kum/cyclesim/internal/visualization"
)

const (
	DefaultMaxDT        = 1e99
	DefaultMinDT        = 1e-12
	DefaultShrinkFactor = 0.5
	DefaultDataDir      = "cyclesim-data"
	DefaultLogLevel     = "info"
	DefaultDt           = 0.01
	DefaultEndTime      = 10.0
)

// Node types in the process tree.
const (
	NodeExplicit  = "explicit"
	NodeBDF       = "bdf"
	NodeComposite = "composite"
)

// seconds per time unit
var timeUnits = map[string]float64{
	"s":   1,
	"min": 60,
	"h":   3600,
	"d":   86400,
	"y":   365.25 * 86400,
}

type Config struct {
	Name     string `yaml:"name"`
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
	// Workers is the size of the in-process worker group. Each worker owns
	// one partition of the state.
	Workers int `yaml:"workers"`

	Driver              CycleDriver            `yaml:"cycle_driver"`
	PKTree              map[string]*Node       `yaml:"pk_tree"`
	Checkpoint          CheckpointConfig       `yaml:"checkpoint"`
	Visualization       []visualization.Config `yaml:"visualization"`
	FailedVisualization *visualization.Config  `yaml:"failed_visualization,omitempty"`
	Observations        []observation.Spec     `yaml:"observations"`
}

type CycleDriver struct {
	StartTime      float64 `yaml:"start_time"`
	StartTimeUnits string  `yaml:"start_time_units"`
	EndTime        float64 `yaml:"end_time"`
	EndTimeUnits   string  `yaml:"end_time_units"`
	// StartCycle -1 starts counting at 0 after initialization.
	StartCycle int `yaml:"start_cycle"`
	// EndCycle -1 means unbounded.
	EndCycle int     `yaml:"end_cycle"`
	MaxDT    float64 `yaml:"max_dt"`
	MinDT    float64 `yaml:"min_dt"`
	// WallclockHours < 0 means unbounded.
	WallclockHours float64           `yaml:"wallclock_hours"`
	Subcycled      bool              `yaml:"subcycled"`
	Restart        string            `yaml:"restart"`
	RequiredTimes  timestep.Schedule `yaml:"required_times"`
	ShrinkFactor   float64           `yaml:"shrink_factor"`
	SnapFraction   float64           `yaml:"snap_fraction"`
}

type CheckpointConfig struct {
	Base     string            `yaml:"base"`
	Schedule timestep.Schedule `yaml:"schedule"`
}

// Node is one process in the tree. Leaves name a model; composites list
// children in advance order.
type Node struct {
	Name       string             `yaml:"name,omitempty"`
	Type       string             `yaml:"type"`
	Model      string             `yaml:"model,omitempty"`
	Params     map[string]float64 `yaml:"params,omitempty"`
	Integrator string             `yaml:"integrator,omitempty"`
	Field      string             `yaml:"field,omitempty"`
	Initial    []float64          `yaml:"initial,omitempty"`
	DT         float64            `yaml:"dt,omitempty"`
	MaxDT      float64            `yaml:"max_dt,omitempty"`
	Lower      *float64           `yaml:"lower,omitempty"`
	Upper      *float64           `yaml:"upper,omitempty"`

	// explicit
	Tolerance float64 `yaml:"tolerance,omitempty"`

	// bdf
	ATol              float64 `yaml:"atol,omitempty"`
	RTol              float64 `yaml:"rtol,omitempty"`
	AdaptiveTolerance bool    `yaml:"adaptive_tolerance,omitempty"`
	MaxIterations     int     `yaml:"max_iterations,omitempty"`

	Children []*Node `yaml:"children,omitempty"`
}

// Env holds the environment overrides.
type Env struct {
	DataDir        string  `env:"CYCLESIM_DATA_DIR"`
	WallclockHours float64 `env:"CYCLESIM_WALLCLOCK_HOURS"`
	LogLevel       string  `env:"CYCLESIM_LOG_LEVEL"`
	Restart        string  `env:"CYCLESIM_RESTART"`
}

func DefaultConfig() *Config {
	return &Config{
		Name:     "cyclesim",
		DataDir:  DefaultDataDir,
		LogLevel: DefaultLogLevel,
		Workers:  1,
		Driver:   DefaultDriver(),
		PKTree: map[string]*Node{
			"pendulum": {Type: NodeExplicit, Model: "pendulum", Integrator: "rk4", DT: DefaultDt},
		},
		Checkpoint: CheckpointConfig{Base: "checkpoint"},
	}
}

func DefaultDriver() CycleDriver {
	return CycleDriver{
		StartTimeUnits: "s",
		EndTime:        DefaultEndTime,
		EndTimeUnits:   "s",
		StartCycle:     -1,
		EndCycle:       -1,
		MaxDT:          DefaultMaxDT,
		MinDT:          DefaultMinDT,
		WallclockHours: -1,
		ShrinkFactor:   DefaultShrinkFactor,
		SnapFraction:   timestep.DefaultSnapFraction,
	}
}

// Load reads a YAML file over the defaults, applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	tree := cfg.PKTree
	cfg.PKTree = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.PKTree == nil {
		cfg.PKTree = tree
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ApplyEnv overrides file values with any CYCLESIM_* variables that are set.
func (c *Config) ApplyEnv() error {
	var e Env
	if err := env.Parse(&e); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if e.DataDir != "" {
		c.DataDir = e.DataDir
	}
	if e.LogLevel != "" {
		c.LogLevel = e.LogLevel
	}
	if e.WallclockHours != 0 {
		c.Driver.WallclockHours = e.WallclockHours
	}
	if e.Restart != "" {
		c.Driver.Restart = e.Restart
	}
	return nil
}

// ConvertTime converts v in the given units to seconds.
func ConvertTime(v float64, units string) (float64, error) {
	if units == "" {
		units = "s"
	}
	f, ok := timeUnits[units]
	if !ok {
		return 0, dynamo.Configf("unknown time units %q, valid are %s", units, strings.Join(TimeUnits(), ", "))
	}
	return v * f, nil
}

func TimeUnits() []string {
	out := make([]string, 0, len(timeUnits))
	for u := range timeUnits {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return timeUnits[out[i]] < timeUnits[out[j]] })
	return out
}

// Start is the start time in seconds.
func (d CycleDriver) Start() (float64, error) {
	return ConvertTime(d.StartTime, d.StartTimeUnits)
}

// End is the end time in seconds. A negative end time means unbounded.
func (d CycleDriver) End() (float64, error) {
	if d.EndTime < 0 {
		return -1, nil
	}
	return ConvertTime(d.EndTime, d.EndTimeUnits)
}

// Root returns the single root node of the process tree, named after its key.
func (c *Config) Root() (*Node, error) {
	if len(c.PKTree) != 1 {
		return nil, dynamo.Configf("pk_tree should contain exactly one root node, found %d", len(c.PKTree))
	}
	for name, n := range c.PKTree {
		if n == nil {
			return nil, dynamo.Configf("pk_tree root %q is empty", name)
		}
		if n.Name == "" {
			n.Name = name
		}
		return n, nil
	}
	return nil, nil
}

func (c *Config) Validate() error {
	d := c.Driver
	t0, err := d.Start()
	if err != nil {
		return fmt.Errorf("cycle_driver start time: %w", err)
	}
	t1, err := d.End()
	if err != nil {
		return fmt.Errorf("cycle_driver end time: %w", err)
	}
	if t1 >= 0 && t1 < t0 {
		return dynamo.Configf("end time %g precedes start time %g", t1, t0)
	}
	if t1 < 0 && d.EndCycle < 0 && d.WallclockHours < 0 {
		return dynamo.Configf("cycle_driver needs an end time, an end cycle or a wallclock budget")
	}
	if d.MinDT <= 0 || d.MaxDT < d.MinDT {
		return dynamo.Configf("invalid step bounds min_dt=%g max_dt=%g", d.MinDT, d.MaxDT)
	}
	if d.ShrinkFactor <= 0 || d.ShrinkFactor >= 1 {
		return dynamo.Configf("shrink_factor must be in (0, 1), got %g", d.ShrinkFactor)
	}
	if d.SnapFraction < 0 {
		return dynamo.Configf("snap_fraction must not be negative, got %g", d.SnapFraction)
	}
	if err := d.RequiredTimes.Validate(); err != nil {
		return fmt.Errorf("required_times: %w", err)
	}
	if c.Workers < 1 {
		return dynamo.Configf("workers must be at least 1, got %d", c.Workers)
	}

	root, err := c.Root()
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	if err := root.validate(seen); err != nil {
		return err
	}

	if err := c.Checkpoint.Schedule.Validate(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	for _, v := range c.Visualization {
		if err := v.Schedule.Validate(); err != nil {
			return fmt.Errorf("visualization %s: %w", v.Name, err)
		}
	}
	for _, o := range c.Observations {
		if o.Field == "" {
			return dynamo.Configf("observation %q has no field", o.Name)
		}
		if err := o.Schedule.Validate(); err != nil {
			return fmt.Errorf("observation %s: %w", o.Name, err)
		}
	}
	return nil
}

func (n *Node) validate(seen map[string]bool) error {
	if n.Name == "" {
		return dynamo.Configf("pk_tree node without a name")
	}
	if seen[n.Name] {
		return dynamo.Configf("duplicate pk_tree node %q", n.Name)
	}
	seen[n.Name] = true

	switch n.Type {
	case NodeComposite:
		if len(n.Children) == 0 {
			return dynamo.Configf("composite %q has no children", n.Name)
		}
		for _, ch := range n.Children {
			if ch == nil {
				return dynamo.Configf("composite %q has an empty child", n.Name)
			}
			if err := ch.validate(seen); err != nil {
				return err
			}
		}
		return nil
	case NodeExplicit, NodeBDF:
	default:
		return dynamo.Configf("node %q: unknown type %q", n.Name, n.Type)
	}

	if len(n.Children) > 0 {
		return dynamo.Configf("leaf %q cannot have children", n.Name)
	}
	if n.Model == "" {
		return dynamo.Configf("leaf %q has no model", n.Name)
	}
	if n.DT <= 0 {
		return dynamo.Configf("leaf %q: dt must be positive, got %g", n.Name, n.DT)
	}
	if n.Lower != nil && n.Upper != nil && *n.Lower > *n.Upper {
		return dynamo.Configf("leaf %q: lower bound %g above upper bound %g", n.Name, *n.Lower, *n.Upper)
	}
	if n.Type == NodeExplicit && n.Integrator == "" {
		n.Integrator = "rk4"
	}
	return nil
}

// Leaves lists the leaf nodes under n in advance order.
func (n *Node) Leaves() []*Node {
	if n.Type != NodeComposite {
		return []*Node{n}
	}
	var out []*Node
	for _, ch := range n.Children {
		out = append(out, ch.Leaves()...)
	}
	return out
}
