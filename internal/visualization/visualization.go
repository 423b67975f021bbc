// Package visualization dumps field values to CSV files on a schedule.
package visualization

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/san-kum/cyclesim/internal/comm"
	"github.com/san-kum/cyclesim/internal/dynamo"
	"github.com/san-kum/cyclesim/internal/state"
	"github.com/san-kum/cyclesim/internal/timestep"
)

// Config describes one visualization target.
type Config struct {
	Name     string            `yaml:"name"`
	Fields   []string          `yaml:"fields"`
	Schedule timestep.Schedule `yaml:"schedule"`
}

// Visualizer writes one CSV file per dump. With several workers every rank
// writes its own partition file.
type Visualizer struct {
	cfg   Config
	dir   string
	comm  comm.Comm
	dumps []string
	log   *slog.Logger

	// failed-step attempts within attemptCycle
	attemptCycle int
	attempts     int
}

func New(dir string, cfg Config, c comm.Comm) (*Visualizer, error) {
	if cfg.Name == "" {
		cfg.Name = "visdump"
	}
	if err := cfg.Schedule.Validate(); err != nil {
		return nil, fmt.Errorf("visualization %s: %w", cfg.Name, err)
	}
	if c == nil {
		c = comm.Serial{}
	}
	return &Visualizer{
		cfg:          cfg,
		dir:          dir,
		comm:         c,
		log:          slog.Default().With("component", "visualization", "name", cfg.Name),
		attemptCycle: -1,
	}, nil
}

func (v *Visualizer) SetLogger(l *slog.Logger) {
	if l != nil {
		v.log = l.With("component", "visualization", "name", v.cfg.Name)
	}
}

func (v *Visualizer) Name() string                { return v.cfg.Name }
func (v *Visualizer) Schedule() timestep.Schedule { return v.cfg.Schedule }
func (v *Visualizer) Dumps() []string             { return v.dumps }

func (v *Visualizer) DumpRequested(cycle int, t float64) bool {
	return v.cfg.Schedule.DumpRequested(cycle, t)
}

func (v *Visualizer) path(cycle int, suffix string) string {
	name := fmt.Sprintf("%s%05d%s", v.cfg.Name, cycle, suffix)
	if v.comm.Size() > 1 {
		name = fmt.Sprintf("%s.rank%d", name, v.comm.Rank())
	}
	return filepath.Join(v.dir, name+".csv")
}

// Write dumps the configured fields at tag. Every worker must call it.
func (v *Visualizer) Write(s *state.State, tag dynamo.Tag) (string, error) {
	return v.writeAs(s, tag, "")
}

// WriteFailed dumps a rejected trial. Attempts within one cycle are numbered
// from 1 so repeated failures never overwrite each other.
func (v *Visualizer) WriteFailed(s *state.State, tag dynamo.Tag) (string, error) {
	if s.Cycle() != v.attemptCycle {
		v.attemptCycle, v.attempts = s.Cycle(), 0
	}
	v.attempts++
	return v.writeAs(s, tag, fmt.Sprintf("_attempt%d", v.attempts))
}

// WriteError dumps the state a run died with, next to the scheduled dump of
// the same cycle.
func (v *Visualizer) WriteError(s *state.State, tag dynamo.Tag) (string, error) {
	return v.writeAs(s, tag, "_error")
}

func (v *Visualizer) writeAs(s *state.State, tag dynamo.Tag, suffix string) (string, error) {
	path := v.path(s.Cycle(), suffix)
	err := v.write(s, tag, path)
	failed := v.comm.AnyAll(err != nil)
	v.comm.Barrier()
	if err != nil {
		return "", fmt.Errorf("visualization %s: %w", v.cfg.Name, err)
	}
	if failed {
		return "", fmt.Errorf("visualization %s: %w", v.cfg.Name, dynamo.ErrFatal)
	}
	v.dumps = append(v.dumps, path)
	v.log.Debug("dump written", "path", path, "cycle", s.Cycle())
	return path, nil
}

func (v *Visualizer) keys(s *state.State, tag dynamo.Tag) []string {
	if len(v.cfg.Fields) > 0 {
		return v.cfg.Fields
	}
	var keys []string
	for _, kt := range s.Keys() {
		if kt.Tag == tag {
			keys = append(keys, kt.Key)
		}
	}
	return keys
}

func (v *Visualizer) write(s *state.State, tag dynamo.Tag, path string) error {
	if err := os.MkdirAll(v.dir, 0755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write([]string{"cycle", "time", "field", "component", "index", "value"}); err != nil {
		return err
	}
	cycle := strconv.Itoa(s.Cycle())
	t := strconv.FormatFloat(s.Time(tag), 'g', -1, 64)
	for _, key := range v.keys(s, tag) {
		f, err := s.Get(key, tag)
		if err != nil {
			return err
		}
		for _, comp := range f.Components() {
			for i, val := range f.Component(comp) {
				row := []string{cycle, t, key, comp, strconv.Itoa(i), strconv.FormatFloat(val, 'g', -1, 64)}
				if err := w.Write(row); err != nil {
					return err
				}
			}
		}
	}
	w.Flush()
	return w.Error()
}

// Sample is one value read back from a dump.
type Sample struct {
	Cycle     int
	Time      float64
	Field     string
	Component string
	Index     int
	Value     float64
}

// Load reads a dump written by Write.
func Load(path string) ([]Sample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = 6
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return []Sample{}, nil
	}

	out := make([]Sample, 0, len(records)-1)
	for i, rec := range records[1:] {
		line := i + 2
		cycle, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		t, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		idx, err := strconv.Atoi(rec[4])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		val, err := strconv.ParseFloat(rec[5], 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		out = append(out, Sample{Cycle: cycle, Time: t, Field: rec[2], Component: rec[3], Index: idx, Value: val})
	}
	return out, nil
}
