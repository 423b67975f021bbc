package coordinator

import (
	"context"
	"log/slog"
	"math"
	"runtime"

	"github.com/san-kum/cyclesim/internal/comm"
	"github.com/san-kum/cyclesim/internal/dynamo"
	"github.com/san-kum/cyclesim/internal/state"
)

// FieldStats summarizes one field over every worker's partition.
type FieldStats struct {
	Key  string
	Size int
	Min  float64
	Max  float64
	Mean float64
}

// Statistics reduces every field at tag. It is collective.
func Statistics(s *state.State, tag dynamo.Tag, c comm.Comm) ([]FieldStats, error) {
	var out []FieldStats
	for _, kt := range s.Keys() {
		if kt.Tag != tag {
			continue
		}
		f, err := s.Get(kt.Key, tag)
		if err != nil {
			return nil, err
		}
		lo, hi, sum := math.Inf(1), math.Inf(-1), 0.0
		vals := f.Flatten()
		for _, v := range vals {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
			sum += v
		}
		n := c.SumAll(float64(len(vals)))
		st := FieldStats{Key: kt.Key, Size: int(n), Min: c.MinAll(lo), Max: c.MaxAll(hi)}
		total := c.SumAll(sum)
		if n > 0 {
			st.Mean = total / n
		} else {
			st.Min, st.Max = 0, 0
		}
		out = append(out, st)
	}
	return out, nil
}

// writeStateStatistics logs field statistics at debug level. Workers agree on
// the level first since the reductions are collective.
func (c *Coordinator) writeStateStatistics(ctx context.Context) error {
	if !c.comm.AnyAll(c.log.Enabled(ctx, slog.LevelDebug)) {
		return nil
	}
	stats, err := Statistics(c.s, dynamo.TagCurrent, c.comm)
	if err != nil {
		return err
	}
	if c.comm.Rank() != 0 {
		return nil
	}
	for _, st := range stats {
		c.log.Debug("field statistics", "cycle", c.s.Cycle(), "field", st.Key,
			"size", st.Size, "min", st.Min, "max", st.Max, "mean", st.Mean)
	}
	return nil
}

func (c *Coordinator) reportMemory() Memory {
	b := float64(c.s.Bytes())
	m := Memory{
		MinBytes:   int(c.comm.MinAll(b)),
		MaxBytes:   int(c.comm.MaxAll(b)),
		TotalBytes: int(c.comm.SumAll(b)),
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.HeapBytes = ms.HeapAlloc
	if c.comm.Rank() == 0 {
		c.log.Info("memory", "field_bytes_min", m.MinBytes, "field_bytes_max", m.MaxBytes,
			"field_bytes_total", m.TotalBytes, "heap_bytes", m.HeapBytes)
	}
	return m
}
