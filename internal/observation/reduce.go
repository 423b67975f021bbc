package observation

import (
	"math"
	"sort"

	"github.com/san-kum/cyclesim/internal/comm"
	"github.com/san-kum/cyclesim/internal/dynamo"
)

// Reducer collapses the local partition of a field into one global value.
// Every worker calls it with its own partition.
type Reducer func(c comm.Comm, v dynamo.Vector) float64

var reducers = map[string]Reducer{
	"sum": func(c comm.Comm, v dynamo.Vector) float64 {
		return c.SumAll(sum(v))
	},
	"mean": func(c comm.Comm, v dynamo.Vector) float64 {
		n := c.SumAll(float64(len(v)))
		if n == 0 {
			return 0
		}
		return c.SumAll(sum(v)) / n
	},
	"min": func(c comm.Comm, v dynamo.Vector) float64 {
		m := math.Inf(1)
		for _, x := range v {
			m = math.Min(m, x)
		}
		return c.MinAll(m)
	},
	"max": func(c comm.Comm, v dynamo.Vector) float64 {
		m := math.Inf(-1)
		for _, x := range v {
			m = math.Max(m, x)
		}
		return c.MaxAll(m)
	},
	"norm": func(c comm.Comm, v dynamo.Vector) float64 {
		sq := 0.0
		for _, x := range v {
			sq += x * x
		}
		return math.Sqrt(c.SumAll(sq))
	},
	// first is the leading entry of rank 0, typically a scalar diagnostic.
	"first": func(c comm.Comm, v dynamo.Vector) float64 {
		x := 0.0
		if c.Rank() == 0 && len(v) > 0 {
			x = v[0]
		}
		return c.SumAll(x)
	},
}

func sum(v dynamo.Vector) float64 {
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s
}

func Reducers() []string {
	names := make([]string, 0, len(reducers))
	for n := range reducers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// drift tracks the largest relative departure of a series from its first
// value.
type drift struct {
	initial  float64
	maxDrift float64
	samples  int
}

func (d *drift) Observe(v float64) float64 {
	if d.samples == 0 {
		d.initial = v
	}
	d.samples++
	if d.initial != 0 {
		d.maxDrift = math.Max(d.maxDrift, math.Abs(v-d.initial)/math.Abs(d.initial))
	}
	return d.maxDrift
}

func (d *drift) Reset() {
	d.initial = 0
	d.maxDrift = 0
	d.samples = 0
}
