package timestep

import (
	"math"
	"sort"

	"github.com/san-kum/cyclesim/internal/dynamo"
)

const (
	// DefaultSnapFraction is the window, as a fraction of the proposed step,
	// within which a step is stretched to land exactly on an event.
	DefaultSnapFraction = 1e-3

	relTol = 1e-10
)

// Tolerance is the absolute time tolerance used around t.
func Tolerance(t float64) float64 {
	return relTol * math.Max(math.Abs(t), 1)
}

// Reached reports whether t is at or past target within tolerance.
func Reached(t, target float64) bool {
	return t >= target-Tolerance(target)
}

func same(a, b float64) bool {
	return math.Abs(a-b) <= relTol*math.Max(math.Max(math.Abs(a), math.Abs(b)), 1)
}

type pattern struct {
	start  float64
	period float64
	stop   float64
}

// next returns the first occurrence strictly after t, if any.
func (p pattern) next(t float64) (float64, bool) {
	var cand float64
	if t < p.start-Tolerance(p.start) {
		cand = p.start
	} else {
		k := math.Floor((t-p.start)/p.period) + 1
		cand = p.start + k*p.period
		if cand <= t+Tolerance(t) {
			cand += p.period
		}
	}
	if p.stop >= 0 && cand > p.stop+Tolerance(p.stop) {
		return 0, false
	}
	return cand, true
}

// Manager tracks the instants the simulation must hit exactly and caps
// proposed steps so none is overshot.
type Manager struct {
	times        []float64
	patterns     []pattern
	snapFraction float64
}

func NewManager() *Manager {
	return &Manager{snapFraction: DefaultSnapFraction}
}

func (m *Manager) SetSnapFraction(f float64) {
	if f >= 0 {
		m.snapFraction = f
	}
}

// RegisterTime adds explicit event instants. Duplicates within tolerance are
// dropped.
func (m *Manager) RegisterTime(ts ...float64) {
	for _, t := range ts {
		m.insert(t)
	}
}

// RegisterPeriodic adds start, start+period, ... up to stop (stop < 0 means
// forever). Occurrences are expanded lazily as time approaches them.
func (m *Manager) RegisterPeriodic(start, period, stop float64) error {
	if period <= 0 {
		return dynamo.Configf("periodic event period must be positive, got %g", period)
	}
	m.patterns = append(m.patterns, pattern{start: start, period: period, stop: stop})
	return nil
}

func (m *Manager) insert(t float64) {
	i := sort.SearchFloat64s(m.times, t)
	if i < len(m.times) && same(m.times[i], t) {
		return
	}
	if i > 0 && same(m.times[i-1], t) {
		return
	}
	m.times = append(m.times, 0)
	copy(m.times[i+1:], m.times[i:])
	m.times[i] = t
}

// NextEvent returns the earliest event strictly after t. Events at or before
// t are consumed.
func (m *Manager) NextEvent(t float64) (float64, bool) {
	for _, p := range m.patterns {
		if next, ok := p.next(t); ok {
			m.insert(next)
		}
	}
	drop := 0
	for drop < len(m.times) && m.times[drop] <= t+Tolerance(t) {
		drop++
	}
	m.times = m.times[drop:]
	if len(m.times) == 0 {
		return 0, false
	}
	return m.times[0], true
}

// Pending lists the materialized future events.
func (m *Manager) Pending() []float64 {
	out := make([]float64, len(m.times))
	copy(out, m.times)
	return out
}

// TimeStep adjusts dt so that t+dt never passes the next event. A step
// landing just short of an event is stretched onto it, unless the previous
// attempt failed, in which case dt is only ever reduced. Non-positive dt is
// returned unchanged: it means no further stepping is required.
func (m *Manager) TimeStep(t, dt float64, afterFail bool) float64 {
	if dt <= 0 {
		return dt
	}
	next, ok := m.NextEvent(t)
	if !ok {
		return dt
	}
	remaining := next - t
	if dt >= remaining {
		return remaining
	}
	if !afterFail && remaining-dt <= m.snapFraction*dt {
		return remaining
	}
	return dt
}
