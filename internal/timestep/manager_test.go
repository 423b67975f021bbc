package timestep

import (
	"math"
	"math/rand"
	"testing"
)

func TestTimeStep_SnapsToEarliestEvent(t *testing.T) {
	m := NewManager()
	m.RegisterTime(60, 25)

	if dt := m.TimeStep(20, 40, false); dt != 5 {
		t.Fatalf("expected dt=5 landing on t=25, got %g", dt)
	}
	if dt := m.TimeStep(25, 40, false); dt != 35 {
		t.Fatalf("expected dt=35 landing on t=60, got %g", dt)
	}
	if dt := m.TimeStep(60, 40, false); dt != 40 {
		t.Fatalf("expected uncapped dt past the last event, got %g", dt)
	}
}

func TestTimeStep_Snapping(t *testing.T) {
	tests := []struct {
		name      string
		t, dt     float64
		afterFail bool
		want      float64
	}{
		{"exact landing", 0, 10, false, 10},
		{"well short", 0, 4, false, 4},
		{"negligible trailing step snaps", 0, 9.9999, false, 10},
		{"after fail never stretches", 0, 9.9999, true, 9.9999},
		{"after fail still caps", 0, 15, true, 10},
		{"no further stepping", 0, -1, false, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager()
			m.RegisterTime(10)
			if got := m.TimeStep(tt.t, tt.dt, tt.afterFail); got != tt.want {
				t.Errorf("TimeStep(%g, %g, %v) = %g, want %g", tt.t, tt.dt, tt.afterFail, got, tt.want)
			}
		})
	}
}

func TestRegisterTime_Dedup(t *testing.T) {
	m := NewManager()
	m.RegisterTime(5, 1, 5, 3, 5+1e-13, 1)
	got := m.Pending()
	want := []float64{1, 3, 5}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pending[%d] = %g, want %g", i, got[i], want[i])
		}
	}
}

func TestNextEvent_ConsumesPassedEvents(t *testing.T) {
	m := NewManager()
	m.RegisterTime(1, 2, 3)
	next, ok := m.NextEvent(2)
	if !ok || next != 3 {
		t.Fatalf("expected next event 3, got %g (%v)", next, ok)
	}
	if len(m.Pending()) != 1 {
		t.Errorf("expected passed events to be consumed, pending %v", m.Pending())
	}
	if _, ok := m.NextEvent(3); ok {
		t.Error("expected no events after the last one")
	}
}

func TestRegisterPeriodic(t *testing.T) {
	m := NewManager()
	if err := m.RegisterPeriodic(0, 0, -1); err == nil {
		t.Fatal("expected error for zero period")
	}
	if err := m.RegisterPeriodic(10, 15, 40); err != nil {
		t.Fatal(err)
	}

	expect := []struct{ t, next float64 }{
		{0, 10}, {10, 25}, {12, 25}, {25, 40},
	}
	for _, e := range expect {
		next, ok := m.NextEvent(e.t)
		if !ok || next != e.next {
			t.Errorf("NextEvent(%g) = %g (%v), want %g", e.t, next, ok, e.next)
		}
	}
	if _, ok := m.NextEvent(40); ok {
		t.Error("expected periodic events to stop at 40")
	}
}

func TestPeriodic_RoundoffDoesNotRepeatEvent(t *testing.T) {
	m := NewManager()
	if err := m.RegisterPeriodic(0, 0.1, -1); err != nil {
		t.Fatal(err)
	}
	tt := 0.0
	for i := 0; i < 10; i++ {
		tt += m.TimeStep(tt, 1, false)
	}
	if math.Abs(tt-1.0) > 1e-12 {
		t.Errorf("expected ten steps of 0.1 to reach 1.0, got %.17g", tt)
	}
}

func TestTimeStep_NeverOvershoots(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		m := NewManager()
		var events []float64
		for i := 0; i < 5; i++ {
			e := rng.Float64() * 100
			events = append(events, e)
			m.RegisterTime(e)
		}
		tt := rng.Float64() * 50
		dt := rng.Float64() * 80
		earliest := math.Inf(1)
		for _, e := range events {
			if e > tt+Tolerance(tt) && e < earliest {
				earliest = e
			}
		}

		got := m.TimeStep(tt, dt, rng.Intn(2) == 0)
		if got <= 0 {
			t.Fatalf("non-positive dt %g for positive proposal %g", got, dt)
		}
		if tt+got > earliest+Tolerance(earliest) {
			t.Fatalf("t=%g dt=%g overshoots event %g", tt, got, earliest)
		}
	}
}

func TestReached(t *testing.T) {
	if !Reached(100, 100) || !Reached(100-1e-12, 100) {
		t.Error("expected target within tolerance to count as reached")
	}
	if Reached(99.9, 100) {
		t.Error("99.9 has not reached 100")
	}
}
