package physics

import (
	"errors"
	"math"
	"testing"

	"github.com/san-kum/cyclesim/internal/dynamo"
)

func TestNew(t *testing.T) {
	for _, name := range Names() {
		m, err := New(name, nil)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		x := m.DefaultState()
		if len(x) != m.StateDim() {
			t.Errorf("%s: default state has %d entries, want %d", name, len(x), m.StateDim())
		}
		if dx := m.Derive(x, 0); len(dx) != len(x) || !dx.IsValid() {
			t.Errorf("%s: bad derivative %v", name, dx)
		}
	}

	if _, err := New("lorenz", nil); !errors.Is(err, dynamo.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := New("pendulum", map[string]float64{"spin": 1}); !errors.Is(err, dynamo.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}

func TestNew_StructuralParamsFirst(t *testing.T) {
	m, err := New("spring_mass", map[string]float64{"damping": 0.7, "masses": 3})
	if err != nil {
		t.Fatal(err)
	}
	sm := m.(*SpringMass)
	if sm.NumMasses != 3 || sm.StateDim() != 6 {
		t.Fatalf("expected a 3-mass chain, got %d", sm.NumMasses)
	}
	for i, d := range sm.Damping {
		if d != 0.7 {
			t.Errorf("damping[%d] = %g, want 0.7", i, d)
		}
	}
}

func TestDecay_Exact(t *testing.T) {
	d := NewDecay()
	_ = d.SetParam("rate", 2)
	_ = d.SetParam("equilibrium", 1)
	x := d.Exact(dynamo.Vector{3}, 0, 0.5)
	want := 1 + 2*math.Exp(-1)
	if math.Abs(x[0]-want) > 1e-12 {
		t.Errorf("got %g, want %g", x[0], want)
	}
	if dx := d.Derive(dynamo.Vector{1}, 0); dx[0] != 0 {
		t.Errorf("equilibrium should be stationary, got %g", dx[0])
	}
}

func TestPendulum_Energy(t *testing.T) {
	p := NewPendulum()
	if e := p.Energy(dynamo.Vector{0, 0}); e != 0 {
		t.Errorf("rest energy %g, want 0", e)
	}
	if e := p.Energy(dynamo.Vector{0, 2}); math.Abs(e-2) > 1e-12 {
		t.Errorf("kinetic energy %g, want 2", e)
	}
}
