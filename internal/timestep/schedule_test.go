package timestep

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestSchedule_DumpRequested(t *testing.T) {
	s := Schedule{
		Cycles:    &CyclePattern{Start: 2, Period: 3, Stop: 8},
		CycleList: []int{100},
		Times:     &TimePattern{Start: 10, Period: 25, Stop: -1},
		TimeList:  []float64{3.5},
	}

	tests := []struct {
		cycle int
		time  float64
		want  bool
	}{
		{0, 0.1, false},
		{2, 0.1, true},
		{5, 0.1, true},
		{6, 0.1, false},
		{11, 0.1, false},
		{100, 0.1, true},
		{1, 10, true},
		{1, 35, true},
		{1, 35 + 1e-12, true},
		{1, 36, false},
		{1, 3.5, true},
	}

	for _, tt := range tests {
		if got := s.DumpRequested(tt.cycle, tt.time); got != tt.want {
			t.Errorf("DumpRequested(%d, %g) = %v, want %v", tt.cycle, tt.time, got, tt.want)
		}
	}
}

func TestSchedule_Empty(t *testing.T) {
	var s Schedule
	if s.Enabled() {
		t.Error("zero schedule should be disabled")
	}
	if s.DumpRequested(0, 0) {
		t.Error("zero schedule should never fire")
	}
}

func TestSchedule_Register(t *testing.T) {
	m := NewManager()
	s := EveryTime(0, 30)
	s.TimeList = []float64{45}
	if err := s.Register(m); err != nil {
		t.Fatal(err)
	}
	if dt := m.TimeStep(0, 100, false); dt != 30 {
		t.Errorf("expected dt=30, got %g", dt)
	}
	if dt := m.TimeStep(30, 100, false); dt != 15 {
		t.Errorf("expected dt=15, got %g", dt)
	}

	bad := Schedule{Cycles: &CyclePattern{Period: 0}}
	if err := bad.Register(m); err == nil {
		t.Error("expected zero cycle period to be rejected")
	}
}

func TestEvery(t *testing.T) {
	s := Every(5)
	if !s.DumpRequested(0, 0) || !s.DumpRequested(10, 0) || s.DumpRequested(7, 0) {
		t.Error("Every(5) should fire on multiples of 5")
	}
}

func TestSchedule_YAMLDefaultsStop(t *testing.T) {
	var s Schedule
	src := "cycles: {start: 0, period: 5}\ntimes: {start: 0, period: 2.5}\ntime_list: [1]\n"
	if err := yaml.Unmarshal([]byte(src), &s); err != nil {
		t.Fatal(err)
	}
	if s.Cycles.Stop != -1 || s.Times.Stop != -1 {
		t.Errorf("expected omitted stops to mean forever, got %d and %g", s.Cycles.Stop, s.Times.Stop)
	}
	if !s.DumpRequested(500, 0.3) || !s.DumpRequested(1, 1000) {
		t.Error("schedule should keep firing far into the run")
	}
}
