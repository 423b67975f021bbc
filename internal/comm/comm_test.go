package comm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestSerial(t *testing.T) {
	var c Comm = Serial{}
	if c.Rank() != 0 || c.Size() != 1 {
		t.Fatal("serial comm should be rank 0 of 1")
	}
	if c.MaxAll(3) != 3 || c.MinAll(3) != 3 || c.SumAll(3) != 3 || !c.AnyAll(true) {
		t.Error("serial reductions should be the identity")
	}
}

func TestGroup_Reductions(t *testing.T) {
	g := NewGroup(4)
	var failures atomic.Int32
	err := g.Run(context.Background(), func(_ context.Context, c Comm) error {
		r := float64(c.Rank())
		for i := 0; i < 50; i++ {
			if c.MaxAll(r) != 3 || c.MinAll(r) != 0 || c.SumAll(r) != 6 {
				failures.Add(1)
			}
			if c.AnyAll(c.Rank() == 2) != true || c.AnyAll(false) {
				failures.Add(1)
			}
			c.Barrier()
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n := failures.Load(); n != 0 {
		t.Errorf("%d reductions disagreed", n)
	}
}

func TestGroup_ErrorReleasesPeers(t *testing.T) {
	boom := errors.New("boom")
	g := NewGroup(3)
	err := g.Run(context.Background(), func(_ context.Context, c Comm) error {
		if c.Rank() == 1 {
			return boom
		}
		c.Barrier()
		c.Barrier()
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the worker error, got %v", err)
	}
}

func TestNewGroup_ClampsSize(t *testing.T) {
	if NewGroup(0).Size() != 1 {
		t.Error("expected at least one worker")
	}
}

func TestPartition(t *testing.T) {
	tests := []struct {
		n, size int
		want    [][2]int
	}{
		{8, 1, [][2]int{{0, 8}}},
		{8, 3, [][2]int{{0, 3}, {3, 6}, {6, 8}}},
		{2, 3, [][2]int{{0, 1}, {1, 2}, {2, 2}}},
		{0, 2, [][2]int{{0, 0}, {0, 0}}},
	}
	for _, tt := range tests {
		err := NewGroup(tt.size).Run(context.Background(), func(_ context.Context, c Comm) error {
			lo, hi := Partition(tt.n, c)
			if want := tt.want[c.Rank()]; lo != want[0] || hi != want[1] {
				t.Errorf("Partition(%d) rank %d/%d = [%d,%d), want [%d,%d)", tt.n, c.Rank(), tt.size, lo, hi, want[0], want[1])
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}
