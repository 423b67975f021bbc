package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/san-kum/cyclesim/internal/dynamo"
	"github.com/san-kum/cyclesim/internal/state"
)

// Memory keeps snapshots in process. It backs tests and dry runs.
type Memory struct {
	mu    sync.Mutex
	snaps map[string]state.Snapshot
}

func NewMemory() *Memory {
	return &Memory{snaps: make(map[string]state.Snapshot)}
}

func (m *Memory) Save(ctx context.Context, name string, snap state.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[name] = snap
	return nil
}

func (m *Memory) ReadTime(ctx context.Context, name string) (float64, int, error) {
	snap, err := m.Read(ctx, name)
	if err != nil {
		return 0, 0, err
	}
	return snap.Time, snap.Cycle, nil
}

func (m *Memory) Read(ctx context.Context, name string) (state.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return state.Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[name]
	if !ok {
		return state.Snapshot{}, fmt.Errorf("%w: checkpoint %q", dynamo.ErrNotFound, name)
	}
	return snap, nil
}

func (m *Memory) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.snaps))
	for n := range m.snaps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
