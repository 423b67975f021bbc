package observation

import (
	"context"
	"sync"
)

// Memory is an in-process sink.
type Memory struct {
	mu   sync.Mutex
	rows []Row
}

func (m *Memory) Write(ctx context.Context, rows []Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rows...)
	return nil
}

func (m *Memory) Rows() []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Row, len(m.rows))
	copy(out, m.rows)
	return out
}
