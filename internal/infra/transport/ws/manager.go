package ws

import (
	"context"
	"sort"

	concpool "github.com/sourcegraph/conc/pool"
)

// Manager runs a set of endpoint connections concurrently.
type Manager struct {
	conns []*Connection
}

// NewManager groups connections. Nil entries are ignored.
func NewManager(conns ...*Connection) *Manager {
	m := &Manager{conns: make([]*Connection, 0, len(conns))}
	for _, c := range conns {
		if c != nil {
			m.conns = append(m.conns, c)
		}
	}
	return m
}

// Run blocks until ctx is cancelled and every connection has stopped.
func (m *Manager) Run(ctx context.Context) error {
	if len(m.conns) == 0 {
		<-ctx.Done()
		return nil
	}
	p := concpool.New().WithContext(ctx).WithMaxGoroutines(len(m.conns))
	for _, c := range m.conns {
		p.Go(c.Run)
	}
	return p.Wait()
}

// Statuses reports every endpoint ordered by name.
func (m *Manager) Statuses() []Status {
	out := make([]Status, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
