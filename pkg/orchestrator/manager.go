package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/beacon/pkg/tools"
)

// ErrDraining is returned by Create while the manager refuses new sessions.
var ErrDraining = errors.New("session manager draining")

// Manager creates and tracks sessions by id.
type Manager struct {
	sessions sync.Map
	count    atomic.Int64
	draining atomic.Bool
	registry *tools.Registry
	loop     *Loop
}

func NewManager(registry *tools.Registry, loop *Loop) *Manager {
	return &Manager{registry: registry, loop: loop}
}

// Registry returns the shared tool registry.
func (m *Manager) Registry() *tools.Registry { return m.registry }

// Create starts a session with the named tools enabled (all tools when none
// are named).
func (m *Manager) Create(ctx context.Context, toolNames ...string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.draining.Load() {
		return nil, ErrDraining
	}
	set, err := m.registry.Snapshot(toolNames...)
	if err != nil {
		return nil, err
	}
	sess := newSession(uuid.NewString(), m.loop, m.registry, set)
	m.sessions.Store(sess.id, sess)
	m.count.Add(1)
	return sess, nil
}

func (m *Manager) Get(id string) (*Session, bool) {
	if v, ok := m.sessions.Load(id); ok {
		return v.(*Session), true
	}
	return nil, false
}

// Remove closes and forgets a session. It reports whether the id was known.
func (m *Manager) Remove(id string) bool {
	v, ok := m.sessions.LoadAndDelete(id)
	if !ok {
		return false
	}
	v.(*Session).Close()
	m.count.Add(-1)
	return true
}

func (m *Manager) CloseAll() {
	m.sessions.Range(func(key, _ any) bool {
		if id, ok := key.(string); ok {
			m.Remove(id)
		}
		return true
	})
}

func (m *Manager) Count() int64 {
	return m.count.Load()
}

func (m *Manager) SetDraining(v bool) {
	m.draining.Store(v)
}

func (m *Manager) Draining() bool {
	return m.draining.Load()
}

// WaitForEmpty blocks until every session is removed or ctx ends.
func (m *Manager) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if m.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
