// Package connectivity tracks whether the API is reachable and tells
// interested parties when that changes.
package connectivity

import (
	"sync"

	"go.uber.org/zap"
)

// Monitor holds the current online/offline state.
//
// Subscribers are notified once per transition, in subscription order and
// outside the state lock. A subscriber must not call Set synchronously.
type Monitor struct {
	notifyMu sync.Mutex

	mu     sync.Mutex
	online bool
	nextID int
	subs   []subscriber

	log *zap.Logger
}

type subscriber struct {
	id int
	fn func(online bool)
}

// NewMonitor returns a monitor in the given initial state.
func NewMonitor(online bool, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{online: online, log: log}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records a connectivity signal. Signals that repeat the current state
// are ignored.
func (m *Monitor) Set(online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]subscriber, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.log.Info("connectivity changed", zap.Bool("online", online))
	for _, s := range subs {
		s.fn(online)
	}
}

// Subscribe registers fn for state transitions and returns the function
// that unregisters it. Calling the returned function more than once is
// harmless.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.subs {
				if s.id == id {
					m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Triggerer starts a background drain without waiting for it.
type Triggerer interface {
	Trigger()
}

// OnReconnect starts a drain on every offline to online transition.
func OnReconnect(m *Monitor, t Triggerer) (unsubscribe func()) {
	return m.Subscribe(func(online bool) {
		if online {
			t.Trigger()
		}
	})
}
