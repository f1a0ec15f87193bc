package connectivity

import "sync"

// Monitor tracks the current online/offline state and notifies subscribers
// when connectivity returns. The sync engine reports observed transport
// failures and successes through ReportOffline/ReportOnline; an external
// probe may do the same.
type Monitor struct {
	mu       sync.Mutex
	online   bool
	handlers []func()
}

// NewMonitor returns a monitor in the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online}
}

// IsOnline reports the current connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnOnline registers a handler invoked on every offline-to-online
// transition. Handlers run on the reporting goroutine and should not block.
func (m *Monitor) OnOnline(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// ReportOnline records that connectivity is available. Handlers fire only
// when the state actually transitions.
func (m *Monitor) ReportOnline() {
	m.mu.Lock()
	if m.online {
		m.mu.Unlock()
		return
	}
	m.online = true
	handlers := make([]func(), len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		h()
	}
}

// ReportOffline records that connectivity was lost.
func (m *Monitor) ReportOffline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = false
}
