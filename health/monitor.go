package health

import (
	"sync"
	"time"
)

// Monitor collects the statuses of a service's components. All methods are
// safe for concurrent use.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status)}
}

// Set records the status for a named component.
func (m *Monitor) Set(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// SetHealthy marks a component healthy.
func (m *Monitor) SetHealthy(name, message string) {
	m.Set(name, Healthy(name, message))
}

// SetDegraded marks a component degraded.
func (m *Monitor) SetDegraded(name, message string) {
	m.Set(name, Degraded(name, message))
}

// SetUnhealthy marks a component unhealthy. The message is sanitized before
// it is stored.
func (m *Monitor) SetUnhealthy(name, message string) {
	m.Set(name, Unhealthy(name, message))
}

// Get returns the status of a named component.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[name]
	return status, ok
}

// Snapshot returns a copy of all current statuses.
func (m *Monitor) Snapshot() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.statuses))
	for name, status := range m.statuses {
		out[name] = status
	}
	return out
}

// Remove forgets a component.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
}

// Count returns how many components are reporting.
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.statuses)
}

// Overall aggregates every reported status into one system-level status.
func (m *Monitor) Overall(system string) Status {
	m.mu.RLock()
	subStatuses := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subStatuses = append(subStatuses, status)
	}
	m.mu.RUnlock()

	return Aggregate(system, subStatuses)
}
