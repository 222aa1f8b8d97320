package health

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"agentcore/internal/domain"
)

// Monitor holds the per-instance monitoring snapshots and the rolling error
// log the supervisor writes into.
//
// Snapshots live in a TTL cache: each probe refreshes the entry, termination
// deletes it immediately, and the cache janitor sweeps anything a missed
// delete left behind once the TTL lapses.
type Monitor struct {
	snapshots *cache.Cache

	mu     sync.Mutex
	errors []domain.MonitoringError
	health domain.SystemHealth

	trim          int
	degradedAbove int
}

// NewMonitor creates a Monitor. snapshotTTL bounds how long a stale snapshot
// can outlive its instance.
func NewMonitor(snapshotTTL time.Duration, trim, degradedAbove int) *Monitor {
	if snapshotTTL <= 0 {
		snapshotTTL = time.Hour
	}
	if trim <= 0 {
		trim = 100
	}
	if degradedAbove <= 0 {
		degradedAbove = 10
	}
	return &Monitor{
		snapshots:     cache.New(snapshotTTL, 10*time.Minute),
		health:        domain.SystemIdle,
		trim:          trim,
		degradedAbove: degradedAbove,
	}
}

// RecordSnapshot stores the latest view of one instance.
func (m *Monitor) RecordSnapshot(snap domain.MonitoringSnapshot) {
	m.snapshots.SetDefault(snap.AgentID, snap)
}

// Snapshot returns the stored view for an instance, if any.
func (m *Monitor) Snapshot(agentID string) (domain.MonitoringSnapshot, bool) {
	v, ok := m.snapshots.Get(agentID)
	if !ok {
		return domain.MonitoringSnapshot{}, false
	}
	return v.(domain.MonitoringSnapshot), true
}

// Evict drops the snapshot for a terminated instance.
func (m *Monitor) Evict(agentID string) {
	m.snapshots.Delete(agentID)
}

// SnapshotCount returns the number of stored snapshots.
func (m *Monitor) SnapshotCount() int {
	return m.snapshots.ItemCount()
}

// RecordError appends to the rolling error log. The log is trimmed by the
// maintenance cycle, not on every write.
func (m *Monitor) RecordError(e domain.MonitoringError) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.errors = append(m.errors, e)
	m.mu.Unlock()
}

// RecentErrors returns a copy of the error log.
func (m *Monitor) RecentErrors() []domain.MonitoringError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.MonitoringError(nil), m.errors...)
}

// ErrorCount returns the current error log length.
func (m *Monitor) ErrorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.errors)
}

// Health returns the last system classification.
func (m *Monitor) Health() domain.SystemHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// Maintain reclassifies system health from the live-instance count and the
// error log, trims the log to its bound, and sweeps expired snapshots.
func (m *Monitor) Maintain(liveInstances int) domain.SystemHealth {
	m.mu.Lock()
	switch {
	case liveInstances == 0:
		m.health = domain.SystemIdle
	case len(m.errors) > m.degradedAbove:
		m.health = domain.SystemDegraded
	default:
		m.health = domain.SystemHealthy
	}
	if len(m.errors) > m.trim {
		m.errors = append([]domain.MonitoringError(nil), m.errors[len(m.errors)-m.trim:]...)
	}
	health := m.health
	m.mu.Unlock()

	m.snapshots.DeleteExpired()
	return health
}
