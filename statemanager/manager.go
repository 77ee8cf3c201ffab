// Package statemanager tracks recent operation runs (sync cycles,
// force syncs, notable jobs) in memory, feeding the history and health
// endpoints. It is bookkeeping, not a durable store: the bounded
// window is rebuilt from scratch on restart.
package statemanager

import (
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Manager handles state tracking for operations.
type Manager struct {
	mu            sync.RWMutex
	operations    map[string]*OperationState
	lastSync      map[string]time.Time // per table
	maxOperations int
	serviceName   string
}

// Config for creating a new Manager.
type Config struct {
	ServiceName   string
	MaxOperations int // keep last N operations, default 1000
}

// New creates a new state manager.
func New(cfg Config) *Manager {
	if cfg.MaxOperations == 0 {
		cfg.MaxOperations = 1000
	}
	return &Manager{
		operations:    make(map[string]*OperationState),
		lastSync:      make(map[string]time.Time),
		maxOperations: cfg.MaxOperations,
		serviceName:   cfg.ServiceName,
	}
}

// StartOperation creates a new operation in running state.
func (m *Manager) StartOperation(id, operation string, metadata map[string]interface{}) *OperationState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.operations) >= m.maxOperations {
		m.evictOldest()
	}

	op := &OperationState{
		ID:          id,
		ServiceName: m.serviceName,
		Operation:   operation,
		Status:      StatusRunning,
		StartedAt:   time.Now(),
		Metadata:    metadata,
	}
	m.operations[id] = op
	return op
}

// CompleteOperation marks an operation as completed or failed.
func (m *Manager) CompleteOperation(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, exists := m.operations[id]
	if !exists {
		return
	}
	now := time.Now()
	op.CompletedAt = &now
	op.Duration = now.Sub(op.StartedAt).Round(time.Millisecond).String()
	if err != nil {
		op.Status = StatusFailed
		op.Error = err.Error()
	} else {
		op.Status = StatusCompleted
	}
}

// UpdateMetadata adds or updates metadata for a running operation.
func (m *Manager) UpdateMetadata(id, key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if op, exists := m.operations[id]; exists {
		if op.Metadata == nil {
			op.Metadata = make(map[string]interface{})
		}
		op.Metadata[key] = value
	}
}

// RecordSync stamps a table's last successful sync time.
func (m *Manager) RecordSync(table string, at time.Time) {
	m.mu.Lock()
	m.lastSync[table] = at
	m.mu.Unlock()
}

// GetOperation retrieves a copy of an operation by ID.
func (m *Manager) GetOperation(id string) *OperationState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op, exists := m.operations[id]
	if !exists {
		return nil
	}
	copied := *op
	copied.Age = humanize.Time(op.StartedAt)
	return &copied
}

// ListOperations returns copies of all tracked operations, newest
// first.
func (m *Manager) ListOperations() []*OperationState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ops := make([]*OperationState, 0, len(m.operations))
	for _, op := range m.operations {
		copied := *op
		copied.Age = humanize.Time(op.StartedAt)
		ops = append(ops, &copied)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].StartedAt.After(ops[j].StartedAt) })
	return ops
}

// GetStats returns aggregated statistics over the tracked window.
func (m *Manager) GetStats() *OperationStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &OperationStats{
		TotalOperations: len(m.operations),
		ByStatus:        make(map[Status]int),
		ByOperation:     make(map[string]int),
		LastSyncTimes:   make(map[string]string),
	}

	var totalDuration time.Duration
	var completedCount int
	for _, op := range m.operations {
		stats.ByStatus[op.Status]++
		stats.ByOperation[op.Operation]++
		if op.CompletedAt != nil {
			totalDuration += op.CompletedAt.Sub(op.StartedAt)
			completedCount++
		}
	}
	if completedCount > 0 {
		stats.AverageDuration = (totalDuration / time.Duration(completedCount)).Round(time.Millisecond).String()
	}

	for table, at := range m.lastSync {
		stats.LastSyncTimes[table] = humanize.Time(at)
	}
	return stats
}

// evictOldest removes the oldest operation. Caller holds the lock.
func (m *Manager) evictOldest() {
	var oldestID string
	var oldestTime time.Time
	for id, op := range m.operations {
		if oldestID == "" || op.StartedAt.Before(oldestTime) {
			oldestID = id
			oldestTime = op.StartedAt
		}
	}
	if oldestID != "" {
		delete(m.operations, oldestID)
	}
}
