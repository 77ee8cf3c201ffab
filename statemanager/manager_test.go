package statemanager

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationLifecycle(t *testing.T) {
	m := New(Config{ServiceName: "nowbridge"})

	op := m.StartOperation("op1", OpSyncTable, map[string]interface{}{"table": "incident"})
	assert.Equal(t, StatusRunning, op.Status)
	assert.Equal(t, "nowbridge", op.ServiceName)

	m.UpdateMetadata("op1", "processed", 42)
	m.CompleteOperation("op1", nil)

	got := m.GetOperation("op1")
	require.NotNil(t, got)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 42, got.Metadata["processed"])
	require.NotNil(t, got.CompletedAt)
	assert.NotEmpty(t, got.Duration)
	assert.NotEmpty(t, got.Age)

	assert.Nil(t, m.GetOperation("missing"))
	m.CompleteOperation("missing", nil) // no-op
}

func TestFailedOperationKeepsError(t *testing.T) {
	m := New(Config{ServiceName: "nowbridge"})
	m.StartOperation("op1", OpForceSync, nil)
	m.CompleteOperation("op1", errors.New("upstream 503"))

	got := m.GetOperation("op1")
	require.NotNil(t, got)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "upstream 503", got.Error)
}

func TestListNewestFirstAndEviction(t *testing.T) {
	m := New(Config{ServiceName: "nowbridge", MaxOperations: 3})

	for i := 0; i < 5; i++ {
		m.StartOperation(fmt.Sprintf("op%d", i), OpJob, nil)
		time.Sleep(time.Millisecond)
	}

	ops := m.ListOperations()
	require.Len(t, ops, 3)
	assert.True(t, ops[0].StartedAt.After(ops[1].StartedAt))
	assert.True(t, ops[1].StartedAt.After(ops[2].StartedAt))
	// The two oldest runs were evicted.
	assert.Nil(t, m.GetOperation("op0"))
	assert.Nil(t, m.GetOperation("op1"))
}

func TestStats(t *testing.T) {
	m := New(Config{ServiceName: "nowbridge"})

	m.StartOperation("a", OpSyncTable, nil)
	m.CompleteOperation("a", nil)
	m.StartOperation("b", OpSyncTable, nil)
	m.CompleteOperation("b", errors.New("boom"))
	m.StartOperation("c", OpJob, nil)

	m.RecordSync("incident", time.Now().Add(-10*time.Minute))

	stats := m.GetStats()
	assert.Equal(t, 3, stats.TotalOperations)
	assert.Equal(t, 1, stats.ByStatus[StatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[StatusFailed])
	assert.Equal(t, 1, stats.ByStatus[StatusRunning])
	assert.Equal(t, 2, stats.ByOperation[OpSyncTable])
	assert.NotEmpty(t, stats.AverageDuration)
	assert.Contains(t, stats.LastSyncTimes, "incident")
}
