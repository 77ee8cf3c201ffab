package statemanager

import "time"

// Status of a tracked operation.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Operation kinds tracked by the service.
const (
	OpSyncTable = "sync-table"
	OpSyncAll   = "sync-all"
	OpForceSync = "force-sync"
	OpJob       = "job"
	OpMigration = "migration"
)

// OperationState is one tracked operation run.
type OperationState struct {
	ID          string                 `json:"id"`
	ServiceName string                 `json:"service_name"`
	Operation   string                 `json:"operation"`
	Status      Status                 `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Duration    string                 `json:"duration,omitempty"`
	Age         string                 `json:"age,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// OperationStats aggregates the tracked operations.
type OperationStats struct {
	TotalOperations int               `json:"total_operations"`
	ByStatus        map[Status]int    `json:"by_status"`
	ByOperation     map[string]int    `json:"by_operation"`
	AverageDuration string            `json:"average_duration,omitempty"`
	LastSyncTimes   map[string]string `json:"last_sync_times,omitempty"`
}
