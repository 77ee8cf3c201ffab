package store

import (
	"time"

	"nowbridge.evalgo.org/servicenow"
)

// SchemaVersion is stamped on every envelope so future migrations can
// detect documents written by older builds.
const SchemaVersion = "2.0"

// Envelope wraps one upstream record for document storage. The
// upstream payload is kept opaque; the envelope adds the sync
// bookkeeping fields.
type Envelope struct {
	ID  string `json:"_id,omitempty"`
	Rev string `json:"_rev,omitempty"`

	SysID           string                   `json:"sys_id"`
	Number          string                   `json:"number"`
	EntityPayload   servicenow.Record        `json:"entity_payload"`
	RelatedSLAs     []map[string]interface{} `json:"related_sla_entries"`
	SyncTimestamp   time.Time                `json:"sync_timestamp"`
	SchemaVersion   string                   `json:"schema_version"`
	CreatedAt       time.Time                `json:"created_at"`
	UpdatedAt       time.Time                `json:"updated_at"`
	PartitionPrefix string                   `json:"partition_prefix"`
}

// PartitionPrefix derives the deterministic partition key from a
// sys_id. Short ids partition on their full value.
func PartitionPrefix(sysID string) string {
	if len(sysID) < 8 {
		return sysID
	}
	return sysID[:8]
}

// NewEnvelope builds a fresh envelope around an upstream record.
func NewEnvelope(rec servicenow.Record) *Envelope {
	sysID := rec.SysID()
	now := time.Now().UTC()
	return &Envelope{
		ID:              sysID,
		SysID:           sysID,
		Number:          rec.Number(),
		EntityPayload:   rec,
		RelatedSLAs:     []map[string]interface{}{},
		SyncTimestamp:   now,
		SchemaVersion:   SchemaVersion,
		CreatedAt:       now,
		UpdatedAt:       now,
		PartitionPrefix: PartitionPrefix(sysID),
	}
}

// Refresh replaces the payload with a newer upstream snapshot and
// advances the bookkeeping fields. The sync timestamp never moves
// backwards.
func (e *Envelope) Refresh(rec servicenow.Record) {
	now := time.Now().UTC()
	e.EntityPayload = rec
	e.Number = rec.Number()
	e.UpdatedAt = now
	if now.After(e.SyncTimestamp) {
		e.SyncTimestamp = now
	}
}
