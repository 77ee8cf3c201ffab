package syncer

import (
	"fmt"
	"sync"
	"time"

	"nowbridge.evalgo.org/servicenow"
	"nowbridge.evalgo.org/store"
)

// Resolution policies.
const (
	PolicyUpstreamWins = "upstream-wins"
	PolicyStoredWins   = "stored-wins"
	PolicyNewestWins   = "newest-wins"
	PolicyManual       = "manual"
)

// DefaultCriticalFields are the fields whose divergence constitutes a
// conflict. Everything else is overwritten by upstream silently.
var DefaultCriticalFields = []string{"state", "priority", "short_description", "assignment_group"}

// ValidPolicy reports whether p is a known resolution policy.
func ValidPolicy(p string) bool {
	switch p {
	case PolicyUpstreamWins, PolicyStoredWins, PolicyNewestWins, PolicyManual:
		return true
	}
	return false
}

// Conflict records one detected divergence between the stored and
// upstream snapshots of a record.
type Conflict struct {
	SysID           string            `json:"sys_id"`
	EntityType      string            `json:"entity_type"`
	StoredSnapshot  servicenow.Record `json:"stored_snapshot"`
	UpstreamRecord  servicenow.Record `json:"upstream_record"`
	DivergentFields []string          `json:"divergent_fields"`
	Resolution      string            `json:"resolution"` // pending | resolved
	Winner          string            `json:"winner"`     // stored | upstream | ""
	DetectedAt      time.Time         `json:"detected_at"`
}

// divergentFields returns the critical fields whose normalised values
// differ between the two snapshots.
func divergentFields(stored, upstream servicenow.Record, critical []string) []string {
	var diff []string
	for _, field := range critical {
		if servicenow.NormalizeField(stored[field]) != servicenow.NormalizeField(upstream[field]) {
			diff = append(diff, field)
		}
	}
	return diff
}

// resolve picks the winning side for a conflict. Manual policy never
// resolves; the conflict stays pending for an operator.
func resolve(policy string, env *store.Envelope, upstream servicenow.Record) (string, error) {
	switch policy {
	case PolicyUpstreamWins:
		return "upstream", nil
	case PolicyStoredWins:
		return "stored", nil
	case PolicyNewestWins, "":
		storedAt := env.EntityPayload.UpdatedOn()
		upstreamAt := upstream.UpdatedOn()
		if storedAt.After(upstreamAt) {
			return "stored", nil
		}
		// Ties go to upstream.
		return "upstream", nil
	case PolicyManual:
		return "", fmt.Errorf("syncer: manual conflict resolution required for %s", env.SysID)
	default:
		return "", fmt.Errorf("syncer: unknown conflict policy %q", policy)
	}
}

// conflictMemo tracks detected conflicts keyed by table:sys_id.
// Resolved entries are pruned after each full cycle to bound memory.
type conflictMemo struct {
	mu        sync.Mutex
	conflicts map[string]*Conflict
}

func newConflictMemo() *conflictMemo {
	return &conflictMemo{conflicts: make(map[string]*Conflict)}
}

func memoKey(table, sysID string) string { return table + ":" + sysID }

func (m *conflictMemo) put(table string, c *Conflict) {
	m.mu.Lock()
	m.conflicts[memoKey(table, c.SysID)] = c
	m.mu.Unlock()
}

func (m *conflictMemo) list() []*Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Conflict, 0, len(m.conflicts))
	for _, c := range m.conflicts {
		out = append(out, c)
	}
	return out
}

// pruneResolved drops resolved entries and returns how many were
// removed.
func (m *conflictMemo) pruneResolved() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, c := range m.conflicts {
		if c.Resolution == "resolved" {
			delete(m.conflicts, key)
			n++
		}
	}
	return n
}
