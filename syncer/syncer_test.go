package syncer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nowbridge.evalgo.org/changelog"
	"nowbridge.evalgo.org/servicenow"
	"nowbridge.evalgo.org/store"
)

type fakeUpstream struct {
	records map[string][]servicenow.Record // per table, in sys_updated_on order
	calls   int
}

func (f *fakeUpstream) GetRecords(ctx context.Context, table string, q servicenow.Query) ([]servicenow.Record, error) {
	f.calls++
	all := f.records[table]
	if q.Offset >= len(all) {
		return nil, nil
	}
	end := q.Offset + q.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[q.Offset:end], nil
}

func (f *fakeUpstream) GetRecord(ctx context.Context, table, sysID string) (servicenow.Record, error) {
	for _, rec := range f.records[table] {
		if rec.SysID() == sysID {
			return rec, nil
		}
	}
	return nil, &servicenow.RequestError{StatusCode: 404, Method: "GET", URL: table + "/" + sysID}
}

type fakeStore struct {
	docs  map[string]*store.Envelope // keyed table:sys_id
	saves int
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]*store.Envelope)}
}

func (f *fakeStore) Get(ctx context.Context, table, sysID string) (*store.Envelope, error) {
	env, ok := f.docs[table+":"+sysID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *env
	return &copied, nil
}

func (f *fakeStore) Save(ctx context.Context, table string, env *store.Envelope) error {
	f.saves++
	copied := *env
	f.docs[table+":"+env.SysID] = &copied
	return nil
}

type fakePublisher struct {
	events []changelog.Event
}

func (f *fakePublisher) Append(ctx context.Context, event changelog.Event) (string, error) {
	f.events = append(f.events, event)
	return fmt.Sprintf("%d-0", len(f.events)), nil
}

func record(sysID, state, updatedOn string) servicenow.Record {
	return servicenow.Record{
		"sys_id":            sysID,
		"number":            "INC" + sysID[:4],
		"state":             state,
		"priority":          "3",
		"short_description": "test",
		"assignment_group":  "grp1",
		"sys_updated_on":    updatedOn,
	}
}

func newTestEngine(t *testing.T, up *fakeUpstream, st *fakeStore, pub *fakePublisher, cfg Config) *Engine {
	t.Helper()
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 2
	}
	var p Publisher
	if pub != nil {
		p = pub
	}
	e, err := New(up, st, p, cfg, nil)
	require.NoError(t, err)
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return e
}

func TestSyncTablePaginatesAndCreates(t *testing.T) {
	up := &fakeUpstream{records: map[string][]servicenow.Record{
		"incident": {
			record("aaaa000000000000", "1", "2025-03-01 10:00:00"),
			record("bbbb000000000000", "2", "2025-03-01 11:00:00"),
			record("cccc000000000000", "3", "2025-03-01 12:00:00"),
		},
	}}
	st := newFakeStore()
	pub := &fakePublisher{}
	e := newTestEngine(t, up, st, pub, Config{})

	res, err := e.SyncTable(context.Background(), "incident", Options{})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 3, res.Created)
	assert.Zero(t, res.Updated)
	assert.Zero(t, res.Conflicts)
	assert.Zero(t, res.Errors)
	// Two full pages then the short final page.
	assert.Equal(t, 2, up.calls)
	assert.Len(t, st.docs, 3)

	require.Len(t, pub.events, 3)
	assert.Equal(t, changelog.ActionCreated, pub.events[0].Action)
	assert.Equal(t, "incident", pub.events[0].EntityType)
}

// Syncing the same unchanged upstream twice converges: the second run
// reports updates, not duplicates, and the store size is unchanged.
func TestSyncIsIdempotent(t *testing.T) {
	up := &fakeUpstream{records: map[string][]servicenow.Record{
		"incident": {
			record("aaaa000000000000", "1", "2025-03-01 10:00:00"),
			record("bbbb000000000000", "2", "2025-03-01 11:00:00"),
		},
	}}
	st := newFakeStore()
	e := newTestEngine(t, up, st, nil, Config{})

	first, err := e.SyncTable(context.Background(), "incident", Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Created)

	second, err := e.SyncTable(context.Background(), "incident", Options{})
	require.NoError(t, err)
	assert.Zero(t, second.Created)
	assert.Equal(t, 2, second.Updated)
	assert.Zero(t, second.Conflicts)
	assert.Len(t, st.docs, 2)
}

func TestNewestWinsConflict(t *testing.T) {
	sysID := "aaaa000000000000"
	up := &fakeUpstream{records: map[string][]servicenow.Record{
		"incident": {record(sysID, "6", "2025-03-01 10:00:00")},
	}}
	st := newFakeStore()
	// Stored snapshot diverges on state and is newer than upstream.
	stored := store.NewEnvelope(record(sysID, "2", "2025-03-02 09:00:00"))
	require.NoError(t, st.Save(context.Background(), "incident", stored))

	e := newTestEngine(t, up, st, nil, Config{ConflictPolicy: PolicyNewestWins})

	res, err := e.SyncTable(context.Background(), "incident", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 1, res.Updated)
	assert.Zero(t, res.Errors)

	// The stored side was newer, so its state survives.
	env, err := st.Get(context.Background(), "incident", sysID)
	require.NoError(t, err)
	assert.Equal(t, "2", env.EntityPayload.FieldValue("state"))

	conflicts := e.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, "resolved", conflicts[0].Resolution)
	assert.Equal(t, "stored", conflicts[0].Winner)
	assert.Equal(t, []string{"state"}, conflicts[0].DivergentFields)
}

// Equal timestamps resolve in favour of upstream.
func TestNewestWinsTieGoesUpstream(t *testing.T) {
	sysID := "aaaa000000000000"
	up := &fakeUpstream{records: map[string][]servicenow.Record{
		"incident": {record(sysID, "6", "2025-03-01 10:00:00")},
	}}
	st := newFakeStore()
	stored := store.NewEnvelope(record(sysID, "2", "2025-03-01 10:00:00"))
	require.NoError(t, st.Save(context.Background(), "incident", stored))

	e := newTestEngine(t, up, st, nil, Config{})

	_, err := e.SyncTable(context.Background(), "incident", Options{})
	require.NoError(t, err)

	env, err := st.Get(context.Background(), "incident", sysID)
	require.NoError(t, err)
	assert.Equal(t, "6", env.EntityPayload.FieldValue("state"))
}

func TestManualPolicyLeavesConflictPending(t *testing.T) {
	sysID := "aaaa000000000000"
	up := &fakeUpstream{records: map[string][]servicenow.Record{
		"incident": {record(sysID, "6", "2025-03-01 10:00:00")},
	}}
	st := newFakeStore()
	stored := store.NewEnvelope(record(sysID, "2", "2025-03-02 09:00:00"))
	require.NoError(t, st.Save(context.Background(), "incident", stored))

	e := newTestEngine(t, up, st, nil, Config{ConflictPolicy: PolicyManual})

	res, err := e.SyncTable(context.Background(), "incident", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 1, res.Errors)
	assert.Zero(t, res.Updated)

	conflicts := e.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, "pending", conflicts[0].Resolution)

	// The stored document is untouched.
	env, err := st.Get(context.Background(), "incident", sysID)
	require.NoError(t, err)
	assert.Equal(t, "2", env.EntityPayload.FieldValue("state"))
}

// SyncAll prunes resolved conflicts but keeps pending ones.
func TestSyncAllPrunesResolvedConflicts(t *testing.T) {
	sysID := "aaaa000000000000"
	up := &fakeUpstream{records: map[string][]servicenow.Record{
		"incident": {record(sysID, "6", "2025-03-01 10:00:00")},
	}}
	st := newFakeStore()
	stored := store.NewEnvelope(record(sysID, "2", "2025-03-01 09:00:00"))
	require.NoError(t, st.Save(context.Background(), "incident", stored))

	e := newTestEngine(t, up, st, nil, Config{Tables: []string{"incident"}})

	_, err := e.SyncAll(context.Background(), Options{})
	require.NoError(t, err)
	assert.Empty(t, e.Conflicts())
}

func TestForceSync(t *testing.T) {
	sysID := "aaaa000000000000"
	up := &fakeUpstream{records: map[string][]servicenow.Record{
		"incident": {record(sysID, "1", "2025-03-01 10:00:00")},
	}}
	st := newFakeStore()
	e := newTestEngine(t, up, st, nil, Config{})

	ok, err := e.ForceSync(context.Background(), "incident", sysID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, st.docs, 1)

	_, err = e.ForceSync(context.Background(), "incident", "missing")
	assert.Error(t, err)
}

// Stream-driven reconciliation fetches the full record and writes it,
// but never republishes the change it is reacting to.
func TestHandleStreamChange(t *testing.T) {
	sysID := "aaaa000000000000"
	up := &fakeUpstream{records: map[string][]servicenow.Record{
		"incident": {record(sysID, "4", "2025-03-01 10:00:00")},
	}}
	st := newFakeStore()
	pub := &fakePublisher{}
	e := newTestEngine(t, up, st, pub, Config{})

	err := e.HandleStreamChange(context.Background(), changelog.Event{
		EntityType: "incident",
		SysID:      sysID,
		Action:     changelog.ActionUpdated,
	})
	require.NoError(t, err)

	env, err := st.Get(context.Background(), "incident", sysID)
	require.NoError(t, err)
	assert.Equal(t, "4", env.EntityPayload.FieldValue("state"))
	assert.Empty(t, pub.events)

	err = e.HandleStreamChange(context.Background(), changelog.Event{EntityType: "incident"})
	assert.Error(t, err)
}

func TestInvalidPolicyRejected(t *testing.T) {
	_, err := New(&fakeUpstream{}, newFakeStore(), nil, Config{ConflictPolicy: "coin-flip"}, nil)
	assert.Error(t, err)
}
