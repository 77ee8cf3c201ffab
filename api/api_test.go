package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nowbridge.evalgo.org/httpx"
	"nowbridge.evalgo.org/queue"
	"nowbridge.evalgo.org/scheduler"
	"nowbridge.evalgo.org/security"
	"nowbridge.evalgo.org/servicenow"
	"nowbridge.evalgo.org/statemanager"
	"nowbridge.evalgo.org/store"
	"nowbridge.evalgo.org/syncer"
)

type fakeEngine struct {
	results   map[string]*syncer.Result
	conflicts []*syncer.Conflict
	forced    []string
}

func (f *fakeEngine) SyncTable(ctx context.Context, table string, opts syncer.Options) (*syncer.Result, error) {
	if r, ok := f.results[table]; ok {
		return r, nil
	}
	return &syncer.Result{Table: table}, nil
}

func (f *fakeEngine) SyncAll(ctx context.Context, opts syncer.Options) ([]*syncer.Result, error) {
	var out []*syncer.Result
	for _, r := range f.results {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeEngine) ForceSync(ctx context.Context, table, sysID string) (bool, error) {
	f.forced = append(f.forced, table+":"+sysID)
	return true, nil
}

func (f *fakeEngine) Conflicts() []*syncer.Conflict { return f.conflicts }

type fakeTickets struct {
	envs map[string]*store.Envelope
}

func (f *fakeTickets) Get(ctx context.Context, table, sysID string) (*store.Envelope, error) {
	env, ok := f.envs[table+":"+sysID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return env, nil
}

func (f *fakeTickets) Find(ctx context.Context, table string, selector map[string]interface{}, limit int) ([]*store.Envelope, error) {
	return nil, nil
}

func (f *fakeTickets) Health(ctx context.Context, tables []string) (map[string]interface{}, error) {
	return map[string]interface{}{"incident": 1}, nil
}

type fakeUpstream struct {
	updates []map[string]interface{}
}

func (f *fakeUpstream) UpdateRecord(ctx context.Context, table, sysID string, fields map[string]interface{}) (servicenow.Record, error) {
	f.updates = append(f.updates, fields)
	rec := servicenow.Record{"sys_id": sysID}
	for k, v := range fields {
		rec[k] = v
	}
	return rec, nil
}

type testAPI struct {
	e        *echo.Echo
	token    string
	queue    *queue.Queue
	engine   *fakeEngine
	upstream *fakeUpstream
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q, err := queue.New(context.Background(), client, queue.Config{}, nil)
	require.NoError(t, err)
	sched := scheduler.New(client, q, scheduler.Config{}, nil)

	jwtSvc, err := security.NewJWTService("test-secret", "nowbridge")
	require.NoError(t, err)

	engine := &fakeEngine{results: map[string]*syncer.Result{
		"incident": {Table: "incident", Processed: 5, Created: 2, Updated: 3},
	}}
	tickets := &fakeTickets{envs: map[string]*store.Envelope{
		"incident:a1b2c3d4": store.NewEnvelope(servicenow.Record{
			"sys_id":            "a1b2c3d4",
			"number":            "INC0010001",
			"state":             "2",
			"short_description": "Printer down",
		}),
	}}
	upstream := &fakeUpstream{}

	srv := New(Config{
		JWTSecret:   "test-secret",
		APIUsername: "ops",
		APIPassword: "pw",
		Tables:      []string{"incident"},
		Version:     "test",
	}, q, sched, engine, tickets, upstream, store.NewCache(time.Minute), nil, nil, statemanager.New(statemanager.Config{ServiceName: "test"}), jwtSvc, nil)

	e := httpx.NewEchoServer(httpx.DefaultServerConfig())
	srv.RegisterRoutes(e)

	token, err := jwtSvc.GenerateToken("ops", time.Hour)
	require.NoError(t, err)

	return &testAPI{e: e, token: token, queue: q, engine: engine, upstream: upstream}
}

func (a *testAPI) request(t *testing.T, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if authed {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+a.token)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.Success, "body: %s", rec.Body.String())
	data, ok := env.Data.(map[string]interface{})
	require.True(t, ok, "data is %T", env.Data)
	return data
}

func TestTokenEndpoint(t *testing.T) {
	a := newTestAPI(t)

	rec := a.request(t, http.MethodPost, "/auth/token", `{"username":"ops","password":"wrong"}`, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.request(t, http.MethodPost, "/auth/token", `{"username":"intruder","password":"pw"}`, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.request(t, http.MethodPost, "/auth/token", `{"username":"","password":""}`, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.request(t, http.MethodPost, "/auth/token", `{"username":"ops","password":"pw"}`, false)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.NotEmpty(t, data["token"])
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	a := newTestAPI(t)

	rec := a.request(t, http.MethodGet, "/api/v1/tasks", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.request(t, http.MethodGet, "/api/v1/tasks", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	a := newTestAPI(t)

	rec := a.request(t, http.MethodPost, "/api/v1/tasks",
		`{"type":"report","priority":"high","retry_max":2,"payload":{"period":"daily"}}`, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeData(t, rec)["id"].(string)
	require.NotEmpty(t, id)

	rec = a.request(t, http.MethodGet, "/api/v1/tasks/"+id, "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decodeData(t, rec)
	assert.Equal(t, "report", job["type"])
	assert.Equal(t, "pending", job["status"])

	rec = a.request(t, http.MethodPost, "/api/v1/tasks/"+id+"/cancel", `{"reason":"operator"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.request(t, http.MethodGet, "/api/v1/tasks/"+id, "", true)
	job = decodeData(t, rec)
	assert.Equal(t, "cancelled", job["status"])

	// A second cancel hits the terminal guard.
	rec = a.request(t, http.MethodPost, "/api/v1/tasks/"+id+"/cancel", "", true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.request(t, http.MethodGet, "/api/v1/tasks/missing", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.request(t, http.MethodPost, "/api/v1/tasks", `{"type":"bogus"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestShortcutEndpoints(t *testing.T) {
	a := newTestAPI(t)

	for path, wantType := range map[string]string{
		"/api/v1/tasks/export/parquet":   "parquet-export",
		"/api/v1/tasks/sync/data":        "data-sync",
		"/api/v1/tasks/cache/refresh":    "cache-refresh",
		"/api/v1/tasks/pipeline/execute": "pipeline-execution",
	} {
		rec := a.request(t, http.MethodPost, path, `{"tables":["incident"]}`, true)
		require.Equal(t, http.StatusCreated, rec.Code, path)
		data := decodeData(t, rec)
		assert.Equal(t, wantType, data["type"], path)
	}

	rec := a.request(t, http.MethodGet, "/api/v1/tasks/stats", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeData(t, rec)
	assert.EqualValues(t, 4, stats["pending"])
}

// A priority posted to a shortcut overrides the high default.
func TestShortcutHonorsPostedPriority(t *testing.T) {
	a := newTestAPI(t)

	rec := a.request(t, http.MethodPost, "/api/v1/tasks/sync/data",
		`{"tables":["incident"],"priority":"low"}`, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeData(t, rec)["id"].(string)

	job, err := a.queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, queue.PriorityLow, job.Priority)
	assert.NotContains(t, job.Payload, "priority")

	rec = a.request(t, http.MethodPost, "/api/v1/tasks/cache/refresh", `{"priority":"extreme"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduledEndpoints(t *testing.T) {
	a := newTestAPI(t)

	rec := a.request(t, http.MethodPost, "/api/v1/tasks/scheduled",
		`{"name":"nightly-sync","cron":"0 2 * * *","type":"data-sync"}`, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	job := decodeData(t, rec)
	id := job["id"].(string)
	assert.Equal(t, "ops", job["created_by"])
	assert.NotEmpty(t, job["next_run"])

	rec = a.request(t, http.MethodPost, "/api/v1/tasks/scheduled",
		`{"name":"bad","cron":"@hourly","type":"data-sync"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.request(t, http.MethodPost, fmt.Sprintf("/api/v1/tasks/scheduled/%s/trigger", id), "", true)
	require.Equal(t, http.StatusCreated, rec.Code)
	queuedID := decodeData(t, rec)["queued_job_id"].(string)

	job2, err := a.queue.Get(context.Background(), queuedID)
	require.NoError(t, err)
	assert.Equal(t, queue.TypeDataSync, job2.Type)

	rec = a.request(t, http.MethodPost, fmt.Sprintf("/api/v1/tasks/scheduled/%s/enable", id), `{"enabled":false}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeData(t, rec)["enabled"])

	rec = a.request(t, http.MethodDelete, "/api/v1/tasks/scheduled/"+id, "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = a.request(t, http.MethodDelete, "/api/v1/tasks/scheduled/"+id, "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncEndpoints(t *testing.T) {
	a := newTestAPI(t)

	rec := a.request(t, http.MethodPost, "/api/v1/sync/incident", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeData(t, rec)
	assert.EqualValues(t, 5, result["processed"])

	rec = a.request(t, http.MethodPost, "/api/v1/sync/force", `{"table":"incident","sys_id":"a1b2c3d4"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"incident:a1b2c3d4"}, a.engine.forced)

	rec = a.request(t, http.MethodPost, "/api/v1/sync/force", `{"table":"incident"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.request(t, http.MethodGet, "/api/v1/sync/conflicts", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTicketEndpoints(t *testing.T) {
	a := newTestAPI(t)

	rec := a.request(t, http.MethodGet, "/api/v1/modal/data/incident/a1b2c3d4", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeData(t, rec)
	assert.Equal(t, "INC0010001", env["number"])

	rec = a.request(t, http.MethodGet, "/api/v1/modal/data/incident/missing", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.request(t, http.MethodGet, "/api/v1/modal/refresh/details/incident/a1b2c3d4", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	section := decodeData(t, rec)
	fields := section["fields"].(map[string]interface{})
	assert.Equal(t, "Printer down", fields["short_description"])

	rec = a.request(t, http.MethodGet, "/api/v1/modal/refresh/nope/incident/a1b2c3d4", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.request(t, http.MethodPut, "/api/v1/modal/ticket/incident/a1b2c3d4", `{"state":"6"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, a.upstream.updates, 1)
	assert.Equal(t, "6", a.upstream.updates[0]["state"])
	// The accepted update triggers a force-sync of that record.
	assert.Contains(t, a.engine.forced, "incident:a1b2c3d4")
}

func TestHealthEndpoint(t *testing.T) {
	a := newTestAPI(t)

	rec := a.request(t, http.MethodGet, "/health", "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "nowbridge", body["service"])
}

func TestEventStreamRequiresToken(t *testing.T) {
	a := newTestAPI(t)

	rec := a.request(t, http.MethodGet, "/events/ticket-updates/a1b2c3d4", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.request(t, http.MethodGet, "/events/performance", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
