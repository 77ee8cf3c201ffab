package servicenow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		InstanceURL:   srv.URL,
		Username:      "sync",
		Password:      "secret",
		RetryMax:      2,
		RetryInterval: time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return c
}

func TestGetRecordsPagination(t *testing.T) {
	var gotQuery, gotLimit, gotOffset string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/now/table/incident", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "sync", user)
		assert.Equal(t, "secret", pass)

		gotQuery = r.URL.Query().Get("sysparm_query")
		gotLimit = r.URL.Query().Get("sysparm_limit")
		gotOffset = r.URL.Query().Get("sysparm_offset")

		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": []map[string]interface{}{
				{"sys_id": "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6", "number": "INC0010001"},
				{"sys_id": "ffeeddccbbaa99887766554433221100", "number": "INC0010002"},
			},
		})
	}))

	records, err := c.GetRecords(context.Background(), "incident", Query{
		Query:  "sys_updated_on>=2025-01-01 00:00:00",
		Limit:  50,
		Offset: 100,
	})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "INC0010001", records[0].Number())
	assert.Equal(t, "sys_updated_on>=2025-01-01 00:00:00", gotQuery)
	assert.Equal(t, "50", gotLimit)
	assert.Equal(t, "100", gotOffset)
}

func TestGetRecordNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := c.GetRecord(context.Background(), "incident", "deadbeef")
	require.Error(t, err)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusNotFound, reqErr.HTTPStatus())
}

// 5xx responses are retried until the configured budget is spent; the
// call succeeds once the upstream recovers.
func TestRetryOnServerError(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{"sys_id": "a1b2c3d4", "state": "2"},
		})
	}))

	rec, err := c.GetRecord(context.Background(), "incident", "a1b2c3d4")
	require.NoError(t, err)
	assert.Equal(t, "2", rec.FieldValue("state"))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

// 4xx responses other than 429 fail immediately without retries.
func TestNoRetryOnClientError(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := c.GetRecord(context.Background(), "incident", "a1b2c3d4")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestUpdateRecordPatch(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/now/table/incident/a1b2c3d4", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "6", body["state"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{"sys_id": "a1b2c3d4", "state": "6"},
		})
	}))

	rec, err := c.UpdateRecord(context.Background(), "incident", "a1b2c3d4", map[string]interface{}{"state": "6"})
	require.NoError(t, err)
	assert.Equal(t, "6", rec.FieldValue("state"))

	_, err = c.UpdateRecord(context.Background(), "incident", "a1b2c3d4", nil)
	assert.Error(t, err)
}

func TestFieldNormalization(t *testing.T) {
	rec := Record{
		"state":             map[string]interface{}{"value": "2", "display_value": "In Progress"},
		"priority":          " 3 ",
		"assignment_group":  map[string]interface{}{"value": "grp123", "display_value": "Service Desk"},
		"short_description": "Printer down",
		"sys_updated_on":    "2025-03-01 14:30:00",
	}

	assert.Equal(t, "2", rec.FieldValue("state"))
	assert.Equal(t, "In Progress", rec.FieldDisplay("state"))
	assert.Equal(t, "3", rec.FieldValue("priority"))
	assert.Equal(t, "grp123", rec.FieldValue("assignment_group"))
	assert.Equal(t, "Printer down", rec.FieldDisplay("short_description"))
	assert.Equal(t, time.Date(2025, 3, 1, 14, 30, 0, 0, time.UTC), rec.UpdatedOn())
	assert.True(t, rec.UpdatedOn().Equal(rec.UpdatedOn()))
	assert.Equal(t, "", rec.FieldValue("missing"))
	assert.True(t, Record{}.UpdatedOn().IsZero())
}
