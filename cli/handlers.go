package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"nowbridge.evalgo.org/notification"
	"nowbridge.evalgo.org/queue"
	"nowbridge.evalgo.org/statemanager"
	"nowbridge.evalgo.org/store"
	"nowbridge.evalgo.org/stream"
	"nowbridge.evalgo.org/syncer"
	"nowbridge.evalgo.org/worker"
)

// registerHandlers binds every known job type to its handler.
func (a *app) registerHandlers() {
	a.pool.Register(queue.TypeDataSync, a.handleDataSync)
	a.pool.Register(queue.TypeParquetExport, a.handleExport)
	a.pool.Register(queue.TypePipelineExecution, a.handlePipeline)
	a.pool.Register(queue.TypeCacheRefresh, a.handleCacheRefresh)
	a.pool.Register(queue.TypeCleanup, a.handleCleanup)
	a.pool.Register(queue.TypeIndex, a.handleIndex)
	a.pool.Register(queue.TypeReport, a.handleReport)
	a.pool.Register(queue.TypeBackup, a.handleBackup)
	a.pool.Register(queue.TypeUpload, a.handleUpload)
	a.pool.Register(queue.TypeNotify, a.handleNotify)
}

func stringField(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	s, _ := payload[key].(string)
	return s
}

func boolField(payload map[string]interface{}, key string) bool {
	if payload == nil {
		return false
	}
	b, _ := payload[key].(bool)
	return b
}

// handleDataSync runs a delta or full sync of one table, or of every
// configured table when the payload names none.
func (a *app) handleDataSync(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
	opts := syncer.Options{Full: boolField(job.Payload, "full")}
	table := stringField(job.Payload, "table")

	kind := statemanager.OpSyncAll
	if table != "" {
		kind = statemanager.OpSyncTable
	}
	a.state.StartOperation(job.ID, kind, map[string]interface{}{"table": table, "full": opts.Full})

	var results []*syncer.Result
	var err error
	if table != "" {
		var r *syncer.Result
		r, err = a.engine.SyncTable(ctx, table, opts)
		if r != nil {
			results = append(results, r)
		}
	} else {
		results, err = a.engine.SyncAll(ctx, opts)
	}
	a.state.CompleteOperation(job.ID, err)
	if err != nil {
		return nil, worker.Retryable(err, worker.KindUpstream)
	}

	processed, created, updated := 0, 0, 0
	for _, r := range results {
		processed += r.Processed
		created += r.Created
		updated += r.Updated
		a.state.RecordSync(r.Table, r.LastSyncTime)
	}
	return map[string]interface{}{
		"tables":    len(results),
		"processed": processed,
		"created":   created,
		"updated":   updated,
	}, nil
}

// handleExport dumps a table's envelopes to newline-delimited JSON.
func (a *app) handleExport(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
	table := stringField(job.Payload, "table")
	if table == "" {
		return nil, worker.NonRetryable(errors.New("export requires a table"), worker.KindValidation)
	}
	path := stringField(job.Payload, "path")
	if path == "" {
		path = filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d.ndjson", table, time.Now().Unix()))
	}

	res, err := a.tickets.Export(ctx, table, path)
	if err != nil {
		return nil, worker.Retryable(err, worker.KindInternal)
	}
	return map[string]interface{}{
		"table":    table,
		"path":     path,
		"exported": res.Exported,
		"bytes":    res.Bytes,
	}, nil
}

// handlePipeline runs a one-shot stage pipeline over a table's stored
// envelopes: drop empty payloads, project the critical fields, batch.
func (a *app) handlePipeline(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
	table := stringField(job.Payload, "table")
	if table == "" {
		table = "incident"
	}

	envs, err := a.tickets.Find(ctx, table, map[string]interface{}{}, 1000)
	if err != nil {
		return nil, worker.Retryable(err, worker.KindInternal)
	}

	source := make(chan map[string]interface{}, len(envs))
	for _, env := range envs {
		source <- env.EntityPayload
	}
	close(source)

	filtered := stream.Filter(source, func(payload map[string]interface{}) bool {
		return len(payload) > 0
	})
	projected := stream.Transform(filtered, func(payload map[string]interface{}) map[string]interface{} {
		out := make(map[string]interface{}, len(syncer.DefaultCriticalFields))
		for _, f := range syncer.DefaultCriticalFields {
			if v, ok := payload[f]; ok {
				out[f] = v
			}
		}
		return out
	})

	records, batches := 0, 0
	for batch := range stream.Batch(projected, 50) {
		records += len(batch)
		batches++
	}
	return map[string]interface{}{
		"table":   table,
		"records": records,
		"batches": batches,
	}, nil
}

// handleCacheRefresh flushes the read cache and warms it with the most
// recently updated envelopes of every configured table.
func (a *app) handleCacheRefresh(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
	flushed := a.cache.Flush()

	warmed := 0
	for _, table := range a.cfg.Sync.Tables {
		envs, err := a.tickets.Find(ctx, table, map[string]interface{}{}, 25)
		if err != nil {
			return nil, worker.Retryable(err, worker.KindInternal)
		}
		for _, env := range envs {
			a.cache.Set(store.TicketKey(table, env.SysID), env)
			warmed++
		}
	}
	return map[string]interface{}{"flushed": flushed, "warmed": warmed}, nil
}

// handleCleanup sweeps expired terminal jobs and stale claims.
func (a *app) handleCleanup(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
	reaped, err := a.queue.ReapStale(ctx)
	if err != nil {
		return nil, worker.Retryable(err, worker.KindInternal)
	}
	removed, err := a.queue.Cleanup(ctx)
	if err != nil {
		return nil, worker.Retryable(err, worker.KindInternal)
	}
	return map[string]interface{}{"reaped": reaped, "removed": removed}, nil
}

// handleIndex (re)creates the Mango indexes backing the query paths.
func (a *app) handleIndex(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
	if err := a.tickets.EnsureIndexes(ctx, a.cfg.Sync.Tables); err != nil {
		return nil, worker.Retryable(err, worker.KindInternal)
	}
	return map[string]interface{}{"tables": len(a.cfg.Sync.Tables)}, nil
}

// handleReport aggregates queue, store and operation statistics into
// the job result.
func (a *app) handleReport(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
	stats, err := a.queue.Stats(ctx)
	if err != nil {
		return nil, worker.Retryable(err, worker.KindInternal)
	}

	counts := make(map[string]interface{}, len(a.cfg.Sync.Tables))
	for _, table := range a.cfg.Sync.Tables {
		n, err := a.tickets.Count(ctx, table)
		if err != nil {
			return nil, worker.Retryable(err, worker.KindInternal)
		}
		counts[table] = n
	}
	return map[string]interface{}{
		"queue":      stats,
		"documents":  counts,
		"operations": a.state.GetStats(),
	}, nil
}

// handleBackup exports every configured table into one directory.
func (a *app) handleBackup(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
	dir := stringField(job.Payload, "dir")
	if dir == "" {
		dir = filepath.Join(os.TempDir(), fmt.Sprintf("nowbridge-backup-%d", time.Now().Unix()))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, worker.NonRetryable(err, worker.KindValidation)
	}

	var exported, bytes int64
	for _, table := range a.cfg.Sync.Tables {
		res, err := a.tickets.Export(ctx, table, filepath.Join(dir, table+".ndjson"))
		if err != nil {
			return nil, worker.Retryable(err, worker.KindInternal)
		}
		exported += res.Exported
		bytes += res.Bytes
	}
	return map[string]interface{}{"dir": dir, "exported": exported, "bytes": bytes}, nil
}

// handleUpload pushes payload fields back to the upstream record.
func (a *app) handleUpload(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
	table := stringField(job.Payload, "table")
	sysID := stringField(job.Payload, "sys_id")
	fields, _ := job.Payload["fields"].(map[string]interface{})
	if table == "" || sysID == "" || len(fields) == 0 {
		return nil, worker.NonRetryable(errors.New("upload requires table, sys_id and fields"), worker.KindValidation)
	}

	if _, err := a.upstream.UpdateRecord(ctx, table, sysID, fields); err != nil {
		return nil, worker.Retryable(err, worker.KindUpstream)
	}
	if _, err := a.engine.ForceSync(ctx, table, sysID); err != nil {
		return nil, worker.Retryable(err, worker.KindUpstream)
	}
	return map[string]interface{}{"table": table, "sys_id": sysID, "fields": len(fields)}, nil
}

// handleNotify publishes an operator message on the broker.
func (a *app) handleNotify(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
	if a.notifier == nil {
		return nil, worker.NonRetryable(errors.New("notifications are not configured"), worker.KindValidation)
	}

	note := notification.Notification{
		Kind:    stringField(job.Payload, "kind"),
		Subject: stringField(job.Payload, "subject"),
		Message: stringField(job.Payload, "message"),
	}
	if details, ok := job.Payload["details"].(map[string]interface{}); ok {
		note.Details = details
	}
	if err := a.notifier.Publish(note); err != nil {
		return nil, worker.Retryable(err, worker.KindNetwork)
	}
	return map[string]interface{}{"published": true}, nil
}
