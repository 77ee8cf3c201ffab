// Package syncer pulls changed records from the upstream system in
// bounded batches and reconciles them into the document store,
// detecting and resolving field-level conflicts on the way.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"nowbridge.evalgo.org/changelog"
	"nowbridge.evalgo.org/common"
	"nowbridge.evalgo.org/servicenow"
	"nowbridge.evalgo.org/store"
)

// Upstream is the slice of the Table API client the engine needs.
type Upstream interface {
	GetRecords(ctx context.Context, table string, q servicenow.Query) ([]servicenow.Record, error)
	GetRecord(ctx context.Context, table, sysID string) (servicenow.Record, error)
}

// Store is the slice of the document store the engine needs.
type Store interface {
	Get(ctx context.Context, table, sysID string) (*store.Envelope, error)
	Save(ctx context.Context, table string, env *store.Envelope) error
}

// Publisher receives a change event after every successful upsert. May
// be nil to disable publication.
type Publisher interface {
	Append(ctx context.Context, event changelog.Event) (string, error)
}

// Config contains sync tuning; zero values take the defaults below.
type Config struct {
	Tables         []string
	BatchSize      int
	DeltaWindow    time.Duration
	FullWindow     time.Duration
	BatchDelay     time.Duration
	TableDelay     time.Duration
	ConflictPolicy string
	CriticalFields []string
}

// Result summarises one table sync.
type Result struct {
	Table        string        `json:"table"`
	Processed    int           `json:"processed"`
	Created      int           `json:"created"`
	Updated      int           `json:"updated"`
	Errors       int           `json:"errors"`
	Conflicts    int           `json:"conflicts"`
	Duration     time.Duration `json:"duration"`
	LastSyncTime time.Time     `json:"last_sync_time"`
}

// Options tweaks a single sync run.
type Options struct {
	// Full widens the lookback window from DeltaWindow to FullWindow
	Full bool
}

// Engine is the sync engine. Tables run sequentially; records within a
// batch are processed in order.
type Engine struct {
	upstream Upstream
	store    Store
	changes  Publisher
	cfg      Config
	memo     *conflictMemo
	log      *common.ContextLogger

	// sleep is swappable so tests do not wait out the rate delays
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a sync engine.
func New(upstream Upstream, st Store, changes Publisher, cfg Config, logger *logrus.Logger) (*Engine, error) {
	if upstream == nil || st == nil {
		return nil, fmt.Errorf("syncer: upstream and store are required")
	}
	if cfg.ConflictPolicy == "" {
		cfg.ConflictPolicy = PolicyNewestWins
	}
	if !ValidPolicy(cfg.ConflictPolicy) {
		return nil, fmt.Errorf("syncer: unknown conflict policy %q", cfg.ConflictPolicy)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.DeltaWindow <= 0 {
		cfg.DeltaWindow = 24 * time.Hour
	}
	if cfg.FullWindow <= 0 {
		cfg.FullWindow = 168 * time.Hour
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = 500 * time.Millisecond
	}
	if cfg.TableDelay <= 0 {
		cfg.TableDelay = time.Second
	}
	if len(cfg.CriticalFields) == 0 {
		cfg.CriticalFields = DefaultCriticalFields
	}

	return &Engine{
		upstream: upstream,
		store:    st,
		changes:  changes,
		cfg:      cfg,
		memo:     newConflictMemo(),
		log:      common.NewContextLogger(logger, map[string]interface{}{"component": "syncer"}),
		sleep:    sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SyncTable pulls all records of one table changed within the lookback
// window and reconciles them into the store.
func (e *Engine) SyncTable(ctx context.Context, table string, opts Options) (*Result, error) {
	start := time.Now()
	window := e.cfg.DeltaWindow
	if opts.Full {
		window = e.cfg.FullWindow
	}
	since := start.UTC().Add(-window)

	result := &Result{Table: table}
	logger := e.log.WithField("table", table)
	logger.Infof("sync started (window %s, batch %d)", window, e.cfg.BatchSize)

	offset := 0
	for {
		batch, err := e.upstream.GetRecords(ctx, table, servicenow.Query{
			Query:  fmt.Sprintf("sys_updated_on>=%s", servicenow.FormatTime(since)),
			Limit:  e.cfg.BatchSize,
			Offset: offset,
		})
		if err != nil {
			return result, fmt.Errorf("syncer: fetch %s batch at offset %d: %w", table, offset, err)
		}

		for _, rec := range batch {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			e.processRecord(ctx, table, rec, result, true)
		}
		offset += len(batch)

		// A short batch means the table is exhausted.
		if len(batch) < e.cfg.BatchSize {
			break
		}
		if err := e.sleep(ctx, e.cfg.BatchDelay); err != nil {
			return result, err
		}
	}

	result.Duration = time.Since(start)
	result.LastSyncTime = time.Now().UTC()
	logger.Infof("sync finished: processed=%d created=%d updated=%d conflicts=%d errors=%d in %s",
		result.Processed, result.Created, result.Updated, result.Conflicts, result.Errors, result.Duration)
	return result, nil
}

// SyncAll syncs every configured table sequentially and prunes the
// resolved conflict memo afterwards.
func (e *Engine) SyncAll(ctx context.Context, opts Options) ([]*Result, error) {
	var results []*Result
	for i, table := range e.cfg.Tables {
		if i > 0 {
			if err := e.sleep(ctx, e.cfg.TableDelay); err != nil {
				return results, err
			}
		}
		res, err := e.SyncTable(ctx, table, opts)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}

	if pruned := e.memo.pruneResolved(); pruned > 0 {
		e.log.Debugf("pruned %d resolved conflicts", pruned)
	}
	return results, nil
}

// ForceSync fetches one record by sys_id, bypassing the batch loop,
// and reconciles it. Returns true when the record was written.
func (e *Engine) ForceSync(ctx context.Context, table, sysID string) (bool, error) {
	rec, err := e.upstream.GetRecord(ctx, table, sysID)
	if err != nil {
		return false, fmt.Errorf("syncer: force sync %s/%s: %w", table, sysID, err)
	}

	result := &Result{Table: table}
	e.processRecord(ctx, table, rec, result, true)
	return result.Errors == 0, nil
}

// HandleStreamChange reconciles a single record in response to a
// change event. The upsert is not republished, otherwise the engine
// would consume its own output.
func (e *Engine) HandleStreamChange(ctx context.Context, event changelog.Event) error {
	if event.SysID == "" || event.EntityType == "" {
		return fmt.Errorf("syncer: change event missing sys_id or entity_type")
	}

	rec, err := e.upstream.GetRecord(ctx, event.EntityType, event.SysID)
	if err != nil {
		return fmt.Errorf("syncer: fetch changed record %s/%s: %w", event.EntityType, event.SysID, err)
	}

	result := &Result{Table: event.EntityType}
	e.processRecord(ctx, event.EntityType, rec, result, false)
	if result.Errors > 0 {
		return fmt.Errorf("syncer: reconcile %s/%s failed", event.EntityType, event.SysID)
	}
	return nil
}

// Conflicts returns the current conflict memo contents.
func (e *Engine) Conflicts() []*Conflict {
	return e.memo.list()
}

// processRecord reconciles one upstream record into the store.
func (e *Engine) processRecord(ctx context.Context, table string, rec servicenow.Record, result *Result, publish bool) {
	result.Processed++
	sysID := rec.SysID()
	logger := e.log.WithField("table", table).WithField("sys_id", sysID)

	if sysID == "" {
		logger.Warnf("record without sys_id skipped")
		result.Errors++
		return
	}

	env, err := e.store.Get(ctx, table, sysID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		env = store.NewEnvelope(rec)
		if err := e.store.Save(ctx, table, env); err != nil {
			logger.Errorf("insert failed: %v", err)
			result.Errors++
			return
		}
		result.Created++
		if publish {
			e.publish(ctx, table, rec, changelog.ActionCreated)
		}
		return

	case err != nil:
		logger.Errorf("lookup failed: %v", err)
		result.Errors++
		return
	}

	diff := divergentFields(env.EntityPayload, rec, e.cfg.CriticalFields)
	if len(diff) == 0 {
		// Non-critical divergence: upstream always wins.
		env.Refresh(rec)
		if err := e.store.Save(ctx, table, env); err != nil {
			logger.Errorf("update failed: %v", err)
			result.Errors++
			return
		}
		result.Updated++
		if publish {
			e.publish(ctx, table, rec, changelog.ActionUpdated)
		}
		return
	}

	result.Conflicts++
	conflict := &Conflict{
		SysID:           sysID,
		EntityType:      table,
		StoredSnapshot:  env.EntityPayload,
		UpstreamRecord:  rec,
		DivergentFields: diff,
		Resolution:      "pending",
		DetectedAt:      time.Now().UTC(),
	}
	e.memo.put(table, conflict)

	winner, err := resolve(e.cfg.ConflictPolicy, env, rec)
	if err != nil {
		logger.Warnf("conflict on %v unresolved: %v", diff, err)
		result.Errors++
		return
	}

	conflict.Resolution = "resolved"
	conflict.Winner = winner
	logger.Infof("conflict on %v resolved for %s", diff, winner)

	if winner == "upstream" {
		env.Refresh(rec)
	} else {
		// Stored side wins: keep the payload, advance the bookkeeping.
		env.Refresh(env.EntityPayload)
	}
	if err := e.store.Save(ctx, table, env); err != nil {
		logger.Errorf("conflict write failed: %v", err)
		result.Errors++
		return
	}
	result.Updated++
	if publish {
		e.publish(ctx, table, env.EntityPayload, changelog.ActionUpdated)
	}
}

func (e *Engine) publish(ctx context.Context, table string, rec servicenow.Record, action string) {
	if e.changes == nil {
		return
	}
	_, err := e.changes.Append(ctx, changelog.Event{
		EntityType: table,
		SysID:      rec.SysID(),
		Action:     action,
		Record:     rec,
	})
	if err != nil {
		// Publication failure never blocks the sync itself.
		e.log.Warnf("change publication failed for %s/%s: %v", table, rec.SysID(), err)
	}
}
