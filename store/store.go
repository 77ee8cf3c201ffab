package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // The CouchDB driver
	"github.com/sirupsen/logrus"

	"nowbridge.evalgo.org/common"
)

// ErrNotFound is returned when no envelope exists for a sys_id.
var ErrNotFound = fmt.Errorf("store: document not found")

// Collection names per tracked upstream table. Unknown tables get a
// derived name so a new table can be tracked without a code change.
var collections = map[string]string{
	"incident":       "sn_incidents_collection",
	"change_task":    "sn_ctasks_collection",
	"sc_task":        "sn_sctasks_collection",
	"sys_user_group": "sn_groups",
}

// CollectionFor maps an upstream table to its backing database name.
func CollectionFor(table string) string {
	if name, ok := collections[table]; ok {
		return name
	}
	return "sn_" + table + "_collection"
}

// Config contains document store connection settings.
type Config struct {
	URL             string
	Username        string
	Password        string
	CreateIfMissing bool
}

// TicketStore persists sync envelopes in CouchDB, one database per
// tracked table.
type TicketStore struct {
	client *kivik.Client
	create bool
	log    *common.ContextLogger
}

// NewTicketStore connects to CouchDB and verifies the server is
// reachable.
func NewTicketStore(ctx context.Context, cfg Config, logger *logrus.Logger) (*TicketStore, error) {
	dsn, err := connectionURL(cfg)
	if err != nil {
		return nil, err
	}

	client, err := kivik.New("couch", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if _, err := client.Version(ctx); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &TicketStore{
		client: client,
		create: cfg.CreateIfMissing,
		log:    common.NewContextLogger(logger, map[string]interface{}{"component": "store"}),
	}, nil
}

func connectionURL(cfg Config) (string, error) {
	if cfg.URL == "" {
		return "", fmt.Errorf("store: URL is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("store: invalid URL: %w", err)
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	return u.String(), nil
}

// db returns the database for a table, creating it when configured to.
func (s *TicketStore) db(ctx context.Context, table string) (*kivik.DB, error) {
	name := CollectionFor(table)
	if s.create {
		exists, err := s.client.DBExists(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("store: check %s: %w", name, err)
		}
		if !exists {
			if err := s.client.CreateDB(ctx, name); err != nil {
				return nil, fmt.Errorf("store: create %s: %w", name, err)
			}
			s.log.Infof("created collection %s", name)
		}
	}
	return s.client.DB(name), nil
}

// Get loads the envelope for a sys_id.
func (s *TicketStore) Get(ctx context.Context, table, sysID string) (*Envelope, error) {
	db, err := s.db(ctx, table)
	if err != nil {
		return nil, err
	}

	row := db.Get(ctx, sysID)
	if err := row.Err(); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get %s/%s: %w", table, sysID, err)
	}

	var env Envelope
	if err := row.ScanDoc(&env); err != nil {
		return nil, fmt.Errorf("store: decode %s/%s: %w", table, sysID, err)
	}
	return &env, nil
}

// Save upserts an envelope. A stale revision is reloaded and retried
// once; concurrent writers within one sync worker do not occur, so a
// second conflict is a real error.
func (s *TicketStore) Save(ctx context.Context, table string, env *Envelope) error {
	db, err := s.db(ctx, table)
	if err != nil {
		return err
	}
	if env.ID == "" {
		env.ID = env.SysID
	}

	rev, err := db.Put(ctx, env.ID, env)
	if kivik.HTTPStatus(err) == http.StatusConflict {
		current := db.Get(ctx, env.ID)
		if current.Err() == nil {
			if r, revErr := current.Rev(); revErr == nil {
				env.Rev = r
				rev, err = db.Put(ctx, env.ID, env)
			}
		}
	}
	if err != nil {
		return fmt.Errorf("store: save %s/%s: %w", table, env.ID, err)
	}
	env.Rev = rev
	return nil
}

// Delete removes an envelope.
func (s *TicketStore) Delete(ctx context.Context, table, sysID string) error {
	env, err := s.Get(ctx, table, sysID)
	if err != nil {
		return err
	}
	db, dbErr := s.db(ctx, table)
	if dbErr != nil {
		return dbErr
	}
	if _, err := db.Delete(ctx, sysID, env.Rev); err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", table, sysID, err)
	}
	return nil
}

// Find runs a Mango selector against a table's collection.
func (s *TicketStore) Find(ctx context.Context, table string, selector map[string]interface{}, limit int) ([]*Envelope, error) {
	db, err := s.db(ctx, table)
	if err != nil {
		return nil, err
	}

	query := map[string]interface{}{"selector": selector}
	if limit > 0 {
		query["limit"] = limit
	}

	rows := db.Find(ctx, query)
	defer rows.Close()

	var result []*Envelope
	for rows.Next() {
		var env Envelope
		if err := rows.ScanDoc(&env); err != nil {
			return nil, fmt.Errorf("store: decode query row: %w", err)
		}
		result = append(result, &env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query %s: %w", table, err)
	}
	return result, nil
}

// Count returns the number of documents in a table's collection.
func (s *TicketStore) Count(ctx context.Context, table string) (int64, error) {
	db, err := s.db(ctx, table)
	if err != nil {
		return 0, err
	}
	stats, err := db.Stats(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: stats %s: %w", table, err)
	}
	return stats.DocCount, nil
}

// indexFields are the Mango indexes maintained per collection. They
// back the dashboard filters and the partition scans.
var indexFields = [][]string{
	{"entity_payload.state"},
	{"entity_payload.priority"},
	{"entity_payload.assignment_group"},
	{"number"},
	{"partition_prefix"},
	{"updated_at"},
}

// EnsureIndexes creates the standard query indexes on every tracked
// table. Existing indexes are left untouched.
func (s *TicketStore) EnsureIndexes(ctx context.Context, tables []string) error {
	for _, table := range tables {
		db, err := s.db(ctx, table)
		if err != nil {
			return err
		}
		for _, fields := range indexFields {
			name := "idx-" + fields[0]
			def := map[string]interface{}{"fields": fields}
			if err := db.CreateIndex(ctx, "", name, def); err != nil {
				return fmt.Errorf("store: index %s on %s: %w", name, table, err)
			}
		}
		s.log.Infof("ensured %d indexes on %s", len(indexFields), CollectionFor(table))
	}
	return nil
}

// ExportResult summarises one table export.
type ExportResult struct {
	Exported int64 `json:"exported"`
	Bytes    int64 `json:"bytes"`
}

// Export streams every envelope of a table to path as newline
// delimited JSON, the staging format the downstream columnar converter
// consumes.
func (s *TicketStore) Export(ctx context.Context, table, path string) (*ExportResult, error) {
	db, err := s.db(ctx, table)
	if err != nil {
		return nil, err
	}

	rows := db.AllDocs(ctx, kivik.Param("include_docs", true))
	defer rows.Close()

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("store: create export file: %w", err)
	}
	defer f.Close()

	result := &ExportResult{}
	enc := json.NewEncoder(f)
	for rows.Next() {
		var env Envelope
		if err := rows.ScanDoc(&env); err != nil {
			// Design documents have no envelope shape.
			continue
		}
		if env.SysID == "" {
			continue
		}
		if err := enc.Encode(&env); err != nil {
			return nil, fmt.Errorf("store: write export: %w", err)
		}
		result.Exported++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: export %s: %w", table, err)
	}

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("store: stat export file: %w", err)
	}
	result.Bytes = info.Size()

	s.log.Infof("exported %d documents (%d bytes) from %s", result.Exported, result.Bytes, table)
	return result, nil
}

// Health reports connectivity and per-table document counts.
func (s *TicketStore) Health(ctx context.Context, tables []string) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.client.Version(ctx); err != nil {
		return nil, fmt.Errorf("store: unreachable: %w", err)
	}

	counts := make(map[string]interface{}, len(tables))
	for _, table := range tables {
		n, err := s.Count(ctx, table)
		if err != nil {
			counts[table] = err.Error()
			continue
		}
		counts[table] = n
	}
	return counts, nil
}

// Close releases the underlying connection.
func (s *TicketStore) Close() error {
	return s.client.Close()
}
