package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"nowbridge.evalgo.org/config"
	"nowbridge.evalgo.org/servicenow"
	"nowbridge.evalgo.org/store"
	"nowbridge.evalgo.org/syncer"
)

var syncFull bool

var syncCmd = &cobra.Command{
	Use:   "sync [table]",
	Short: "Run a one-shot sync and exit",
	Long: `Sync pulls changed records from the upstream instance into the local
document store. With a table argument only that table is synced;
without one every configured table is. The change feed is not written,
so a running serve instance is unaffected.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		table := ""
		if len(args) == 1 {
			table = args[0]
		}
		return runSync(cfg, table, syncFull)
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncFull, "full", false, "use the full lookback window instead of the delta window")
}

// runSync builds just enough of the platform for one sync pass.
func runSync(cfg *config.Config, table string, full bool) error {
	logger := newLogger(cfg)
	ctx := context.Background()

	upstream, err := servicenow.NewClient(servicenow.Config{
		InstanceURL:   cfg.ServiceNow.InstanceURL,
		Username:      cfg.ServiceNow.Username,
		Password:      cfg.ServiceNow.Password,
		Timeout:       cfg.ServiceNow.Timeout,
		RetryMax:      cfg.ServiceNow.RetryMax,
		RetryInterval: cfg.ServiceNow.RetryInterval,
	}, logger)
	if err != nil {
		return fmt.Errorf("servicenow: %w", err)
	}

	tickets, err := store.NewTicketStore(ctx, store.Config{
		URL:             cfg.CouchDB.URL,
		Username:        cfg.CouchDB.Username,
		Password:        cfg.CouchDB.Password,
		CreateIfMissing: cfg.CouchDB.CreateIfMissing,
	}, logger)
	if err != nil {
		return fmt.Errorf("couchdb: %w", err)
	}
	defer tickets.Close()

	engine, err := syncer.New(upstream, tickets, nil, syncer.Config{
		Tables:         cfg.Sync.Tables,
		BatchSize:      cfg.Sync.BatchSize,
		DeltaWindow:    cfg.Sync.DeltaWindow,
		FullWindow:     cfg.Sync.FullWindow,
		BatchDelay:     cfg.Sync.BatchDelay,
		TableDelay:     cfg.Sync.TableDelay,
		ConflictPolicy: cfg.Sync.ConflictPolicy,
		CriticalFields: cfg.Sync.CriticalFields,
	}, logger)
	if err != nil {
		return fmt.Errorf("syncer: %w", err)
	}

	opts := syncer.Options{Full: full}
	var results []*syncer.Result
	if table != "" {
		r, err := engine.SyncTable(ctx, table, opts)
		if err != nil {
			return err
		}
		results = append(results, r)
	} else {
		results, err = engine.SyncAll(ctx, opts)
		if err != nil {
			return err
		}
	}

	for _, r := range results {
		fmt.Printf("%-16s processed=%d created=%d updated=%d conflicts=%d errors=%d in %s\n",
			r.Table, r.Processed, r.Created, r.Updated, r.Conflicts, r.Errors, r.Duration.Round(time.Millisecond))
	}
	return nil
}
