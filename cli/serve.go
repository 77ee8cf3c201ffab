package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"nowbridge.evalgo.org/api"
	"nowbridge.evalgo.org/changelog"
	"nowbridge.evalgo.org/common"
	"nowbridge.evalgo.org/config"
	"nowbridge.evalgo.org/fanout"
	"nowbridge.evalgo.org/httpx"
	"nowbridge.evalgo.org/notification"
	"nowbridge.evalgo.org/queue"
	"nowbridge.evalgo.org/scheduler"
	"nowbridge.evalgo.org/security"
	"nowbridge.evalgo.org/servicenow"
	"nowbridge.evalgo.org/statemanager"
	"nowbridge.evalgo.org/store"
	"nowbridge.evalgo.org/stream"
	"nowbridge.evalgo.org/syncer"
	"nowbridge.evalgo.org/version"
	"nowbridge.evalgo.org/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the platform: workers, scheduler, sync engine and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

// app holds every long-lived component of a running instance, in the
// order they are built. stop tears them down in reverse.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger

	queueRDB *redis.Client
	schedRDB *redis.Client

	queue    *queue.Queue
	sched    *scheduler.Scheduler
	pool     *worker.Pool
	upstream *servicenow.Client
	tickets  *store.TicketStore
	cache    *store.Cache
	changes  *changelog.Log
	engine   *syncer.Engine
	proc     *stream.Processor[changelog.Event]
	hub      *fanout.Hub
	notifier *notification.Notifier
	state    *statemanager.Manager
	jwt      *security.JWTService

	cancel context.CancelFunc
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg *config.Config) *logrus.Logger {
	return common.NewLogger(common.LoggerConfig{
		Level:      common.LogLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		Service:    "nowbridge",
		TimeFormat: time.RFC3339,
	})
}

// buildApp constructs every component but starts nothing.
func buildApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	a.queueRDB = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Host,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.QueueDB,
	})
	a.schedRDB = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Host,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.SchedulerDB,
	})

	q, err := queue.New(ctx, a.queueRDB, queue.Config{
		LeaseTimeout:    cfg.Queue.LeaseTimeout,
		Retention:       cfg.Queue.Retention,
		MaxPayloadBytes: cfg.Queue.MaxPayloadBytes,
	}, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("queue: %w", err)
	}
	a.queue = q

	a.sched = scheduler.New(a.schedRDB, q, scheduler.Config{}, logger)

	a.upstream, err = servicenow.NewClient(servicenow.Config{
		InstanceURL:   cfg.ServiceNow.InstanceURL,
		Username:      cfg.ServiceNow.Username,
		Password:      cfg.ServiceNow.Password,
		Timeout:       cfg.ServiceNow.Timeout,
		RetryMax:      cfg.ServiceNow.RetryMax,
		RetryInterval: cfg.ServiceNow.RetryInterval,
	}, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("servicenow: %w", err)
	}

	a.tickets, err = store.NewTicketStore(ctx, store.Config{
		URL:             cfg.CouchDB.URL,
		Username:        cfg.CouchDB.Username,
		Password:        cfg.CouchDB.Password,
		CreateIfMissing: cfg.CouchDB.CreateIfMissing,
	}, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("couchdb: %w", err)
	}

	a.cache = store.NewCache(5 * time.Minute)
	a.changes = changelog.New(a.queueRDB, changelog.Config{}, logger)

	a.engine, err = syncer.New(a.upstream, a.tickets, a.changes, syncer.Config{
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
		a.close()
		return nil, fmt.Errorf("syncer: %w", err)
	}

	// Change events flow through the stream processor to keep the read
	// cache coherent and to feed live throughput metrics.
	a.proc, err = stream.NewProcessor[changelog.Event](stream.Config{
		BackpressureStrategy: "throttle",
		Monitoring:           stream.MonitoringConfig{Enabled: true},
	}, func(ctx context.Context, batch []changelog.Event) error {
		for _, ev := range batch {
			a.cache.Invalidate(store.TicketKey(ev.EntityType, ev.SysID))
		}
		return nil
	}, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("stream: %w", err)
	}

	a.hub = fanout.New(a.changes, fanout.Config{EntityTypes: cfg.Sync.Tables}, func() interface{} {
		return a.proc.Snapshot()
	}, logger)

	if cfg.AMQP.URL != "" {
		a.notifier, err = notification.New(notification.Config{
			URL:   cfg.AMQP.URL,
			Queue: cfg.AMQP.Queue,
		}, logger)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("notification: %w", err)
		}
	}

	a.state = statemanager.New(statemanager.Config{ServiceName: "nowbridge"})

	a.jwt, err = security.NewJWTService(cfg.Security.JWTSecret, "nowbridge")
	if err != nil {
		a.close()
		return nil, fmt.Errorf("security: %w", err)
	}

	a.pool = worker.NewPool(q, worker.Config{
		Workers:           cfg.Queue.Workers,
		DeadLetterEnabled: true,
	}, logger)
	a.registerHandlers()

	return a, nil
}

// start launches the background loops.
func (a *app) start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.pool.Start(ctx)
	a.sched.Start(ctx)
	a.proc.Start(ctx)

	instance := uuid.New().String()[:8]

	// The sync engine consumes the change feed so records changed by
	// other producers converge into the store.
	if err := a.changes.RegisterConsumer(ctx, a.cfg.Sync.Tables, "sync-engine", "sync-"+instance, a.engine.HandleStreamChange); err != nil {
		return fmt.Errorf("changelog consumer: %w", err)
	}
	// The cache invalidator consumes the same feed through the stream
	// processor's backpressure and metrics machinery.
	if err := a.changes.RegisterConsumer(ctx, a.cfg.Sync.Tables, "cache-invalidator", "cache-"+instance, func(ctx context.Context, ev changelog.Event) error {
		if err := a.proc.Offer(ctx, ev); err != nil && !errors.Is(err, stream.ErrStopped) {
			return err
		}
		return nil
	}); err != nil {
		return fmt.Errorf("changelog consumer: %w", err)
	}

	if a.notifier != nil {
		a.notifier.WatchQueueEvents(ctx, a.queue.Subscribe())
	}
	return nil
}

// stop tears the instance down in reverse dependency order.
func (a *app) stop() {
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.pool != nil {
		a.pool.Stop()
	}
	if a.proc != nil {
		a.proc.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.close()
}

// close releases connections. Safe on a partially built app.
func (a *app) close() {
	if a.notifier != nil {
		_ = a.notifier.Close()
	}
	if a.tickets != nil {
		_ = a.tickets.Close()
	}
	if a.queueRDB != nil {
		_ = a.queueRDB.Close()
	}
	if a.schedRDB != nil {
		_ = a.schedRDB.Close()
	}
}

// serve runs the full platform until SIGINT/SIGTERM.
func serve(cfg *config.Config) error {
	logger := newLogger(cfg)
	ctx := context.Background()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if err := a.tickets.EnsureIndexes(ctx, cfg.Sync.Tables); err != nil {
		logger.Warnf("index creation failed: %v", err)
	}

	if err := a.start(ctx); err != nil {
		a.stop()
		return err
	}

	apiServer := api.New(api.Config{
		JWTSecret:     cfg.Security.JWTSecret,
		JWTExpiration: cfg.Security.JWTExpiration,
		APIUsername:   cfg.Security.APIUsername,
		APIPassword:   cfg.Security.APIPassword,
		Tables:        cfg.Sync.Tables,
		Version:       version.GetVersion(),
	}, a.queue, a.sched, a.engine, a.tickets, a.upstream, a.cache, a.hub, a.changes, a.state, a.jwt, logger)

	serverCfg := httpx.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		Debug:           cfg.Server.Debug,
		BodyLimit:       "10M",
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	}
	e := httpx.NewEchoServer(serverCfg)
	apiServer.RegisterRoutes(e)

	logger.Infof("nowbridge %s listening on %s:%d", version.GetVersion(), cfg.Server.Host, cfg.Server.Port)
	err = httpx.StartServer(e, serverCfg)

	a.stop()
	return err
}
