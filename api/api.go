// Package api exposes the platform over HTTP: job management,
// schedules, sync control, ticket documents and the event streams.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"nowbridge.evalgo.org/changelog"
	"nowbridge.evalgo.org/common"
	"nowbridge.evalgo.org/fanout"
	"nowbridge.evalgo.org/queue"
	"nowbridge.evalgo.org/scheduler"
	"nowbridge.evalgo.org/security"
	"nowbridge.evalgo.org/servicenow"
	"nowbridge.evalgo.org/statemanager"
	"nowbridge.evalgo.org/store"
	"nowbridge.evalgo.org/syncer"
)

// Envelope is the uniform response wrapper.
type Envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func respond(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, Envelope{Success: true, Data: data, Timestamp: time.Now().UTC()})
}

func respondError(c echo.Context, status int, err error) error {
	return c.JSON(status, Envelope{Success: false, Error: err.Error(), Timestamp: time.Now().UTC()})
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound),
		errors.Is(err, scheduler.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrTerminal):
		return http.StatusConflict
	case errors.Is(err, queue.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, scheduler.ErrInvalidCron):
		return http.StatusBadRequest
	}
	var reqErr *servicenow.RequestError
	if errors.As(err, &reqErr) && reqErr.StatusCode == http.StatusNotFound {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// SyncEngine is the slice of the sync engine the API drives.
type SyncEngine interface {
	SyncTable(ctx context.Context, table string, opts syncer.Options) (*syncer.Result, error)
	SyncAll(ctx context.Context, opts syncer.Options) ([]*syncer.Result, error)
	ForceSync(ctx context.Context, table, sysID string) (bool, error)
	Conflicts() []*syncer.Conflict
}

// TicketStore is the slice of the document store the API reads.
type TicketStore interface {
	Get(ctx context.Context, table, sysID string) (*store.Envelope, error)
	Find(ctx context.Context, table string, selector map[string]interface{}, limit int) ([]*store.Envelope, error)
	Health(ctx context.Context, tables []string) (map[string]interface{}, error)
}

// Upstream is the slice of the Table API client used for partial
// updates from the modal.
type Upstream interface {
	UpdateRecord(ctx context.Context, table, sysID string, fields map[string]interface{}) (servicenow.Record, error)
}

// Config carries the API-level settings.
type Config struct {
	JWTSecret     string
	JWTExpiration time.Duration
	APIUsername   string
	APIPassword   string
	Tables        []string
	Version       string
}

// Server wires the platform components behind the HTTP routes. Any
// nil dependency disables its routes.
type Server struct {
	cfg      Config
	queue    *queue.Queue
	sched    *scheduler.Scheduler
	engine   SyncEngine
	tickets  TicketStore
	upstream Upstream
	cache    *store.Cache
	hub      *fanout.Hub
	changes  *changelog.Log
	state    *statemanager.Manager
	jwt      *security.JWTService
	log      *common.ContextLogger
}

// New creates the API server.
func New(cfg Config, q *queue.Queue, sched *scheduler.Scheduler, engine SyncEngine, tickets TicketStore, upstream Upstream, cache *store.Cache, hub *fanout.Hub, changes *changelog.Log, state *statemanager.Manager, jwt *security.JWTService, logger *logrus.Logger) *Server {
	if cfg.JWTExpiration <= 0 {
		cfg.JWTExpiration = security.DefaultTokenLifetime
	}
	return &Server{
		cfg:      cfg,
		queue:    q,
		sched:    sched,
		engine:   engine,
		tickets:  tickets,
		upstream: upstream,
		cache:    cache,
		hub:      hub,
		changes:  changes,
		state:    state,
		jwt:      jwt,
		log:      common.NewContextLogger(logger, map[string]interface{}{"component": "api"}),
	}
}

// RegisterRoutes mounts all routes on e. Everything under /api/v1
// requires a bearer token; health, the token endpoint and the event
// streams are public (streams carry the token in the query string of
// the browser's EventSource, which cannot set headers).
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", s.handleHealth)
	e.POST("/auth/token", s.handleToken)

	v1 := e.Group("/api/v1")
	if s.jwt != nil {
		v1.Use(echojwt.WithConfig(echojwt.Config{
			SigningKey:    []byte(s.cfg.JWTSecret),
			SigningMethod: "HS256",
		}))
	}

	v1.POST("/tasks", s.handleCreateTask)
	v1.GET("/tasks", s.handleListTasks)
	v1.GET("/tasks/stats", s.handleTaskStats)
	v1.GET("/tasks/history", s.handleTaskHistory)
	v1.GET("/tasks/health", s.handleHealth)
	v1.GET("/tasks/dead-letter", s.handleDeadLetter)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.POST("/tasks/:id/cancel", s.handleCancelTask)

	// Typed shortcuts for the common operations.
	v1.POST("/tasks/export/parquet", s.shortcut(queue.TypeParquetExport))
	v1.POST("/tasks/pipeline/execute", s.shortcut(queue.TypePipelineExecution))
	v1.POST("/tasks/sync/data", s.shortcut(queue.TypeDataSync))
	v1.POST("/tasks/cache/refresh", s.shortcut(queue.TypeCacheRefresh))

	v1.POST("/tasks/scheduled", s.handleCreateScheduled)
	v1.GET("/tasks/scheduled", s.handleListScheduled)
	v1.GET("/tasks/scheduled/stats", s.handleScheduledStats)
	v1.GET("/tasks/scheduled/:id", s.handleGetScheduled)
	v1.PATCH("/tasks/scheduled/:id", s.handleUpdateScheduled)
	v1.DELETE("/tasks/scheduled/:id", s.handleDeleteScheduled)
	v1.POST("/tasks/scheduled/:id/trigger", s.handleTriggerScheduled)
	v1.POST("/tasks/scheduled/:id/enable", s.handleEnableScheduled)

	v1.POST("/sync/all", s.handleSyncAll)
	v1.POST("/sync/force", s.handleForceSync)
	v1.GET("/sync/conflicts", s.handleConflicts)
	v1.POST("/sync/:table", s.handleSyncTable)

	// The ticket modal's data endpoints.
	v1.GET("/modal/data/:table/:sys_id", s.handleGetTicket)
	v1.PUT("/modal/ticket/:table/:sys_id", s.handleUpdateTicket)
	v1.GET("/modal/refresh/:section/:table/:sys_id", s.handleTicketSection)

	e.GET("/events/ticket-updates/:sys_id", s.handleTicketEvents)
	e.GET("/events/performance", s.handlePerformanceEvents)
}

func (s *Server) handleHealth(c echo.Context) error {
	details := map[string]interface{}{}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	healthy := true
	if s.queue != nil {
		stats, err := s.queue.Stats(ctx)
		if err != nil {
			healthy = false
			details["queue"] = err.Error()
		} else {
			details["queue"] = stats
		}
	}
	if s.tickets != nil {
		counts, err := s.tickets.Health(ctx, s.cfg.Tables)
		if err != nil {
			healthy = false
			details["store"] = err.Error()
		} else {
			details["store"] = counts
		}
	}
	if s.state != nil {
		details["operations"] = s.state.GetStats()
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]interface{}{
		"status":  status,
		"service": "nowbridge",
		"version": s.cfg.Version,
		"details": details,
	})
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleToken(c echo.Context) error {
	if s.jwt == nil {
		return respondError(c, http.StatusNotImplemented, errors.New("authentication not configured"))
	}

	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, err)
	}
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.cfg.APIUsername))
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.cfg.APIPassword))
	if req.Username == "" || userOK&passOK != 1 {
		return respondError(c, http.StatusUnauthorized, errors.New("invalid credentials"))
	}

	token, err := s.jwt.GenerateToken(req.Username, s.cfg.JWTExpiration)
	if err != nil {
		return respondError(c, http.StatusInternalServerError, err)
	}
	return respond(c, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_in": int(s.cfg.JWTExpiration.Seconds()),
	})
}
