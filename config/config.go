// Package config provides configuration management for the NowBridge
// integration platform.
//
// Configuration is loaded from multiple sources with the following
// precedence (later sources override earlier ones):
//  1. Default values (SetConfigDefaults)
//  2. Configuration files (./config.yaml, ./configs/config.yaml,
//     ~/.nowbridge/config.yaml, /etc/nowbridge/config.yaml)
//  3. .env files
//  4. Environment variables with the NOWBRIDGE_ prefix
//
// Environment variables use underscores for nested keys:
//   - NOWBRIDGE_SERVER_PORT=8095
//   - NOWBRIDGE_SERVICENOW_INSTANCE_URL=https://dev.service-now.com
//   - NOWBRIDGE_COUCHDB_URL=http://localhost:5984
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the server listen port (default: 8080)
	Port int `mapstructure:"port"`

	// ReadTimeout is the maximum duration for reading requests
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration for writing responses.
	// Must be zero when SSE endpoints are served, otherwise long-lived
	// event streams are cut off by the server.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// AllowedOrigins are the CORS allowed origins
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// Debug enables debug logging and additional endpoints
	Debug bool `mapstructure:"debug"`
}

// ServiceNowConfig contains upstream instance connection settings.
type ServiceNowConfig struct {
	// InstanceURL is the base URL of the ServiceNow instance
	InstanceURL string `mapstructure:"instance_url"`

	// Username for basic authentication
	Username string `mapstructure:"username"`

	// Password for basic authentication
	Password string `mapstructure:"password"`

	// Timeout for individual REST calls
	Timeout time.Duration `mapstructure:"timeout"`

	// RetryMax is the number of retries on 429/5xx responses
	RetryMax int `mapstructure:"retry_max"`

	// RetryInterval is the initial retry backoff
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// CouchDBConfig contains document store connection settings.
type CouchDBConfig struct {
	// URL is the CouchDB server URL (e.g., http://localhost:5984)
	URL string `mapstructure:"url"`

	// Username for database authentication
	Username string `mapstructure:"username"`

	// Password for database authentication
	Password string `mapstructure:"password"`

	// CreateIfMissing automatically creates databases on startup
	CreateIfMissing bool `mapstructure:"create_if_missing"`
}

// RedisConfig contains broker connection settings shared by the queue,
// the scheduler and the change-log.
type RedisConfig struct {
	// Host is the broker address (host:port)
	Host string `mapstructure:"host"`

	// Password for broker authentication (empty for none)
	Password string `mapstructure:"password"`

	// QueueDB is the logical database index used by the job queue
	QueueDB int `mapstructure:"queue_db"`

	// SchedulerDB is the logical database index used by the scheduler
	SchedulerDB int `mapstructure:"scheduler_db"`
}

// AMQPConfig contains notification broker settings.
type AMQPConfig struct {
	// URL is the AMQP connection URL (empty disables notifications)
	URL string `mapstructure:"url"`

	// Queue is the durable queue notifications are published to
	Queue string `mapstructure:"queue"`
}

// QueueConfig contains job queue tuning.
type QueueConfig struct {
	// Workers is the number of concurrent workers in the pool
	Workers int `mapstructure:"workers"`

	// LeaseTimeout is how long a claimed job may sit in the running set
	// before the reaper re-enqueues it
	LeaseTimeout time.Duration `mapstructure:"lease_timeout"`

	// Retention is how long completed and failed jobs are kept
	Retention time.Duration `mapstructure:"retention"`

	// MaxPayloadBytes bounds the size of user-supplied job payloads
	MaxPayloadBytes int `mapstructure:"max_payload_bytes"`
}

// SyncConfig contains synchronization engine tuning.
type SyncConfig struct {
	// Tables are the upstream tables kept in sync
	Tables []string `mapstructure:"tables"`

	// BatchSize is the upstream page size for delta discovery
	BatchSize int `mapstructure:"batch_size"`

	// DeltaWindow is the lookback for incremental syncs
	DeltaWindow time.Duration `mapstructure:"delta_window"`

	// FullWindow is the lookback for full syncs
	FullWindow time.Duration `mapstructure:"full_window"`

	// BatchDelay separates successive upstream pages
	BatchDelay time.Duration `mapstructure:"batch_delay"`

	// TableDelay separates successive tables
	TableDelay time.Duration `mapstructure:"table_delay"`

	// ConflictPolicy is one of upstream-wins, stored-wins, newest-wins,
	// manual
	ConflictPolicy string `mapstructure:"conflict_policy"`

	// CriticalFields override the default conflict-detection field set
	CriticalFields []string `mapstructure:"critical_fields"`
}

// SecurityConfig contains authentication settings.
type SecurityConfig struct {
	// JWTSecret is the secret key for signing JWT tokens
	JWTSecret string `mapstructure:"jwt_secret"`

	// JWTExpiration is the JWT token expiration duration (default: 24h)
	JWTExpiration time.Duration `mapstructure:"jwt_expiration"`

	// APIUsername and APIPassword are the credentials accepted by the
	// token endpoint
	APIUsername string `mapstructure:"api_username"`
	APIPassword string `mapstructure:"api_password"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`
}

// Config is the top-level configuration for the platform.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	ServiceNow ServiceNowConfig `mapstructure:"servicenow"`
	CouchDB    CouchDBConfig    `mapstructure:"couchdb"`
	Redis      RedisConfig      `mapstructure:"redis"`
	AMQP       AMQPConfig       `mapstructure:"amqp"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Security   SecurityConfig   `mapstructure:"security"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given environment
// prefix (e.g., "NOWBRIDGE" -> "NOWBRIDGE_SERVER_PORT").
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetConfigDefaults sets the standard platform defaults.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 8080)
	l.v.SetDefault("server.read_timeout", "30s")
	l.v.SetDefault("server.write_timeout", "0s")
	l.v.SetDefault("server.shutdown_timeout", "10s")
	l.v.SetDefault("server.allowed_origins", []string{"*"})
	l.v.SetDefault("server.debug", false)

	l.v.SetDefault("servicenow.timeout", "30s")
	l.v.SetDefault("servicenow.retry_max", 3)
	l.v.SetDefault("servicenow.retry_interval", "1s")

	l.v.SetDefault("couchdb.url", "http://localhost:5984")
	l.v.SetDefault("couchdb.create_if_missing", true)

	l.v.SetDefault("redis.host", "localhost:6379")
	l.v.SetDefault("redis.queue_db", 0)
	l.v.SetDefault("redis.scheduler_db", 1)

	l.v.SetDefault("amqp.queue", "nowbridge-notifications")

	l.v.SetDefault("queue.workers", 5)
	l.v.SetDefault("queue.lease_timeout", "10m")
	l.v.SetDefault("queue.retention", "168h")
	l.v.SetDefault("queue.max_payload_bytes", 65536)

	l.v.SetDefault("sync.tables", []string{"incident", "change_task", "sc_task"})
	l.v.SetDefault("sync.batch_size", 50)
	l.v.SetDefault("sync.delta_window", "24h")
	l.v.SetDefault("sync.full_window", "168h")
	l.v.SetDefault("sync.batch_delay", "500ms")
	l.v.SetDefault("sync.table_delay", "1s")
	l.v.SetDefault("sync.conflict_policy", "newest-wins")

	l.v.SetDefault("security.jwt_expiration", "24h")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "json")
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, config.yaml is searched in standard locations.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.nowbridge")
		l.v.AddConfigPath("/etc/nowbridge")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadConfig loads and validates the platform configuration.
func LoadConfig(cfgFile string) (*Config, error) {
	loader := NewLoader("NOWBRIDGE")
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ValidateConfig checks that required values are present. Missing
// required settings are a startup-time failure.
func ValidateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.ServiceNow.InstanceURL == "" {
		return errors.New("servicenow.instance_url is required")
	}
	if cfg.ServiceNow.Username == "" || cfg.ServiceNow.Password == "" {
		return errors.New("servicenow credentials are required")
	}
	if cfg.CouchDB.URL == "" {
		return errors.New("couchdb.url is required")
	}
	if cfg.Redis.Host == "" {
		return errors.New("redis.host is required")
	}
	if cfg.Security.JWTSecret == "" {
		return errors.New("security.jwt_secret is required")
	}
	if cfg.Sync.BatchSize < 1 {
		return fmt.Errorf("invalid sync batch size: %d", cfg.Sync.BatchSize)
	}
	switch cfg.Sync.ConflictPolicy {
	case "upstream-wins", "stored-wins", "newest-wins", "manual":
	default:
		return fmt.Errorf("unknown conflict policy: %q", cfg.Sync.ConflictPolicy)
	}
	return nil
}

// BuildURL constructs the CouchDB URL with embedded credentials.
func (c *CouchDBConfig) BuildURL() string {
	if c.Username != "" && c.Password != "" {
		return strings.Replace(c.URL, "://", "://"+c.Username+":"+c.Password+"@", 1)
	}
	return c.URL
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
