package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/ripple-frame/ripple/internal/errors"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "ripple.json"

	// DefaultAddress is the default listen address.
	DefaultAddress = ":8080"

	// DefaultStoreBackend is the default session store backend.
	DefaultStoreBackend = "memory"
)

// Config represents the complete ripple.json configuration.
type Config struct {
	// Name is the application name, used as the tracing service name.
	Name string `json:"name,omitempty"`

	// Server contains HTTP and WebSocket server settings.
	Server ServerConfig `json:"server,omitempty"`

	// Session contains session lifecycle settings.
	Session SessionConfig `json:"session,omitempty"`

	// Store contains session store settings.
	Store StoreConfig `json:"store,omitempty"`

	// Log contains logging settings.
	Log LogConfig `json:"log,omitempty"`

	// Metrics contains Prometheus settings.
	Metrics MetricsConfig `json:"metrics,omitempty"`

	// Tracing contains OpenTelemetry settings.
	Tracing TracingConfig `json:"tracing,omitempty"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// ServerConfig contains server settings.
type ServerConfig struct {
	// Address is the listen address (default ":8080").
	Address string `json:"address,omitempty"`

	// TrustedProxies lists IPs or CIDRs whose X-Forwarded-For is honored.
	TrustedProxies []string `json:"trustedProxies,omitempty"`

	// MaxSessions caps concurrent sessions. Zero means unlimited.
	MaxSessions int `json:"maxSessions,omitempty"`

	// MaxSessionsPerIP caps sessions per client IP. Zero means unlimited.
	MaxSessionsPerIP int `json:"maxSessionsPerIP,omitempty"`

	// ShutdownTimeout bounds graceful shutdown (default "30s").
	ShutdownTimeout string `json:"shutdownTimeout,omitempty"`
}

// SessionConfig contains session lifecycle settings.
type SessionConfig struct {
	// ResumeWindow is how long a detached session stays resumable
	// (default "5m").
	ResumeWindow string `json:"resumeWindow,omitempty"`

	// IdleTimeout is how long an attached but inactive session survives
	// (default "5m").
	IdleTimeout string `json:"idleTimeout,omitempty"`

	// HeartbeatInterval is the server ping interval (default "30s").
	HeartbeatInterval string `json:"heartbeatInterval,omitempty"`

	// MaxEventQueue caps queued events per session (default 256).
	MaxEventQueue int `json:"maxEventQueue,omitempty"`

	// MaxEmitChain caps handler-emitted follow-up events per client event
	// (default 64).
	MaxEmitChain int `json:"maxEmitChain,omitempty"`
}

// StoreConfig selects and configures the session snapshot store.
type StoreConfig struct {
	// Backend is one of "memory", "redis", "sql", or "s3".
	Backend string `json:"backend,omitempty"`

	// Redis configures the redis backend.
	Redis RedisConfig `json:"redis,omitempty"`

	// SQL configures the sql backend.
	SQL SQLConfig `json:"sql,omitempty"`

	// S3 configures the s3 backend.
	S3 S3Config `json:"s3,omitempty"`
}

// RedisConfig contains redis store settings.
type RedisConfig struct {
	// Addr is the redis address (default "localhost:6379").
	Addr string `json:"addr,omitempty"`

	// Password is the redis password.
	Password string `json:"password,omitempty"`

	// DB is the redis database number.
	DB int `json:"db,omitempty"`

	// Prefix is the key prefix (default "ripple:session:").
	Prefix string `json:"prefix,omitempty"`
}

// SQLConfig contains sql store settings.
type SQLConfig struct {
	// Driver is the database/sql driver name (e.g. "pgx", "mysql").
	Driver string `json:"driver,omitempty"`

	// DSN is the connection string.
	DSN string `json:"dsn,omitempty"`

	// Dialect is one of "postgres", "mysql", or "sqlite" (default guessed
	// from the driver name).
	Dialect string `json:"dialect,omitempty"`

	// Table is the sessions table name (default "ripple_sessions").
	Table string `json:"table,omitempty"`
}

// S3Config contains s3 store settings.
type S3Config struct {
	// Bucket is the S3 bucket name.
	Bucket string `json:"bucket,omitempty"`

	// Prefix is the object key prefix (default "sessions/").
	Prefix string `json:"prefix,omitempty"`

	// Region overrides the SDK default region.
	Region string `json:"region,omitempty"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error" (default "info").
	Level string `json:"level,omitempty"`

	// Format is "text" or "json" (default "text").
	Format string `json:"format,omitempty"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	// Enabled exposes the metrics endpoint and registers event metrics.
	Enabled bool `json:"enabled,omitempty"`

	// Path is the metrics endpoint path (default "/metrics").
	Path string `json:"path,omitempty"`

	// Namespace is the metrics namespace (default "ripple").
	Namespace string `json:"namespace,omitempty"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	// Enabled wraps handlers in tracing middleware. The exporter is
	// configured by the embedding application via the global provider.
	Enabled bool `json:"enabled,omitempty"`
}

// New creates a Config with default values.
func New() *Config {
	return &Config{
		Name: "ripple-app",
		Server: ServerConfig{
			Address:         DefaultAddress,
			ShutdownTimeout: "30s",
		},
		Session: SessionConfig{
			ResumeWindow:      "5m",
			IdleTimeout:       "5m",
			HeartbeatInterval: "30s",
			MaxEventQueue:     256,
			MaxEmitChain:      64,
		},
		Store: StoreConfig{
			Backend: DefaultStoreBackend,
			Redis:   RedisConfig{Addr: "localhost:6379"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "ripple",
		},
	}
}

// Load reads configuration from ripple.json in the given directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads configuration from the specified file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("E100").
				WithDetail("No " + ConfigFileName + " found in " + filepath.Dir(path)).
				WithSuggestion("Run 'ripple init' to create one")
		}
		return nil, errors.New("E101").Wrap(err)
	}

	cfg := New()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.New("E101").
			WithDetail("Failed to parse " + ConfigFileName + ": " + err.Error()).
			WithSuggestion("Check that " + ConfigFileName + " is valid JSON")
	}

	cfg.configPath = path
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the file it was loaded from.
func (c *Config) Save() error {
	if c.configPath == "" {
		return errors.Newf(errors.CategoryConfig, "no config path set")
	}
	return c.SaveTo(c.configPath)
}

// SaveTo writes the configuration to the specified path.
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.New("E101").Wrap(err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.New("E101").Wrap(err)
	}
	c.configPath = path
	return nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "30s"
	}
	if c.Session.ResumeWindow == "" {
		c.Session.ResumeWindow = "5m"
	}
	if c.Session.IdleTimeout == "" {
		c.Session.IdleTimeout = "5m"
	}
	if c.Session.HeartbeatInterval == "" {
		c.Session.HeartbeatInterval = "30s"
	}
	if c.Session.MaxEventQueue == 0 {
		c.Session.MaxEventQueue = 256
	}
	if c.Session.MaxEmitChain == 0 {
		c.Session.MaxEmitChain = 64
	}
	if c.Store.Backend == "" {
		c.Store.Backend = DefaultStoreBackend
	}
	if c.Store.Redis.Addr == "" {
		c.Store.Redis.Addr = "localhost:6379"
	}
	if c.Store.SQL.Table == "" {
		c.Store.SQL.Table = "ripple_sessions"
	}
	if c.Store.S3.Prefix == "" {
		c.Store.S3.Prefix = "sessions/"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "ripple"
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis", "sql", "s3":
	default:
		return errors.New("E120").
			WithDetail("Backend " + c.Store.Backend + " is not supported")
	}
	if c.Store.Backend == "sql" && c.Store.SQL.DSN == "" {
		return errors.New("E102").
			WithDetail("store.sql.dsn is required for the sql backend")
	}
	if c.Store.Backend == "s3" && c.Store.S3.Bucket == "" {
		return errors.New("E102").
			WithDetail("store.s3.bucket is required for the s3 backend")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("E102").
			WithDetail("log.level must be debug, info, warn, or error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.New("E102").
			WithDetail("log.format must be text or json")
	}

	for _, d := range []struct {
		name  string
		value string
	}{
		{"server.shutdownTimeout", c.Server.ShutdownTimeout},
		{"session.resumeWindow", c.Session.ResumeWindow},
		{"session.idleTimeout", c.Session.IdleTimeout},
		{"session.heartbeatInterval", c.Session.HeartbeatInterval},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return errors.New("E102").
				WithDetail(d.name + " is not a valid duration: " + d.value)
		}
	}
	return nil
}

// duration parses a validated duration string, falling back when empty.
func duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// ShutdownTimeout returns the parsed graceful shutdown bound.
func (c *Config) ShutdownTimeout() time.Duration {
	return duration(c.Server.ShutdownTimeout, 30*time.Second)
}

// ResumeWindow returns the parsed resume window.
func (c *Config) ResumeWindow() time.Duration {
	return duration(c.Session.ResumeWindow, 5*time.Minute)
}

// IdleTimeout returns the parsed idle timeout.
func (c *Config) IdleTimeout() time.Duration {
	return duration(c.Session.IdleTimeout, 5*time.Minute)
}

// HeartbeatInterval returns the parsed heartbeat interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return duration(c.Session.HeartbeatInterval, 30*time.Second)
}

// Exists checks if a config file exists in the given directory.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}

// FindProjectRoot walks up from startDir to the directory containing
// ripple.json.
func FindProjectRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if Exists(dir) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("E100").
				WithDetail("No " + ConfigFileName + " found in " + startDir + " or any parent directory").
				WithSuggestion("Run 'ripple init' to create one")
		}
		dir = parent
	}
}

// LoadFromWorkingDir loads configuration starting from the current working
// directory.
func LoadFromWorkingDir() (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	root, err := FindProjectRoot(wd)
	if err != nil {
		return nil, err
	}
	return Load(root)
}
