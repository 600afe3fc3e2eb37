// Package config provides configuration management for entitycore
package config

import (
	"time"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelFatal:
		return true
	default:
		return false
	}
}

// Config represents the complete entitycore configuration
type Config struct {
	// Application configuration
	App AppConfig `yaml:"app" json:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log"`

	// Identity allocation configuration
	Identity IdentityConfig `yaml:"identity" json:"identity"`

	// Entity runtime configuration
	Actor ActorConfig `yaml:"actor" json:"actor"`

	// State persistence configuration
	Persistence PersistenceConfig `yaml:"persistence" json:"persistence"`

	// Logic module configuration
	Logic LogicConfig `yaml:"logic" json:"logic"`

	// Custom configurations (for game-specific settings)
	Custom map[string]interface{} `yaml:"custom,omitempty" json:"custom,omitempty"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	// Application name
	Name string `yaml:"name" json:"name"`

	// Application version
	Version string `yaml:"version" json:"version"`

	// Deployment environment
	Environment Environment `yaml:"environment" json:"environment"`

	// Debug mode
	Debug bool `yaml:"debug" json:"debug"`

	// Application description
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Application metadata
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level"`

	// Log format (json, text)
	Format string `yaml:"format" json:"format"`

	// Output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Fields to include in log output
	Fields map[string]interface{} `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// IdentityConfig contains id allocation settings
type IdentityConfig struct {
	// Server id encoded in every id minted by this process
	ServerID int `yaml:"server_id" json:"server_id"`

	// Zero second of the id time field
	Epoch time.Time `yaml:"epoch" json:"epoch"`
}

// ActorConfig contains entity runtime configuration
type ActorConfig struct {
	// Default per-call timeout for Tell and Send
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`

	// Maximum queued work items per entity
	MailboxSize int `yaml:"mailbox_size" json:"mailbox_size"`

	// Idle time after which recyclable entities are evicted
	IdleRecycle time.Duration `yaml:"idle_recycle" json:"idle_recycle"`

	// How often the idle sweep runs
	IdleCheckInterval time.Duration `yaml:"idle_check_interval" json:"idle_check_interval"`

	// Cron spec of the cross-day broadcast
	CrossDayCron string `yaml:"cross_day_cron" json:"cross_day_cron"`
}

// PersistenceConfig contains document store and save settings
type PersistenceConfig struct {
	// Store driver (memory, sqlite3, mysql, postgres)
	Driver string `yaml:"driver" json:"driver"`

	// Data source name passed to the driver
	DSN string `yaml:"dsn" json:"dsn"`

	// Records per upsert batch
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// Timeout of one upsert batch
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batch_timeout"`

	// Periodic save cadence
	SaveInterval time.Duration `yaml:"save_interval" json:"save_interval"`

	// Batches written concurrently
	SaveParallelism int `yaml:"save_parallelism" json:"save_parallelism"`

	// Do not create a default record when none is stored
	NoDefaultRecord bool `yaml:"no_default_record" json:"no_default_record"`
}

// LogicConfig contains logic module settings
type LogicConfig struct {
	// How long a replaced module keeps serving pinned callers
	DrainWindow time.Duration `yaml:"drain_window" json:"drain_window"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "entitycore-app",
			Version:     "1.0.0",
			Environment: EnvDevelopment,
			Debug:       true,
			Description: "entitycore application",
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: "text",
			Output: "stdout",
		},
		Identity: IdentityConfig{
			ServerID: 1001,
			Epoch:    time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		},
		Actor: ActorConfig{
			DefaultTimeout:    10 * time.Second,
			MailboxSize:       4096,
			IdleRecycle:       15 * time.Minute,
			IdleCheckInterval: time.Minute,
			CrossDayCron:      "0 0 * * *",
		},
		Persistence: PersistenceConfig{
			Driver:          "memory",
			BatchSize:       500,
			BatchTimeout:    30 * time.Second,
			SaveInterval:    5 * time.Minute,
			SaveParallelism: 4,
		},
		Logic: LogicConfig{
			DrainWindow: 5 * time.Minute,
		},
		Custom: make(map[string]interface{}),
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate app config
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return ErrInvalidEnvironment
	}

	// Validate log config
	if !c.Log.Level.IsValid() {
		return ErrInvalidLogLevel
	}

	// Validate identity config
	if c.Identity.ServerID < 1000 || c.Identity.ServerID > 16383 {
		return ErrInvalidServerID
	}

	// Validate actor config
	if c.Actor.DefaultTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.Actor.MailboxSize <= 0 {
		return ErrInvalidMailboxSize
	}
	if c.Actor.IdleRecycle <= 0 || c.Actor.IdleCheckInterval <= 0 {
		return ErrInvalidIdleRecycle
	}

	// Validate persistence config
	if c.Persistence.Driver == "" {
		return ErrInvalidDriver
	}
	if c.Persistence.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}
	if c.Persistence.BatchTimeout <= 0 || c.Persistence.SaveInterval <= 0 {
		return ErrInvalidSaveTiming
	}

	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// GetLogLevel returns the log level
func (c *Config) GetLogLevel() LogLevel {
	return c.Log.Level
}

// IsDebugEnabled returns true if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.App.Environment == EnvDevelopment
}
