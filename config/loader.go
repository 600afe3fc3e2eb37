// Package config provides configuration loading and parsing functionality
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFormat represents the configuration file format
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatJSON ConfigFormat = "json"
)

// Loader handles configuration loading from files and the environment
type Loader struct {
	// Configuration search paths
	searchPaths []string

	// Environment variable prefix
	envPrefix string

	// Default configuration
	defaultConfig *Config
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		searchPaths: []string{
			".",
			"./config",
			"./configs",
			"/etc/entitycore",
		},
		envPrefix:     "ENTITYCORE",
		defaultConfig: DefaultConfig(),
	}
}

// SetSearchPaths sets the configuration file search paths
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// SetEnvPrefix sets the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// SetDefaultConfig sets the default configuration
func (l *Loader) SetDefaultConfig(config *Config) *Loader {
	l.defaultConfig = config
	return l
}

// Load loads configuration from the specified file, or discovers one when
// filename is empty.
func (l *Loader) Load(filename string) (*Config, error) {
	if filename == "" {
		return l.AutoLoad()
	}
	config, err := l.loadFromFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from file %s: %w", filename, err)
	}
	return config, nil
}

// LoadFromFile loads configuration from a specific file
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	return l.loadFromFile(filename)
}

// LoadFromReader loads configuration from an io.Reader
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration data: %w", err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, err
	}
	return l.finish(config)
}

// AutoLoad automatically discovers and loads configuration
func (l *Loader) AutoLoad() (*Config, error) {
	configFile, _, err := l.findConfigFile()
	if err == ErrConfigFileNotFound {
		config := l.defaults()
		if err := l.loadFromEnv(config); err != nil {
			return nil, fmt.Errorf("failed to load config from environment: %w", err)
		}
		if err := config.Validate(); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
		return config, nil
	}
	if err != nil {
		return nil, err
	}

	return l.loadFromFile(configFile)
}

// findConfigFile searches for configuration files in search paths
func (l *Loader) findConfigFile() (string, ConfigFormat, error) {
	filenames := []string{
		"entitycore.yaml", "entitycore.yml",
		"config.yaml", "config.yml",
		"entitycore.json", "config.json",
	}

	for _, searchPath := range l.searchPaths {
		for _, filename := range filenames {
			fullPath := filepath.Join(searchPath, filename)
			if _, err := os.Stat(fullPath); err == nil {
				format, err := formatOf(fullPath)
				if err != nil {
					continue
				}
				return fullPath, format, nil
			}
		}
	}

	return "", "", ErrConfigFileNotFound
}

// formatOf determines the format from the file extension
func formatOf(filename string) (ConfigFormat, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported config file format: %s", filepath.Ext(filename))
	}
}

// loadFromFile loads configuration from a file
func (l *Loader) loadFromFile(filename string) (*Config, error) {
	format, err := formatOf(filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, err
	}
	return l.finish(config)
}

// finish merges defaults, applies environment overrides and validates
func (l *Loader) finish(config *Config) (*Config, error) {
	config = l.mergeConfig(l.defaults(), config)

	if err := l.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func (l *Loader) defaults() *Config {
	if l.defaultConfig == nil {
		return DefaultConfig()
	}
	copied := *l.defaultConfig
	return &copied
}

// parseConfig parses configuration data based on format
func (l *Loader) parseConfig(data []byte, format ConfigFormat) (*Config, error) {
	config := &Config{}

	switch format {
	case FormatYAML:
		err := yaml.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case FormatJSON:
		err := json.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", format)
	}

	return config, nil
}

// loadFromEnv loads configuration overrides from environment variables
func (l *Loader) loadFromEnv(config *Config) error {
	// App configuration
	if val := os.Getenv(l.envPrefix + "_APP_NAME"); val != "" {
		config.App.Name = val
	}
	if val := os.Getenv(l.envPrefix + "_APP_ENVIRONMENT"); val != "" {
		config.App.Environment = Environment(val)
	}
	if val := os.Getenv(l.envPrefix + "_APP_DEBUG"); val != "" {
		config.App.Debug = strings.ToLower(val) == "true"
	}

	// Log configuration
	if val := os.Getenv(l.envPrefix + "_LOG_LEVEL"); val != "" {
		config.Log.Level = LogLevel(val)
	}
	if val := os.Getenv(l.envPrefix + "_LOG_FORMAT"); val != "" {
		config.Log.Format = val
	}
	if val := os.Getenv(l.envPrefix + "_LOG_OUTPUT"); val != "" {
		config.Log.Output = val
	}

	// Identity configuration
	if val := os.Getenv(l.envPrefix + "_SERVER_ID"); val != "" {
		id, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s_SERVER_ID: %w", l.envPrefix, err)
		}
		config.Identity.ServerID = id
	}

	// Actor configuration
	if val := os.Getenv(l.envPrefix + "_ACTOR_DEFAULT_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s_ACTOR_DEFAULT_TIMEOUT: %w", l.envPrefix, err)
		}
		config.Actor.DefaultTimeout = d
	}
	if val := os.Getenv(l.envPrefix + "_ACTOR_IDLE_RECYCLE"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s_ACTOR_IDLE_RECYCLE: %w", l.envPrefix, err)
		}
		config.Actor.IdleRecycle = d
	}

	// Persistence configuration
	if val := os.Getenv(l.envPrefix + "_PERSISTENCE_DRIVER"); val != "" {
		config.Persistence.Driver = val
	}
	if val := os.Getenv(l.envPrefix + "_PERSISTENCE_DSN"); val != "" {
		config.Persistence.DSN = val
	}
	if val := os.Getenv(l.envPrefix + "_PERSISTENCE_BATCH_SIZE"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s_PERSISTENCE_BATCH_SIZE: %w", l.envPrefix, err)
		}
		config.Persistence.BatchSize = n
	}

	return nil
}

// mergeConfig merges user config with default config
func (l *Loader) mergeConfig(defaultConfig, userConfig *Config) *Config {
	// Start with default config
	merged := *defaultConfig

	// App config
	if userConfig.App.Name != "" {
		merged.App.Name = userConfig.App.Name
	}
	if userConfig.App.Version != "" {
		merged.App.Version = userConfig.App.Version
	}
	if userConfig.App.Environment != "" {
		merged.App.Environment = userConfig.App.Environment
	}
	if userConfig.App.Description != "" {
		merged.App.Description = userConfig.App.Description
	}
	merged.App.Debug = userConfig.App.Debug
	if userConfig.App.Metadata != nil {
		merged.App.Metadata = userConfig.App.Metadata
	}

	// Log config
	if userConfig.Log.Level != "" {
		merged.Log.Level = userConfig.Log.Level
	}
	if userConfig.Log.Format != "" {
		merged.Log.Format = userConfig.Log.Format
	}
	if userConfig.Log.Output != "" {
		merged.Log.Output = userConfig.Log.Output
	}
	if userConfig.Log.Fields != nil {
		merged.Log.Fields = userConfig.Log.Fields
	}

	// Identity config
	if userConfig.Identity.ServerID != 0 {
		merged.Identity.ServerID = userConfig.Identity.ServerID
	}
	if !userConfig.Identity.Epoch.IsZero() {
		merged.Identity.Epoch = userConfig.Identity.Epoch
	}

	// Actor config
	if userConfig.Actor.DefaultTimeout != 0 {
		merged.Actor.DefaultTimeout = userConfig.Actor.DefaultTimeout
	}
	if userConfig.Actor.MailboxSize != 0 {
		merged.Actor.MailboxSize = userConfig.Actor.MailboxSize
	}
	if userConfig.Actor.IdleRecycle != 0 {
		merged.Actor.IdleRecycle = userConfig.Actor.IdleRecycle
	}
	if userConfig.Actor.IdleCheckInterval != 0 {
		merged.Actor.IdleCheckInterval = userConfig.Actor.IdleCheckInterval
	}
	if userConfig.Actor.CrossDayCron != "" {
		merged.Actor.CrossDayCron = userConfig.Actor.CrossDayCron
	}

	// Persistence config
	if userConfig.Persistence.Driver != "" {
		merged.Persistence.Driver = userConfig.Persistence.Driver
	}
	if userConfig.Persistence.DSN != "" {
		merged.Persistence.DSN = userConfig.Persistence.DSN
	}
	if userConfig.Persistence.BatchSize != 0 {
		merged.Persistence.BatchSize = userConfig.Persistence.BatchSize
	}
	if userConfig.Persistence.BatchTimeout != 0 {
		merged.Persistence.BatchTimeout = userConfig.Persistence.BatchTimeout
	}
	if userConfig.Persistence.SaveInterval != 0 {
		merged.Persistence.SaveInterval = userConfig.Persistence.SaveInterval
	}
	if userConfig.Persistence.SaveParallelism != 0 {
		merged.Persistence.SaveParallelism = userConfig.Persistence.SaveParallelism
	}
	merged.Persistence.NoDefaultRecord = userConfig.Persistence.NoDefaultRecord

	// Logic config
	if userConfig.Logic.DrainWindow != 0 {
		merged.Logic.DrainWindow = userConfig.Logic.DrainWindow
	}

	// Custom fields
	merged.Custom = make(map[string]interface{}, len(defaultConfig.Custom)+len(userConfig.Custom))
	for k, v := range defaultConfig.Custom {
		merged.Custom[k] = v
	}
	for k, v := range userConfig.Custom {
		merged.Custom[k] = v
	}

	return &merged
}
