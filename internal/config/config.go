// Package config provides configuration management using Viper
package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
)

// Environment types
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// LogLevel represents the logging level for the application
type LogLevel string

// Available log levels
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Database types
const (
	SQLiteDatabase = "sqlite"
)

// Config holds all configuration parameters for the application
type Config struct {
	// Application settings
	AppName     string   `mapstructure:"appname"`
	AppPort     string   `mapstructure:"appport"`
	Environment string   `mapstructure:"environment"`
	LogLevel    LogLevel `mapstructure:"loglevel"`
	PrivateKey  string   `mapstructure:"privatekey"`

	// File paths
	DatabasePath string `mapstructure:"storagepath"`
	DatabaseName string `mapstructure:"-"` // Derived from other settings
	GeoDBPath    string `mapstructure:"geodbpath"`
	SeedFilePath string `mapstructure:"seedfile"`

	// Logging settings
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`

	// Database settings
	DatabaseType         string `mapstructure:"dbtype"`
	DatabaseMaxOpenConns int    `mapstructure:"dbmaxopenconns"`
	DatabaseMaxIdleConns int    `mapstructure:"dbmaxidleconns"`

	// Visit log settings
	EventLogCapacity int `mapstructure:"eventlogcapacity"`

	// Persistence settings
	PersistQueueSize int `mapstructure:"persistqueuesize"`
	SeedLoadLimit    int `mapstructure:"seedloadlimit"`

	// Notifier settings
	MQTTBrokerURL string `mapstructure:"mqttbrokerurl"`
	MQTTTopic     string `mapstructure:"mqtttopic"`
	MQTTClientID  string `mapstructure:"mqttclientid"`
}

var (
	cfg  *Config
	once sync.Once
)

// GetConfig returns the application configuration
func GetConfig() *Config {
	once.Do(func() {
		v := viper.New()

		// Set defaults
		v.SetDefault("appname", "carbonscope")
		v.SetDefault("appport", "3000")
		v.SetDefault("environment", Development)
		v.SetDefault("loglevel", string(LogLevelDebug))
		v.SetDefault("privatekey", "88888888888888888888888888888888")
		v.SetDefault("storagepath", "storage")
		v.SetDefault("geodbpath", "storage/GeoLite2-City.mmdb")
		v.SetDefault("seedfile", "")
		v.SetDefault("logsdir", "logs")
		v.SetDefault("logsmaxsizeinmb", 20)
		v.SetDefault("logsmaxbackups", 10)
		v.SetDefault("logsmaxageindays", 30)
		v.SetDefault("dbtype", SQLiteDatabase)
		v.SetDefault("dbmaxopenconns", 0)
		v.SetDefault("dbmaxidleconns", 0)
		v.SetDefault("eventlogcapacity", 10000)
		v.SetDefault("persistqueuesize", 1024)
		v.SetDefault("seedloadlimit", 10000)
		v.SetDefault("mqttbrokerurl", "")
		v.SetDefault("mqtttopic", "carbonscope/alerts")
		v.SetDefault("mqttclientid", "carbonscope")

		// Bind environment variables
		v.BindEnv("appname", "CARBONSCOPE_APP_NAME")
		v.BindEnv("appport", "CARBONSCOPE_APP_PORT")
		v.BindEnv("environment", "CARBONSCOPE_ENV")
		v.BindEnv("loglevel", "CARBONSCOPE_LOG_LEVEL")
		v.BindEnv("privatekey", "CARBONSCOPE_PRIVATE_KEY")
		v.BindEnv("storagepath", "CARBONSCOPE_STORAGE_PATH")
		v.BindEnv("geodbpath", "CARBONSCOPE_GEO_DB_PATH")
		v.BindEnv("seedfile", "CARBONSCOPE_SEED_FILE")
		v.BindEnv("logsdir", "CARBONSCOPE_LOGS_DIR")
		v.BindEnv("logsmaxsizeinmb", "CARBONSCOPE_LOGS_MAX_SIZE_IN_MB")
		v.BindEnv("logsmaxbackups", "CARBONSCOPE_LOGS_MAX_BACKUPS")
		v.BindEnv("logsmaxageindays", "CARBONSCOPE_LOGS_MAX_AGE_IN_DAYS")
		v.BindEnv("dbtype", "CARBONSCOPE_DB_TYPE")
		v.BindEnv("dbmaxopenconns", "CARBONSCOPE_DB_MAX_OPEN_CONNS")
		v.BindEnv("dbmaxidleconns", "CARBONSCOPE_DB_MAX_IDLE_CONNS")
		v.BindEnv("eventlogcapacity", "CARBONSCOPE_EVENT_LOG_CAPACITY")
		v.BindEnv("persistqueuesize", "CARBONSCOPE_PERSIST_QUEUE_SIZE")
		v.BindEnv("seedloadlimit", "CARBONSCOPE_SEED_LOAD_LIMIT")
		v.BindEnv("mqttbrokerurl", "CARBONSCOPE_MQTT_BROKER_URL")
		v.BindEnv("mqtttopic", "CARBONSCOPE_MQTT_TOPIC")
		v.BindEnv("mqttclientid", "CARBONSCOPE_MQTT_CLIENT_ID")

		cfg = &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			log.Fatalf("config: failed to unmarshal configuration: %v", err)
		}

		// Validate
		if err := cfg.validate(); err != nil {
			log.Fatalf("config: invalid configuration: %v", err)
		}

		// Malformed numeric settings fall back to documented defaults
		// rather than failing startup.
		if cfg.EventLogCapacity <= 0 {
			cfg.EventLogCapacity = 10000
		}
		if cfg.PersistQueueSize <= 0 {
			cfg.PersistQueueSize = 1024
		}
		if cfg.SeedLoadLimit <= 0 {
			cfg.SeedLoadLimit = 10000
		}

		// Set derived values
		cfg.DatabaseName = cfg.GetDatabasePath()

		defaultKey := "88888888888888888888888888888888"
		if cfg.PrivateKey == "" {
			log.Fatal("Private key is required")
		}
		if cfg.IsProduction() && cfg.PrivateKey == defaultKey {
			log.Fatal("Production requires a unique CARBONSCOPE_PRIVATE_KEY (cannot use default)")
		}
	})
	return cfg
}

// validate checks the configuration for errors
func (c *Config) validate() error {
	validEnvs := map[string]bool{
		Development: true,
		Production:  true,
		Test:        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	validDBTypes := map[string]bool{
		SQLiteDatabase: true,
	}
	if !validDBTypes[c.DatabaseType] {
		return fmt.Errorf("invalid database type: %s", c.DatabaseType)
	}

	return nil
}

// GetDatabasePath returns the appropriate database path based on environment
func (c *Config) GetDatabasePath() string {
	if c.DatabaseName == "" {
		c.DatabaseName = filepath.Join(c.DatabasePath,
			fmt.Sprintf("%s-%s.db", c.AppName, c.Environment))
	}
	return c.DatabaseName
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// IsTest returns true if the environment is test
func (c *Config) IsTest() bool {
	return c.Environment == Test
}

// GetPort returns the HTTP server port (implements cartridge.Config interface).
func (c *Config) GetPort() string {
	return c.AppPort
}

// GetPublicDirectory returns the path to public/static assets (implements cartridge.Config interface).
// The service is JSON-only, so nothing is served from here.
func (c *Config) GetPublicDirectory() string {
	return "public"
}

// GetAssetsPrefix returns the URL prefix for static assets (implements cartridge.Config interface).
func (c *Config) GetAssetsPrefix() string {
	return ""
}

// GetAppName returns the application name (implements cartridge.FactoryConfig interface).
func (c *Config) GetAppName() string {
	return c.AppName
}

// DatabaseDSN returns the database connection string (implements cartridge.FactoryConfig interface).
func (c *Config) DatabaseDSN() string {
	return c.GetDatabasePath()
}

// GetSessionSecret returns the session encryption key (implements cartridge.FactoryConfig interface).
func (c *Config) GetSessionSecret() string {
	return c.PrivateKey
}

// GetMaxOpenConns returns the appropriate MaxOpenConns value based on environment.
// If explicitly set via env var, uses that value. Otherwise test gets a single
// connection for stability and everything else gets a small pool.
func (c *Config) GetMaxOpenConns() int {
	if c.DatabaseMaxOpenConns > 0 {
		return c.DatabaseMaxOpenConns
	}

	if c.Environment == Test {
		return 1
	}

	return 10
}

// GetMaxIdleConns returns the appropriate MaxIdleConns value based on environment.
func (c *Config) GetMaxIdleConns() int {
	if c.DatabaseMaxIdleConns > 0 {
		return c.DatabaseMaxIdleConns
	}

	if c.Environment == Test {
		return 1
	}

	return 5
}

// GetLogLevel returns the log level as a string (implements cartridge.LogConfigProvider).
func (c *Config) GetLogLevel() string {
	return string(c.LogLevel)
}

// GetLogDirectory returns the logs directory (implements cartridge.LogConfigProvider).
func (c *Config) GetLogDirectory() string {
	return c.LogsDirectory
}

// GetLogMaxSizeMB returns the max log file size in MB (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxSizeMB() int {
	return c.LogsMaxSizeInMb
}

// GetLogMaxBackups returns the max number of log backups (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxBackups() int {
	return c.LogsMaxBackups
}

// GetLogMaxAgeDays returns the max age in days for log files (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxAgeDays() int {
	return c.LogsMaxAgeInDays
}

// Reset clears the cached configuration; intended for tests.
func Reset() {
	once = sync.Once{}
	cfg = nil
}
