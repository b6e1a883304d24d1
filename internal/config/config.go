// Package config loads and watches the application configuration.
// Precedence: defaults, then an optional YAML file, then environment
// variables declared on the struct tags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Auth     AuthConfig     `yaml:"auth" json:"auth"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Embed    EmbedConfig    `yaml:"embed" json:"embed"`
	Ingest   IngestConfig   `yaml:"ingest" json:"ingest"`
}

// ServerConfig holds listener and transport settings.
type ServerConfig struct {
	Host           string        `yaml:"host" env:"LOIST_HOST" default:"0.0.0.0"`
	Port           int           `yaml:"port" env:"LOIST_PORT" default:"8080"`
	Transport      string        `yaml:"transport" env:"LOIST_TRANSPORT" default:"http"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"LOIST_READ_TIMEOUT" default:"30s"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"LOIST_WRITE_TIMEOUT" default:"330s"`
	EnableCORS     bool          `yaml:"enable_cors" env:"LOIST_ENABLE_CORS" default:"true"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"LOIST_ALLOWED_ORIGINS"`
}

// AuthConfig holds the shared bearer token check.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled" env:"LOIST_AUTH_ENABLED" default:"false"`
	Token   string `yaml:"token" json:"-" env:"LOIST_AUTH_TOKEN"`
}

// LoggingConfig holds log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOIST_LOG_LEVEL" default:"info"`
	Format string `yaml:"format" env:"LOIST_LOG_FORMAT" default:"json"`
}

// DatabaseConfig holds relational store settings.
type DatabaseConfig struct {
	Type           string        `yaml:"type" env:"DATABASE_TYPE" default:"postgres"`
	Host           string        `yaml:"host" env:"POSTGRES_HOST" default:"localhost"`
	Port           int           `yaml:"port" env:"POSTGRES_PORT" default:"5432"`
	Username       string        `yaml:"username" env:"POSTGRES_USER" default:"loist"`
	Password       string        `yaml:"password" json:"-" env:"POSTGRES_PASSWORD"`
	Name           string        `yaml:"name" env:"POSTGRES_DB" default:"loist"`
	ConnectionName string        `yaml:"connection_name" env:"CLOUD_SQL_CONNECTION_NAME"`
	SQLitePath     string        `yaml:"sqlite_path" env:"LOIST_SQLITE_PATH" default:"loist.db"`
	MinConns       int           `yaml:"min_conns" env:"DB_MIN_CONNS" default:"2"`
	MaxConns       int           `yaml:"max_conns" env:"DB_MAX_CONNS" default:"10"`
	IdleMax        time.Duration `yaml:"idle_max" env:"DB_IDLE_MAX" default:"5m"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" env:"DB_ACQUIRE_TIMEOUT" default:"5s"`
	QueryTimeout   time.Duration `yaml:"query_timeout" env:"DB_QUERY_TIMEOUT" default:"30s"`
}

// StorageConfig holds object store and signing settings.
type StorageConfig struct {
	Bucket           string        `yaml:"bucket" env:"GCS_BUCKET"`
	Project          string        `yaml:"project" env:"GCS_PROJECT"`
	Region           string        `yaml:"region" env:"GCS_REGION" default:"us-central1"`
	CredentialsFile  string        `yaml:"credentials_file" env:"GOOGLE_APPLICATION_CREDENTIALS"`
	ServiceAccount   string        `yaml:"service_account" env:"LOIST_SIGNER_SERVICE_ACCOUNT"`
	SignedURLTTLMins int           `yaml:"signed_url_ttl_minutes" env:"LOIST_SIGNED_URL_TTL_MINUTES" default:"15"`
	SignTimeout      time.Duration `yaml:"sign_timeout" env:"LOIST_SIGN_TIMEOUT" default:"10s"`
	UploadTimeout    time.Duration `yaml:"upload_timeout" env:"LOIST_UPLOAD_TIMEOUT" default:"120s"`
}

// EmbedConfig holds the public embed surface settings.
type EmbedConfig struct {
	BaseURL      string `yaml:"base_url" env:"LOIST_EMBED_BASE_URL" default:"https://loist.io"`
	ProviderName string `yaml:"provider_name" env:"LOIST_PROVIDER_NAME" default:"Loist"`
}

// IngestConfig holds ingestion pipeline settings.
type IngestConfig struct {
	MaxSizeMB     int           `yaml:"max_size_mb" env:"LOIST_MAX_SIZE_MB" default:"100"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout" env:"LOIST_FETCH_TIMEOUT" default:"300s"`
	MaxAttempts   int           `yaml:"max_attempts" env:"LOIST_MAX_ATTEMPTS" default:"3"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"LOIST_SWEEP_INTERVAL" default:"1h"`
	AllowPrivate  bool          `yaml:"allow_private" env:"LOIST_FETCH_ALLOW_PRIVATE" default:"false"`
}

// Watcher is called when configuration changes.
type Watcher func(oldConfig, newConfig *Config)

// Manager manages application configuration with hot-reload support.
type Manager struct {
	config     *Config
	configPath string
	watchers   []Watcher
	mu         sync.RWMutex
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the global configuration manager instance.
func GetManager() *Manager {
	managerOnce.Do(func() {
		globalManager = NewManager()
	})
	return globalManager
}

// NewManager creates a configuration manager holding defaults.
func NewManager() *Manager {
	return &Manager{config: Default()}
}

// Default returns the default application configuration.
func Default() *Config {
	cfg := &Config{}
	if err := loadStructFromEnv(reflect.ValueOf(cfg).Elem(), true); err != nil {
		// Defaults are compile-time constants; a failure here is a programming error.
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

// Load loads configuration from an optional file path plus environment.
func (m *Manager) Load(configPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldConfig := *m.config
	m.configPath = configPath

	newConfig := Default()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := loadFromFile(configPath, newConfig); err != nil {
				return fmt.Errorf("failed to load config from file: %w", err)
			}
		}
	}

	if err := loadStructFromEnv(reflect.ValueOf(newConfig).Elem(), false); err != nil {
		return fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	m.config = newConfig

	for _, watcher := range m.watchers {
		go watcher(&oldConfig, newConfig)
	}
	return nil
}

// Get returns the current configuration (thread-safe copy).
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	configCopy := *m.config
	return &configCopy
}

// AddWatcher registers a configuration change callback.
func (m *Manager) AddWatcher(watcher Watcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, watcher)
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Server.Transport {
	case "http", "stdio", "sse":
	default:
		return fmt.Errorf("unsupported transport: %s", c.Server.Transport)
	}
	if c.Database.Type != "postgres" && c.Database.Type != "sqlite" {
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	if c.Database.MaxConns < 1 || c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("invalid connection pool bounds: min=%d max=%d", c.Database.MinConns, c.Database.MaxConns)
	}
	if c.Storage.SignedURLTTLMins < 1 {
		return fmt.Errorf("signed URL TTL must be at least one minute")
	}
	if c.Ingest.MaxSizeMB < 1 {
		return fmt.Errorf("invalid max size: %d MB", c.Ingest.MaxSizeMB)
	}
	if c.Auth.Enabled && c.Auth.Token == "" {
		return fmt.Errorf("auth enabled but no token configured")
	}
	return nil
}

// SignedURLTTL returns the signed URL TTL as a duration.
func (c *Config) SignedURLTTL() time.Duration {
	return time.Duration(c.Storage.SignedURLTTLMins) * time.Minute
}

// MaxSizeBytes returns the default ingestion size cap in bytes.
func (c *Config) MaxSizeBytes() int64 {
	return int64(c.Ingest.MaxSizeMB) * 1024 * 1024
}

func loadFromFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	default:
		return fmt.Errorf("unsupported config file format: %s", filepath.Ext(path))
	}
}

// loadStructFromEnv walks the config struct and applies `env:` variables.
// With defaultsOnly it applies only `default:` tags, ignoring the environment.
func loadStructFromEnv(v reflect.Value, defaultsOnly bool) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := loadStructFromEnv(field, defaultsOnly); err != nil {
				return err
			}
			continue
		}

		value := ""
		if !defaultsOnly {
			value = os.Getenv(fieldType.Tag.Get("env"))
		}
		if value == "" {
			if defaultsOnly {
				value = fieldType.Tag.Get("default")
			}
			if value == "" {
				continue
			}
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("failed to set field %s: %w", fieldType.Name, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(intVal)
		}
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(boolVal)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i, p := range parts {
				parts[i] = strings.TrimSpace(p)
			}
			field.Set(reflect.ValueOf(parts))
		}
	default:
		return fmt.Errorf("unsupported field type: %v", field.Kind())
	}
	return nil
}

// Convenience accessors on the global manager.

// Get returns the current global configuration.
func Get() *Config {
	return GetManager().Get()
}

// Load loads configuration into the global manager.
func Load(configPath string) error {
	return GetManager().Load(configPath)
}

// AddWatcher registers a global configuration watcher.
func AddWatcher(watcher Watcher) {
	GetManager().AddWatcher(watcher)
}
