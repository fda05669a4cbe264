package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable consulted when Load gets no path.
const EnvPath = "PREVIEWD_CONFIG"

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Preview     PreviewConfig             `json:"preview" yaml:"preview"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	S3          S3Config                  `json:"s3" yaml:"s3"`
	Logging     LoggingConfig             `json:"logging" yaml:"logging"`
}

type BasicConfig struct {
	ServerAddress  string `json:"server_address" yaml:"server_address"`
	Database       string `json:"database" yaml:"database"`
	FileBaseDir    string `json:"file_base_dir" yaml:"file_base_dir"`
	MaxUploadBytes int64  `json:"max_upload_bytes" yaml:"max_upload_bytes"`
	UserQuotaBytes int64  `json:"user_quota_bytes" yaml:"user_quota_bytes"`
	// minutes
	AttachmentTTL int `json:"attachment_ttl" yaml:"attachment_ttl"`
	CleanInterval int `json:"clean_interval" yaml:"clean_interval"`
	// hours
	TokenTTL int `json:"token_ttl" yaml:"token_ttl"`

	MinWorkers int `json:"min_workers" yaml:"min_workers"`
	MaxWorkers int `json:"max_workers" yaml:"max_workers"`
	QueueSize  int `json:"queue_size" yaml:"queue_size"`
	// minutes
	WorkerIdleTimeout int `json:"worker_idle_timeout" yaml:"worker_idle_timeout"`
}

type PreviewConfig struct {
	// seconds
	FetchTimeout int      `json:"fetch_timeout" yaml:"fetch_timeout"`
	AllowedHosts []string `json:"allowed_hosts" yaml:"allowed_hosts"`
	// minutes
	StateTTL int `json:"state_ttl" yaml:"state_ttl"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"dbname" yaml:"dbname"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type S3Config struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Bucket          string `json:"bucket" yaml:"bucket"`
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
	Region          string `json:"region" yaml:"region"`
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
	UsePathStyle    bool   `json:"use_path_style" yaml:"use_path_style"`
}

type LoggingConfig struct {
	Level       string `json:"level" yaml:"level"`
	Format      string `json:"format" yaml:"format"`
	Development bool   `json:"development" yaml:"development"`
}

const (
	defaultServerAddress  = ":8090"
	defaultDatabase       = "sqlite3"
	defaultFileBaseDir    = "./data/uploads"
	defaultMaxUploadBytes = 50 << 20
	defaultUserQuotaBytes = 500 << 20
	defaultAttachmentTTL  = 24 * 60
	defaultCleanInterval  = 10
	defaultTokenTTL       = 24
	defaultMaxWorkers     = 4
	defaultQueueSize      = 64
	defaultWorkerIdle     = 1
	defaultFetchTimeout   = 30
	defaultStateTTL       = 30
	defaultSQLiteDSN      = "./data/previewd.db"
)

// Default returns a configuration with every default applied and a local
// sqlite database.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from path, falling back to $PREVIEWD_CONFIG and
// then config.json. Files ending in .yaml or .yml are decoded as YAML,
// anything else as JSON.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvPath)
	}
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(absPath))
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = defaultServerAddress
	}
	if b.Database == "" {
		b.Database = defaultDatabase
	}
	if b.FileBaseDir == "" {
		b.FileBaseDir = defaultFileBaseDir
	}
	if b.MaxUploadBytes <= 0 {
		b.MaxUploadBytes = defaultMaxUploadBytes
	}
	if b.UserQuotaBytes <= 0 {
		b.UserQuotaBytes = defaultUserQuotaBytes
	}
	if b.AttachmentTTL <= 0 {
		b.AttachmentTTL = defaultAttachmentTTL
	}
	if b.CleanInterval <= 0 {
		b.CleanInterval = defaultCleanInterval
	}
	if b.TokenTTL <= 0 {
		b.TokenTTL = defaultTokenTTL
	}
	if b.MaxWorkers <= 0 {
		b.MaxWorkers = defaultMaxWorkers
	}
	if b.QueueSize <= 0 {
		b.QueueSize = defaultQueueSize
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = defaultWorkerIdle
	}

	if c.Preview.FetchTimeout <= 0 {
		c.Preview.FetchTimeout = defaultFetchTimeout
	}
	if c.Preview.StateTTL <= 0 {
		c.Preview.StateTTL = defaultStateTTL
	}

	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}
	if db, ok := c.Databases["sqlite3"]; !ok || db.DSN == "" {
		db.DSN = defaultSQLiteDSN
		c.Databases["sqlite3"] = db
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "127.0.0.1"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.S3.Region == "" {
		c.S3.Region = "us-east-1"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func (c *Config) validate() error {
	if c.BasicConfig.MinWorkers > c.BasicConfig.MaxWorkers {
		return fmt.Errorf("min_workers (%d) exceeds max_workers (%d)", c.BasicConfig.MinWorkers, c.BasicConfig.MaxWorkers)
	}
	if _, ok := c.Databases[c.BasicConfig.Database]; !ok {
		return fmt.Errorf("database config for %s not found", c.BasicConfig.Database)
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		return fmt.Errorf("s3 bucket must be set when s3 is enabled")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// resolvePaths anchors relative file paths at the config file directory.
func (c *Config) resolvePaths(dir string) {
	if !filepath.IsAbs(c.BasicConfig.FileBaseDir) {
		c.BasicConfig.FileBaseDir = filepath.Join(dir, c.BasicConfig.FileBaseDir)
	}
	for name, db := range c.Databases {
		if name != "sqlite" && name != "sqlite3" {
			continue
		}
		if db.DSN == ":memory:" || strings.HasPrefix(db.DSN, "file:") || filepath.IsAbs(db.DSN) {
			continue
		}
		db.DSN = filepath.Join(dir, db.DSN)
		c.Databases[name] = db
	}
}

func (b BasicConfig) AttachmentTTLDuration() time.Duration {
	return time.Duration(b.AttachmentTTL) * time.Minute
}

func (b BasicConfig) CleanIntervalDuration() time.Duration {
	return time.Duration(b.CleanInterval) * time.Minute
}

func (b BasicConfig) TokenTTLDuration() time.Duration {
	return time.Duration(b.TokenTTL) * time.Hour
}

func (b BasicConfig) WorkerIdleDuration() time.Duration {
	return time.Duration(b.WorkerIdleTimeout) * time.Minute
}

func (p PreviewConfig) FetchTimeoutDuration() time.Duration {
	return time.Duration(p.FetchTimeout) * time.Second
}

func (p PreviewConfig) StateTTLDuration() time.Duration {
	return time.Duration(p.StateTTL) * time.Minute
}
