package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides, e.g. GOV_AUDIT_BATCH_SIZE.
const EnvPrefix = "GOV_"

// DefaultConfigPath is read when no explicit path is given.
const DefaultConfigPath = "configs/config.yaml"

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment" validate:"oneof=development staging production test"`
	LogLevel    string `koanf:"log_level" validate:"oneof=debug info warn error"`

	Server        ServerConfig        `koanf:"server"`
	Storage       StorageConfig       `koanf:"storage"`
	Database      DatabaseConfig      `koanf:"database"`
	Redis         RedisConfig         `koanf:"redis"`
	Audit         AuditConfig         `koanf:"audit"`
	Evidence      EvidenceConfig      `koanf:"evidence"`
	Risk          RiskConfig          `koanf:"risk"`
	Governance    GovernanceConfig    `koanf:"governance"`
	Notifications NotificationsConfig `koanf:"notifications"`
	Telemetry     TelemetryConfig     `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            int             `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration   `koanf:"read_timeout"`
	WriteTimeout    time.Duration   `koanf:"write_timeout"`
	ShutdownTimeout time.Duration   `koanf:"shutdown_timeout"`
	RateLimit       RateLimitConfig `koanf:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `koanf:"requests_per_second" validate:"min=1"`
	BurstSize         int `koanf:"burst_size" validate:"min=1"`
}

// StorageConfig selects the repository backend: "postgres" or "memory".
type StorageConfig struct {
	Driver string `koanf:"driver" validate:"oneof=postgres memory"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	MigrationsPath  string        `koanf:"migrations_path"`
}

type RedisConfig struct {
	URL         string        `koanf:"url"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	PoolSize    int           `koanf:"pool_size"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
	SessionTTL  time.Duration `koanf:"session_ttl"`
}

type AuditConfig struct {
	BatchSize     int           `koanf:"batch_size" validate:"min=1"`
	FlushInterval time.Duration `koanf:"flush_interval"`
	Timezone      string        `koanf:"timezone"`
	AlertQueue    int           `koanf:"alert_queue" validate:"min=1"`
}

type EvidenceConfig struct {
	FreshnessDays  int           `koanf:"freshness_days" validate:"min=1"`
	RetentionDays  int           `koanf:"retention_days" validate:"min=0"`
	CommandTimeout time.Duration `koanf:"command_timeout"`
	HTTPTimeout    time.Duration `koanf:"http_timeout"`
	ArtifactRoot   string        `koanf:"artifact_root"`
}

type RiskConfig struct {
	IndustryThreatFactor float64 `koanf:"industry_threat_factor" validate:"gt=0"`
}

type GovernanceConfig struct {
	CatalogPath         string        `koanf:"catalog_path"`
	EnabledFrameworks   []string      `koanf:"enabled_frameworks"`
	HealthCheckInterval time.Duration `koanf:"health_check_interval"`
}

type NotificationsConfig struct {
	SMTPAddr       string        `koanf:"smtp_addr"`
	SMTPFrom       string        `koanf:"smtp_from"`
	WebhookSecret  string        `koanf:"webhook_secret"`
	WebhookTimeout time.Duration `koanf:"webhook_timeout"`
	RatePerSecond  float64       `koanf:"rate_per_second" validate:"gt=0"`
	Burst          int           `koanf:"burst" validate:"min=1"`
}

type TelemetryConfig struct {
	Enabled       bool          `koanf:"enabled"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	SamplingRate  float64       `koanf:"sampling_rate"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
	BatchTimeout  time.Duration `koanf:"batch_timeout"`
}

// Defaults returns the baseline configuration before file and env overrides.
func Defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 100,
				BurstSize:         200,
			},
		},
		Storage: StorageConfig{Driver: "memory"},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			MigrationsPath:  "migrations",
		},
		Redis: RedisConfig{
			PoolSize:    10,
			DialTimeout: 5 * time.Second,
			SessionTTL:  24 * time.Hour,
		},
		Audit: AuditConfig{
			BatchSize:     1000,
			FlushInterval: 5 * time.Second,
			Timezone:      "Local",
			AlertQueue:    1024,
		},
		Evidence: EvidenceConfig{
			FreshnessDays:  90,
			RetentionDays:  2555,
			CommandTimeout: 30 * time.Second,
			HTTPTimeout:    15 * time.Second,
		},
		Risk: RiskConfig{
			IndustryThreatFactor: 1.1,
		},
		Governance: GovernanceConfig{
			CatalogPath:         "configs/catalog.yaml",
			HealthCheckInterval: 60 * time.Second,
		},
		Notifications: NotificationsConfig{
			WebhookTimeout: 10 * time.Second,
			RatePerSecond:  5,
			Burst:          10,
		},
		Telemetry: TelemetryConfig{
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			BatchTimeout:  5 * time.Second,
		},
	}
}

// Load layers defaults, an optional YAML file and GOV_* environment variables.
// An empty path falls back to DefaultConfigPath; a missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("checking config file %s: %w", path, err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct constraints and cross-field requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Storage.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("invalid configuration: database.url is required for postgres storage")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid configuration: audit.timezone: %w", err)
	}
	return nil
}

// Location resolves the audit timezone used for access-hour analysis.
func (c *Config) Location() (*time.Location, error) {
	if c.Audit.Timezone == "" || strings.EqualFold(c.Audit.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(c.Audit.Timezone)
}

// envKey maps GOV_AUDIT__BATCH_SIZE style names onto koanf paths. A double
// underscore separates sections so single underscores survive in leaf keys.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}
