package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"telemetry-hub/internal/types"
)

// Config represents the telemetry hub configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Influx   InfluxConfig   `mapstructure:"influx"`
	Auth     AuthConfig     `mapstructure:"auth"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig selects and configures the relational store
type DatabaseConfig struct {
	Driver       string        `mapstructure:"driver"` // postgres, sqlite3
	Path         string        `mapstructure:"path"`   // sqlite3 only
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Name         string        `mapstructure:"name"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	SSLMode      string        `mapstructure:"ssl_mode"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	MaxLifetime  time.Duration `mapstructure:"max_lifetime"`
}

// RedisConfig holds Redis configuration. An empty Host selects the in-process queue.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	Database int    `mapstructure:"database"`
	PoolSize int    `mapstructure:"pool_size"`
	Queue    string `mapstructure:"queue"`
}

// IngestConfig bounds and tunes the ingestion pipeline
type IngestConfig struct {
	UnassignedTenantID    string        `mapstructure:"unassigned_tenant_id"`
	MaxPayloadBytes       int           `mapstructure:"max_payload_bytes"`
	MaxPairs              int           `mapstructure:"max_pairs"`
	ResolveTimeout        time.Duration `mapstructure:"resolve_timeout"`
	TrustClientTimestamps bool          `mapstructure:"trust_client_timestamps"`
	ReservedQueryKeys     []string      `mapstructure:"reserved_query_keys"`
}

// AlertingConfig tunes threshold and anomaly evaluation
type AlertingConfig struct {
	ZThreshold       float64 `mapstructure:"z_threshold"`
	AnomalyMinScore  int     `mapstructure:"anomaly_min_score"`
	HistoryWindow    int     `mapstructure:"history_window"`
	Workers          int     `mapstructure:"workers"`
	AnomalyEnabled   bool    `mapstructure:"anomaly_enabled"`
	ThresholdEnabled bool    `mapstructure:"threshold_enabled"`
}

// NotifyConfig configures the notification dispatcher
type NotifyConfig struct {
	Interval           time.Duration     `mapstructure:"interval"`
	BatchLimit         int               `mapstructure:"batch_limit"`
	OperatorRecipients []types.Recipient `mapstructure:"operator_recipients"`
	WebhookSecret      string            `mapstructure:"webhook_secret"`
	WebhookTimeout     time.Duration     `mapstructure:"webhook_timeout"`
}

// MQTTConfig configures the broker subscriber. An empty Broker disables it.
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topic    string `mapstructure:"topic"`
	QoS      int    `mapstructure:"qos"`
}

// KafkaConfig configures the reading/alert mirror. Empty Brokers disables it.
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ReadingsTopic string   `mapstructure:"readings_topic"`
	AlertsTopic   string   `mapstructure:"alerts_topic"`
}

// InfluxConfig configures the time-series mirror. An empty URL disables it.
type InfluxConfig struct {
	URL         string `mapstructure:"url"`
	Token       string `mapstructure:"token"`
	Org         string `mapstructure:"org"`
	Bucket      string `mapstructure:"bucket"`
	Measurement string `mapstructure:"measurement"`
}

// AuthConfig holds operator API authentication configuration
type AuthConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	JWTSecret     string        `mapstructure:"jwt_secret"`
	JWTExpiration time.Duration `mapstructure:"jwt_expiration"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:       "sqlite3",
			Path:         "./telemetry.db",
			Host:         "localhost",
			Port:         5432,
			Name:         "telemetry",
			Username:     "postgres",
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			MaxLifetime:  5 * time.Minute,
		},
		Redis: RedisConfig{
			Port:     6379,
			PoolSize: 10,
			Queue:    "telemetry:alert-eval",
		},
		Ingest: IngestConfig{
			UnassignedTenantID:    "unassigned",
			MaxPayloadBytes:       64 * 1024,
			MaxPairs:              256,
			ResolveTimeout:        5 * time.Second,
			TrustClientTimestamps: false,
			ReservedQueryKeys:     []string{"serial", "serialNumber", "legacyDeviceId", "source"},
		},
		Alerting: AlertingConfig{
			ZThreshold:       2.5,
			AnomalyMinScore:  50,
			HistoryWindow:    30,
			Workers:          2,
			AnomalyEnabled:   true,
			ThresholdEnabled: true,
		},
		Notify: NotifyConfig{
			Interval:       time.Minute,
			BatchLimit:     500,
			WebhookTimeout: 10 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID: "telemetry-hub",
			Topic:    "devices/+/telemetry",
			QoS:      1,
		},
		Kafka: KafkaConfig{
			ReadingsTopic: "telemetry.readings",
			AlertsTopic:   "telemetry.alerts",
		},
		Influx: InfluxConfig{
			Measurement: "telemetry",
		},
		Auth: AuthConfig{
			Enabled:       false,
			JWTExpiration: 24 * time.Hour,
		},
		LogLevel: "info",
		LogFile:  "",
	}
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	setDefaults(v, cfg)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/telemetry-hub")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".telemetry-hub"))
		}
	}

	// TELEMETRY_DATABASE_DRIVER overrides database.driver, etc.
	v.SetEnvPrefix("TELEMETRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", cfg.Server.IdleTimeout)

	v.SetDefault("database.driver", cfg.Database.Driver)
	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.host", cfg.Database.Host)
	v.SetDefault("database.port", cfg.Database.Port)
	v.SetDefault("database.name", cfg.Database.Name)
	v.SetDefault("database.username", cfg.Database.Username)
	v.SetDefault("database.password", cfg.Database.Password)
	v.SetDefault("database.ssl_mode", cfg.Database.SSLMode)
	v.SetDefault("database.max_open_conns", cfg.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", cfg.Database.MaxIdleConns)
	v.SetDefault("database.max_lifetime", cfg.Database.MaxLifetime)

	v.SetDefault("redis.host", cfg.Redis.Host)
	v.SetDefault("redis.port", cfg.Redis.Port)
	v.SetDefault("redis.password", cfg.Redis.Password)
	v.SetDefault("redis.database", cfg.Redis.Database)
	v.SetDefault("redis.pool_size", cfg.Redis.PoolSize)
	v.SetDefault("redis.queue", cfg.Redis.Queue)

	v.SetDefault("ingest.unassigned_tenant_id", cfg.Ingest.UnassignedTenantID)
	v.SetDefault("ingest.max_payload_bytes", cfg.Ingest.MaxPayloadBytes)
	v.SetDefault("ingest.max_pairs", cfg.Ingest.MaxPairs)
	v.SetDefault("ingest.resolve_timeout", cfg.Ingest.ResolveTimeout)
	v.SetDefault("ingest.trust_client_timestamps", cfg.Ingest.TrustClientTimestamps)
	v.SetDefault("ingest.reserved_query_keys", cfg.Ingest.ReservedQueryKeys)

	v.SetDefault("alerting.z_threshold", cfg.Alerting.ZThreshold)
	v.SetDefault("alerting.anomaly_min_score", cfg.Alerting.AnomalyMinScore)
	v.SetDefault("alerting.history_window", cfg.Alerting.HistoryWindow)
	v.SetDefault("alerting.workers", cfg.Alerting.Workers)
	v.SetDefault("alerting.anomaly_enabled", cfg.Alerting.AnomalyEnabled)
	v.SetDefault("alerting.threshold_enabled", cfg.Alerting.ThresholdEnabled)

	v.SetDefault("notify.interval", cfg.Notify.Interval)
	v.SetDefault("notify.batch_limit", cfg.Notify.BatchLimit)
	v.SetDefault("notify.webhook_secret", cfg.Notify.WebhookSecret)
	v.SetDefault("notify.webhook_timeout", cfg.Notify.WebhookTimeout)

	v.SetDefault("mqtt.broker", cfg.MQTT.Broker)
	v.SetDefault("mqtt.client_id", cfg.MQTT.ClientID)
	v.SetDefault("mqtt.username", cfg.MQTT.Username)
	v.SetDefault("mqtt.password", cfg.MQTT.Password)
	v.SetDefault("mqtt.topic", cfg.MQTT.Topic)
	v.SetDefault("mqtt.qos", cfg.MQTT.QoS)

	v.SetDefault("kafka.brokers", cfg.Kafka.Brokers)
	v.SetDefault("kafka.readings_topic", cfg.Kafka.ReadingsTopic)
	v.SetDefault("kafka.alerts_topic", cfg.Kafka.AlertsTopic)

	v.SetDefault("influx.url", cfg.Influx.URL)
	v.SetDefault("influx.token", cfg.Influx.Token)
	v.SetDefault("influx.org", cfg.Influx.Org)
	v.SetDefault("influx.bucket", cfg.Influx.Bucket)
	v.SetDefault("influx.measurement", cfg.Influx.Measurement)

	v.SetDefault("auth.enabled", cfg.Auth.Enabled)
	v.SetDefault("auth.jwt_secret", cfg.Auth.JWTSecret)
	v.SetDefault("auth.jwt_expiration", cfg.Auth.JWTExpiration)

	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite3")
		}
	case "postgres":
		if c.Database.Host == "" || c.Database.Name == "" {
			return fmt.Errorf("database.host and database.name are required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be one of: postgres, sqlite3")
	}

	if c.Ingest.UnassignedTenantID == "" {
		return fmt.Errorf("ingest.unassigned_tenant_id is required")
	}
	if c.Ingest.MaxPayloadBytes <= 0 {
		return fmt.Errorf("ingest.max_payload_bytes must be positive")
	}
	if c.Ingest.MaxPairs <= 0 {
		return fmt.Errorf("ingest.max_pairs must be positive")
	}
	if c.Ingest.ResolveTimeout <= 0 {
		return fmt.Errorf("ingest.resolve_timeout must be positive")
	}

	if c.Alerting.ZThreshold <= 0 {
		return fmt.Errorf("alerting.z_threshold must be positive")
	}
	if c.Alerting.AnomalyMinScore < 0 || c.Alerting.AnomalyMinScore > 100 {
		return fmt.Errorf("alerting.anomaly_min_score must be between 0 and 100")
	}
	if c.Alerting.HistoryWindow < 5 {
		return fmt.Errorf("alerting.history_window must be at least 5")
	}
	if c.Alerting.Workers <= 0 {
		return fmt.Errorf("alerting.workers must be positive")
	}

	if c.Notify.Interval <= 0 {
		return fmt.Errorf("notify.interval must be positive")
	}
	if c.Notify.BatchLimit <= 0 {
		return fmt.Errorf("notify.batch_limit must be positive")
	}

	if c.MQTT.Broker != "" && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}

	if c.Influx.URL != "" && c.Influx.Bucket == "" {
		return fmt.Errorf("influx.bucket is required when influx.url is set")
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}

	return nil
}

// ConnectionString returns the driver-specific data source name
func (d *DatabaseConfig) ConnectionString() string {
	if d.Driver == "sqlite3" {
		return d.Path + "?_foreign_keys=on&_busy_timeout=5000"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.Username, d.Password, d.Name, d.SSLMode)
}

// RedisAddr returns the Redis address
func (r *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Addr returns the HTTP listen address
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
