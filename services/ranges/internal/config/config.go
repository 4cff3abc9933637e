package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	base "github.com/AfshinJalili/withdrawal-ranges/libs/config"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverMemory   = "memory"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type StorageConfig struct {
	Driver   string `mapstructure:"driver"`
	Migrate  bool   `mapstructure:"migrate"`
	MySQLDSN string `mapstructure:"mysql_dsn"`
}

type UploadConfig struct {
	MaxBytes int64 `mapstructure:"max_bytes"`
}

type CacheConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

type RateLimitConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Limit     int           `mapstructure:"limit"`
	Window    time.Duration `mapstructure:"window"`
	RedisAddr string        `mapstructure:"redis_addr"`
}

// GRPCConfig controls the standalone gRPC health endpoint.
type GRPCConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers"`
	Topic         string   `mapstructure:"topic"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	DLQTopic      string   `mapstructure:"dlq_topic"`
}

type Config struct {
	App            base.AppConfig
	DB             DBConfig
	Storage        StorageConfig
	Upload         UploadConfig
	Cache          CacheConfig
	RateLimit      RateLimitConfig
	Kafka          KafkaConfig
	GRPC           GRPCConfig
	AdminJWTSecret string
	OTLPEndpoint   string
}

type serviceSettings struct {
	Storage        StorageConfig   `mapstructure:"storage"`
	Upload         UploadConfig    `mapstructure:"upload"`
	Cache          CacheConfig     `mapstructure:"cache"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
	Kafka          KafkaConfig     `mapstructure:"kafka"`
	GRPC           GRPCConfig      `mapstructure:"grpc"`
	AdminJWTSecret string          `mapstructure:"admin_jwt_secret"`
	OTLPEndpoint   string          `mapstructure:"otlp_endpoint"`
}

func Load() (*Config, error) {
	return LoadFile(os.Getenv(base.EnvPrefix + "_CONFIG"))
}

func LoadFile(path string) (*Config, error) {
	v, err := base.NewViper(path)
	if err != nil {
		return nil, err
	}
	setDefaults(v)

	appCfg, err := base.FromViper(v)
	if err != nil {
		return nil, err
	}

	var s serviceSettings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Broker lists from the environment arrive as one comma separated string.
	s.Kafka.Brokers = splitCSV(strings.Join(s.Kafka.Brokers, ","))
	if s.OTLPEndpoint == "" {
		s.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "withdrawal_ranges"),
			User:     envString("POSTGRES_USER", "ranges"),
			Password: envString("POSTGRES_PASSWORD", "ranges"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Storage:        s.Storage,
		Upload:         s.Upload,
		Cache:          s.Cache,
		RateLimit:      s.RateLimit,
		Kafka:          s.Kafka,
		GRPC:           s.GRPC,
		AdminJWTSecret: s.AdminJWTSecret,
		OTLPEndpoint:   s.OTLPEndpoint,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case DriverPostgres, DriverMemory:
	case DriverMySQL:
		if c.Storage.MySQLDSN == "" {
			return fmt.Errorf("storage.mysql_dsn required for the mysql driver")
		}
	default:
		return fmt.Errorf("storage.driver must be one of %q, %q or %q, got %q", DriverPostgres, DriverMySQL, DriverMemory, c.Storage.Driver)
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("upload.max_bytes must be positive")
	}
	if c.Cache.RefreshInterval < 0 {
		return fmt.Errorf("cache.refresh_interval must not be negative")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Limit <= 0 {
			return fmt.Errorf("rate_limit.limit must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate_limit.window must be positive")
		}
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers required")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka topic required")
		}
		if c.Kafka.ConsumerGroup == "" {
			return fmt.Errorf("kafka consumer group required")
		}
	}
	if c.GRPC.Enabled && c.GRPC.Port <= 0 {
		return fmt.Errorf("grpc.port must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.driver", DriverPostgres)
	v.SetDefault("storage.migrate", true)
	v.SetDefault("storage.mysql_dsn", "")
	v.SetDefault("upload.max_bytes", 5<<20)
	v.SetDefault("cache.refresh_interval", "30s")
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.limit", 120)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.redis_addr", "")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "ranges.changed")
	v.SetDefault("kafka.consumer_group", "withdrawal-ranges")
	v.SetDefault("kafka.dlq_topic", "ranges.changed.dlq")
	v.SetDefault("grpc.enabled", false)
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 9090)
	v.SetDefault("admin_jwt_secret", "")
	v.SetDefault("otlp_endpoint", "")
}

func envString(key, def string) string {
	if v := os.Getenv(base.EnvPrefix + "_" + key); v != "" {
		return v
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(envString(key, "")); err == nil {
		return n
	}
	return def
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
