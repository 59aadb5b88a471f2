package config

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "LEADPULSE_"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds all configuration for the leadpulse services.
type Config struct {
	Server     ServerConfig     `envPrefix:"HTTP_"`
	Storage    StorageConfig    `envPrefix:"STORAGE_"`
	Database   DatabaseConfig   `envPrefix:"DB_"`
	Redis      RedisConfig      `envPrefix:"REDIS_"`
	ClickHouse ClickHouseConfig `envPrefix:"CLICKHOUSE_"`
	Kafka      KafkaConfig      `envPrefix:"KAFKA_"`
	Auth       AuthConfig       `envPrefix:"AUTH_"`
	RateLimit  RateLimitConfig  `envPrefix:"RATE_LIMIT_"`
	Log        LogConfig        `envPrefix:"LOG_"`
	Metrics    MetricsConfig    `envPrefix:"METRICS_"`
	Geo        GeoConfig        `envPrefix:"GEO_"`
	Report     ReportConfig     `envPrefix:"REPORT_"`
	Tracking   TrackingConfig   `envPrefix:"TRACKING_"`
}

type ServerConfig struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	Env             string        `env:"ENV" envDefault:"development"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// TrustedProxies lists the CIDRs whose X-Forwarded-For and X-Real-IP
	// headers are believed. Empty means the peer address is the client.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`
}

// StorageConfig selects the backend and bounds every store call.
type StorageConfig struct {
	Backend     string        `env:"BACKEND" envDefault:"memory"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"2s"`
	CASAttempts int           `env:"CAS_ATTEMPTS" envDefault:"16"`
	LockLease   time.Duration `env:"LOCK_LEASE" envDefault:"30s"`
}

type DatabaseConfig struct {
	Host        string `env:"HOST" envDefault:"localhost"`
	Port        int    `env:"PORT" envDefault:"5432"`
	User        string `env:"USER" envDefault:"leadpulse"`
	Password    string `env:"PASSWORD" envDefault:"leadpulse_secret"`
	DBName      string `env:"NAME" envDefault:"leadpulse"`
	SSLMode     string `env:"SSLMODE" envDefault:"disable"`
	MaxConns    int    `env:"MAX_CONNS" envDefault:"25"`
	MinConns    int    `env:"MIN_CONNS" envDefault:"5"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Addr      string `env:"ADDR" envDefault:"localhost:6379"`
	Password  string `env:"PASSWORD"`
	DB        int    `env:"DB" envDefault:"0"`
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"lp:"`
}

// ClickHouseConfig configures the raw event archive.
type ClickHouseConfig struct {
	Enabled       bool          `env:"ENABLED" envDefault:"false"`
	Addr          string        `env:"ADDR" envDefault:"localhost:9000"`
	Database      string        `env:"DB" envDefault:"leadpulse"`
	Username      string        `env:"USERNAME" envDefault:"default"`
	Password      string        `env:"PASSWORD"`
	Table         string        `env:"TABLE" envDefault:"tracking_events_archive"`
	BufferSize    int           `env:"BUFFER_SIZE" envDefault:"10000"`
	BatchSize     int           `env:"BATCH_SIZE" envDefault:"500"`
	FlushInterval time.Duration `env:"FLUSH_INTERVAL" envDefault:"5s"`
}

// KafkaConfig configures the ingest worker.
type KafkaConfig struct {
	Enabled           bool     `env:"ENABLED" envDefault:"false"`
	Brokers           []string `env:"BROKERS" envSeparator:","`
	Topic             string   `env:"TOPIC" envDefault:"leadpulse.tracking"`
	GroupID           string   `env:"GROUP_ID" envDefault:"leadpulse-ingest"`
	RebalanceStrategy string   `env:"REBALANCE_STRATEGY" envDefault:"roundrobin"`
	Oldest            bool     `env:"OLDEST" envDefault:"true"`
}

type AuthConfig struct {
	Enabled   bool     `env:"ENABLED" envDefault:"true"`
	JWTSecret string   `env:"JWT_SECRET"`
	SkipPaths []string `env:"SKIP_PATHS" envSeparator:"," envDefault:"/health,/metrics,/track"`
}

type RateLimitConfig struct {
	Enabled        bool    `env:"ENABLED" envDefault:"true"`
	TrackRPS       float64 `env:"TRACK_RPS" envDefault:"1000"`
	TrackBurst     int     `env:"TRACK_BURST" envDefault:"200"`
	DashboardRPS   float64 `env:"DASHBOARD_RPS" envDefault:"20"`
	DashboardBurst int     `env:"DASHBOARD_BURST" envDefault:"40"`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `env:"ENABLED" envDefault:"true"`
	Path    string `env:"PATH" envDefault:"/metrics"`
}

// GeoConfig configures GeoIP lookup.
type GeoConfig struct {
	Enabled      bool          `env:"ENABLED" envDefault:"false"`
	DatabasePath string        `env:"DB_PATH" envDefault:"/app/data/GeoLite2-Country.mmdb"`
	CacheSize    int           `env:"CACHE_SIZE" envDefault:"10000"`
	CacheTTL     time.Duration `env:"CACHE_TTL" envDefault:"1h"`
}

// ReportConfig bounds the analytics report.
type ReportConfig struct {
	LeadLimit          int           `env:"LEAD_LIMIT" envDefault:"100"`
	PathLimit          int           `env:"PATH_LIMIT" envDefault:"10"`
	JourneyConcurrency int           `env:"JOURNEY_CONCURRENCY" envDefault:"8"`
	Timeout            time.Duration `env:"TIMEOUT" envDefault:"10s"`
}

type TrackingConfig struct {
	VisitorCookie    string        `env:"VISITOR_COOKIE" envDefault:"visitor_id"`
	VisitorCookieTTL time.Duration `env:"VISITOR_COOKIE_TTL" envDefault:"8760h"`
}

// Load reads an optional .env file, then the environment.
func Load(dotenvFiles ...string) (*Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load(dotenvFiles...)

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("%sSTORAGE_BACKEND must be one of memory, redis, postgres (got %q)", EnvPrefix, c.Storage.Backend))
	}
	if c.Storage.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("%sSTORAGE_TIMEOUT must be positive", EnvPrefix))
	}
	if c.Storage.CASAttempts <= 0 {
		errs = append(errs, fmt.Errorf("%sSTORAGE_CAS_ATTEMPTS must be positive", EnvPrefix))
	}
	if c.Storage.LockLease <= c.Storage.Timeout {
		errs = append(errs, fmt.Errorf("%sSTORAGE_LOCK_LEASE must exceed STORAGE_TIMEOUT", EnvPrefix))
	}
	for _, cidr := range c.Server.TrustedProxies {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			errs = append(errs, fmt.Errorf("%sHTTP_TRUSTED_PROXIES: %w", EnvPrefix, err))
		}
	}
	if c.Report.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("%sREPORT_TIMEOUT must be positive", EnvPrefix))
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("%sAUTH_JWT_SECRET is required when auth is enabled", EnvPrefix))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, fmt.Errorf("%sKAFKA_BROKERS is required when kafka is enabled", EnvPrefix))
	}
	if c.ClickHouse.Enabled && (c.ClickHouse.BatchSize <= 0 || c.ClickHouse.FlushInterval <= 0) {
		errs = append(errs, fmt.Errorf("%sCLICKHOUSE_BATCH_SIZE and FLUSH_INTERVAL must be positive", EnvPrefix))
	}
	if c.Report.LeadLimit <= 0 || c.Report.PathLimit <= 0 {
		errs = append(errs, fmt.Errorf("%sREPORT_LEAD_LIMIT and PATH_LIMIT must be positive", EnvPrefix))
	}

	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}
