package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. APARTMENTBOT_DATABASE_HOST.
const EnvPrefix = "APARTMENTBOT"

type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	JWT         JWTConfig         `mapstructure:"jwt" yaml:"jwt"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring" yaml:"monitoring"`
	Security    SecurityConfig    `mapstructure:"security" yaml:"security"`
	Automation  AutomationConfig  `mapstructure:"automation" yaml:"automation"`
	Outbox      OutboxConfig      `mapstructure:"outbox" yaml:"outbox"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency" yaml:"idempotency"`
	LINE        LINEConfig        `mapstructure:"line" yaml:"line"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host" validate:"required"`
	Port int    `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Name            string        `mapstructure:"name" yaml:"name"`
	SSLMode         string        `mapstructure:"sslmode" yaml:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

type JWTConfig struct {
	Secret    string        `mapstructure:"secret" yaml:"secret" validate:"required"`
	ExpiresIn time.Duration `mapstructure:"expires_in" yaml:"expires_in"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	Output     string `mapstructure:"output" yaml:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // MB
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // days
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type MonitoringConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MetricsPath string        `mapstructure:"metrics_path" yaml:"metrics_path"`
	Tracing     TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// TracingConfig OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"` // OTLP gRPC endpoint, e.g. http://otel-collector:4317
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio" validate:"gte=0,lte=1"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
}

type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors" yaml:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting" yaml:"rate_limiting"`
	RBAC         RBACConfig         `mapstructure:"rbac" yaml:"rbac"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers" yaml:"allowed_headers"`
}

// RateLimitingConfig bounds requests per key inside a sliding window.
type RateLimitingConfig struct {
	Enabled       bool                  `mapstructure:"enabled" yaml:"enabled"`
	Window        time.Duration         `mapstructure:"window" yaml:"window"`
	MaxRequests   int                   `mapstructure:"max_requests" yaml:"max_requests" validate:"gte=0"`
	KeyHeader     string                `mapstructure:"key_header" yaml:"key_header"`
	WhitelistIPs  []string              `mapstructure:"whitelist_ips" yaml:"whitelist_ips"`
	Paths         []PathRateLimitConfig `mapstructure:"paths" yaml:"paths"`
	MaxTrackedKey int                   `mapstructure:"max_tracked_keys" yaml:"max_tracked_keys"`
}

// PathRateLimitConfig overrides the global limit for requests whose path starts with Prefix.
type PathRateLimitConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Prefix      string        `mapstructure:"prefix" yaml:"prefix"`
	Window      time.Duration `mapstructure:"window" yaml:"window"`
	MaxRequests int           `mapstructure:"max_requests" yaml:"max_requests"`
}

// RBACConfig maps roles to permission patterns ("*", "resource.*", "resource.action").
type RBACConfig struct {
	Enabled bool                `mapstructure:"enabled" yaml:"enabled"`
	Roles   map[string][]string `mapstructure:"roles" yaml:"roles"`
}

// AutomationConfig thresholds fed to the proposal generator.
type AutomationConfig struct {
	MinOverdueDays       int `mapstructure:"min_overdue_days" yaml:"min_overdue_days" validate:"gte=0"`
	NoReplyThresholdDays int `mapstructure:"no_reply_threshold_days" yaml:"no_reply_threshold_days" validate:"gte=0"`
}

type OutboxConfig struct {
	WorkerEnabled  bool          `mapstructure:"worker_enabled" yaml:"worker_enabled"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size" yaml:"batch_size" validate:"gte=1,lte=500"`
	LockExpiration time.Duration `mapstructure:"lock_expiration" yaml:"lock_expiration"`
	Retention      time.Duration `mapstructure:"retention" yaml:"retention"`
	PurgeInterval  time.Duration `mapstructure:"purge_interval" yaml:"purge_interval"`
}

type IdempotencyConfig struct {
	HeaderName  string        `mapstructure:"header_name" yaml:"header_name" validate:"required"`
	TTL         time.Duration `mapstructure:"ttl" yaml:"ttl"`
	// LockTimeout is how long an unfinished request keeps its key.
	LockTimeout time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`
}

// LINEConfig LINE Messaging API push settings. When disabled, messages are only logged.
type LINEConfig struct {
	Enabled            bool                 `mapstructure:"enabled" yaml:"enabled"`
	BaseURL            string               `mapstructure:"base_url" yaml:"base_url" validate:"required_if=Enabled true"`
	ChannelAccessToken string               `mapstructure:"channel_access_token" yaml:"channel_access_token" validate:"required_if=Enabled true"`
	Timeout            time.Duration        `mapstructure:"timeout" yaml:"timeout"`
	CircuitBreaker     CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxFailures     int           `mapstructure:"max_failures" yaml:"max_failures"`
	ResetTimeout    time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
	HalfOpenMaxReqs int           `mapstructure:"half_open_max_requests" yaml:"half_open_max_requests"`
}

// Validate checks struct-level constraints.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// Load builds the configuration from defaults, the config file already read by viper
// and APARTMENTBOT_* environment variables.
func Load() (*Config, error) {
	cfg := GetDefaultConfig()
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	bindEnv()

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnv registers keys that must be overridable from the environment even when the
// config file does not mention them.
func bindEnv() {
	for _, key := range []string{
		"server.host", "server.port",
		"database.dsn", "database.host", "database.port", "database.user",
		"database.password", "database.name", "database.sslmode",
		"jwt.secret",
		"log.level", "log.format", "log.output",
		"monitoring.tracing.enabled", "monitoring.tracing.endpoint",
		"automation.min_overdue_days", "automation.no_reply_threshold_days",
		"outbox.worker_enabled", "outbox.poll_interval", "outbox.batch_size",
		"idempotency.ttl", "idempotency.lock_timeout",
		"line.enabled", "line.base_url", "line.channel_access_token",
	} {
		_ = viper.BindEnv(key)
	}
}

// GetDefaultConfig returns the built-in defaults.
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "apartmentbot",
			SSLMode:         "disable",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: time.Hour,
		},
		JWT: JWTConfig{
			Secret:    "default-secret-key",
			ExpiresIn: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/apartmentbot.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "apartmentbot",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:       true,
				Window:        time.Minute,
				MaxRequests:   120,
				MaxTrackedKey: 10000,
			},
		},
		Automation: AutomationConfig{
			MinOverdueDays:       1,
			NoReplyThresholdDays: 2,
		},
		Outbox: OutboxConfig{
			WorkerEnabled:  true,
			PollInterval:   30 * time.Second,
			BatchSize:      20,
			LockExpiration: 5 * time.Minute,
			Retention:      30 * 24 * time.Hour,
			PurgeInterval:  24 * time.Hour,
		},
		Idempotency: IdempotencyConfig{
			HeaderName:  "Idempotency-Key",
			TTL:         24 * time.Hour,
			LockTimeout: 2 * time.Minute,
		},
		LINE: LINEConfig{
			Enabled: false,
			BaseURL: "https://api.line.me",
			Timeout: 10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:         true,
				MaxFailures:     5,
				ResetTimeout:    60 * time.Second,
				HalfOpenMaxReqs: 1,
			},
		},
	}
}
