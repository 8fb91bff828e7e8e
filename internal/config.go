package internal

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"http_server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Security       SecurityConfig       `mapstructure:"security" validate:"required"`
	Observability  ObservabilityConfig  `mapstructure:"observability"`
	Payment        PaymentConfig        `mapstructure:"payment"`
	FSP            FSPConfig            `mapstructure:"fsp"`
	Batch          BatchConfig          `mapstructure:"batch"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Cache          CacheConfig          `mapstructure:"cache"`
	Messaging      MessagingConfig      `mapstructure:"messaging"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	BaseURL           string        `mapstructure:"base_url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	OpenAPISpec       string        `mapstructure:"openapi_spec"`
	ValidateRequests  bool          `mapstructure:"validate_requests"`
	RateLimitPerSec   float64       `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst    int           `mapstructure:"rate_limit_burst"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"required,min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"required,min=1"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"required,min=1m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" validate:"required,min=1m"`
	Source          string        `mapstructure:"source"`
}

// SecurityConfig only verifies bearer tokens. Tokens are minted by the
// identity provider that owns staff accounts.
type SecurityConfig struct {
	JWTPublicKey string `mapstructure:"jwt_public_key" validate:"required"`
	JWTIssuer    string `mapstructure:"jwt_issuer"`
}

type PaymentConfig struct {
	DefaultCurrency      string        `mapstructure:"default_currency"`
	DefaultMaxRetryCount int           `mapstructure:"default_max_retry_count"`
	ExpiryWindow         time.Duration `mapstructure:"expiry_window"`
	RetryDelay           time.Duration `mapstructure:"retry_delay"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
}

type FSPConfig struct {
	HealthProbeInterval     time.Duration `mapstructure:"health_probe_interval"`
	DefaultTimeout          time.Duration `mapstructure:"default_timeout"`
	DefaultConcurrencyLimit int           `mapstructure:"default_concurrency_limit"`
	EnableMock              bool          `mapstructure:"enable_mock"`
}

// BatchConfig.FailureThreshold is the highest ratio of failed members that
// still lets a batch resolve COMPLETED. Nil means unset; 0 is zero tolerance.
type BatchConfig struct {
	FailureThreshold  *float64      `mapstructure:"failure_threshold"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	SchedulerInterval time.Duration `mapstructure:"scheduler_interval"`
	MonitorInterval   time.Duration `mapstructure:"monitor_interval"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	QueueSize         int           `mapstructure:"queue_size"`
}

type ReconciliationConfig struct {
	DefaultWindow time.Duration `mapstructure:"default_window"`
	Parallelism   int           `mapstructure:"parallelism"`
}

type CacheConfig struct {
	RedisURL string `mapstructure:"redis_url"`
}

type MessagingConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// ----------------- DEFAULTS -----------------

const defaultFailureThreshold = 0.5

// ApplyDefaults fills the policy values the service cannot run without.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.OpenAPISpec == "" {
		c.Server.OpenAPISpec = "./api/openapi.yml"
	}
	if c.Payment.DefaultCurrency == "" {
		c.Payment.DefaultCurrency = "PHP"
	}
	if c.Payment.DefaultMaxRetryCount == 0 {
		c.Payment.DefaultMaxRetryCount = 3
	}
	if c.Payment.ExpiryWindow == 0 {
		c.Payment.ExpiryWindow = 30 * 24 * time.Hour
	}
	if c.Payment.RetryDelay == 0 {
		c.Payment.RetryDelay = 30 * time.Minute
	}
	if c.Payment.SweepInterval == 0 {
		c.Payment.SweepInterval = time.Minute
	}
	if c.FSP.HealthProbeInterval == 0 {
		c.FSP.HealthProbeInterval = 30 * time.Second
	}
	if c.FSP.DefaultTimeout == 0 {
		c.FSP.DefaultTimeout = 30 * time.Second
	}
	if c.FSP.DefaultConcurrencyLimit == 0 {
		c.FSP.DefaultConcurrencyLimit = 5
	}
	if c.Batch.FailureThreshold == nil {
		threshold := defaultFailureThreshold
		c.Batch.FailureThreshold = &threshold
	}
	if c.Batch.StaleAfter == 0 {
		c.Batch.StaleAfter = 2 * time.Hour
	}
	if c.Batch.SchedulerInterval == 0 {
		c.Batch.SchedulerInterval = time.Minute
	}
	if c.Batch.MonitorInterval == 0 {
		c.Batch.MonitorInterval = 15 * time.Second
	}
	if c.Batch.RetryBackoff == 0 {
		c.Batch.RetryBackoff = 5 * time.Second
	}
	if c.Batch.QueueSize == 0 {
		c.Batch.QueueSize = 256
	}
	if c.Reconciliation.DefaultWindow == 0 {
		c.Reconciliation.DefaultWindow = 24 * time.Hour
	}
	if c.Reconciliation.Parallelism == 0 {
		c.Reconciliation.Parallelism = 4
	}
	if c.Messaging.Kafka.Topic == "" {
		c.Messaging.Kafka.Topic = "disbursement.events"
	}
}

// ----------------- ENV LOADING -----------------

// LoadConfigFromEnv builds the configuration from plain environment variables,
// used by container deployments where no config.yml is mounted.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:              getEnvAsInt("PORT", 8080),
			BaseURL:           getEnv("BASE_URL", ""),
			AllowedOrigins:    getEnv("ALLOWED_ORIGINS", "*"),
			ReadHeaderTimeout: getEnvAsDuration("READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("READ_TIMEOUT", 15*time.Second),
			IdleTimeout:       getEnvAsDuration("IDLE_TIMEOUT", 60*time.Second),
			WriteTimeout:      getEnvAsDuration("WRITE_TIMEOUT", 30*time.Second),
			OpenAPISpec:       getEnv("OPENAPI_SPEC", "./api/openapi.yml"),
			ValidateRequests:  getEnvAsBool("VALIDATE_REQUESTS", true),
			RateLimitPerSec:   getEnvAsFloat("RATE_LIMIT_PER_SEC", 0),
			RateLimitBurst:    getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Database: DatabaseConfig{
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			Source:          getEnv("DATABASE_URL", ""),
		},
		Security: SecurityConfig{
			JWTPublicKey: getEnv("JWT_PUBLIC_KEY", ""),
			JWTIssuer:    getEnv("JWT_ISSUER", ""),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
		Payment: PaymentConfig{
			DefaultCurrency:      getEnv("PAYMENT_DEFAULT_CURRENCY", "PHP"),
			DefaultMaxRetryCount: getEnvAsInt("PAYMENT_MAX_RETRY_COUNT", 3),
			ExpiryWindow:         getEnvAsDuration("PAYMENT_EXPIRY_WINDOW", 0),
			RetryDelay:           getEnvAsDuration("PAYMENT_RETRY_DELAY", 0),
			SweepInterval:        getEnvAsDuration("PAYMENT_SWEEP_INTERVAL", 0),
		},
		FSP: FSPConfig{
			HealthProbeInterval:     getEnvAsDuration("FSP_HEALTH_PROBE_INTERVAL", 0),
			DefaultTimeout:          getEnvAsDuration("FSP_DEFAULT_TIMEOUT", 0),
			DefaultConcurrencyLimit: getEnvAsInt("FSP_DEFAULT_CONCURRENCY_LIMIT", 0),
			EnableMock:              getEnvAsBool("FSP_ENABLE_MOCK", false),
		},
		Batch: BatchConfig{
			FailureThreshold:  getEnvAsFloatPtr("BATCH_FAILURE_THRESHOLD"),
			StaleAfter:        getEnvAsDuration("BATCH_STALE_AFTER", 0),
			SchedulerInterval: getEnvAsDuration("BATCH_SCHEDULER_INTERVAL", 0),
			MonitorInterval:   getEnvAsDuration("BATCH_MONITOR_INTERVAL", 0),
			RetryBackoff:      getEnvAsDuration("BATCH_RETRY_BACKOFF", 0),
			QueueSize:         getEnvAsInt("BATCH_QUEUE_SIZE", 0),
		},
		Reconciliation: ReconciliationConfig{
			DefaultWindow: getEnvAsDuration("RECONCILIATION_DEFAULT_WINDOW", 0),
			Parallelism:   getEnvAsInt("RECONCILIATION_PARALLELISM", 0),
		},
		Cache: CacheConfig{
			RedisURL: getEnv("REDIS_URL", ""),
		},
		Messaging: MessagingConfig{
			Kafka: KafkaConfig{
				Enabled: getEnvAsBool("KAFKA_ENABLED", false),
				Brokers: splitNonEmpty(getEnv("KAFKA_BROKERS", "")),
				Topic:   getEnv("KAFKA_TOPIC", ""),
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvAsFloatPtr returns nil when key is unset or unparsable.
func getEnvAsFloatPtr(key string) *float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return &f
		}
	}
	return nil
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks every section and reports all failures together.
func (c *Config) Validate() error {
	sections := []struct {
		name  string
		check func() error
	}{
		{"server", c.Server.Validate},
		{"database", c.Database.Validate},
		{"security", c.Security.Validate},
		{"payment", c.Payment.Validate},
		{"batch", c.Batch.Validate},
		{"messaging", c.Messaging.Validate},
	}

	var errs []error
	for _, section := range sections {
		if err := section.check(); err != nil {
			errs = append(errs, fmt.Errorf("%s config: %w", section.name, err))
		}
	}
	return errors.Join(errs...)
}

func (c *MessagingConfig) Validate() error {
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka enabled without brokers")
	}
	return nil
}

func (c *ServerConfig) Validate() error {
	for _, origin := range strings.Split(c.AllowedOrigins, ",") {
		origin = strings.TrimSpace(origin)
		if origin == "" || origin == "*" {
			continue
		}
		if _, err := url.Parse(origin); err != nil {
			return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.Source == "" {
		return errors.New("source is required")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *SecurityConfig) Validate() error {
	if _, err := c.GetPublicKey(); err != nil {
		return fmt.Errorf("invalid JWT public key: %w", err)
	}
	return nil
}

// GetPublicKey decodes JWT_PUBLIC_KEY, a base64 encoded PEM block.
func (c *SecurityConfig) GetPublicKey() (*rsa.PublicKey, error) {
	pemBytes, err := base64.StdEncoding.DecodeString(c.JWTPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	return jwt.ParseRSAPublicKeyFromPEM(pemBytes)
}

func (c *PaymentConfig) Validate() error {
	if len(c.DefaultCurrency) != 3 {
		return errors.New("default_currency must be an ISO 4217 code")
	}
	if c.DefaultMaxRetryCount < 0 {
		return errors.New("default_max_retry_count cannot be negative")
	}
	return nil
}

// Threshold returns the configured failure threshold, or the default when
// none was set.
func (c BatchConfig) Threshold() float64 {
	if c.FailureThreshold == nil {
		return defaultFailureThreshold
	}
	return *c.FailureThreshold
}

func (c *BatchConfig) Validate() error {
	if t := c.Threshold(); math.IsNaN(t) || t < 0 || t > 1 {
		return errors.New("failure_threshold must be between 0 and 1")
	}
	if c.StaleAfter <= 0 {
		return errors.New("stale_after must be positive")
	}
	return nil
}
