package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as milliseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		ms, convErr := time.ParseDuration(fmt.Sprintf("%sms", raw))
		if convErr == nil {
			d.Duration = ms
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Upstream UpstreamConfig `yaml:"upstream"`
	X402     X402Config     `yaml:"x402"`
	Billing  BillingConfig  `yaml:"billing"`
	Bundle   BundleConfig   `yaml:"bundle"`
	Resolver ResolverConfig `yaml:"resolver"`
	Storage  StorageConfig  `yaml:"storage"`
	Redis    RedisConfig    `yaml:"redis"`
	Worker   WorkerConfig   `yaml:"worker"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	Port               int      `yaml:"port"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	ShutdownGrace      Duration `yaml:"shutdown_grace"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // loaded but not checked: /metrics is served without a key
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// UpstreamConfig holds proxy-hop defaults shared by every listing.
type UpstreamConfig struct {
	TimeoutMs      int   `yaml:"timeout_ms"`
	MaxBodySizeMiB int64 `yaml:"max_body_size_mib"`
}

// X402Config holds pay-per-call challenge/settlement configuration.
type X402Config struct {
	Enabled         bool   `yaml:"enabled"`
	FacilitatorURL  string `yaml:"facilitator_url"`
	Network         string `yaml:"network"`
	PlatformAddress string `yaml:"platform_address"`
	AssetAddress    string `yaml:"asset_address"` // USDC contract address on Network
	SandboxEnabled  bool   `yaml:"sandbox_enabled"`
	ChallengeTimeoutSeconds int `yaml:"challenge_timeout_seconds"` // default 30
	VerifyTimeoutMs         int `yaml:"verify_timeout_ms"`         // default 10000
	SettleTimeoutMs         int `yaml:"settle_timeout_ms"`         // default 20000
}

// BillingConfig holds the per-call fee split.
type BillingConfig struct {
	PlatformFeeRate float64 `yaml:"platform_fee_rate"` // default 0.12
}

// BundleConfig holds bundle-session defaults.
type BundleConfig struct {
	PlatformFeeRate float64  `yaml:"platform_fee_rate"` // default 0.15
	SessionTTL      Duration `yaml:"session_ttl"`       // default 30m
}

// ResolverConfig holds the route-resolution cache policy.
type ResolverConfig struct {
	CacheTTL Duration `yaml:"cache_ttl"` // default 60s
}

// StorageConfig selects and configures the persistence collaborator.
type StorageConfig struct {
	Backend      string             `yaml:"backend"` // "memory", "postgres", or "mongo"
	PostgresURL  string             `yaml:"postgres_url"`
	MongoURL     string             `yaml:"mongo_url"`
	MongoDB      string             `yaml:"mongo_database"`
	PostgresPool PostgresPoolConfig `yaml:"postgres_pool"`
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig configures the reliability-aggregator store and demand-signal bus.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// WorkerConfig bounds the fire-and-forget background task pool.
type WorkerConfig struct {
	PoolSize   int `yaml:"pool_size"`   // default 16
	QueueDepth int `yaml:"queue_depth"` // default 1024
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled     bool                 `yaml:"enabled"`
	Facilitator BreakerServiceConfig `yaml:"facilitator"`
	Persistence BreakerServiceConfig `yaml:"persistence"`
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}
