package config

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownGrace.Duration <= 0 {
		c.Server.ShutdownGrace = Duration{Duration: 10 * time.Second}
	}
	if c.Upstream.TimeoutMs <= 0 {
		c.Upstream.TimeoutMs = 30000
	}
	if c.Upstream.MaxBodySizeMiB <= 0 {
		c.Upstream.MaxBodySizeMiB = 10
	}
	if c.Billing.PlatformFeeRate <= 0 {
		c.Billing.PlatformFeeRate = 0.12
	}
	if c.Bundle.PlatformFeeRate <= 0 {
		c.Bundle.PlatformFeeRate = 0.15
	}
	if c.Bundle.SessionTTL.Duration <= 0 {
		c.Bundle.SessionTTL = Duration{Duration: 30 * time.Minute}
	}
	if c.Resolver.CacheTTL.Duration <= 0 {
		c.Resolver.CacheTTL = Duration{Duration: 60 * time.Second}
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Worker.PoolSize <= 0 {
		c.Worker.PoolSize = 16
	}
	if c.Worker.QueueDepth <= 0 {
		c.Worker.QueueDepth = 1024
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	switch c.Storage.Backend {
	case "memory", "postgres", "mongo":
	default:
		errs = append(errs, `storage.backend must be one of "memory", "postgres", "mongo"`)
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresURL == "" {
		errs = append(errs, "storage.postgres_url is required when storage.backend is postgres")
	}
	if c.Storage.Backend == "mongo" && c.Storage.MongoURL == "" {
		errs = append(errs, "storage.mongo_url is required when storage.backend is mongo")
	}

	if c.Billing.PlatformFeeRate < 0 || c.Billing.PlatformFeeRate > 1 {
		errs = append(errs, "billing.platform_fee_rate must be in [0,1]")
	}
	if c.Bundle.PlatformFeeRate < 0 || c.Bundle.PlatformFeeRate > 1 {
		errs = append(errs, "bundle.platform_fee_rate must be in [0,1]")
	}

	if c.X402.Enabled {
		if c.X402.FacilitatorURL == "" {
			errs = append(errs, "x402.facilitator_url is required when x402.enabled is true")
		}
		if c.X402.PlatformAddress == "" {
			errs = append(errs, "x402.platform_address is required when x402.enabled is true")
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
