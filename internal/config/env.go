package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration. All env
// vars use the NEXUSX_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	setIfEnv(&c.Server.Address, "NEXUSX_SERVER_ADDRESS")
	setIntIfEnv(&c.Server.Port, "NEXUSX_PORT")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "NEXUSX_ADMIN_METRICS_API_KEY")
	setDurationMsIfEnv(&c.Server.ShutdownGrace, "NEXUSX_SHUTDOWN_GRACE_MS")

	setIfEnv(&c.Logging.Level, "NEXUSX_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "NEXUSX_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "NEXUSX_LOG_ENVIRONMENT")

	setIntIfEnv(&c.Upstream.TimeoutMs, "NEXUSX_UPSTREAM_TIMEOUT_MS")

	setBoolIfEnv(&c.X402.Enabled, "NEXUSX_X402_ENABLED")
	setIfEnv(&c.X402.FacilitatorURL, "NEXUSX_X402_FACILITATOR_URL")
	setIfEnv(&c.X402.Network, "NEXUSX_X402_NETWORK")
	setIfEnv(&c.X402.PlatformAddress, "NEXUSX_X402_PLATFORM_ADDRESS")
	setBoolIfEnv(&c.X402.SandboxEnabled, "NEXUSX_SANDBOX_ENABLED")

	setFloatIfEnv(&c.Billing.PlatformFeeRate, "NEXUSX_PLATFORM_FEE_RATE")

	setFloatIfEnv(&c.Bundle.PlatformFeeRate, "NEXUSX_BUNDLE_PLATFORM_FEE_RATE")
	setDurationMsIfEnv(&c.Bundle.SessionTTL, "NEXUSX_BUNDLE_SESSION_TTL_MS")

	setDurationMsIfEnv(&c.Resolver.CacheTTL, "NEXUSX_ROUTE_CACHE_TTL_MS")

	setIfEnv(&c.Storage.Backend, "NEXUSX_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "NEXUSX_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoURL, "NEXUSX_MONGO_URL")
	setIfEnv(&c.Storage.MongoDB, "NEXUSX_MONGO_DATABASE")

	setIfEnv(&c.Redis.Addr, "NEXUSX_REDIS_ADDR")
	setIfEnv(&c.Redis.Password, "NEXUSX_REDIS_PASSWORD")
	setIntIfEnv(&c.Redis.DB, "NEXUSX_REDIS_DB")

	setIntIfEnv(&c.Worker.PoolSize, "NEXUSX_WORKER_POOL_SIZE")
	setIntIfEnv(&c.Worker.QueueDepth, "NEXUSX_WORKER_QUEUE_DEPTH")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscan(v, &n); err == nil {
			*target = n
		}
	}
}

// setFloatIfEnv sets a float64 pointer from an environment variable.
func setFloatIfEnv(target *float64, key string) {
	if v := os.Getenv(key); v != "" {
		var f float64
		if _, err := fmt.Sscan(v, &f); err == nil {
			*target = f
		}
	}
}

// setDurationMsIfEnv sets a Duration pointer from an environment variable
// expressed in either milliseconds ("30000") or Go duration syntax ("30s").
func setDurationMsIfEnv(target *Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if dur, err := time.ParseDuration(v); err == nil {
		*target = Duration{Duration: dur}
		return
	}
	if dur, err := time.ParseDuration(v + "ms"); err == nil {
		*target = Duration{Duration: dur}
	}
}
