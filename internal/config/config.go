package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:       ":8080",
			Port:          8080,
			ReadTimeout:   Duration{Duration: 15 * time.Second},
			WriteTimeout:  Duration{Duration: 15 * time.Second},
			IdleTimeout:   Duration{Duration: 60 * time.Second},
			ShutdownGrace: Duration{Duration: 10 * time.Second},
		},
		Upstream: UpstreamConfig{
			TimeoutMs:      30000,
			MaxBodySizeMiB: 10,
		},
		X402: X402Config{
			Enabled:                 false,
			Network:                 "base-sepolia",
			AssetAddress:            "0x036CbD53842c5426634e7929541eC2318f3dCF7e", // USDC on base-sepolia
			ChallengeTimeoutSeconds: 30,
			VerifyTimeoutMs:         10000,
			SettleTimeoutMs:         20000,
		},
		Billing: BillingConfig{
			PlatformFeeRate: 0.12,
		},
		Bundle: BundleConfig{
			PlatformFeeRate: 0.15,
			SessionTTL:      Duration{Duration: 30 * time.Minute},
		},
		Resolver: ResolverConfig{
			CacheTTL: Duration{Duration: 60 * time.Second},
		},
		Storage: StorageConfig{
			Backend: "memory",
			PostgresPool: PostgresPoolConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: Duration{Duration: 5 * time.Minute},
			},
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Worker: WorkerConfig{
			PoolSize:   16,
			QueueDepth: 1024,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			Facilitator: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Persistence: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 15 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
