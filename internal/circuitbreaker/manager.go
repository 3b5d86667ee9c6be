// Package circuitbreaker provides per-external-dependency bulkhead
// isolation: a tripped facilitator should never also take down
// persistence calls, and vice versa. Adapted from the teacher's
// internal/circuitbreaker/manager.go (itself isolating Solana RPC /
// Stripe / webhook delivery) to the gateway's two external
// dependencies named in §5's suspension points: the payment
// facilitator and the persistence collaborator.
package circuitbreaker

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/nexusx/gateway/internal/config"
)

// ServiceType identifies an external dependency for breaker isolation.
type ServiceType string

const (
	ServiceFacilitator ServiceType = "facilitator"
	ServicePersistence ServiceType = "persistence"
)

// Manager owns one gobreaker.CircuitBreaker per ServiceType.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	enabled  bool
	log      zerolog.Logger
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// NewManagerFromConfig builds a Manager from the loaded application config.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig, log zerolog.Logger) *Manager {
	m := &Manager{breakers: make(map[ServiceType]*gobreaker.CircuitBreaker), enabled: cfg.Enabled, log: log}
	if !cfg.Enabled {
		return m
	}
	m.breakers[ServiceFacilitator] = gobreaker.NewCircuitBreaker(m.settings(string(ServiceFacilitator), toBreakerConfig(cfg.Facilitator)))
	m.breakers[ServicePersistence] = gobreaker.NewCircuitBreaker(m.settings(string(ServicePersistence), toBreakerConfig(cfg.Persistence)))
	return m
}

func toBreakerConfig(cfg config.BreakerServiceConfig) BreakerConfig {
	return BreakerConfig{
		MaxRequests:         cfg.MaxRequests,
		Interval:            cfg.Interval.Duration,
		Timeout:             cfg.Timeout.Duration,
		ConsecutiveFailures: cfg.ConsecutiveFailures,
		FailureRatio:        cfg.FailureRatio,
		MinRequests:         cfg.MinRequests,
	}
}

// Execute wraps fn with circuit breaker protection. If breakers are
// disabled or the service isn't registered, fn runs directly.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if !m.enabled {
		return fn()
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}
	return breaker.Execute(fn)
}

// State returns the breaker's current state, or "disabled"/"not_configured".
func (m *Manager) State(service ServiceType) string {
	if !m.enabled {
		return "disabled"
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}
	return breaker.State().String()
}

func (m *Manager) settings(name string, cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 && counts.Requests >= cfg.MinRequests {
				failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
				if failureRate >= cfg.FailureRatio {
					return true
				}
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			m.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	}
}
