// Package supervisor wraps stage execution with retries, per-attempt
// timeouts, circuit breakers, and budget enforcement, and surfaces health
// and metrics for the whole pipeline.
package supervisor

import (
	"fmt"
	"math"
	"time"
)

// RecoveryStrategy tunes supervision for one stage.
type RecoveryStrategy struct {
	MaxRetries              int           `yaml:"max_retries" json:"max_retries"`
	RetryDelay              time.Duration `yaml:"retry_delay" json:"retry_delay"`
	BackoffMultiplier       float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	Timeout                 time.Duration `yaml:"timeout" json:"timeout"`
	CircuitBreakerThreshold uint32        `yaml:"circuit_breaker_threshold" json:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `yaml:"circuit_breaker_timeout" json:"circuit_breaker_timeout"`
}

// DefaultStrategy returns the baseline supervision parameters applied to
// any stage without an explicit override.
func DefaultStrategy() RecoveryStrategy {
	return RecoveryStrategy{
		MaxRetries:              3,
		RetryDelay:              5 * time.Second,
		BackoffMultiplier:       2,
		Timeout:                 300 * time.Second,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   300 * time.Second,
	}
}

// Delay returns the backoff before retry attempt n (1-based):
// RetryDelay * BackoffMultiplier^(n-1).
func (s RecoveryStrategy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := s.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(s.RetryDelay) * math.Pow(mult, float64(attempt-1))
	if d > float64(10*time.Minute) {
		return 10 * time.Minute
	}
	return time.Duration(d)
}

// Validate rejects strategies with nonsensical values. Zero values are
// fine; they mean "use the default".
func (s RecoveryStrategy) Validate() error {
	if s.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", s.MaxRetries)
	}
	if s.RetryDelay < 0 {
		return fmt.Errorf("retry_delay must be >= 0, got %s", s.RetryDelay)
	}
	if s.BackoffMultiplier < 0 {
		return fmt.Errorf("backoff_multiplier must be >= 0, got %g", s.BackoffMultiplier)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0, got %s", s.Timeout)
	}
	if s.CircuitBreakerTimeout < 0 {
		return fmt.Errorf("circuit_breaker_timeout must be >= 0, got %s", s.CircuitBreakerTimeout)
	}
	return nil
}

// normalize fills zero-valued fields from the defaults so partial YAML
// overrides behave as deltas.
func (s RecoveryStrategy) normalize() RecoveryStrategy {
	def := DefaultStrategy()
	if s.MaxRetries == 0 {
		s.MaxRetries = def.MaxRetries
	}
	if s.RetryDelay == 0 {
		s.RetryDelay = def.RetryDelay
	}
	if s.BackoffMultiplier == 0 {
		s.BackoffMultiplier = def.BackoffMultiplier
	}
	if s.Timeout == 0 {
		s.Timeout = def.Timeout
	}
	if s.CircuitBreakerThreshold == 0 {
		s.CircuitBreakerThreshold = def.CircuitBreakerThreshold
	}
	if s.CircuitBreakerTimeout == 0 {
		s.CircuitBreakerTimeout = def.CircuitBreakerTimeout
	}
	return s
}
