// Package retry provides exponential backoff for startup operations and a circuit
// breaker for periodic writes that must never stall the reactor.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/geekxflood/common/config"
)

// RetryConfig holds configuration for the retry mechanism
type RetryConfig struct {
	MaxAttempts          int                  `json:"max_attempts"`
	InitialDelay         time.Duration        `json:"initial_delay"`
	MaxDelay             time.Duration        `json:"max_delay"`
	BackoffMultiplier    float64              `json:"backoff_multiplier"`
	Jitter               bool                 `json:"jitter"`
	JitterRange          float64              `json:"jitter_range"`
	CircuitBreakerConfig CircuitBreakerConfig `json:"circuit_breaker"`
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		JitterRange:       0.1,
		CircuitBreakerConfig: CircuitBreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			Timeout:          5 * time.Minute,
			HalfOpenMaxCalls: 1,
		},
	}
}

// LoadRetryConfig reads the retry section.
func LoadRetryConfig(cfg config.Provider) (*RetryConfig, error) {
	retryConfig := DefaultRetryConfig()
	if cfg == nil {
		return retryConfig, nil
	}

	if maxAttempts, err := cfg.GetInt("retry.max_attempts", retryConfig.MaxAttempts); err == nil {
		retryConfig.MaxAttempts = maxAttempts
	}

	if initialDelay, err := cfg.GetDuration("retry.initial_delay", retryConfig.InitialDelay); err == nil {
		retryConfig.InitialDelay = initialDelay
	}

	if maxDelay, err := cfg.GetDuration("retry.max_delay", retryConfig.MaxDelay); err == nil {
		retryConfig.MaxDelay = maxDelay
	}

	if backoffMultiplier, err := cfg.GetFloat("retry.backoff_multiplier", retryConfig.BackoffMultiplier); err == nil {
		retryConfig.BackoffMultiplier = backoffMultiplier
	}

	if jitter, err := cfg.GetBool("retry.jitter", retryConfig.Jitter); err == nil {
		retryConfig.Jitter = jitter
	}

	cb := &retryConfig.CircuitBreakerConfig
	if threshold, err := cfg.GetInt("retry.failure_threshold", cb.FailureThreshold); err == nil {
		cb.FailureThreshold = threshold
	}

	if timeout, err := cfg.GetDuration("retry.open_timeout", cb.Timeout); err == nil {
		cb.Timeout = timeout
	}

	if retryConfig.MaxAttempts < 1 {
		return nil, fmt.Errorf("retry.max_attempts must be at least 1, got %d", retryConfig.MaxAttempts)
	}
	if retryConfig.BackoffMultiplier < 1 {
		return nil, fmt.Errorf("retry.backoff_multiplier must be at least 1, got %v", retryConfig.BackoffMultiplier)
	}
	if cb.FailureThreshold < 1 {
		return nil, fmt.Errorf("retry.failure_threshold must be at least 1, got %d", cb.FailureThreshold)
	}
	return retryConfig, nil
}

// RetryableFunc represents a function that can be retried
type RetryableFunc func(ctx context.Context, attempt int) error

// RetryResult represents the result of a retry operation
type RetryResult struct {
	Success   bool          `json:"success"`
	Attempts  int           `json:"attempts"`
	TotalTime time.Duration `json:"total_time"`
	LastError error         `json:"last_error,omitempty"`
}

// Err returns nil on success and the last error otherwise.
func (r *RetryResult) Err() error {
	if r.Success {
		return nil
	}
	if r.LastError == nil {
		return fmt.Errorf("gave up after %d attempts", r.Attempts)
	}
	return fmt.Errorf("gave up after %d attempts: %w", r.Attempts, r.LastError)
}

// RetryStats tracks retry statistics
type RetryStats struct {
	TotalRetries      int64         `json:"total_retries"`
	SuccessfulRetries int64         `json:"successful_retries"`
	FailedRetries     int64         `json:"failed_retries"`
	TotalRetryTime    time.Duration `json:"total_retry_time"`
}

// Retryer runs a function with exponential backoff. It blocks between attempts and
// must not be used from the reactor goroutine.
type Retryer struct {
	config *RetryConfig
	stats  RetryStats
	mu     sync.RWMutex
}

// NewRetryer creates a new retryer with the given configuration
func NewRetryer(cfg *RetryConfig) *Retryer {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &Retryer{config: cfg}
}

// Retry executes a function with retry logic
func (r *Retryer) Retry(ctx context.Context, fn RetryableFunc) *RetryResult {
	startTime := time.Now()
	var lastError error

	attempts := 0
loop:
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastError = err
			break
		}

		attempts = attempt
		err := fn(ctx, attempt)
		if err == nil {
			result := &RetryResult{Success: true, Attempts: attempt, TotalTime: time.Since(startTime)}
			r.record(result)
			return result
		}
		lastError = err

		if attempt == r.config.MaxAttempts {
			break
		}

		timer := time.NewTimer(r.calculateDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			lastError = ctx.Err()
			break loop
		case <-timer.C:
		}
	}

	result := &RetryResult{Attempts: attempts, TotalTime: time.Since(startTime), LastError: lastError}
	r.record(result)
	return result
}

// calculateDelay calculates the delay before attempt+1
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffMultiplier, float64(attempt-1))

	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		jitterRange := delay * r.config.JitterRange
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(r.config.InitialDelay)
		}
	}

	return time.Duration(delay)
}

func (r *Retryer) record(result *RetryResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.TotalRetries++
	r.stats.TotalRetryTime += result.TotalTime
	if result.Success {
		r.stats.SuccessfulRetries++
	} else {
		r.stats.FailedRetries++
	}
}

// GetStats returns retry statistics
func (r *Retryer) GetStats() RetryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// GetConfig returns the retry configuration
func (r *Retryer) GetConfig() *RetryConfig {
	return r.config
}
