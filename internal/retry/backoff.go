// Package retry retries transient model-vendor failures with exponential
// backoff. It is used by the completion gateway only: the deliberation
// scheduler treats every error that survives these retries as run-fatal.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig configures retry behavior with exponential backoff
type RetryConfig struct {
	MaxRetries int           `json:"max_retries"` // retries after the first attempt
	BaseDelay  time.Duration `json:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
	Multiplier float64       `json:"multiplier"`
	Jitter     bool          `json:"jitter"` // +/-10% random jitter
	LogRetries bool          `json:"log_retries"`

	// Retryable decides whether a failed attempt may be retried.
	// Nil retries every error except cancellation.
	Retryable func(error) bool `json:"-"`
}

// RetryResult contains information about the retry operation
type RetryResult struct {
	Attempts      int           `json:"attempts"`
	TotalDuration time.Duration `json:"total_duration"`
	LastError     error         `json:"-"`
	Success       bool          `json:"success"`
	RetryReasons  []string      `json:"retry_reasons"`
}

// DefaultRetryConfig returns a retry configuration with sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		LogRetries: true,
	}
}

// VendorRetryConfig returns the configuration used for chat-completion calls.
// Only errors classified by IsRetryableError are retried.
func VendorRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2.5,
		Jitter:     true,
		LogRetries: true,
		Retryable:  IsRetryableError,
	}
}

// RetryWithBackoff runs operation until it succeeds, the error is not
// retryable, the retries are exhausted, or ctx is done. attempt is 1-based.
func RetryWithBackoff(ctx context.Context, config RetryConfig, operation func(attempt int) error) RetryResult {
	startTime := time.Now()
	result := RetryResult{RetryReasons: make([]string, 0)}

	done := func() RetryResult {
		result.TotalDuration = time.Since(startTime)
		return result
	}

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		err := operation(attempt + 1)
		if err == nil {
			result.Success = true
			result.LastError = nil
			if config.LogRetries && attempt > 0 {
				log.Debug().Int("retries", attempt).Msg("Operation succeeded after retries")
			}
			return done()
		}

		result.LastError = err
		result.RetryReasons = append(result.RetryReasons, err.Error())

		if isCancellation(err) || ctx.Err() != nil {
			if ctx.Err() != nil {
				result.LastError = ctx.Err()
			}
			return done()
		}
		if config.Retryable != nil && !config.Retryable(err) {
			return done()
		}
		if attempt >= config.MaxRetries {
			if config.LogRetries {
				log.Warn().Err(err).Int("attempts", result.Attempts).Msg("Operation failed after all retries")
			}
			return done()
		}

		delay := calculateDelay(config, attempt)
		if config.LogRetries {
			log.Info().
				Err(err).
				Int("attempt", attempt+1).
				Int("max_attempts", config.MaxRetries+1).
				Dur("delay", delay).
				Msg("Retrying operation")
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			return done()
		case <-timer.C:
		}
	}

	return done()
}

// calculateDelay calculates the delay for the next retry attempt using exponential backoff
func calculateDelay(config RetryConfig, attempt int) time.Duration {
	delay := float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	if config.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(config.BaseDelay)
		}
	}

	return time.Duration(delay)
}

var retryableFragments = []string{
	"connection refused",
	"connection reset",
	"connection timeout",
	"timeout",
	"temporary failure",
	"service unavailable",
	"overloaded",
	"too many requests",
	"rate limit",
	"429",
	"500",
	"502",
	"503",
	"504",
	"dns lookup failed",
	"no such host",
	"network unreachable",
	"broken pipe",
	"unexpected eof",
	"context deadline exceeded",
	"resource_exhausted",
	"rate_limit_error",
	"overloaded_error",
}

// permanentFragments mark vendor errors that repeat on every attempt even
// when the message also carries a retryable status code.
var permanentFragments = []string{
	"insufficient_quota",
	"invalid_api_key",
	"invalid x-api-key",
	"api key not valid",
	"context_length_exceeded",
	"maximum context length",
}

// IsRetryableError reports whether err looks like a transient vendor or
// network failure. Cancellation is never retryable.
func IsRetryableError(err error) bool {
	if err == nil || isCancellation(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range permanentFragments {
		if strings.Contains(msg, fragment) {
			return false
		}
	}
	for _, fragment := range retryableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
