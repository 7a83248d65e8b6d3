// Package retry retries classified transient backend failures with exponential backoff.
package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"storyloom/pkg/agent/llmerrors"
)

// Config defines configuration for retry behavior.
type Config struct {
	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts"`     // Attempts including the first; 1 disables retries
	InitialDelay  time.Duration `json:"initial_delay" yaml:"initial_delay"`   // Delay before the first retry
	MaxDelay      time.Duration `json:"max_delay" yaml:"max_delay"`           // Cap on any single delay
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor"` // Multiplier per attempt
	Jitter        bool          `json:"jitter" yaml:"jitter"`                 // Spread delays by +/-10%
}

// DefaultConfig performs a single attempt. Turns surface backend failures to
// the caller instead of retrying behind their back.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	MaxAttempts:   1,
	InitialDelay:  500 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier determines if an error should be retried.
type Classifier func(error) bool

// ShouldRetry retries everything llmerrors considers retryable.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	return llmerrors.Classify(err).IsRetryable()
}

// Policy encapsulates retry configuration and logic.
//
//nolint:govet // Simple struct, logical grouping preferred
type Policy struct {
	Config     Config
	Classifier Classifier
}

// NewPolicy creates a retry policy; a nil classifier uses ShouldRetry.
func NewPolicy(config Config, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = ShouldRetry
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 1
	}
	return &Policy{
		Config:     config,
		Classifier: classifier,
	}
}

// CalculateDelay computes the delay before the given attempt number.
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(attempt-2)))
	if p.Config.MaxDelay > 0 && delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}

	if p.Config.Jitter && delay > 0 {
		//nolint:gosec // jitter does not need a cryptographic source
		spread := (rand.Float64()*2 - 1) * 0.1
		delay += time.Duration(float64(delay) * spread)
	}
	return delay
}

// ShouldRetry determines if an error should be retried based on the configured classifier.
func (p *Policy) ShouldRetry(err error) bool {
	return p.Classifier(err)
}
