package taskstore

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"

	log "github.com/sirupsen/logrus"
)

// const ...
const (
	defaultReadAttempts   = uint(3)
	defaultReadMultiplier = 2
	defaultRandomFactor   = 0.2
)

// RetryConfig controls retries of idempotent backend reads. Writes are never retried.
type RetryConfig struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	RandomFactor    float64
}

// DefaultRetryConfig ...
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     defaultReadAttempts,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      defaultReadMultiplier,
		RandomFactor:    defaultRandomFactor,
	}
}

// NextBackoff returns the delay before retry number attempt (zero based).
func (rc RetryConfig) NextBackoff(attempt uint) time.Duration {
	// misconfiguration falls back to the initial interval
	if rc.InitialInterval <= 0 || rc.MaxInterval <= 0 || rc.Multiplier <= 1 || rc.RandomFactor < 0 || rc.RandomFactor > 1 {
		return rc.InitialInterval
	}

	interval := float64(rc.InitialInterval) * math.Pow(rc.Multiplier, float64(attempt))
	if interval > float64(rc.MaxInterval) {
		interval = float64(rc.MaxInterval)
	}

	maxJitter := rc.RandomFactor * interval
	var jitter float64
	if maxJitter >= 1 {
		jitterBig, err := rand.Int(rand.Reader, big.NewInt(int64(maxJitter)))
		if err != nil {
			return time.Duration(interval)
		}
		jitter = float64(jitterBig.Int64())
	}
	return time.Duration(interval + jitter)
}

// retryRead runs fn until it succeeds, the attempts are used up or ctx ends.
func retryRead[T any](ctx context.Context, rc RetryConfig, logger log.FieldLogger, op string, fn func() (T, error)) (T, error) {
	attempts := rc.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	var (
		out T
		err error
	)
	for attempt := uint(0); attempt < attempts; attempt++ {
		out, err = fn()
		if err == nil {
			return out, nil
		}
		if attempt+1 == attempts {
			break
		}
		wait := rc.NextBackoff(attempt)
		logger.WithFields(log.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"wait":    wait,
		}).WithError(err).Warn("Backend read failed, retrying")

		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(wait):
		}
	}
	return out, err
}
