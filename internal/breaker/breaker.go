// Package breaker tracks document-store failures so the worker stops
// hammering a store that is already down.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftboard/notifier/internal/metrics"
)

// Config holds the breaker thresholds.
type Config struct {
	// Threshold is the failure count at which the breaker opens.
	Threshold int

	// Cooldown is how long after the last failure the breaker stays open.
	Cooldown time.Duration
}

// DefaultConfig matches the worker's store-protection defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  60 * time.Second,
	}
}

// Breaker is a process-local failure tracker. Each worker owns its own
// instance; failure history is deliberately not shared across processes.
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	logger *zap.Logger

	failures    int
	lastFailure time.Time
}

func New(cfg Config, logger *zap.Logger) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	return &Breaker{cfg: cfg, logger: logger}
}

// RecordFailure increments the failure count and stamps the failure time.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	if b.failures == b.cfg.Threshold {
		metrics.SetBreakerOpen(true)
		b.logger.Warn("circuit breaker opened",
			zap.Int("failures", b.failures),
			zap.Duration("cooldown", b.cfg.Cooldown),
		)
	}
}

// IsOpen reports whether the breaker is open: failures have reached the
// threshold and the cooldown since the last failure has not elapsed.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.cfg.Threshold {
		return false
	}
	if time.Since(b.lastFailure) >= b.cfg.Cooldown {
		return false
	}
	return true
}

// Reset clears the failure history, closing the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures >= b.cfg.Threshold {
		b.logger.Info("circuit breaker reset")
	}
	b.failures = 0
	b.lastFailure = time.Time{}
	metrics.SetBreakerOpen(false)
}

// Failures returns the current failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Cooldown returns the configured cooldown, the sleep the worker takes when
// it finds the breaker open.
func (b *Breaker) Cooldown() time.Duration {
	return b.cfg.Cooldown
}
