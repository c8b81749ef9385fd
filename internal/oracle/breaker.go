package oracle

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned without calling the oracle while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// #region breaker-state
// BreakerState is the operating mode of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// #endregion breaker-state

// #region breaker
// Breaker stops calls to an oracle that keeps failing. After MaxFailures
// consecutive failures it opens; after ResetTimeout one probe call is let
// through, and its outcome closes or re-opens the breaker.
type Breaker struct {
	maxFailures  int
	resetTimeout time.Duration
	logger       *zap.Logger
	now          func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    int
	openedAt    time.Time
	probeActive bool
}

// NewBreaker returns a closed breaker. Non-positive arguments take defaults
// of 5 failures and 30 s.
func NewBreaker(maxFailures int, resetTimeout time.Duration, logger *zap.Logger) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		logger:       logger,
		now:          time.Now,
	}
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	probe := false
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.logger.Info("circuit breaker half-open")
		fallthrough
	case BreakerHalfOpen:
		if b.probeActive {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.probeActive = true
		probe = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probeActive = false
	}
	if err == nil {
		if b.state != BreakerClosed {
			b.logger.Info("circuit breaker closed")
		}
		b.state = BreakerClosed
		b.failures = 0
		return nil
	}
	b.failures++
	if probe || b.failures >= b.maxFailures {
		if b.state != BreakerOpen {
			b.logger.Warn("circuit breaker opened", zap.Int("consecutive_failures", b.failures))
		}
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
	return err
}

// State reports the current mode.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// #endregion breaker
