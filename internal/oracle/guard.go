package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/action"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// #region guard-config
// GuardConfig bounds every oracle call.
type GuardConfig struct {
	// Timeout applies to each attempt.
	Timeout      time.Duration
	RetryBackoff time.Duration
	// MaxAttempts counts the first call; 2 means at most one retry.
	MaxAttempts int
	// RPS and Burst form the call budget. RPS <= 0 disables it.
	RPS   float64
	Burst int

	BreakerFailures int
	BreakerReset    time.Duration
}

// DefaultGuardConfig returns the production limits.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Timeout:         2 * time.Second,
		RetryBackoff:    250 * time.Millisecond,
		MaxAttempts:     2,
		RPS:             2,
		Burst:           4,
		BreakerFailures: 5,
		BreakerReset:    30 * time.Second,
	}
}

// #endregion guard-config

// #region guarded
// Guarded wraps a backend with a timeout, one retry, a call budget and a
// circuit breaker. Every failure comes back wrapping ErrOracleUnavailable.
type Guarded struct {
	backend ReasoningBackend
	cfg     GuardConfig
	limiter *rate.Limiter
	breaker *Breaker
	logger  *zap.Logger
}

// NewGuarded wraps backend.
func NewGuarded(backend ReasoningBackend, cfg GuardConfig, logger *zap.Logger) *Guarded {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("oracle")
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGuardConfig().Timeout
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Guarded{
		backend: backend,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		breaker: NewBreaker(cfg.BreakerFailures, cfg.BreakerReset, logger),
		logger:  logger,
	}
}

// Breaker exposes the circuit state for health reporting.
func (g *Guarded) Breaker() *Breaker { return g.breaker }

// Propose implements ReasoningBackend.
func (g *Guarded) Propose(ctx context.Context, req Request) (action.RawProposal, error) {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			t := time.NewTimer(g.cfg.RetryBackoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return action.RawProposal{}, fmt.Errorf("%w: %w", ErrOracleUnavailable, ctx.Err())
			case <-t.C:
			}
		}
		if !g.limiter.Allow() {
			lastErr = ErrRateLimited
			break
		}

		var p action.RawProposal
		err := g.breaker.Execute(func() error {
			cctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
			defer cancel()
			var err error
			p, err = g.backend.Propose(cctx, req)
			return err
		})
		if err == nil {
			return p, nil
		}
		lastErr = err
		g.logger.Warn("oracle call failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if errors.Is(err, ErrCircuitOpen) || ctx.Err() != nil {
			break
		}
	}
	return action.RawProposal{}, fmt.Errorf("%w: %w", ErrOracleUnavailable, lastErr)
}

// #endregion guarded
