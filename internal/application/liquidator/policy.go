package liquidator

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/alejandrodnm/liquidator/internal/domain"
)

const (
	defaultBackoffBase   = 2 * time.Second
	defaultBackoffMax    = 2 * time.Minute
	defaultMaxAttempts   = 5
	defaultFeeMultiplier = 1.25
)

// Policy holds retry and fee escalation parameters.
type Policy struct {
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	MaxAttempts   int
	InitialFee    uint64 // wei per gas
	FeeMultiplier float64
	MaxFee        uint64 // wei per gas
}

// DefaultPolicy returns conservative defaults. Fees must still be set.
func DefaultPolicy() Policy {
	return Policy{
		BackoffBase:   defaultBackoffBase,
		BackoffMax:    defaultBackoffMax,
		MaxAttempts:   defaultMaxAttempts,
		FeeMultiplier: defaultFeeMultiplier,
	}
}

// Validate rejects parameters that would make the engine spend unboundedly or
// never retry. Errors are FatalConfig.
func (p Policy) Validate() error {
	var errs []error
	if p.BackoffBase <= 0 {
		errs = append(errs, fmt.Errorf("backoff base must be > 0, got %s", p.BackoffBase))
	}
	if p.BackoffMax < p.BackoffBase {
		errs = append(errs, fmt.Errorf("backoff max %s below base %s", p.BackoffMax, p.BackoffBase))
	}
	if p.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("max attempts must be > 0, got %d", p.MaxAttempts))
	}
	if p.InitialFee == 0 {
		errs = append(errs, errors.New("initial fee must be > 0"))
	}
	if p.MaxFee < p.InitialFee {
		errs = append(errs, fmt.Errorf("max fee %d below initial fee %d", p.MaxFee, p.InitialFee))
	}
	if p.FeeMultiplier < 1 || math.IsNaN(p.FeeMultiplier) || math.IsInf(p.FeeMultiplier, 0) {
		errs = append(errs, fmt.Errorf("fee multiplier must be >= 1, got %v", p.FeeMultiplier))
	}
	if len(errs) > 0 {
		return domain.NewError(domain.KindFatalConfig, "liquidator.Policy.Validate", errors.Join(errs...))
	}
	return nil
}

// Backoff returns base * 2^attempt capped at BackoffMax, where attempt is the
// number of failures before the one being retried (0 for the first).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 32 {
		return p.BackoffMax
	}
	d := p.BackoffBase << uint(attempt)
	if d <= 0 || d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

// NextFee escalates a fee bid after a node rejection: fee * multiplier,
// never below fee and never above MaxFee.
func (p Policy) NextFee(fee uint64) uint64 {
	if fee >= p.MaxFee {
		return p.MaxFee
	}
	next := float64(fee) * p.FeeMultiplier
	if next >= float64(p.MaxFee) {
		return p.MaxFee
	}
	n := uint64(next)
	if n < fee {
		n = fee
	}
	if n == fee && p.FeeMultiplier > 1 {
		n = fee + 1 // multiplier too small to move integer wei
	}
	if n > p.MaxFee {
		return p.MaxFee
	}
	return n
}

// Exhausted reports whether an account with attempts failures is abandoned.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
