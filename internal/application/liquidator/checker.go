package liquidator

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/liquidator/internal/domain"
	"github.com/alejandrodnm/liquidator/internal/ports"
)

// Checker queries the market's read-only liquidatability predicate.
// Results are advisory: the executor re-validates right before submitting.
type Checker struct {
	market ports.Market
	limit  int // max concurrent checks; <= 0 means unlimited
}

// NewChecker creates a checker. Concurrency is bounded only by the market
// client's rate limiter unless limit > 0.
func NewChecker(market ports.Market, limit int) *Checker {
	return &Checker{market: market, limit: limit}
}

// Check reports whether account is liquidatable right now.
func (c *Checker) Check(ctx context.Context, account domain.Account) (bool, error) {
	ok, err := c.market.IsLiquidatable(ctx, account)
	if err != nil {
		return false, domain.NewError(domain.KindTransientNetwork, "liquidator.Check "+account.Hex(), err)
	}
	return ok, nil
}

// CheckResult is one account's eligibility in a round.
type CheckResult struct {
	Account      domain.Account
	Liquidatable bool
	Err          error
}

// CheckAll checks every account concurrently. Per-account failures are
// returned in the result and never abort the round.
func (c *Checker) CheckAll(ctx context.Context, accounts []domain.Account) []CheckResult {
	results := make([]CheckResult, len(accounts))

	g, gctx := errgroup.WithContext(ctx)
	if c.limit > 0 {
		g.SetLimit(c.limit)
	}

	var mu sync.Mutex
	failed := 0
	for i, a := range accounts {
		g.Go(func() error {
			ok, err := c.Check(gctx, a)
			results[i] = CheckResult{Account: a, Liquidatable: ok, Err: err}
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				slog.Debug("checker: eligibility check failed", "account", a.Hex(), "err", err)
			}
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors

	if failed > 0 {
		slog.Warn("checker: some eligibility checks failed",
			"failed", failed, "total", len(accounts))
	}
	return results
}
