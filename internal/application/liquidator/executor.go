package liquidator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alejandrodnm/liquidator/internal/domain"
	"github.com/alejandrodnm/liquidator/internal/ports"
)

const defaultSubmitTimeout = 60 * time.Second

// Executor re-validates and submits absorb batches and classifies the result.
type Executor struct {
	market  ports.Market
	timeout time.Duration
}

// NewExecutor creates an executor. timeout bounds each submission from send
// to receipt.
func NewExecutor(market ports.Market, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = defaultSubmitTimeout
	}
	return &Executor{market: market, timeout: timeout}
}

// SubmitResult splits a batch by what happened to each account.
type SubmitResult struct {
	Outcome    domain.Outcome
	Submitted  []domain.Account // went on-chain; Outcome applies to these
	Dropped    []domain.Account // no longer liquidatable at re-validation
	Unverified []domain.Account // re-validation failed on transport
}

// Sent reports whether a transaction was attempted.
func (r SubmitResult) Sent() bool { return len(r.Submitted) > 0 }

// Submit re-validates every account in batch, then submits absorb for the
// survivors at the batch's fee bid. The batch itself is not modified.
func (e *Executor) Submit(ctx context.Context, batch domain.AbsorbBatch) SubmitResult {
	var res SubmitResult

	for _, a := range batch.Accounts {
		ok, err := e.market.IsLiquidatable(ctx, a)
		switch {
		case err != nil:
			res.Unverified = append(res.Unverified, a)
			slog.Warn("executor: re-validation failed",
				"account", a.Hex(), "batch", batch.ID,
				"err", domain.NewError(domain.KindTransientNetwork, "executor.revalidate", err))
		case !ok:
			res.Dropped = append(res.Dropped, a)
			slog.Debug("executor: account no longer liquidatable, dropped",
				"account", a.Hex(), "batch", batch.ID, "kind", domain.KindStaleState)
		default:
			res.Submitted = append(res.Submitted, a)
		}
	}

	if len(res.Submitted) == 0 {
		return res
	}

	subCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	receipt, err := e.market.Absorb(subCtx, res.Submitted, batch.FeeBid)
	res.Outcome = classify(ctx, receipt, err)

	slog.Info("executor: absorb submitted",
		"batch", batch.ID,
		"accounts", len(res.Submitted),
		"dropped", len(res.Dropped),
		"fee_bid", batch.FeeBid,
		"outcome", res.Outcome.Kind,
		"reason", res.Outcome.Reason,
		"tx", receipt.TxHash,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return res
}

// classify maps the market's answer to an outcome. parent is the caller's
// context: a deadline hit only on the submission context means TimedOut.
// Only an explicit node rejection counts as RejectedByNode, since that is
// the one outcome that raises the fee. Any other failure left the
// transaction's fate unknown and retries at the same fee as a timeout.
func classify(parent context.Context, receipt domain.Receipt, err error) domain.Outcome {
	if err == nil {
		return domain.Outcome{Kind: domain.OutcomeConfirmed, Receipt: receipt}
	}

	var revert *domain.RevertError
	if errors.As(err, &revert) {
		if domain.IsNotLiquidatable(revert.Reason) {
			return domain.Outcome{Kind: domain.OutcomeConfirmed, Reason: domain.ReasonNotLiquidatable, Receipt: receipt}
		}
		return domain.Outcome{Kind: domain.OutcomeReverted, Reason: revert.Reason, Receipt: receipt}
	}

	if errors.Is(err, domain.ErrRejected) {
		return domain.Outcome{Kind: domain.OutcomeRejectedByNode, Reason: err.Error(), Receipt: receipt}
	}
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return domain.Outcome{Kind: domain.OutcomeTimedOut, Reason: "no receipt before deadline", Receipt: receipt}
	}
	return domain.Outcome{Kind: domain.OutcomeTimedOut, Reason: err.Error(), Receipt: receipt}
}
