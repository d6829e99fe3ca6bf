package liquidator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alejandrodnm/liquidator/internal/domain"
	"github.com/alejandrodnm/liquidator/internal/ports"
)

const defaultMaxTracked = 10_000

// Tracker keeps the bounded set of accounts the engine evaluates, refreshed
// from a PositionSource. A failed refresh keeps the last known set.
type Tracker struct {
	source     ports.PositionSource
	maxTracked int

	mu       sync.Mutex
	tracked  []domain.Account
	index    map[domain.Account]struct{}
	degraded bool
}

// NewTracker creates a tracker holding at most maxTracked accounts.
func NewTracker(source ports.PositionSource, maxTracked int) *Tracker {
	if maxTracked <= 0 {
		maxTracked = defaultMaxTracked
	}
	return &Tracker{
		source:     source,
		maxTracked: maxTracked,
		index:      make(map[domain.Account]struct{}),
	}
}

// RefreshResult summarises one refresh.
type RefreshResult struct {
	Accounts []domain.Account
	New      int
	Dropped  int
	Degraded bool
}

// Refresh pulls the account universe. Already-tracked accounts that are still
// listed keep their slot; newly seen accounts fill the remaining capacity;
// accounts no longer listed are dropped.
func (t *Tracker) Refresh(ctx context.Context) RefreshResult {
	listed, err := t.source.ListAccounts(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		if !t.degraded {
			slog.Warn("tracker: position source unavailable, running on last known accounts (degraded)",
				"known", len(t.tracked), "err", err)
		} else {
			slog.Debug("tracker: position source still unavailable", "err", err)
		}
		t.degraded = true
		return RefreshResult{Accounts: t.snapshot(), Degraded: true}
	}
	if t.degraded {
		slog.Info("tracker: position source recovered", "listed", len(listed))
		t.degraded = false
	}

	seen := make(map[domain.Account]struct{}, len(listed))
	var kept, fresh []domain.Account
	for _, a := range listed {
		if a.IsZero() {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		if _, ok := t.index[a]; ok {
			kept = append(kept, a)
		} else {
			fresh = append(fresh, a)
		}
	}

	next := kept
	if len(next) > t.maxTracked {
		next = next[:t.maxTracked]
	}
	room := t.maxTracked - len(next)
	if room < len(fresh) {
		slog.Warn("tracker: account cap reached, ignoring new accounts",
			"cap", t.maxTracked, "ignored", len(fresh)-room)
		fresh = fresh[:max(room, 0)]
	}
	next = append(next, fresh...)

	index := make(map[domain.Account]struct{}, len(next))
	for _, a := range next {
		index[a] = struct{}{}
	}
	dropped := 0
	for a := range t.index {
		if _, ok := index[a]; !ok {
			dropped++
		}
	}

	t.tracked = next
	t.index = index
	return RefreshResult{Accounts: t.snapshot(), New: len(fresh), Dropped: dropped}
}

// Accounts returns the tracked set.
func (t *Tracker) Accounts() []domain.Account {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

// Degraded reports whether the last refresh failed.
func (t *Tracker) Degraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.degraded
}

func (t *Tracker) snapshot() []domain.Account {
	out := make([]domain.Account, len(t.tracked))
	copy(out, t.tracked)
	return out
}
