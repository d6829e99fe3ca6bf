package liquidator

// scheduler.go: per-account state machine and the in-flight registry.
//
//   Idle → Candidate → InFlight → Idle       (confirmed, not liquidatable, reverted)
//                              → Candidate  (timed out / rejected, after backoff)
//
// A single mutex covers queue pop + in-flight insert, so an account can never
// be in two batches at once. Journal writes happen under the same lock so the
// persisted records follow state order.

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/liquidator/internal/domain"
	"github.com/alejandrodnm/liquidator/internal/ports"
)

const defaultBatchSize = 10

// SchedulerConfig controls batching and retries.
type SchedulerConfig struct {
	BatchSize int
	Policy    Policy
}

// Scheduler owns every Candidate and InFlightEntry. It is the only writer;
// checker and executor results go through its methods.
type Scheduler struct {
	cfg     SchedulerConfig
	journal ports.InFlightJournal
	now     func() time.Time
	newID   func() string

	mu         sync.Mutex
	tick       uint64
	candidates map[domain.Account]*domain.Candidate
	inFlight   map[domain.Account]*domain.InFlightEntry
	settledAt  map[domain.Account]uint64 // tick of the last terminal transition
	wake       chan struct{}
}

// NewScheduler creates a scheduler. journal may be nil.
func NewScheduler(cfg SchedulerConfig, journal ports.InFlightJournal) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Scheduler{
		cfg:        cfg,
		journal:    journal,
		now:        time.Now,
		newID:      uuid.NewString,
		candidates: make(map[domain.Account]*domain.Candidate),
		inFlight:   make(map[domain.Account]*domain.InFlightEntry),
		settledAt:  make(map[domain.Account]uint64),
		wake:       make(chan struct{}, 1),
	}
}

// SetClock replaces the wall clock. Tests only.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Tick advances and returns the monotonic round counter. Every eligibility
// round stamps its results with the tick taken before the first check.
func (s *Scheduler) Tick() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick++
	return s.tick
}

// Wake is signalled whenever a candidate may have become ready.
func (s *Scheduler) Wake() <-chan struct{} {
	return s.wake
}

// Discover moves an Idle account to Candidate. It is a no-op when the account
// is already queued or in flight, or when the check that produced it is not
// newer than the account's last terminal transition.
func (s *Scheduler) Discover(account domain.Account, checkedAt uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inFlight[account]; ok {
		return false
	}
	if c, ok := s.candidates[account]; ok {
		if checkedAt > c.LastCheckedAt {
			c.LastCheckedAt = checkedAt
		}
		return false
	}
	if settled, ok := s.settledAt[account]; ok {
		if checkedAt <= settled {
			return false
		}
		delete(s.settledAt, account)
	}

	s.candidates[account] = &domain.Candidate{
		Account:       account,
		DiscoveredAt:  checkedAt,
		LastCheckedAt: checkedAt,
		FeeBid:        s.cfg.Policy.InitialFee,
	}
	s.signal()
	return true
}

// Forget drops a queued candidate after a fresh check found it healthy.
// In-flight accounts are left alone; the executor re-validates those.
// A candidate that already spent an attempt settles with a not-liquidatable
// event, since its earlier transaction most likely landed.
func (s *Scheduler) Forget(ctx context.Context, account domain.Account, checkedAt uint64) (bool, []domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.candidates[account]
	if !ok || checkedAt < c.LastCheckedAt {
		return false, nil
	}
	delete(s.candidates, account)
	s.journalDelete(ctx, account)
	if c.Attempts == 0 {
		return true, nil
	}
	s.settledAt[account] = s.tick
	return true, []domain.Event{s.notNeeded(account, c.Attempts, c.FeeBid, "")}
}

// NextBatch takes up to BatchSize ready candidates, oldest discovery first
// (ties by account), and marks them in flight. The returned batch is a
// snapshot; ok is false when nothing is ready.
func (s *Scheduler) NextBatch(ctx context.Context) (domain.AbsorbBatch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ready := make([]*domain.Candidate, 0, len(s.candidates))
	for _, c := range s.candidates {
		if !c.NotBefore.After(now) {
			ready = append(ready, c)
		}
	}
	if len(ready) == 0 {
		return domain.AbsorbBatch{}, false
	}

	slices.SortFunc(ready, compareCandidates)
	take := ready
	if len(take) > s.cfg.BatchSize {
		take = ready[:s.cfg.BatchSize]
	}

	batch := domain.AbsorbBatch{
		ID:        s.newID(),
		Accounts:  make([]domain.Account, 0, len(take)),
		CreatedAt: now,
	}
	for _, c := range take {
		batch.Accounts = append(batch.Accounts, c.Account)
		if c.FeeBid > batch.FeeBid {
			batch.FeeBid = c.FeeBid
		}
	}

	for _, c := range take {
		delete(s.candidates, c.Account)
		entry := &domain.InFlightEntry{
			Account:       c.Account,
			Attempts:      c.Attempts,
			LastAttemptAt: now,
			FeeBid:        batch.FeeBid,
			BatchID:       batch.ID,
			DiscoveredAt:  c.DiscoveredAt,
		}
		s.inFlight[c.Account] = entry
		s.journalSave(ctx, *entry)
	}

	if len(ready) > len(take) {
		s.signal()
	}
	return batch, true
}

// Release returns accounts dropped by re-validation to Idle. No attempt is
// consumed. Accounts that were already attempted settle with a
// not-liquidatable event; first-time drops settle silently.
func (s *Scheduler) Release(ctx context.Context, batch domain.AbsorbBatch, accounts []domain.Account) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []domain.Event
	for _, a := range accounts {
		e, ok := s.takeEntry(batch, a)
		if !ok {
			continue
		}
		s.journalDelete(ctx, a)
		s.settledAt[a] = s.tick
		if e.Attempts > 0 {
			events = append(events, s.notNeeded(a, e.Attempts, e.FeeBid, batch.ID))
		}
	}
	return events
}

// Return puts accounts whose re-validation could not complete back in the
// queue without consuming an attempt. They wait one base backoff.
func (s *Scheduler) Return(ctx context.Context, batch domain.AbsorbBatch, accounts []domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()

	notBefore := s.now().Add(s.cfg.Policy.Backoff(0))
	for _, a := range accounts {
		e, ok := s.takeEntry(batch, a)
		if !ok {
			continue
		}
		s.journalDelete(ctx, a)
		s.candidates[a] = &domain.Candidate{
			Account:       a,
			DiscoveredAt:  e.DiscoveredAt,
			LastCheckedAt: e.DiscoveredAt,
			Attempts:      e.Attempts,
			FeeBid:        e.FeeBid,
			NotBefore:     notBefore,
		}
	}
	s.signal()
}

// Resolve applies a submission outcome to every submitted account and returns
// the terminal events to report.
func (s *Scheduler) Resolve(ctx context.Context, batch domain.AbsorbBatch, accounts []domain.Account, outcome domain.Outcome) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	policy := s.cfg.Policy
	var events []domain.Event
	requeued := false

	for _, a := range accounts {
		e, ok := s.takeEntry(batch, a)
		if !ok {
			slog.Warn("scheduler: outcome for account not in flight",
				"account", a.Hex(), "batch", batch.ID)
			continue
		}
		s.journalDelete(ctx, a)

		ev := domain.Event{
			ID:        s.newID(),
			Account:   a,
			Outcome:   outcome.Kind,
			Reason:    outcome.Reason,
			Attempt:   e.Attempts,
			FeeBid:    e.FeeBid,
			TxHash:    outcome.Receipt.TxHash,
			BatchID:   batch.ID,
			Timestamp: now,
		}

		if !outcome.Kind.Retryable() {
			s.settledAt[a] = s.tick
			events = append(events, ev)
			continue
		}

		attempts := e.Attempts + 1
		fee := e.FeeBid
		if outcome.Kind == domain.OutcomeRejectedByNode {
			fee = policy.NextFee(fee)
		}
		if policy.Exhausted(attempts) {
			// Abandonment holds until a check newer than this round sees the
			// account liquidatable again; that check restarts it from the
			// first attempt at the initial fee.
			s.settledAt[a] = s.tick
			ev.Attempt = attempts
			ev.Abandoned = true
			events = append(events, ev)
			continue
		}

		delay := policy.Backoff(e.Attempts)
		s.candidates[a] = &domain.Candidate{
			Account:       a,
			DiscoveredAt:  e.DiscoveredAt,
			LastCheckedAt: e.DiscoveredAt,
			Attempts:      attempts,
			FeeBid:        fee,
			NotBefore:     now.Add(delay),
		}
		requeued = true
		slog.Info("scheduler: absorb will be retried",
			"account", a.Hex(),
			"outcome", outcome.Kind,
			"attempt", attempts,
			"delay", delay,
			"fee_bid", fee,
		)
	}

	if requeued {
		s.signal()
	}
	return events
}

// notNeeded builds the terminal event for an attempted account that a later
// check found healthy. Callers hold s.mu.
func (s *Scheduler) notNeeded(a domain.Account, attempts int, fee uint64, batchID string) domain.Event {
	return domain.Event{
		ID:        s.newID(),
		Account:   a,
		Outcome:   domain.OutcomeConfirmed,
		Reason:    domain.ReasonNotLiquidatable,
		Attempt:   attempts,
		FeeBid:    fee,
		BatchID:   batchID,
		Timestamp: s.now(),
	}
}

// Restore re-queues persisted in-flight entries after a restart. Their
// transactions may or may not have landed, so they go back to Candidate and
// are re-validated before any new submission.
func (s *Scheduler) Restore(entries []domain.InFlightEntry) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, e := range entries {
		if e.DiscoveredAt > s.tick {
			s.tick = e.DiscoveredAt
		}
		if _, ok := s.inFlight[e.Account]; ok {
			continue
		}
		if _, ok := s.candidates[e.Account]; ok {
			continue
		}
		fee := e.FeeBid
		if fee < s.cfg.Policy.InitialFee {
			fee = s.cfg.Policy.InitialFee
		}
		s.candidates[e.Account] = &domain.Candidate{
			Account:       e.Account,
			DiscoveredAt:  e.DiscoveredAt,
			LastCheckedAt: e.DiscoveredAt,
			Attempts:      e.Attempts,
			FeeBid:        fee,
		}
		restored++
	}
	if restored > 0 {
		s.signal()
	}
	return restored
}

// State returns the account's current state.
func (s *Scheduler) State(account domain.Account) domain.AccountState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[account]; ok {
		return domain.StateInFlight
	}
	if _, ok := s.candidates[account]; ok {
		return domain.StateCandidate
	}
	return domain.StateIdle
}

// InFlight returns a snapshot of the in-flight registry ordered by account.
func (s *Scheduler) InFlight() []domain.InFlightEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.InFlightEntry, 0, len(s.inFlight))
	for _, e := range s.inFlight {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, b domain.InFlightEntry) int {
		return compareAccounts(a.Account, b.Account)
	})
	return out
}

// Candidates returns a snapshot of the queue in dispatch order.
func (s *Scheduler) Candidates() []domain.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	ptrs := make([]*domain.Candidate, 0, len(s.candidates))
	for _, c := range s.candidates {
		ptrs = append(ptrs, c)
	}
	slices.SortFunc(ptrs, compareCandidates)
	out := make([]domain.Candidate, len(ptrs))
	for i, c := range ptrs {
		out[i] = *c
	}
	return out
}

// NextReadyAt returns the earliest time a queued candidate becomes ready.
func (s *Scheduler) NextReadyAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest time.Time
	found := false
	for _, c := range s.candidates {
		if !found || c.NotBefore.Before(earliest) {
			earliest = c.NotBefore
			found = true
		}
	}
	return earliest, found
}

// Stats returns queue sizes.
func (s *Scheduler) Stats() domain.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Stats{
		Candidates: len(s.candidates),
		InFlight:   len(s.inFlight),
		Settled:    len(s.settledAt),
	}
}

// takeEntry removes the in-flight entry for a if it belongs to batch.
// Caller holds mu.
func (s *Scheduler) takeEntry(batch domain.AbsorbBatch, a domain.Account) (domain.InFlightEntry, bool) {
	e, ok := s.inFlight[a]
	if !ok || e.BatchID != batch.ID {
		return domain.InFlightEntry{}, false
	}
	delete(s.inFlight, a)
	return *e, true
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) journalSave(ctx context.Context, e domain.InFlightEntry) {
	if s.journal == nil {
		return
	}
	if err := s.journal.SaveInFlight(ctx, e); err != nil {
		slog.Warn("scheduler: failed to persist in-flight entry", "account", e.Account.Hex(), "err", err)
	}
}

func (s *Scheduler) journalDelete(ctx context.Context, a domain.Account) {
	if s.journal == nil {
		return
	}
	if err := s.journal.DeleteInFlight(ctx, a); err != nil {
		slog.Warn("scheduler: failed to clear in-flight entry", "account", a.Hex(), "err", err)
	}
}

func compareCandidates(a, b *domain.Candidate) int {
	switch {
	case a.DiscoveredAt < b.DiscoveredAt:
		return -1
	case a.DiscoveredAt > b.DiscoveredAt:
		return 1
	}
	return compareAccounts(a.Account, b.Account)
}

func compareAccounts(a, b domain.Account) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	}
	return 0
}
