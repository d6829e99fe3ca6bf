package liquidator_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alejandrodnm/liquidator/internal/application/liquidator"
	"github.com/alejandrodnm/liquidator/internal/domain"
)

// --- mocks ---

type absorbCall struct {
	Accounts []domain.Account
	FeeBid   uint64
}

// mockMarket answers IsLiquidatable from a table and Absorb from a queue of
// scripted results. Once the script runs out, Absorb confirms.
type mockMarket struct {
	mu           sync.Mutex
	liquidatable map[domain.Account]bool
	checkErr     map[domain.Account]error
	sequence     map[domain.Account][]bool // consumed before liquidatable
	absorbErrs   []error
	absorbHook   func(ctx context.Context) error
	checks       int
	calls        []absorbCall
}

func newMockMarket() *mockMarket {
	return &mockMarket{
		liquidatable: make(map[domain.Account]bool),
		checkErr:     make(map[domain.Account]error),
		sequence:     make(map[domain.Account][]bool),
	}
}

func (m *mockMarket) set(a domain.Account, liquidatable bool) {
	m.mu.Lock()
	m.liquidatable[a] = liquidatable
	m.mu.Unlock()
}

func (m *mockMarket) answer(a domain.Account, answers ...bool) {
	m.mu.Lock()
	m.sequence[a] = append(m.sequence[a], answers...)
	m.mu.Unlock()
}

func (m *mockMarket) failCheck(a domain.Account, err error) {
	m.mu.Lock()
	m.checkErr[a] = err
	m.mu.Unlock()
}

func (m *mockMarket) script(errs ...error) {
	m.mu.Lock()
	m.absorbErrs = append(m.absorbErrs, errs...)
	m.mu.Unlock()
}

func (m *mockMarket) IsLiquidatable(_ context.Context, a domain.Account) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks++
	if err := m.checkErr[a]; err != nil {
		return false, err
	}
	if seq := m.sequence[a]; len(seq) > 0 {
		m.sequence[a] = seq[1:]
		return seq[0], nil
	}
	return m.liquidatable[a], nil
}

func (m *mockMarket) Absorb(ctx context.Context, accounts []domain.Account, feeBid uint64) (domain.Receipt, error) {
	m.mu.Lock()
	m.calls = append(m.calls, absorbCall{Accounts: append([]domain.Account(nil), accounts...), FeeBid: feeBid})
	n := len(m.calls)
	var err error
	if len(m.absorbErrs) > 0 {
		err = m.absorbErrs[0]
		m.absorbErrs = m.absorbErrs[1:]
	}
	hook := m.absorbHook
	m.mu.Unlock()

	if hook != nil {
		if herr := hook(ctx); herr != nil {
			return domain.Receipt{}, herr
		}
	}
	if err != nil {
		return domain.Receipt{}, err
	}
	return domain.Receipt{TxHash: fmt.Sprintf("0x%064x", n), BlockNumber: uint64(100 + n), GasUsed: 90_000}, nil
}

func (m *mockMarket) absorbCalls() []absorbCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]absorbCall(nil), m.calls...)
}

type mockSource struct {
	mu       sync.Mutex
	accounts []domain.Account
	err      error
	calls    int
}

func (m *mockSource) ListAccounts(_ context.Context) ([]domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return append([]domain.Account(nil), m.accounts...), nil
}

func (m *mockSource) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

type mockJournal struct {
	mu      sync.Mutex
	entries map[domain.Account]domain.InFlightEntry
	saves   int
	loadErr error
}

func newMockJournal() *mockJournal {
	return &mockJournal{entries: make(map[domain.Account]domain.InFlightEntry)}
}

func (m *mockJournal) SaveInFlight(_ context.Context, e domain.InFlightEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.entries[e.Account] = e
	return nil
}

func (m *mockJournal) DeleteInFlight(_ context.Context, a domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, a)
	return nil
}

func (m *mockJournal) LoadInFlight(_ context.Context) ([]domain.InFlightEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	out := make([]domain.InFlightEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

func (m *mockJournal) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type mockReporter struct {
	mu     sync.Mutex
	events []domain.Event
	stats  []domain.Stats
	err    error
}

func (m *mockReporter) Report(_ context.Context, ev domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.err
}

func (m *mockReporter) ObserveQueue(s domain.Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = append(m.stats, s)
}

func (m *mockReporter) reported() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Event(nil), m.events...)
}

// --- helpers ---

// fakeClock is a manually advanced clock for the scheduler.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func account(n int) domain.Account {
	return domain.MustParseAccount(fmt.Sprintf("0x%040x", n))
}

func testPolicy() liquidator.Policy {
	return liquidator.Policy{
		BackoffBase:   time.Second,
		BackoffMax:    time.Minute,
		MaxAttempts:   3,
		InitialFee:    1_000_000_000,
		FeeMultiplier: 1.5,
		MaxFee:        3_000_000_000,
	}
}
