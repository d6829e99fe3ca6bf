package domain

import "time"

// AccountState es la posición de cada cuenta en la máquina de estados de liquidación.
type AccountState string

const (
	StateIdle      AccountState = "IDLE"
	StateCandidate AccountState = "CANDIDATE"
	StateInFlight  AccountState = "IN_FLIGHT"
)

// Candidate es una cuenta que el checker reportó como liquidable y que
// espera entrar en un batch.
type Candidate struct {
	Account       Account
	DiscoveredAt  uint64 // scheduler tick of the first positive check
	LastCheckedAt uint64 // scheduler tick of the latest positive check
	Attempts      int    // failed submissions so far (carried across requeues)
	FeeBid        uint64 // wei per gas for the next submission
	NotBefore     time.Time
}

// InFlightEntry marca una cuenta cuyo absorb se está enviando.
// Como máximo existe una por cuenta.
type InFlightEntry struct {
	Account       Account
	Attempts      int
	LastAttemptAt time.Time
	FeeBid        uint64
	BatchID       string
	DiscoveredAt  uint64
}

// AbsorbBatch es el conjunto de cuentas enviadas en una transacción de absorb.
// Es un snapshot tomado al despachar y no se modifica después.
type AbsorbBatch struct {
	ID        string
	Accounts  []Account
	FeeBid    uint64
	CreatedAt time.Time
}

// Receipt es la confirmación on-chain de un absorb enviado.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// OutcomeKind clasifica el estado terminal de un envío.
type OutcomeKind string

const (
	OutcomeConfirmed      OutcomeKind = "CONFIRMED"
	OutcomeReverted       OutcomeKind = "REVERTED"
	OutcomeTimedOut       OutcomeKind = "TIMED_OUT"
	OutcomeRejectedByNode OutcomeKind = "REJECTED_BY_NODE"
)

// Retryable indica si el resultado devuelve la cuenta a la cola.
func (k OutcomeKind) Retryable() bool {
	return k == OutcomeTimedOut || k == OutcomeRejectedByNode
}

// ReasonNotLiquidatable se registra en los Confirmed que vienen de un revert
// "not liquidatable", o de una cuenta ya intentada que un check posterior vio
// sana. En ambos casos no queda nada que hacer con la cuenta.
const ReasonNotLiquidatable = "not liquidatable"

// Outcome es el resultado de enviar un batch.
type Outcome struct {
	Kind    OutcomeKind
	Reason  string
	Receipt Receipt
}

// Event se emite a los reporters en cada transición terminal de una cuenta.
type Event struct {
	ID        string
	Account   Account
	Outcome   OutcomeKind
	Reason    string
	Attempt   int
	FeeBid    uint64
	TxHash    string
	BatchID   string
	Abandoned bool // retry budget exhausted; the opportunity is left unclaimed
	Timestamp time.Time
}

// Severidades de un Event.
const (
	SeverityInfo  = "info"
	SeverityError = "error"
)

// Severity devuelve la severidad de log que los reporters deben usar.
// Las cuentas abandonadas y los reverts económicos son errores.
func (e Event) Severity() string {
	switch {
	case e.Abandoned, e.Outcome == OutcomeReverted:
		return SeverityError
	default:
		return SeverityInfo
	}
}

// Stats es una vista puntual del scheduler.
type Stats struct {
	Candidates int
	InFlight   int
	Settled    int
}
