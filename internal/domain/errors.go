package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrorKind is the failure taxonomy of the engine. Only KindFatalConfig stops it.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindTransientNetwork: transport failure; retry with backoff.
	KindTransientNetwork
	// KindStaleState: on-chain state moved since the last check; re-validate.
	KindStaleState
	// KindEconomicRevert: absorb reverted for a reason other than "not
	// liquidatable". Not retried.
	KindEconomicRevert
	// KindFatalConfig: malformed configuration; the engine must not start.
	KindFatalConfig
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransientNetwork:
		return "TransientNetwork"
	case KindStaleState:
		return "StaleState"
	case KindEconomicRevert:
		return "EconomicRevert"
	case KindFatalConfig:
		return "FatalConfig"
	default:
		return "Unknown"
	}
}

// Error carries a taxonomy kind alongside the failing operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with kind and op.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err must halt the engine.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatalConfig
}

// ErrRejected marks a submission the node refused (nonce, underpriced,
// pool full, transport error while sending).
var ErrRejected = errors.New("rejected by node")

// RevertError is returned when the market contract reverted the call.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

var notLiquidatableRe = regexp.MustCompile(`not[\s_-]*liquidatable`)

// IsNotLiquidatable reports whether a revert reason says the account is no
// longer liquidatable.
func IsNotLiquidatable(reason string) bool {
	return notLiquidatableRe.MatchString(strings.ToLower(reason))
}
