// Package gwerrors defines the closed error taxonomy shared by every
// component (spec §7). Errors carry a Kind so callers can branch on
// classification without string matching, and wrap the underlying cause
// with github.com/cockroachdb/errors for stack traces.
package gwerrors

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

// Kind is a closed enumeration of the error taxonomy from spec.md §7.
type Kind string

const (
	ConfigInvalid               Kind = "config_invalid"
	DiskPressure                Kind = "disk_pressure"
	ShuttingDown                Kind = "shutting_down"
	IO                          Kind = "io"
	JournalFailed               Kind = "journal_failed"
	BudgetInvalid               Kind = "budget_invalid"
	NonceNotFound                Kind = "nonce_not_found"
	ChallengeCorrupt             Kind = "challenge_corrupt"
	HMACInvalid                  Kind = "hmac_invalid"
	ChallengeExpired             Kind = "challenge_expired"
	BindingMismatch              Kind = "binding_mismatch"
	PathMismatch                 Kind = "path_mismatch"
	TxNotFound                   Kind = "tx_not_found"
	TxReverted                   Kind = "tx_reverted"
	Pending                      Kind = "pending"
	TransferNotFound             Kind = "transfer_not_found"
	ReplayDetected               Kind = "replay_detected"
	RaceLost                     Kind = "race_lost"
	RPCUnreachable               Kind = "rpc_unreachable"
	RPCError                     Kind = "rpc_error"
	SettlementFailed             Kind = "settlement_failed"
	SettlementUnavailable        Kind = "settlement_unavailable"
	SettlementVerificationFailed Kind = "settlement_verification_failed"
	RateLimited                  Kind = "rate_limited"
	InsufficientCredits          Kind = "insufficient_credits"
	SandboxViolation              Kind = "sandbox_violation"
	SandboxTimeout                Kind = "sandbox_timeout"
	DLQEnqueued                   Kind = "dlq_enqueued"
)

// retryable is the set of kinds the propagation policy (spec §7) classifies
// as transient and safe to retry inside an adapter with backoff.
var retryable = map[Kind]bool{
	RPCUnreachable:        true,
	SettlementUnavailable: true,
}

// Error is the concrete error type returned by every component in this
// module. Op names the failing operation (e.g. "wal.append"), Kind
// classifies it, and Err is the wrapped cause (may be nil).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Op + ": " + string(e.Kind) + ": " + e.Err.Error()
	}
	return e.Op + ": " + string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the propagation policy allows an adapter to
// retry this error internally with exponential backoff and jitter.
func (e *Error) Retryable() bool { return retryable[e.Kind] }

// New constructs a classified Error, capturing a stack trace via
// cockroachdb/errors the way the teacher's dependency graph implies
// (go.mod carries cockroachdb/errors as a direct dependency).
func New(kind Kind, op string, cause error) *Error {
	var wrapped error
	if cause != nil {
		wrapped = errors.Wrap(cause, op)
	}
	return &Error{Kind: kind, Op: op, Err: wrapped}
}

// Is allows errors.Is(err, gwerrors.New(Kind, "", nil)) style comparisons
// by Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// HTTPStatus maps a Kind to the user-visible HTTP status from spec.md §7.
func HTTPStatus(k Kind) int {
	switch k {
	case InsufficientCredits:
		return http.StatusPaymentRequired
	case NonceNotFound, ChallengeCorrupt, HMACInvalid, ChallengeExpired,
		BindingMismatch, PathMismatch, TxNotFound, TxReverted, Pending,
		TransferNotFound, ReplayDetected, RaceLost:
		return http.StatusPaymentRequired
	case RateLimited:
		return http.StatusTooManyRequests
	case RPCUnreachable, SettlementUnavailable:
		return http.StatusServiceUnavailable
	case ConfigInvalid, BudgetInvalid, SandboxViolation:
		return http.StatusBadRequest
	case SandboxTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
