package game

import (
	"errors"
	"fmt"
)

// Stable error values surfaced to clients. Handlers map these to wire codes
// via ErrorCode so a client can distinguish "round already started" from
// "you already bet this round" from "insufficient balance".
var (
	ErrInvalidStake        = errors.New("stake must be positive and within limits")
	ErrUnsupportedCurrency = errors.New("unsupported currency")

	ErrRoundNotFound         = errors.New("round not found")
	ErrBetNotFound           = errors.New("bet not found")
	ErrRoundNotAcceptingBets = errors.New("round is not accepting bets")
	ErrRoundNotLive          = errors.New("round is not live")
	ErrDuplicateBet          = errors.New("account already has a bet in this round")
	ErrBetAlreadySettled     = errors.New("bet already settled")
	ErrPhaseConflict         = errors.New("round phase conflict")

	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountNotFound     = errors.New("account not found")
	// ErrCurrencyMismatch means the operation's currency is not the currency
	// the account is denominated in. Accounts hold exactly one currency; a
	// EUR stake never debits a USD balance.
	ErrCurrencyMismatch = errors.New("currency does not match account currency")

	// ErrStoreUnavailable marks transient storage failures. The ledger retries
	// these with backoff before giving up with ErrServiceUnavailable.
	ErrStoreUnavailable   = errors.New("store temporarily unavailable")
	ErrServiceUnavailable = errors.New("service unavailable, try again")

	// ErrInvariantViolation means a ledger invariant broke (negative balance,
	// settled bet mutated). The offending operation is aborted with no partial
	// effect. Seeing this in tests indicates a ledger bug.
	ErrInvariantViolation = errors.New("invariant violation")
)

// ErrorCode returns the stable wire code for a ledger error.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidStake):
		return "INVALID_STAKE"
	case errors.Is(err, ErrUnsupportedCurrency):
		return "UNSUPPORTED_CURRENCY"
	case errors.Is(err, ErrRoundNotFound):
		return "ROUND_NOT_FOUND"
	case errors.Is(err, ErrBetNotFound):
		return "BET_NOT_FOUND"
	case errors.Is(err, ErrRoundNotAcceptingBets):
		return "ROUND_NOT_ACCEPTING_BETS"
	case errors.Is(err, ErrRoundNotLive):
		return "ROUND_NOT_LIVE"
	case errors.Is(err, ErrDuplicateBet):
		return "DUPLICATE_BET"
	case errors.Is(err, ErrBetAlreadySettled):
		return "BET_ALREADY_SETTLED"
	case errors.Is(err, ErrInsufficientBalance):
		return "INSUFFICIENT_BALANCE"
	case errors.Is(err, ErrAccountNotFound):
		return "ACCOUNT_NOT_FOUND"
	case errors.Is(err, ErrCurrencyMismatch):
		return "CURRENCY_MISMATCH"
	case errors.Is(err, ErrInvariantViolation):
		return "INTERNAL_ERROR"
	case errors.Is(err, ErrServiceUnavailable), errors.Is(err, ErrStoreUnavailable):
		return "SERVICE_UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}

// Retryable reports whether an operation that failed with err may succeed on
// a retry. State conflicts and validation failures are terminal.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

func invariant(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}
