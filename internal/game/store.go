package game

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store is the durable record of rounds, bets and balances. Every method is
// one atomic unit: either all of its effects are visible or none are. The
// load-bearing part of the contract is that InsertBet and SettleBetCashout
// read the round's phase and conditionally write inside the same unit (row
// lock or equivalent compare-and-swap); the ledger's race-closure guarantees
// do not hold without it.
type Store interface {
	// CreateRound persists a new round with its precomputed outcome.
	CreateRound(ctx context.Context, round *Round) error

	// GetRound returns the full round, secrets included. Callers gate
	// disclosure through Round.Public.
	GetRound(ctx context.Context, roundID string) (*Round, error)

	// AdvancePhase moves the round from one phase to its successor, failing
	// with ErrPhaseConflict if the stored phase is not `from` or the step is
	// not forward. Stamps SettledAt when advancing to PhaseSettled.
	AdvancePhase(ctx context.Context, roundID string, from, to Phase) error

	// InsertBet atomically: verifies the round is accepting bets, verifies no
	// bet exists for (account, round), verifies the stake currency matches
	// the account currency, verifies balance >= stake, debits the stake and
	// inserts the bet. Fails with ErrRoundNotAcceptingBets, ErrDuplicateBet,
	// ErrCurrencyMismatch or ErrInsufficientBalance.
	InsertBet(ctx context.Context, bet *Bet) error

	// SettleBetCashout atomically: verifies the bet's round is live at the
	// instant of commit, verifies the bet is unsettled, sets the cashout
	// multiplier, marks the bet settled and credits the payout. Fails with
	// ErrBetNotFound, ErrBetAlreadySettled or ErrRoundNotLive.
	SettleBetCashout(ctx context.Context, betID string, multiplier, payout decimal.Decimal) (*Bet, error)

	// SettleRoundLosses marks every unsettled bet in the round settled with
	// zero payout and returns how many it touched. Idempotent: re-invocation
	// never touches an already-settled bet.
	SettleRoundLosses(ctx context.Context, roundID string) (int64, error)

	// RoundBets returns the unsettled bets of a round (auto-cashout scan).
	RoundBets(ctx context.Context, roundID string) ([]*Bet, error)

	// GetBet returns a bet by id.
	GetBet(ctx context.Context, betID string) (*Bet, error)

	// GetAccount returns an account with its current balance.
	GetAccount(ctx context.Context, accountID string) (*Account, error)

	// Deposit credits an account, creating it on first use. A deposit in a
	// currency other than the account's fails with ErrCurrencyMismatch.
	Deposit(ctx context.Context, accountID, currency string, amount decimal.Decimal) (*Account, error)
}
