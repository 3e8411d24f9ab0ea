package game

import (
	"time"

	"github.com/shopspring/decimal"
)

// Phase of a round. Transitions are strictly forward:
// accepting_bets -> live -> settled.
type Phase string

const (
	PhaseAcceptingBets Phase = "accepting_bets"
	PhaseLive          Phase = "live"
	PhaseSettled       Phase = "settled"
)

// CanAdvanceTo reports whether next is the legal successor of p. A phase is
// never revisited.
func (p Phase) CanAdvanceTo(next Phase) bool {
	switch p {
	case PhaseAcceptingBets:
		return next == PhaseLive
	case PhaseLive:
		return next == PhaseSettled
	default:
		return false
	}
}

// Round is the internal entity, secrets included. Never hand it to a client
// directly; use Public().
type Round struct {
	ID                string     `json:"round_id"`
	SecretSeed        string     `json:"-"`
	PlayerSeed        string     `json:"player_seed"`
	CommitmentHash    string     `json:"commitment_hash"`
	OutcomeMultiplier float64    `json:"-"`
	Phase             Phase      `json:"phase"`
	BettingEndsAt     time.Time  `json:"betting_ends_at"`
	StartedAt         time.Time  `json:"started_at"`
	SettledAt         *time.Time `json:"settled_at,omitempty"`
}

// PublicRound is the client-safe projection of a Round. Seed and outcome are
// populated only once the round is settled.
type PublicRound struct {
	ID                string     `json:"round_id"`
	CommitmentHash    string     `json:"commitment_hash"`
	PlayerSeed        string     `json:"player_seed"`
	Phase             Phase      `json:"phase"`
	BettingEndsAt     time.Time  `json:"betting_ends_at"`
	StartedAt         time.Time  `json:"started_at"`
	SettledAt         *time.Time `json:"settled_at,omitempty"`
	SecretSeed        string     `json:"secret_seed,omitempty"`
	OutcomeMultiplier float64    `json:"outcome_multiplier,omitempty"`
}

// Public projects the round for external readers. The secret seed and the
// precomputed outcome stay withheld until the round settles; disclosing them
// earlier (or disclosing the growth rate) would let an observer recover the
// crash point before it happens.
func (r *Round) Public() PublicRound {
	pub := PublicRound{
		ID:             r.ID,
		CommitmentHash: r.CommitmentHash,
		PlayerSeed:     r.PlayerSeed,
		Phase:          r.Phase,
		BettingEndsAt:  r.BettingEndsAt,
		StartedAt:      r.StartedAt,
		SettledAt:      r.SettledAt,
	}
	if r.Phase == PhaseSettled {
		pub.SecretSeed = r.SecretSeed
		pub.OutcomeMultiplier = r.OutcomeMultiplier
	}
	return pub
}

// Bet is a single stake by one account in one round. At most one bet exists
// per (account, round).
type Bet struct {
	ID                string           `json:"bet_id"`
	AccountID         string           `json:"account_id"`
	RoundID           string           `json:"round_id"`
	Stake             decimal.Decimal  `json:"stake"`
	Currency          string           `json:"currency"`
	AutoCashout       float64          `json:"auto_cashout,omitempty"`
	CashoutMultiplier *decimal.Decimal `json:"cashout_multiplier,omitempty"`
	Payout            decimal.Decimal  `json:"payout"`
	Settled           bool             `json:"settled"`
	CreatedAt         time.Time        `json:"created_at"`
}

// Account balance is owned by the store and mutated only through the ledger's
// atomic operations.
type Account struct {
	ID        string          `json:"account_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PlaceBetRequest is an inbound bet intent, already resolved to an account id
// by the auth boundary. IdempotencyKey guards against client retries.
type PlaceBetRequest struct {
	AccountID      string          `json:"account_id"`
	RoundID        string          `json:"round_id"`
	Stake          decimal.Decimal `json:"stake"`
	Currency       string          `json:"currency"`
	AutoCashout    float64         `json:"auto_cashout,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// CashOutRequest carries only the bet id. The payout multiplier is taken from
// the engine's current tick, never from the caller.
type CashOutRequest struct {
	AccountID      string `json:"account_id"`
	BetID          string `json:"bet_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Tick is the engine's authoritative view of the current round at an instant.
type Tick struct {
	RoundID    string    `json:"round_id"`
	Phase      Phase     `json:"phase"`
	Multiplier float64   `json:"multiplier"`
	ServerTime time.Time `json:"server_time"`
}
