package game

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types carried on the broadcast channel. One constant per payload
// struct below.
const (
	EventRoundAnnounced = "round_announced"
	EventMultiplierTick = "multiplier_tick"
	EventRoundSettled   = "round_settled"
	EventBetPlaced      = "bet_placed"
	EventCashedOut      = "cashed_out"
)

// Event is the envelope every outbound game message travels in.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Publisher fans game events out to connected clients. The engine and ledger
// depend only on this interface; the websocket hub is one implementation.
type Publisher interface {
	Publish(event Event)
}

// RoundAnnounced opens the betting window. Only the commitment is disclosed;
// the seed and crash point stay secret until settlement.
type RoundAnnounced struct {
	RoundID         string    `json:"round_id"`
	CommitmentHash  string    `json:"commitment_hash"`
	PlayerSeed      string    `json:"player_seed"`
	BettingWindowMs int64     `json:"betting_window_ms"`
	BettingEndsAt   time.Time `json:"betting_ends_at"`
}

// MultiplierTick is the live multiplier at a server instant. The growth rate
// is deliberately absent: publishing it would let an observer invert the
// formula and recover the crash point early.
type MultiplierTick struct {
	RoundID    string    `json:"round_id"`
	Value      float64   `json:"value"`
	ServerTime time.Time `json:"server_time"`
}

// RoundSettled discloses the preimage so players can verify the outcome.
type RoundSettled struct {
	RoundID           string  `json:"round_id"`
	OutcomeMultiplier float64 `json:"outcome_multiplier"`
	SecretSeed        string  `json:"secret_seed"`
	PlayerSeed        string  `json:"player_seed"`
}

type BetPlaced struct {
	RoundID   string          `json:"round_id"`
	BetID     string          `json:"bet_id"`
	AccountID string          `json:"account_id"`
	Stake     decimal.Decimal `json:"stake"`
	Currency  string          `json:"currency"`
}

type CashedOut struct {
	RoundID    string          `json:"round_id"`
	BetID      string          `json:"bet_id"`
	AccountID  string          `json:"account_id"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Payout     decimal.Decimal `json:"payout"`
}

// NopPublisher discards events. Used when no gateway is attached.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}

// MultiPublisher fans one event out to several publishers (e.g. the websocket
// hub plus the crash-history recorder).
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(event Event) {
	for _, p := range m {
		p.Publish(event)
	}
}
