// Package store provides the durable record of rounds, bets and balances.
// Two implementations honor the same contract: Postgres for production and
// an in-memory store for tests and local development.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crashgame/internal/game"
)

// Memory is an in-process game.Store. A single mutex makes every operation
// atomic, mirroring the row-lock semantics of the Postgres store.
type Memory struct {
	mu            sync.Mutex
	rounds        map[string]*game.Round
	bets          map[string]*game.Bet
	betByAccRound map[string]string // accountID|roundID -> betID
	accounts      map[string]*game.Account
}

func NewMemory() *Memory {
	return &Memory{
		rounds:        make(map[string]*game.Round),
		bets:          make(map[string]*game.Bet),
		betByAccRound: make(map[string]string),
		accounts:      make(map[string]*game.Account),
	}
}

func (m *Memory) CreateRound(ctx context.Context, round *game.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *round
	m.rounds[round.ID] = &cp
	return nil
}

func (m *Memory) GetRound(ctx context.Context, roundID string) (*game.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[roundID]
	if !ok {
		return nil, game.ErrRoundNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) AdvancePhase(ctx context.Context, roundID string, from, to game.Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[roundID]
	if !ok {
		return game.ErrRoundNotFound
	}
	if r.Phase != from || !from.CanAdvanceTo(to) {
		return game.ErrPhaseConflict
	}
	r.Phase = to
	if to == game.PhaseSettled {
		now := time.Now().UTC()
		r.SettledAt = &now
	}
	return nil
}

func (m *Memory) InsertBet(ctx context.Context, bet *game.Bet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[bet.RoundID]
	if !ok {
		return game.ErrRoundNotFound
	}
	if r.Phase != game.PhaseAcceptingBets {
		return game.ErrRoundNotAcceptingBets
	}

	key := bet.AccountID + "|" + bet.RoundID
	if _, exists := m.betByAccRound[key]; exists {
		return game.ErrDuplicateBet
	}

	acc, ok := m.accounts[bet.AccountID]
	if !ok {
		return game.ErrInsufficientBalance
	}
	if acc.Currency != bet.Currency {
		return game.ErrCurrencyMismatch
	}
	if acc.Balance.LessThan(bet.Stake) {
		return game.ErrInsufficientBalance
	}

	acc.Balance = acc.Balance.Sub(bet.Stake)
	acc.UpdatedAt = time.Now().UTC()

	cp := *bet
	m.bets[bet.ID] = &cp
	m.betByAccRound[key] = bet.ID
	return nil
}

func (m *Memory) SettleBetCashout(ctx context.Context, betID string, multiplier, payout decimal.Decimal) (*game.Bet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bets[betID]
	if !ok {
		return nil, game.ErrBetNotFound
	}
	if b.Settled || b.CashoutMultiplier != nil {
		return nil, game.ErrBetAlreadySettled
	}

	// Phase is checked here, inside the same critical section as the credit.
	// A crash committed a moment earlier forecloses the payout.
	r, ok := m.rounds[b.RoundID]
	if !ok || r.Phase != game.PhaseLive {
		return nil, game.ErrRoundNotLive
	}

	acc, ok := m.accounts[b.AccountID]
	if !ok {
		return nil, game.ErrAccountNotFound
	}

	mcp := multiplier
	b.CashoutMultiplier = &mcp
	b.Payout = payout
	b.Settled = true

	acc.Balance = acc.Balance.Add(payout)
	acc.UpdatedAt = time.Now().UTC()

	cp := *b
	return &cp, nil
}

func (m *Memory) SettleRoundLosses(ctx context.Context, roundID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, b := range m.bets {
		if b.RoundID == roundID && !b.Settled {
			b.Settled = true
			b.Payout = decimal.Zero
			n++
		}
	}
	return n, nil
}

func (m *Memory) RoundBets(ctx context.Context, roundID string) ([]*game.Bet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*game.Bet
	for _, b := range m.bets {
		if b.RoundID == roundID && !b.Settled {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) GetBet(ctx context.Context, betID string) (*game.Bet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bets[betID]
	if !ok {
		return nil, game.ErrBetNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) GetAccount(ctx context.Context, accountID string) (*game.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[accountID]
	if !ok {
		return nil, game.ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (m *Memory) Deposit(ctx context.Context, accountID, currency string, amount decimal.Decimal) (*game.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	acc, ok := m.accounts[accountID]
	if !ok {
		acc = &game.Account{ID: accountID, Currency: currency, CreatedAt: now}
		m.accounts[accountID] = acc
	} else if acc.Currency != currency {
		return nil, game.ErrCurrencyMismatch
	}
	acc.Balance = acc.Balance.Add(amount)
	acc.UpdatedAt = now

	cp := *acc
	return &cp, nil
}

var _ game.Store = (*Memory)(nil)
