package game

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	ledgerMaxRetries = 3

	// idempotencyTTL bounds how long a replayed intent maps back to its
	// original result.
	idempotencyTTL = 10 * time.Minute
)

// TickSource is the engine's authoritative (phase, multiplier) view. Cash-out
// multipliers come only from here; a caller-supplied multiplier is never
// accepted.
type TickSource interface {
	CurrentTick() Tick
}

// IdempotencyStore deduplicates inbound intents at the external boundary. A
// network-level retry of a place-bet or cash-out must not double-charge.
type IdempotencyStore interface {
	// PutIfAbsent stores value under key if the key is new. Returns the
	// winning value and whether this caller stored it.
	PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error)
	// Delete releases a key, used when the guarded operation failed
	// terminally and a client retry should be allowed through.
	Delete(ctx context.Context, key string) error
}

// Ledger accepts stakes and settles payouts against the store. Each operation
// is atomic: the three placeBet checks plus the debit+insert commit as one
// unit, and a cash-out's phase check happens inside the same unit as the
// credit.
type Ledger struct {
	cfg   Config
	store Store
	ticks TickSource
	idem  IdempotencyStore
	pub   Publisher
}

func NewLedger(cfg Config, store Store, ticks TickSource, idem IdempotencyStore, pub Publisher) *Ledger {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Ledger{cfg: cfg, store: store, ticks: ticks, idem: idem, pub: pub}
}

// PlaceBet debits the stake and records the bet in one atomic unit. The round
// must still be accepting bets, the account must not already have a bet in
// the round, and the balance must cover the stake, all verified inside the
// store transaction, not as separate prior reads.
func (l *Ledger) PlaceBet(ctx context.Context, req PlaceBetRequest) (*Bet, error) {
	if req.Stake.LessThan(l.cfg.MinStake) || req.Stake.GreaterThan(l.cfg.MaxStake) {
		return nil, ErrInvalidStake
	}
	if !l.cfg.SupportsCurrency(req.Currency) {
		return nil, ErrUnsupportedCurrency
	}

	bet := &Bet{
		ID:          uuid.NewString(),
		AccountID:   req.AccountID,
		RoundID:     req.RoundID,
		Stake:       req.Stake,
		Currency:    req.Currency,
		AutoCashout: req.AutoCashout,
		Payout:      decimal.Zero,
		CreatedAt:   time.Now().UTC(),
	}

	if req.IdempotencyKey != "" && l.idem != nil {
		winner, claimed, err := l.idem.PutIfAbsent(ctx, idemKey("bet", req.AccountID, req.IdempotencyKey), bet.ID, idempotencyTTL)
		if err != nil {
			log.Printf("[LEDGER] Idempotency check failed, proceeding: %v", err)
		} else if !claimed {
			// Replayed submission: return the original bet, charge nothing.
			prev, err := l.store.GetBet(ctx, winner)
			if err != nil {
				return nil, err
			}
			if prev.AccountID != req.AccountID {
				return nil, ErrBetNotFound
			}
			return prev, nil
		}
	}

	err := l.withRetry(ctx, func() error {
		return l.store.InsertBet(ctx, bet)
	})
	if err != nil {
		l.release(ctx, "bet", req.AccountID, req.IdempotencyKey)
		return nil, err
	}

	l.pub.Publish(Event{Type: EventBetPlaced, Data: BetPlaced{
		RoundID:   bet.RoundID,
		BetID:     bet.ID,
		AccountID: bet.AccountID,
		Stake:     bet.Stake,
		Currency:  bet.Currency,
	}})

	log.Printf("[LEDGER] Bet %s: account %s staked %s %s in round %s",
		bet.ID, bet.AccountID, bet.Stake, bet.Currency, bet.RoundID)
	return bet, nil
}

// CashOut locks in a payout at the engine's current multiplier. The round
// must still be live at the instant the store commits; a crash between the
// client's action and the commit fails with ErrRoundNotLive and the bet is
// later settled as a loss.
func (l *Ledger) CashOut(ctx context.Context, req CashOutRequest) (*Bet, error) {
	tick := l.ticks.CurrentTick()
	if tick.Phase != PhaseLive {
		return nil, ErrRoundNotLive
	}

	bet, err := l.store.GetBet(ctx, req.BetID)
	if err != nil {
		return nil, err
	}
	if req.AccountID != "" && bet.AccountID != req.AccountID {
		return nil, ErrBetNotFound
	}
	if bet.RoundID != tick.RoundID {
		// Bet belongs to an already-crashed round.
		return nil, ErrRoundNotLive
	}

	if req.IdempotencyKey != "" && l.idem != nil {
		winner, claimed, err := l.idem.PutIfAbsent(ctx, idemKey("cashout", req.AccountID, req.IdempotencyKey), bet.ID, idempotencyTTL)
		if err != nil {
			log.Printf("[LEDGER] Idempotency check failed, proceeding: %v", err)
		} else if !claimed {
			prev, err := l.store.GetBet(ctx, winner)
			if err != nil {
				return nil, err
			}
			if prev.AccountID != req.AccountID {
				return nil, ErrBetNotFound
			}
			return prev, nil
		}
	}

	multiplier := decimal.NewFromFloat(tick.Multiplier)
	payout := l.Payout(bet.Stake, multiplier)

	var settled *Bet
	err = l.withRetry(ctx, func() error {
		var serr error
		settled, serr = l.store.SettleBetCashout(ctx, bet.ID, multiplier, payout)
		return serr
	})
	if err != nil {
		l.release(ctx, "cashout", req.AccountID, req.IdempotencyKey)
		return nil, err
	}

	l.pub.Publish(Event{Type: EventCashedOut, Data: CashedOut{
		RoundID:    settled.RoundID,
		BetID:      settled.ID,
		AccountID:  settled.AccountID,
		Multiplier: multiplier,
		Payout:     settled.Payout,
	}})

	log.Printf("[LEDGER] Cashout %s at %sx, payout %s", settled.ID, multiplier, settled.Payout)
	return settled, nil
}

// SettleRoundLosses force-settles every unresolved bet in the round as a
// loss. The stake was already debited at placement, so no balance moves.
// Idempotent: invoked again after a partial failure it only touches bets that
// are still unsettled.
func (l *Ledger) SettleRoundLosses(ctx context.Context, roundID string) (int64, error) {
	var n int64
	err := l.withRetry(ctx, func() error {
		var serr error
		n, serr = l.store.SettleRoundLosses(ctx, roundID)
		return serr
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("[LEDGER] Round %s: settled %d bets as losses", roundID, n)
	}
	return n, nil
}

// Payout computes the net credit for a cash-out: gross winnings minus the
// house fee on gross, decimal-exact. The principal rides inside gross, so the
// whole amount is credited back (the stake was debited at placement).
func (l *Ledger) Payout(stake, multiplier decimal.Decimal) decimal.Decimal {
	gross := stake.Mul(multiplier)
	fee := gross.Mul(l.cfg.FeeRate).Round(2)
	return gross.Sub(fee).Round(2)
}

// withRetry runs op, retrying transient store failures with a bounded
// backoff. Terminal errors surface immediately; exhausted retries surface as
// ErrServiceUnavailable.
func (l *Ledger) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < ledgerMaxRetries; attempt++ {
		if err = op(); err == nil || !Retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.RetryBackoff):
		}
	}
	log.Printf("[LEDGER] Store still unavailable after %d attempts: %v", ledgerMaxRetries, err)
	return ErrServiceUnavailable
}

// idemKey scopes an idempotency key to the acting account. Clients generate
// keys independently; without the account scope one client's key would
// collide with another's and a replay could be answered with a foreign bet.
func idemKey(kind, accountID, key string) string {
	return kind + ":" + accountID + ":" + key
}

func (l *Ledger) release(ctx context.Context, kind, accountID, key string) {
	if l.idem == nil || key == "" {
		return
	}
	if err := l.idem.Delete(ctx, idemKey(kind, accountID, key)); err != nil {
		log.Printf("[LEDGER] Failed to release idempotency key %s: %v", key, err)
	}
}
