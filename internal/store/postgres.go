package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"crashgame/internal/game"
)

// Postgres is the production game.Store. Every operation runs in one
// transaction; rounds are locked with SELECT ... FOR UPDATE so "read phase,
// then conditionally write" is indivisible. Lock order is always round before
// bet before account, which keeps the cash-out path and the engine's
// settlement path deadlock-free.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) CreateRound(ctx context.Context, round *game.Round) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO rounds (id, secret_seed, player_seed, commitment_hash, outcome_multiplier, phase, betting_ends_at, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		round.ID, round.SecretSeed, round.PlayerSeed, round.CommitmentHash,
		round.OutcomeMultiplier, string(round.Phase), round.BettingEndsAt, round.StartedAt,
	)
	return translateErr(err)
}

func (p *Postgres) GetRound(ctx context.Context, roundID string) (*game.Round, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, secret_seed, player_seed, commitment_hash, outcome_multiplier, phase, betting_ends_at, started_at, settled_at
		FROM rounds WHERE id = $1`, roundID)
	return scanRound(row)
}

func (p *Postgres) AdvancePhase(ctx context.Context, roundID string, from, to game.Phase) error {
	if !from.CanAdvanceTo(to) {
		return game.ErrPhaseConflict
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE rounds
		SET phase = $1,
		    settled_at = CASE WHEN $1 = 'settled' THEN now() ELSE settled_at END
		WHERE id = $2 AND phase = $3`,
		string(to), roundID, string(from),
	)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rounds WHERE id = $1)`, roundID).Scan(&exists); err != nil {
			return translateErr(err)
		}
		if !exists {
			return game.ErrRoundNotFound
		}
		return game.ErrPhaseConflict
	}
	return nil
}

func (p *Postgres) InsertBet(ctx context.Context, bet *game.Bet) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		var phase string
		err := tx.QueryRow(ctx, `SELECT phase FROM rounds WHERE id = $1 FOR UPDATE`, bet.RoundID).Scan(&phase)
		if errors.Is(err, pgx.ErrNoRows) {
			return game.ErrRoundNotFound
		}
		if err != nil {
			return err
		}
		if game.Phase(phase) != game.PhaseAcceptingBets {
			return game.ErrRoundNotAcceptingBets
		}

		var balance, currency string
		err = tx.QueryRow(ctx, `SELECT balance::text, currency FROM accounts WHERE id = $1 FOR UPDATE`, bet.AccountID).Scan(&balance, &currency)
		if errors.Is(err, pgx.ErrNoRows) {
			return game.ErrInsufficientBalance
		}
		if err != nil {
			return err
		}
		if currency != bet.Currency {
			return game.ErrCurrencyMismatch
		}
		bal, err := decimal.NewFromString(balance)
		if err != nil {
			return err
		}
		if bal.LessThan(bet.Stake) {
			return game.ErrInsufficientBalance
		}

		if _, err := tx.Exec(ctx, `
			UPDATE accounts SET balance = balance - $1, updated_at = now() WHERE id = $2`,
			bet.Stake.String(), bet.AccountID,
		); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO bets (id, account_id, round_id, stake, currency, auto_cashout, payout, settled, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, false, $7)`,
			bet.ID, bet.AccountID, bet.RoundID, bet.Stake.String(), bet.Currency, bet.AutoCashout, bet.CreatedAt,
		)
		return err
	})
}

func (p *Postgres) SettleBetCashout(ctx context.Context, betID string, multiplier, payout decimal.Decimal) (*game.Bet, error) {
	var settled *game.Bet
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		// round_id is immutable on a bet, safe to read unlocked.
		var roundID string
		err := tx.QueryRow(ctx, `SELECT round_id FROM bets WHERE id = $1`, betID).Scan(&roundID)
		if errors.Is(err, pgx.ErrNoRows) {
			return game.ErrBetNotFound
		}
		if err != nil {
			return err
		}

		// Lock the round for the duration of the credit. The phase read and
		// the payout write commit as one unit; a crash that already flipped
		// the phase forecloses this cash-out.
		var phase string
		if err := tx.QueryRow(ctx, `SELECT phase FROM rounds WHERE id = $1 FOR UPDATE`, roundID).Scan(&phase); err != nil {
			return err
		}
		if game.Phase(phase) != game.PhaseLive {
			return game.ErrRoundNotLive
		}

		row := tx.QueryRow(ctx, `SELECT `+betColumns+` FROM bets WHERE id = $1 FOR UPDATE`, betID)
		bet, err := scanBet(row)
		if err != nil {
			return err
		}
		if bet.Settled || bet.CashoutMultiplier != nil {
			return game.ErrBetAlreadySettled
		}

		if _, err := tx.Exec(ctx, `
			UPDATE bets SET cashout_multiplier = $1, payout = $2, settled = true WHERE id = $3`,
			multiplier.String(), payout.String(), betID,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE accounts SET balance = balance + $1, updated_at = now() WHERE id = $2`,
			payout.String(), bet.AccountID,
		); err != nil {
			return err
		}

		bet.CashoutMultiplier = &multiplier
		bet.Payout = payout
		bet.Settled = true
		settled = bet
		return nil
	})
	if err != nil {
		return nil, err
	}
	return settled, nil
}

func (p *Postgres) SettleRoundLosses(ctx context.Context, roundID string) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE bets SET settled = true, payout = 0 WHERE round_id = $1 AND settled = false`,
		roundID,
	)
	if err != nil {
		return 0, translateErr(err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) RoundBets(ctx context.Context, roundID string) ([]*game.Bet, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+betColumns+` FROM bets WHERE round_id = $1 AND settled = false`, roundID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []*game.Bet
	for rows.Next() {
		bet, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, bet)
	}
	return out, translateErr(rows.Err())
}

func (p *Postgres) GetBet(ctx context.Context, betID string) (*game.Bet, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+betColumns+` FROM bets WHERE id = $1`, betID)
	return scanBet(row)
}

func (p *Postgres) GetAccount(ctx context.Context, accountID string) (*game.Account, error) {
	var acc game.Account
	var balance string
	err := p.pool.QueryRow(ctx, `
		SELECT id, currency, balance::text, created_at, updated_at FROM accounts WHERE id = $1`, accountID).
		Scan(&acc.ID, &acc.Currency, &balance, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, game.ErrAccountNotFound
	}
	if err != nil {
		return nil, translateErr(err)
	}
	acc.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (p *Postgres) Deposit(ctx context.Context, accountID, currency string, amount decimal.Decimal) (*game.Account, error) {
	var acc game.Account
	var balance string
	// The conflict update is guarded on currency: a deposit in the wrong
	// denomination updates no row, so RETURNING yields nothing.
	err := p.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, currency, balance, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (id) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance, updated_at = now()
		WHERE accounts.currency = EXCLUDED.currency
		RETURNING id, currency, balance::text, created_at, updated_at`,
		accountID, currency, amount.String(),
	).Scan(&acc.ID, &acc.Currency, &balance, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, game.ErrCurrencyMismatch
	}
	if err != nil {
		return nil, translateErr(err)
	}
	acc.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (p *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return translateErr(err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return translateErr(err)
	}
	return translateErr(tx.Commit(ctx))
}

const betColumns = `id, account_id, round_id, stake::text, currency, auto_cashout, cashout_multiplier::text, payout::text, settled, created_at`

func scanBet(row pgx.Row) (*game.Bet, error) {
	var bet game.Bet
	var stake, payout string
	var cashout *string
	err := row.Scan(&bet.ID, &bet.AccountID, &bet.RoundID, &stake, &bet.Currency,
		&bet.AutoCashout, &cashout, &payout, &bet.Settled, &bet.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, game.ErrBetNotFound
	}
	if err != nil {
		return nil, translateErr(err)
	}
	if bet.Stake, err = decimal.NewFromString(stake); err != nil {
		return nil, err
	}
	if bet.Payout, err = decimal.NewFromString(payout); err != nil {
		return nil, err
	}
	if cashout != nil {
		m, err := decimal.NewFromString(*cashout)
		if err != nil {
			return nil, err
		}
		bet.CashoutMultiplier = &m
	}
	return &bet, nil
}

func scanRound(row pgx.Row) (*game.Round, error) {
	var r game.Round
	var phase string
	err := row.Scan(&r.ID, &r.SecretSeed, &r.PlayerSeed, &r.CommitmentHash,
		&r.OutcomeMultiplier, &phase, &r.BettingEndsAt, &r.StartedAt, &r.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, game.ErrRoundNotFound
	}
	if err != nil {
		return nil, translateErr(err)
	}
	r.Phase = game.Phase(phase)
	return &r, nil
}

// translateErr maps driver errors onto the game taxonomy. Unique violations
// come from the (account_id, round_id) constraint; check violations come from
// the non-negative balance constraint, the storage-level backstop behind the
// ledger's own balance check. Serialization failures and dead connections are
// transient and retried by callers.
func translateErr(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return game.ErrDuplicateBet
		case "23514": // check_violation
			return game.ErrInsufficientBalance
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return game.ErrStoreUnavailable
		}
	}
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return game.ErrStoreUnavailable
	}
	return err
}

var _ game.Store = (*Postgres)(nil)

// ConnectTimeout is how long NewPostgresPool waits for the first ping.
const ConnectTimeout = 5 * time.Second

// NewPostgresPool dials the database and verifies the connection.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
