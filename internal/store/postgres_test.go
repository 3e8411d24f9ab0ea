package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"crashgame/internal/game"
)

func isDockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.DaemonHost(ctx)
	if err != nil {
		return false
	}
	return provider.Health(ctx) == nil
}

// startPostgres launches a disposable database, applies the schema and hands
// back a connected pool. The in-memory tests in this package still run when
// Docker is absent; only this suite is skipped.
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("SKIP_INTEGRATION") != "" {
		t.Skip("SKIP_INTEGRATION is set")
	}
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		t.Skip("docker is not available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := postgres.Run(
		ctx,
		"postgres:latest",
		postgres.WithDatabase("crashgame"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	migrationsPath, err := filepath.Abs("../../migrations")
	require.NoError(t, err)
	migrator, err := migrate.New("file://"+migrationsPath, dsn)
	require.NoError(t, err)
	require.NoError(t, migrator.Up())
	migrator.Close()

	pool, err := NewPostgresPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

func pgRound(t *testing.T, p *Postgres, phase game.Phase) *game.Round {
	t.Helper()
	ctx := context.Background()

	round := &game.Round{
		ID:                uuid.NewString(),
		SecretSeed:        game.GenerateSeed(),
		PlayerSeed:        game.GenerateSeed(),
		CommitmentHash:    game.HashCommitment(game.GenerateSeed()),
		OutcomeMultiplier: 2.00,
		Phase:             game.PhaseAcceptingBets,
		BettingEndsAt:     time.Now().Add(time.Minute).UTC(),
		StartedAt:         time.Now().UTC(),
	}
	require.NoError(t, p.CreateRound(ctx, round))
	if phase == game.PhaseLive || phase == game.PhaseSettled {
		require.NoError(t, p.AdvancePhase(ctx, round.ID, game.PhaseAcceptingBets, game.PhaseLive))
	}
	if phase == game.PhaseSettled {
		require.NoError(t, p.AdvancePhase(ctx, round.ID, game.PhaseLive, game.PhaseSettled))
	}
	round.Phase = phase
	return round
}

func pgBet(accountID, roundID string, stake int64) *game.Bet {
	return &game.Bet{
		ID:        uuid.NewString(),
		AccountID: accountID,
		RoundID:   roundID,
		Stake:     decimal.NewFromInt(stake),
		Currency:  "USD",
		CreatedAt: time.Now().UTC(),
	}
}

func TestPostgres(t *testing.T) {
	pool := startPostgres(t)
	p := NewPostgres(pool)
	ctx := context.Background()

	t.Run("RoundLifecycle", func(t *testing.T) {
		round := pgRound(t, p, game.PhaseAcceptingBets)

		stored, err := p.GetRound(ctx, round.ID)
		require.NoError(t, err)
		assert.Equal(t, round.SecretSeed, stored.SecretSeed)
		assert.Equal(t, game.PhaseAcceptingBets, stored.Phase)
		assert.Nil(t, stored.SettledAt)

		// Stale CAS and backward transitions both lose.
		err = p.AdvancePhase(ctx, round.ID, game.PhaseLive, game.PhaseSettled)
		assert.ErrorIs(t, err, game.ErrPhaseConflict)

		require.NoError(t, p.AdvancePhase(ctx, round.ID, game.PhaseAcceptingBets, game.PhaseLive))
		err = p.AdvancePhase(ctx, round.ID, game.PhaseLive, game.PhaseAcceptingBets)
		assert.ErrorIs(t, err, game.ErrPhaseConflict)

		require.NoError(t, p.AdvancePhase(ctx, round.ID, game.PhaseLive, game.PhaseSettled))

		stored, err = p.GetRound(ctx, round.ID)
		require.NoError(t, err)
		assert.Equal(t, game.PhaseSettled, stored.Phase)
		assert.NotNil(t, stored.SettledAt)

		err = p.AdvancePhase(ctx, uuid.NewString(), game.PhaseAcceptingBets, game.PhaseLive)
		assert.ErrorIs(t, err, game.ErrRoundNotFound)
	})

	t.Run("BetInsertAndDuplicate", func(t *testing.T) {
		round := pgRound(t, p, game.PhaseAcceptingBets)
		account := uuid.NewString()

		_, err := p.Deposit(ctx, account, "USD", decimal.NewFromInt(100))
		require.NoError(t, err)

		require.NoError(t, p.InsertBet(ctx, pgBet(account, round.ID, 10)))

		acc, err := p.GetAccount(ctx, account)
		require.NoError(t, err)
		assert.True(t, acc.Balance.Equal(decimal.NewFromInt(90)), "got %s", acc.Balance)

		// The unique constraint holds even for a second bet row.
		err = p.InsertBet(ctx, pgBet(account, round.ID, 5))
		assert.ErrorIs(t, err, game.ErrDuplicateBet)

		// The rejected insert must not have debited anything.
		acc, err = p.GetAccount(ctx, account)
		require.NoError(t, err)
		assert.True(t, acc.Balance.Equal(decimal.NewFromInt(90)))
	})

	t.Run("InsufficientBalance", func(t *testing.T) {
		round := pgRound(t, p, game.PhaseAcceptingBets)
		account := uuid.NewString()

		_, err := p.Deposit(ctx, account, "USD", decimal.NewFromInt(5))
		require.NoError(t, err)

		err = p.InsertBet(ctx, pgBet(account, round.ID, 10))
		assert.ErrorIs(t, err, game.ErrInsufficientBalance)

		err = p.InsertBet(ctx, pgBet(uuid.NewString(), round.ID, 10))
		assert.ErrorIs(t, err, game.ErrInsufficientBalance, "unknown account reads as no funds")
	})

	t.Run("BetsRejectedOutsideWindow", func(t *testing.T) {
		round := pgRound(t, p, game.PhaseLive)
		account := uuid.NewString()

		_, err := p.Deposit(ctx, account, "USD", decimal.NewFromInt(100))
		require.NoError(t, err)

		err = p.InsertBet(ctx, pgBet(account, round.ID, 10))
		assert.ErrorIs(t, err, game.ErrRoundNotAcceptingBets)
	})

	t.Run("CashoutFlow", func(t *testing.T) {
		round := pgRound(t, p, game.PhaseAcceptingBets)
		account := uuid.NewString()

		_, err := p.Deposit(ctx, account, "USD", decimal.NewFromInt(100))
		require.NoError(t, err)

		bet := pgBet(account, round.ID, 10)
		require.NoError(t, p.InsertBet(ctx, bet))
		require.NoError(t, p.AdvancePhase(ctx, round.ID, game.PhaseAcceptingBets, game.PhaseLive))

		multiplier := decimal.RequireFromString("2.5")
		payout := decimal.RequireFromString("24.75")

		settled, err := p.SettleBetCashout(ctx, bet.ID, multiplier, payout)
		require.NoError(t, err)
		assert.True(t, settled.Settled)
		require.NotNil(t, settled.CashoutMultiplier)
		assert.True(t, settled.CashoutMultiplier.Equal(multiplier))
		assert.True(t, settled.Payout.Equal(payout))

		_, err = p.SettleBetCashout(ctx, bet.ID, multiplier, payout)
		assert.ErrorIs(t, err, game.ErrBetAlreadySettled)

		acc, err := p.GetAccount(ctx, account)
		require.NoError(t, err)
		assert.True(t, acc.Balance.Equal(decimal.RequireFromString("114.75")), "got %s", acc.Balance)
	})

	t.Run("CashoutForeclosedAfterCrash", func(t *testing.T) {
		round := pgRound(t, p, game.PhaseAcceptingBets)
		account := uuid.NewString()

		_, err := p.Deposit(ctx, account, "USD", decimal.NewFromInt(100))
		require.NoError(t, err)

		bet := pgBet(account, round.ID, 10)
		require.NoError(t, p.InsertBet(ctx, bet))
		require.NoError(t, p.AdvancePhase(ctx, round.ID, game.PhaseAcceptingBets, game.PhaseLive))
		require.NoError(t, p.AdvancePhase(ctx, round.ID, game.PhaseLive, game.PhaseSettled))

		_, err = p.SettleBetCashout(ctx, bet.ID, decimal.NewFromInt(2), decimal.RequireFromString("19.80"))
		assert.ErrorIs(t, err, game.ErrRoundNotLive)

		// No credit on the foreclosed path.
		acc, err := p.GetAccount(ctx, account)
		require.NoError(t, err)
		assert.True(t, acc.Balance.Equal(decimal.NewFromInt(90)))
	})

	t.Run("LossSettlementIdempotent", func(t *testing.T) {
		round := pgRound(t, p, game.PhaseAcceptingBets)

		for i := 0; i < 3; i++ {
			account := uuid.NewString()
			_, err := p.Deposit(ctx, account, "USD", decimal.NewFromInt(100))
			require.NoError(t, err)
			require.NoError(t, p.InsertBet(ctx, pgBet(account, round.ID, 10)))
		}
		require.NoError(t, p.AdvancePhase(ctx, round.ID, game.PhaseAcceptingBets, game.PhaseLive))
		require.NoError(t, p.AdvancePhase(ctx, round.ID, game.PhaseLive, game.PhaseSettled))

		n, err := p.SettleRoundLosses(ctx, round.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		n, err = p.SettleRoundLosses(ctx, round.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		bets, err := p.RoundBets(ctx, round.ID)
		require.NoError(t, err)
		assert.Empty(t, bets, "RoundBets only reports unresolved bets")
	})

	t.Run("CurrencyIsolation", func(t *testing.T) {
		round := pgRound(t, p, game.PhaseAcceptingBets)
		account := uuid.NewString()

		_, err := p.Deposit(ctx, account, "USD", decimal.NewFromInt(100))
		require.NoError(t, err)

		// A EUR stake never debits a USD balance.
		bet := pgBet(account, round.ID, 10)
		bet.Currency = "EUR"
		err = p.InsertBet(ctx, bet)
		assert.ErrorIs(t, err, game.ErrCurrencyMismatch)

		acc, err := p.GetAccount(ctx, account)
		require.NoError(t, err)
		assert.True(t, acc.Balance.Equal(decimal.NewFromInt(100)))

		// A deposit in a foreign denomination must not be summed into the
		// existing balance.
		_, err = p.Deposit(ctx, account, "EUR", decimal.NewFromInt(50))
		assert.ErrorIs(t, err, game.ErrCurrencyMismatch)

		acc, err = p.GetAccount(ctx, account)
		require.NoError(t, err)
		assert.True(t, acc.Balance.Equal(decimal.NewFromInt(100)))
		assert.Equal(t, "USD", acc.Currency)
	})

	t.Run("DepositUpserts", func(t *testing.T) {
		account := uuid.NewString()

		acc, err := p.Deposit(ctx, account, "EUR", decimal.RequireFromString("10.50"))
		require.NoError(t, err)
		assert.True(t, acc.Balance.Equal(decimal.RequireFromString("10.50")))

		acc, err = p.Deposit(ctx, account, "EUR", decimal.RequireFromString("4.50"))
		require.NoError(t, err)
		assert.True(t, acc.Balance.Equal(decimal.NewFromInt(15)))

		_, err = p.GetAccount(ctx, uuid.NewString())
		assert.ErrorIs(t, err, game.ErrAccountNotFound)
	})
}
