package server

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"crashgame/internal/game"
)

// getGameStateHandler returns the engine's public snapshot of the round in
// progress, plus the live multiplier.
func (s *FiberServer) getGameStateHandler(c *fiber.Ctx) error {
	round := s.engine.CurrentRound()
	if round == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No active game round",
		})
	}
	return c.JSON(fiber.Map{
		"round":      round,
		"multiplier": s.engine.CurrentMultiplier(),
	})
}

// getRoundHandler returns a stored round. Outcome fields are populated only
// once the round is settled.
func (s *FiberServer) getRoundHandler(c *fiber.Ctx) error {
	round, err := s.store.GetRound(c.Context(), c.Params("roundId"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(round.Public())
}

func (s *FiberServer) getHistoryHandler(c *fiber.Ctx) error {
	if s.cache == nil {
		return c.JSON(fiber.Map{"history": []float64{}})
	}
	n, _ := strconv.ParseInt(c.Query("limit", "20"), 10, 64)
	history, err := s.cache.History().Recent(c.Context(), n)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(fiber.Map{"history": history})
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req game.PlaceBetRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	req.AccountID = accountID(c, req.AccountID)
	if req.AccountID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Account ID is required",
		})
	}
	if key := c.Get("X-Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	bet, err := s.ledger.PlaceBet(c.Context(), req)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(bet)
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	var req game.CashOutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	req.AccountID = accountID(c, req.AccountID)
	if req.BetID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Bet ID is required",
		})
	}
	if key := c.Get("X-Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	bet, err := s.ledger.CashOut(c.Context(), req)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(bet)
}

// verifyHandler lets anyone recompute a settled round's outcome from its
// disclosed seeds. Works from an explicit seed triple or from a round id.
func (s *FiberServer) verifyHandler(c *fiber.Ctx) error {
	if roundID := c.Query("round_id"); roundID != "" {
		round, err := s.store.GetRound(c.Context(), roundID)
		if err != nil {
			return errorJSON(c, err)
		}
		if round.Phase != game.PhaseSettled {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Round is not settled yet",
			})
		}
		return c.JSON(fiber.Map{
			"round_id":           round.ID,
			"secret_seed":        round.SecretSeed,
			"player_seed":        round.PlayerSeed,
			"commitment_hash":    round.CommitmentHash,
			"outcome_multiplier": round.OutcomeMultiplier,
			"valid": game.VerifyOutcome(round.SecretSeed, round.PlayerSeed,
				round.CommitmentHash, round.OutcomeMultiplier),
		})
	}

	secretSeed := c.Query("secret_seed")
	commitment := c.Query("commitment")
	claimed, err := strconv.ParseFloat(c.Query("claimed"), 64)
	if secretSeed == "" || commitment == "" || err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "secret_seed, commitment and claimed are required",
		})
	}
	return c.JSON(fiber.Map{
		"valid": game.VerifyOutcome(secretSeed, c.Query("player_seed"), commitment, claimed),
	})
}

func (s *FiberServer) getBalanceHandler(c *fiber.Ctx) error {
	account, err := s.store.GetAccount(c.Context(), c.Params("accountId"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(account)
}

// depositHandler credits an account, creating it on first use. This is the
// admin/testing entry point; production deposits arrive through the wallet
// rails upstream.
func (s *FiberServer) depositHandler(c *fiber.Ctx) error {
	var body struct {
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if !body.Amount.IsPositive() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Amount must be positive",
		})
	}
	if body.Currency == "" {
		body.Currency = "USD"
	}

	account, err := s.store.Deposit(c.Context(), c.Params("accountId"), body.Currency, body.Amount)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(account)
}

// accountID resolves the acting account: header first (set by the auth
// boundary), body as a fallback for trusted callers.
func accountID(c *fiber.Ctx, fromBody string) string {
	if id := c.Get("X-Account-ID"); id != "" {
		return id
	}
	return fromBody
}

// errorJSON renders a ledger error with its stable code so clients can
// distinguish "round already started" from "you already bet this round".
func errorJSON(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(fiber.Map{
		"code":  game.ErrorCode(err),
		"error": err.Error(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, game.ErrRoundNotFound),
		errors.Is(err, game.ErrBetNotFound),
		errors.Is(err, game.ErrAccountNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, game.ErrInvalidStake),
		errors.Is(err, game.ErrUnsupportedCurrency):
		return fiber.StatusBadRequest
	case errors.Is(err, game.ErrRoundNotAcceptingBets),
		errors.Is(err, game.ErrRoundNotLive),
		errors.Is(err, game.ErrDuplicateBet),
		errors.Is(err, game.ErrBetAlreadySettled),
		errors.Is(err, game.ErrCurrencyMismatch),
		errors.Is(err, game.ErrInsufficientBalance):
		return fiber.StatusConflict
	case errors.Is(err, game.ErrServiceUnavailable),
		errors.Is(err, game.ErrStoreUnavailable):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
