package game

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
)

const (
	MinMultiplier = 1.00
	MaxMultiplier = 10000.00

	// outcomeBase is the modulo base the digest prefix is reduced by before
	// the inverse mapping. Fairness verification depends on byte-exact
	// reproducibility, so this constant must never change for live rounds.
	outcomeBase = 10000

	// outcomeCap keeps 1/(1-n) finite.
	outcomeCap = 0.9999
)

// GenerateSeed creates a cryptographically secure random seed (64 hex chars).
func GenerateSeed() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// HashCommitment is the one-way commitment to a secret seed, published before
// any bet is accepted.
func HashCommitment(secretSeed string) string {
	h := sha256.Sum256([]byte(secretSeed))
	return hex.EncodeToString(h[:])
}

// OutcomeMultiplier maps a seed pair to the round's crash point. Pure and
// deterministic: any third party can recompute it from the disclosed seeds
// after settlement.
//
// The digest prefix is reduced modulo a fixed base to a normalized n in
// [0, 1), then mapped through m = 1/(1-n). The inverse mapping is what makes
// low multipliers common and large ones rare; the distribution is part of the
// RTP contract and must be preserved exactly.
func OutcomeMultiplier(secretSeed, playerSeed string) float64 {
	h := sha256.Sum256([]byte(secretSeed + playerSeed))
	digest := hex.EncodeToString(h[:])

	v, _ := strconv.ParseUint(digest[:8], 16, 64)
	n := float64(v%outcomeBase) / float64(outcomeBase)

	return multiplierFromNormalized(n)
}

// multiplierFromNormalized applies the inverse-distribution mapping to a
// normalized value in [0, 1). Split out so the formula itself is testable
// against known points (n=0.5 -> 2.00, n=0.9 -> 10.00).
func multiplierFromNormalized(n float64) float64 {
	if n < 0 {
		n = 0
	}
	if n > outcomeCap {
		n = outcomeCap
	}

	m := 1.0 / (1.0 - n)

	if m < MinMultiplier {
		m = MinMultiplier
	}
	if m > MaxMultiplier {
		m = MaxMultiplier
	}

	// Round to 2 decimal places for presentation and comparison consistency.
	return math.Round(m*100) / 100
}

// VerifyOutcome recomputes the commitment and the crash point from disclosed
// seeds and compares byte-for-byte / value-for-value. This is the player-side
// fairness check.
func VerifyOutcome(secretSeed, playerSeed, commitment string, claimed float64) bool {
	if HashCommitment(secretSeed) != commitment {
		return false
	}
	return OutcomeMultiplier(secretSeed, playerSeed) == claimed
}
