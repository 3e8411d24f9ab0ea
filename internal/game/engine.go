package game

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Engine drives the round lifecycle: it is the only writer of round phase,
// the only initiator of settlement, and the single source of truth for the
// current multiplier used to authorize cash-outs. Exactly one engine loop is
// active system-wide; request handlers talk to it only through CurrentTick
// and CurrentRound snapshots.
type Engine struct {
	cfg    Config
	store  Store
	ledger *Ledger
	pub    Publisher

	mu         sync.RWMutex
	current    *Round
	multiplier float64

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewEngine(cfg Config, store Store, pub Publisher) *Engine {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Engine{
		cfg:   cfg,
		store: store,
		pub:   pub,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// AttachLedger wires the ledger used for forced settlement and auto-cashouts.
// Must be called before Start. The two-step wiring exists because the ledger
// in turn needs the engine as its TickSource.
func (e *Engine) AttachLedger(l *Ledger) { e.ledger = l }

// Start launches the round loop in its own goroutine.
func (e *Engine) Start() {
	go e.run()
}

// Stop shuts the loop down deterministically and waits for it to drain.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done
}

// CurrentTick implements TickSource. It is the only legitimate origin of a
// cash-out multiplier.
func (e *Engine) CurrentTick() Tick {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current == nil {
		return Tick{Phase: PhaseSettled, Multiplier: MinMultiplier, ServerTime: time.Now().UTC()}
	}
	return Tick{
		RoundID:    e.current.ID,
		Phase:      e.current.Phase,
		Multiplier: e.multiplier,
		ServerTime: time.Now().UTC(),
	}
}

// CurrentRound returns the client-safe snapshot of the round in progress.
func (e *Engine) CurrentRound() *PublicRound {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current == nil {
		return nil
	}
	pub := e.current.Public()
	return &pub
}

// CurrentMultiplier returns the live multiplier as of the last tick.
func (e *Engine) CurrentMultiplier() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.multiplier
}

func (e *Engine) run() {
	defer close(e.done)
	log.Println("[ENGINE] Round loop started")

	for {
		select {
		case <-e.stop:
			log.Println("[ENGINE] Round loop stopped")
			return
		default:
		}

		if !e.runRound() {
			return
		}

		if !e.sleep(e.cfg.RoundPause) {
			log.Println("[ENGINE] Round loop stopped")
			return
		}
	}
}

// runRound plays one full cycle. Returns false when shut down mid-round.
func (e *Engine) runRound() bool {
	ctx := context.Background()

	round := e.newRound()
	if !e.retryUntil("create round", func() error {
		return e.store.CreateRound(ctx, round)
	}) {
		return false
	}

	e.mu.Lock()
	e.current = round
	e.multiplier = MinMultiplier
	e.mu.Unlock()

	log.Printf("[ENGINE] Round %s: commitment %s..., crash point hidden", round.ID, round.CommitmentHash[:16])

	e.pub.Publish(Event{Type: EventRoundAnnounced, Data: RoundAnnounced{
		RoundID:         round.ID,
		CommitmentHash:  round.CommitmentHash,
		PlayerSeed:      round.PlayerSeed,
		BettingWindowMs: e.cfg.BettingWindow.Milliseconds(),
		BettingEndsAt:   round.BettingEndsAt,
	}})

	if !e.sleep(time.Until(round.BettingEndsAt)) {
		return false
	}

	if !e.retryUntil("open flying phase", func() error {
		return e.store.AdvancePhase(ctx, round.ID, PhaseAcceptingBets, PhaseLive)
	}) {
		return false
	}

	e.mu.Lock()
	e.current.Phase = PhaseLive
	e.mu.Unlock()

	if !e.fly(ctx, round) {
		return false
	}

	return e.settle(ctx, round)
}

// fly runs the tick loop. Growth is calibrated so the precomputed outcome is
// reached exactly at the end of the flying window:
//
//	m(t) = 1 + growthRate*t,  growthRate = (outcome-1)/flyingWindow
//
// The rate stays internal; an observer who learns it can invert the formula
// and recover the crash point early.
func (e *Engine) fly(ctx context.Context, round *Round) bool {
	growthRate := (round.OutcomeMultiplier - MinMultiplier) / e.cfg.FlyingWindow.Seconds()
	flyingStart := time.Now()
	autoBets := e.loadAutoCashouts(ctx, round.ID)

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return false
		case <-ticker.C:
		}

		elapsed := time.Since(flyingStart).Seconds()
		m := math.Round((MinMultiplier+growthRate*elapsed)*100) / 100
		crashed := m >= round.OutcomeMultiplier
		if crashed {
			m = round.OutcomeMultiplier
		}

		e.mu.Lock()
		e.multiplier = m
		e.mu.Unlock()

		// Publishing is non-blocking; persistence never delays the next tick.
		e.pub.Publish(Event{Type: EventMultiplierTick, Data: MultiplierTick{
			RoundID:    round.ID,
			Value:      m,
			ServerTime: time.Now().UTC(),
		}})

		if crashed {
			return true
		}

		e.triggerAutoCashouts(ctx, autoBets, m)
	}
}

// settle finalizes the round: the phase flip in the store is the
// authoritative crash instant. A cash-out either commits before it or the
// bet is settled as a loss, never both.
func (e *Engine) settle(ctx context.Context, round *Round) bool {
	// Flip the local snapshot first so CurrentTick stops authorizing
	// cash-outs immediately.
	e.mu.Lock()
	e.current.Phase = PhaseSettled
	e.mu.Unlock()

	if !e.retryUntil("settle round", func() error {
		err := e.store.AdvancePhase(ctx, round.ID, PhaseLive, PhaseSettled)
		if errors.Is(err, ErrPhaseConflict) {
			// Already settled by a prior attempt.
			return nil
		}
		return err
	}) {
		return false
	}

	now := time.Now().UTC()
	e.mu.Lock()
	e.current.SettledAt = &now
	e.mu.Unlock()

	e.pub.Publish(Event{Type: EventRoundSettled, Data: RoundSettled{
		RoundID:           round.ID,
		OutcomeMultiplier: round.OutcomeMultiplier,
		SecretSeed:        round.SecretSeed,
		PlayerSeed:        round.PlayerSeed,
	}})

	// An unresolved bet in an expired round is stuck money, so this write is
	// retried until it lands. Idempotent on the ledger side.
	if !e.retryUntil("settle losses", func() error {
		_, err := e.ledger.SettleRoundLosses(ctx, round.ID)
		return err
	}) {
		return false
	}

	log.Printf("[ENGINE] Round %s settled at %.2fx", round.ID, round.OutcomeMultiplier)
	return true
}

// newRound generates the seed pair and precomputes the outcome. The outcome
// is fixed here, before any bet is accepted, and never recomputed; that is
// the basis of the fairness proof.
func (e *Engine) newRound() *Round {
	secretSeed := GenerateSeed()
	playerSeed := GenerateSeed()
	now := time.Now().UTC()

	return &Round{
		ID:                uuid.NewString(),
		SecretSeed:        secretSeed,
		PlayerSeed:        playerSeed,
		CommitmentHash:    HashCommitment(secretSeed),
		OutcomeMultiplier: OutcomeMultiplier(secretSeed, playerSeed),
		Phase:             PhaseAcceptingBets,
		BettingEndsAt:     now.Add(e.cfg.BettingWindow),
		StartedAt:         now,
	}
}

type autoCashoutBet struct {
	betID     string
	target    float64
	triggered bool
}

// loadAutoCashouts snapshots the round's bets with an auto-cashout target.
// Bets only enter during the betting window, so one load at takeoff is
// complete.
func (e *Engine) loadAutoCashouts(ctx context.Context, roundID string) []*autoCashoutBet {
	bets, err := e.store.RoundBets(ctx, roundID)
	if err != nil {
		log.Printf("[ENGINE] Failed to load auto-cashout targets for round %s: %v", roundID, err)
		return nil
	}
	var out []*autoCashoutBet
	for _, b := range bets {
		if b.AutoCashout > MinMultiplier {
			out = append(out, &autoCashoutBet{betID: b.ID, target: b.AutoCashout})
		}
	}
	return out
}

// triggerAutoCashouts fires ledger cash-outs for bets whose target the live
// multiplier has reached. Runs off the tick goroutine so a slow ledger write
// never delays the next tick; BetAlreadySettled makes double fires harmless.
func (e *Engine) triggerAutoCashouts(ctx context.Context, bets []*autoCashoutBet, multiplier float64) {
	if e.ledger == nil {
		return
	}
	for _, b := range bets {
		if b.triggered || multiplier < b.target {
			continue
		}
		b.triggered = true
		go func(betID string) {
			if _, err := e.ledger.CashOut(ctx, CashOutRequest{BetID: betID}); err != nil {
				log.Printf("[ENGINE] Auto-cashout for bet %s failed: %v", betID, err)
			}
		}(b.betID)
	}
}

// retryUntil runs op with backoff until it succeeds or the engine stops. A
// stalled engine is worse than a delayed round, so store hiccups delay the
// cycle instead of halting it.
func (e *Engine) retryUntil(what string, op func() error) bool {
	for {
		err := op()
		if err == nil {
			return true
		}
		log.Printf("[ENGINE] Failed to %s, retrying in %s: %v", what, e.cfg.RetryBackoff, err)
		if !e.sleep(e.cfg.RetryBackoff) {
			return false
		}
	}
}

// sleep waits for d or until the engine is stopped.
func (e *Engine) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.stop:
		return false
	case <-t.C:
		return true
	}
}
