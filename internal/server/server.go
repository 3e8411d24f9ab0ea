package server

import (
	"context"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"crashgame/internal/cache"
	"crashgame/internal/database"
	"crashgame/internal/game"
	"crashgame/internal/store"
)

type FiberServer struct {
	*fiber.App

	db     database.Service
	cache  cache.Service
	store  game.Store
	engine *game.Engine
	ledger *game.Ledger
	hub    *game.Hub
}

func New() *FiberServer {
	cfg := game.ConfigFromEnv()

	db := database.New()
	gameStore := store.NewPostgres(db.Pool())

	// Redis is optional: without it idempotency falls back to the in-process
	// store and crash history is not kept.
	redisService := cache.New()

	hub := game.NewHub()

	var pub game.Publisher = hub
	var idem game.IdempotencyStore
	if redisService != nil {
		idem = redisService.Idempotency()
		pub = game.MultiPublisher{hub, &historyRecorder{hist: redisService.History()}}
	} else {
		idem = cache.NewMemoryIdempotency()
	}

	engine := game.NewEngine(cfg, gameStore, pub)
	ledger := game.NewLedger(cfg, gameStore, engine, idem, pub)
	engine.AttachLedger(ledger)
	hub.AttachLedger(ledger)

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "crashgame",
			AppName:       "crashgame",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		db:     db,
		cache:  redisService,
		store:  gameStore,
		engine: engine,
		ledger: ledger,
		hub:    hub,
	}

	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
	}))

	go hub.Run()
	engine.Start()

	log.Println("[SERVER] Round engine started")

	return server
}

// Shutdown stops the engine and closes connections.
func (s *FiberServer) Shutdown() error {
	log.Println("[SERVER] Shutting down...")

	if s.engine != nil {
		s.engine.Stop()
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}

	return nil
}

// historyRecorder mirrors settled outcomes into the Redis crash history.
type historyRecorder struct {
	hist *cache.History
}

func (r *historyRecorder) Publish(event game.Event) {
	if event.Type != game.EventRoundSettled {
		return
	}
	settled, ok := event.Data.(game.RoundSettled)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.hist.Record(ctx, settled.OutcomeMultiplier); err != nil {
		log.Printf("[SERVER] Failed to record crash history: %v", err)
	}
}
