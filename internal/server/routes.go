package server

import (
	"context"
	"encoding/json"
	"log"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type,X-Account-ID,X-Idempotency-Key",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")

	api.Get("/game/state", s.getGameStateHandler)
	api.Get("/game/history", s.getHistoryHandler)
	api.Get("/game/rounds/:roundId", s.getRoundHandler)
	api.Post("/game/bet", s.placeBetHandler)
	api.Post("/game/cashout", s.cashoutHandler)
	api.Get("/fair/verify", s.verifyHandler)
	api.Get("/accounts/:accountId/balance", s.getBalanceHandler)
	api.Post("/accounts/:accountId/deposit", s.depositHandler)

	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler))
}

// gameWebSocketHandler attaches a client to the broadcast hub and relays its
// intents to the ledger. The account id comes from the connection, resolved
// by the auth boundary upstream; message bodies cannot impersonate.
func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	accountID := conn.Query("account_id", "anonymous")

	log.Printf("[WS] New connection from account: %s", accountID)

	client := s.hub.RegisterClient(conn, accountID)
	client.SendInitialState(s.engine.CurrentRound())

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[WS] Read error for account %s: %v", accountID, err)
			s.hub.UnregisterClient(conn)
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if isPing(message) {
			pong, _ := json.Marshal(map[string]string{"type": "pong"})
			conn.WriteMessage(websocket.TextMessage, pong)
			continue
		}

		result := s.hub.HandleIntent(context.Background(), accountID, message)
		reply, err := json.Marshal(result)
		if err != nil {
			continue
		}
		conn.WriteMessage(websocket.TextMessage, reply)
	}
}

func isPing(message []byte) bool {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &envelope); err != nil {
		return false
	}
	return envelope.Type == "ping"
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	health := fiber.Map{
		"database": s.db.Health(),
		"game": fiber.Map{
			"status":            "running",
			"connected_clients": s.hub.GetClientCount(),
		},
	}
	if s.cache != nil {
		health["cache"] = s.cache.Health()
	}
	return c.JSON(health)
}
