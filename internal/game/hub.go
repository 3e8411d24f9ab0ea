package game

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
)

// Client is one connected websocket peer.
type Client struct {
	conn      *websocket.Conn
	accountID string
	mu        sync.Mutex
}

// Hub is the broadcast gateway: it fans phase/multiplier/outcome events out
// to connected clients and relays inbound bet/cash-out intents to the ledger.
// It implements Publisher, so the engine never sees the transport.
type Hub struct {
	ledger *Ledger

	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// AttachLedger wires the ledger inbound intents are relayed to.
func (h *Hub) AttachLedger(l *Ledger) { h.ledger = l }

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Printf("[WS] Client connected: %s (Total: %d)", client.accountID, h.GetClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.conn.Close()
				log.Printf("[WS] Client disconnected: %s (Total: %d)", client.accountID, len(h.clients))
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				log.Printf("[WS] Marshal error: %v", err)
				continue
			}

			h.mu.RLock()
			for client := range h.clients {
				go client.send(data) // Non-blocking send
			}
			h.mu.RUnlock()
		}
	}
}

// Publish implements Publisher. Never blocks the caller: the engine's tick
// cadence must not depend on slow consumers.
func (h *Hub) Publish(event Event) {
	select {
	case h.broadcast <- event:
	default:
		log.Println("[WS] Broadcast channel full, dropping event")
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Intent is an inbound client message: a bet or cash-out wish tagged with an
// idempotency key so a network retry is not double-charged.
type Intent struct {
	Type           string          `json:"type"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Data           json.RawMessage `json:"data"`
}

// IntentResult is the reply sent back on the same connection.
type IntentResult struct {
	Type    string      `json:"type"`
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// HandleIntent relays one inbound message to the ledger. accountID comes from
// the authenticated connection, never from the message body.
func (h *Hub) HandleIntent(ctx context.Context, accountID string, raw []byte) IntentResult {
	var intent Intent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return IntentResult{Type: "error", Code: "BAD_REQUEST", Message: "invalid message"}
	}
	if h.ledger == nil {
		return IntentResult{Type: intent.Type, Code: "SERVICE_UNAVAILABLE", Message: "ledger not available"}
	}

	switch intent.Type {
	case "place_bet":
		var req PlaceBetRequest
		if err := json.Unmarshal(intent.Data, &req); err != nil {
			return IntentResult{Type: intent.Type, Code: "BAD_REQUEST", Message: "invalid bet payload"}
		}
		req.AccountID = accountID
		req.IdempotencyKey = intent.IdempotencyKey
		bet, err := h.ledger.PlaceBet(ctx, req)
		if err != nil {
			return IntentResult{Type: intent.Type, Code: ErrorCode(err), Message: err.Error()}
		}
		return IntentResult{Type: intent.Type, Success: true, Data: bet}

	case "cash_out":
		var req CashOutRequest
		if err := json.Unmarshal(intent.Data, &req); err != nil {
			return IntentResult{Type: intent.Type, Code: "BAD_REQUEST", Message: "invalid cashout payload"}
		}
		req.AccountID = accountID
		req.IdempotencyKey = intent.IdempotencyKey
		bet, err := h.ledger.CashOut(ctx, req)
		if err != nil {
			return IntentResult{Type: intent.Type, Code: ErrorCode(err), Message: err.Error()}
		}
		return IntentResult{Type: intent.Type, Success: true, Data: bet}

	default:
		return IntentResult{Type: intent.Type, Code: "BAD_REQUEST", Message: fmt.Sprintf("unknown intent %q", intent.Type)}
	}
}

func (c *Client) send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[WS] Write error for account %s: %v", c.accountID, err)
	}
}

// SendInitialState pushes the current round snapshot to a fresh connection.
func (c *Client) SendInitialState(round *PublicRound) {
	if round == nil {
		return
	}
	data, err := json.Marshal(Event{Type: "initial_state", Data: round})
	if err != nil {
		return
	}
	c.send(data)
}

func (h *Hub) RegisterClient(conn *websocket.Conn, accountID string) *Client {
	client := &Client{
		conn:      conn,
		accountID: accountID,
	}
	h.register <- client
	return client
}

func (h *Hub) UnregisterClient(conn *websocket.Conn) {
	h.mu.RLock()
	for client := range h.clients {
		if client.conn == conn {
			h.mu.RUnlock()
			h.unregister <- client
			return
		}
	}
	h.mu.RUnlock()
}
