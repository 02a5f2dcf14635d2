// Package feed ingests real-time market and stake events pushed by the CAST
// chain indexer over WebSocket.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// MarketCreatedEvent is pushed when a market contract is deployed.
type MarketCreatedEvent struct {
	MarketID  string    `json:"market_id"`
	Claim     string    `json:"claim"`
	Category  string    `json:"category"`
	Creator   string    `json:"creator"`
	EndTime   time.Time `json:"end_time"`
	CreatedAt time.Time `json:"created_at"`
}

// StakeEvent is pushed for every on-chain stake on a market.
type StakeEvent struct {
	MarketID string    `json:"market_id"`
	Staker   string    `json:"staker"`
	Side     string    `json:"side"`
	Amount   float64   `json:"amount"`
	StakedAt time.Time `json:"staked_at"`
}

// EvidenceEvent is pushed for every evidence submission relayed by the
// indexer.
type EvidenceEvent struct {
	MarketID    string    `json:"market_id"`
	Submitter   string    `json:"submitter"`
	Content     string    `json:"content"`
	Links       []string  `json:"links"`
	Language    string    `json:"language"`
	Supports    string    `json:"supports"`
	Attachment  []byte    `json:"attachment,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// DisputeEvent is pushed when a token holder files a dispute against a
// preliminary resolution.
type DisputeEvent struct {
	MarketID     string     `json:"market_id"`
	Disputer     string     `json:"disputer"`
	Reason       string     `json:"reason"`
	Evidence     string     `json:"evidence"`
	Sources      []string   `json:"sources"`
	EvidenceDate *time.Time `json:"evidence_date,omitempty"`
	Bond         float64    `json:"bond"`
	FiledAt      time.Time  `json:"filed_at"`
}

// MarketCreatedHandler is called for each market_created message.
type MarketCreatedHandler func(MarketCreatedEvent)

// StakeHandler is called for each stake message.
type StakeHandler func(StakeEvent)

// EvidenceHandler is called for each evidence message.
type EvidenceHandler func(EvidenceEvent)

// DisputeHandler is called for each dispute message.
type DisputeHandler func(DisputeEvent)

// subscribeCommand is the JSON command sent to the indexer on connect.
type subscribeCommand struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// IndexerClient is a WebSocket client for the CAST indexer push feed. It
// manages the connection lifecycle and dispatches messages to registered
// handlers, reconnecting with exponential backoff on disconnect.
type IndexerClient struct {
	wsURL string
	conn  *websocket.Conn

	mu     sync.RWMutex
	closed bool

	// Channels to restore on reconnect.
	channels []string

	marketHandlers   []MarketCreatedHandler
	stakeHandlers    []StakeHandler
	evidenceHandlers []EvidenceHandler
	disputeHandlers  []DisputeHandler
	handlerMu        sync.RWMutex

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewIndexerClient creates a client for the given indexer WebSocket URL.
func NewIndexerClient(wsURL string) *IndexerClient {
	return &IndexerClient{
		wsURL: wsURL,
		done:  make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and restores subscriptions.
func (c *IndexerClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("feed: client closed")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}

	c.conn = conn

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readLoop()
	go c.pingLoop()

	if len(c.channels) > 0 {
		if err := c.sendCommand(subscribeCommand{Type: "subscribe", Channels: c.channels}); err != nil {
			return fmt.Errorf("feed: restore subscription: %w", err)
		}
	}

	return nil
}

// Subscribe subscribes to the given indexer channels. Valid channels are
// "market_created", "stake", "evidence", and "dispute".
func (c *IndexerClient) Subscribe(ctx context.Context, channels []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("feed: not connected")
	}

	if err := c.sendCommand(subscribeCommand{Type: "subscribe", Channels: channels}); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	c.channels = append(c.channels, channels...)
	return nil
}

// Close shuts down the WebSocket connection and stops the read loop.
func (c *IndexerClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.done)

	if c.conn != nil {
		_ = c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return c.conn.Close()
	}
	return nil
}

// OnMarketCreated registers a handler for market_created messages.
func (c *IndexerClient) OnMarketCreated(handler MarketCreatedHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.marketHandlers = append(c.marketHandlers, handler)
}

// OnStake registers a handler for stake messages.
func (c *IndexerClient) OnStake(handler StakeHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.stakeHandlers = append(c.stakeHandlers, handler)
}

// OnEvidence registers a handler for evidence messages.
func (c *IndexerClient) OnEvidence(handler EvidenceHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.evidenceHandlers = append(c.evidenceHandlers, handler)
}

// OnDispute registers a handler for dispute messages.
func (c *IndexerClient) OnDispute(handler DisputeHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.disputeHandlers = append(c.disputeHandlers, handler)
}

// sendCommand sends a JSON command to the WebSocket. Caller must hold c.mu.
func (c *IndexerClient) sendCommand(cmd subscribeCommand) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop continuously reads messages and dispatches them to handlers. On
// disconnect it hands off to reconnect.
func (c *IndexerClient) readLoop() {
	defer func() {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}

			c.reconnect()
			return // readLoop is restarted by reconnect -> Connect
		}

		c.handleMessage(message)
	}
}

// pingLoop sends periodic ping messages to keep the WebSocket alive.
func (c *IndexerClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw WebSocket message and routes it by event type.
func (c *IndexerClient) handleMessage(raw []byte) {
	var envelope struct {
		Event string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return // Silently drop unparseable messages.
	}

	switch envelope.Event {
	case "market_created":
		var ev MarketCreatedEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}

		c.handlerMu.RLock()
		handlers := c.marketHandlers
		c.handlerMu.RUnlock()

		for _, h := range handlers {
			h(ev)
		}

	case "stake":
		var ev StakeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}

		c.handlerMu.RLock()
		handlers := c.stakeHandlers
		c.handlerMu.RUnlock()

		for _, h := range handlers {
			h(ev)
		}

	case "evidence":
		var ev EvidenceEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}

		c.handlerMu.RLock()
		handlers := c.evidenceHandlers
		c.handlerMu.RUnlock()

		for _, h := range handlers {
			h(ev)
		}

	case "dispute":
		var ev DisputeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}

		c.handlerMu.RLock()
		handlers := c.disputeHandlers
		c.handlerMu.RUnlock()

		for _, h := range handlers {
			h(ev)
		}
	}
}

// reconnect re-establishes the connection with exponential backoff. It blocks
// until successful or the client is closed.
func (c *IndexerClient) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-c.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := c.Connect(ctx)
		cancel()

		if err == nil {
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
