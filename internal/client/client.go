// Package client is a subscriber-side connection to the relay hub. It
// maintains the WebSocket across daemon restarts with backoff, replays
// commands queued while disconnected, and hands every inbound frame to
// a caller-supplied handler. CLI subcommands and external observers use
// it instead of dialing raw sockets.
package client

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MessageHandler receives every non-internal frame from the hub.
type MessageHandler func(msgType string, payload json.RawMessage)

// DefaultBackoff is the reconnect schedule in milliseconds. After the
// last entry the client keeps retrying at that interval.
var DefaultBackoff = []int{500, 1000, 2000, 5000, 10000, 30000}

type Client struct {
	url     string
	token   string
	backoff []int

	mu           sync.Mutex
	conn         *websocket.Conn
	reconnecting bool

	onMessage MessageHandler
	onConnect func()
	outbox    *Outbox
	done      chan struct{}
	closeOnce sync.Once
}

func New(url, token string, backoff []int) *Client {
	if len(backoff) == 0 {
		backoff = DefaultBackoff
	}
	return &Client{
		url:     url,
		token:   token,
		backoff: backoff,
		done:    make(chan struct{}),
	}
}

// SetOutbox enables durable queuing of commands issued while offline.
func (c *Client) SetOutbox(o *Outbox) { c.outbox = o }

func (c *Client) SetMessageHandler(h MessageHandler) { c.onMessage = h }

// SetOnConnect registers a callback invoked after every successful
// connect, including reconnects.
func (c *Client) SetOnConnect(h func()) { c.onConnect = h }

// Connect dials the hub and starts the read loop. On failure the caller
// decides whether to retry; once connected, reconnects are automatic.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	headers := http.Header{}
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, headers)
	if err != nil {
		return fmt.Errorf("connect to hub: %w", err)
	}
	c.conn = conn
	c.reconnecting = false

	go c.reader(conn)

	if c.onConnect != nil {
		go c.onConnect()
	}
	go c.flushPending()
	return nil
}

// Send writes one command frame. While disconnected the command lands
// in the outbox, if one is configured, and is replayed on reconnect.
func (c *Client) Send(msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		if c.outbox != nil {
			_, qerr := c.outbox.Push(msgType, data)
			return qerr
		}
		return fmt.Errorf("not connected")
	}

	frame, err := json.Marshal(map[string]any{
		"type":    msgType,
		"payload": json.RawMessage(data),
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, frame)
	c.mu.Unlock()
	if err != nil && c.outbox != nil {
		_, qerr := c.outbox.Push(msgType, data)
		if qerr != nil {
			return qerr
		}
	}
	return err
}

func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) reader(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
		c.reconnect()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Printf("client: read error: %v", err)
			}
			return
		}

		var envelope struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(message, &envelope); err != nil {
			log.Printf("client: malformed frame: %v", err)
			continue
		}
		if c.onMessage != nil {
			c.onMessage(envelope.Type, envelope.Payload)
		}
	}
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	for i, delay := range c.backoff {
		select {
		case <-c.done:
			return
		case <-time.After(time.Duration(delay) * time.Millisecond):
		}

		log.Printf("client: reconnect attempt %d/%d", i+1, len(c.backoff))
		if err := c.Connect(); err == nil {
			log.Printf("client: reconnected")
			return
		}
	}

	maxDelay := time.Duration(c.backoff[len(c.backoff)-1]) * time.Millisecond
	for {
		select {
		case <-c.done:
			return
		case <-time.After(maxDelay):
		}
		if err := c.Connect(); err == nil {
			log.Printf("client: reconnected")
			return
		}
	}
}

// flushPending replays queued commands after a connect. Each command is
// marked delivered once it is written to the socket.
func (c *Client) flushPending() {
	if c.outbox == nil {
		return
	}
	for _, cmd := range c.outbox.Pending() {
		frame, err := json.Marshal(map[string]any{
			"type":    cmd.Type,
			"payload": cmd.Payload,
		})
		if err != nil {
			continue
		}

		c.mu.Lock()
		conn := c.conn
		var werr error
		if conn != nil {
			werr = conn.WriteMessage(websocket.TextMessage, frame)
		}
		c.mu.Unlock()

		if conn == nil || werr != nil {
			return
		}
		_ = c.outbox.Delivered(cmd.ID)
	}
}
