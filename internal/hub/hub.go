// Package hub is the broadcast surface: a WebSocket fan-out for
// lifecycle events plus the REST API. Every connected subscriber gets
// an identical event stream; commands arrive over either transport and
// run through the same controller.
package hub

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agent-relay/relayd/internal/control"
	"github.com/agent-relay/relayd/internal/metrics"
	"github.com/agent-relay/relayd/internal/scheduler"
	"github.com/agent-relay/relayd/internal/session"
	"github.com/agent-relay/relayd/internal/term"
	"github.com/agent-relay/relayd/internal/watch"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The daemon binds loopback by default; origin checks add
		// nothing there and break local tooling.
		return true
	},
}

var errNoTerminal = errors.New("session has no attachable terminal")

// Server manages WebSocket subscribers and fans scheduled events out to
// all of them. A slow subscriber drops frames rather than stalling the
// rest.
type Server struct {
	ctrl  *control.Controller
	term  *term.Manager
	met   *metrics.Metrics
	token string

	clientsMu sync.RWMutex
	clients   map[*client]bool
	byChannel map[string]*client
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	mu       sync.Mutex
	attached string // session id of the attached terminal, if any
}

func NewServer(ctrl *control.Controller, tm *term.Manager, met *metrics.Metrics, token string) *Server {
	return &Server{
		ctrl:      ctrl,
		term:      tm,
		met:       met,
		token:     token,
		clients:   make(map[*client]bool),
		byChannel: make(map[string]*client),
	}
}

// Broadcast is the scheduler's delivery sink: every drained event goes
// to every connected subscriber as one frame.
func (s *Server) Broadcast(ev scheduler.Event) {
	if s.met != nil {
		s.met.EventsDelivered.Inc()
	}
	msg, err := NewMessage(TypeEvent, EventPayload{
		SessionID: ev.SessionID,
		Kind:      ev.Kind,
		Priority:  metrics.PriorityLabel(int(ev.Priority)),
		Coalesced: ev.Coalesced,
		Payload:   ev.Payload,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// BroadcastHook forwards a hook payload that could not be classified.
// State tracking skipped it, but subscribers still get the raw event.
func (s *Server) BroadcastHook(ev session.HookEvent) {
	var payload any = string(ev.Raw)
	if json.Valid(ev.Raw) {
		payload = json.RawMessage(ev.Raw)
	}
	msg, err := NewMessage(TypeEvent, EventPayload{
		SessionID: ev.ExternalID,
		Kind:      string(ev.Kind),
		Priority:  "low",
		Payload:   payload,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// BroadcastSessions pushes a full registry snapshot to every subscriber.
// Sent when a health pass moves sessions in bulk, so clients resync in
// one frame instead of replaying per-session changes.
func (s *Server) BroadcastSessions() {
	msg, err := NewMessage(TypeSessions, SessionsPayload{Sessions: s.ctrl.List()})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// BroadcastPermission pushes a detected permission prompt to all
// subscribers. Wired as the router's permission callback.
func (s *Server) BroadcastPermission(sessionID, text string, options []watch.Option) {
	msg, err := NewMessage(TypePermissionPrompt, PermissionPromptPayload{
		SessionID: sessionID,
		Text:      text,
		Options:   options,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// TerminalOutput routes raw PTY bytes to the one subscriber that owns
// the channel. Wired as the terminal manager's output sink.
func (s *Server) TerminalOutput(channelID string, data []byte) {
	s.clientsMu.RLock()
	c := s.byChannel[channelID]
	s.clientsMu.RUnlock()
	if c == nil {
		return
	}
	c.mu.Lock()
	sessionID := c.attached
	c.mu.Unlock()
	msg, err := NewMessage(TypeTerminalOutput, TerminalOutputPayload{
		SessionID: sessionID,
		Data:      string(data),
	})
	if err != nil {
		return
	}
	c.enqueue(msg)
}

func (s *Server) broadcast(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Subscriber buffer full, frame dropped.
		}
	}
}

// ClientCount reports connected subscribers.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: websocket upgrade error: %v", err)
		return
	}

	c := &client{
		id:     uuid.New().String(),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.byChannel[c.id] = c
	s.clientsMu.Unlock()
	if s.met != nil {
		s.met.ClientsConnected.Inc()
	}

	s.sendInit(c)

	go c.writePump()
	go c.readPump()
}

// authorized checks the shared token if one is configured. The token
// rides in the Authorization header or, for browser WebSocket clients
// that cannot set headers, a query parameter.
func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	if auth := r.Header.Get("Authorization"); auth == "Bearer "+s.token {
		return true
	}
	return r.URL.Query().Get("token") == s.token
}

// sendInit delivers the full session snapshot to a new subscriber so it
// can render state before any event arrives.
func (s *Server) sendInit(c *client) {
	msg, err := NewMessage(TypeInit, InitPayload{Sessions: s.ctrl.List()})
	if err != nil {
		return
	}
	c.enqueue(msg)
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	_, present := s.clients[c]
	delete(s.clients, c)
	delete(s.byChannel, c.id)
	s.clientsMu.Unlock()
	if !present {
		return
	}
	if s.met != nil {
		s.met.ClientsConnected.Dec()
	}
	if s.term != nil {
		s.term.Detach(c.id)
	}
	// c.send stays open: a concurrent TerminalOutput or broadcast may
	// still hold a stale client reference, and a send on a closed channel
	// panics even inside a select. writePump exits when the connection
	// closes instead.
}

func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("hub: websocket read error: %v", err)
			}
			return
		}
		c.server.handleMessage(c, message)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) enqueue(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, err.Error())
		return
	}

	switch msg.Type {
	case TypePing:
		pong, _ := NewMessage(TypePong, nil)
		c.enqueue(pong)

	case TypeSendPrompt:
		var p SendPromptPayload
		json.Unmarshal(msg.Payload, &p)
		s.ack(c, "send-prompt", p.SessionID, s.ctrl.SendPrompt(p.SessionID, p.Text))

	case TypeCancel:
		var p CancelPayload
		json.Unmarshal(msg.Payload, &p)
		s.ack(c, "cancel", p.SessionID, s.ctrl.Cancel(p.SessionID))

	case TypePermissionResponse:
		var p PermissionResponsePayload
		json.Unmarshal(msg.Payload, &p)
		s.ack(c, "permission-response", p.SessionID, s.ctrl.AnswerPermission(p.SessionID, p.Choice))

	case TypeTerminalAttach:
		var p TerminalAttachPayload
		json.Unmarshal(msg.Payload, &p)
		s.handleTerminalAttach(c, p)

	case TypeTerminalInput:
		var p TerminalInputPayload
		json.Unmarshal(msg.Payload, &p)
		if s.term == nil {
			s.sendError(c, "terminal access disabled")
			return
		}
		if err := s.term.Input(c.id, []byte(p.Data)); err != nil {
			s.sendError(c, err.Error())
		}

	case TypeTerminalDetach:
		if s.term != nil {
			s.term.Detach(c.id)
		}
		c.mu.Lock()
		c.attached = ""
		c.mu.Unlock()
	}
}

func (s *Server) handleTerminalAttach(c *client, p TerminalAttachPayload) {
	if s.term == nil {
		s.ack(c, "terminal-attach", p.SessionID, errNoTerminal)
		return
	}
	sess, err := s.ctrl.Get(p.SessionID)
	if err != nil {
		s.ack(c, "terminal-attach", p.SessionID, err)
		return
	}
	if sess.TmuxName == "" {
		s.ack(c, "terminal-attach", p.SessionID, errNoTerminal)
		return
	}
	err = s.term.Attach(sess.TmuxName, c.id, p.ReadOnly)
	if err == nil {
		c.mu.Lock()
		c.attached = p.SessionID
		c.mu.Unlock()
	}
	s.ack(c, "terminal-attach", p.SessionID, err)
}

// ack reports the outcome of a command back to the issuing subscriber.
// Broadcast state changes still flow separately through the scheduler.
func (s *Server) ack(c *client, op, sessionID string, err error) {
	payload := AckPayload{Op: op, SessionID: sessionID, OK: err == nil}
	if err != nil {
		payload.Error = err.Error()
	}
	msg, merr := NewMessage(TypeAck, payload)
	if merr != nil {
		return
	}
	c.enqueue(msg)
}

func (s *Server) sendError(c *client, message string) {
	msg, err := NewMessage(TypeError, ErrorPayload{Message: message})
	if err != nil {
		return
	}
	c.enqueue(msg)
}
