package hub

import (
	"encoding/json"
	"fmt"

	"github.com/agent-relay/relayd/internal/session"
	"github.com/agent-relay/relayd/internal/watch"
)

// Server -> subscriber message types.
const (
	TypeInit             = "init"
	TypeEvent            = "event"
	TypeSessions         = "sessions"
	TypePermissionPrompt = "permission-prompt"
	TypePong             = "pong"
	TypeTerminalOutput   = "terminal-output"
	TypeAck              = "ack"
	TypeError            = "error"
)

// Subscriber -> server message types.
const (
	TypeSendPrompt         = "send-prompt"
	TypeCancel             = "cancel"
	TypePermissionResponse = "permission-response"
	TypePing               = "ping"
	TypeTerminalAttach     = "terminal-attach"
	TypeTerminalInput      = "terminal-input"
	TypeTerminalDetach     = "terminal-detach"
)

// Message is the envelope for every frame on the broadcast channel.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals a payload into an envelope.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Payload: data}, nil
}

type InitPayload struct {
	Sessions []*session.Session `json:"sessions"`
}

type SessionsPayload struct {
	Sessions []*session.Session `json:"sessions"`
}

type SendPromptPayload struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type CancelPayload struct {
	SessionID string `json:"session_id"`
}

type PermissionResponsePayload struct {
	SessionID string `json:"session_id"`
	Choice    string `json:"choice"`
}

type PermissionPromptPayload struct {
	SessionID string         `json:"session_id"`
	Text      string         `json:"text"`
	Options   []watch.Option `json:"options"`
}

type TerminalAttachPayload struct {
	SessionID string `json:"session_id"`
	ReadOnly  bool   `json:"read_only"`
}

type TerminalInputPayload struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

type TerminalOutputPayload struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// EventPayload wraps one scheduled lifecycle event for the wire.
type EventPayload struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Priority  string `json:"priority"`
	Coalesced int    `json:"coalesced,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type AckPayload struct {
	Op        string `json:"op"`
	SessionID string `json:"session_id,omitempty"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// validClientTypes is the set of allowed subscriber->server types.
var validClientTypes = map[string]bool{
	TypeSendPrompt:         true,
	TypeCancel:             true,
	TypePermissionResponse: true,
	TypePing:               true,
	TypeTerminalAttach:     true,
	TypeTerminalInput:      true,
	TypeTerminalDetach:     true,
}

// ValidateClientMessage parses and validates one subscriber frame.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}
	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	switch msg.Type {
	case TypeSendPrompt:
		var p SendPromptPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" || p.Text == "" {
			return nil, fmt.Errorf("%s requires session_id and text", msg.Type)
		}
	case TypeCancel:
		var p CancelPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("%s requires session_id", msg.Type)
		}
	case TypePermissionResponse:
		var p PermissionResponsePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" || p.Choice == "" {
			return nil, fmt.Errorf("%s requires session_id and choice", msg.Type)
		}
	case TypeTerminalAttach, TypeTerminalInput, TypeTerminalDetach:
		var p TerminalInputPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" && msg.Type != TypeTerminalDetach {
			return nil, fmt.Errorf("%s requires session_id", msg.Type)
		}
	}
	return &msg, nil
}
