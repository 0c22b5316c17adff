package session

import (
	"encoding/json"
	"strings"
)

// EventKind is the closed set of lifecycle events this daemon understands.
// Raw hook payloads are classified into exactly one kind at the ingress
// boundary; anything unrecognized becomes KindUnclassified, which is still
// broadcast but never mutates registry state.
type EventKind string

const (
	EventStart             EventKind = "start"
	EventPromptSubmitted   EventKind = "prompt-submitted"
	EventToolInvoked       EventKind = "tool-invoked"
	EventToolCompleted     EventKind = "tool-completed"
	EventStopped           EventKind = "stopped"
	EventSubagentStopped   EventKind = "substop"
	EventTerminated        EventKind = "terminated"
	EventIdleNotification  EventKind = "idle-notification"
	EventNotification      EventKind = "notification"
	EventPermissionRequest EventKind = "permission-request"
	EventUnclassified      EventKind = "unclassified"
)

// HookEvent is one classified lifecycle event from an external agent
// process. Raw carries the original payload for pass-through broadcast.
type HookEvent struct {
	Kind       EventKind       `json:"kind"`
	ExternalID string          `json:"external_id"`
	WorkDir    string          `json:"work_dir,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolUseID  string          `json:"tool_use_id,omitempty"`
	Blocked    bool            `json:"blocked,omitempty"`
	Message    string          `json:"message,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// hookEnvelope matches the JSON shape coding-agent hook scripts POST to
// the ingress endpoint. Field names follow the Claude Code hook schema;
// alternate key spellings seen in the wild are tolerated.
type hookEnvelope struct {
	SessionID     string         `json:"session_id"`
	HookEventName string         `json:"hook_event_name"`
	HookName      string         `json:"hook_name"`
	CWD           string         `json:"cwd"`
	ToolName      string         `json:"tool_name"`
	ToolUseID     string         `json:"tool_use_id"`
	ToolResponse  map[string]any `json:"tool_response"`
	ToolOutput    map[string]any `json:"tool_output"`
	Message       string         `json:"message"`
	Notification  map[string]any `json:"notification"`
}

// ParseHook classifies a raw hook payload. It never fails: malformed or
// unknown events come back as KindUnclassified with Raw preserved.
func ParseHook(raw []byte) HookEvent {
	ev := HookEvent{Kind: EventUnclassified, Raw: json.RawMessage(raw)}

	var env hookEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ev
	}

	ev.ExternalID = env.SessionID
	ev.WorkDir = env.CWD
	ev.ToolName = env.ToolName
	ev.ToolUseID = env.ToolUseID
	ev.Message = env.Message

	name := env.HookEventName
	if name == "" {
		name = env.HookName
	}

	switch name {
	case "SessionStart":
		ev.Kind = EventStart
	case "UserPromptSubmit":
		ev.Kind = EventPromptSubmitted
	case "PreToolUse":
		ev.Kind = EventToolInvoked
	case "PostToolUse":
		ev.Kind = EventToolCompleted
		ev.Blocked = toolBlocked(env)
	case "Stop":
		ev.Kind = EventStopped
	case "SubagentStop":
		ev.Kind = EventSubagentStopped
	case "SessionEnd":
		ev.Kind = EventTerminated
	case "PermissionRequest":
		ev.Kind = EventPermissionRequest
	case "Notification":
		ev.Kind = classifyNotification(env)
	}

	if ev.ExternalID == "" {
		ev.Kind = EventUnclassified
	}
	return ev
}

// toolBlocked reports whether a PostToolUse payload describes a denied or
// failed invocation.
func toolBlocked(env hookEnvelope) bool {
	resp := env.ToolResponse
	if resp == nil {
		resp = env.ToolOutput
	}
	if resp == nil {
		return false
	}
	if v, ok := resp["error"]; ok && v != nil {
		return true
	}
	if v, ok := resp["blocked"].(bool); ok {
		return v
	}
	if v, ok := resp["success"].(bool); ok {
		return !v
	}
	return false
}

// classifyNotification splits Notification hooks into idle pings,
// permission requests, and everything else.
func classifyNotification(env hookEnvelope) EventKind {
	typ := ""
	if env.Notification != nil {
		typ, _ = env.Notification["type"].(string)
	}
	lower := strings.ToLower(typ + " " + env.Message)
	switch {
	case strings.Contains(lower, "idle"):
		return EventIdleNotification
	case strings.Contains(lower, "permission"), strings.Contains(lower, "approval"):
		return EventPermissionRequest
	default:
		return EventNotification
	}
}
