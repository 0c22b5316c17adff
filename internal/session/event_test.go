package session

import "testing"

func TestParseHook_Classification(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want EventKind
	}{
		{
			name: "session start",
			raw:  `{"session_id":"abc123","hook_event_name":"SessionStart","cwd":"/work"}`,
			want: EventStart,
		},
		{
			name: "prompt submitted",
			raw:  `{"session_id":"abc123","hook_event_name":"UserPromptSubmit"}`,
			want: EventPromptSubmitted,
		},
		{
			name: "tool invoked",
			raw:  `{"session_id":"abc123","hook_event_name":"PreToolUse","tool_name":"Bash","tool_use_id":"t1"}`,
			want: EventToolInvoked,
		},
		{
			name: "tool completed",
			raw:  `{"session_id":"abc123","hook_event_name":"PostToolUse","tool_use_id":"t1"}`,
			want: EventToolCompleted,
		},
		{
			name: "stopped",
			raw:  `{"session_id":"abc123","hook_event_name":"Stop"}`,
			want: EventStopped,
		},
		{
			name: "subagent stopped",
			raw:  `{"session_id":"abc123","hook_event_name":"SubagentStop"}`,
			want: EventSubagentStopped,
		},
		{
			name: "terminated",
			raw:  `{"session_id":"abc123","hook_event_name":"SessionEnd"}`,
			want: EventTerminated,
		},
		{
			name: "permission request hook",
			raw:  `{"session_id":"abc123","hook_event_name":"PermissionRequest"}`,
			want: EventPermissionRequest,
		},
		{
			name: "idle notification",
			raw:  `{"session_id":"abc123","hook_event_name":"Notification","message":"Claude is waiting for your input (idle)"}`,
			want: EventIdleNotification,
		},
		{
			name: "permission notification",
			raw:  `{"session_id":"abc123","hook_event_name":"Notification","message":"Claude needs permission to run Bash"}`,
			want: EventPermissionRequest,
		},
		{
			name: "plain notification",
			raw:  `{"session_id":"abc123","hook_event_name":"Notification","message":"task finished"}`,
			want: EventNotification,
		},
		{
			name: "alternate hook_name key",
			raw:  `{"session_id":"abc123","hook_name":"Stop"}`,
			want: EventStopped,
		},
		{
			name: "unknown event name",
			raw:  `{"session_id":"abc123","hook_event_name":"SomethingNew"}`,
			want: EventUnclassified,
		},
		{
			name: "missing session id",
			raw:  `{"hook_event_name":"SessionStart"}`,
			want: EventUnclassified,
		},
		{
			name: "malformed json",
			raw:  `{not json`,
			want: EventUnclassified,
		},
		{
			name: "empty payload",
			raw:  ``,
			want: EventUnclassified,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := ParseHook([]byte(tc.raw))
			if ev.Kind != tc.want {
				t.Errorf("kind: got %q, want %q", ev.Kind, tc.want)
			}
			if string(ev.Raw) != tc.raw {
				t.Errorf("raw payload not preserved")
			}
		})
	}
}

func TestParseHook_FieldExtraction(t *testing.T) {
	raw := `{"session_id":"abc123","hook_event_name":"PreToolUse","cwd":"/repo","tool_name":"Edit","tool_use_id":"tu_9"}`
	ev := ParseHook([]byte(raw))
	if ev.ExternalID != "abc123" {
		t.Errorf("external id: got %q", ev.ExternalID)
	}
	if ev.WorkDir != "/repo" {
		t.Errorf("work dir: got %q", ev.WorkDir)
	}
	if ev.ToolName != "Edit" || ev.ToolUseID != "tu_9" {
		t.Errorf("tool fields: got %q %q", ev.ToolName, ev.ToolUseID)
	}
}

func TestParseHook_BlockedDetection(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{
			name: "error field set",
			raw:  `{"session_id":"s","hook_event_name":"PostToolUse","tool_response":{"error":"denied"}}`,
			want: true,
		},
		{
			name: "blocked true",
			raw:  `{"session_id":"s","hook_event_name":"PostToolUse","tool_response":{"blocked":true}}`,
			want: true,
		},
		{
			name: "success false",
			raw:  `{"session_id":"s","hook_event_name":"PostToolUse","tool_response":{"success":false}}`,
			want: true,
		},
		{
			name: "success true",
			raw:  `{"session_id":"s","hook_event_name":"PostToolUse","tool_response":{"success":true}}`,
			want: false,
		},
		{
			name: "tool_output fallback",
			raw:  `{"session_id":"s","hook_event_name":"PostToolUse","tool_output":{"blocked":true}}`,
			want: true,
		},
		{
			name: "no response",
			raw:  `{"session_id":"s","hook_event_name":"PostToolUse"}`,
			want: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := ParseHook([]byte(tc.raw))
			if ev.Blocked != tc.want {
				t.Errorf("blocked: got %v, want %v", ev.Blocked, tc.want)
			}
		})
	}
}

func TestTruncateExternalID(t *testing.T) {
	if got := TruncateExternalID("0123456789abcdef"); got != "01234567" {
		t.Errorf("got %q, want %q", got, "01234567")
	}
	if got := TruncateExternalID("abc"); got != "abc" {
		t.Errorf("short id: got %q, want %q", got, "abc")
	}
}
