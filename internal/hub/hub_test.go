package hub

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-relay/relayd/internal/config"
	"github.com/agent-relay/relayd/internal/control"
	"github.com/agent-relay/relayd/internal/registry"
	"github.com/agent-relay/relayd/internal/router"
	"github.com/agent-relay/relayd/internal/scheduler"
	"github.com/agent-relay/relayd/internal/session"
	"github.com/agent-relay/relayd/internal/tmux"
	"github.com/agent-relay/relayd/internal/watch"
)

func newTestServer(t *testing.T, token string) (*Server, *registry.Registry) {
	t.Helper()

	cfg, err := config.LoadConfig(t.TempDir() + "/none.yaml")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Server.Token = token
	cfg.Tmux.Bin = "/nonexistent/tmux" // no test touches a real process

	reg, err := registry.New(nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	var srv *Server
	sched := scheduler.New(scheduler.Options{
		Coalesce:    100 * time.Millisecond,
		MinInterval: 80 * time.Millisecond,
		MaxAge:      2 * time.Second,
		Tick:        16 * time.Millisecond,
	}, func(ev scheduler.Event) {
		if srv != nil {
			srv.Broadcast(ev)
		}
	}, reg.Exists)

	rt := router.New(reg, sched, router.Options{
		RevertDelay:  1500 * time.Millisecond,
		RemovalGrace: 5 * time.Second,
	})

	tmuxClient := tmux.NewClient(&cfg.Tmux)
	watcher := watch.NewWatcher(&cfg.Watch, tmuxClient, func() []watch.Candidate { return nil }, nil)
	ctrl := control.New(cfg, reg, tmuxClient, rt, sched, watcher, nil)

	srv = NewServer(ctrl, nil, nil, token)
	rt.SetPermissionFunc(srv.BroadcastPermission)
	return srv, reg
}

func dialWS(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func TestHub_InitSnapshotOnConnect(t *testing.T) {
	srv, reg := newTestServer(t, "")
	reg.Add(session.New("s1", "alpha", "/w", "relay-alpha"))

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "")
	msg := readMessage(t, conn)
	if msg.Type != TypeInit {
		t.Fatalf("first frame: got %q, want init", msg.Type)
	}
	var init InitPayload
	if err := json.Unmarshal(msg.Payload, &init); err != nil {
		t.Fatalf("init payload: %v", err)
	}
	if len(init.Sessions) != 1 || init.Sessions[0].ID != "s1" {
		t.Errorf("snapshot: got %+v", init.Sessions)
	}
}

func TestHub_BroadcastReachesSubscriber(t *testing.T) {
	srv, _ := newTestServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "")
	readMessage(t, conn) // init

	srv.Broadcast(scheduler.Event{
		SessionID: "s1",
		Priority:  scheduler.Normal,
		Kind:      "state-change",
	})

	msg := readMessage(t, conn)
	if msg.Type != TypeEvent {
		t.Fatalf("frame type: got %q, want event", msg.Type)
	}
	var ev EventPayload
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.SessionID != "s1" || ev.Kind != "state-change" || ev.Priority != "normal" {
		t.Errorf("event payload: %+v", ev)
	}
}

func TestHub_SendPromptUnknownSessionAcksError(t *testing.T) {
	srv, _ := newTestServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "")
	readMessage(t, conn) // init

	frame, _ := NewMessage(TypeSendPrompt, SendPromptPayload{SessionID: "ghost", Text: "hi"})
	data, _ := json.Marshal(frame)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}

	msg := readMessage(t, conn)
	if msg.Type != TypeAck {
		t.Fatalf("frame type: got %q, want ack", msg.Type)
	}
	var ack AckPayload
	json.Unmarshal(msg.Payload, &ack)
	if ack.OK || ack.Op != "send-prompt" || ack.Error == "" {
		t.Errorf("ack: %+v", ack)
	}
}

func TestHub_InvalidFrameGetsError(t *testing.T) {
	srv, _ := newTestServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "")
	readMessage(t, conn) // init

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"made-up"}`))
	msg := readMessage(t, conn)
	if msg.Type != TypeError {
		t.Errorf("frame type: got %q, want error", msg.Type)
	}
}

func TestHub_PingPong(t *testing.T) {
	srv, _ := newTestServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "")
	readMessage(t, conn) // init

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
	msg := readMessage(t, conn)
	if msg.Type != TypePong {
		t.Errorf("frame type: got %q, want pong", msg.Type)
	}
}

func TestHub_TokenRequired(t *testing.T) {
	srv, _ := newTestServer(t, "sekrit")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// REST without token.
	resp, err := http.Get(ts.URL + "/sessions")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("GET /sessions without token: got %d", resp.StatusCode)
	}

	// WS without token.
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Error("expected websocket dial to fail without token")
	}

	// With token both work.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/sessions", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("GET /sessions with token: got %d", resp2.StatusCode)
	}
	dialWS(t, ts, "sekrit")
}

func TestHub_HookIngestAlwaysOK(t *testing.T) {
	srv, reg := newTestServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	payloads := []string{
		`{"session_id":"ext-1","hook_event_name":"SessionStart","cwd":"/w"}`,
		`garbage not json`,
		``,
	}
	for _, p := range payloads {
		resp, err := http.Post(ts.URL+"/hooks/ingest", "application/json", bytes.NewBufferString(p))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("ingest %q: got %d, want 200", p, resp.StatusCode)
		}
	}

	if reg.ObservedCount() != 1 {
		t.Errorf("observed sessions after ingest: got %d, want 1", reg.ObservedCount())
	}
}

func TestHub_RESTErrorMapping(t *testing.T) {
	srv, reg := newTestServer(t, "")
	reg.Add(session.New("s1", "alpha", "/w", "relay-alpha"))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/sessions/ghost", "", http.StatusNotFound},
		{http.MethodPost, "/sessions/ghost/prompt", `{"text":"hi"}`, http.StatusNotFound},
		{http.MethodPost, "/sessions/s1/prompt", `{}`, http.StatusBadRequest},
		{http.MethodPost, "/sessions/s1/restart", "", http.StatusConflict}, // not offline
		{http.MethodPost, "/sessions/s1/rename", `{"name":"bad name"}`, http.StatusBadRequest},
		{http.MethodGet, "/healthz", "", http.StatusOK},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(tc.method, ts.URL+tc.path, strings.NewReader(tc.body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tc.method, tc.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%s %s: got %d, want %d", tc.method, tc.path, resp.StatusCode, tc.want)
		}
	}
}

func TestHub_PermissionPromptBroadcast(t *testing.T) {
	srv, _ := newTestServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "")
	readMessage(t, conn) // init

	srv.BroadcastPermission("s1", "Do you want to proceed?", []watch.Option{
		{Number: 1, Label: "Yes"}, {Number: 2, Label: "No"},
	})

	msg := readMessage(t, conn)
	if msg.Type != TypePermissionPrompt {
		t.Fatalf("frame type: got %q", msg.Type)
	}
	var p PermissionPromptPayload
	json.Unmarshal(msg.Payload, &p)
	if p.SessionID != "s1" || len(p.Options) != 2 {
		t.Errorf("payload: %+v", p)
	}
}

func TestHub_UnclassifiedHookStillBroadcast(t *testing.T) {
	srv, _ := newTestServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "")
	readMessage(t, conn) // init

	resp, err := http.Post(ts.URL+"/hooks/ingest", "application/json",
		bytes.NewBufferString(`{"this is":"not a recognizable hook"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	msg := readMessage(t, conn)
	if msg.Type != TypeEvent {
		t.Fatalf("frame type: got %q, want event", msg.Type)
	}
	var ev EventPayload
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Kind != "unclassified" {
		t.Errorf("kind: got %q, want unclassified", ev.Kind)
	}
	body, ok := ev.Payload.(map[string]any)
	if !ok || body["this is"] != "not a recognizable hook" {
		t.Errorf("raw payload not preserved: %+v", ev.Payload)
	}

	// Non-JSON ingress is carried through as a string.
	resp, err = http.Post(ts.URL+"/hooks/ingest", "application/json",
		bytes.NewBufferString("garbage not json"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	msg = readMessage(t, conn)
	json.Unmarshal(msg.Payload, &ev)
	if raw, ok := ev.Payload.(string); !ok || raw != "garbage not json" {
		t.Errorf("non-JSON payload: got %+v", ev.Payload)
	}
}

func TestHub_SessionsSnapshotBroadcast(t *testing.T) {
	srv, reg := newTestServer(t, "")
	reg.Add(session.New("s1", "alpha", "/w", "relay-alpha"))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "")
	readMessage(t, conn) // init

	srv.BroadcastSessions()

	msg := readMessage(t, conn)
	if msg.Type != TypeSessions {
		t.Fatalf("frame type: got %q, want sessions", msg.Type)
	}
	var p SessionsPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if len(p.Sessions) != 1 || p.Sessions[0].ID != "s1" {
		t.Errorf("snapshot: got %+v", p.Sessions)
	}
}

func TestHub_EnqueueAfterRemoveDoesNotPanic(t *testing.T) {
	srv, _ := newTestServer(t, "")

	c := &client{id: "c1", send: make(chan []byte, 1), server: srv}
	srv.clientsMu.Lock()
	srv.clients[c] = true
	srv.byChannel[c.id] = c
	srv.clientsMu.Unlock()

	srv.removeClient(c)

	// A sender that grabbed the client reference just before removal must
	// not hit a closed channel.
	msg, _ := NewMessage(TypePong, nil)
	c.enqueue(msg)
	srv.Broadcast(scheduler.Event{SessionID: "s1", Kind: "state-change"})
}
