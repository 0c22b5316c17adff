// Package tmux is the sole reader/writer of the external interactive
// processes this daemon manages. Every operation is a round trip against
// the tmux server with a bounded timeout; no session state lives here.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/agent-relay/relayd/internal/config"
	"github.com/agent-relay/relayd/internal/session"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// trustedKeys is the fixed vocabulary SendKeys accepts. Anything outside
// it must go through Inject, which never touches a shell-interpreted
// command line.
var trustedKeys = map[string]bool{
	"Enter": true, "Escape": true, "Tab": true,
	"Up": true, "Down": true, "Left": true, "Right": true,
	"y": true, "n": true,
	"1": true, "2": true, "3": true, "4": true, "5": true,
	"6": true, "7": true, "8": true, "9": true, "0": true,
}

type Client struct {
	cfg *config.TmuxConfig
}

func NewClient(cfg *config.TmuxConfig) *Client {
	return &Client{cfg: cfg}
}

func (c *Client) timeout() time.Duration {
	return time.Duration(c.cfg.CommandTimeoutMs) * time.Millisecond
}

// run executes one tmux command with the configured socket and timeout.
func (c *Client) run(op, target string, args ...string) (string, error) {
	if c.cfg.Socket != "" {
		args = append([]string{"-S", c.cfg.Socket}, args...)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, c.cfg.Bin, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("tmux %s %s: %w", op, target, session.ErrTimeout)
		}
		return "", &session.ProcessError{
			Op:     op,
			Target: target,
			Output: strings.TrimSpace(string(output)),
			Err:    err,
		}
	}
	return string(output), nil
}

// ValidateName enforces the strict identifier charset for session names.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", session.ErrNameInvalid, name)
	}
	return nil
}

// ValidateWorkDir rejects traversal sequences and requires the resolved
// path to exist and be a directory.
func ValidateWorkDir(dir string) (string, error) {
	if dir == "" || strings.Contains(dir, "..") {
		return "", fmt.Errorf("%w: %q", session.ErrDirectoryInvalid, dir)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %q", session.ErrDirectoryInvalid, dir)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %q", session.ErrDirectoryInvalid, dir)
	}
	return abs, nil
}

// Create spawns a detached interactive session in workDir, waits for the
// shell to settle, then safe-injects the startup command.
func (c *Client) Create(name, workDir, startCmd string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	abs, err := ValidateWorkDir(workDir)
	if err != nil {
		return err
	}
	if c.Exists(name) {
		return fmt.Errorf("%w: %q", session.ErrAlreadyExists, name)
	}

	if _, err := c.run("new-session", name, "new-session", "-d", "-s", name, "-c", abs); err != nil {
		return err
	}

	time.Sleep(time.Duration(c.cfg.SettleDelayMs) * time.Millisecond)

	if startCmd != "" {
		return c.Inject(name, startCmd)
	}
	return nil
}

// Inject delivers arbitrary text to a session without ever passing it
// through a shell-interpreted command line: the text is written verbatim
// to a temp file, loaded into a uniquely-named tmux paste buffer by file
// path, pasted, then confirmed with a literal Enter after a short delay
// so the paste has landed. Buffer and file are removed regardless of
// outcome.
func (c *Client) Inject(name, text string) error {
	if !c.Exists(name) {
		return fmt.Errorf("%w: %q", session.ErrNotFound, name)
	}

	tmp, err := os.CreateTemp("", "relayd-inject-*")
	if err != nil {
		return fmt.Errorf("create inject file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return fmt.Errorf("write inject file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close inject file: %w", err)
	}

	bufName := fmt.Sprintf("relaybuf_%d", time.Now().UnixNano())
	defer c.run("delete-buffer", name, "delete-buffer", "-b", bufName)

	if _, err := c.run("load-buffer", name, "load-buffer", "-b", bufName, tmp.Name()); err != nil {
		return err
	}
	if _, err := c.run("paste-buffer", name, "paste-buffer", "-t", name, "-b", bufName); err != nil {
		return err
	}

	time.Sleep(time.Duration(c.cfg.ConfirmDelayMs) * time.Millisecond)

	_, err = c.run("send-keys", name, "send-keys", "-t", name, "Enter")
	return err
}

// SendKeys sends short trusted tokens (menu numbers, y/n, Enter) as
// direct keystrokes. Free text is refused; use Inject.
func (c *Client) SendKeys(name string, keys ...string) error {
	for _, k := range keys {
		if !trustedKeys[k] {
			return fmt.Errorf("%w: key %q not in trusted vocabulary", session.ErrNameInvalid, k)
		}
	}
	if !c.Exists(name) {
		return fmt.Errorf("%w: %q", session.ErrNotFound, name)
	}
	args := append([]string{"send-keys", "-t", name}, keys...)
	_, err := c.run("send-keys", name, args...)
	return err
}

// Cancel sends the interrupt keystroke to a session.
func (c *Client) Cancel(name string) error {
	if !c.Exists(name) {
		return fmt.Errorf("%w: %q", session.ErrNotFound, name)
	}
	_, err := c.run("send-keys", name, "send-keys", "-t", name, "C-c")
	return err
}

// Capture returns the last lineCount lines of rendered pane content.
func (c *Client) Capture(name string, lineCount int) (string, error) {
	if !c.Exists(name) {
		return "", fmt.Errorf("%w: %q", session.ErrNotFound, name)
	}
	output, err := c.run("capture-pane", name,
		"capture-pane", "-p", "-t", name, "-S", fmt.Sprintf("-%d", lineCount))
	if err != nil {
		return "", err
	}
	return trimToLastNLines(output, lineCount), nil
}

// Kill terminates a session.
func (c *Client) Kill(name string) error {
	if !c.Exists(name) {
		return fmt.Errorf("%w: %q", session.ErrNotFound, name)
	}
	_, err := c.run("kill-session", name, "kill-session", "-t", name)
	return err
}

// List returns the names of all live sessions. No tmux server running is
// an empty result, not an error.
func (c *Client) List() ([]string, error) {
	output, err := c.run("list-sessions", "", "list-sessions", "-F", "#{session_name}")
	if err != nil {
		var perr *session.ProcessError
		if errors.As(err, &perr) && strings.Contains(strings.ToLower(perr.Output), "no server running") {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// Exists reports whether a session with the given name is live.
func (c *Client) Exists(name string) bool {
	_, err := c.run("has-session", name, "has-session", "-t", name)
	return err == nil
}

func trimToLastNLines(text string, n int) string {
	if n <= 0 || text == "" {
		return text
	}
	trimmed := strings.TrimRight(text, "\n")
	lines := strings.Split(trimmed, "\n")
	if len(lines) <= n {
		return trimmed
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
