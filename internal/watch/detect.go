// Package watch detects interactive confirmation prompts by polling pane
// output. Detection is a pure function over captured text; the timer
// driver lives in watcher.go so the pattern logic stays independently
// testable.
package watch

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
)

// Option is one selectable answer in a detected prompt.
type Option struct {
	Number int    `json:"number"`
	Label  string `json:"label"`
}

// Prompt is a detected interactive confirmation request.
type Prompt struct {
	Text    string   `json:"text"`
	Options []Option `json:"options"`
}

// promptPatterns are tried in order against the captured tail of a pane.
// They cover the dialogs the supported agents render when they need a
// human decision.
var promptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Do you want to proceed\?`),
	regexp.MustCompile(`needs your permission to use`),
	regexp.MustCompile(`Do you want to make this edit to`),
	regexp.MustCompile(`Allow this action\?`),
	regexp.MustCompile(`(?i)\(y/n\)\s*$`),
	regexp.MustCompile(`(?i)proceed\? \[y/N\]`),
}

// optionRe matches numbered menu entries like "1. Yes" or "❯ 2. No".
var optionRe = regexp.MustCompile(`^(?:❯\s*)?(\d+)\.\s+(.+?)\s*$`)

// defaultOptions is the binary fallback when a prompt renders no
// numbered menu.
var defaultOptions = []Option{
	{Number: 1, Label: "Yes"},
	{Number: 2, Label: "No"},
}

// Detect tests captured pane content against the known prompt patterns.
// It returns nil when no prompt is on screen. optionScanLines bounds how
// far up from the bottom the numbered-option scan looks.
func Detect(content string, optionScanLines int) *Prompt {
	var matched string
	for _, re := range promptPatterns {
		if loc := re.FindString(content); loc != "" {
			matched = loc
			break
		}
	}
	if matched == "" {
		return nil
	}

	prompt := &Prompt{Text: promptText(content, matched)}
	prompt.Options = extractOptions(content, optionScanLines)
	if len(prompt.Options) == 0 {
		prompt.Options = defaultOptions
	}
	return prompt
}

// promptText returns the full line containing the matched pattern, which
// reads better than the bare pattern when broadcast to subscribers.
func promptText(content, matched string) string {
	for _, line := range strings.Split(content, "\n") {
		if strings.Contains(line, matched) {
			return strings.TrimSpace(line)
		}
	}
	return matched
}

// extractOptions scans the trailing lines for a numbered menu.
func extractOptions(content string, scanLines int) []Option {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	start := len(lines) - scanLines
	if start < 0 {
		start = 0
	}

	var opts []Option
	for _, line := range lines[start:] {
		m := optionRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		opts = append(opts, Option{Number: n, Label: m[2]})
	}
	return opts
}

// Signature hashes the last n lines of captured content. Two polls that
// see the identical tail produce the same signature, which is how the
// watcher suppresses duplicate notifications for one prompt.
func Signature(content string, n int) string {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	start := len(lines) - n
	if start < 0 {
		start = 0
	}
	sum := sha256.Sum256([]byte(strings.Join(lines[start:], "\n")))
	return hex.EncodeToString(sum[:])
}
