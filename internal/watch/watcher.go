package watch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/agent-relay/relayd/internal/config"
	"github.com/agent-relay/relayd/internal/session"
)

// Capturer is the slice of the process controller the watcher needs.
type Capturer interface {
	Capture(name string, lineCount int) (string, error)
}

// Candidate is one session eligible for prompt polling.
type Candidate struct {
	SessionID string
	TmuxName  string
	State     session.State
}

// CandidateFunc lists the sessions currently worth polling. The watcher
// itself keeps no session state beyond prompt signatures.
type CandidateFunc func() []Candidate

// PromptFunc receives each newly detected prompt exactly once.
type PromptFunc func(sessionID string, prompt *Prompt)

// Watcher polls quiescent sessions for interactive prompts. A session is
// watched while idle or waiting; a remembered signature per session
// suppresses re-notification for a prompt that is still on screen.
type Watcher struct {
	cfg        *config.WatchConfig
	capturer   Capturer
	candidates CandidateFunc
	onPrompt   PromptFunc

	mu   sync.Mutex
	sigs map[string]string
}

func NewWatcher(cfg *config.WatchConfig, capturer Capturer, candidates CandidateFunc, onPrompt PromptFunc) *Watcher {
	return &Watcher{
		cfg:        cfg,
		capturer:   capturer,
		candidates: candidates,
		onPrompt:   onPrompt,
		sigs:       make(map[string]string),
	}
}

// Run polls on a fixed tick until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(w.cfg.PollIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick()
		}
	}
}

// Tick runs one polling pass over every watchable session.
func (w *Watcher) Tick() {
	for _, cand := range w.candidates() {
		if cand.State != session.StateIdle && cand.State != session.StateWaiting {
			continue
		}
		if cand.TmuxName == "" {
			continue
		}
		w.poll(cand)
	}
}

func (w *Watcher) poll(cand Candidate) {
	content, err := w.capturer.Capture(cand.TmuxName, w.cfg.CaptureLines)
	if err != nil {
		log.Printf("watch: capture %s: %v", cand.TmuxName, err)
		return
	}

	prompt := Detect(content, w.cfg.OptionScanLines)
	if prompt == nil {
		// Prompt gone; a future identical prompt is a fresh one.
		w.ClearSignature(cand.SessionID)
		return
	}

	sig := Signature(content, w.cfg.SignatureLines)

	w.mu.Lock()
	previous := w.sigs[cand.SessionID]
	if previous == sig {
		w.mu.Unlock()
		return // already notified for this prompt
	}
	w.sigs[cand.SessionID] = sig
	w.mu.Unlock()

	w.onPrompt(cand.SessionID, prompt)
}

// ClearSignature forgets the remembered prompt signature for a session.
// Must be called when a session goes offline or is deleted so a restart
// is treated as a fresh prompt.
func (w *Watcher) ClearSignature(sessionID string) {
	w.mu.Lock()
	delete(w.sigs, sessionID)
	w.mu.Unlock()
}
