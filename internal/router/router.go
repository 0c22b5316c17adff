// Package router classifies inbound lifecycle events against the current
// registry entry, computes the state transition, and hands normalized
// change records to the scheduler. It is the only component that decides
// state; everything else reads through the registry.
package router

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-relay/relayd/internal/registry"
	"github.com/agent-relay/relayd/internal/scheduler"
	"github.com/agent-relay/relayd/internal/session"
	"github.com/agent-relay/relayd/internal/watch"
)

// StatePayload is the normalized record carried by state-change events.
type StatePayload struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Kind    session.Kind  `json:"kind"`
	State   session.State `json:"state"`
	Dimmed  bool          `json:"dimmed"`
	WorkDir string        `json:"work_dir,omitempty"`
}

// ToolPayload is carried by tool start/end events.
type ToolPayload struct {
	ID        string `json:"id"`
	ToolName  string `json:"tool_name,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Blocked   bool   `json:"blocked,omitempty"`
	InFlight  int    `json:"in_flight"`
}

// PermissionFunc is notified once per outstanding permission prompt so
// the hub can push a dedicated message alongside the state change.
type PermissionFunc func(sessionID, text string, options []watch.Option)

// Options carries the router's timing knobs.
type Options struct {
	RevertDelay  time.Duration // yes -> idle/working auto-revert
	RemovalGrace time.Duration // offline observed session -> removed
}

type Router struct {
	reg   *registry.Registry
	sched *scheduler.Scheduler
	opts  Options

	// clearSignature lets the router reset the permission watcher's
	// prompt memory when a session dies.
	clearSignature func(sessionID string)
	onPermission   PermissionFunc

	mu       sync.Mutex
	reverts  map[string]time.Time
	removals map[string]time.Time

	now func() time.Time
}

func New(reg *registry.Registry, sched *scheduler.Scheduler, opts Options) *Router {
	return &Router{
		reg:      reg,
		sched:    sched,
		opts:     opts,
		reverts:  make(map[string]time.Time),
		removals: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (r *Router) SetClearSignature(fn func(sessionID string)) { r.clearSignature = fn }
func (r *Router) SetPermissionFunc(fn PermissionFunc)         { r.onPermission = fn }

// HandleEvent applies one classified hook event. Unclassified events
// never reach the registry; the hub broadcasts their raw payload anyway.
func (r *Router) HandleEvent(ev session.HookEvent) {
	if ev.Kind == session.EventUnclassified {
		return
	}

	createObserved := ev.Kind != session.EventTerminated
	sess, ok := r.reg.ResolveExternal(ev.ExternalID, ev.WorkDir, createObserved)
	if !ok {
		return
	}

	switch ev.Kind {
	case session.EventStart:
		r.handleStart(sess)
	case session.EventPromptSubmitted:
		r.transition(sess.ID, func(s *session.Session) {
			s.State = session.StateWorking
			s.Dimmed = false
		})
	case session.EventToolInvoked:
		r.handleToolInvoked(sess.ID, ev)
	case session.EventToolCompleted:
		r.handleToolCompleted(sess.ID, ev)
	case session.EventStopped, session.EventSubagentStopped:
		r.transition(sess.ID, func(s *session.Session) {
			s.State = session.StateIdle
			clearSet(s.InFlight)
			clearPrompts(s.PendingPrompts)
		})
	case session.EventTerminated:
		r.handleTerminated(sess)
	case session.EventIdleNotification:
		if _, err := r.reg.Update(sess.ID, func(s *session.Session) { s.Dimmed = true }); err == nil {
			r.sched.Schedule(scheduler.Event{
				SessionID: sess.ID,
				Priority:  scheduler.Low,
				Kind:      "dim",
			})
		}
	case session.EventNotification, session.EventPermissionRequest:
		r.addPrompt(sess.ID, ev.Message, nil)
	}
}

func (r *Router) handleStart(sess *session.Session) {
	updated, err := r.reg.Update(sess.ID, func(s *session.Session) {
		if s.State == session.StateOffline {
			s.State = session.StateIdle
		}
	})
	if err != nil {
		return
	}
	r.sched.Schedule(scheduler.Event{
		SessionID: sess.ID,
		Priority:  scheduler.Immediate,
		Kind:      "session-created",
		Payload:   statePayload(updated),
	})
}

func (r *Router) handleToolInvoked(id string, ev session.HookEvent) {
	toolUseID := ev.ToolUseID
	if toolUseID == "" {
		toolUseID = uuid.New().String()
	}

	var inFlight int
	_, err := r.reg.Update(id, func(s *session.Session) {
		s.InFlight[toolUseID] = r.now()
		inFlight = len(s.InFlight)
	})
	if err != nil {
		return
	}
	r.sched.Schedule(scheduler.Event{
		SessionID: id,
		Priority:  scheduler.High,
		Kind:      "tool-start",
		Payload:   ToolPayload{ID: id, ToolName: ev.ToolName, ToolUseID: toolUseID, InFlight: inFlight},
	})
}

func (r *Router) handleToolCompleted(id string, ev session.HookEvent) {
	var (
		known      bool
		inFlight   int
		suppressed bool
	)
	updated, err := r.reg.Update(id, func(s *session.Session) {
		if _, known = s.InFlight[ev.ToolUseID]; !known {
			// Completion of an unknown invocation id is a no-op for the
			// in-flight set.
			inFlight = len(s.InFlight)
			return
		}
		delete(s.InFlight, ev.ToolUseID)
		inFlight = len(s.InFlight)

		if len(s.PendingPrompts) > 0 {
			// Prompts take precedence; waiting holds until the prompt set
			// empties, whatever the completion outcome was.
			suppressed = true
			return
		}
		if ev.Blocked {
			s.State = session.StateNo
			return
		}
		s.State = session.StateYes
	})
	if err != nil || !known {
		return
	}

	if !suppressed {
		if ev.Blocked {
			r.cancelRevert(id)
		} else {
			r.setRevert(id)
		}
	}

	r.sched.Schedule(scheduler.Event{
		SessionID: id,
		Priority:  scheduler.High,
		Kind:      "tool-end",
		Payload: ToolPayload{
			ID: id, ToolName: ev.ToolName, ToolUseID: ev.ToolUseID,
			Blocked: ev.Blocked, InFlight: inFlight,
		},
	})
	if !suppressed {
		r.sched.Schedule(scheduler.Event{
			SessionID: id,
			Priority:  scheduler.Normal,
			Kind:      "state-change",
			Payload:   statePayload(updated),
		})
	}
}

func (r *Router) handleTerminated(sess *session.Session) {
	// Clear the queue first so nothing delivers after the terminal event.
	r.sched.Purge(sess.ID)
	r.cancelRevert(sess.ID)
	if r.clearSignature != nil {
		r.clearSignature(sess.ID)
	}

	updated, err := r.reg.Update(sess.ID, func(s *session.Session) {
		s.State = session.StateOffline
		clearSet(s.InFlight)
		clearPrompts(s.PendingPrompts)
	})
	if err != nil {
		return
	}

	// Observed sessions exist only through their events; once the stream
	// ends they are removed after a grace delay. Managed sessions stay,
	// offline, until explicitly deleted or restarted.
	if updated.Kind == session.KindObserved {
		r.mu.Lock()
		r.removals[sess.ID] = r.now().Add(r.opts.RemovalGrace)
		r.mu.Unlock()
	}

	r.sched.Schedule(scheduler.Event{
		SessionID: sess.ID,
		Priority:  scheduler.Immediate,
		Kind:      "session-terminated",
		Payload:   statePayload(updated),
	})
}

// HandlePromptDetected is the permission watcher's sink.
func (r *Router) HandlePromptDetected(sessionID string, prompt *watch.Prompt) {
	r.addPrompt(sessionID, prompt.Text, prompt.Options)
}

func (r *Router) addPrompt(sessionID, text string, options []watch.Option) {
	promptID := uuid.New().String()
	_, err := r.reg.Update(sessionID, func(s *session.Session) {
		s.PendingPrompts[promptID] = struct{}{}
		s.State = session.StateWaiting
	})
	if err != nil {
		log.Printf("router: prompt for unknown session %s", sessionID)
		return
	}
	r.cancelRevert(sessionID)

	if len(options) == 0 {
		options = []watch.Option{{Number: 1, Label: "Yes"}, {Number: 2, Label: "No"}}
	}
	if r.onPermission != nil {
		r.onPermission(sessionID, text, options)
	}
	r.transitionNotify(sessionID)
}

// MarkWorking transitions a session to working immediately after a user
// prompt is injected, without waiting for the agent's own hook to land.
func (r *Router) MarkWorking(sessionID string) {
	r.transition(sessionID, func(s *session.Session) {
		s.State = session.StateWorking
		s.Dimmed = false
	})
}

// ClearPrompts empties a session's pending prompt set after an answer is
// delivered, leaving waiting for working or idle.
func (r *Router) ClearPrompts(sessionID string) {
	_, err := r.reg.Update(sessionID, func(s *session.Session) {
		clearPrompts(s.PendingPrompts)
		if s.State == session.StateWaiting {
			if len(s.InFlight) > 0 {
				s.State = session.StateWorking
			} else {
				s.State = session.StateIdle
			}
		}
	})
	if err != nil {
		return
	}
	if r.clearSignature != nil {
		r.clearSignature(sessionID)
	}
	r.transitionNotify(sessionID)
}

// transition applies a state mutation and schedules the resulting
// normalized change. Any state-changing event cancels a pending
// auto-revert so a stale revert cannot clobber newer state.
func (r *Router) transition(sessionID string, fn func(*session.Session)) {
	r.cancelRevert(sessionID)
	updated, err := r.reg.Update(sessionID, fn)
	if err != nil {
		return
	}
	r.sched.Schedule(scheduler.Event{
		SessionID: sessionID,
		Priority:  scheduler.Normal,
		Kind:      "state-change",
		Payload:   statePayload(updated),
	})
}

func (r *Router) transitionNotify(sessionID string) {
	sess, err := r.reg.Get(sessionID)
	if err != nil {
		return
	}
	r.sched.Schedule(scheduler.Event{
		SessionID: sessionID,
		Priority:  scheduler.Normal,
		Kind:      "state-change",
		Payload:   statePayload(sess),
	})
}

func (r *Router) setRevert(sessionID string) {
	r.mu.Lock()
	r.reverts[sessionID] = r.now().Add(r.opts.RevertDelay)
	r.mu.Unlock()
}

func (r *Router) cancelRevert(sessionID string) {
	r.mu.Lock()
	delete(r.reverts, sessionID)
	r.mu.Unlock()
}

// Forget drops all deadline state for a session. Called on explicit
// deletion alongside scheduler purge and signature clearing.
func (r *Router) Forget(sessionID string) {
	r.mu.Lock()
	delete(r.reverts, sessionID)
	delete(r.removals, sessionID)
	r.mu.Unlock()
}

// Tick fires due deadlines. Wired as the scheduler's tick hook so all
// timing shares one drain cadence.
func (r *Router) Tick(now time.Time) {
	r.mu.Lock()
	var dueReverts, dueRemovals []string
	for id, at := range r.reverts {
		if !now.Before(at) {
			dueReverts = append(dueReverts, id)
			delete(r.reverts, id)
		}
	}
	for id, at := range r.removals {
		if !now.Before(at) {
			dueRemovals = append(dueRemovals, id)
			delete(r.removals, id)
		}
	}
	r.mu.Unlock()

	for _, id := range dueReverts {
		updated, err := r.reg.Update(id, func(s *session.Session) {
			if s.State != session.StateYes {
				return // a newer event moved the state; revert is stale
			}
			if len(s.InFlight) > 0 {
				s.State = session.StateWorking
			} else {
				s.State = session.StateIdle
			}
		})
		if err != nil {
			continue
		}
		r.sched.Schedule(scheduler.Event{
			SessionID: id,
			Priority:  scheduler.Normal,
			Kind:      "state-change",
			Payload:   statePayload(updated),
		})
	}

	for _, id := range dueRemovals {
		if err := r.reg.Delete(id); err == nil {
			r.sched.Purge(id)
		}
	}
}

func statePayload(s *session.Session) StatePayload {
	return StatePayload{
		ID:      s.ID,
		Name:    s.Name,
		Kind:    s.Kind,
		State:   s.State,
		Dimmed:  s.Dimmed,
		WorkDir: s.WorkDir,
	}
}

func clearSet(m map[string]time.Time) {
	for k := range m {
		delete(m, k)
	}
}

func clearPrompts(m map[string]struct{}) {
	for k := range m {
		delete(m, k)
	}
}
