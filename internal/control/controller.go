// Package control implements the command surface: every operation a
// subscriber or REST caller can perform on a session. Validation happens
// against the registry before any process interaction, so a bad id or a
// dead session never reaches tmux.
package control

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/agent-relay/relayd/internal/activity"
	"github.com/agent-relay/relayd/internal/config"
	"github.com/agent-relay/relayd/internal/registry"
	"github.com/agent-relay/relayd/internal/router"
	"github.com/agent-relay/relayd/internal/scheduler"
	"github.com/agent-relay/relayd/internal/session"
	"github.com/agent-relay/relayd/internal/tmux"
	"github.com/agent-relay/relayd/internal/watch"
)

// answerKeys maps a permission choice to the keystrokes that select it.
// Numbered menu choices pass through as-is.
var answerKeys = map[string][]string{
	"yes":   {"1"},
	"no":    {"2"},
	"y":     {"y", "Enter"},
	"n":     {"n", "Enter"},
	"allow": {"1"},
	"deny":  {"2"},
}

type Controller struct {
	cfg      *config.Config
	reg      *registry.Registry
	tmux     *tmux.Client
	router   *router.Router
	sched    *scheduler.Scheduler
	watcher  *watch.Watcher
	activity *activity.Watcher
}

func New(cfg *config.Config, reg *registry.Registry, tm *tmux.Client, rt *router.Router, sched *scheduler.Scheduler, watcher *watch.Watcher, act *activity.Watcher) *Controller {
	return &Controller{
		cfg:      cfg,
		reg:      reg,
		tmux:     tm,
		router:   rt,
		sched:    sched,
		watcher:  watcher,
		activity: act,
	}
}

// Create spawns a new managed session: a detached tmux session in the
// given directory with the agent command injected after settle.
func (c *Controller) Create(name, workDir string, resume bool) (*session.Session, error) {
	if err := tmux.ValidateName(name); err != nil {
		return nil, err
	}
	absDir, err := tmux.ValidateWorkDir(workDir)
	if err != nil {
		return nil, err
	}

	tmuxName := c.cfg.Spawn.NamePrefix + name
	startCmd := c.cfg.Spawn.Command
	if resume {
		startCmd += " --continue"
	}

	if err := c.tmux.Create(tmuxName, absDir, startCmd); err != nil {
		return nil, err
	}

	sess := session.New(uuid.New().String(), name, absDir, tmuxName)
	if err := c.reg.Add(sess); err != nil {
		// Roll back the tmux session so a name conflict leaves no orphan.
		_ = c.tmux.Kill(tmuxName)
		return nil, err
	}

	if c.activity != nil && c.cfg.Activity.Enabled {
		// Activity pulses are best effort; creation already succeeded.
		if werr := c.activity.Watch(sess.ID, absDir); werr != nil {
			log.Printf("control: activity watch failed for %s: %v", sess.ID, werr)
		}
	}

	c.sched.Schedule(scheduler.Event{
		SessionID: sess.ID,
		Priority:  scheduler.Immediate,
		Kind:      "session-created",
		Payload:   sess.Clone(),
	})
	return sess.Clone(), nil
}

// List returns managed non-offline sessions plus all observed sessions.
func (c *Controller) List() []*session.Session {
	var out []*session.Session
	for _, sess := range c.reg.List() {
		if sess.Kind == session.KindManaged && sess.State == session.StateOffline {
			continue
		}
		out = append(out, sess)
	}
	return out
}

// ListAll returns every session including offline managed ones.
func (c *Controller) ListAll() []*session.Session {
	return c.reg.List()
}

// Get returns one session by id.
func (c *Controller) Get(id string) (*session.Session, error) {
	return c.reg.Get(id)
}

// SendPrompt safe-injects free text into a session's process. Offline
// sessions fail fast without touching tmux.
func (c *Controller) SendPrompt(id, text string) error {
	sess, err := c.reg.Get(id)
	if err != nil {
		return err
	}
	if sess.State == session.StateOffline {
		return fmt.Errorf("%w: %q", session.ErrOffline, id)
	}
	if sess.TmuxName == "" {
		return fmt.Errorf("%w: session %q has no controllable process", session.ErrOffline, id)
	}

	if err := c.tmux.Inject(sess.TmuxName, text); err != nil {
		return err
	}
	c.router.MarkWorking(id)
	return nil
}

// Cancel sends an interrupt to a session's process.
func (c *Controller) Cancel(id string) error {
	sess, err := c.reg.Get(id)
	if err != nil {
		return err
	}
	if sess.TmuxName == "" || sess.State == session.StateOffline {
		return fmt.Errorf("%w: %q", session.ErrOffline, id)
	}
	return c.tmux.Cancel(sess.TmuxName)
}

// Delete terminates a session and removes it everywhere: process,
// registry, scheduler queue, watcher signature, deadlines.
func (c *Controller) Delete(id string) error {
	sess, err := c.reg.Get(id)
	if err != nil {
		return err
	}

	if sess.TmuxName != "" {
		if kerr := c.tmux.Kill(sess.TmuxName); kerr != nil && !errors.Is(kerr, session.ErrNotFound) {
			return kerr
		}
	}

	// Clear everything synchronously so no further events can be
	// delivered for the dead id.
	c.sched.Purge(id)
	c.router.Forget(id)
	if c.watcher != nil {
		c.watcher.ClearSignature(id)
	}
	if c.activity != nil {
		c.activity.Unwatch(id)
	}
	if err := c.reg.Delete(id); err != nil {
		return err
	}

	c.sched.Schedule(scheduler.Event{
		SessionID: id,
		Priority:  scheduler.Immediate,
		Kind:      "session-removed",
	})
	return nil
}

// Restart relaunches the process for an offline managed session.
func (c *Controller) Restart(id string) (*session.Session, error) {
	sess, err := c.reg.Get(id)
	if err != nil {
		return nil, err
	}
	if sess.Kind != session.KindManaged || sess.TmuxName == "" {
		return nil, fmt.Errorf("%w: %q", session.ErrNotFound, id)
	}
	if sess.State != session.StateOffline {
		return nil, fmt.Errorf("%w: %q", session.ErrNotOffline, id)
	}

	startCmd := c.cfg.Spawn.Command + " --continue"
	if err := c.tmux.Create(sess.TmuxName, sess.WorkDir, startCmd); err != nil {
		return nil, err
	}

	updated, err := c.reg.Update(id, func(s *session.Session) {
		s.State = session.StateIdle
		s.Dimmed = false
	})
	if err != nil {
		return nil, err
	}
	c.sched.Schedule(scheduler.Event{
		SessionID: id,
		Priority:  scheduler.Immediate,
		Kind:      "session-created",
		Payload:   updated,
	})
	return updated, nil
}

// Rename changes a session's display name.
func (c *Controller) Rename(id, name string) (*session.Session, error) {
	if err := tmux.ValidateName(name); err != nil {
		return nil, err
	}
	updated, err := c.reg.Update(id, func(s *session.Session) {
		s.Name = name
	})
	if err != nil {
		return nil, err
	}
	c.sched.Schedule(scheduler.Event{
		SessionID: id,
		Priority:  scheduler.Normal,
		Kind:      "state-change",
		Payload:   updated,
	})
	return updated, nil
}

// Link attaches an externally-reported session id to a managed session.
func (c *Controller) Link(id, externalID string) error {
	if strings.TrimSpace(externalID) == "" {
		return fmt.Errorf("%w: empty external id", session.ErrNameInvalid)
	}
	return c.reg.LinkExternalID(id, externalID)
}

// AnswerPermission delivers a prompt choice as trusted keystrokes and
// clears the session's pending prompt set.
func (c *Controller) AnswerPermission(id, choice string) error {
	sess, err := c.reg.Get(id)
	if err != nil {
		return err
	}
	if sess.TmuxName != "" && sess.State != session.StateOffline {
		keys, ok := answerKeys[strings.ToLower(choice)]
		if !ok {
			keys = []string{choice}
		}
		if err := c.tmux.SendKeys(sess.TmuxName, keys...); err != nil {
			return err
		}
	}
	c.router.ClearPrompts(id)
	return nil
}

// IngestHook routes one raw hook payload through classification. The
// classified event is returned so the hub can broadcast it. Errors never
// escape: an unclassifiable payload still flows downstream as-is.
func (c *Controller) IngestHook(raw []byte) session.HookEvent {
	ev := session.ParseHook(raw)
	c.router.HandleEvent(ev)
	return ev
}

// ReconcileHealth runs one health pass against the live tmux sessions
// and schedules a state change for every session that moved. Reports
// whether anything changed so the hub can push a fresh snapshot.
func (c *Controller) ReconcileHealth() (bool, error) {
	names, err := c.tmux.List()
	if err != nil {
		return false, err
	}
	live := make(map[string]bool, len(names))
	for _, n := range names {
		live[n] = true
	}

	changed := c.reg.ReconcileHealth(live)
	for _, id := range changed {
		sess, err := c.reg.Get(id)
		if err != nil {
			continue
		}
		if sess.State == session.StateOffline {
			c.sched.Purge(id)
			if c.watcher != nil {
				c.watcher.ClearSignature(id)
			}
		}
		c.sched.Schedule(scheduler.Event{
			SessionID: id,
			Priority:  scheduler.Normal,
			Kind:      "state-change",
			Payload:   sess,
		})
	}
	return len(changed) > 0, nil
}

// WatchCandidates lists the sessions the permission watcher should poll.
func (c *Controller) WatchCandidates() []watch.Candidate {
	var out []watch.Candidate
	for _, sess := range c.reg.List() {
		if sess.TmuxName == "" {
			continue
		}
		out = append(out, watch.Candidate{
			SessionID: sess.ID,
			TmuxName:  sess.TmuxName,
			State:     sess.State,
		})
	}
	return out
}
