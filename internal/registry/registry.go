// Package registry is the single source of truth for session existence
// and state. Managed sessions persist across restarts; observed sessions
// are ephemeral and rebuilt purely from live events.
package registry

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/agent-relay/relayd/internal/session"
)

type Registry struct {
	mu       sync.Mutex
	managed  map[string]*session.Session
	observed map[string]*session.Session // keyed by external id
	store    *Store
}

// New creates a registry backed by the given store. Persisted sessions
// are loaded immediately, all marked offline pending a health pass.
func New(store *Store) (*Registry, error) {
	r := &Registry{
		managed:  make(map[string]*session.Session),
		observed: make(map[string]*session.Session),
		store:    store,
	}

	if store != nil {
		loaded, err := store.Load()
		if err != nil {
			return nil, err
		}
		for _, sess := range loaded {
			r.managed[sess.ID] = sess
		}
	}
	return r, nil
}

// persistLocked rewrites the managed-session file. Callers hold r.mu.
func (r *Registry) persistLocked() {
	if r.store == nil {
		return
	}
	sessions := make([]*session.Session, 0, len(r.managed))
	for _, sess := range r.managed {
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	if err := r.store.Save(sessions); err != nil {
		log.Printf("registry: persist failed: %v", err)
	}
}

// Add stores a new managed session.
func (r *Registry) Add(sess *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.managed[sess.ID]; ok {
		return fmt.Errorf("%w: %q", session.ErrAlreadyExists, sess.ID)
	}
	for _, existing := range r.managed {
		if existing.Name == sess.Name {
			return fmt.Errorf("%w: name %q", session.ErrAlreadyExists, sess.Name)
		}
	}
	r.managed[sess.ID] = sess
	r.persistLocked()
	return nil
}

// Get returns a copy of a session by id, managed or observed.
func (r *Registry) Get(id string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.managed[id]; ok {
		return sess.Clone(), nil
	}
	for _, sess := range r.observed {
		if sess.ID == id {
			return sess.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %q", session.ErrNotFound, id)
}

// Update applies fn to the live record under the registry lock and
// persists the result for managed sessions. fn must not block.
func (r *Registry) Update(id string, fn func(*session.Session)) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.managed[id]; ok {
		fn(sess)
		sess.Touch()
		r.persistLocked()
		return sess.Clone(), nil
	}
	for _, sess := range r.observed {
		if sess.ID == id {
			fn(sess)
			sess.Touch()
			return sess.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %q", session.ErrNotFound, id)
}

// Delete removes a session by id. Observed sessions are matched by their
// display id as well as their external id.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.managed[id]; ok {
		delete(r.managed, id)
		r.persistLocked()
		return nil
	}
	for extID, sess := range r.observed {
		if sess.ID == id || extID == id {
			delete(r.observed, extID)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", session.ErrNotFound, id)
}

// List returns copies of every session, managed first in creation order.
func (r *Registry) List() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*session.Session, 0, len(r.managed)+len(r.observed))
	for _, sess := range r.managed {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	for _, sess := range r.observed {
		out = append(out, sess.Clone())
	}
	return out
}

// ReconcileHealth compares every managed session against the set of live
// tmux session names. Offline sessions whose process is back come up as
// idle; sessions whose process vanished go offline. Returns the ids that
// changed state.
func (r *Registry) ReconcileHealth(liveNames map[string]bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []string
	for id, sess := range r.managed {
		if sess.TmuxName == "" {
			continue
		}
		alive := liveNames[sess.TmuxName]
		switch {
		case alive && sess.State == session.StateOffline:
			sess.State = session.StateIdle
			changed = append(changed, id)
		case !alive && sess.State != session.StateOffline:
			sess.State = session.StateOffline
			for k := range sess.InFlight {
				delete(sess.InFlight, k)
			}
			for k := range sess.PendingPrompts {
				delete(sess.PendingPrompts, k)
			}
			changed = append(changed, id)
		}
	}
	if len(changed) > 0 {
		r.persistLocked()
	}
	sort.Strings(changed)
	return changed
}

// ResolveExternal maps an external session id to the record that owns it:
// a linked managed session, an auto-link candidate, or the observed
// table. createObserved controls whether an unknown id creates a new
// observed record.
func (r *Registry) ResolveExternal(externalID, workDir string, createObserved bool) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sess := range r.managed {
		if sess.ExternalID == externalID {
			return sess.Clone(), true
		}
	}

	// Auto-link: exactly one unlinked managed session sharing the event's
	// working directory claims the external id. First unlinked match in
	// creation order wins on ties.
	if workDir != "" {
		if target := r.autoLinkCandidateLocked(externalID, workDir); target != nil {
			r.linkLocked(target, externalID)
			return target.Clone(), true
		}
	}

	if sess, ok := r.observed[externalID]; ok {
		return sess.Clone(), true
	}
	if !createObserved {
		return nil, false
	}

	sess := session.NewObserved(externalID, workDir)
	// Two external ids can share a truncated prefix; extend until the
	// display id is unique so Get and Delete stay unambiguous.
	if id := r.uniqueDisplayIDLocked(externalID); id != sess.ID {
		sess.ID = id
		sess.Name = id
	}
	r.observed[externalID] = sess
	return sess.Clone(), true
}

func (r *Registry) uniqueDisplayIDLocked(externalID string) string {
	id := session.TruncateExternalID(externalID)
	for n := len(id) + 1; r.displayIDTakenLocked(id) && n <= len(externalID); n++ {
		id = externalID[:n]
	}
	return id
}

func (r *Registry) displayIDTakenLocked(id string) bool {
	if _, ok := r.managed[id]; ok {
		return true
	}
	for _, sess := range r.observed {
		if sess.ID == id {
			return true
		}
	}
	return false
}

func (r *Registry) autoLinkCandidateLocked(externalID, workDir string) *session.Session {
	var candidates []*session.Session
	for _, sess := range r.managed {
		if sess.ExternalID == "" && sess.WorkDir == workDir {
			candidates = append(candidates, sess)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0]
}

// linkLocked attaches an external id to a managed session, absorbing any
// observed duplicate's accumulated state.
func (r *Registry) linkLocked(sess *session.Session, externalID string) {
	sess.ExternalID = externalID
	if obs, ok := r.observed[externalID]; ok {
		for id, t := range obs.InFlight {
			sess.InFlight[id] = t
		}
		for id := range obs.PendingPrompts {
			sess.PendingPrompts[id] = struct{}{}
		}
		if len(sess.PendingPrompts) > 0 {
			sess.State = session.StateWaiting
		}
		delete(r.observed, externalID)
	}
	r.persistLocked()
}

// LinkExternalID links a managed session to an external session id.
// Idempotent: relinking the same pair is a no-op. A different session
// already holding the id is a conflict.
func (r *Registry) LinkExternalID(managedID, externalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.managed[managedID]
	if !ok {
		return fmt.Errorf("%w: %q", session.ErrNotFound, managedID)
	}
	if sess.ExternalID == externalID {
		return nil
	}
	for id, other := range r.managed {
		if id != managedID && other.ExternalID == externalID {
			return fmt.Errorf("%w: external id %q already linked", session.ErrAlreadyExists, externalID)
		}
	}
	r.linkLocked(sess, externalID)
	return nil
}

// RemoveObserved drops an observed record on a terminal event.
func (r *Registry) RemoveObserved(externalID string) {
	r.mu.Lock()
	delete(r.observed, externalID)
	r.mu.Unlock()
}

// ManagedCount and ObservedCount feed the metrics gauges.
func (r *Registry) ManagedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.managed)
}

func (r *Registry) ObservedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observed)
}

// Exists reports whether any session with the given id is known.
func (r *Registry) Exists(id string) bool {
	_, err := r.Get(id)
	return err == nil
}
