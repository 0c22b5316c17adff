package session

import (
	"time"
)

// Kind distinguishes sessions this daemon spawned from sessions it only
// hears about through hook events.
type Kind string

const (
	KindManaged  Kind = "managed"
	KindObserved Kind = "observed"
)

// State is the lifecycle state of a session. The wire values are stable;
// clients render directly from them.
type State string

const (
	StateIdle    State = "idle"
	StateWorking State = "working"
	StateYes     State = "yes" // tool completed successfully, flashes before auto-revert
	StateNo      State = "no"  // tool completed blocked/denied
	StateWaiting State = "waiting"
	StateOffline State = "offline"
)

// Session is the authoritative record for one managed or observed agent
// session. All mutation goes through the registry; components hold ids,
// not copies.
type Session struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	Name         string    `json:"name"`
	WorkDir      string    `json:"work_dir"`
	TmuxName     string    `json:"tmux_name,omitempty"`
	ExternalID   string    `json:"external_id,omitempty"`
	State        State     `json:"state"`
	Dimmed       bool      `json:"dimmed"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`

	// InFlight holds tool invocation ids that have started but not yet
	// completed. Completion of an unknown id is a no-op.
	InFlight map[string]time.Time `json:"-"`

	// PendingPrompts holds outstanding permission prompt ids. The session
	// is in StateWaiting iff this set is non-empty.
	PendingPrompts map[string]struct{} `json:"-"`
}

// New returns a managed session record in its initial state.
func New(id, name, workDir, tmuxName string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:             id,
		Kind:           KindManaged,
		Name:           name,
		WorkDir:        workDir,
		TmuxName:       tmuxName,
		State:          StateIdle,
		CreatedAt:      now,
		LastActivity:   now,
		InFlight:       make(map[string]time.Time),
		PendingPrompts: make(map[string]struct{}),
	}
}

// NewObserved returns a record for a session known only through hook events.
func NewObserved(externalID, workDir string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:             TruncateExternalID(externalID),
		Kind:           KindObserved,
		Name:           TruncateExternalID(externalID),
		WorkDir:        workDir,
		ExternalID:     externalID,
		State:          StateIdle,
		CreatedAt:      now,
		LastActivity:   now,
		InFlight:       make(map[string]time.Time),
		PendingPrompts: make(map[string]struct{}),
	}
}

// TruncateExternalID shortens an externally-reported session id to a
// display identity.
func TruncateExternalID(externalID string) string {
	if len(externalID) > 8 {
		return externalID[:8]
	}
	return externalID
}

// Clone returns a deep copy safe to hand outside the registry lock.
func (s *Session) Clone() *Session {
	c := *s
	c.InFlight = make(map[string]time.Time, len(s.InFlight))
	for k, v := range s.InFlight {
		c.InFlight[k] = v
	}
	c.PendingPrompts = make(map[string]struct{}, len(s.PendingPrompts))
	for k := range s.PendingPrompts {
		c.PendingPrompts[k] = struct{}{}
	}
	return &c
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.LastActivity = time.Now().UTC()
}
