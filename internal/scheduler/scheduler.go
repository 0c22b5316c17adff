// Package scheduler converts a bursty per-session event stream into a
// bounded-rate, priority-ordered stream. All timing is deadline-based and
// checked by a single drain loop; there are no per-event timers.
package scheduler

import (
	"context"
	"sync"
	"time"
)

// Priority orders event classes, highest first.
type Priority int

const (
	// Immediate events (session created/terminated) bypass all buffering.
	Immediate Priority = iota
	// High events (tool start/end) queue FIFO without coalescing.
	High
	// Normal events (state changes) coalesce within a window; latest wins.
	Normal
	// Low events (pulses, dim toggles) coalesce with a combined count so
	// bursts are summarized rather than lost.
	Low
)

// Event is one scheduled delivery for a session.
type Event struct {
	SessionID  string    `json:"session_id"`
	Priority   Priority  `json:"-"`
	Kind       string    `json:"kind"`
	Payload    any       `json:"payload,omitempty"`
	Coalesced  int       `json:"coalesced,omitempty"`
	EnqueuedAt time.Time `json:"-"`
}

// Options carries the timing knobs. Zero values are not defaulted here;
// the config package owns defaults.
type Options struct {
	Coalesce    time.Duration // window during which same-class events merge
	MinInterval time.Duration // minimum spacing between deliveries per session
	MaxAge      time.Duration // older events are dropped, not delivered
	Tick        time.Duration // drain loop period
}

// DeliverFunc receives each event that survives scheduling.
type DeliverFunc func(Event)

// ExistsFunc reports whether a session id is still known; queues for
// unknown sessions with nothing pending are garbage collected.
type ExistsFunc func(sessionID string) bool

type sessionQueue struct {
	high        []Event
	normal      *Event
	normalFirst time.Time
	low         *Event
	lowFirst    time.Time
	lowCount    int
}

func (q *sessionQueue) empty() bool {
	return len(q.high) == 0 && q.normal == nil && q.low == nil
}

type Scheduler struct {
	opts    Options
	deliver DeliverFunc
	exists  ExistsFunc

	// OnSchedule, OnDrop, and OnCoalesce are optional observation hooks.
	OnSchedule func(Event)
	OnDrop     func(Event)
	OnCoalesce func(Event)

	mu           sync.Mutex
	queues       map[string]*sessionQueue
	lastDelivery map[string]time.Time
	tickHook     func(now time.Time)

	now func() time.Time
}

func New(opts Options, deliver DeliverFunc, exists ExistsFunc) *Scheduler {
	return &Scheduler{
		opts:         opts,
		deliver:      deliver,
		exists:       exists,
		queues:       make(map[string]*sessionQueue),
		lastDelivery: make(map[string]time.Time),
		now:          time.Now,
	}
}

// SetTickHook registers a callback invoked once per drain tick, outside
// the scheduler lock. Used for deadline-driven work (auto-reverts,
// delayed removals) that should share the drain cadence.
func (s *Scheduler) SetTickHook(fn func(now time.Time)) {
	s.mu.Lock()
	s.tickHook = fn
	s.mu.Unlock()
}

// Schedule enqueues one event. Immediate events are delivered
// synchronously and never queued.
func (s *Scheduler) Schedule(ev Event) {
	now := s.now()
	ev.EnqueuedAt = now

	if s.OnSchedule != nil {
		s.OnSchedule(ev)
	}

	if ev.Priority == Immediate {
		s.mu.Lock()
		s.lastDelivery[ev.SessionID] = now
		s.mu.Unlock()
		s.deliver(ev)
		return
	}

	s.mu.Lock()
	q := s.queues[ev.SessionID]
	if q == nil {
		q = &sessionQueue{}
		s.queues[ev.SessionID] = q
	}

	var coalesced bool
	switch ev.Priority {
	case High:
		q.high = append(q.high, ev)
	case Normal:
		if q.normal != nil {
			// Replace the pending event but keep the first-arrival time so
			// a steady stream cannot starve the window forever.
			coalesced = true
		} else {
			q.normalFirst = now
		}
		q.normal = &ev
	case Low:
		if q.low != nil {
			coalesced = true
			q.lowCount++
		} else {
			q.lowFirst = now
			q.lowCount = 1
		}
		q.low = &ev
	}
	s.mu.Unlock()

	if coalesced && s.OnCoalesce != nil {
		s.OnCoalesce(ev)
	}
}

// Run drives the drain loop until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick performs one drain pass: at most one delivery per session, timing
// constraints permitting, plus stale-event dropping and queue GC.
func (s *Scheduler) Tick() {
	now := s.now()

	s.mu.Lock()
	hook := s.tickHook

	var deliveries, dropped []Event
	for sid, q := range s.queues {
		dropped = append(dropped, s.dropStaleLocked(q, now)...)

		if q.empty() {
			if !s.exists(sid) {
				delete(s.queues, sid)
				delete(s.lastDelivery, sid)
			}
			continue
		}
		if now.Sub(s.lastDelivery[sid]) < s.opts.MinInterval {
			continue
		}

		if ev, ok := s.popLocked(q, now); ok {
			s.lastDelivery[sid] = now
			deliveries = append(deliveries, ev)
		}
	}
	s.mu.Unlock()

	for _, ev := range dropped {
		if s.OnDrop != nil {
			s.OnDrop(ev)
		}
	}
	for _, ev := range deliveries {
		s.deliver(ev)
	}
	if hook != nil {
		hook(now)
	}
}

// dropStaleLocked removes events past MaxAge. Coalesced slots age from
// their first arrival.
func (s *Scheduler) dropStaleLocked(q *sessionQueue, now time.Time) []Event {
	var dropped []Event

	kept := q.high[:0]
	for _, ev := range q.high {
		if now.Sub(ev.EnqueuedAt) > s.opts.MaxAge {
			dropped = append(dropped, ev)
		} else {
			kept = append(kept, ev)
		}
	}
	q.high = kept

	if q.normal != nil && now.Sub(q.normalFirst) > s.opts.MaxAge {
		dropped = append(dropped, *q.normal)
		q.normal = nil
	}
	if q.low != nil && now.Sub(q.lowFirst) > s.opts.MaxAge {
		dropped = append(dropped, *q.low)
		q.low = nil
		q.lowCount = 0
	}
	return dropped
}

// popLocked picks the highest-class event whose window has matured.
func (s *Scheduler) popLocked(q *sessionQueue, now time.Time) (Event, bool) {
	if len(q.high) > 0 {
		ev := q.high[0]
		q.high = q.high[1:]
		return ev, true
	}
	if q.normal != nil && now.Sub(q.normalFirst) >= s.opts.Coalesce {
		ev := *q.normal
		q.normal = nil
		return ev, true
	}
	if q.low != nil && now.Sub(q.lowFirst) >= s.opts.Coalesce {
		ev := *q.low
		ev.Coalesced = q.lowCount
		q.low = nil
		q.lowCount = 0
		return ev, true
	}
	return Event{}, false
}

// Purge synchronously clears a session's pending queue. Called on
// deletion or termination so no further events are delivered for a dead
// session id.
func (s *Scheduler) Purge(sessionID string) {
	s.mu.Lock()
	delete(s.queues, sessionID)
	delete(s.lastDelivery, sessionID)
	s.mu.Unlock()
}

// Pending reports how many events are queued for a session.
func (s *Scheduler) Pending(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[sessionID]
	if q == nil {
		return 0
	}
	n := len(q.high)
	if q.normal != nil {
		n++
	}
	if q.low != nil {
		n++
	}
	return n
}
