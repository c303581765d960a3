package download

import (
	"log"
	"time"
)

// State is a DownloadAttempt state.
type State string

const (
	StateNavigating      State = "navigating"
	StateAwaitingControl State = "awaiting_control"
	StateTriggering      State = "triggering"
	StateAwaitingEvent   State = "awaiting_event"
	StateSaving          State = "saving"
	StateVerified        State = "verified"
	StateFailed          State = "failed"
	StateRetrying        State = "retrying"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateVerified || s == StateFailed
}

type Transition struct {
	From   State
	To     State
	At     time.Time
	Reason string
}

// Attempt tracks one download from navigation to a terminal state. It is
// owned by a single ingest request and never persisted.
type Attempt struct {
	ID       string
	URL      string
	Deadline time.Time
	Retries  int
	State    State

	// Set once the attempt is Verified.
	ScratchPath       string
	SuggestedFilename string
	SizeBytes         int64

	PopupsClosed int
	Transitions  []Transition
}

func (a *Attempt) to(next State, at time.Time, reason string) {
	a.Transitions = append(a.Transitions, Transition{From: a.State, To: next, At: at, Reason: reason})
	if reason != "" {
		log.Printf("[Download:%s] %s -> %s (%s)", shortID(a.ID), a.State, next, reason)
	} else {
		log.Printf("[Download:%s] %s -> %s", shortID(a.ID), a.State, next)
	}
	a.State = next
}

// Path returns the sequence of states the attempt went through.
func (a *Attempt) Path() []State {
	out := []State{StateNavigating}
	for _, t := range a.Transitions {
		out = append(out, t.To)
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
