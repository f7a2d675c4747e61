package syncengine

import (
	"errors"
	"fmt"

	"dailyvault/internal/domain"
)

// ErrRebaseExhausted marks a note whose push kept conflicting. The local
// edit stays queued for the next cycle.
var ErrRebaseExhausted = errors.New("rebase attempts exhausted")

// State is the push state of one pending note.
type State interface {
	isState()
	String() string
}

type Idle struct{}

// Pushing is the Attempt-th push of the current cycle, starting at 1.
type Pushing struct {
	Attempt int
}

// Rebasing follows the Attempt-th conflict: the current remote row is being
// fetched so the local edit can be re-sent on top of it.
type Rebasing struct {
	Attempt int
}

// Synced holds the canonical row the server accepted.
type Synced struct {
	Remote *domain.RemoteNote
}

type Failed struct {
	Err error
}

func (Idle) isState()     {}
func (Pushing) isState()  {}
func (Rebasing) isState() {}
func (Synced) isState()   {}
func (Failed) isState()   {}

func (Idle) String() string       { return "idle" }
func (s Pushing) String() string  { return fmt.Sprintf("pushing(%d)", s.Attempt) }
func (s Rebasing) String() string { return fmt.Sprintf("rebasing(%d)", s.Attempt) }
func (Synced) String() string     { return "synced" }
func (s Failed) String() string   { return fmt.Sprintf("failed(%v)", s.Err) }

// Event is an input to the push state machine.
type Event interface {
	isEvent()
}

type PushRequested struct{}

type PushSucceeded struct {
	Remote *domain.RemoteNote
}

type PushConflicted struct{}

// RemoteFetched carries the freshly fetched row, nil if none exists.
type RemoteFetched struct {
	Remote *domain.RemoteNote
}

// PushFailed is any non-conflict failure of a push or a rebase fetch.
type PushFailed struct {
	Err error
}

func (PushRequested) isEvent()  {}
func (PushSucceeded) isEvent()  {}
func (PushConflicted) isEvent() {}
func (RemoteFetched) isEvent()  {}
func (PushFailed) isEvent()     {}

// Machine is the push transition table. MaxRebaseAttempts bounds how many
// conflicts a single cycle absorbs before giving up on a note.
type Machine struct {
	MaxRebaseAttempts int
}

// Transition returns the state that follows s on e. Events that do not apply
// to s leave it unchanged.
func (m Machine) Transition(s State, e Event) State {
	switch st := s.(type) {
	case Idle, Synced, Failed:
		if _, ok := e.(PushRequested); ok {
			return Pushing{Attempt: 1}
		}

	case Pushing:
		switch ev := e.(type) {
		case PushSucceeded:
			return Synced{Remote: ev.Remote}
		case PushConflicted:
			if st.Attempt > m.MaxRebaseAttempts {
				return Failed{Err: fmt.Errorf("%w after %d attempts", ErrRebaseExhausted, st.Attempt)}
			}
			return Rebasing{Attempt: st.Attempt}
		case PushFailed:
			return Failed{Err: ev.Err}
		}

	case Rebasing:
		switch ev := e.(type) {
		case RemoteFetched:
			return Pushing{Attempt: st.Attempt + 1}
		case PushFailed:
			return Failed{Err: ev.Err}
		}
	}
	return s
}

// Terminal reports whether s ends a push run.
func Terminal(s State) bool {
	switch s.(type) {
	case Synced, Failed:
		return true
	}
	return false
}
