package ftp

import (
	"context"
	"fmt"
	"sync"
)

// ConnState is the lifecycle state of a control or data connection.
type ConnState int

const (
	ConnUninitialised ConnState = iota
	ConnInitialised
	// ConnStartListening and ConnListening are only used by data
	// connections in active mode.
	ConnStartListening
	ConnListening
	ConnConnecting
	ConnConnected
	ConnDisconnecting
	ConnDisconnected
	ConnFailed
)

var connStateNames = [...]string{
	ConnUninitialised:  "uninitialised",
	ConnInitialised:    "initialised",
	ConnStartListening: "start-listening",
	ConnListening:      "listening",
	ConnConnecting:     "connecting",
	ConnConnected:      "connected",
	ConnDisconnecting:  "disconnecting",
	ConnDisconnected:   "disconnected",
	ConnFailed:         "failed",
}

func (s ConnState) String() string {
	if s < 0 || int(s) >= len(connStateNames) {
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
	return connStateNames[s]
}

// SessionState is the lifecycle state of a Session.
//
//	Uninitialised -> Initialised -> Opening -> Opened -(login)-> Idle <-> Busy
//	Opened/Idle -> Closing -> Closed
//
// Any state may move to Failed. Open is permitted again from Closed and Failed.
type SessionState int

const (
	StateUninitialised SessionState = iota
	StateInitialised
	StateOpening
	// StateOpened: the control connection is up and the welcome was
	// accepted, but no user is logged in.
	StateOpened
	// StateIdle: logged in and ready for the next command.
	StateIdle
	// StateBusy: a command is in flight.
	StateBusy
	StateClosing
	StateClosed
	StateFailed
)

var sessionStateNames = [...]string{
	StateUninitialised: "uninitialised",
	StateInitialised:   "initialised",
	StateOpening:       "opening",
	StateOpened:        "opened",
	StateIdle:          "idle",
	StateBusy:          "busy",
	StateClosing:       "closing",
	StateClosed:        "closed",
	StateFailed:        "failed",
}

func (s SessionState) String() string {
	if s < 0 || int(s) >= len(sessionStateNames) {
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
	return sessionStateNames[s]
}

// stateBox holds a state value and the error that came with the last
// transition. Waiters block on a channel that is closed on every
// transition, so nothing polls.
type stateBox[S comparable] struct {
	mu      sync.Mutex
	state   S
	err     error
	changed chan struct{}

	// onChange is called with the new state after every transition,
	// outside the lock.
	onChange func(from, to S, err error)
}

func newStateBox[S comparable](initial S) *stateBox[S] {
	return &stateBox[S]{state: initial, changed: make(chan struct{})}
}

// get returns the current state and the error of the last transition.
func (b *stateBox[S]) get() (S, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.err
}

// set moves to s. It does nothing and reports false when s is already
// the current state.
func (b *stateBox[S]) set(s S, err error) bool {
	b.mu.Lock()
	if b.state == s {
		b.mu.Unlock()
		return false
	}
	from := b.state
	b.state = s
	b.err = err
	close(b.changed)
	b.changed = make(chan struct{})
	notify := b.onChange
	b.mu.Unlock()

	if notify != nil {
		notify(from, s, err)
	}
	return true
}

// transition moves from one of the allowed states to s. It reports the
// state found and whether the move happened.
func (b *stateBox[S]) transition(s S, allowed ...S) (S, bool) {
	b.mu.Lock()
	cur := b.state
	ok := false
	for _, a := range allowed {
		if a == cur {
			ok = true
			break
		}
	}
	if !ok || cur == s {
		b.mu.Unlock()
		return cur, false
	}
	b.state = s
	b.err = nil
	close(b.changed)
	b.changed = make(chan struct{})
	notify := b.onChange
	b.mu.Unlock()

	if notify != nil {
		notify(cur, s, nil)
	}
	return cur, true
}

// waitWhile blocks while pred holds for the current state. It returns the
// first state for which pred is false, or ctx's error.
func (b *stateBox[S]) waitWhile(ctx context.Context, pred func(S) bool) (S, error) {
	for {
		b.mu.Lock()
		s, err, ch := b.state, b.err, b.changed
		b.mu.Unlock()

		if !pred(s) {
			return s, err
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}
