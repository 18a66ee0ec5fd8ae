package config

import (
	"sync/atomic"

	"github.com/basket/quartermaster/internal/bus"
)

// State is the shared mutable bot state: the global reload lock and the
// admin set. It is constructed once in main and injected into every
// component that needs it.
//
// The lock is a cooperative, ownerless gate, not a mutex: reload paths set
// and clear it, dispatch paths check it before invoking any handler.
// Setting it does not preempt a handler that passed its check just before.
type State struct {
	locked atomic.Bool
	admins map[string]struct{}
	events *bus.Bus
}

// NewState builds the shared state. events may be nil.
func NewState(admins []string, events *bus.Bus) *State {
	set := make(map[string]struct{}, len(admins))
	for _, id := range admins {
		set[id] = struct{}{}
	}
	return &State{admins: set, events: events}
}

// Lock sets the global lock. Returns false if it was already set.
func (s *State) Lock() bool {
	changed := s.locked.CompareAndSwap(false, true)
	if changed && s.events != nil {
		s.events.Publish(bus.TopicLockSet, nil)
	}
	return changed
}

// Unlock clears the global lock. Safe to call when not locked.
func (s *State) Unlock() {
	if s.locked.CompareAndSwap(true, false) && s.events != nil {
		s.events.Publish(bus.TopicLockCleared, nil)
	}
}

// Locked reports the advisory lock flag.
func (s *State) Locked() bool {
	return s.locked.Load()
}

// IsAdmin reports whether the user may use the lock/unlock commands.
func (s *State) IsAdmin(userID string) bool {
	_, ok := s.admins[userID]
	return ok
}
