package topology

import (
	"sync"

	"github.com/google/uuid"
)

// Session represents a logical server session.
//
// A session may be owned by a cursor (implicit) or by the caller
// (explicit). Implicit sessions are ended exactly once, by the cursor that
// owns them, during cleanup; explicit sessions are never ended by a cursor
// (spec.md §5, §9 "session ownership rule").
type Session struct {
	// ID uniquely identifies the session.
	ID uuid.UUID

	// Explicit is true if the caller started this session themselves.
	Explicit bool

	// Pinned is the address of the connection this session is pinned to,
	// in load-balanced mode. Empty if unpinned.
	Pinned string

	once  sync.Once
	ended bool
}

// NewSession returns a new session with a freshly generated ID.
func NewSession(opts SessionOptions) *Session {
	return &Session{
		ID:       uuid.New(),
		Explicit: opts.Explicit,
	}
}

// End ends the session. It is idempotent. Callers must only invoke this on
// sessions they own (see the type's doc comment).
func (s *Session) End() {
	s.once.Do(func() {
		s.ended = true
	})
}

// Ended reports whether End has been called.
func (s *Session) Ended() bool {
	return s.ended
}

// Pin pins the session to a connection address, used in load-balanced mode.
func (s *Session) Pin(addr string) {
	s.Pinned = addr
}

// Unpin clears the session's pinned connection. The cursor engine calls it
// when cleaning up a load-balanced cursor after a network error; errors
// carrying a "transient transaction" label get no separate unpin handling.
func (s *Session) Unpin() {
	s.Pinned = ""
}
