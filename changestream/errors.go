package changestream

import "errors"

// ErrClosed is returned by any public operation attempted on a closed
// engine (spec.md §7 ClosedError).
var ErrClosed = errors.New("changestream: engine is closed")

// ErrNoResumeToken is the fatal error raised when the server delivers a
// change document with no _id field (spec.md §7 NoResumeTokenError).
var ErrNoResumeToken = errors.New("changestream: change document has no resume token (_id)")

// ErrNoCursor is delivered to a queued consumer continuation when a resume
// attempt concludes without producing a replacement cursor, despite no
// terminal error having occurred (spec.md §4.5 "_process_resume_queue").
var ErrNoCursor = errors.New("changestream: no cursor available")

// ErrModeConflict is returned when an iterator operation is attempted on an
// emitter-mode engine, or vice versa (spec.md §7 ModeConflictError).
var ErrModeConflict = errors.New("changestream: iterator and emitter usage are mutually exclusive")
