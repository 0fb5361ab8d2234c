package cursor

import "errors"

// ErrCursorInUse is returned by a mutator (AddCursorFlag, SetBatchSize,
// SetMaxTime, SetReadPreference, SetReadConcern, Map) called after the
// cursor has been initialized (spec.md §4.3).
var ErrCursorInUse = errors.New("cursor: cannot modify a cursor that has already been used")

// ErrCursorExhausted is returned by Next when called again after the
// cursor has already reached id == 0 with an empty buffer (spec.md §4.3.5).
var ErrCursorExhausted = errors.New("cursor: cursor is exhausted")

// ErrTailableMisuse is returned when a mutation forbidden on tailable
// cursors (limit, skip, sort, batch size) is attempted (spec.md §4.3.5).
var ErrTailableMisuse = errors.New("cursor: tailable cursors do not support this option")

// ErrClosed is returned by Next/HasNext/ToArray/ForEach when called on a
// cursor that has already been closed.
var ErrClosed = errors.New("cursor: cursor is closed")

// ErrServerClosed is the locally-originated error used by the stream
// adapter's "server is closed" string match (spec.md §4.3.3, §9 — a
// deliberate, documented exception to structured-error classification).
var ErrServerClosed = errors.New("cursor: server is closed")

// ErrInterrupted is the locally-originated error used by the stream
// adapter's "interrupted" string match (spec.md §4.3.3, §9).
var ErrInterrupted = errors.New("cursor: interrupted")
