package changestream

import "github.com/dogmatiq/driverkit/wire"

// Observer receives side-channel notifications about an Engine's internal
// protocol activity (spec.md §6 "Consumer-facing events"). All methods are
// optional; a nil field is simply not called. Observer methods are invoked
// synchronously on the engine's single cooperative executor and must not
// block (spec.md §5).
type Observer struct {
	// OnInit is called once, after the owned cursor's first aggregate
	// response is processed.
	OnInit func()

	// OnMore is called once per subsequent batch response (i.e. every
	// getMore response, but not the initial aggregate).
	OnMore func()

	// OnResponse is called for every batch response, initial or
	// subsequent.
	OnResponse func(wire.CursorDescriptor)

	// OnChange is called once per change event delivered to the consumer in
	// emitter mode, after ResumeTokenChanged has fired for that event.
	// Iterator-mode events are returned from Next/TryNext without invoking
	// OnChange.
	OnChange func(Event)

	// OnResumeTokenChanged is called whenever the engine's resume token
	// advances, strictly before the corresponding change (if any) is
	// delivered (spec.md §5 "Ordering guarantees").
	OnResumeTokenChanged func(wire.ResumeToken)

	// OnEnd is called once, immediately before OnClose, on normal
	// exhaustion of the underlying cursor in emitter mode (spec.md §8 "last
	// change -> end -> close"). In iterator mode, exhaustion is reported by
	// Next returning ErrClosed and OnEnd is not called.
	OnEnd func()

	// OnClose is called exactly once, when the engine transitions to
	// closed.
	OnClose func()

	// OnError is called when a non-resumable error terminates the engine
	// in emitter mode. Iterator-mode errors are returned directly from
	// Next/TryNext instead.
	OnError func(error)
}
