// Package changestream implements the Change-Stream Cursor and Change-Stream
// Engine (Components C4 and C5): resumable, server-push-style change
// notifications layered on top of package cursor's generic cursor engine.
package changestream

import (
	"context"
	"sync"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/driverkit/cursor"
	"github.com/dogmatiq/driverkit/errclass"
	"github.com/dogmatiq/driverkit/topology"
	"github.com/dogmatiq/driverkit/wire"
	"golang.org/x/sync/errgroup"
)

// resumePollInterval is how often the resume loop polls
// topology.IsConnected while waiting for a server to become available
// (spec.md §4.5).
const resumePollInterval = 500 * time.Millisecond

type mode int

const (
	modeUnset mode = iota
	modeIterator
	modeEmitter
)

type resumeOutcome struct {
	cur *ccursor
	err error
}

// Engine is the Change-Stream Engine (Component C5): the mode-guarded
// public surface over a resumable change-stream cursor (spec.md §4.5).
type Engine struct {
	topo     topology.Topology
	scope    Scope
	pipeline []wire.Document
	options  Options
	observer Observer

	mu          sync.Mutex
	mode        mode
	closed      bool
	cur         *ccursor
	resumeQueue []chan resumeOutcome

	emitterCancel context.CancelFunc
	eg            *errgroup.Group
	changes       chan Event
	errs          chan error
}

// New constructs an Engine watching scope, appending pipeline after the
// $changeStream stage. The engine is unresolved (mode unset) until the
// first call to Next, TryNext, HasNext, or Stream.
func New(topo topology.Topology, scope Scope, pipeline []wire.Document, opts ...Option) *Engine {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		topo:     topo,
		scope:    scope,
		pipeline: pipeline,
		options:  o,
	}
	e.cur = newCCursor(topo, scope, pipeline, o, e.observer)
	return e
}

// SetObserver installs side-channel notifications. It must be called
// before the first operation that resolves the engine's mode.
func (e *Engine) SetObserver(o Observer) {
	e.observer = o
	e.mu.Lock()
	if e.cur != nil {
		e.cur.notify = o
	}
	e.mu.Unlock()
}

func (e *Engine) logger() logging.Logger {
	return e.options.logger()
}

// ResumeToken returns the engine's current resume token, and whether one
// has been recorded yet.
func (e *Engine) ResumeToken() (wire.ResumeToken, bool) {
	e.mu.Lock()
	cur := e.cur
	e.mu.Unlock()
	if cur == nil {
		return nil, false
	}
	return cur.currentResumeToken()
}

// Closed reports whether the engine has closed.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) setMode(m mode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode == modeUnset {
		e.mode = m
		return nil
	}
	if e.mode != m {
		return ErrModeConflict
	}
	return nil
}

// getCursor returns the engine's current cursor, blocking until one is
// available (mid-resume), the engine closes, or ctx is canceled (spec.md
// §4.5 "_get_cursor").
func (e *Engine) getCursor(ctx context.Context) (*ccursor, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if e.cur != nil {
		cur := e.cur
		e.mu.Unlock()
		return cur, nil
	}
	ch := make(chan resumeOutcome, 1)
	e.resumeQueue = append(e.resumeQueue, ch)
	e.mu.Unlock()

	select {
	case o := <-ch:
		return o.cur, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// processResumeQueue drains resumeQueue in FIFO order, per spec.md §4.5
// "_process_resume_queue". err is the terminal error of the resume attempt
// that just concluded, or nil on success.
func (e *Engine) processResumeQueue(err error) {
	for {
		e.mu.Lock()
		if len(e.resumeQueue) == 0 {
			e.mu.Unlock()
			return
		}
		ch := e.resumeQueue[0]
		e.resumeQueue = e.resumeQueue[1:]
		closed := e.closed
		cur := e.cur
		e.mu.Unlock()

		var o resumeOutcome
		switch {
		case err == nil && closed:
			o = resumeOutcome{err: ErrClosed}
		case err == nil && cur == nil:
			o = resumeOutcome{err: ErrNoCursor}
		default:
			o = resumeOutcome{cur: cur, err: err}
		}
		ch <- o
		close(ch)
	}
}

// closeTerminal transitions the engine to closed with cause as the reason
// observers/queued continuations are given.
func (e *Engine) closeTerminal(cause error) {
	e.mu.Lock()
	alreadyClosed := e.closed
	e.closed = true
	e.cur = nil
	e.mu.Unlock()

	e.processResumeQueue(cause)

	if alreadyClosed {
		return
	}
	if e.observer.OnClose != nil {
		e.observer.OnClose()
	}
}

// handleError implements spec.md §4.5's "process_error": classify e,
// attempt a resume if possible, or close the engine terminally.
func (e *Engine) handleError(ctx context.Context, failedCur *ccursor, cause error) (*ccursor, error) {
	if e.Closed() {
		e.processResumeQueue(nil)
		return nil, ErrClosed
	}

	wireVersion := 0
	if srv := failedCur.Server(); srv != nil {
		wireVersion = srv.WireVersion()
	}

	if errclass.IsResumable(cause, wireVersion) {
		// Detach the failed cursor so getCursor queues callers until the
		// resume concludes.
		e.mu.Lock()
		e.cur = nil
		e.mu.Unlock()

		newCur, rerr := e.resume(ctx, failedCur)
		if rerr == nil {
			e.mu.Lock()
			if e.closed {
				e.mu.Unlock()
				_ = newCur.Close(ctx)
				return nil, ErrClosed
			}
			e.cur = newCur
			e.mu.Unlock()
			e.processResumeQueue(nil)
			return newCur, nil
		}
		logging.Log(e.logger(), "resume attempt failed, closing change stream: %s", rerr)
		e.closeTerminal(rerr)
		return nil, rerr
	}

	e.closeTerminal(cause)
	return nil, cause
}

// resume implements spec.md §4.5's resume loop: wait for topology
// connectivity, then build a replacement cursor from the old one's resume
// snapshot.
func (e *Engine) resume(ctx context.Context, old *ccursor) (*ccursor, error) {
	_ = old.Close(ctx) // best-effort; close errors are never surfaced (spec.md §4.2)
	ro := old.resumeOptions()

	waitCtx, cancel := context.WithTimeout(ctx, e.options.selectionTimeout())
	defer cancel()

	ticker := time.NewTicker(resumePollInterval)
	defer ticker.Stop()

	for !e.topo.IsConnected() {
		select {
		case <-waitCtx.Done():
			return nil, waitCtx.Err()
		case <-ticker.C:
		}
	}

	newCur := newCCursor(e.topo, e.scope, e.pipeline, ro, e.observer)

	if e.currentMode() == modeIterator {
		if _, err := newCur.HasNext(ctx); err != nil {
			return nil, err
		}
	}

	return newCur, nil
}

func (e *Engine) currentMode() mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Next pulls one change event (spec.md §4.5 iterator operations). The
// first call transitions the engine to iterator mode; it fails with
// ErrModeConflict if the engine is already in emitter mode.
func (e *Engine) Next(ctx context.Context) (Event, error) {
	return e.next(ctx, true)
}

// TryNext is like Next, but returns (Event{}, false, nil) instead of
// blocking when no change is immediately available.
func (e *Engine) TryNext(ctx context.Context) (Event, bool, error) {
	ev, err := e.next(ctx, false)
	if err != nil {
		return Event{}, false, err
	}
	if ev.ID == nil {
		return Event{}, false, nil
	}
	return ev, true, nil
}

// HasNext reports whether a subsequent call to Next would yield an event
// without consuming it.
func (e *Engine) HasNext(ctx context.Context) (bool, error) {
	if err := e.setMode(modeIterator); err != nil {
		return false, err
	}
	cur, err := e.getCursor(ctx)
	if err != nil {
		return false, err
	}
	return cur.HasNext(ctx)
}

func (e *Engine) next(ctx context.Context, blocking bool) (Event, error) {
	if err := e.setMode(modeIterator); err != nil {
		return Event{}, err
	}

	cur, err := e.getCursor(ctx)
	if err != nil {
		return Event{}, err
	}

	for {
		var (
			doc wire.Document
			ok  bool
			nerr error
		)
		if blocking {
			doc, ok, nerr = cur.Next(ctx)
		} else {
			doc, ok, nerr = cur.TryNext(ctx)
		}

		if nerr != nil {
			newCur, terr := e.handleError(ctx, cur, nerr)
			if terr != nil {
				return Event{}, terr
			}
			cur = newCur
			continue
		}

		if !ok {
			if !blocking {
				return Event{}, nil
			}
			e.closeTerminal(ErrClosed)
			return Event{}, ErrClosed
		}

		ev, valid := parseEvent(doc)
		if !valid {
			e.closeTerminal(ErrNoResumeToken)
			return Event{}, ErrNoResumeToken
		}
		cur.clearStartAtOperationTime()
		return ev, nil
	}
}

// Stream transitions the engine to emitter mode (failing with
// ErrModeConflict if already in iterator mode) and returns channels
// delivering change events and a single terminal error. The returned
// channels are closed when the engine closes.
func (e *Engine) Stream(ctx context.Context) (<-chan Event, <-chan error, error) {
	if err := e.setMode(modeEmitter); err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	if e.changes != nil {
		changes, errs := e.changes, e.errs
		e.mu.Unlock()
		return changes, errs, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(ctx)
	e.emitterCancel = cancel
	e.eg = eg
	e.changes = make(chan Event)
	e.errs = make(chan error, 1)
	changes, errs := e.changes, e.errs
	e.mu.Unlock()

	eg.Go(func() error {
		return e.runEmitter(egCtx, changes, errs)
	})

	return changes, errs, nil
}

// runEmitter is the engine's single internal goroutine while in emitter
// mode, grounded on the teacher's explicit single-goroutine-per-consumer
// lifecycle: it exits on context cancellation, normal cursor exhaustion, or
// a terminal resume failure, and every exit path is reached exactly once.
//
// Per spec.md §4.5 ("the engine subscribes to its own cursor's stream"),
// this subscribes to the owned cursor's push adapter (cursor.NewStream,
// Component C3's §4.3.3 stream) rather than polling Next itself; a fresh
// Stream is attached to each replacement cursor produced by a resume.
func (e *Engine) runEmitter(ctx context.Context, changes chan<- Event, errs chan<- error) error {
	defer close(changes)
	defer close(errs)

	cur, err := e.getCursor(ctx)
	if err != nil {
		if err != ErrClosed {
			select {
			case errs <- err:
			default:
			}
			return err
		}
		return nil
	}

	stream := cursor.NewStream(ctx, cur.Cursor)

	for {
		select {
		case doc, ok := <-stream.Values:
			if !ok {
				// stream.run closes Errs before Values (deferred in LIFO
				// order), so any terminal error is already visible here.
				var serr error
				select {
				case serr = <-stream.Errs:
				default:
				}

				if serr == nil {
					if e.observer.OnEnd != nil {
						e.observer.OnEnd()
					}
					e.closeTerminal(ErrClosed)
					return nil
				}

				newCur, terr := e.handleError(ctx, cur, serr)
				if terr != nil {
					if terr != ErrClosed {
						select {
						case errs <- terr:
						default:
						}
						if e.observer.OnError != nil {
							e.observer.OnError(terr)
						}
						return terr
					}
					return nil
				}
				cur = newCur
				stream = cursor.NewStream(ctx, cur.Cursor)
				continue
			}

			ev, valid := parseEvent(doc)
			if !valid {
				e.closeTerminal(ErrNoResumeToken)
				select {
				case errs <- ErrNoResumeToken:
				default:
				}
				if e.observer.OnError != nil {
					e.observer.OnError(ErrNoResumeToken)
				}
				return ErrNoResumeToken
			}
			cur.clearStartAtOperationTime()

			if e.observer.OnChange != nil {
				e.observer.OnChange(ev)
			}

			select {
			case changes <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close idempotently closes the engine: the owned cursor is closed, any
// emitter goroutine is stopped, and the resume queue is drained with
// ErrClosed (spec.md §4.5).
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	cur := e.cur
	cancel := e.emitterCancel
	eg := e.eg
	e.closed = true
	e.cur = nil
	e.mu.Unlock()

	var err error
	if cur != nil {
		err = cur.Close(ctx)
	}
	if cancel != nil {
		cancel()
	}
	if eg != nil {
		// The emitter goroutine's own terminal error (if any) has already
		// been delivered on the errs channel; Wait is only used here to
		// block until it has fully exited.
		_ = eg.Wait()
	}

	e.processResumeQueue(ErrClosed)

	if e.observer.OnClose != nil {
		e.observer.OnClose()
	}

	return err
}
