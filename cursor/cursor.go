// Package cursor implements the generic server-cursor engine (Component C3,
// spec.md §4.3): initialization, buffered iteration, getMore-driven
// exhaustion, cleanup, and a push-style stream adapter.
//
// A Cursor is not safe for concurrent iteration from multiple goroutines —
// spec.md's single-cooperative-executor model (§5) assumes one goroutine
// drives a given cursor's Next/TryNext/HasNext/ToArray/ForEach/NewStream calls
// at a time. Close is the one exception: it may always be called
// concurrently with iteration.
package cursor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/driverkit/errclass"
	"github.com/dogmatiq/driverkit/topology"
	"github.com/dogmatiq/driverkit/wire"
)

// commentInGetMoreWireVersion is the wire version at or above which a
// getMore command may carry a comment (spec.md §6.2).
const commentInGetMoreWireVersion = 9

// InitResult is returned by an Initializer's first operation.
type InitResult struct {
	// Server is the server the operation was executed against.
	Server topology.Server

	// Session is the session used for the operation, whether owned by
	// the caller or started implicitly. May be nil.
	Session *topology.Session

	// SessionOwned is true if Session was started implicitly by the
	// initializer/cursor and must be ended on cleanup.
	SessionOwned bool

	// Cursor is the cursor descriptor extracted from the response. Unused
	// if NoCursor is true.
	Cursor wire.CursorDescriptor

	// NoCursor is true if the response contained no cursor sub-document
	// (e.g. an explain). When true, Raw is buffered as a single document
	// and the cursor id is forced to zero (spec.md §4.3.1 step 4).
	NoCursor bool

	// Raw is the whole response document, used only when NoCursor is
	// true.
	Raw wire.Document
}

// Initializer executes a cursor's first operation (e.g. aggregate or find)
// against a server selected from topo.
type Initializer interface {
	Execute(
		ctx context.Context,
		topo topology.Topology,
		rp topology.ReadPreference,
		session *topology.Session,
	) (InitResult, error)
}

// Hooks lets a specialization (e.g. a change-stream cursor) observe raw
// protocol events without re-implementing the iteration algorithm.
type Hooks struct {
	// OnInit is called once, after the initial operation completes
	// successfully.
	OnInit func(InitResult)

	// OnBatch is called once per batch received, whether from the
	// initial operation or a getMore.
	OnBatch func(wire.CursorDescriptor)

	// OnDocument is called once per document as it is popped off the
	// internal buffer, before any transform is applied. bufferEmpty
	// reports whether the buffer is now empty.
	OnDocument func(doc wire.Document, bufferEmpty bool)

	// OnClose is called exactly once, when the cursor's cleanup runs.
	OnClose func()
}

// Cursor is the generic server cursor engine described in spec.md §4.3.
type Cursor struct {
	topo  topology.Topology
	ns    wire.Namespace
	init  Initializer
	hooks Hooks

	mu           sync.Mutex
	options      Options
	server       topology.Server
	session      *topology.Session
	sessionOwned bool
	id           wire.CursorID
	buffered     []wire.Document
	initialized  bool
	closed       bool
	exhausted    bool
	killed       bool

	cleanupOnce sync.Once
}

// New returns a new, uninitialized cursor. The first call to Next,
// TryNext, HasNext, ToArray, or ForEach (including one made by a Stream
// returned from NewStream) triggers initialization.
func New(topo topology.Topology, ns wire.Namespace, init Initializer, opts ...Option) *Cursor {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return &Cursor{
		topo:    topo,
		ns:      ns,
		init:    init,
		options: o,
	}
}

// SetHooks installs observation hooks. It must be called before the first
// call that triggers initialization.
func (c *Cursor) SetHooks(h Hooks) {
	c.hooks = h
}

// Namespace returns the cursor's current namespace, which may have been
// rewritten by the initial response.
func (c *Cursor) Namespace() wire.Namespace {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ns
}

// Server returns the server the cursor is currently bound to, or nil if
// the cursor has not yet been initialized.
func (c *Cursor) Server() topology.Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// Session returns the session the cursor is currently using, or nil.
func (c *Cursor) Session() *topology.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// ID returns the server-side cursor id. Zero means exhausted.
func (c *Cursor) ID() wire.CursorID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Closed reports whether the cursor has been closed.
func (c *Cursor) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Cursor) logger() logging.Logger {
	return c.options.logger()
}

// --- mutators (spec.md §4.3: fail with ErrCursorInUse after init) ---

func (c *Cursor) mutate(fn func(*Options) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return ErrCursorInUse
	}
	return fn(&c.options)
}

// AddCursorFlag adds a server-side cursor flag.
func (c *Cursor) AddCursorFlag(flag string) error {
	return c.mutate(func(o *Options) error {
		o.CursorFlags = append(o.CursorFlags, flag)
		return nil
	})
}

// SetBatchSize sets the batch size used for getMore calls.
func (c *Cursor) SetBatchSize(n int) error {
	return c.mutate(func(o *Options) error {
		if o.Tailable {
			return ErrTailableMisuse
		}
		o.BatchSize = n
		return nil
	})
}

// SetMaxTime sets the command-level maxTimeMS.
func (c *Cursor) SetMaxTime(d time.Duration) error {
	return c.mutate(func(o *Options) error {
		o.MaxTime = d
		return nil
	})
}

// SetReadPreference sets the read preference used to select a server.
func (c *Cursor) SetReadPreference(rp topology.ReadPreference) error {
	return c.mutate(func(o *Options) error {
		o.ReadPreference = rp
		return nil
	})
}

// SetReadConcern sets the read concern document.
func (c *Cursor) SetReadConcern(doc wire.Document) error {
	return c.mutate(func(o *Options) error {
		o.ReadConcern = doc
		return nil
	})
}

// Map adds fn to the cursor's document transform. A transform added this
// way composes on top of any transform already configured (spec.md §9).
func (c *Cursor) Map(fn Transform) error {
	return c.mutate(func(o *Options) error {
		o.Transform = compose(o.Transform, fn)
		return nil
	})
}

// --- iteration ---

// Next returns the next document in the cursor. ok is false once the
// cursor is exhausted; callers must check err even when ok is false, as a
// failed getMore also reports ok == false.
func (c *Cursor) Next(ctx context.Context) (doc wire.Document, ok bool, err error) {
	return c.next(ctx, true)
}

// TryNext is like Next, but returns (nil, false, nil) instead of blocking
// when a getMore yields an empty batch (spec.md §4.3, used to implement
// tailable polling).
func (c *Cursor) TryNext(ctx context.Context) (doc wire.Document, ok bool, err error) {
	return c.next(ctx, false)
}

// HasNext reports whether a subsequent call to Next would yield a
// document, without consuming it. The peek does not invoke OnDocument —
// only a genuine pop via Next/TryNext does (spec.md §4.3: "peeks, then
// pushes doc back into buffer").
func (c *Cursor) HasNext(ctx context.Context) (bool, error) {
	doc, ok, err := c.pullRaw(ctx, true, false)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	c.mu.Lock()
	c.buffered = append([]wire.Document{doc}, c.buffered...)
	c.mu.Unlock()
	return true, nil
}

// ToArray drains the cursor to completion.
func (c *Cursor) ToArray(ctx context.Context) ([]wire.Document, error) {
	var out []wire.Document
	err := c.ForEach(ctx, func(d wire.Document) (bool, error) {
		out = append(out, d)
		return true, nil
	})
	return out, err
}

// ForEach iterates the cursor to completion, invoking fn for each document.
// Iteration stops early, without error, if fn returns false.
func (c *Cursor) ForEach(ctx context.Context, fn func(wire.Document) (bool, error)) error {
	for {
		doc, ok, err := c.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		cont, err := fn(doc)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
}

// next applies the document transform (if any) on top of pullRaw.
func (c *Cursor) next(ctx context.Context, blocking bool) (wire.Document, bool, error) {
	doc, ok, err := c.pullRaw(ctx, blocking, true)
	if err != nil || !ok {
		return nil, ok, err
	}

	c.mu.Lock()
	transform := c.options.Transform
	c.mu.Unlock()

	if transform != nil {
		doc, err = transform(doc)
		if err != nil {
			return nil, false, err
		}
	}
	return doc, true, nil
}

// pullRaw implements the iteration algorithm of spec.md §4.3.2, as a loop
// rather than recursion (spec.md §9). notify controls whether a genuine
// buffer pop invokes hooks.OnDocument — HasNext passes false so its peek
// has no observable side effect (spec.md §4.3).
func (c *Cursor) pullRaw(ctx context.Context, blocking, notify bool) (wire.Document, bool, error) {
	for {
		c.mu.Lock()
		if c.closed {
			exhausted := c.exhausted
			c.mu.Unlock()
			if exhausted {
				return nil, false, ErrCursorExhausted
			}
			return nil, false, ErrClosed
		}

		if len(c.buffered) > 0 {
			doc := c.buffered[0]
			c.buffered = c.buffered[1:]
			bufferEmpty := len(c.buffered) == 0
			c.mu.Unlock()

			if notify && c.hooks.OnDocument != nil {
				c.hooks.OnDocument(doc, bufferEmpty)
			}
			return doc, true, nil
		}

		initialized := c.initialized
		id := c.id
		c.mu.Unlock()

		if !initialized {
			if err := c.initialize(ctx); err != nil {
				return nil, false, err
			}
			continue
		}

		if id == 0 {
			c.markExhausted()
			c.cleanup(ctx, nil)
			return nil, false, nil
		}

		desc, err := c.fetchMore(ctx)
		if err != nil {
			c.cleanup(ctx, err)
			return nil, false, err
		}

		if c.hooks.OnBatch != nil {
			c.hooks.OnBatch(desc)
		}

		batch := desc.Batch()

		c.mu.Lock()
		c.id = desc.ID
		c.buffered = append(c.buffered, batch...)
		c.mu.Unlock()

		if desc.ID == 0 && len(batch) == 0 {
			c.markExhausted()
			c.cleanup(ctx, nil)
			return nil, false, nil
		}

		if len(batch) == 0 && !blocking {
			return nil, false, nil
		}

		// Either there is now something buffered (loop will pop it), the
		// cursor id is non-zero and the batch was empty (tailable
		// await-data: issue another getMore), or both — either way, loop.
	}
}

// markExhausted records that the cursor reached id == 0 with an empty
// buffer on its own, as opposed to being torn down by an explicit Close
// call or a getMore/initialize error — so a subsequent Next reports
// ErrCursorExhausted rather than the generic ErrClosed (spec.md §4.3.5).
func (c *Cursor) markExhausted() {
	c.mu.Lock()
	c.exhausted = true
	c.mu.Unlock()
}

// fetchMore issues a single getMore and returns the resulting cursor
// descriptor.
func (c *Cursor) fetchMore(ctx context.Context) (wire.CursorDescriptor, error) {
	c.mu.Lock()
	server := c.server
	session := c.session
	id := c.id
	ns := c.ns
	opts := c.options
	c.mu.Unlock()

	cmd := wire.GetMoreCommand{
		Namespace: ns,
		ID:        id,
		BatchSize: opts.batchSize(),
		MaxTime:   opts.MaxTime,
	}
	if opts.Comment != nil && server.WireVersion() >= commentInGetMoreWireVersion {
		cmd.Comment = opts.Comment
	}

	res, err := server.GetMore(ctx, cmd, topology.GetMoreOptions{
		BatchSize: cmd.BatchSize,
		MaxTime:   cmd.MaxTime,
		Comment:   cmd.Comment,
		Session:   session,
	})
	if err != nil {
		return wire.CursorDescriptor{}, err
	}

	return res.Cursor, nil
}

// initialize performs the cursor's first operation, per spec.md §4.3.1.
func (c *Cursor) initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	session := c.session
	sessionOwned := c.sessionOwned
	rp := c.options.ReadPreference
	c.mu.Unlock()

	if session == nil && c.topo.HasSessionSupport() {
		s, err := c.topo.StartSession(topology.SessionOptions{Explicit: false})
		if err == nil {
			session = s
			sessionOwned = true
		}
	}

	res, err := c.init.Execute(ctx, c.topo, rp, session)

	c.mu.Lock()
	c.initialized = true
	if err != nil {
		c.mu.Unlock()
		c.cleanup(ctx, err)
		return err
	}

	c.server = res.Server
	if res.Session != nil {
		c.session = res.Session
	} else {
		c.session = session
	}
	c.sessionOwned = res.SessionOwned || sessionOwned

	var dead bool
	if res.NoCursor {
		c.buffered = []wire.Document{res.Raw}
		c.id = 0
		dead = len(c.buffered) == 0
	} else {
		c.id = res.Cursor.ID
		if (res.Cursor.Namespace != wire.Namespace{}) {
			c.ns = res.Cursor.Namespace
		}
		c.buffered = append([]wire.Document(nil), res.Cursor.Batch()...)
		dead = c.id == 0 && len(c.buffered) == 0
	}
	c.mu.Unlock()

	if c.hooks.OnInit != nil {
		c.hooks.OnInit(res)
	}
	if !res.NoCursor && c.hooks.OnBatch != nil {
		c.hooks.OnBatch(res.Cursor)
	}

	if dead {
		c.markExhausted()
		c.cleanup(ctx, nil)
	}

	return nil
}

// Rewind resets the cursor to its pre-initialized state, ending any owned
// implicit session (spec.md §4.3).
func (c *Cursor) Rewind() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionOwned && c.session != nil {
		c.session.End()
	}

	c.id = 0
	c.buffered = nil
	c.closed = false
	c.exhausted = false
	c.killed = false
	c.initialized = false
	c.server = nil
	c.session = nil
	c.sessionOwned = false
	c.cleanupOnce = sync.Once{}

	return nil
}

// Close transitions the cursor to closed, killing the server-side cursor
// (unless the id is already zero or there is no server) and ending any
// owned session (spec.md §4.3.4). It is idempotent.
func (c *Cursor) Close(ctx context.Context) error {
	return c.cleanup(ctx, nil)
}

// cleanup implements spec.md §4.3.4. It is safe to call multiple times and
// concurrently with iteration; only the first call has any effect. Errors
// from the best-effort killCursors call are logged, never returned or
// combined (spec.md §4.2: "errors are ignored by callers").
func (c *Cursor) cleanup(ctx context.Context, cause error) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cleanupOnce.Do(func() {
		c.doCleanup(ctx, cause)
	})
	return nil
}

func (c *Cursor) doCleanup(ctx context.Context, cause error) {
	c.mu.Lock()
	id := c.id
	server := c.server
	session := c.session
	sessionOwned := c.sessionOwned
	c.mu.Unlock()

	if id != 0 && server != nil {
		c.mu.Lock()
		c.killed = true
		c.mu.Unlock()

		skipKill := server.LoadBalanced() && isNetworkError(cause)
		if skipKill {
			if session != nil {
				session.Unpin()
			}
		} else {
			if err := server.KillCursors(
				ctx,
				wire.KillCursorsCommand{Namespace: c.ns, IDs: []wire.CursorID{id}},
				topology.KillCursorsOptions{Session: session},
			); err != nil {
				logging.Log(c.logger(), "error killing cursor %d on %s: %s", id, c.ns, err)
			}
		}
	}

	if sessionOwned && session != nil {
		session.End()
	}

	if c.hooks.OnClose != nil {
		c.hooks.OnClose()
	}
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var ce *errclass.Error
	if errors.As(err, &ce) {
		return ce.Kind == errclass.Network || ce.Kind == errclass.NetworkTimeout
	}
	return false
}
