package cursor

import (
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/driverkit/topology"
	"github.com/dogmatiq/driverkit/wire"
)

// DefaultBatchSize is the batch size used for getMore calls when none is
// configured (spec.md §4.3.2).
const DefaultBatchSize = 1000

// Transform maps a raw document to a consumer-visible one. Returning an
// error aborts iteration.
type Transform func(wire.Document) (wire.Document, error)

// Options holds the mutable configuration of a Cursor prior to
// initialization.
type Options struct {
	BatchSize      int
	MaxTime        time.Duration
	ReadPreference topology.ReadPreference
	ReadConcern    wire.Document
	Tailable       bool
	AwaitData      bool
	Comment        any
	CursorFlags    []string
	Transform      Transform
	Logger         logging.Logger
}

func (o Options) batchSize() int {
	if o.BatchSize > 0 {
		return o.BatchSize
	}
	return DefaultBatchSize
}

func (o Options) logger() logging.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logging.DefaultLogger
}

// Option configures a Cursor at construction time.
type Option func(*Options)

// WithBatchSize sets the number of documents requested per getMore.
func WithBatchSize(n int) Option {
	return func(o *Options) { o.BatchSize = n }
}

// WithMaxTime sets the command-level maxTimeMS.
func WithMaxTime(d time.Duration) Option {
	return func(o *Options) { o.MaxTime = d }
}

// WithReadPreference sets the read preference used to select a server.
func WithReadPreference(rp topology.ReadPreference) Option {
	return func(o *Options) { o.ReadPreference = rp }
}

// WithReadConcern sets the read concern document.
func WithReadConcern(doc wire.Document) Option {
	return func(o *Options) { o.ReadConcern = doc }
}

// WithTailable marks the cursor as tailable; awaitData additionally makes
// getMore block server-side while waiting for new data.
func WithTailable(awaitData bool) Option {
	return func(o *Options) {
		o.Tailable = true
		o.AwaitData = awaitData
	}
}

// WithComment attaches a comment to every command issued by the cursor.
func WithComment(v any) Option {
	return func(o *Options) { o.Comment = v }
}

// WithCursorFlag adds a server-side cursor flag.
func WithCursorFlag(flag string) Option {
	return func(o *Options) { o.CursorFlags = append(o.CursorFlags, flag) }
}

// WithTransform sets the document transform applied to every document
// yielded by the cursor. A transform set via WithTransform composes with
// any transform added later via Map (spec.md §9 "transform chaining").
func WithTransform(fn Transform) Option {
	return func(o *Options) { o.Transform = compose(o.Transform, fn) }
}

// WithLogger sets the logger used for cleanup diagnostics.
func WithLogger(l logging.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// compose returns a transform that applies first, then second, matching
// spec.md §9's "a new transform composes on top of the existing one".
func compose(first, second Transform) Transform {
	if first == nil {
		return second
	}
	if second == nil {
		return first
	}
	return func(d wire.Document) (wire.Document, error) {
		d, err := first(d)
		if err != nil {
			return nil, err
		}
		return second(d)
	}
}
