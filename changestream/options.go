package changestream

import (
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/driverkit/topology"
	"github.com/dogmatiq/driverkit/wire"
)

// ScopeKind identifies the breadth of a change stream (spec.md §3).
type ScopeKind string

const (
	// ClusterScope watches every database in the deployment.
	ClusterScope ScopeKind = "cluster"
	// DatabaseScope watches every collection in a single database.
	DatabaseScope ScopeKind = "database"
	// CollectionScope watches a single collection.
	CollectionScope ScopeKind = "collection"
)

// Scope identifies what a change stream watches.
type Scope struct {
	Kind      ScopeKind
	Namespace wire.Namespace
}

// ClusterWide returns a Scope that watches the entire deployment.
func ClusterWide() Scope {
	return Scope{Kind: ClusterScope}
}

// Database returns a Scope that watches every collection in db.
func Database(db string) Scope {
	return Scope{Kind: DatabaseScope, Namespace: wire.Namespace{DB: db}}
}

// Collection returns a Scope that watches a single collection.
func Collection(ns wire.Namespace) Scope {
	return Scope{Kind: CollectionScope, Namespace: ns}
}

// Options holds the recognized $changeStream options (spec.md §3). At most
// one of ResumeAfter, StartAfter, StartAtOperationTime may be set; the
// engine enforces this when reconstructing a cursor for resume.
type Options struct {
	FullDocument         string
	ResumeAfter          wire.ResumeToken
	StartAfter           wire.ResumeToken
	StartAtOperationTime wire.Timestamp
	BatchSize            int
	MaxAwaitTime         time.Duration
	Collation            wire.Document
	ReadPreference       topology.ReadPreference
	Comment              any

	// SelectionTimeout bounds each resume attempt's topology-wait loop
	// (spec.md §4.5, default 30s).
	SelectionTimeout time.Duration

	// Logger receives resume and close diagnostics.
	Logger logging.Logger
}

func (o Options) logger() logging.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logging.DefaultLogger
}

func (o Options) selectionTimeout() time.Duration {
	if o.SelectionTimeout > 0 {
		return o.SelectionTimeout
	}
	return 30 * time.Second
}

// Option configures an Engine at construction time.
type Option func(*Options)

// WithFullDocument sets the fullDocument mode ("default", "updateLookup",
// "whenAvailable", "required").
func WithFullDocument(mode string) Option {
	return func(o *Options) { o.FullDocument = mode }
}

// WithResumeAfter starts the stream immediately after the event identified
// by token.
func WithResumeAfter(token wire.ResumeToken) Option {
	return func(o *Options) { o.ResumeAfter = token }
}

// WithStartAfter is like WithResumeAfter but permitted to resume from an
// "invalidate" event.
func WithStartAfter(token wire.ResumeToken) Option {
	return func(o *Options) { o.StartAfter = token }
}

// WithStartAtOperationTime starts the stream at a cluster timestamp rather
// than a resume token.
func WithStartAtOperationTime(ts wire.Timestamp) Option {
	return func(o *Options) { o.StartAtOperationTime = ts }
}

// WithBatchSize sets the batch size used for getMore calls.
func WithBatchSize(n int) Option {
	return func(o *Options) { o.BatchSize = n }
}

// WithMaxAwaitTime sets the server-side await-data timeout.
func WithMaxAwaitTime(d time.Duration) Option {
	return func(o *Options) { o.MaxAwaitTime = d }
}

// WithCollation sets the collation document.
func WithCollation(doc wire.Document) Option {
	return func(o *Options) { o.Collation = doc }
}

// WithReadPreference sets the read preference used to select a server.
func WithReadPreference(rp topology.ReadPreference) Option {
	return func(o *Options) { o.ReadPreference = rp }
}

// WithComment attaches a comment to every command the engine issues.
func WithComment(v any) Option {
	return func(o *Options) { o.Comment = v }
}

// WithSelectionTimeout overrides the default 30s topology-wait timeout used
// during resume.
func WithSelectionTimeout(d time.Duration) Option {
	return func(o *Options) { o.SelectionTimeout = d }
}

// WithLogger sets the logger used for resume and close diagnostics.
func WithLogger(l logging.Logger) Option {
	return func(o *Options) { o.Logger = l }
}
