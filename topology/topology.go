// Package topology defines the read-only view over server discovery and
// selection (Component C1, spec.md §4.1) and the single-server RPC surface
// (Component C2, spec.md §4.2) that the cursor and change-stream engines
// depend on.
//
// Everything in this package is interface-only from the core's point of
// view: topology discovery, connection pooling, authentication and TLS are
// external collaborators (spec.md §1). Package topologytest provides an
// in-memory implementation for tests; package wsserver provides a
// network-exercising one.
package topology

import (
	"context"

	"github.com/dogmatiq/driverkit/wire"
)

// ReadPreference selects which servers are eligible to serve a read.
type ReadPreference struct {
	Mode string // e.g. "primary", "primaryPreferred", "secondary", "nearest"
}

// SelectServerOptions controls a call to Topology.SelectServer.
type SelectServerOptions struct {
	// Timeout bounds how long selection may block before giving up. Zero
	// means "use the topology's default".
	Timeout int64 // milliseconds
}

// SessionOptions controls a call to Topology.StartSession.
type SessionOptions struct {
	// Explicit is true if the caller themselves asked for a session,
	// rather than the driver starting one implicitly on the caller's
	// behalf. Explicit sessions are never ended by a cursor (spec.md §5,
	// §9 "session ownership rule").
	Explicit bool
}

// Topology is a read-only facade over server discovery and monitoring
// (SDAM). Implementations must be safe for concurrent use.
type Topology interface {
	// IsConnected reports whether the topology currently has at least one
	// usable server.
	IsConnected() bool

	// SelectServer blocks until a server matching rp is available, ctx is
	// canceled, or selection times out.
	SelectServer(ctx context.Context, rp ReadPreference, opts SelectServerOptions) (Server, error)

	// HasSessionSupport reports whether the topology's servers support
	// sessions.
	HasSessionSupport() bool

	// ShouldCheckForSessionSupport reports whether session support is not
	// yet known and must be determined before a session can be started.
	ShouldCheckForSessionSupport() bool

	// StartSession starts a new session owned according to opts.
	StartSession(opts SessionOptions) (*Session, error)

	// LoadBalanced reports whether the topology is a load-balanced
	// deployment, which changes cursor cleanup and session-pinning
	// behavior (spec.md §5, §9).
	LoadBalanced() bool

	// ClusterTime returns the highest cluster time observed so far.
	ClusterTime() wire.Document

	// AdvanceClusterTime merges t into the topology's view of cluster
	// time, as every command response does (spec.md §4.1).
	AdvanceClusterTime(t wire.Document)
}
