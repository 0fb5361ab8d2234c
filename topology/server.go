package topology

import (
	"context"
	"time"

	"github.com/dogmatiq/driverkit/wire"
)

// ServerType describes the role a server plays within its topology.
type ServerType string

const (
	// Standalone is a single, unreplicated server.
	Standalone ServerType = "standalone"
	// ReplicaSetPrimary is the writable member of a replica set.
	ReplicaSetPrimary ServerType = "replset-primary"
	// ReplicaSetSecondary is a read-only member of a replica set.
	ReplicaSetSecondary ServerType = "replset-secondary"
	// Mongos is a query router in a sharded cluster.
	Mongos ServerType = "mongos"
	// Unknown is a server whose type has not yet been (or can no longer
	// be) determined, e.g. immediately after a network error.
	Unknown ServerType = "unknown"
)

// ServerDescription is a snapshot of what SDAM currently believes about a
// server.
type ServerDescription struct {
	Type        ServerType
	WireVersion int
	Address     string
}

// CommandOptions controls a single Server.Command call.
type CommandOptions struct {
	MaxTime     time.Duration
	ReadConcern wire.Document
	Comment     any
	Session     *Session
}

// GetMoreOptions controls a single Server.GetMore call.
type GetMoreOptions struct {
	BatchSize int
	MaxTime   time.Duration
	Comment   any
	Session   *Session
}

// KillCursorsOptions controls a single Server.KillCursors call.
type KillCursorsOptions struct {
	Session *Session
}

// Server executes RPCs against a single selected server (Component C2,
// spec.md §4.2). Implementations must be safe for concurrent use; the
// cursor engine checks a connection out per RPC and guarantees it is
// returned on every exit path.
type Server interface {
	// Command executes a single command/response round-trip.
	Command(ctx context.Context, cmd wire.AggregateCommand, opts CommandOptions) (wire.AggregateResult, error)

	// GetMore fetches the next batch from a live cursor.
	GetMore(ctx context.Context, cmd wire.GetMoreCommand, opts GetMoreOptions) (wire.GetMoreResult, error)

	// KillCursors asks the server to discard cursors. Best-effort: errors
	// are ignored by every caller in this core (spec.md §4.2).
	KillCursors(ctx context.Context, cmd wire.KillCursorsCommand, opts KillCursorsOptions) error

	// WireVersion returns the server's advertised wire protocol version.
	WireVersion() int

	// Description returns the server's current SDAM description.
	Description() ServerDescription

	// LoadBalanced reports whether this server was selected from a
	// load-balanced deployment.
	LoadBalanced() bool
}
