// Package wire defines the command and document shapes exchanged with a
// server, as described in spec.md §6.
//
// Wire-protocol framing and BSON encoding are explicitly out of scope for
// this core (spec.md §1); Document is the seam where a real encoder would
// plug in.
package wire

// Document is a set of named fields, standing in for a BSON document. Being
// a Go map, it does not preserve field order.
type Document map[string]any

// Namespace identifies a database and, optionally, a collection within it.
type Namespace struct {
	DB   string
	Coll string
}

// String returns the namespace in "db.coll" form, or just "db" if Coll is
// empty (cluster/database scope).
func (ns Namespace) String() string {
	if ns.Coll == "" {
		return ns.DB
	}
	return ns.DB + "." + ns.Coll
}

// Timestamp is a cluster timestamp, as returned on every command response.
type Timestamp struct {
	T uint32
	I uint32
}

// IsZero returns true if ts is the zero timestamp.
func (ts Timestamp) IsZero() bool {
	return ts.T == 0 && ts.I == 0
}

// CursorID is an opaque handle for a live server cursor. Zero means
// exhausted.
type CursorID int64

// ResumeToken is an opaque, server-generated token used to restart a change
// stream from a known point.
type ResumeToken Document

// Equal reports whether two resume tokens are the same.
func (t ResumeToken) Equal(u ResumeToken) bool {
	if len(t) != len(u) {
		return false
	}
	for k, v := range t {
		if uv, ok := u[k]; !ok || uv != v {
			return false
		}
	}
	return true
}
