package changestream

import "github.com/dogmatiq/driverkit/wire"

// OperationType identifies the kind of write a change event describes
// (spec.md §6).
type OperationType string

const (
	Insert       OperationType = "insert"
	Update       OperationType = "update"
	Replace      OperationType = "replace"
	Delete       OperationType = "delete"
	Invalidate   OperationType = "invalidate"
	Drop         OperationType = "drop"
	DropDatabase OperationType = "dropDatabase"
	Rename       OperationType = "rename"
)

// UpdateDescription describes the change made by an "update" event.
type UpdateDescription struct {
	UpdatedFields wire.Document
	RemovedFields []string
}

// Event is the change-event document delivered to the consumer (spec.md
// §6). ID holds the document's _id as a resume token; raw access to the
// underlying document is via Raw.
type Event struct {
	ID                wire.ResumeToken
	OperationType     OperationType
	Namespace         wire.Namespace
	DocumentKey       wire.Document
	UpdateDescription *UpdateDescription
	FullDocument       wire.Document
	HasFullDocument    bool

	// Raw is the unparsed change document as received on the wire.
	Raw wire.Document
}

// parseEvent builds an Event from a raw change document. It returns
// ok == false if the document has no _id, per spec.md §6/§7
// (NoResumeTokenError).
func parseEvent(d wire.Document) (Event, bool) {
	idVal, hasID := d["_id"]
	if !hasID {
		return Event{}, false
	}
	id, ok := idVal.(wire.Document)
	if !ok {
		return Event{}, false
	}

	ev := Event{
		ID:  wire.ResumeToken(id),
		Raw: d,
	}

	if v, ok := d["operationType"].(string); ok {
		ev.OperationType = OperationType(v)
	}
	if ns, ok := d["ns"].(wire.Document); ok {
		if db, ok := ns["db"].(string); ok {
			ev.Namespace.DB = db
		}
		if coll, ok := ns["coll"].(string); ok {
			ev.Namespace.Coll = coll
		}
	}
	if dk, ok := d["documentKey"].(wire.Document); ok {
		ev.DocumentKey = dk
	}
	if ud, ok := d["updateDescription"].(wire.Document); ok {
		desc := &UpdateDescription{}
		if f, ok := ud["updatedFields"].(wire.Document); ok {
			desc.UpdatedFields = f
		}
		if r, ok := ud["removedFields"].([]string); ok {
			desc.RemovedFields = r
		}
		ev.UpdateDescription = desc
	}
	if fd, ok := d["fullDocument"]; ok {
		if doc, ok := fd.(wire.Document); ok {
			ev.FullDocument = doc
			ev.HasFullDocument = true
		}
	}

	return ev, true
}
