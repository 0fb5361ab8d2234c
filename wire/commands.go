package wire

import "time"

// AggregateCommand is the command used to start a cursor via the aggregate
// pipeline, per spec.md §6.1.
type AggregateCommand struct {
	Namespace      Namespace
	Pipeline       []Document
	BatchSize      int // 0 means "use the server default"
	MaxTime        time.Duration
	Collation      Document
	Comment        any
	ReadConcern    Document
	ReadPreference string
}

// AggregateResult is the response to an AggregateCommand.
type AggregateResult struct {
	Cursor          CursorDescriptor
	OperationTime   Timestamp
	ClusterTime     Document
	HasOperationTime bool
}

// CursorDescriptor is the "cursor" sub-document present on aggregate and
// getMore responses.
type CursorDescriptor struct {
	ID                   CursorID
	Namespace            Namespace
	FirstBatch           []Document
	NextBatch            []Document
	PostBatchResumeToken ResumeToken
	HasPostBatchToken    bool
}

// Batch returns whichever of FirstBatch/NextBatch is populated.
func (d CursorDescriptor) Batch() []Document {
	if d.FirstBatch != nil {
		return d.FirstBatch
	}
	return d.NextBatch
}

// GetMoreCommand is the command used to fetch the next batch from a live
// server cursor, per spec.md §6.2.
type GetMoreCommand struct {
	Namespace Namespace
	ID        CursorID
	BatchSize int
	MaxTime   time.Duration
	Comment   any // only sent when the server's wire version is >= 9
}

// GetMoreResult is the response to a GetMoreCommand.
type GetMoreResult struct {
	Cursor      CursorDescriptor
	ClusterTime Document
}

// KillCursorsCommand is the best-effort command used to tell a server to
// discard a cursor, per spec.md §6.3.
type KillCursorsCommand struct {
	Namespace Namespace
	IDs       []CursorID
}
