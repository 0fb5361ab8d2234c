package changestream

import (
	"context"
	"sync"

	"github.com/dogmatiq/driverkit/cursor"
	"github.com/dogmatiq/driverkit/topology"
	"github.com/dogmatiq/driverkit/wire"
)

// minOperationTimeWireVersion is the wire version at or above which
// startAtOperationTime is usable as a resume anchor (spec.md §9 Open
// Question, resolved in DESIGN.md: >= 7).
const minOperationTimeWireVersion = 7

// ccursor is a Change-Stream Cursor (Component C4): a generic cursor.Cursor
// whose first operation is an aggregate with a $changeStream stage, and
// which tracks the resume-token bookkeeping of spec.md §4.4 via the
// underlying cursor's observation hooks.
type ccursor struct {
	*cursor.Cursor

	scope    Scope
	pipeline []wire.Document
	options  Options
	notify   Observer

	mu                   sync.Mutex
	resumeToken          wire.ResumeToken
	hasResumeToken       bool
	postBatchToken       wire.ResumeToken
	hasPostBatchToken    bool
	hasReceived          bool
	startAtOperationTime wire.Timestamp
	hasStartAtOpTime     bool
	sawFirstBatch        bool
}

// newCCursor constructs an uninitialized change-stream cursor scoped to
// scope, appending userPipeline after the $changeStream stage.
func newCCursor(topo topology.Topology, scope Scope, userPipeline []wire.Document, opts Options, notify Observer) *ccursor {
	cc := &ccursor{
		scope:                scope,
		pipeline:             userPipeline,
		options:              opts,
		notify:               notify,
		startAtOperationTime: opts.StartAtOperationTime,
		hasStartAtOpTime:     !opts.StartAtOperationTime.IsZero(),
	}
	if len(opts.ResumeAfter) > 0 {
		cc.resumeToken = opts.ResumeAfter
		cc.hasResumeToken = true
	} else if len(opts.StartAfter) > 0 {
		cc.resumeToken = opts.StartAfter
		cc.hasResumeToken = true
	}

	ns := namespaceForScope(scope)
	cc.Cursor = cursor.New(
		topo, ns, cc,
		cursor.WithBatchSize(opts.BatchSize),
		cursor.WithMaxTime(opts.MaxAwaitTime),
		cursor.WithReadPreference(opts.ReadPreference),
		cursor.WithComment(opts.Comment),
		cursor.WithTailable(true),
		cursor.WithLogger(opts.Logger),
	)
	cc.Cursor.SetHooks(cursor.Hooks{
		OnBatch:    cc.observeBatch,
		OnDocument: cc.observeDocument,
	})
	return cc
}

func namespaceForScope(s Scope) wire.Namespace {
	switch s.Kind {
	case ClusterScope:
		return wire.Namespace{DB: "admin"}
	case DatabaseScope:
		return wire.Namespace{DB: s.Namespace.DB}
	default:
		return s.Namespace
	}
}

// Execute implements cursor.Initializer. It issues the initial aggregate
// command carrying the $changeStream stage (spec.md §4.4).
func (cc *ccursor) Execute(
	ctx context.Context,
	topo topology.Topology,
	rp topology.ReadPreference,
	session *topology.Session,
) (cursor.InitResult, error) {
	server, err := topo.SelectServer(ctx, rp, topology.SelectServerOptions{})
	if err != nil {
		return cursor.InitResult{}, err
	}

	ns := namespaceForScope(cc.scope)
	cmd := wire.AggregateCommand{
		Namespace:   ns,
		Pipeline:    cc.buildPipeline(server),
		BatchSize:   cc.options.BatchSize,
		MaxTime:     cc.options.MaxAwaitTime,
		Collation:   cc.options.Collation,
		Comment:     cc.options.Comment,
	}

	res, err := server.Command(ctx, cmd, topology.CommandOptions{
		MaxTime: cc.options.MaxAwaitTime,
		Comment: cc.options.Comment,
		Session: session,
	})
	if err != nil {
		return cursor.InitResult{}, err
	}

	cc.mu.Lock()
	noTokenRequested := !cc.hasResumeToken && !cc.hasStartAtOpTime
	if noTokenRequested && res.HasOperationTime && server.WireVersion() >= minOperationTimeWireVersion {
		cc.startAtOperationTime = res.OperationTime
		cc.hasStartAtOpTime = true
	}
	cc.mu.Unlock()

	return cursor.InitResult{
		Server: server,
		Cursor: res.Cursor,
	}, nil
}

// buildPipeline assembles [{$changeStream: S}, ...user pipeline] per
// spec.md §4.4.
func (cc *ccursor) buildPipeline(server topology.Server) []wire.Document {
	s := wire.Document{}

	if cc.scope.Kind == ClusterScope {
		s["allChangesForCluster"] = true
	}

	cc.mu.Lock()
	switch {
	case cc.hasResumeToken && len(cc.options.StartAfter) > 0 && !cc.hasReceived:
		s["startAfter"] = wire.Document(cc.resumeToken)
	case cc.hasResumeToken:
		s["resumeAfter"] = wire.Document(cc.resumeToken)
	case cc.hasStartAtOpTime && server.WireVersion() >= minOperationTimeWireVersion:
		s["startAtOperationTime"] = cc.startAtOperationTime
	}
	cc.mu.Unlock()

	if cc.options.FullDocument != "" {
		s["fullDocument"] = cc.options.FullDocument
	}

	stages := make([]wire.Document, 0, len(cc.pipeline)+1)
	stages = append(stages, wire.Document{"$changeStream": s})
	stages = append(stages, cc.pipeline...)
	return stages
}

// observeBatch implements the batch half of spec.md §4.4's resume-token
// update rules, and forwards the init/more/response side events.
func (cc *ccursor) observeBatch(desc wire.CursorDescriptor) {
	cc.mu.Lock()
	if desc.HasPostBatchToken {
		cc.postBatchToken = desc.PostBatchResumeToken
		cc.hasPostBatchToken = true
	}
	empty := len(desc.Batch()) == 0
	var changed bool
	if empty && cc.hasPostBatchToken {
		cc.resumeToken = cc.postBatchToken
		cc.hasResumeToken = true
		changed = true
	}
	token := cc.resumeToken
	isInitial := !cc.sawFirstBatch
	cc.sawFirstBatch = true
	cc.mu.Unlock()

	if isInitial {
		if cc.notify.OnInit != nil {
			cc.notify.OnInit()
		}
	} else if cc.notify.OnMore != nil {
		cc.notify.OnMore()
	}
	if cc.notify.OnResponse != nil {
		cc.notify.OnResponse(desc)
	}
	if changed && cc.notify.OnResumeTokenChanged != nil {
		cc.notify.OnResumeTokenChanged(token)
	}
}

// observeDocument implements the per-document half of spec.md §4.4's
// resume-token update rules.
func (cc *ccursor) observeDocument(doc wire.Document, bufferEmpty bool) {
	cc.mu.Lock()
	if bufferEmpty && cc.hasPostBatchToken {
		cc.resumeToken = cc.postBatchToken
		cc.hasResumeToken = true
	} else if id, ok := doc["_id"].(wire.Document); ok {
		cc.resumeToken = wire.ResumeToken(id)
		cc.hasResumeToken = true
	}
	cc.hasReceived = true
	token := cc.resumeToken
	hasToken := cc.hasResumeToken
	cc.mu.Unlock()

	if hasToken && cc.notify.OnResumeTokenChanged != nil {
		cc.notify.OnResumeTokenChanged(token)
	}
}

// currentResumeToken returns the cursor's current resume token, and
// whether one has been recorded yet.
func (cc *ccursor) currentResumeToken() (wire.ResumeToken, bool) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.resumeToken, cc.hasResumeToken
}

// clearStartAtOperationTime drops the cursor's operation-time fallback
// anchor once a resume token has been established, per spec.md §4.5 step 5
// ("clear engine's startAtOperationTime option to avoid conflict with the
// resume token on a later reconstruction").
func (cc *ccursor) clearStartAtOperationTime() {
	cc.mu.Lock()
	cc.hasStartAtOpTime = false
	cc.mu.Unlock()
}

// resumeOptions produces the options snapshot used to reconstruct a cursor
// after a resumable error (spec.md §4.4 "Resume-options snapshot").
func (cc *ccursor) resumeOptions() Options {
	o := cc.options
	o.ResumeAfter = nil
	o.StartAfter = nil
	o.StartAtOperationTime = wire.Timestamp{}

	cc.mu.Lock()
	token := cc.resumeToken
	hasToken := cc.hasResumeToken
	originalWantedStartAfter := len(cc.options.StartAfter) > 0
	hasReceived := cc.hasReceived
	opTime := cc.startAtOperationTime
	hasOpTime := cc.hasStartAtOpTime
	cc.mu.Unlock()

	switch {
	case hasToken && originalWantedStartAfter && !hasReceived:
		o.StartAfter = token
	case hasToken:
		o.ResumeAfter = token
	case hasOpTime:
		o.StartAtOperationTime = opTime
	}

	return o
}
