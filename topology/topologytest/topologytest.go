// Package topologytest provides a scripted, in-memory implementation of
// topology.Topology and topology.Server for use in unit tests, grounded on
// the scripted-fixture style of the teacher's EventStreamStub/fixtures
// packages (function fields default to a working behaviour, overridable
// per test).
package topologytest

import (
	"context"
	"sync"

	"github.com/dogmatiq/driverkit/topology"
	"github.com/dogmatiq/driverkit/wire"
)

// Server is a scripted topology.Server. Each RPC is satisfied by popping the
// next entry off the corresponding queue; a missing entry panics, surfacing
// test mis-scripting immediately rather than hanging.
type Server struct {
	Desc          topology.ServerDescription
	IsLoadBalance bool

	// CommandFunc, if set, overrides the Commands queue.
	CommandFunc func(ctx context.Context, cmd wire.AggregateCommand, opts topology.CommandOptions) (wire.AggregateResult, error)
	Commands    []CommandStep

	// GetMoreFunc, if set, overrides the GetMores queue.
	GetMoreFunc func(ctx context.Context, cmd wire.GetMoreCommand, opts topology.GetMoreOptions) (wire.GetMoreResult, error)
	GetMores    []GetMoreStep

	// KillCursorsFunc, if set, is invoked for every KillCursors call.
	KillCursorsFunc func(ctx context.Context, cmd wire.KillCursorsCommand, opts topology.KillCursorsOptions) error

	mu          sync.Mutex
	Killed      []wire.CursorID
	commandPos  int
	getMorePos  int
}

// CommandStep is one scripted response to Server.Command.
type CommandStep struct {
	Result wire.AggregateResult
	Err    error
}

// GetMoreStep is one scripted response to Server.GetMore.
type GetMoreStep struct {
	Result wire.GetMoreResult
	Err    error
}

// Command implements topology.Server.
func (s *Server) Command(ctx context.Context, cmd wire.AggregateCommand, opts topology.CommandOptions) (wire.AggregateResult, error) {
	if s.CommandFunc != nil {
		return s.CommandFunc(ctx, cmd, opts)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commandPos >= len(s.Commands) {
		panic("topologytest: Server.Command called more times than scripted")
	}
	step := s.Commands[s.commandPos]
	s.commandPos++
	return step.Result, step.Err
}

// GetMore implements topology.Server.
func (s *Server) GetMore(ctx context.Context, cmd wire.GetMoreCommand, opts topology.GetMoreOptions) (wire.GetMoreResult, error) {
	if s.GetMoreFunc != nil {
		return s.GetMoreFunc(ctx, cmd, opts)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getMorePos >= len(s.GetMores) {
		panic("topologytest: Server.GetMore called more times than scripted")
	}
	step := s.GetMores[s.getMorePos]
	s.getMorePos++
	return step.Result, step.Err
}

// KillCursors implements topology.Server.
func (s *Server) KillCursors(ctx context.Context, cmd wire.KillCursorsCommand, opts topology.KillCursorsOptions) error {
	s.mu.Lock()
	s.Killed = append(s.Killed, cmd.IDs...)
	s.mu.Unlock()

	if s.KillCursorsFunc != nil {
		return s.KillCursorsFunc(ctx, cmd, opts)
	}
	return nil
}

// WireVersion implements topology.Server.
func (s *Server) WireVersion() int {
	return s.Desc.WireVersion
}

// Description implements topology.Server.
func (s *Server) Description() topology.ServerDescription {
	return s.Desc
}

// LoadBalanced implements topology.Server.
func (s *Server) LoadBalanced() bool {
	return s.IsLoadBalance
}

// Topology is a scripted topology.Topology backed by a single Server,
// sufficient for exercising the cursor and change-stream engines without a
// real deployment.
type Topology struct {
	// SelectServerFunc, if set, overrides returning Server/SelectErr.
	SelectServerFunc func(ctx context.Context, rp topology.ReadPreference, opts topology.SelectServerOptions) (topology.Server, error)

	Server            *Server
	SelectErr         error
	Connected         bool
	SessionSupport    bool
	CheckSessionNeeded bool
	IsLoadBalanced    bool

	mu          sync.Mutex
	clusterTime wire.Document
}

// IsConnected implements topology.Topology.
func (t *Topology) IsConnected() bool {
	return t.Connected
}

// SelectServer implements topology.Topology.
func (t *Topology) SelectServer(ctx context.Context, rp topology.ReadPreference, opts topology.SelectServerOptions) (topology.Server, error) {
	if t.SelectServerFunc != nil {
		return t.SelectServerFunc(ctx, rp, opts)
	}
	if t.SelectErr != nil {
		return nil, t.SelectErr
	}
	return t.Server, nil
}

// HasSessionSupport implements topology.Topology.
func (t *Topology) HasSessionSupport() bool {
	return t.SessionSupport
}

// ShouldCheckForSessionSupport implements topology.Topology.
func (t *Topology) ShouldCheckForSessionSupport() bool {
	return t.CheckSessionNeeded
}

// StartSession implements topology.Topology.
func (t *Topology) StartSession(opts topology.SessionOptions) (*topology.Session, error) {
	return topology.NewSession(opts), nil
}

// LoadBalanced implements topology.Topology.
func (t *Topology) LoadBalanced() bool {
	return t.IsLoadBalanced
}

// ClusterTime implements topology.Topology.
func (t *Topology) ClusterTime() wire.Document {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clusterTime
}

// AdvanceClusterTime implements topology.Topology.
func (t *Topology) AdvanceClusterTime(ct wire.Document) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clusterTime = ct
}
