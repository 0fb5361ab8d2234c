// Package wsserver is a concrete, network-exercising implementation of
// topology.Server (Component C2) that frames commands as JSON messages over
// a single websocket connection, grounded on the teacher's own
// request/response framing conventions and on bringyour-connect's
// dial/read-loop/write-loop transport shape.
package wsserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dogmatiq/driverkit/topology"
	"github.com/dogmatiq/driverkit/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
)

// ErrClosed is returned by any RPC attempted after Close.
var ErrClosed = errors.New("wsserver: server connection closed")

// frameKind identifies the RPC a frame carries.
type frameKind string

const (
	kindCommand     frameKind = "command"
	kindGetMore     frameKind = "getMore"
	kindKillCursors frameKind = "killCursors"
)

// requestFrame is the envelope written for every outgoing RPC.
type requestFrame struct {
	ID      string          `json:"id"`
	Kind    frameKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// responseFrame is the envelope read for every incoming RPC reply.
type responseFrame struct {
	ID      string          `json:"id"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// pending tracks one in-flight request awaiting its matching response.
type pending struct {
	replies chan responseFrame
}

// Server is a topology.Server that executes Command/GetMore/KillCursors by
// exchanging JSON frames over a websocket connection. All reads happen on a
// single read-loop goroutine; callers' writes are serialized by writeMu
// (spec.md §4.2's "implementations must be safe for concurrent use").
type Server struct {
	conn   *websocket.Conn
	desc   topology.ServerDescription
	lb     bool
	logger func(format string, args ...any)

	writeMu sync.Mutex

	mu       sync.Mutex
	pendings map[string]pending
	closed   bool
	readErr  error

	cancel context.CancelFunc
	done   chan struct{}
}

// Dial opens a websocket connection to url and returns a Server that issues
// RPCs over it. desc is the initial SDAM description reported by the caller
// (typically populated by a prior hello/isMaster handshake, out of scope for
// this package).
func Dial(ctx context.Context, url string, desc topology.ServerDescription, loadBalanced bool) (*Server, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsserver: dial %s: %w", url, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		conn:     conn,
		desc:     desc,
		lb:       loadBalanced,
		logger:   func(string, ...any) {},
		pendings: map[string]pending{},
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.readLoop(runCtx)
	return s, nil
}

// readLoop is the sole reader of s.conn; it demultiplexes every incoming
// responseFrame to the pending request it answers, mirroring the single
// reader-goroutine shape of bringyour-connect's PlatformTransport.run.
func (s *Server) readLoop(ctx context.Context) {
	defer close(s.done)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}

		var frame responseFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.fail(fmt.Errorf("wsserver: decode response frame: %w", err))
			return
		}

		s.mu.Lock()
		p, ok := s.pendings[frame.ID]
		if ok {
			delete(s.pendings, frame.ID)
		}
		s.mu.Unlock()

		if !ok {
			// Response to a request that already gave up waiting (context
			// canceled); drop it.
			continue
		}
		p.replies <- frame
	}
}

// fail records a terminal read error and unblocks every request still
// waiting on a reply, so no caller hangs past a dead connection.
func (s *Server) fail(err error) {
	s.mu.Lock()
	// An error caused by Close tearing down the connection is not recorded;
	// only a read error observed before Close is reported by it.
	if s.readErr == nil && !s.closed {
		s.readErr = err
	}
	pendings := s.pendings
	s.pendings = nil
	s.mu.Unlock()

	for _, p := range pendings {
		p.replies <- responseFrame{Error: err.Error()}
	}
}

// call writes a request frame and waits for its matching response, or for
// ctx to expire, or for the connection to fail.
func (s *Server) call(ctx context.Context, kind frameKind, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wsserver: encode %s payload: %w", kind, err)
	}

	id := uuid.NewString()
	replies := make(chan responseFrame, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.pendings == nil {
		err := s.readErr
		s.mu.Unlock()
		return nil, fmt.Errorf("wsserver: connection closed: %w", err)
	}
	s.pendings[id] = pending{replies: replies}
	s.mu.Unlock()

	frame, err := json.Marshal(requestFrame{ID: id, Kind: kind, Payload: body})
	if err != nil {
		return nil, fmt.Errorf("wsserver: encode request frame: %w", err)
	}

	s.writeMu.Lock()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(dl)
	} else {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}
	werr := s.conn.WriteMessage(websocket.TextMessage, frame)
	s.writeMu.Unlock()
	if werr != nil {
		s.mu.Lock()
		delete(s.pendings, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("wsserver: write %s request: %w", kind, werr)
	}

	select {
	case resp := <-replies:
		if resp.Error != "" {
			return nil, fmt.Errorf("wsserver: %s: %s", kind, resp.Error)
		}
		return resp.Payload, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pendings, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Command implements topology.Server.
func (s *Server) Command(ctx context.Context, cmd wire.AggregateCommand, opts topology.CommandOptions) (wire.AggregateResult, error) {
	raw, err := s.call(ctx, kindCommand, cmd)
	if err != nil {
		return wire.AggregateResult{}, err
	}
	var res wire.AggregateResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return wire.AggregateResult{}, fmt.Errorf("wsserver: decode aggregate result: %w", err)
	}
	return res, nil
}

// GetMore implements topology.Server.
func (s *Server) GetMore(ctx context.Context, cmd wire.GetMoreCommand, opts topology.GetMoreOptions) (wire.GetMoreResult, error) {
	raw, err := s.call(ctx, kindGetMore, cmd)
	if err != nil {
		return wire.GetMoreResult{}, err
	}
	var res wire.GetMoreResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return wire.GetMoreResult{}, fmt.Errorf("wsserver: decode getMore result: %w", err)
	}
	return res, nil
}

// KillCursors implements topology.Server. Best-effort per spec.md §4.2: the
// error is still returned so callers may log it, but no caller in this core
// treats it as fatal.
func (s *Server) KillCursors(ctx context.Context, cmd wire.KillCursorsCommand, opts topology.KillCursorsOptions) error {
	_, err := s.call(ctx, kindKillCursors, cmd)
	return err
}

// WireVersion implements topology.Server.
func (s *Server) WireVersion() int { return s.desc.WireVersion }

// Description implements topology.Server.
func (s *Server) Description() topology.ServerDescription { return s.desc }

// LoadBalanced implements topology.Server.
func (s *Server) LoadBalanced() bool { return s.lb }

// Close stops the read loop and closes the underlying connection. Unlike
// the generic cursor's killCursors failures, a terminal read error that the
// read loop observed before Close was called is combined with the close
// error rather than one silently discarded, exactly as the teacher combines
// transaction/close errors in persistence.DataStoreSet.Close. The read error
// caused by Close itself is not reported.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	closeErr := s.conn.Close()
	<-s.done

	s.mu.Lock()
	readErr := s.readErr
	s.mu.Unlock()

	if readErr != nil && readErr != websocket.ErrCloseSent {
		return multierr.Append(closeErr, readErr)
	}
	return closeErr
}
