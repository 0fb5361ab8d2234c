package cursor

import (
	"context"
	"strings"

	"github.com/dogmatiq/driverkit/wire"
)

// Stream is a push-style adapter over a Cursor (spec.md §4.3.3). Each value
// read from Values is the result of a single blocking call to Next; the
// adapter never reads ahead, so there is always at most one getMore in
// flight.
type Stream struct {
	Values <-chan wire.Document
	Errs   <-chan error

	cursor *Cursor
	cancel context.CancelFunc
}

// NewStream starts a goroutine that drives c via repeated calls to Next and
// publishes the results on the returned Stream's channels. The goroutine
// exits, closing both channels, once c is exhausted, ctx is canceled, or an
// error terminates the stream.
func NewStream(ctx context.Context, c *Cursor) *Stream {
	ctx, cancel := context.WithCancel(ctx)

	values := make(chan wire.Document)
	errs := make(chan error, 1)

	s := &Stream{
		Values: values,
		Errs:   errs,
		cursor: c,
		cancel: cancel,
	}

	go s.run(ctx, values, errs)

	return s
}

func (s *Stream) run(ctx context.Context, values chan<- wire.Document, errs chan<- error) {
	defer close(values)
	defer close(errs)

	for {
		doc, ok, err := s.cursor.Next(ctx)
		if err != nil {
			switch {
			case isServerClosed(err):
				// Legacy string-matched case (spec.md §4.3.3, §9): the
				// cursor is closed and the stream ends without surfacing
				// an error.
				_ = s.cursor.Close(ctx)
				return
			case isInterrupted(err):
				// Legacy string-matched case: the stream ends silently.
				return
			default:
				select {
				case errs <- err:
				default:
				}
				_ = s.cursor.Close(ctx)
				return
			}
		}

		if !ok {
			// The cursor is exhausted (id == 0, buffer empty); this is a
			// normal, error-free end of stream.
			return
		}

		select {
		case values <- doc:
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels the stream's context, which ends its goroutine. It does not
// itself close the underlying cursor: the goroutine closes it only when the
// cancellation makes an in-flight Next fail. Stop does not wait for the
// goroutine to exit; drain Values/Errs to observe that.
func (s *Stream) Stop() {
	s.cancel()
}

func isServerClosed(err error) bool {
	return err == ErrServerClosed || strings.Contains(err.Error(), "server is closed")
}

func isInterrupted(err error) bool {
	return err == ErrInterrupted || strings.Contains(err.Error(), "interrupted")
}
