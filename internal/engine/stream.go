package engine

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/seantiz/guidance/internal/constraint"
	"github.com/seantiz/guidance/internal/model"
)

// ErrReceiverClosed is returned when delivering to a stream whose receiver
// has gone away.
var ErrReceiverClosed = errors.New("stream receiver closed")

// StepResult is one message delivered on a request's stream.
type StepResult struct {
	Response model.ResponseChunk

	// Logs is the constraint log text buffered since the previous result.
	Logs string

	// FinalConstraint is the machine of a finished sequence, moved out of the
	// request for inspection. Set only on a sequence's finishing chunk of a
	// request that uses grammars.
	FinalConstraint constraint.Constraint
}

// TakeLogs returns Logs and leaves it empty.
func (r *StepResult) TakeLogs() string {
	l := r.Logs
	r.Logs = ""
	return l
}

// Stream is the unbounded output queue of one request. The executor is the
// only producer and never blocks on it; one consumer reads with Recv.
type Stream struct {
	mu       sync.Mutex
	queue    []*StepResult
	finished bool
	closed   bool
	notify   chan struct{}
}

func newStream() *Stream {
	return &Stream{notify: make(chan struct{}, 1)}
}

// send enqueues r. It fails only when the receiver has closed the stream.
func (s *Stream) send(r *StepResult) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrReceiverClosed
	}
	s.queue = append(s.queue, r)
	s.mu.Unlock()
	s.signal()
	return nil
}

// finish marks the end of output. Queued results remain readable.
func (s *Stream) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.signal()
}

// Recv returns the next result. It returns io.EOF once the request has ended
// and every result was read, ErrReceiverClosed after Close, or the context's
// error.
func (s *Stream) Recv(ctx context.Context) (*StepResult, error) {
	for {
		s.mu.Lock()
		switch {
		case s.closed:
			s.mu.Unlock()
			return nil, ErrReceiverClosed
		case len(s.queue) > 0:
			r := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return r, nil
		case s.finished:
			s.mu.Unlock()
			return nil, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close detaches the receiver. Pending results are discarded and the next
// delivery attempt cancels the request.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.signal()
}

func (s *Stream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
