package signalr

import (
	"encoding/json"
	"sync"

	"github.com/carterjones/signalrcore/hubs"
	"go.uber.org/zap"
)

// Handler serves invocations the server makes on this client. The returned
// value is marshalled into the Completion when the server asked for one.
// Handlers run on the dispatcher goroutine and should return promptly.
type Handler interface {
	Handle(arguments json.RawMessage) (interface{}, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(arguments json.RawMessage) (interface{}, error)

// Handle calls f(arguments).
func (f HandlerFunc) Handle(arguments json.RawMessage) (interface{}, error) {
	return f(arguments)
}

// pendingCall is an outstanding invocation waiting for its Completion.
type pendingCall interface {
	// item delivers one stream item without blocking. It returns
	// errNotStream when the call does not accept items.
	item(v json.RawMessage) error

	// complete ends the call. It is called exactly once, by the
	// dispatcher.
	complete(result json.RawMessage, err error)
}

// registration adds call under id, or retires id when call is nil.
type registration struct {
	id   string
	call pendingCall
	err  error
}

type invokeResult struct {
	value json.RawMessage
	err   error
}

type invokeCall struct {
	result chan invokeResult
}

func newInvokeCall() *invokeCall {
	return &invokeCall{result: make(chan invokeResult, 1)}
}

func (c *invokeCall) item(v json.RawMessage) error {
	return errNotStream
}

func (c *invokeCall) complete(result json.RawMessage, err error) {
	c.result <- invokeResult{value: result, err: err}
}

// Stream receives the items of a server-to-client stream started with
// Connection.Stream.
type Stream struct {
	id        string
	conn      *Connection
	items     chan json.RawMessage
	cancelled chan struct{}
	finished  chan struct{}
	once      sync.Once
	err       error
}

func newStream(id string, conn *Connection, size int) *Stream {
	if size < 1 {
		size = 1
	}
	return &Stream{
		id:        id,
		conn:      conn,
		items:     make(chan json.RawMessage, size),
		cancelled: make(chan struct{}),
		finished:  make(chan struct{}),
	}
}

// InvocationID returns the identifier correlating this stream's messages.
func (s *Stream) InvocationID() string {
	return s.id
}

// Items returns the channel of stream items. It is closed when the stream
// completes, fails, or is cancelled. A consumer that lets more than
// Client.StreamBufferSize items pile up ends the stream with
// ErrStreamOverflow.
func (s *Stream) Items() <-chan json.RawMessage {
	return s.items
}

// Err returns the error that ended the stream, once Items is closed. A stream
// completed normally by the server returns nil.
func (s *Stream) Err() error {
	select {
	case <-s.finished:
		return s.err
	default:
		return nil
	}
}

// Cancel asks the server to stop the stream and ends it locally with
// ErrStreamCanceled.
func (s *Stream) Cancel() {
	s.once.Do(func() {
		close(s.cancelled)
		select {
		case <-s.finished:
			return
		default:
		}

		id := s.id
		err := s.conn.outbound.offer(&hubs.CancelInvocation{InvocationID: &id})
		if err != nil {
			s.conn.log.Debug("cancel invocation not sent", zap.String("invocationId", id), zap.Error(err))
		}
		s.conn.retire(id, ErrStreamCanceled)
	})
}

func (s *Stream) item(v json.RawMessage) error {
	select {
	case <-s.cancelled:
		return nil
	default:
	}

	select {
	case s.items <- v:
		return nil
	default:
		return ErrStreamOverflow
	}
}

func (s *Stream) complete(result json.RawMessage, err error) {
	s.err = err
	close(s.items)
	close(s.finished)
}
