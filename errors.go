package signalr

import (
	"github.com/pkg/errors"
)

var (
	// ErrConnectionClosed is returned by operations on a connection whose
	// loops have stopped.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrOutboundQueueFull is returned by Send when the outbound queue is at
	// capacity and the overflow policy is OverflowReject.
	ErrOutboundQueueFull = errors.New("outbound queue full")

	// ErrNoTarget is returned when an invocation names no hub method.
	ErrNoTarget = errors.New("invocation target is empty")

	// ErrStreamCanceled ends a stream that was cancelled by the caller.
	ErrStreamCanceled = errors.New("stream canceled")

	// ErrStreamOverflow ends a stream whose item buffer was full when the
	// next item arrived. The server is asked to stop the stream.
	ErrStreamOverflow = errors.New("stream item buffer full")

	// ErrMessageTooLarge ends a connection whose peer sent more than
	// Client.MaxMessageSize bytes without a record separator.
	ErrMessageTooLarge = errors.New("message exceeds size limit")

	errNotStream = errors.New("invocation is not a stream")
)

// HandshakeError is returned when the server rejects or garbles the protocol
// handshake. The connection is unusable.
type HandshakeError struct {
	Reason string
}

func (e *HandshakeError) Error() string {
	if e.Reason == "" {
		return "handshake failed"
	}
	return "handshake failed: " + e.Reason
}

// InvocationError is the error of a Completion that answered one of our
// invocations.
type InvocationError struct {
	InvocationID string
	Message      string
}

func (e *InvocationError) Error() string {
	return "invocation " + e.InvocationID + " failed: " + e.Message
}

// ServerCloseError is the error delivered to pending calls when the server
// sends a Close message.
type ServerCloseError struct {
	Reason string
}

func (e *ServerCloseError) Error() string {
	if e.Reason == "" {
		return "server closed the connection"
	}
	return "server closed the connection: " + e.Reason
}
