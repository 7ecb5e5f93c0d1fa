// Package hubs provides the message model of the SignalR hub protocol and its
// JSON wire encoding. This was written using
// https://github.com/dotnet/aspnetcore/blob/main/src/SignalR/docs/specs/HubProtocol.md
// as a reference guide.
//
// Every message is a JSON object carrying a numeric "type" field that selects
// one of seven variants. Messages are terminated by the ASCII record separator
// (0x1E) so that several of them can share one transport frame.
package hubs

import (
	"encoding/json"
	"reflect"
)

// MessageType is the numeric discriminator carried in the "type" field.
type MessageType int

// The message types defined by the hub protocol.
const (
	InvocationType       MessageType = 1
	StreamItemType       MessageType = 2
	CompletionType       MessageType = 3
	StreamInvocationType MessageType = 4
	CancelInvocationType MessageType = 5
	PingType             MessageType = 6
	CloseType            MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case InvocationType:
		return "Invocation"
	case StreamItemType:
		return "StreamItem"
	case CompletionType:
		return "Completion"
	case StreamInvocationType:
		return "StreamInvocation"
	case CancelInvocationType:
		return "CancelInvocation"
	case PingType:
		return "Ping"
	case CloseType:
		return "Close"
	}
	return "Unknown"
}

// Message is implemented by the seven hub protocol message types and nothing
// else.
type Message interface {
	// Type returns the wire discriminator of the message.
	Type() MessageType

	isMessage()
}

// Invocation asks the peer to run the method named by Target. A message
// without an InvocationID is fire-and-forget; with one, the peer answers with
// a Completion carrying the same identifier.
type Invocation struct {
	InvocationID *string
	Target       string
	Arguments    json.RawMessage
}

// StreamItem carries one item of a stream started by a StreamInvocation.
type StreamItem struct {
	InvocationID *string
	Item         json.RawMessage
}

// Completion ends an invocation. When Error is set it takes precedence over
// Result, which is still carried on the wire.
type Completion struct {
	InvocationID *string
	Error        *string
	Result       json.RawMessage
}

// Failed reports whether the completion carries an error.
func (c *Completion) Failed() bool {
	return c.Error != nil
}

// StreamInvocation asks the peer to run Target and stream its results back as
// StreamItem messages followed by a Completion.
type StreamInvocation struct {
	InvocationID *string
	Target       string
	Arguments    json.RawMessage
}

// CancelInvocation asks the peer to stop an in-flight stream.
type CancelInvocation struct {
	InvocationID *string
}

// Ping is a keep-alive. It has no payload.
type Ping struct{}

// Close is sent by the server when it is closing the connection.
type Close struct {
	Error *string
}

func (*Invocation) Type() MessageType       { return InvocationType }
func (*StreamItem) Type() MessageType       { return StreamItemType }
func (*Completion) Type() MessageType       { return CompletionType }
func (*StreamInvocation) Type() MessageType { return StreamInvocationType }
func (*CancelInvocation) Type() MessageType { return CancelInvocationType }
func (*Ping) Type() MessageType             { return PingType }
func (*Close) Type() MessageType            { return CloseType }

func (*Invocation) isMessage()       {}
func (*StreamItem) isMessage()       {}
func (*Completion) isMessage()       {}
func (*StreamInvocation) isMessage() {}
func (*CancelInvocation) isMessage() {}
func (*Ping) isMessage()             {}
func (*Close) isMessage()            {}

// isNil reports whether m is nil or a nil pointer to a message.
func isNil(m Message) bool {
	if m == nil {
		return true
	}
	rv := reflect.ValueOf(m)
	return rv.Kind() == reflect.Ptr && rv.IsNil()
}

// ID returns the invocation identifier of m, if it has one.
func ID(m Message) (string, bool) {
	if isNil(m) {
		return "", false
	}
	var id *string
	switch m := m.(type) {
	case *Invocation:
		id = m.InvocationID
	case *StreamItem:
		id = m.InvocationID
	case *Completion:
		id = m.InvocationID
	case *StreamInvocation:
		id = m.InvocationID
	case *CancelInvocation:
		id = m.InvocationID
	}
	if id == nil {
		return "", false
	}
	return *id, true
}

// String returns a pointer to s, for filling optional fields.
func String(s string) *string {
	return &s
}

// Args marshals v into a JSON array suitable for an Arguments field.
func Args(v ...interface{}) (json.RawMessage, error) {
	if v == nil {
		v = []interface{}{}
	}
	return json.Marshal(v)
}

// HandshakeRequest is the first frame a client sends on a new socket.
type HandshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// HandshakeResponse is the first frame the server sends back. An absent Error
// means the handshake succeeded.
type HandshakeResponse struct {
	Error *string `json:"error,omitempty"`
}
