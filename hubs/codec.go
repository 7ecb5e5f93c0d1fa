package hubs

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// RecordSeparator terminates every JSON message on the wire.
const RecordSeparator byte = 0x1E

// The wire forms of each message type. Type always comes first so that the
// encoded object leads with its discriminator.
type invocationWire struct {
	Type         MessageType     `json:"type"`
	InvocationID *string         `json:"invocationId,omitempty"`
	Target       string          `json:"target"`
	Arguments    json.RawMessage `json:"arguments"`
}

type streamItemWire struct {
	Type         MessageType     `json:"type"`
	InvocationID *string         `json:"invocationId,omitempty"`
	Item         json.RawMessage `json:"item"`
}

type completionWire struct {
	Type         MessageType     `json:"type"`
	InvocationID *string         `json:"invocationId,omitempty"`
	Error        *string         `json:"error,omitempty"`
	Result       json.RawMessage `json:"result"`
}

type cancelInvocationWire struct {
	Type         MessageType `json:"type"`
	InvocationID *string     `json:"invocationId,omitempty"`
}

type closeWire struct {
	Type  MessageType `json:"type"`
	Error *string     `json:"error,omitempty"`
}

type pingWire struct {
	Type MessageType `json:"type"`
}

// Encode converts m into its wire form, including the trailing record
// separator.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, &EncodeError{Err: errors.New("nil message")}
	}
	if isNil(m) {
		return nil, &EncodeError{Type: m.Type(), Err: errors.Errorf("nil %T", m)}
	}

	var v interface{}
	switch m := m.(type) {
	case *Invocation:
		if m.Target == "" {
			return nil, &EncodeError{Type: InvocationType, Err: errors.New("target is required")}
		}
		v = invocationWire{InvocationType, m.InvocationID, m.Target, m.Arguments}
	case *StreamItem:
		v = streamItemWire{StreamItemType, m.InvocationID, m.Item}
	case *Completion:
		v = completionWire{CompletionType, m.InvocationID, m.Error, m.Result}
	case *StreamInvocation:
		if m.Target == "" {
			return nil, &EncodeError{Type: StreamInvocationType, Err: errors.New("target is required")}
		}
		v = invocationWire{StreamInvocationType, m.InvocationID, m.Target, m.Arguments}
	case *CancelInvocation:
		v = cancelInvocationWire{CancelInvocationType, m.InvocationID}
	case *Ping:
		v = pingWire{PingType}
	case *Close:
		v = closeWire{CloseType, m.Error}
	default:
		return nil, &EncodeError{Type: m.Type(), Err: errors.Errorf("unsupported message %T", m)}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, &EncodeError{Type: m.Type(), Err: errors.Wrap(err, "json marshal failed")}
	}

	return append(data, RecordSeparator), nil
}

// Decode parses a single wire message. A trailing record separator is
// tolerated.
func Decode(data []byte) (Message, error) {
	data = bytes.TrimSpace(bytes.TrimRight(data, string(RecordSeparator)))

	var obj map[string]json.RawMessage
	err := json.Unmarshal(data, &obj)
	if err != nil {
		return nil, &DecodeError{Kind: InvalidJSON, Err: err}
	}
	if obj == nil {
		return nil, &DecodeError{Kind: InvalidJSON, Err: errors.New("payload is not an object")}
	}

	raw, ok := obj["type"]
	if !ok {
		return nil, &DecodeError{Kind: MissingType}
	}
	t, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return nil, &DecodeError{Kind: MissingType, Err: errors.Errorf("type is not an unsigned integer: %s", raw)}
	}

	switch MessageType(t) {
	case InvocationType:
		return decodeInvocation(obj)
	case StreamItemType:
		return decodeStreamItem(obj)
	case CompletionType:
		return decodeCompletion(obj)
	case StreamInvocationType:
		return decodeStreamInvocation(obj)
	case CancelInvocationType:
		return decodeCancelInvocation(obj)
	case PingType:
		return &Ping{}, nil
	case CloseType:
		return decodeClose(obj)
	}

	return nil, &DecodeError{Kind: UnsupportedType, Type: t}
}

func decodeInvocation(obj map[string]json.RawMessage) (Message, error) {
	id, target, args, err := invocationFields(obj)
	if err != nil {
		return nil, err
	}
	return &Invocation{InvocationID: id, Target: target, Arguments: args}, nil
}

func decodeStreamInvocation(obj map[string]json.RawMessage) (Message, error) {
	id, target, args, err := invocationFields(obj)
	if err != nil {
		return nil, err
	}
	return &StreamInvocation{InvocationID: id, Target: target, Arguments: args}, nil
}

func invocationFields(obj map[string]json.RawMessage) (*string, string, json.RawMessage, error) {
	id, err := invocationID(obj)
	if err != nil {
		return nil, "", nil, err
	}
	target, err := requiredString(obj, "target")
	if err != nil {
		return nil, "", nil, err
	}
	args, err := value(obj, "arguments")
	if err != nil {
		return nil, "", nil, err
	}
	return id, target, args, nil
}

func decodeStreamItem(obj map[string]json.RawMessage) (Message, error) {
	id, err := invocationID(obj)
	if err != nil {
		return nil, err
	}
	item, err := value(obj, "item")
	if err != nil {
		return nil, err
	}
	return &StreamItem{InvocationID: id, Item: item}, nil
}

func decodeCompletion(obj map[string]json.RawMessage) (Message, error) {
	id, err := invocationID(obj)
	if err != nil {
		return nil, err
	}
	e, err := optionalString(obj, "error")
	if err != nil {
		return nil, err
	}
	result, err := value(obj, "result")
	if err != nil {
		return nil, err
	}
	return &Completion{InvocationID: id, Error: e, Result: result}, nil
}

func decodeCancelInvocation(obj map[string]json.RawMessage) (Message, error) {
	id, err := invocationID(obj)
	if err != nil {
		return nil, err
	}
	return &CancelInvocation{InvocationID: id}, nil
}

func decodeClose(obj map[string]json.RawMessage) (Message, error) {
	e, err := optionalString(obj, "error")
	if err != nil {
		return nil, err
	}
	return &Close{Error: e}, nil
}

// invocationID reads the conventional camel-cased key, falling back to the
// snake-cased spelling.
func invocationID(obj map[string]json.RawMessage) (*string, error) {
	if _, ok := obj["invocationId"]; ok {
		return optionalString(obj, "invocationId")
	}
	return optionalString(obj, "invocation_id")
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func optionalString(obj map[string]json.RawMessage, key string) (*string, error) {
	raw, ok := obj[key]
	if !ok || isNull(raw) {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, malformed(key, err)
	}
	return &s, nil
}

func requiredString(obj map[string]json.RawMessage, key string) (string, error) {
	raw, ok := obj[key]
	if !ok || isNull(raw) {
		return "", malformed(key, errors.New("field is required"))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", malformed(key, err)
	}
	return s, nil
}

// value returns the compacted JSON at key. Absent and null values are both
// returned as nil.
func value(obj map[string]json.RawMessage, key string) (json.RawMessage, error) {
	raw, ok := obj[key]
	if !ok || isNull(raw) {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, malformed(key, err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

// SplitFrames splits an accumulated stream of wire data into complete
// messages. The unterminated tail is returned as rest and should be kept until
// more data arrives. Empty payloads between separators are skipped.
func SplitFrames(buf []byte) (frames [][]byte, rest []byte) {
	for {
		i := bytes.IndexByte(buf, RecordSeparator)
		if i < 0 {
			break
		}
		if frame := bytes.TrimSpace(buf[:i]); len(frame) > 0 {
			frames = append(frames, frame)
		}
		buf = buf[i+1:]
	}
	return frames, buf
}

// EncodeHandshakeRequest returns the wire form of r, including the trailing
// record separator.
func EncodeHandshakeRequest(r HandshakeRequest) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "json marshal failed")
	}
	return append(data, RecordSeparator), nil
}

// DecodeHandshakeResponse parses the server's handshake reply. A trailing
// record separator is tolerated.
func DecodeHandshakeResponse(data []byte) (HandshakeResponse, error) {
	data = bytes.TrimSpace(bytes.TrimRight(data, string(RecordSeparator)))

	var obj map[string]json.RawMessage
	err := json.Unmarshal(data, &obj)
	if err != nil {
		return HandshakeResponse{}, errors.Wrap(err, "json unmarshal failed")
	}
	if obj == nil {
		return HandshakeResponse{}, errors.New("handshake response is not an object")
	}

	e, err := optionalString(obj, "error")
	if err != nil {
		return HandshakeResponse{}, err
	}
	return HandshakeResponse{Error: e}, nil
}
