package hubs

import (
	"fmt"
)

// DecodeErrorKind classifies why an inbound message could not be decoded.
type DecodeErrorKind int

const (
	// InvalidJSON means the payload is not a JSON object.
	InvalidJSON DecodeErrorKind = iota + 1

	// MissingType means the "type" field is absent or is not an unsigned
	// integer.
	MissingType

	// UnsupportedType means "type" is an integer outside of the known range.
	UnsupportedType

	// MalformedField means a required field is missing or a field has the
	// wrong JSON shape.
	MalformedField
)

func (k DecodeErrorKind) String() string {
	switch k {
	case InvalidJSON:
		return "invalid json"
	case MissingType:
		return "missing type"
	case UnsupportedType:
		return "unsupported type"
	case MalformedField:
		return "malformed field"
	}
	return "unknown"
}

// DecodeError is returned by Decode. It is scoped to a single message.
type DecodeError struct {
	Kind DecodeErrorKind

	// Type is the offending discriminator for UnsupportedType.
	Type uint64

	// Field names the offending key for MalformedField.
	Field string

	// Err is the underlying parse error, if any.
	Err error
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case UnsupportedType:
		return fmt.Sprintf("decode: unsupported message type %d", e.Type)
	case MalformedField:
		if e.Err != nil {
			return fmt.Sprintf("decode: malformed field %q: %v", e.Field, e.Err)
		}
		return fmt.Sprintf("decode: malformed field %q", e.Field)
	}
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Kind, e.Err)
	}
	return "decode: " + e.Kind.String()
}

// Unwrap returns the underlying parse error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeError is returned by Encode. It is scoped to a single send.
type EncodeError struct {
	Type MessageType
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s: %v", e.Type, e.Err)
}

// Unwrap returns the underlying error.
func (e *EncodeError) Unwrap() error {
	return e.Err
}

func malformed(field string, err error) *DecodeError {
	return &DecodeError{Kind: MalformedField, Field: field, Err: err}
}
