package hl7v2

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a decode failure.
type ErrorKind string

const (
	KindUnsupportedEncoding ErrorKind = "UnsupportedEncoding"
	KindMalformedMessage    ErrorKind = "MalformedMessage"
)

// Sentinels matched by DecodeError through errors.Is.
var (
	ErrUnsupportedEncoding = errors.New("hl7v2: unsupported encoding")
	ErrMalformedMessage    = errors.New("hl7v2: malformed message")
)

// DecodeError describes why raw text could not be decoded. Segment is the
// 1-based index of the offending segment, or 0 when the failure is not tied
// to a particular segment.
type DecodeError struct {
	Kind    ErrorKind
	Segment int
	Reason  string
}

func (e *DecodeError) Error() string {
	if e.Segment > 0 {
		return fmt.Sprintf("hl7v2: %s: segment %d: %s", e.Kind, e.Segment, e.Reason)
	}
	return fmt.Sprintf("hl7v2: %s: %s", e.Kind, e.Reason)
}

// Is reports whether target is the sentinel matching e.Kind.
func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrUnsupportedEncoding:
		return e.Kind == KindUnsupportedEncoding
	case ErrMalformedMessage:
		return e.Kind == KindMalformedMessage
	}
	return false
}

func malformed(segment int, format string, args ...interface{}) *DecodeError {
	return &DecodeError{Kind: KindMalformedMessage, Segment: segment, Reason: fmt.Sprintf(format, args...)}
}

func unsupported(format string, args ...interface{}) *DecodeError {
	return &DecodeError{Kind: KindUnsupportedEncoding, Reason: fmt.Sprintf(format, args...)}
}
