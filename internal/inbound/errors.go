package inbound

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStoreUnavailable wraps every failure of the backing store. It is
	// surfaced to whoever triggered the operation and never recovered inside
	// a processing cycle.
	ErrStoreUnavailable = errors.New("message store unavailable")

	ErrNotFound        = errors.New("not found")
	ErrEntryNotClaimed = errors.New("queue entry is no longer claimed")
	ErrSourceExists    = errors.New("source name already exists")
	ErrSourceInUse     = errors.New("source is referenced by queued messages")
	ErrSourceNotFound  = errors.New("unknown source")
	ErrEmptyMessage    = errors.New("message text is required")
	ErrProcessorBusy   = errors.New("queue processor is already running")
	ErrInvalid         = errors.New("invalid request")
)

// UnroutableError reports a decoded message with no registered handler.
type UnroutableError struct {
	MessageType  string
	TriggerEvent string
}

func (e *UnroutableError) Error() string {
	return fmt.Sprintf("no route for hl7 message: type %q event %q", e.MessageType, e.TriggerEvent)
}

// HandlerErrorKind distinguishes how a handler failed.
type HandlerErrorKind string

const (
	ApplicationReject HandlerErrorKind = "ApplicationReject"
	ApplicationError  HandlerErrorKind = "ApplicationError"
	Exception         HandlerErrorKind = "Exception"
)

// HandlerError reports a handler that rejected a message, answered with an
// error acknowledgment, returned an error or panicked.
type HandlerError struct {
	Kind HandlerErrorKind
	Text string
	// Stack is set when the handler panicked.
	Stack string
	Err   error
}

func (e *HandlerError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("handler %s: %v", e.Kind, e.Err)
	case e.Text != "":
		return fmt.Sprintf("handler %s: %s", e.Kind, e.Text)
	}
	return fmt.Sprintf("handler %s", e.Kind)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// TimeoutError reports a handler that did not finish within its deadline.
type TimeoutError struct {
	MessageType  string
	TriggerEvent string
	Timeout      time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("handler for %s^%s exceeded %s deadline", e.MessageType, e.TriggerEvent, e.Timeout)
}
