package inbound

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a stored message.
type State string

const (
	StatePending             State = "pending"
	StateProcessing          State = "processing"
	StateProcessed           State = "processed"
	StateProcessedWithErrors State = "processed-with-errors"
	StateMigrated            State = "migrated"
)

// ErrorKind tags why a message ended up in the error store.
type ErrorKind string

const (
	KindDecode     ErrorKind = "decode"
	KindUnroutable ErrorKind = "unroutable"
	KindHandler    ErrorKind = "handler"
	KindTimeout    ErrorKind = "timeout"
	// KindStore marks a handled message whose archive record the store
	// refused as invalid data.
	KindStore ErrorKind = "store"
)

// Source is a named feeder system that submits messages.
type Source struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// QueueEntry is a message awaiting processing. Data is the raw ER7 text
// exactly as received.
type QueueEntry struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	Seq        int64      `db:"seq" json:"seq"`
	SourceID   *uuid.UUID `db:"source_id" json:"source_id,omitempty"`
	SourceName string     `db:"source_name" json:"source_name,omitempty"`
	SourceKey  string     `db:"source_key" json:"source_key,omitempty"`
	Data       string     `db:"hl7_data" json:"hl7_data"`
	State      State      `db:"state" json:"state"`
	Attempts   int        `db:"attempts" json:"attempts"`
	EnqueuedAt time.Time  `db:"enqueued_at" json:"enqueued_at"`
	ClaimedAt  *time.Time `db:"claimed_at" json:"claimed_at,omitempty"`
}

// ArchiveEntry is a successfully handled message. QueueID links it back to
// the queue entry it was moved from.
type ArchiveEntry struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	QueueID      uuid.UUID  `db:"queue_id" json:"queue_id"`
	SourceID     *uuid.UUID `db:"source_id" json:"source_id,omitempty"`
	SourceName   string     `db:"source_name" json:"source_name,omitempty"`
	SourceKey    string     `db:"source_key" json:"source_key,omitempty"`
	Data         string     `db:"hl7_data" json:"hl7_data"`
	State        State      `db:"state" json:"state"`
	MessageType  string     `db:"message_type" json:"message_type"`
	TriggerEvent string     `db:"trigger_event" json:"trigger_event"`
	ControlID    string     `db:"control_id" json:"control_id,omitempty"`
	AckCode      string     `db:"ack_code" json:"ack_code"`
	AckText      string     `db:"ack_text" json:"ack_text,omitempty"`
	Attempts     int        `db:"attempts" json:"attempts"`
	EnqueuedAt   time.Time  `db:"enqueued_at" json:"enqueued_at"`
	ArchivedAt   time.Time  `db:"archived_at" json:"archived_at"`
}

// ErrorEntry is a quarantined message. Entries are never removed
// automatically; an operator resubmits or inspects them.
type ErrorEntry struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	QueueID     uuid.UUID  `db:"queue_id" json:"queue_id"`
	SourceID    *uuid.UUID `db:"source_id" json:"source_id,omitempty"`
	SourceName  string     `db:"source_name" json:"source_name,omitempty"`
	SourceKey   string     `db:"source_key" json:"source_key,omitempty"`
	Data        string     `db:"hl7_data" json:"hl7_data"`
	Kind        ErrorKind  `db:"kind" json:"kind"`
	Error       string     `db:"error" json:"error"`
	ErrorDetail string     `db:"error_detail" json:"error_detail,omitempty"`
	Attempts    int        `db:"attempts" json:"attempts"`
	EnqueuedAt  time.Time  `db:"enqueued_at" json:"enqueued_at"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// ArchiveOutcome carries what the processor learned about a message that
// is moved to the archive.
type ArchiveOutcome struct {
	State        State
	MessageType  string
	TriggerEvent string
	ControlID    string
	AckCode      string
	AckText      string
}

// ErrorOutcome describes a failure that moves a message to the error store.
type ErrorOutcome struct {
	Kind   ErrorKind
	Error  string
	Detail string
}

// ListParams filters operator listings. Zero values mean "any".
type ListParams struct {
	State    State
	Query    string
	SourceID *uuid.UUID
	Limit    int
	Offset   int
}

// Stats is a point-in-time count of messages per store.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Archived   int `json:"archived"`
	Errored    int `json:"errored"`
}
