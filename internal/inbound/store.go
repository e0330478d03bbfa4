package inbound

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MessageStore is the durable home of queued, archived and errored messages.
// Every method is all-or-nothing; a failure of the backing store is reported
// as ErrStoreUnavailable.
type MessageStore interface {
	// Enqueue persists e as pending, assigning its ID, Seq and EnqueuedAt.
	Enqueue(ctx context.Context, e *QueueEntry) error
	// ClaimNext marks the oldest available entry as processing and returns
	// it, or nil when nothing is available. Processing entries claimed
	// before staleBefore are available again.
	ClaimNext(ctx context.Context, staleBefore time.Time) (*QueueEntry, error)
	// Archive moves a claimed entry to the archive in one step.
	Archive(ctx context.Context, e *QueueEntry, out ArchiveOutcome) (*ArchiveEntry, error)
	// RecordError moves a claimed entry to the error store in one step.
	RecordError(ctx context.Context, e *QueueEntry, out ErrorOutcome) (*ErrorEntry, error)
	// PurgeArchivedBefore deletes archive entries archived before cutoff.
	PurgeArchivedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SourceRepository manages feeder-system sources.
type SourceRepository interface {
	CreateSource(ctx context.Context, s *Source) error
	GetSource(ctx context.Context, id uuid.UUID) (*Source, error)
	GetSourceByName(ctx context.Context, name string) (*Source, error)
	ListSources(ctx context.Context) ([]*Source, error)
	UpdateSource(ctx context.Context, s *Source) error
	DeleteSource(ctx context.Context, id uuid.UUID) error
}

// Store is the full store surface used by the service and operator endpoints.
type Store interface {
	MessageStore
	SourceRepository

	GetQueueEntry(ctx context.Context, id uuid.UUID) (*QueueEntry, error)
	ListQueue(ctx context.Context, p ListParams) ([]*QueueEntry, int, error)
	// DeleteQueueEntry removes a pending entry. Entries being processed
	// cannot be deleted.
	DeleteQueueEntry(ctx context.Context, id uuid.UUID) error

	GetArchive(ctx context.Context, id uuid.UUID) (*ArchiveEntry, error)
	ListArchives(ctx context.Context, p ListParams) ([]*ArchiveEntry, int, error)
	ListArchivesForExport(ctx context.Context, limit int) ([]*ArchiveEntry, error)
	// MarkArchiveExported replaces the archived payload with uri and moves
	// the entry to StateMigrated.
	MarkArchiveExported(ctx context.Context, id uuid.UUID, uri string) error

	GetError(ctx context.Context, id uuid.UUID) (*ErrorEntry, error)
	ListErrors(ctx context.Context, p ListParams) ([]*ErrorEntry, int, error)
	// ResubmitError moves an error entry back to the queue as a new pending
	// entry.
	ResubmitError(ctx context.Context, id uuid.UUID) (*QueueEntry, error)

	Stats(ctx context.Context) (Stats, error)
}
