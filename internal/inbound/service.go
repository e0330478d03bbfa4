package inbound

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service is the ingestion and operator surface over a Store. It never
// parses message text; decoding happens in the processor.
type Service struct {
	store   Store
	logger  zerolog.Logger
	metrics *Metrics
}

func NewService(store Store, logger zerolog.Logger, m *Metrics) *Service {
	return &Service{
		store:   store,
		logger:  logger.With().Str("component", "hl7-service").Logger(),
		metrics: m,
	}
}

// Enqueue stores raw exactly as received. An empty sourceName submits
// without a source; a name that is not registered is rejected with
// ErrSourceNotFound.
func (s *Service) Enqueue(ctx context.Context, raw, sourceName, sourceKey string) (*QueueEntry, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyMessage
	}

	e := &QueueEntry{Data: raw, SourceKey: sourceKey}
	if sourceName != "" {
		src, err := s.store.GetSourceByName(ctx, sourceName)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: %q", ErrSourceNotFound, sourceName)
			}
			return nil, err
		}
		e.SourceID = &src.ID
		e.SourceName = src.Name
	}

	if err := s.store.Enqueue(ctx, e); err != nil {
		s.metrics.storeError()
		return nil, fmt.Errorf("enqueue message: %w", err)
	}
	s.metrics.enqueued(sourceName)
	s.logger.Debug().
		Str("queue_id", e.ID.String()).
		Str("source", sourceName).
		Str("source_key", sourceKey).
		Int("bytes", len(raw)).
		Msg("message enqueued")
	return e, nil
}

// -- Sources --

func (s *Service) CreateSource(ctx context.Context, src *Source) error {
	src.Name = strings.TrimSpace(src.Name)
	if src.Name == "" {
		return fmt.Errorf("%w: source name is required", ErrInvalid)
	}
	return s.store.CreateSource(ctx, src)
}

func (s *Service) GetSource(ctx context.Context, id uuid.UUID) (*Source, error) {
	return s.store.GetSource(ctx, id)
}

func (s *Service) ListSources(ctx context.Context) ([]*Source, error) {
	return s.store.ListSources(ctx)
}

// UpdateSource renames or redescribes a source. Queued messages follow the
// new name.
func (s *Service) UpdateSource(ctx context.Context, src *Source) error {
	src.Name = strings.TrimSpace(src.Name)
	if src.Name == "" {
		return fmt.Errorf("%w: source name is required", ErrInvalid)
	}
	return s.store.UpdateSource(ctx, src)
}

func (s *Service) DeleteSource(ctx context.Context, id uuid.UUID) error {
	return s.store.DeleteSource(ctx, id)
}

// -- Queue --

func (s *Service) GetQueueEntry(ctx context.Context, id uuid.UUID) (*QueueEntry, error) {
	return s.store.GetQueueEntry(ctx, id)
}

func (s *Service) ListQueue(ctx context.Context, p ListParams) ([]*QueueEntry, int, error) {
	return s.store.ListQueue(ctx, p)
}

// PurgeQueueEntry drops a pending message without processing it.
func (s *Service) PurgeQueueEntry(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeleteQueueEntry(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("queue_id", id.String()).Msg("queue entry purged")
	return nil
}

// -- Archive --

func (s *Service) GetArchive(ctx context.Context, id uuid.UUID) (*ArchiveEntry, error) {
	return s.store.GetArchive(ctx, id)
}

func (s *Service) ListArchives(ctx context.Context, p ListParams) ([]*ArchiveEntry, int, error) {
	return s.store.ListArchives(ctx, p)
}

// -- Errors --

func (s *Service) GetError(ctx context.Context, id uuid.UUID) (*ErrorEntry, error) {
	return s.store.GetError(ctx, id)
}

func (s *Service) ListErrors(ctx context.Context, p ListParams) ([]*ErrorEntry, int, error) {
	return s.store.ListErrors(ctx, p)
}

// Resubmit moves an error entry back to the queue so the next cycle
// processes it again.
func (s *Service) Resubmit(ctx context.Context, errorID uuid.UUID) (*QueueEntry, error) {
	q, err := s.store.ResubmitError(ctx, errorID)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("error_id", errorID.String()).
		Str("queue_id", q.ID.String()).
		Msg("error entry resubmitted")
	return q, nil
}

// Stats returns per-store counts and refreshes the store gauges.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	s.metrics.ObserveStats(st)
	return st, nil
}
