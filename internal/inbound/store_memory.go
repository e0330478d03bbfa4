package inbound

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a thread-safe in-process Store for development and tests.
// Each operation runs under a single lock, which gives the same
// all-or-nothing moves as the PostgreSQL store.
type MemoryStore struct {
	mu      sync.RWMutex
	sources map[uuid.UUID]*Source
	queue   map[uuid.UUID]*QueueEntry
	archive map[uuid.UUID]*ArchiveEntry
	errs    map[uuid.UUID]*ErrorEntry
	seq     int64

	now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sources: make(map[uuid.UUID]*Source),
		queue:   make(map[uuid.UUID]*QueueEntry),
		archive: make(map[uuid.UUID]*ArchiveEntry),
		errs:    make(map[uuid.UUID]*ErrorEntry),
		now:     time.Now,
	}
}

// ---------------------------------------------------------------------------
// Message lifecycle
// ---------------------------------------------------------------------------

func (m *MemoryStore) Enqueue(_ context.Context, e *QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.SourceID != nil {
		if _, ok := m.sources[*e.SourceID]; !ok {
			return ErrSourceNotFound
		}
	}

	m.seq++
	e.ID = uuid.New()
	e.Seq = m.seq
	e.State = StatePending
	e.Attempts = 0
	e.EnqueuedAt = m.now()
	e.ClaimedAt = nil
	e.SourceName = m.sourceName(e.SourceID)

	stored := *e
	m.queue[e.ID] = &stored
	return nil
}

func (m *MemoryStore) ClaimNext(_ context.Context, staleBefore time.Time) (*QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *QueueEntry
	for _, q := range m.queue {
		if !claimable(q, staleBefore) {
			continue
		}
		if next == nil || queueLess(q, next) {
			next = q
		}
	}
	if next == nil {
		return nil, nil
	}

	now := m.now()
	next.State = StateProcessing
	next.Attempts++
	next.ClaimedAt = &now
	return m.copyQueue(next), nil
}

func claimable(q *QueueEntry, staleBefore time.Time) bool {
	switch q.State {
	case StatePending:
		return true
	case StateProcessing:
		return q.ClaimedAt != nil && q.ClaimedAt.Before(staleBefore)
	}
	return false
}

func queueLess(a, b *QueueEntry) bool {
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.Seq < b.Seq
}

// takeClaimed removes e from the queue if this caller still holds its claim.
// The attempt counter acts as the claim token.
func (m *MemoryStore) takeClaimed(e *QueueEntry) (*QueueEntry, error) {
	q, ok := m.queue[e.ID]
	if !ok || q.State != StateProcessing || q.Attempts != e.Attempts {
		return nil, ErrEntryNotClaimed
	}
	delete(m.queue, e.ID)
	return q, nil
}

func (m *MemoryStore) Archive(_ context.Context, e *QueueEntry, out ArchiveOutcome) (*ArchiveEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, err := m.takeClaimed(e)
	if err != nil {
		return nil, err
	}
	state := out.State
	if state == "" {
		state = StateProcessed
	}

	a := &ArchiveEntry{
		ID:           uuid.New(),
		QueueID:      q.ID,
		SourceID:     q.SourceID,
		SourceName:   m.sourceName(q.SourceID),
		SourceKey:    q.SourceKey,
		Data:         q.Data,
		State:        state,
		MessageType:  out.MessageType,
		TriggerEvent: out.TriggerEvent,
		ControlID:    out.ControlID,
		AckCode:      out.AckCode,
		AckText:      out.AckText,
		Attempts:     q.Attempts,
		EnqueuedAt:   q.EnqueuedAt,
		ArchivedAt:   m.now(),
	}
	m.archive[a.ID] = a
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) RecordError(_ context.Context, e *QueueEntry, out ErrorOutcome) (*ErrorEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, err := m.takeClaimed(e)
	if err != nil {
		return nil, err
	}

	r := &ErrorEntry{
		ID:          uuid.New(),
		QueueID:     q.ID,
		SourceID:    q.SourceID,
		SourceName:  m.sourceName(q.SourceID),
		SourceKey:   q.SourceKey,
		Data:        q.Data,
		Kind:        out.Kind,
		Error:       out.Error,
		ErrorDetail: out.Detail,
		Attempts:    q.Attempts,
		EnqueuedAt:  q.EnqueuedAt,
		CreatedAt:   m.now(),
	}
	m.errs[r.ID] = r
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) PurgeArchivedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, a := range m.archive {
		if a.ArchivedAt.Before(cutoff) {
			delete(m.archive, id)
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Queue, archive and error listings
// ---------------------------------------------------------------------------

func (m *MemoryStore) GetQueueEntry(_ context.Context, id uuid.UUID) (*QueueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queue[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.copyQueue(q), nil
}

func (m *MemoryStore) ListQueue(_ context.Context, p ListParams) ([]*QueueEntry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var items []*QueueEntry
	for _, q := range m.queue {
		if matches(p, q.State, q.SourceID, q.Data, q.SourceKey) {
			items = append(items, m.copyQueue(q))
		}
	}
	sort.Slice(items, func(i, j int) bool { return queueLess(items[i], items[j]) })
	page, total := paginate(items, p)
	return page, total, nil
}

func (m *MemoryStore) DeleteQueueEntry(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queue[id]
	if !ok || q.State != StatePending {
		return ErrNotFound
	}
	delete(m.queue, id)
	return nil
}

func (m *MemoryStore) GetArchive(_ context.Context, id uuid.UUID) (*ArchiveEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.archive[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListArchives(_ context.Context, p ListParams) ([]*ArchiveEntry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var items []*ArchiveEntry
	for _, a := range m.archive {
		if matches(p, a.State, a.SourceID, a.Data, a.SourceKey) {
			cp := *a
			items = append(items, &cp)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ArchivedAt.After(items[j].ArchivedAt) })
	page, total := paginate(items, p)
	return page, total, nil
}

func (m *MemoryStore) ListArchivesForExport(_ context.Context, limit int) ([]*ArchiveEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var items []*ArchiveEntry
	for _, a := range m.archive {
		if a.State == StateProcessed || a.State == StateProcessedWithErrors {
			cp := *a
			items = append(items, &cp)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ArchivedAt.Before(items[j].ArchivedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *MemoryStore) MarkArchiveExported(_ context.Context, id uuid.UUID, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.archive[id]
	if !ok || a.State == StateMigrated {
		return ErrNotFound
	}
	a.State = StateMigrated
	a.Data = uri
	return nil
}

func (m *MemoryStore) GetError(_ context.Context, id uuid.UUID) (*ErrorEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.errs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListErrors(_ context.Context, p ListParams) ([]*ErrorEntry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var items []*ErrorEntry
	for _, r := range m.errs {
		// Error entries have no lifecycle state; a state filter matches none.
		if p.State != "" {
			continue
		}
		if matches(p, "", r.SourceID, r.Data, r.SourceKey) {
			cp := *r
			items = append(items, &cp)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	page, total := paginate(items, p)
	return page, total, nil
}

func (m *MemoryStore) ResubmitError(_ context.Context, id uuid.UUID) (*QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.errs[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.errs, id)

	sourceID := r.SourceID
	if sourceID != nil {
		if _, ok := m.sources[*sourceID]; !ok {
			sourceID = nil
		}
	}

	m.seq++
	q := &QueueEntry{
		ID:         uuid.New(),
		Seq:        m.seq,
		SourceID:   sourceID,
		SourceKey:  r.SourceKey,
		Data:       r.Data,
		State:      StatePending,
		EnqueuedAt: m.now(),
	}
	m.queue[q.ID] = q
	return m.copyQueue(q), nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Stats
	for _, q := range m.queue {
		if q.State == StateProcessing {
			s.Processing++
		} else {
			s.Pending++
		}
	}
	s.Archived = len(m.archive)
	s.Errored = len(m.errs)
	return s, nil
}

// ---------------------------------------------------------------------------
// Sources
// ---------------------------------------------------------------------------

func (m *MemoryStore) CreateSource(_ context.Context, s *Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sourceByName(s.Name) != nil {
		return ErrSourceExists
	}
	now := m.now()
	s.ID = uuid.New()
	s.CreatedAt = now
	s.UpdatedAt = now
	cp := *s
	m.sources[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSource(_ context.Context, id uuid.UUID) (*Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetSourceByName(_ context.Context, name string) (*Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.sourceByName(name)
	if s == nil {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListSources(_ context.Context) ([]*Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Source, 0, len(m.sources))
	for _, s := range m.sources {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) UpdateSource(_ context.Context, s *Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sources[s.ID]
	if !ok {
		return ErrNotFound
	}
	if other := m.sourceByName(s.Name); other != nil && other.ID != s.ID {
		return ErrSourceExists
	}
	existing.Name = s.Name
	existing.Description = s.Description
	existing.UpdatedAt = m.now()
	*s = *existing
	return nil
}

func (m *MemoryStore) DeleteSource(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sources[id]; !ok {
		return ErrNotFound
	}
	for _, q := range m.queue {
		if q.SourceID != nil && *q.SourceID == id {
			return ErrSourceInUse
		}
	}
	delete(m.sources, id)
	for _, a := range m.archive {
		if a.SourceID != nil && *a.SourceID == id {
			a.SourceID = nil
		}
	}
	for _, r := range m.errs {
		if r.SourceID != nil && *r.SourceID == id {
			r.SourceID = nil
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// helpers (callers hold m.mu)
// ---------------------------------------------------------------------------

func (m *MemoryStore) sourceByName(name string) *Source {
	for _, s := range m.sources {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (m *MemoryStore) sourceName(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	if s, ok := m.sources[*id]; ok {
		return s.Name
	}
	return ""
}

func (m *MemoryStore) copyQueue(q *QueueEntry) *QueueEntry {
	cp := *q
	cp.SourceName = m.sourceName(q.SourceID)
	if q.ClaimedAt != nil {
		at := *q.ClaimedAt
		cp.ClaimedAt = &at
	}
	return &cp
}

func matches(p ListParams, state State, sourceID *uuid.UUID, data, key string) bool {
	if p.State != "" && p.State != state {
		return false
	}
	if p.SourceID != nil && (sourceID == nil || *sourceID != *p.SourceID) {
		return false
	}
	if p.Query != "" {
		q := strings.ToLower(p.Query)
		if !strings.Contains(strings.ToLower(data), q) && !strings.Contains(strings.ToLower(key), q) {
			return false
		}
	}
	return true
}

func paginate[T any](items []T, p ListParams) ([]T, int) {
	total := len(items)
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []T{}, total
	}
	items = items[offset:]
	if p.Limit > 0 && len(items) > p.Limit {
		items = items[:p.Limit]
	}
	return items, total
}
