package inbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/hl7inbound/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore is the PostgreSQL Store. Claims use FOR UPDATE SKIP LOCKED so
// several processors may share one database.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// storeErr maps driver errors onto the package's sentinels. Anything not
// recognised means the store could not do its job.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrSourceExists
		case "23503":
			return ErrSourceInUse
		case "22001", "22021", "22P05", "23514":
			// Bad data, not a store outage: retrying cannot help.
			return fmt.Errorf("%w: %s", ErrInvalid, pgErr.Message)
		}
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// pgText makes s storable in a UTF-8 TEXT column. Payloads are kept as
// bytes; this only touches metadata derived from them.
func pgText(s string) string {
	return strings.ToValidUTF8(strings.ReplaceAll(s, "\x00", ""), "\uFFFD")
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// =========== Message Lifecycle ===========

const queueCols = `q.id, q.seq, q.source_id, COALESCE(src.name, ''), q.source_key, q.hl7_data,
	q.state, q.attempts, q.enqueued_at, q.claimed_at`

const queueFrom = `hl7_in_queue q LEFT JOIN hl7_source src ON src.id = q.source_id`

func scanQueue(row pgx.Row) (*QueueEntry, error) {
	var e QueueEntry
	var state string
	var data []byte
	err := row.Scan(&e.ID, &e.Seq, &e.SourceID, &e.SourceName, &e.SourceKey, &data,
		&state, &e.Attempts, &e.EnqueuedAt, &e.ClaimedAt)
	e.State = State(state)
	e.Data = string(data)
	return &e, err
}

func (s *PGStore) Enqueue(ctx context.Context, e *QueueEntry) error {
	e.ID = uuid.New()
	e.State = StatePending
	e.Attempts = 0
	e.ClaimedAt = nil
	e.SourceKey = pgText(e.SourceKey)
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO hl7_in_queue (id, source_id, source_key, hl7_data, state, attempts)
		VALUES ($1, $2, $3, $4, 'pending', 0)
		RETURNING seq, enqueued_at`,
		e.ID, e.SourceID, e.SourceKey, []byte(e.Data)).Scan(&e.Seq, &e.EnqueuedAt)
	if isForeignKeyViolation(err) {
		return ErrSourceNotFound
	}
	return storeErr(err)
}

func (s *PGStore) ClaimNext(ctx context.Context, staleBefore time.Time) (*QueueEntry, error) {
	e, err := scanQueue(s.conn(ctx).QueryRow(ctx, `
		WITH next AS (
			SELECT id FROM hl7_in_queue
			WHERE state = 'pending' OR (state = 'processing' AND claimed_at < $1)
			ORDER BY enqueued_at, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		), claimed AS (
			UPDATE hl7_in_queue q
			SET state = 'processing', attempts = q.attempts + 1, claimed_at = NOW()
			FROM next WHERE q.id = next.id
			RETURNING q.*
		)
		SELECT `+queueCols+` FROM claimed q LEFT JOIN hl7_source src ON src.id = q.source_id`,
		staleBefore))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return e, nil
}

// takeClaimed deletes e from the queue inside tx provided the caller's claim
// (identified by the attempt counter) is still current.
func takeClaimed(ctx context.Context, tx pgx.Tx, e *QueueEntry) (*QueueEntry, error) {
	q, err := scanQueue(tx.QueryRow(ctx, `
		WITH gone AS (
			DELETE FROM hl7_in_queue
			WHERE id = $1 AND state = 'processing' AND attempts = $2
			RETURNING *
		)
		SELECT `+queueCols+` FROM gone q LEFT JOIN hl7_source src ON src.id = q.source_id`,
		e.ID, e.Attempts))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotClaimed
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return q, nil
}

func (s *PGStore) Archive(ctx context.Context, e *QueueEntry, out ArchiveOutcome) (*ArchiveEntry, error) {
	state := out.State
	if state == "" {
		state = StateProcessed
	}

	var a *ArchiveEntry
	err := db.RunInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		q, err := takeClaimed(ctx, tx, e)
		if err != nil {
			return err
		}
		a = &ArchiveEntry{
			ID:           uuid.New(),
			QueueID:      q.ID,
			SourceID:     q.SourceID,
			SourceName:   q.SourceName,
			SourceKey:    q.SourceKey,
			Data:         q.Data,
			State:        state,
			MessageType:  pgText(out.MessageType),
			TriggerEvent: pgText(out.TriggerEvent),
			ControlID:    pgText(out.ControlID),
			AckCode:      pgText(out.AckCode),
			AckText:      pgText(out.AckText),
			Attempts:     q.Attempts,
			EnqueuedAt:   q.EnqueuedAt,
		}
		return tx.QueryRow(ctx, `
			INSERT INTO hl7_in_archive (id, queue_id, source_id, source_name, source_key, hl7_data,
				state, message_type, trigger_event, control_id, ack_code, ack_text, attempts, enqueued_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			RETURNING archived_at`,
			a.ID, a.QueueID, a.SourceID, a.SourceName, a.SourceKey, []byte(a.Data),
			string(a.State), a.MessageType, a.TriggerEvent, a.ControlID, a.AckCode, a.AckText,
			a.Attempts, a.EnqueuedAt).Scan(&a.ArchivedAt)
	})
	if err != nil {
		return nil, passThrough(err)
	}
	return a, nil
}

func (s *PGStore) RecordError(ctx context.Context, e *QueueEntry, out ErrorOutcome) (*ErrorEntry, error) {
	var r *ErrorEntry
	err := db.RunInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		q, err := takeClaimed(ctx, tx, e)
		if err != nil {
			return err
		}
		r = &ErrorEntry{
			ID:          uuid.New(),
			QueueID:     q.ID,
			SourceID:    q.SourceID,
			SourceName:  q.SourceName,
			SourceKey:   q.SourceKey,
			Data:        q.Data,
			Kind:        out.Kind,
			Error:       pgText(out.Error),
			ErrorDetail: pgText(out.Detail),
			Attempts:    q.Attempts,
			EnqueuedAt:  q.EnqueuedAt,
		}
		return tx.QueryRow(ctx, `
			INSERT INTO hl7_in_error (id, queue_id, source_id, source_name, source_key, hl7_data,
				kind, error, error_detail, attempts, enqueued_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			RETURNING created_at`,
			r.ID, r.QueueID, r.SourceID, r.SourceName, r.SourceKey, []byte(r.Data),
			string(r.Kind), r.Error, r.ErrorDetail, r.Attempts, r.EnqueuedAt).Scan(&r.CreatedAt)
	})
	if err != nil {
		return nil, passThrough(err)
	}
	return r, nil
}

// passThrough keeps sentinel errors produced inside a transaction and maps
// everything else.
func passThrough(err error) error {
	for _, sentinel := range []error{ErrEntryNotClaimed, ErrNotFound, ErrStoreUnavailable, ErrSourceExists, ErrSourceInUse, ErrSourceNotFound, ErrInvalid} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return storeErr(err)
}

func (s *PGStore) PurgeArchivedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM hl7_in_archive WHERE archived_at < $1`, cutoff)
	if err != nil {
		return 0, storeErr(err)
	}
	return tag.RowsAffected(), nil
}

// =========== Listings ===========

// filter renders ListParams as a WHERE clause. stateCol is empty for tables
// without a lifecycle state.
func filter(p ListParams, alias, stateCol string) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if p.State != "" {
		if stateCol == "" {
			conds = append(conds, "FALSE")
		} else {
			args = append(args, string(p.State))
			conds = append(conds, fmt.Sprintf("%s.%s = $%d", alias, stateCol, len(args)))
		}
	}
	if p.SourceID != nil {
		args = append(args, *p.SourceID)
		conds = append(conds, fmt.Sprintf("%s.source_id = $%d", alias, len(args)))
	}
	if p.Query != "" {
		args = append(args, "%"+p.Query+"%")
		conds = append(conds, fmt.Sprintf("(encode(%s.hl7_data, 'escape') ILIKE $%d OR %s.source_key ILIKE $%d)", alias, len(args), alias, len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func limitOffset(p ListParams, args []interface{}) (string, []interface{}) {
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args)), args
}

func (s *PGStore) GetQueueEntry(ctx context.Context, id uuid.UUID) (*QueueEntry, error) {
	e, err := scanQueue(s.conn(ctx).QueryRow(ctx, `SELECT `+queueCols+` FROM `+queueFrom+` WHERE q.id = $1`, id))
	if err != nil {
		return nil, storeErr(err)
	}
	return e, nil
}

func (s *PGStore) ListQueue(ctx context.Context, p ListParams) ([]*QueueEntry, int, error) {
	where, args := filter(p, "q", "state")
	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM hl7_in_queue q`+where, args...).Scan(&total); err != nil {
		return nil, 0, storeErr(err)
	}
	page, args := limitOffset(p, args)
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+queueCols+` FROM `+queueFrom+where+` ORDER BY q.enqueued_at, q.seq`+page, args...)
	if err != nil {
		return nil, 0, storeErr(err)
	}
	defer rows.Close()
	var items []*QueueEntry
	for rows.Next() {
		e, err := scanQueue(rows)
		if err != nil {
			return nil, 0, storeErr(err)
		}
		items = append(items, e)
	}
	return items, total, storeErr(rows.Err())
}

func (s *PGStore) DeleteQueueEntry(ctx context.Context, id uuid.UUID) error {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM hl7_in_queue WHERE id = $1 AND state = 'pending'`, id)
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const archiveCols = `a.id, a.queue_id, a.source_id, a.source_name, a.source_key, a.hl7_data, a.state,
	a.message_type, a.trigger_event, a.control_id, a.ack_code, a.ack_text, a.attempts,
	a.enqueued_at, a.archived_at`

func scanArchive(row pgx.Row) (*ArchiveEntry, error) {
	var a ArchiveEntry
	var state string
	var data []byte
	err := row.Scan(&a.ID, &a.QueueID, &a.SourceID, &a.SourceName, &a.SourceKey, &data, &state,
		&a.MessageType, &a.TriggerEvent, &a.ControlID, &a.AckCode, &a.AckText, &a.Attempts,
		&a.EnqueuedAt, &a.ArchivedAt)
	a.State = State(state)
	a.Data = string(data)
	return &a, err
}

func (s *PGStore) GetArchive(ctx context.Context, id uuid.UUID) (*ArchiveEntry, error) {
	a, err := scanArchive(s.conn(ctx).QueryRow(ctx, `SELECT `+archiveCols+` FROM hl7_in_archive a WHERE a.id = $1`, id))
	if err != nil {
		return nil, storeErr(err)
	}
	return a, nil
}

func (s *PGStore) ListArchives(ctx context.Context, p ListParams) ([]*ArchiveEntry, int, error) {
	where, args := filter(p, "a", "state")
	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM hl7_in_archive a`+where, args...).Scan(&total); err != nil {
		return nil, 0, storeErr(err)
	}
	page, args := limitOffset(p, args)
	items, err := s.queryArchives(ctx, `SELECT `+archiveCols+` FROM hl7_in_archive a`+where+` ORDER BY a.archived_at DESC`+page, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *PGStore) ListArchivesForExport(ctx context.Context, limit int) ([]*ArchiveEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryArchives(ctx, `SELECT `+archiveCols+` FROM hl7_in_archive a
		WHERE a.state IN ('processed', 'processed-with-errors')
		ORDER BY a.archived_at LIMIT $1`, limit)
}

func (s *PGStore) queryArchives(ctx context.Context, sql string, args ...interface{}) ([]*ArchiveEntry, error) {
	rows, err := s.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var items []*ArchiveEntry
	for rows.Next() {
		a, err := scanArchive(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		items = append(items, a)
	}
	return items, storeErr(rows.Err())
}

func (s *PGStore) MarkArchiveExported(ctx context.Context, id uuid.UUID, uri string) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE hl7_in_archive SET state = 'migrated', hl7_data = $2
		WHERE id = $1 AND state <> 'migrated'`, id, []byte(uri))
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const errorCols = `e.id, e.queue_id, e.source_id, e.source_name, e.source_key, e.hl7_data, e.kind,
	e.error, e.error_detail, e.attempts, e.enqueued_at, e.created_at`

func scanError(row pgx.Row) (*ErrorEntry, error) {
	var r ErrorEntry
	var kind string
	var data []byte
	err := row.Scan(&r.ID, &r.QueueID, &r.SourceID, &r.SourceName, &r.SourceKey, &data, &kind,
		&r.Error, &r.ErrorDetail, &r.Attempts, &r.EnqueuedAt, &r.CreatedAt)
	r.Kind = ErrorKind(kind)
	r.Data = string(data)
	return &r, err
}

func (s *PGStore) GetError(ctx context.Context, id uuid.UUID) (*ErrorEntry, error) {
	r, err := scanError(s.conn(ctx).QueryRow(ctx, `SELECT `+errorCols+` FROM hl7_in_error e WHERE e.id = $1`, id))
	if err != nil {
		return nil, storeErr(err)
	}
	return r, nil
}

func (s *PGStore) ListErrors(ctx context.Context, p ListParams) ([]*ErrorEntry, int, error) {
	where, args := filter(p, "e", "")
	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM hl7_in_error e`+where, args...).Scan(&total); err != nil {
		return nil, 0, storeErr(err)
	}
	page, args := limitOffset(p, args)
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+errorCols+` FROM hl7_in_error e`+where+` ORDER BY e.created_at DESC`+page, args...)
	if err != nil {
		return nil, 0, storeErr(err)
	}
	defer rows.Close()
	var items []*ErrorEntry
	for rows.Next() {
		r, err := scanError(rows)
		if err != nil {
			return nil, 0, storeErr(err)
		}
		items = append(items, r)
	}
	return items, total, storeErr(rows.Err())
}

func (s *PGStore) ResubmitError(ctx context.Context, id uuid.UUID) (*QueueEntry, error) {
	var q *QueueEntry
	err := db.RunInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		var sourceID *uuid.UUID
		var sourceKey string
		var data []byte
		err := tx.QueryRow(ctx, `
			DELETE FROM hl7_in_error WHERE id = $1
			RETURNING source_id, source_key, hl7_data`,
			id).Scan(&sourceID, &sourceKey, &data)
		if err != nil {
			return storeErr(err)
		}
		q = &QueueEntry{SourceID: sourceID, SourceKey: sourceKey, Data: string(data)}
		return s.Enqueue(ctx, q)
	})
	if err != nil {
		return nil, passThrough(err)
	}
	return q, nil
}

func (s *PGStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM hl7_in_queue WHERE state = 'pending'),
			(SELECT COUNT(*) FROM hl7_in_queue WHERE state = 'processing'),
			(SELECT COUNT(*) FROM hl7_in_archive),
			(SELECT COUNT(*) FROM hl7_in_error)`).Scan(&st.Pending, &st.Processing, &st.Archived, &st.Errored)
	return st, storeErr(err)
}

// =========== Sources ===========

const sourceCols = `id, name, description, created_at, updated_at`

func scanSource(row pgx.Row) (*Source, error) {
	var src Source
	err := row.Scan(&src.ID, &src.Name, &src.Description, &src.CreatedAt, &src.UpdatedAt)
	return &src, err
}

func (s *PGStore) CreateSource(ctx context.Context, src *Source) error {
	src.ID = uuid.New()
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO hl7_source (id, name, description)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`,
		src.ID, src.Name, src.Description).Scan(&src.CreatedAt, &src.UpdatedAt)
	return storeErr(err)
}

func (s *PGStore) GetSource(ctx context.Context, id uuid.UUID) (*Source, error) {
	src, err := scanSource(s.conn(ctx).QueryRow(ctx, `SELECT `+sourceCols+` FROM hl7_source WHERE id = $1`, id))
	if err != nil {
		return nil, storeErr(err)
	}
	return src, nil
}

func (s *PGStore) GetSourceByName(ctx context.Context, name string) (*Source, error) {
	src, err := scanSource(s.conn(ctx).QueryRow(ctx, `SELECT `+sourceCols+` FROM hl7_source WHERE name = $1`, name))
	if err != nil {
		return nil, storeErr(err)
	}
	return src, nil
}

func (s *PGStore) ListSources(ctx context.Context) ([]*Source, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+sourceCols+` FROM hl7_source ORDER BY name`)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var items []*Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		items = append(items, src)
	}
	return items, storeErr(rows.Err())
}

func (s *PGStore) UpdateSource(ctx context.Context, src *Source) error {
	err := s.conn(ctx).QueryRow(ctx, `
		UPDATE hl7_source SET name = $2, description = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING created_at, updated_at`,
		src.ID, src.Name, src.Description).Scan(&src.CreatedAt, &src.UpdatedAt)
	return storeErr(err)
}

func (s *PGStore) DeleteSource(ctx context.Context, id uuid.UUID) error {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM hl7_source WHERE id = $1`, id)
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
