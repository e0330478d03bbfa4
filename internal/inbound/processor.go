package inbound

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/hl7inbound/internal/platform/events"
	"github.com/ehr/hl7inbound/internal/platform/hl7v2"
)

// Config controls the queue processor.
type Config struct {
	// CycleTimeout bounds a single handler invocation.
	CycleTimeout time.Duration
	// ClaimLease is how long a claimed entry stays reserved before another
	// cycle may reclaim it. It must exceed CycleTimeout.
	ClaimLease time.Duration
	// ArchiveProcessedWithErrors archives AE acknowledgments as
	// processed-with-errors instead of moving them to the error store.
	ArchiveProcessedWithErrors bool
	DecodeOptions              []hl7v2.Option
}

// DefaultConfig returns the processor defaults.
func DefaultConfig() Config {
	return Config{
		CycleTimeout: 30 * time.Second,
		ClaimLease:   5 * time.Minute,
	}
}

// Locker serializes processing across instances. acquired is false when
// another holder owns the lock.
type Locker interface {
	TryLock(ctx context.Context) (release func(context.Context) error, acquired bool, err error)
}

// Result values reported by CycleResult.
const (
	ResultArchived = events.ResultArchived
	ResultErrored  = events.ResultErrored
	ResultSkipped  = "skipped"
)

// CycleResult describes what one cycle did. Idle is set when the queue had
// nothing to claim.
type CycleResult struct {
	Idle      bool      `json:"idle"`
	QueueID   uuid.UUID `json:"queue_id"`
	EntryID   uuid.UUID `json:"entry_id"`
	Result    string    `json:"result,omitempty"`
	State     State     `json:"state,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// DrainResult totals the cycles of one drain.
type DrainResult struct {
	Cycles   int           `json:"cycles"`
	Archived int           `json:"archived"`
	Errored  int           `json:"errored"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

func (d *DrainResult) add(r CycleResult) {
	d.Cycles++
	switch r.Result {
	case ResultArchived:
		d.Archived++
	case ResultErrored:
		d.Errored++
	case ResultSkipped:
		d.Skipped++
	}
}

// Processor claims queued messages one at a time, decodes and routes them,
// and moves each to the archive or the error store. Only one cycle or drain
// runs per Processor at a time.
type Processor struct {
	store     MessageStore
	router    *Router
	cfg       Config
	logger    zerolog.Logger
	metrics   *Metrics
	publisher events.Publisher
	locker    Locker
	now       func() time.Time

	running atomic.Bool
}

// ProcessorOption configures optional collaborators.
type ProcessorOption func(*Processor)

func WithMetrics(m *Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

func WithPublisher(pub events.Publisher) ProcessorOption {
	return func(p *Processor) {
		if pub != nil {
			p.publisher = pub
		}
	}
}

// WithLocker adds a cross-instance lock taken after the local guard.
func WithLocker(l Locker) ProcessorOption {
	return func(p *Processor) { p.locker = l }
}

func withClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

func NewProcessor(store MessageStore, router *Router, cfg Config, logger zerolog.Logger, opts ...ProcessorOption) *Processor {
	def := DefaultConfig()
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = def.CycleTimeout
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = def.ClaimLease
	}
	p := &Processor{
		store:     store,
		router:    router,
		cfg:       cfg,
		logger:    logger.With().Str("component", "hl7-processor").Logger(),
		publisher: events.NoopPublisher{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Running reports whether a cycle or drain is in flight.
func (p *Processor) Running() bool {
	return p.running.Load()
}

// RunCycle processes at most one queued message. It returns
// ErrProcessorBusy without waiting when another cycle is in flight, and
// ErrStoreUnavailable when the store fails.
func (p *Processor) RunCycle(ctx context.Context) (CycleResult, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return CycleResult{}, err
	}
	defer release()

	return p.cycle(ctx)
}

// RunDrain repeats cycles until the queue is empty, ctx is done or the
// store fails.
func (p *Processor) RunDrain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	release, err := p.acquire(ctx)
	if err != nil {
		return res, err
	}
	defer release()

	start := p.now()
	defer func() { res.Duration = p.now().Sub(start) }()

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		r, err := p.cycle(ctx)
		if err != nil {
			return res, err
		}
		if r.Idle {
			return res, nil
		}
		res.add(r)
	}
}

// Run drains the queue every interval until ctx is cancelled.
func (p *Processor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := p.RunDrain(ctx)
		switch {
		case errors.Is(err, ErrProcessorBusy):
			p.logger.Debug().Msg("drain skipped, processor busy")
		case err != nil && ctx.Err() == nil:
			p.logger.Error().Err(err).Msg("queue drain failed")
		case res.Cycles > 0:
			p.logger.Info().
				Int("archived", res.Archived).
				Int("errored", res.Errored).
				Int("skipped", res.Skipped).
				Dur("duration", res.Duration).
				Msg("queue drained")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Processor) acquire(ctx context.Context) (func(), error) {
	if !p.running.CompareAndSwap(false, true) {
		p.metrics.busy()
		p.metrics.cycle("busy")
		return nil, ErrProcessorBusy
	}
	if p.locker == nil {
		return func() { p.running.Store(false) }, nil
	}

	unlock, acquired, err := p.locker.TryLock(ctx)
	if err != nil {
		p.running.Store(false)
		return nil, fmt.Errorf("acquire processor lock: %w", err)
	}
	if !acquired {
		p.running.Store(false)
		p.metrics.busy()
		p.metrics.cycle("busy")
		return nil, ErrProcessorBusy
	}
	return func() {
		if err := unlock(context.Background()); err != nil {
			p.logger.Warn().Err(err).Msg("failed to release processor lock")
		}
		p.running.Store(false)
	}, nil
}

func (p *Processor) cycle(ctx context.Context) (CycleResult, error) {
	entry, err := p.store.ClaimNext(ctx, p.now().Add(-p.cfg.ClaimLease))
	if err != nil {
		p.metrics.storeError()
		p.metrics.cycle("failed")
		return CycleResult{}, fmt.Errorf("claim next entry: %w", err)
	}
	if entry == nil {
		p.metrics.cycle("idle")
		return CycleResult{Idle: true}, nil
	}

	log := p.logger.With().
		Str("queue_id", entry.ID.String()).
		Int("attempt", entry.Attempts).
		Logger()
	if entry.Attempts > 1 {
		log.Warn().Msg("reclaimed entry after expired lease")
	}

	msg, err := hl7v2.Decode([]byte(entry.Data), p.cfg.DecodeOptions...)
	if err != nil {
		var de *hl7v2.DecodeError
		detail := ""
		if errors.As(err, &de) {
			detail = string(de.Kind)
		}
		return p.fail(ctx, log, entry, nil, ErrorOutcome{Kind: KindDecode, Error: err.Error(), Detail: detail})
	}

	log = log.With().
		Str("message_type", msg.MessageType).
		Str("trigger_event", msg.TriggerEvent).
		Str("control_id", msg.ControlID).
		Logger()

	ack, err := p.invoke(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			// Left claimed; the lease hands it to a later cycle.
			p.metrics.cycle("cancelled")
			return CycleResult{}, ctx.Err()
		}
		return p.fail(ctx, log, entry, msg, outcomeFor(err))
	}

	out := ArchiveOutcome{
		State:        StateProcessed,
		MessageType:  msg.MessageType,
		TriggerEvent: msg.TriggerEvent,
		ControlID:    msg.ControlID,
		AckCode:      ack.normalizedCode(),
		AckText:      ack.Text,
	}
	switch out.AckCode {
	case hl7v2.AckReject:
		return p.fail(ctx, log, entry, msg, outcomeFor(&HandlerError{Kind: ApplicationReject, Text: ack.Text}))
	case hl7v2.AckError:
		if !p.cfg.ArchiveProcessedWithErrors {
			return p.fail(ctx, log, entry, msg, outcomeFor(&HandlerError{Kind: ApplicationError, Text: ack.Text}))
		}
		out.State = StateProcessedWithErrors
	}

	a, err := p.store.Archive(ctx, entry, out)
	if errors.Is(err, ErrInvalid) {
		return p.fail(ctx, log, entry, msg, ErrorOutcome{Kind: KindStore, Error: "archive refused: " + err.Error(), Detail: string(out.State)})
	}
	if err != nil {
		return p.storeFailure(log, entry, "archive", err)
	}

	log.Info().Str("archive_id", a.ID.String()).Str("state", string(a.State)).Msg("message archived")
	p.metrics.cycle(ResultArchived)
	p.metrics.message(ResultArchived, "", msg.Type())
	p.publish(ctx, events.Outcome{
		EntryID:      a.ID,
		QueueID:      entry.ID,
		Result:       events.ResultArchived,
		State:        string(a.State),
		MessageType:  a.MessageType,
		TriggerEvent: a.TriggerEvent,
		ControlID:    a.ControlID,
		SourceName:   a.SourceName,
		At:           a.ArchivedAt,
	})
	return CycleResult{QueueID: entry.ID, EntryID: a.ID, Result: ResultArchived, State: a.State}, nil
}

// invoke runs the routed handler under CycleTimeout. A handler that
// overruns is abandoned; its goroutine is left to finish on its own.
func (p *Processor) invoke(ctx context.Context, msg *hl7v2.Message) (AckResult, error) {
	hctx, cancel := context.WithTimeout(ctx, p.cfg.CycleTimeout)
	defer cancel()

	type result struct {
		ack AckResult
		err error
	}
	done := make(chan result, 1)
	start := p.now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: &HandlerError{
					Kind:  Exception,
					Text:  fmt.Sprintf("panic: %v", r),
					Stack: string(debug.Stack()),
				}}
			}
		}()
		ack, err := p.router.Dispatch(hctx, msg)
		done <- result{ack: ack, err: err}
	}()

	select {
	case r := <-done:
		p.metrics.handlerSeconds(msg.Type(), p.now().Sub(start).Seconds())
		if r.err != nil {
			if ctx.Err() != nil {
				return AckResult{}, ctx.Err()
			}
			// A handler that gave up because its deadline passed timed out.
			if errors.Is(hctx.Err(), context.DeadlineExceeded) {
				return AckResult{}, p.timeoutError(msg)
			}
			var ue *UnroutableError
			var he *HandlerError
			if errors.As(r.err, &ue) || errors.As(r.err, &he) {
				return r.ack, r.err
			}
			return r.ack, &HandlerError{Kind: Exception, Err: r.err}
		}
		return r.ack, nil
	case <-hctx.Done():
		p.metrics.handlerSeconds(msg.Type(), p.now().Sub(start).Seconds())
		if ctx.Err() != nil {
			return AckResult{}, ctx.Err()
		}
		return AckResult{}, p.timeoutError(msg)
	}
}

func (p *Processor) timeoutError(msg *hl7v2.Message) *TimeoutError {
	return &TimeoutError{
		MessageType:  msg.MessageType,
		TriggerEvent: msg.TriggerEvent,
		Timeout:      p.cfg.CycleTimeout,
	}
}

func outcomeFor(err error) ErrorOutcome {
	var (
		ue *UnroutableError
		te *TimeoutError
		he *HandlerError
	)
	switch {
	case errors.As(err, &ue):
		return ErrorOutcome{Kind: KindUnroutable, Error: err.Error()}
	case errors.As(err, &te):
		return ErrorOutcome{Kind: KindTimeout, Error: err.Error()}
	case errors.As(err, &he):
		detail := he.Stack
		if detail == "" {
			detail = string(he.Kind)
		}
		return ErrorOutcome{Kind: KindHandler, Error: err.Error(), Detail: detail}
	}
	return ErrorOutcome{Kind: KindHandler, Error: err.Error()}
}

func (p *Processor) fail(ctx context.Context, log zerolog.Logger, entry *QueueEntry, msg *hl7v2.Message, out ErrorOutcome) (CycleResult, error) {
	rec, err := p.store.RecordError(ctx, entry, out)
	if err != nil {
		return p.storeFailure(log, entry, "record error", err)
	}

	log.Warn().
		Str("error_id", rec.ID.String()).
		Str("kind", string(out.Kind)).
		Str("error", out.Error).
		Msg("message moved to error store")

	o := events.Outcome{
		EntryID:    rec.ID,
		QueueID:    entry.ID,
		Result:     events.ResultErrored,
		ErrorKind:  string(out.Kind),
		Error:      out.Error,
		SourceName: rec.SourceName,
		At:         rec.CreatedAt,
	}
	messageType := ""
	if msg != nil {
		o.MessageType = msg.MessageType
		o.TriggerEvent = msg.TriggerEvent
		o.ControlID = msg.ControlID
		messageType = msg.Type()
	}
	p.metrics.cycle(ResultErrored)
	p.metrics.message(ResultErrored, out.Kind, messageType)
	p.publish(ctx, o)

	return CycleResult{
		QueueID:   entry.ID,
		EntryID:   rec.ID,
		Result:    ResultErrored,
		ErrorKind: out.Kind,
		Error:     out.Error,
	}, nil
}

// storeFailure handles a failed move. Losing the claim to another cycle is
// not a failure of this one.
func (p *Processor) storeFailure(log zerolog.Logger, entry *QueueEntry, op string, err error) (CycleResult, error) {
	if errors.Is(err, ErrEntryNotClaimed) {
		log.Warn().Msg("claim lost before outcome was recorded")
		p.metrics.cycle(ResultSkipped)
		return CycleResult{QueueID: entry.ID, Result: ResultSkipped}, nil
	}
	p.metrics.storeError()
	p.metrics.cycle("failed")
	log.Error().Err(err).Str("op", op).Msg("store failure, entry left for a later cycle")
	return CycleResult{}, fmt.Errorf("%s %s: %w", op, entry.ID, err)
}

func (p *Processor) publish(ctx context.Context, o events.Outcome) {
	if err := p.publisher.Publish(ctx, o); err != nil {
		p.logger.Warn().Err(err).Str("subject_result", o.Result).Msg("failed to publish outcome")
	}
}
