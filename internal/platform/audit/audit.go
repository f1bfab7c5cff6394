// Package audit records who changed what. Entries are written after the
// owning transaction commits and a failing sink never fails the operation.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Entry is one audited state change.
type Entry struct {
	ID         uuid.UUID   `json:"id"`
	Action     string      `json:"action"`
	ActorID    string      `json:"actor_id"`
	EntityType string      `json:"entity_type"`
	EntityID   string      `json:"entity_id"`
	Before     interface{} `json:"before,omitempty"`
	After      interface{} `json:"after,omitempty"`
	RecordedAt time.Time   `json:"recorded_at"`
}

type Sink interface {
	Record(ctx context.Context, e Entry) error
}

func stamp(e *Entry) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
}

// LogSink writes entries as structured log lines.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Record(_ context.Context, e Entry) error {
	stamp(&e)
	s.logger.Info().
		Str("audit_id", e.ID.String()).
		Str("action", e.Action).
		Str("actor_id", e.ActorID).
		Str("entity_type", e.EntityType).
		Str("entity_id", e.EntityID).
		Interface("before", e.Before).
		Interface("after", e.After).
		Time("recorded_at", e.RecordedAt).
		Msg("audit")
	return nil
}

// PGSink appends entries to the audit_log table.
type PGSink struct {
	pool *pgxpool.Pool
}

func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

func (s *PGSink) Record(ctx context.Context, e Entry) error {
	stamp(&e)
	before, err := marshalOptional(e.Before)
	if err != nil {
		return err
	}
	after, err := marshalOptional(e.After)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, action, actor_id, entity_type, entity_id, before, after, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Action, e.ActorID, e.EntityType, e.EntityID, before, after, e.RecordedAt)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

func marshalOptional(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal: %w", err)
	}
	return b, nil
}

// Multi fans an entry out to several sinks and returns the first error.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Entry) error {
	stamp(&e)
	var first error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Async decouples callers from a slow sink. Record never blocks; when the
// buffer is full the entry is dropped with a warning.
type Async struct {
	next    Sink
	logger  zerolog.Logger
	entries chan Entry
	wg      sync.WaitGroup
	once    sync.Once
	dropped func()
}

func NewAsync(next Sink, buffer int, logger zerolog.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		next:    next,
		logger:  logger.With().Str("component", "audit").Logger(),
		entries: make(chan Entry, buffer),
		dropped: func() {},
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// OnDrop registers a callback invoked for every dropped entry.
func (a *Async) OnDrop(fn func()) { a.dropped = fn }

func (a *Async) Record(_ context.Context, e Entry) error {
	stamp(&e)
	select {
	case a.entries <- e:
	default:
		a.dropped()
		a.logger.Warn().
			Str("action", e.Action).
			Str("entity_id", e.EntityID).
			Msg("audit buffer full, entry dropped")
	}
	return nil
}

func (a *Async) run() {
	defer a.wg.Done()
	for e := range a.entries {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.next.Record(ctx, e); err != nil {
			a.logger.Error().Err(err).Str("action", e.Action).Str("entity_id", e.EntityID).Msg("audit sink failed")
		}
		cancel()
	}
}

// Close drains buffered entries and stops the worker. Record must not be
// called after Close.
func (a *Async) Close() {
	a.once.Do(func() { close(a.entries) })
	a.wg.Wait()
}

// Record writes e to sink and logs instead of returning failures.
func Record(ctx context.Context, sink Sink, logger zerolog.Logger, e Entry) {
	if sink == nil {
		return
	}
	if err := sink.Record(ctx, e); err != nil {
		logger.Warn().Err(err).Str("action", e.Action).Str("entity_id", e.EntityID).Msg("audit record failed")
	}
}
