package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/db"
)

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const eventCols = `id, topic, aggregate_id, payload, status, attempts, max_attempts,
	next_attempt_at, last_error, created_at, processed_at`

func (s *PGStore) Insert(ctx context.Context, e *Event) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO outbox_event (id, topic, aggregate_id, payload, status, attempts, max_attempts,
			next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Topic, e.AggregateID, []byte(e.Payload), e.Status, e.Attempts, e.MaxAttempts,
		e.NextAttemptAt, e.CreatedAt)
	return err
}

func (s *PGStore) ClaimPending(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx, `
		UPDATE outbox_event SET status = 'processing', attempts = attempts + 1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox_event
			WHERE status = 'pending' AND next_attempt_at <= NOW()
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+eventCols, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING order is unspecified.
	sortByCreated(events)
	return events, nil
}

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	var payload []byte
	err := row.Scan(&e.ID, &e.Topic, &e.AggregateID, &payload, &e.Status, &e.Attempts, &e.MaxAttempts,
		&e.NextAttemptAt, &e.LastError, &e.CreatedAt, &e.ProcessedAt)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}

func (s *PGStore) MarkDone(ctx context.Context, id uuid.UUID) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `
		UPDATE outbox_event SET status = 'done', processed_at = NOW(), last_error = NULL, updated_at = NOW()
		WHERE id = $1`, id)
	return err
}

func (s *PGStore) MarkRetry(ctx context.Context, id uuid.UUID, next time.Time, errMsg string) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `
		UPDATE outbox_event SET status = 'pending', next_attempt_at = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1`, id, next, errMsg)
	return err
}

func (s *PGStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `
		UPDATE outbox_event SET status = 'failed', processed_at = NOW(), last_error = $2, updated_at = NOW()
		WHERE id = $1`, id, errMsg)
	return err
}

func (s *PGStore) ResetStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, `
		UPDATE outbox_event SET status = 'pending', updated_at = NOW()
		WHERE status = 'processing' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) DeleteProcessed(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, `
		DELETE FROM outbox_event WHERE status = 'done' AND processed_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
