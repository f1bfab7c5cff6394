// Package outbox carries domain events from the transaction that produced
// them to handlers that run after commit.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

const defaultMaxAttempts = 5

type Event struct {
	ID            uuid.UUID       `json:"id"`
	Topic         string          `json:"topic"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// Store persists events. Insert joins the transaction carried by ctx.
type Store interface {
	Insert(ctx context.Context, e *Event) error
	// ClaimPending moves up to limit due events to processing and returns
	// them. Concurrent claimers never receive the same event.
	ClaimPending(ctx context.Context, limit int) ([]*Event, error)
	MarkDone(ctx context.Context, id uuid.UUID) error
	MarkRetry(ctx context.Context, id uuid.UUID, next time.Time, errMsg string) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	// ResetStuck returns processing events older than cutoff to pending.
	ResetStuck(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteProcessed(ctx context.Context, before time.Time) (int64, error)
}
