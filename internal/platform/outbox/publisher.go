package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/platform/db"
)

// Publisher records an event as part of the caller's transaction.
type Publisher interface {
	Publish(ctx context.Context, topic, aggregateID string, payload interface{}) error
}

// Writer is the Store-backed Publisher. After the enclosing transaction
// commits it nudges the dispatcher so delivery does not wait for a poll.
type Writer struct {
	store Store
	wake  func()
}

func NewWriter(store Store, wake func()) *Writer {
	if wake == nil {
		wake = func() {}
	}
	return &Writer{store: store, wake: wake}
}

func (w *Writer) Publish(ctx context.Context, topic, aggregateID string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal %s payload: %w", topic, err)
	}
	now := time.Now().UTC()
	e := &Event{
		ID:            uuid.New(),
		Topic:         topic,
		AggregateID:   aggregateID,
		Payload:       body,
		Status:        StatusPending,
		MaxAttempts:   defaultMaxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := w.store.Insert(ctx, e); err != nil {
		return fmt.Errorf("outbox: insert %s: %w", topic, err)
	}
	db.AfterCommit(ctx, w.wake)
	return nil
}
