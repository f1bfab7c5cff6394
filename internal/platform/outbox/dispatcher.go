package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/metrics"
)

// Handler processes one event. Handlers must be idempotent because a
// failed event is redelivered to every handler of its topic.
type Handler func(ctx context.Context, e *Event) error

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the dispatcher fails the event without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Dispatcher polls the store for due events and runs the handlers
// subscribed to their topic.
type Dispatcher struct {
	store   Store
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	handlers map[string][]Handler
	wake     chan struct{}

	PollInterval   time.Duration
	BatchSize      int
	StuckAfter     time.Duration
	Retention      time.Duration
	HandlerTimeout time.Duration
	now            func() time.Time
}

func NewDispatcher(store Store, logger zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		store:          store,
		logger:         logger.With().Str("component", "outbox").Logger(),
		metrics:        m,
		handlers:       make(map[string][]Handler),
		wake:           make(chan struct{}, 1),
		PollInterval:   2 * time.Second,
		BatchSize:      25,
		StuckAfter:     5 * time.Minute,
		Retention:      7 * 24 * time.Hour,
		HandlerTimeout: 30 * time.Second,
		now:            time.Now,
	}
}

func (d *Dispatcher) Subscribe(topic string, h Handler) {
	d.mu.Lock()
	d.handlers[topic] = append(d.handlers[topic], h)
	d.mu.Unlock()
}

// Wake requests an immediate poll. It never blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start runs the delivery, stuck-reset and cleanup loops until ctx is
// cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info().Dur("poll_interval", d.PollInterval).Msg("outbox dispatcher started")

	d.resetStuck(ctx)
	deliveryTicker := time.NewTicker(d.PollInterval)
	stuckTicker := time.NewTicker(time.Minute)
	cleanupTicker := time.NewTicker(time.Hour)
	defer deliveryTicker.Stop()
	defer stuckTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("outbox dispatcher stopped")
			return nil
		case <-d.wake:
			d.drain(ctx)
		case <-deliveryTicker.C:
			d.drain(ctx)
		case <-stuckTicker.C:
			d.resetStuck(ctx)
		case <-cleanupTicker.C:
			d.cleanup(ctx)
		}
	}
}

// drain delivers batches until the queue has no due events.
func (d *Dispatcher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		if n := d.DeliverPending(ctx); n < d.BatchSize {
			return
		}
	}
}

// DeliverPending claims and processes one batch and returns its size.
func (d *Dispatcher) DeliverPending(ctx context.Context) int {
	events, err := d.store.ClaimPending(ctx, d.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error().Err(err).Msg("failed to claim outbox events")
		}
		return 0
	}
	for _, e := range events {
		d.deliverOne(ctx, e)
	}
	return len(events)
}

func (d *Dispatcher) deliverOne(ctx context.Context, e *Event) {
	d.mu.RLock()
	handlers := d.handlers[e.Topic]
	d.mu.RUnlock()

	var herr error
	for _, h := range handlers {
		if err := d.invoke(ctx, h, e); err != nil {
			herr = err
			break
		}
	}

	log := d.logger.With().Str("event_id", e.ID.String()).Str("topic", e.Topic).Int("attempt", e.Attempts).Logger()
	switch {
	case herr == nil:
		if err := d.store.MarkDone(ctx, e.ID); err != nil {
			log.Error().Err(err).Msg("failed to mark outbox event done")
		}
		d.metrics.OutboxDelivery(e.Topic, "ok")
	case IsPermanent(herr) || e.Attempts >= e.MaxAttempts:
		log.Error().Err(herr).Msg("outbox event abandoned")
		if err := d.store.MarkFailed(ctx, e.ID, herr.Error()); err != nil {
			log.Error().Err(err).Msg("failed to mark outbox event failed")
		}
		d.metrics.OutboxDelivery(e.Topic, "failed")
	default:
		next := d.now().Add(retryBackoff(e.Attempts))
		log.Warn().Err(herr).Time("next_attempt_at", next).Msg("outbox handler failed, will retry")
		if err := d.store.MarkRetry(ctx, e.ID, next, herr.Error()); err != nil {
			log.Error().Err(err).Msg("failed to schedule outbox retry")
		}
		d.metrics.OutboxDelivery(e.Topic, "retry")
	}
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, e *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	hctx, cancel := context.WithTimeout(ctx, d.HandlerTimeout)
	defer cancel()
	return h(hctx, e)
}

func (d *Dispatcher) resetStuck(ctx context.Context) {
	n, err := d.store.ResetStuck(ctx, d.now().Add(-d.StuckAfter))
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error().Err(err).Msg("failed to reset stuck outbox events")
		}
		return
	}
	if n > 0 {
		d.logger.Warn().Int64("count", n).Msg("reset stuck outbox events")
	}
}

func (d *Dispatcher) cleanup(ctx context.Context) {
	n, err := d.store.DeleteProcessed(ctx, d.now().Add(-d.Retention))
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to clean up outbox events")
		return
	}
	if n > 0 {
		d.logger.Info().Int64("count", n).Msg("cleaned up processed outbox events")
	}
}

// retryBackoff returns the delay after the given attempt (1-indexed).
// Schedule: 5s, 30s, 2m, 10m, 1h.
func retryBackoff(attempt int) time.Duration {
	switch attempt {
	case 1:
		return 5 * time.Second
	case 2:
		return 30 * time.Second
	case 3:
		return 2 * time.Minute
	case 4:
		return 10 * time.Minute
	default:
		return time.Hour
	}
}

func sortByCreated(events []*Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
}
