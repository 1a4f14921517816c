// Package outbox hands the unprocessed outbox events to the task queue.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/ingestion-backend/config"
	"github.com/instill-ai/ingestion-backend/pkg/repository"
)

const (
	defaultPollInterval      = 2 * time.Second
	defaultBatchSize         = 100
	defaultRedeliveryTimeout = 10 * time.Minute
)

// ErrUndeliverable marks a dispatch failure that no retry can fix, such as a
// payload that doesn't decode or an event type without a workflow.
var ErrUndeliverable = errors.New("undeliverable outbox event")

// Dispatcher starts the work an outbox event asks for. Errors wrapping
// ErrUndeliverable park the event instead of releasing it.
type Dispatcher interface {
	Dispatch(ctx context.Context, event repository.OutboxEventModel) error
}

// Relay polls the outbox and dispatches the events it claims. Delivery is at
// least once: an event stays unprocessed until its workflow marks it, and is
// claimed again once the redelivery timeout has passed since its last
// dispatch.
type Relay struct {
	repository repository.OutboxEvent
	dispatcher Dispatcher
	cfg        config.OutboxConfig
	logger     *zap.Logger

	now func() time.Time
}

// NewRelay creates a new Relay instance. Unset settings fall back to the
// defaults.
func NewRelay(repo repository.OutboxEvent, dispatcher Dispatcher, cfg config.OutboxConfig, logger *zap.Logger) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.RedeliveryTimeout <= 0 {
		cfg.RedeliveryTimeout = defaultRedeliveryTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Relay{
		repository: repo,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Run relays events every poll interval until ctx is done. A batch handled
// in full is followed by another pass right away. Any failed dispatch ends
// the pass until the next tick.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.Info("Outbox relay started",
		zap.Duration("pollInterval", r.cfg.PollInterval),
		zap.Int("batchSize", r.cfg.BatchSize))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Outbox relay stopped")
			return
		case <-ticker.C:
			for {
				n, err := r.safeRelayOnce(ctx)
				if err != nil {
					r.logger.Error("Outbox relay pass failed", zap.Error(err))
					break
				}
				if n < r.cfg.BatchSize || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

func (r *Relay) safeRelayOnce(ctx context.Context) (n int, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Panic recovered in outbox relay",
				zap.Any("panic", p),
				zap.String("stack", string(debug.Stack())))
			err = fmt.Errorf("outbox relay panic: %v", p)
		}
	}()
	return r.RelayOnce(ctx)
}

// RelayOnce claims one batch of events and dispatches them. An event whose
// dispatch fails is released so the next pass claims it again, unless the
// failure is ErrUndeliverable: such an event is marked processed and logged.
// It returns the number of events dispatched or parked, so a short count
// means either an empty outbox or a failure.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	events, err := r.repository.ClaimOutboxEvents(ctx, r.cfg.BatchSize, r.now().UTC().Add(-r.cfg.RedeliveryTimeout))
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, event := range events {
		logger := r.logger.With(
			zap.String("eventUID", event.UID.String()),
			zap.String("eventType", string(event.EventType)),
			zap.String("documentUID", event.AggregateUID.String()),
			zap.Int32("attempts", event.Attempts))

		err := r.dispatcher.Dispatch(ctx, event)
		switch {
		case errors.Is(err, ErrUndeliverable):
			logger.Error("Parking undeliverable outbox event", zap.Error(err))
			if _, err := r.repository.MarkOutboxEventProcessed(ctx, event.UID); err != nil {
				logger.Error("Failed to park outbox event", zap.Error(err))
				continue
			}
			handled++
			continue
		case err != nil:
			logger.Warn("Failed to dispatch outbox event", zap.Error(err))
			if err := r.repository.ReleaseOutboxEvent(ctx, event.UID); err != nil {
				logger.Error("Failed to release outbox event", zap.Error(err))
			}
			continue
		}

		if event.Attempts > 1 {
			logger.Info("Outbox event redelivered")
		} else {
			logger.Debug("Outbox event dispatched")
		}
		handled++
	}

	return handled, nil
}
