// Package worker runs the background loops: outbox relay and expiry sweep.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"checkoutengine/backend/internal/messaging"
	"checkoutengine/backend/internal/metrics"
	"checkoutengine/backend/internal/store"
)

// OutboxRelay publishes pending outbox events and marks them sent. Delivery
// is at least once; consumers dedupe on the event_id header.
type OutboxRelay struct {
	outbox    store.OutboxStore
	publisher messaging.Publisher
	topic     string
	logger    *zap.Logger
	metrics   *metrics.Metrics
	interval  time.Duration
	batch     int
}

func NewOutboxRelay(outbox store.OutboxStore, publisher messaging.Publisher, topic string, logger *zap.Logger, m *metrics.Metrics, interval time.Duration) *OutboxRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &OutboxRelay{
		outbox:    outbox,
		publisher: publisher,
		topic:     topic,
		logger:    logger,
		metrics:   m,
		interval:  interval,
		batch:     100,
	}
}

func (w *OutboxRelay) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("outbox relay started", zap.Duration("interval", w.interval))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("failed to process outbox events", zap.Error(err))
			}
		}
	}
}

// RunOnce relays one batch and returns how many events were sent.
func (w *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	events, err := w.outbox.FetchPendingOutbox(ctx, w.batch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, event := range events {
		topic := w.topic
		if topic == "" {
			topic = event.EventType
		}
		headers := map[string]string{
			"event_id":   event.ID,
			"event_type": event.EventType,
		}
		if err := w.publisher.Publish(ctx, topic, event.AggregateID, event.Payload, headers); err != nil {
			w.metrics.ObserveOutbox("failed")
			w.logger.Warn("failed to publish event",
				zap.String("event_id", event.ID),
				zap.String("event_type", event.EventType),
				zap.Error(err))
			if markErr := w.outbox.MarkOutboxFailed(ctx, event.ID, err.Error()); markErr != nil {
				w.logger.Error("failed to record outbox failure", zap.String("event_id", event.ID), zap.Error(markErr))
			}
			continue
		}
		if err := w.outbox.MarkOutboxSent(ctx, event.ID, time.Now().UTC()); err != nil {
			w.logger.Error("failed to mark event as sent", zap.String("event_id", event.ID), zap.Error(err))
			continue
		}
		w.metrics.ObserveOutbox("sent")
		sent++
	}
	return sent, nil
}
