// Package worker consumes engine events from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/telemetry"
)

// Worker persists decision events to the audit log and logs model events.
type Worker struct {
	bus domain.EventBus
	log domain.DecisionLog

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	saved  atomic.Int64
	failed atomic.Int64
}

// NewWorker creates a new audit worker. log may be nil, in which case
// decisions are only counted.
func NewWorker(bus domain.EventBus, log domain.DecisionLog) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the decision and model topics.
func (w *Worker) Start() error {
	handlers := map[string]domain.MessageHandler{
		domain.TopicDecision:      w.handleDecision,
		domain.TopicModelTrained:  w.handleModelEvent,
		domain.TopicModelSelected: w.handleModelEvent,
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, topic := range []string{domain.TopicDecision, domain.TopicModelTrained, domain.TopicModelSelected} {
		sub, err := w.bus.Subscribe(w.ctx, topic, handlers[topic])
		if err != nil {
			w.unsubscribeLocked()
			return err
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	slog.Info("workers started", "topics", len(w.subscriptions))
	return nil
}

// handleDecision stores one decision record.
func (w *Worker) handleDecision(ctx context.Context, msg *domain.Message) error {
	var rec domain.DecisionRecord
	if err := json.Unmarshal(msg.Payload, &rec); err != nil {
		telemetry.AuditWritesTotal.WithLabelValues("invalid").Inc()
		w.failed.Add(1)
		slog.Error("failed to parse decision message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if w.log != nil {
		if err := w.log.SaveDecision(ctx, &rec); err != nil {
			telemetry.AuditWritesTotal.WithLabelValues("error").Inc()
			w.failed.Add(1)
			slog.Error("failed to save decision",
				"decision_id", rec.ID,
				"error", err,
			)
			return err
		}
	}

	telemetry.AuditWritesTotal.WithLabelValues("ok").Inc()
	w.saved.Add(1)
	slog.Debug("decision recorded",
		"decision_id", rec.ID,
		"source", rec.Source,
		"decision", rec.Decision,
		"score", rec.Score,
	)
	return nil
}

// handleModelEvent logs training and selection events.
func (w *Worker) handleModelEvent(_ context.Context, msg *domain.Message) error {
	var ev domain.ModelEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		slog.Error("failed to parse model event",
			"message_id", msg.ID,
			"topic", msg.Topic,
			"error", err,
		)
		return err
	}

	attrs := []any{
		"topic", msg.Topic,
		"algorithm", ev.Algorithm,
		"model_version", ev.ModelVersion,
	}
	if ev.Previous != "" {
		attrs = append(attrs, "previous", ev.Previous)
	}
	if ev.Metrics != nil {
		attrs = append(attrs, "roc_auc", ev.Metrics.ROCAUC, "f1_score", ev.Metrics.F1Score)
	}
	slog.Info("model event", attrs...)
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	w.unsubscribeLocked()
	w.mu.Unlock()

	slog.Info("workers stopped")
	return nil
}

func (w *Worker) unsubscribeLocked() {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Saved             int64    `json:"saved"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Saved:             w.saved.Load(),
		Failed:            w.failed.Load(),
	}
}
