// Package worker provides the async audit writer.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wekeza/nexus/internal/domain"
	"github.com/wekeza/nexus/internal/repository"
)

// AuditWriter persists completed evaluations off the scoring hot path.
// It subscribes to the evaluation topic and writes each record to the
// repository with bounded retries.
type AuditWriter struct {
	bus  domain.EventBus
	repo domain.EvaluationRepository

	maxAttempts int
	baseBackoff time.Duration

	subscriptions []domain.Subscription
	// wg tracks in-flight handler calls so Stop drains them before
	// returning.
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewAuditWriter creates an audit writer.
func NewAuditWriter(bus domain.EventBus, repo domain.EvaluationRepository) *AuditWriter {
	ctx, cancel := context.WithCancel(context.Background())
	return &AuditWriter{
		bus:         bus,
		repo:        repo,
		maxAttempts: 3,
		baseBackoff: 100 * time.Millisecond,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start subscribes to the evaluation topic.
func (w *AuditWriter) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicEvaluationCompleted, w.handleEvaluation)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("audit writer started", "topic", domain.TopicEvaluationCompleted)
	return nil
}

// handleEvaluation persists one evaluation record. A duplicate insert
// means the record already landed via the synchronous fallback or a
// competing node and counts as success. Terminal failure after all
// retries is an operational alert: the decision stands but the audit
// trail has a gap.
func (w *AuditWriter) handleEvaluation(ctx context.Context, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	var eval domain.FraudEvaluation
	if err := json.Unmarshal(msg.Payload, &eval); err != nil {
		slog.Error("failed to parse evaluation message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	var err error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		err = w.repo.Create(ctx, &eval)
		if err == nil || errors.Is(err, repository.ErrDuplicate) {
			slog.Debug("evaluation persisted",
				"evaluation_id", eval.ID,
				"attempt", attempt,
			)
			return nil
		}

		slog.Warn("audit write failed",
			"evaluation_id", eval.ID,
			"attempt", attempt,
			"error", err,
		)

		if attempt < w.maxAttempts {
			backoff := w.baseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	slog.Error("audit persistence failed permanently, audit trail has a gap",
		"evaluation_id", eval.ID,
		"transaction_reference", eval.TransactionReference,
		"decision", eval.Score.Decision,
		"error", err,
	)
	return err
}

// Stop gracefully stops the writer.
func (w *AuditWriter) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("audit writer stopped")
	return nil
}

// Stats returns writer statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current writer statistics.
func (w *AuditWriter) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
