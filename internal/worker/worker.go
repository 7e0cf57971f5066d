// Package worker provides async transaction scoring from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Worker consumes ingested transactions from the EventBus, scores them
// and publishes the results. Used for async ingestion where callers do
// not wait for a synchronous scoring response.
type Worker struct {
	bus     domain.EventBus
	repo    domain.Repository
	scorer  *scoring.Scorer
	history *history.Service
	logger  *slog.Logger

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async scoring worker. The history service is
// optional; without it transactions are scored with the behavioral
// signals they arrive with.
func NewWorker(bus domain.EventBus, repo domain.Repository, scorer *scoring.Scorer, hist *history.Service, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		repo:    repo,
		scorer:  scorer,
		history: hist,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the transaction ingestion topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	w.logger.Info("worker started",
		"topic", domain.TopicTransactionIngested,
	)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processTransaction(ctx, msg)
}

// processTransaction scores one ingested transaction end to end.
func (w *Worker) processTransaction(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var tx domain.Transaction
	if err := json.Unmarshal(msg.Payload, &tx); err != nil {
		w.logger.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}

	// Fill behavioral signals the producer did not supply.
	if w.history != nil {
		if err := w.history.Enrich(ctx, &tx); err != nil {
			w.logger.Warn("history enrichment failed, scoring with provided signals",
				"tx_id", tx.ID,
				"error", err,
			)
		}
	}

	result, err := w.scorer.Score(ctx, &tx)
	if err != nil {
		w.logger.Error("scoring failed",
			"tx_id", tx.ID,
			"error", err,
		)
		return err
	}

	// Persist the transaction and its audit log entry.
	if w.repo != nil {
		if err := w.repo.SaveTransaction(ctx, &tx); err != nil {
			w.logger.Error("failed to save transaction",
				"tx_id", tx.ID,
				"error", err,
			)
		}

		rec := &domain.PredictionRecord{
			ID:           tx.ID,
			Timestamp:    time.Now().UTC(),
			UserID:       tx.UserID,
			Amount:       tx.Amount,
			RiskScore:    result.Components.FusedRiskScore,
			Decision:     result.Decision.Action,
			Reason:       result.Decision.Reason,
			ModelVersion: result.ModelVersion,
		}
		if err := w.repo.AppendPrediction(ctx, rec); err != nil {
			w.logger.Error("failed to append prediction",
				"tx_id", tx.ID,
				"error", err,
			)
		}
	}

	if w.history != nil {
		w.history.Invalidate(ctx, tx.UserID)
	}

	// Publish the scored result; blocked transactions also raise alerts.
	resultPayload, _ := json.Marshal(result)
	if err := w.bus.Publish(ctx, domain.TopicTransactionScored, resultPayload); err != nil {
		w.logger.Error("failed to publish score result",
			"tx_id", tx.ID,
			"error", err,
		)
	}

	if result.Decision.Action == domain.ActionBlock {
		if err := w.bus.Publish(ctx, domain.TopicAlert, resultPayload); err != nil {
			w.logger.Error("failed to publish alert",
				"tx_id", tx.ID,
				"error", err,
			)
		}
	}

	w.logger.Info("transaction processed",
		"tx_id", tx.ID,
		"user_id", tx.UserID,
		"decision", result.Decision.Action,
		"risk_score", result.Components.FusedRiskScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	w.logger.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
