package worker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

type fixedSupervised struct{ p float64 }

func (m fixedSupervised) PredictProbability(fv domain.FeatureVector) float64 { return m.p }

type fixedAnomaly struct{ raw float64 }

func (m fixedAnomaly) AnomalyScore(fv domain.FeatureVector) float64 { return m.raw }

func newTestScorer(t *testing.T, p, raw float64) *scoring.Scorer {
	t.Helper()

	cfg := domain.DefaultConfig().Scoring
	scorer, err := scoring.NewScorer(cfg, nil)
	if err != nil {
		t.Fatalf("NewScorer failed: %v", err)
	}
	scorer.Swap(&scoring.ModelSnapshot{
		Supervised: fixedSupervised{p: p},
		Anomaly:    fixedAnomaly{raw: raw},
		Version:    "v-test",
		LoadedAt:   time.Now(),
	})
	return scorer
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, nil, newTestScorer(t, 0.1, -2.0), nil, nil)

		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicTransactionIngested {
			t.Errorf("expected topic %s, got %s", domain.TopicTransactionIngested, stats.Topics[0])
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = w.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessTransaction", func(t *testing.T) {
		w := NewWorker(eventBus, nil, newTestScorer(t, 0.05, -2.0), nil, nil)
		w.Start()
		defer w.Stop()

		var scoredReceived atomic.Bool
		var scoredPayload []byte

		eventBus.Subscribe(context.Background(), domain.TopicTransactionScored, func(ctx context.Context, msg *domain.Message) error {
			scoredPayload = msg.Payload
			scoredReceived.Store(true)
			return nil
		})

		// Allow subscriptions to be active
		time.Sleep(50 * time.Millisecond)

		tx := domain.Transaction{
			ID:     "tx-001",
			UserID: "user-001",
			Amount: 50.0,
		}

		payload, _ := json.Marshal(tx)
		if err := eventBus.Publish(context.Background(), domain.TopicTransactionIngested, payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		time.Sleep(100 * time.Millisecond)

		if !scoredReceived.Load() {
			t.Fatal("expected score result to be published")
		}

		var result domain.ScoreResult
		if err := json.Unmarshal(scoredPayload, &result); err != nil {
			t.Fatalf("failed to parse score result: %v", err)
		}

		if result.TransactionID != "tx-001" {
			t.Errorf("expected transaction ID 'tx-001', got '%s'", result.TransactionID)
		}
		if result.Decision.Action != domain.ActionAllow {
			t.Errorf("expected ALLOW for low-risk transaction, got %s", result.Decision.Action)
		}
		if result.ModelVersion != "v-test" {
			t.Errorf("expected model version 'v-test', got '%s'", result.ModelVersion)
		}
	})

	t.Run("AlertPublishedForBlock", func(t *testing.T) {
		// High supervised probability and strong anomaly push the fused
		// score over the block threshold.
		w := NewWorker(eventBus, nil, newTestScorer(t, 0.95, 3.0), nil, nil)
		w.Start()
		defer w.Stop()

		var alertReceived atomic.Bool

		eventBus.Subscribe(context.Background(), domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
			alertReceived.Store(true)
			return nil
		})

		time.Sleep(50 * time.Millisecond)

		tx := domain.Transaction{
			ID:     "tx-alert",
			UserID: "user-risky",
			Amount: 9000.0,
		}

		payload, _ := json.Marshal(tx)
		eventBus.Publish(context.Background(), domain.TopicTransactionIngested, payload)

		time.Sleep(100 * time.Millisecond)

		if !alertReceived.Load() {
			t.Error("expected alert to be published for blocked transaction")
		}
	})

	t.Run("NoAlertForAllow", func(t *testing.T) {
		w := NewWorker(eventBus, nil, newTestScorer(t, 0.02, -3.0), nil, nil)
		w.Start()
		defer w.Stop()

		var alertReceived atomic.Bool

		eventBus.Subscribe(context.Background(), domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
			alertReceived.Store(true)
			return nil
		})

		time.Sleep(50 * time.Millisecond)

		tx := domain.Transaction{ID: "tx-ok", UserID: "user-ok", Amount: 10.0}
		payload, _ := json.Marshal(tx)
		eventBus.Publish(context.Background(), domain.TopicTransactionIngested, payload)

		time.Sleep(100 * time.Millisecond)

		if alertReceived.Load() {
			t.Error("did not expect alert for allowed transaction")
		}
	})

	t.Run("AssignsIDWhenMissing", func(t *testing.T) {
		w := NewWorker(eventBus, nil, newTestScorer(t, 0.05, -2.0), nil, nil)
		w.Start()
		defer w.Stop()

		var scoredPayload atomic.Pointer[[]byte]

		eventBus.Subscribe(context.Background(), domain.TopicTransactionScored, func(ctx context.Context, msg *domain.Message) error {
			p := msg.Payload
			scoredPayload.Store(&p)
			return nil
		})

		time.Sleep(50 * time.Millisecond)

		tx := domain.Transaction{UserID: "user-noid", Amount: 25.0}
		payload, _ := json.Marshal(tx)
		eventBus.Publish(context.Background(), domain.TopicTransactionIngested, payload)

		time.Sleep(100 * time.Millisecond)

		p := scoredPayload.Load()
		if p == nil {
			t.Fatal("expected score result to be published")
		}

		var result domain.ScoreResult
		if err := json.Unmarshal(*p, &result); err != nil {
			t.Fatalf("failed to parse score result: %v", err)
		}
		if result.TransactionID == "" {
			t.Error("expected a generated transaction ID")
		}
	})
}

func TestWorkerMalformedPayload(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	w := NewWorker(eventBus, nil, newTestScorer(t, 0.1, -1.0), nil, nil)
	w.Start()
	defer w.Stop()

	var scoredReceived atomic.Bool
	eventBus.Subscribe(context.Background(), domain.TopicTransactionScored, func(ctx context.Context, msg *domain.Message) error {
		scoredReceived.Store(true)
		return nil
	})

	time.Sleep(50 * time.Millisecond)

	eventBus.Publish(context.Background(), domain.TopicTransactionIngested, []byte("{not json"))
	time.Sleep(100 * time.Millisecond)

	if scoredReceived.Load() {
		t.Error("malformed payload should not produce a score result")
	}
}
