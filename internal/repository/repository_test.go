package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestSQLiteRepository(t *testing.T) {
	// Create temp database file
	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetTransaction", func(t *testing.T) {
		tx := &domain.Transaction{
			ID:                  "tx-001",
			UserID:              "user-001",
			Amount:              1250.75,
			Timestamp:           time.Now().UTC(),
			DeviceID:            "device-abc",
			Latitude:            40.71,
			Longitude:           -74.01,
			Hour:                2,
			Velocity:            8,
			GeoDiff:             0.9,
			AmountDeviation:     2.3,
			DeviceFamiliarity:   0.1,
			AmountPercentile:    0.97,
			LocationFamiliarity: 0.2,
			TimeSinceLast:       0.05,
			IsWeekend:           true,
		}

		if err := repo.SaveTransaction(ctx, tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}

		retrieved, err := repo.GetTransaction(ctx, tx.ID)
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}

		if retrieved.ID != tx.ID {
			t.Errorf("expected ID %s, got %s", tx.ID, retrieved.ID)
		}
		if retrieved.Amount != tx.Amount {
			t.Errorf("expected Amount %.2f, got %.2f", tx.Amount, retrieved.Amount)
		}
		if retrieved.Velocity != tx.Velocity {
			t.Errorf("expected Velocity %d, got %d", tx.Velocity, retrieved.Velocity)
		}
		if retrieved.DeviceFamiliarity != tx.DeviceFamiliarity {
			t.Errorf("expected DeviceFamiliarity %.2f, got %.2f", tx.DeviceFamiliarity, retrieved.DeviceFamiliarity)
		}
		if !retrieved.IsWeekend {
			t.Error("IsWeekend flag lost on round trip")
		}
	})

	t.Run("RequiresIDs", func(t *testing.T) {
		if err := repo.SaveTransaction(ctx, &domain.Transaction{UserID: "u"}); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for missing id, got %v", err)
		}
		if err := repo.SaveTransaction(ctx, &domain.Transaction{ID: "tx-x"}); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for missing user_id, got %v", err)
		}
	})

	t.Run("GetTransactionsByUser", func(t *testing.T) {
		tx2 := &domain.Transaction{
			ID:        "tx-002",
			UserID:    "user-001",
			Amount:    42.00,
			Timestamp: time.Now().UTC(),
		}
		if err := repo.SaveTransaction(ctx, tx2); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}

		since := time.Now().Add(-1 * time.Hour)
		transactions, err := repo.GetTransactionsByUser(ctx, "user-001", since)
		if err != nil {
			t.Fatalf("GetTransactionsByUser failed: %v", err)
		}
		if len(transactions) != 2 {
			t.Errorf("expected 2 transactions, got %d", len(transactions))
		}

		transactions, err = repo.GetTransactionsByUser(ctx, "user-unknown", since)
		if err != nil {
			t.Fatalf("GetTransactionsByUser failed: %v", err)
		}
		if len(transactions) != 0 {
			t.Errorf("expected no transactions for unknown user, got %d", len(transactions))
		}
	})

	t.Run("AppendAndListPredictions", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			rec := &domain.PredictionRecord{
				ID:           fmt.Sprintf("pred-%03d", i),
				Timestamp:    time.Now().UTC().Add(time.Duration(i) * time.Second),
				UserID:       "user-001",
				Amount:       100 * float64(i+1),
				RiskScore:    0.25 * float64(i),
				Decision:     domain.ActionAllow,
				Reason:       "risk score within normal range",
				ModelVersion: "20250101_120000",
			}
			if err := repo.AppendPrediction(ctx, rec); err != nil {
				t.Fatalf("AppendPrediction failed: %v", err)
			}
		}

		records, err := repo.ListPredictions(ctx, 2)
		if err != nil {
			t.Fatalf("ListPredictions failed: %v", err)
		}
		if len(records) != 2 {
			t.Fatalf("expected 2 records with limit 2, got %d", len(records))
		}
		if records[0].ID != "pred-002" {
			t.Errorf("expected newest record first, got %s", records[0].ID)
		}
	})

	t.Run("AppendAndListFeedback", func(t *testing.T) {
		rec := &domain.FeedbackRecord{
			TransactionID:     "tx-001",
			OriginalDecision:  domain.ActionChallenge,
			CorrectedDecision: domain.ActionBlock,
			AnalystID:         "analyst-7",
			CreatedAt:         time.Now().UTC(),
		}
		if err := repo.AppendFeedback(ctx, rec); err != nil {
			t.Fatalf("AppendFeedback failed: %v", err)
		}

		records, err := repo.ListFeedback(ctx)
		if err != nil {
			t.Fatalf("ListFeedback failed: %v", err)
		}
		if len(records) != 1 {
			t.Fatalf("expected 1 feedback record, got %d", len(records))
		}
		if records[0].CorrectedDecision != domain.ActionBlock {
			t.Errorf("expected corrected decision BLOCK, got %s", records[0].CorrectedDecision)
		}
		if !records[0].IsFraud() {
			t.Error("BLOCK-corrected feedback must label as fraud")
		}
	})

	t.Run("RejectsInvalidFeedback", func(t *testing.T) {
		rec := &domain.FeedbackRecord{
			TransactionID:     "tx-001",
			OriginalDecision:  "MAYBE",
			CorrectedDecision: domain.ActionAllow,
		}
		if err := repo.AppendFeedback(ctx, rec); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for bad decision, got %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := repo.GetTransaction(ctx, "nonexistent")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
