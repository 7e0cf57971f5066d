package assist

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestExplain(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "Unusual device and location for this user."}},
			},
		})
	}))
	defer server.Close()

	client := NewClient(domain.AssistConfig{
		Endpoint: server.URL,
		APIKey:   "test-key",
		Model:    "gpt-4",
		Timeout:  5 * time.Second,
	}, nil)

	tx := &domain.Transaction{
		UserID:   "user-9",
		Amount:   4200,
		DeviceID: "device-77",
	}
	importance := map[string]float64{
		"geo_diff":           0.41,
		"device_familiarity": 0.32,
		"amount":             0.10,
	}

	text, err := client.Explain(context.Background(), tx, importance)
	if err != nil {
		t.Fatalf("Explain failed: %v", err)
	}
	if text != "Unusual device and location for this user." {
		t.Errorf("unexpected explanation: %q", text)
	}

	if gotAuth != "Bearer test-key" {
		t.Errorf("expected bearer auth, got %q", gotAuth)
	}
	if gotBody.Model != "gpt-4" {
		t.Errorf("expected model gpt-4, got %q", gotBody.Model)
	}
	if len(gotBody.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(gotBody.Messages))
	}

	prompt := gotBody.Messages[0].Content
	if !strings.Contains(prompt, "user-9") || !strings.Contains(prompt, "$4200.00") {
		t.Errorf("prompt missing transaction context: %q", prompt)
	}
	if !strings.Contains(prompt, "geo_diff") {
		t.Errorf("prompt missing importance signals: %q", prompt)
	}
	// Strongest signal listed first
	if strings.Index(prompt, "geo_diff") > strings.Index(prompt, "device_familiarity") {
		t.Error("expected importance sorted by weight descending")
	}
}

func TestExplainDisabled(t *testing.T) {
	client := NewClient(domain.AssistConfig{}, nil)

	if client.Enabled() {
		t.Error("expected client without endpoint to be disabled")
	}

	_, err := client.Explain(context.Background(), &domain.Transaction{UserID: "u"}, nil)
	if !errors.Is(err, domain.ErrAssistUnavailable) {
		t.Errorf("expected ErrAssistUnavailable, got %v", err)
	}
}

func TestExplainServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(domain.AssistConfig{Endpoint: server.URL}, nil)

	_, err := client.Explain(context.Background(), &domain.Transaction{UserID: "u"}, nil)
	if !errors.Is(err, domain.ErrAssistUnavailable) {
		t.Errorf("expected ErrAssistUnavailable, got %v", err)
	}
}

func TestExplainEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer server.Close()

	client := NewClient(domain.AssistConfig{Endpoint: server.URL}, nil)

	_, err := client.Explain(context.Background(), &domain.Transaction{UserID: "u"}, nil)
	if !errors.Is(err, domain.ErrAssistUnavailable) {
		t.Errorf("expected ErrAssistUnavailable, got %v", err)
	}
}

func TestExplainUnreachable(t *testing.T) {
	client := NewClient(domain.AssistConfig{
		Endpoint: "http://127.0.0.1:1",
		Timeout:  200 * time.Millisecond,
	}, nil)

	_, err := client.Explain(context.Background(), &domain.Transaction{UserID: "u"}, nil)
	if !errors.Is(err, domain.ErrAssistUnavailable) {
		t.Errorf("expected ErrAssistUnavailable, got %v", err)
	}
}
