// Package assist calls an external language-model service to produce
// free-text explanations of scored transactions. The scoring pipeline
// never depends on this subsystem; every failure surfaces as
// domain.ErrAssistUnavailable and callers degrade gracefully.
package assist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultModel = "gpt-4"

// Client talks to a chat-completions style explanation endpoint.
type Client struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient builds an explanation client from configuration. An empty
// endpoint yields a client whose Explain always reports unavailability.
func NewClient(cfg domain.AssistConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    model,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Enabled reports whether an endpoint is configured.
func (c *Client) Enabled() bool {
	return c.endpoint != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Explain asks the explanation service for a free-text rationale given a
// transaction and a feature-importance map. Any transport, status or
// decode failure is reported as domain.ErrAssistUnavailable.
func (c *Client) Explain(ctx context.Context, tx *domain.Transaction, importance map[string]float64) (string, error) {
	if c.endpoint == "" {
		return "", domain.ErrAssistUnavailable
	}

	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(tx, importance)},
			{Role: "user", Content: "Explain the fraud risk of this transaction for an analyst. Be concise and focus on actionable information."},
		},
		Temperature: 0.7,
		MaxTokens:   500,
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAssistUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAssistUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("assist request failed", "error", err)
		return "", fmt.Errorf("%w: %v", domain.ErrAssistUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("assist request rejected", "status", resp.StatusCode)
		return "", fmt.Errorf("%w: status %d", domain.ErrAssistUnavailable, resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAssistUnavailable, err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%w: empty response", domain.ErrAssistUnavailable)
	}

	return parsed.Choices[0].Message.Content, nil
}

// systemPrompt renders the transaction context the way an analyst would
// brief a colleague, with the strongest signals first.
func systemPrompt(tx *domain.Transaction, importance map[string]float64) string {
	var b strings.Builder
	b.WriteString("You are a fraud investigation assistant helping an analyst review a potentially fraudulent transaction.\n\n")
	b.WriteString("Transaction details:\n")
	fmt.Fprintf(&b, "- User ID: %s\n", orUnknown(tx.UserID))
	fmt.Fprintf(&b, "- Amount: $%.2f\n", tx.Amount)
	if !tx.Timestamp.IsZero() {
		fmt.Fprintf(&b, "- Time: %s\n", tx.Timestamp.Format(time.RFC3339))
	}
	if tx.DeviceID != "" {
		fmt.Fprintf(&b, "- Device: %s\n", tx.DeviceID)
	}
	if tx.Description != "" {
		fmt.Fprintf(&b, "- Description: %s\n", tx.Description)
	}

	if len(importance) > 0 {
		b.WriteString("\nTop risk signals (feature importance):\n")
		for _, kv := range sortedImportance(importance) {
			fmt.Fprintf(&b, "- %s: %.3f\n", kv.name, kv.weight)
		}
	}
	return b.String()
}

type importanceEntry struct {
	name   string
	weight float64
}

func sortedImportance(importance map[string]float64) []importanceEntry {
	entries := make([]importanceEntry, 0, len(importance))
	for name, weight := range importance {
		entries = append(entries, importanceEntry{name: name, weight: weight})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].weight != entries[j].weight {
			return entries[i].weight > entries[j].weight
		}
		return entries[i].name < entries[j].name
	})
	if len(entries) > 5 {
		entries = entries[:5]
	}
	return entries
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
