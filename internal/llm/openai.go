package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// OpenAIClient speaks the OpenAI-compatible chat completions API, which also
// covers DeepSeek and most self-hosted gateways.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewOpenAIClient(baseURL, apiKey string, timeout time.Duration) *OpenAIClient {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *OpenAIClient) Chat(ctx context.Context, ref ModelRef, messages []Message) (*Reply, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("provider %s misconfigured: missing api key", ref.Provider)
	}

	body, err := json.Marshal(map[string]any{
		"model":    ref.ModelID,
		"messages": messages,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("chat error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content          string `json:"content"`
				ReasoningContent string `json:"reasoning_content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("chat response contained no choices")
	}

	slog.DebugContext(ctx, "chat completed", "model", ref.String(), "duration", time.Since(start))
	return &Reply{
		Text:      decoded.Choices[0].Message.Content,
		Reasoning: decoded.Choices[0].Message.ReasoningContent,
	}, nil
}
