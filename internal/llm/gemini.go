package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiClient adapts the Gemini SDK. Gemini has no per-message role array in
// the simple generate call, so messages are folded into one prompt.
type GeminiClient struct {
	client *genai.Client
}

func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &GeminiClient{client: client}, nil
}

func (g *GeminiClient) Chat(ctx context.Context, ref ModelRef, messages []Message) (*Reply, error) {
	model := g.client.GenerativeModel(ref.ModelID)

	var prompt strings.Builder
	for _, m := range messages {
		if m.Role == "system" {
			prompt.WriteString(m.Content)
			prompt.WriteString("\n\n")
			continue
		}
		prompt.WriteString(m.Content)
		prompt.WriteString("\n")
	}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt.String()))
	if err != nil {
		slog.ErrorContext(ctx, "gemini generate failed", "model", ref.ModelID, "error", err)
		return nil, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini response contained no candidates")
	}

	var out strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			out.WriteString(string(t))
		}
	}
	return &Reply{Text: out.String()}, nil
}
