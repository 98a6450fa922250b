// Package llm adapts third-party chat-completion APIs to a single blocking
// call: send messages, receive the fully assembled text. Streaming transports
// are hidden behind that interface; callers never see chunk mechanics.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderDeepSeek Provider = "deepseek"
	ProviderGemini   Provider = "gemini"
)

var ErrUnknownProvider = errors.New("unknown model provider")

// ModelRef is a typed {provider, model} pair. It is resolved once at job
// submission and carried through the pipeline, never re-parsed at call sites.
type ModelRef struct {
	Provider Provider `json:"provider"`
	ModelID  string   `json:"model_id"`
}

func (m ModelRef) String() string {
	return string(m.Provider) + "/" + m.ModelID
}

// ParseModelRef resolves "provider/model-id" composite names into a ModelRef,
// accepting only the closed provider set.
func ParseModelRef(s string) (ModelRef, error) {
	provider, modelID, ok := strings.Cut(s, "/")
	if !ok || modelID == "" {
		return ModelRef{}, fmt.Errorf("invalid model ref %q: want provider/model-id", s)
	}
	switch Provider(provider) {
	case ProviderOpenAI, ProviderDeepSeek, ProviderGemini:
		return ModelRef{Provider: Provider(provider), ModelID: modelID}, nil
	}
	return ModelRef{}, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
}

// ParseModelChain resolves a comma-separated fallback list of model refs.
func ParseModelChain(s string) ([]ModelRef, error) {
	var refs []ModelRef
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ref, err := ParseModelRef(part)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Reply is the assembled model output. Reasoning carries optional
// thought/reasoning content for models that expose it.
type Reply struct {
	Text      string
	Reasoning string
}

type Client interface {
	Chat(ctx context.Context, ref ModelRef, messages []Message) (*Reply, error)
}

// Router dispatches a chat call to the provider named by the ModelRef.
type Router struct {
	providers map[Provider]Client
}

func NewRouter() *Router {
	return &Router{providers: make(map[Provider]Client)}
}

func (r *Router) Register(p Provider, c Client) {
	r.providers[p] = c
}

func (r *Router) Chat(ctx context.Context, ref ModelRef, messages []Message) (*Reply, error) {
	c, ok := r.providers[ref.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q not configured", ErrUnknownProvider, ref.Provider)
	}
	return c.Chat(ctx, ref, messages)
}
