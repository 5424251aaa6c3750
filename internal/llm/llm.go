// Package llm gives the recap pipeline a one-shot completion client over the
// supported model providers. Each call is a single system-guided completion;
// there is no conversation state to carry between calls.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Client runs one completion: system sets the task, prompt carries the
// conversation text to work on.
type Client interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

type Option func(*clientOptions)

type clientOptions struct {
	baseURL string
}

// WithBaseURL points the provider client at a different API host, mainly for
// tests.
func WithBaseURL(url string) Option {
	return func(o *clientOptions) {
		o.baseURL = url
	}
}

// ParseSpec splits a combined "provider/model" spec. ok is false when spec
// has no provider part, leaving the caller's configured provider in effect.
func ParseSpec(spec string) (provider, model string, ok bool) {
	parts := strings.SplitN(spec, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func NewClient(provider, apiKey, model string, opts ...Option) (Client, error) {
	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}

	switch provider {
	case "openai":
		return newOpenAIClient(apiKey, model, o)
	case "anthropic":
		return newAnthropicClient(apiKey, model, o)
	case "gemini":
		return newGeminiClient(apiKey, model, o)
	default:
		return nil, fmt.Errorf("unknown llm provider %q: supported providers are openai, anthropic, gemini", provider)
	}
}
