// Package llm wraps langchaingo chat models behind a single Complete call.
//
// Anthropic uses its native client; openai, gemini, and grok all speak the
// OpenAI wire protocol, so they share one client pointed at the right base
// URL.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
)

// ErrUnknownProvider indicates an unsupported provider name.
var ErrUnknownProvider = errors.New("unknown AI provider")

const (
	geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"
	grokBaseURL   = "https://api.x.ai/v1"
)

// Client generates one completion from a system and user prompt.
type Client interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Options configures the provider client.
type Options struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string // overrides the provider default when set
	Temperature float64
	MaxTokens   int
}

type client struct {
	model       llms.Model
	temperature float64
	maxTokens   int
}

// New builds a Client for the configured provider.
func New(opts Options) (Client, error) {
	model, err := buildModel(opts)
	if err != nil {
		return nil, err
	}
	return &client{
		model:       model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
	}, nil
}

func buildModel(opts Options) (llms.Model, error) {
	switch opts.Provider {
	case "anthropic":
		anthropicOpts := []anthropic.Option{
			anthropic.WithToken(opts.APIKey),
			anthropic.WithModel(opts.Model),
		}
		if opts.BaseURL != "" {
			anthropicOpts = append(anthropicOpts, anthropic.WithBaseURL(opts.BaseURL))
		}
		model, err := anthropic.New(anthropicOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating anthropic client: %w", err)
		}
		return model, nil

	case "openai", "gemini", "grok":
		baseURL := opts.BaseURL
		if baseURL == "" {
			switch opts.Provider {
			case "gemini":
				baseURL = geminiBaseURL
			case "grok":
				baseURL = grokBaseURL
			}
		}
		openaiOpts := []openai.Option{
			openai.WithToken(opts.APIKey),
			openai.WithModel(opts.Model),
		}
		if baseURL != "" {
			openaiOpts = append(openaiOpts, openai.WithBaseURL(baseURL))
		}
		model, err := openai.New(openaiOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating %s client: %w", opts.Provider, err)
		}
		return model, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, opts.Provider)
	}
}

// Complete sends a system and user prompt and returns the first choice.
func (c *client) Complete(ctx context.Context, system, user string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}

	resp, err := c.model.GenerateContent(ctx, messages,
		llms.WithTemperature(c.temperature),
		llms.WithMaxTokens(c.maxTokens),
	)
	if err != nil {
		return "", fmt.Errorf("generating completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("provider returned no choices")
	}
	return resp.Choices[0].Content, nil
}
