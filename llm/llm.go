// Package llm constructs the chat model the agent loops run on. All
// generation goes through the langchaingo llms.Model interface so the
// loops stay provider-agnostic and testable with fakes.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"
)

// Options selects and configures a provider.
type Options struct {
	// Provider is "openai" or "gemini".
	Provider string
	APIKey   string
	Model    string
	// BaseURL overrides the OpenAI-compatible endpoint. Ignored for
	// gemini.
	BaseURL string
}

// New builds a chat model for the given options.
func New(ctx context.Context, opts Options) (llms.Model, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case "", "openai":
		cfg := []openai.Option{openai.WithToken(opts.APIKey)}
		if opts.Model != "" {
			cfg = append(cfg, openai.WithModel(opts.Model))
		}
		if opts.BaseURL != "" {
			cfg = append(cfg, openai.WithBaseURL(opts.BaseURL))
		}
		model, err := openai.New(cfg...)
		if err != nil {
			return nil, fmt.Errorf("openai model: %w", err)
		}
		return model, nil
	case "gemini", "googleai":
		cfg := []googleai.Option{googleai.WithAPIKey(opts.APIKey)}
		if opts.Model != "" {
			cfg = append(cfg, googleai.WithDefaultModel(opts.Model))
		}
		model, err := googleai.New(ctx, cfg...)
		if err != nil {
			return nil, fmt.Errorf("googleai model: %w", err)
		}
		return model, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", opts.Provider)
	}
}
