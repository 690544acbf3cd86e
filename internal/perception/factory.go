package perception

import (
	"context"
	"fmt"
	"strings"

	"cascade/internal/config"
)

// NewInvoker constructs the provider named in the configuration.
func NewInvoker(ctx context.Context, cfg config.LLMConfig) (Invoker, error) {
	switch strings.ToLower(cfg.Provider) {
	case "gemini", "":
		return NewGeminiInvoker(ctx, cfg.APIKey, cfg.Model)
	case "openai-compatible", "openai":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai-compatible provider requires base_url")
		}
		return NewHTTPInvoker(HTTPConfig{
			APIKey:  cfg.APIKey,
			BaseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
			Model:   cfg.Model,
			Timeout: cfg.Timeout.Std(),
		}), nil
	case "mock":
		return NewStaticInvoker("mock response"), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
}

// StaticInvoker returns a fixed completion. It backs the "mock" provider so
// the engine can run end to end without network access.
type StaticInvoker struct {
	Response string
}

func NewStaticInvoker(response string) *StaticInvoker {
	return &StaticInvoker{Response: response}
}

// Invoke implements Invoker.
func (s *StaticInvoker) Invoke(ctx context.Context, prompt string, params InvokeParams) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{Text: s.Response}, nil
}
