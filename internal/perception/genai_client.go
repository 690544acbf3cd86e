package perception

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"

	"cascade/internal/logging"
)

// GeminiInvoker implements Invoker on Google's Gemini API via the genai SDK.
type GeminiInvoker struct {
	client *genai.Client
	model  string
}

// NewGeminiInvoker creates a Gemini-backed invoker.
func NewGeminiInvoker(ctx context.Context, apiKey, model string) (*GeminiInvoker, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GeminiInvoker{client: client, model: model}, nil
}

// Invoke implements Invoker.
func (g *GeminiInvoker) Invoke(ctx context.Context, prompt string, params InvokeParams) (*Result, error) {
	if params.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, params.Timeout)
		defer cancel()
	}

	model := params.Model
	if model == "" {
		model = g.model
	}

	cfg := &genai.GenerateContentConfig{}
	if params.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(params.Temperature))
	}
	if params.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(params.MaxTokens)
	}
	if params.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: params.SystemPrompt}},
		}
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, model, genai.Text(prompt), cfg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, &ProviderError{Provider: "gemini", Message: err.Error()}
	}

	text := resp.Text()
	if text == "" {
		return nil, &ProviderError{Provider: "gemini", Message: "empty completion"}
	}

	logging.APIDebug("gemini %s completed in %s (%d chars)", model, time.Since(start), len(text))

	// Average token log-probability, when reported, maps to a confidence hint.
	res := &Result{Text: text}
	if len(resp.Candidates) > 0 && resp.Candidates[0].AvgLogprobs != 0 {
		p := resp.Candidates[0].AvgLogprobs
		conf := 1.0 / (1.0 + -p) // squash negative logprob into (0,1)
		if conf >= 0 && conf <= 1 {
			res.Confidence = conf
			res.HasConfidence = true
		}
	}
	return res, nil
}
