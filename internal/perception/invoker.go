// Package perception is the model-invocation boundary. The engine treats a
// language model as an opaque capability behind the Invoker interface; the
// concrete providers here are interchangeable.
package perception

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// InvokeParams bound a single invocation.
type InvokeParams struct {
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
}

// Result is one model completion. Confidence is reported only when the
// backend supplies one; HasConfidence distinguishes "0.0" from "unknown".
type Result struct {
	Text          string
	Confidence    float64
	HasConfidence bool
}

// Invoker performs a single bounded model invocation.
type Invoker interface {
	Invoke(ctx context.Context, prompt string, params InvokeParams) (*Result, error)
}

// ErrTimeout marks an invocation that exceeded its deadline. The engine
// treats it as an obstacle signal rather than a retryable provider fault.
var ErrTimeout = errors.New("model invocation timed out")

// ProviderError is a backend-side failure. Retryable within a stage's
// max_retries budget.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider error (status %d): %s", e.Provider, e.Status, e.Message)
}

// IsRetryable reports whether a failed invocation may be retried.
func IsRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// IsTimeout reports whether a failed invocation hit its deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}
