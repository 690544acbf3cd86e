package cascade

import (
	"context"
	"sync"

	"cascade/internal/perception"
	"cascade/internal/retrieval"
)

// scriptedInvoker fails its first N calls, then returns the configured
// response. Thread-safe so dispatch batches can share it.
type scriptedInvoker struct {
	mu         sync.Mutex
	failures   int
	failWith   error
	response   string
	confidence float64
	calls      int
}

func (i *scriptedInvoker) Invoke(ctx context.Context, prompt string, params perception.InvokeParams) (*perception.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls++
	if i.calls <= i.failures {
		err := i.failWith
		if err == nil {
			err = &perception.ProviderError{Provider: "scripted", Status: 500, Message: "scripted failure"}
		}
		return nil, err
	}
	res := &perception.Result{Text: i.response}
	if i.confidence > 0 {
		res.Confidence = i.confidence
		res.HasConfidence = true
	}
	return res, nil
}

// stubRetriever returns fixed snippets and records its queries.
type stubRetriever struct {
	mu       sync.Mutex
	snippets []retrieval.Snippet
	err      error
	queries  []string
}

func (r *stubRetriever) Query(ctx context.Context, text string, topK int) ([]retrieval.Snippet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, text)
	if r.err != nil {
		return nil, r.err
	}
	if topK < len(r.snippets) {
		return r.snippets[:topK], nil
	}
	return r.snippets, nil
}
