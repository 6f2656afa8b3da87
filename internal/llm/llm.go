// Package llm is the thin completion seam the planner talks through. It
// defines a provider-neutral Client plus an OpenAI-compatible adapter; the
// typed error hierarchy in errors.go classifies transport failures so the
// caller can decide what to retry.
package llm

import "context"

// Request is one completion call.
type Request struct {
	Model  string
	System string
	User   string
	// ForceJSON asks the provider for a JSON-object response format.
	ForceJSON   bool
	MaxTokens   int
	Temperature float32
}

// Response carries the assistant text of a completion.
type Response struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Client executes completions. Implementations must honor ctx cancellation
// and return errors from the typed hierarchy where the failure is an HTTP
// one.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
