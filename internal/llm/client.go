// Package llm provides the generation backend client.
package llm

import "context"

// Options are per-call generation parameters. MaxTokens and Temperature
// vary by call site (thoughts, replies, compression); the remaining
// sampling parameters are fixed by the backend contract.
type Options struct {
	MaxTokens   int
	Temperature float64
}

// Client is the generation backend interface the engine depends on.
// Generate returns the trimmed generated text and the completion token
// count the backend reported.
type Client interface {
	// Generate produces a continuation of prompt.
	Generate(ctx context.Context, prompt string, opts Options) (string, int, error)

	// CheckConnection verifies the backend is reachable and a model is
	// loaded, returning the model's name.
	CheckConnection(ctx context.Context) (string, error)

	// ModelName returns the model discovered by CheckConnection, or ""
	// before a successful check.
	ModelName() string
}
