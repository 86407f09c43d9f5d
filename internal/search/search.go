// Package search provides the external search collaborator the agent's
// search tool delegates to. Providers implement the [Provider]
// interface; the only shipped provider shells out to the Claude CLI and
// is auto-disabled when the executable is not on the host.
package search

import "context"

// Provider is the interface search backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "claude-cli").
	Name() string

	// Available reports whether the provider can serve queries at all.
	// An unavailable provider is skipped silently, not an error.
	Available() bool

	// Search answers a query factually within a short character budget.
	Search(ctx context.Context, query string) (string, error)
}
