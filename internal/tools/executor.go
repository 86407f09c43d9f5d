// Package tools executes the agent's tool calls. Two tools exist:
// search (rate-limited, delegating to the external search collaborator)
// and message (surfacing text to the human). Everything else is logged
// as unknown and ignored. Execution never propagates an error past this
// boundary — callers always get a string, possibly empty.
package tools

import (
	"context"
	"log/slog"

	"github.com/eposlab/epos/internal/eventlog"
	"github.com/eposlab/epos/internal/search"
)

// Canonical tool names.
const (
	NameSearch  = "search"
	NameMessage = "message"
)

// SearchCooldown is the minimum number of thought iterations between
// two search invocations.
const SearchCooldown = 5

// MessageSink receives text the agent chose to surface to the human.
type MessageSink interface {
	AddMessage(content string)
}

// Executor applies tool policy and dispatches calls. It is used only
// from the engine's loop goroutine; Reset may only be called while the
// loop is stopped.
type Executor struct {
	provider search.Provider
	messages MessageSink
	log      *eventlog.Writer
	logger   *slog.Logger

	// thoughtIndex reports the engine's current thought count, used to
	// gate the search cooldown.
	thoughtIndex func() int

	lastSearchThought  int
	lastMessageThought int
}

// NewExecutor wires an executor to the search provider, message sink,
// and event log. thoughtIndex must return the engine's current thought
// count.
func NewExecutor(provider search.Provider, messages MessageSink, log *eventlog.Writer, thoughtIndex func() int, logger *slog.Logger) *Executor {
	x := &Executor{
		provider:     provider,
		messages:     messages,
		log:          log,
		logger:       logger.With("component", "tools"),
		thoughtIndex: thoughtIndex,
	}
	x.Reset()
	return x
}

// Reset clears the cooldown state so the first post-reset thought may
// search immediately.
func (x *Executor) Reset() {
	x.lastSearchThought = -SearchCooldown
	x.lastMessageThought = -SearchCooldown
}

// Execute runs one tool call and returns its textual result. Unknown
// tools and blocked or failed searches return "".
func (x *Executor) Execute(name, argument string) string {
	switch name {
	case NameSearch:
		return x.runSearch(argument)
	case NameMessage:
		x.messages.AddMessage(argument)
		x.lastMessageThought = x.thoughtIndex()
		x.logEvent("message_sent", argument, map[string]any{"length": len([]rune(argument))})
		x.logger.Info("message surfaced", "content", truncate(argument, 80))
		return ""
	default:
		x.logEvent("tool_unknown", argument, map[string]any{"tool": name})
		x.logger.Warn("unknown tool", "tool", name)
		return ""
	}
}

func (x *Executor) runSearch(query string) string {
	n := x.thoughtIndex()
	if gap := n - x.lastSearchThought; gap < SearchCooldown {
		remaining := SearchCooldown - gap
		x.logEvent("tool_blocked", query, map[string]any{
			"tool": NameSearch, "reason": "cooldown", "remaining": remaining,
		})
		x.logger.Info("search blocked by cooldown", "remaining", remaining)
		return ""
	}
	x.lastSearchThought = n
	x.logEvent("search", query, map[string]any{"query": query})
	x.logger.Info("search", "query", truncate(query, 60))

	if x.provider == nil || !x.provider.Available() {
		x.logEvent("search_result", "", map[string]any{"query": query, "length": 0, "status": "disabled"})
		return ""
	}

	answer, err := x.provider.Search(context.Background(), query)
	if err != nil {
		x.logEvent("search_result", "", map[string]any{"query": query, "length": 0, "status": "error", "error": err.Error()})
		x.logger.Warn("search failed", "error", err)
		return ""
	}
	if answer == "" {
		x.logEvent("search_result", "", map[string]any{"query": query, "length": 0, "status": "empty"})
		return ""
	}

	x.logEvent("search_result", answer, map[string]any{"query": query, "length": len([]rune(answer)), "status": "ok"})
	return answer
}

func (x *Executor) logEvent(kind, content string, meta map[string]any) {
	if x.log == nil {
		return
	}
	if err := x.log.Log(x.thoughtIndex(), kind, content, meta); err != nil {
		x.logger.Warn("event log write failed", "error", err)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
