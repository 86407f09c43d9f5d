package engine

import (
	"context"

	"github.com/eposlab/epos/internal/events"
	"github.com/eposlab/epos/internal/llm"
	"github.com/eposlab/epos/internal/prompts"
)

// compressTailChars is how much of the buffer tail the summarizer sees.
const compressTailChars = 2000

// compressIfNeeded replaces the whole buffer with a model-written
// summary of its tail once the buffer crosses the compress threshold.
// The tool definition reminder is re-appended so the tool syntax stays
// in context after everything else is condensed away. If the summary
// call fails the buffer is hard-truncated to the threshold instead;
// the loop must never run unbounded.
func (e *Engine) compressIfNeeded(ctx context.Context) {
	e.mu.RLock()
	buffer := e.buffer
	threshold := e.compressAtChars
	e.mu.RUnlock()

	before := runeLen(buffer)
	if before <= threshold {
		return
	}

	e.mu.Lock()
	e.compressionCount++
	count := e.compressionCount
	e.mu.Unlock()

	e.logger.Info("compressing", "count", count, "before", before)
	prompt := prompts.Compression(tailRunes(buffer, compressTailChars))
	summary, _, err := e.client.Generate(ctx, prompt, llm.Options{MaxTokens: 300, Temperature: 0.5})
	if err != nil {
		e.logger.Warn("compression summary failed, truncating", "error", err)
		e.setBuffer(tailRunes(buffer, threshold))
		return
	}

	e.setBuffer(summary + "\n\n" + prompts.ToolDefinition + "\n")
	after := runeLen(e.Buffer())

	e.logger.Info("compressed", "count", count, "before", before, "after", after)
	e.logEvent("compress", summary, map[string]any{"before": before, "after": after})
	e.bus.Publish(events.Event{Source: events.SourceEngine, Kind: events.KindCompress,
		Data: map[string]any{"n": count, "before": before, "after": after}})
}
