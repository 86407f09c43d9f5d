package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eposlab/epos/internal/archive"
	"github.com/eposlab/epos/internal/events"
	"github.com/eposlab/epos/internal/llm"
	"github.com/eposlab/epos/internal/prompts"
	"github.com/eposlab/epos/internal/toolcall"
)

// maxEmptyRetries bounds consecutive filler injections before the
// counter wraps and the loop just skips the iteration.
const maxEmptyRetries = 3

// errorPause is the backoff after a failed generation call.
const errorPause = 2 * time.Second

// spliceTailChars is how far back the loop looks for an opening tool
// tag left dangling by a previous truncated generation.
const spliceTailChars = 200

// run is the loop goroutine. Human messages take priority over the
// next thought; otherwise one thought is produced per pass, followed by
// a bounded yield so an arriving message never waits behind more than
// one generation call.
func (e *Engine) run(ctx context.Context) {
	defer func() {
		e.alive.Store(false)
		close(e.doneCh)
	}()

	e.logEvent("start", e.Buffer(), map[string]any{"model": e.modelName()})
	e.bus.Publish(events.Event{Source: events.SourceEngine, Kind: events.KindStarted,
		Data: map[string]any{"model": e.modelName(), "buffer_chars": runeLen(e.Buffer())}})

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case req := <-e.humanCh:
			e.safeIterate(func() { e.respondToHuman(ctx, req.text, req.reply) })
			continue
		default:
		}

		e.safeIterate(func() { e.thinkOnce(ctx) })
		e.firePendingProbes(ctx)

		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case req := <-e.humanCh:
			e.safeIterate(func() { e.respondToHuman(ctx, req.text, req.reply) })
		case <-time.After(loopYield):
		}
	}
}

// safeIterate confines a panic in one iteration to that iteration, so
// a pathological model output cannot kill the loop.
func (e *Engine) safeIterate(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("iteration panic", "panic", fmt.Sprint(r))
			e.logEvent("panic", fmt.Sprint(r), nil)
		}
	}()
	fn()
}

func (e *Engine) modelName() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.model
}

// thinkOnce produces one thought: generate a continuation, complete
// any tool call the generation left open, extract and execute the
// calls, fold the sanitized text and results back into the buffer, and
// compress when the buffer crossed the threshold.
func (e *Engine) thinkOnce(ctx context.Context) {
	buffer := e.Buffer()
	opts := llm.Options{MaxTokens: 256, Temperature: 0.85}

	start := time.Now()
	text, tokens, err := e.client.Generate(ctx, buffer, opts)
	if err != nil {
		e.logger.Error("generation failed", "error", err)
		e.logEvent("error", err.Error(), nil)
		e.bus.Publish(events.Event{Source: events.SourceEngine, Kind: events.KindError,
			Data: map[string]any{"error": err.Error()}})
		select {
		case <-e.stopCh:
		case <-ctx.Done():
		case <-time.After(errorPause):
		}
		return
	}

	// Empty output stalls the narrative. Nudge the model with a
	// rotating continuation phrase, a bounded number of times.
	if text == "" {
		e.mu.Lock()
		e.emptyRetries++
		if e.emptyRetries <= maxEmptyRetries {
			e.buffer += prompts.FillerPhrases[(e.emptyRetries-1)%len(prompts.FillerPhrases)]
			n := e.emptyRetries
			e.mu.Unlock()
			e.logger.Debug("empty response, injecting filler", "attempt", n)
			return
		}
		e.emptyRetries = 0
		e.mu.Unlock()
		e.logger.Warn("empty responses persist, skipping iteration")
		return
	}
	e.mu.Lock()
	e.emptyRetries = 0
	e.mu.Unlock()

	// A generation can stop mid-call, leaving an opening tag with no
	// closer either at the buffer tail or in this output. Merge the
	// tail into the scanned text when that closes the call, otherwise
	// ask for one more continuation so both halves parse as one.
	tail := tailRunes(buffer, spliceTailChars)
	switch {
	case toolcall.HasOpenCall(tail):
		combined := tail + text
		if !toolcall.HasOpenCall(combined) {
			text = combined
			buffer = strings.TrimSuffix(buffer, tail)
			e.setBuffer(buffer)
			e.logger.Debug("merged dangling tool call from buffer tail")
		} else {
			text, tokens = e.completeOpenCall(ctx, buffer, text, tokens, opts)
		}
	case toolcall.HasOpenCall(text):
		text, tokens = e.completeOpenCall(ctx, buffer, text, tokens, opts)
	}

	elapsed := time.Since(start)

	// Counters advance before extraction so the executor's cooldown
	// check sees this thought's index.
	e.mu.Lock()
	e.thoughtCount++
	n := e.thoughtCount
	e.totalTokens += tokens
	e.durations = append(e.durations, elapsed)
	e.mu.Unlock()

	// Extraction executes tool calls with no lock held; the executor
	// reads the thought index back through ThoughtCount.
	sanitized, calls := e.extractor.Extract(text)

	e.mu.Lock()
	e.buffer = appendIteration(e.buffer, sanitized, text, calls)
	display := sanitized
	if display == "" {
		display = headRunes(text, fallbackChars)
	}
	e.thoughts.Push(ThoughtRecord{N: n, Content: display})
	bufLen := runeLen(e.buffer)
	e.mu.Unlock()

	tps := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		tps = float64(tokens) / secs
	}
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	for _, c := range calls {
		e.bus.Publish(events.Event{Source: events.SourceEngine, Kind: events.KindToolCall,
			Data: map[string]any{"n": n, "tool": c.Name, "result_len": runeLen(c.Result)}})
	}

	e.logEvent("thought", text, map[string]any{
		"dt": elapsed.Seconds(), "tok": tokens, "tps": tps,
		"tools": names, "sanitized_len": runeLen(sanitized),
	})
	e.bus.Publish(events.Event{Source: events.SourceEngine, Kind: events.KindThought,
		Data: map[string]any{"n": n, "content": display, "tokens": tokens, "buffer_chars": bufLen}})

	if e.thoughtDB != nil {
		rec := archive.Record{
			SessionID:  e.sessionIDSnapshot(),
			N:          n,
			Content:    display,
			Tokens:     tokens,
			DurationMS: elapsed.Milliseconds(),
		}
		if err := e.thoughtDB.Add(ctx, rec); err != nil {
			e.logger.Warn("thought archive write failed", "error", err)
		}
	}

	e.logger.Info("thought", "n", n, "tokens", tokens,
		"dt", elapsed.Truncate(time.Millisecond), "tools", len(calls), "buffer", bufLen)
	e.compressIfNeeded(ctx)
}

// completeOpenCall requests one more continuation for a tool call the
// generation left unterminated. One retry only; if the call is still
// open afterwards, extraction deals with the fragment.
func (e *Engine) completeOpenCall(ctx context.Context, buffer, text string, tokens int, opts llm.Options) (string, int) {
	extra, etok, err := e.client.Generate(ctx, buffer+text, opts)
	if err != nil {
		e.logger.Warn("tool call completion failed", "error", err)
		return text, tokens
	}
	if extra != "" {
		e.logger.Debug("tool call completed", "extra_tokens", etok)
		return text + extra, tokens + etok
	}
	return text, tokens
}

func (e *Engine) setBuffer(s string) {
	e.mu.Lock()
	e.buffer = s
	e.mu.Unlock()
}

// respondToHuman injects the human message into the buffer, generates
// a direct reply, and folds the exchange back into the narrative.
func (e *Engine) respondToHuman(ctx context.Context, message string, reply chan<- string) {
	e.logEvent("human_input", message, nil)

	prompt := e.Buffer() + prompts.HumanTurn(message)
	text, tokens, err := e.client.Generate(ctx, prompt, llm.Options{MaxTokens: 512, Temperature: 0.7})
	if err != nil {
		e.logger.Error("reply generation failed", "error", err)
		e.logEvent("error", err.Error(), nil)
		reply <- ""
		return
	}

	e.mu.Lock()
	e.buffer = prompt + text + "\n"
	e.totalTokens += tokens
	n := e.thoughtCount
	e.mu.Unlock()

	e.logEvent("dialog", text, map[string]any{"human": message})
	if err := e.dialogLog.Log(n, message, text); err != nil {
		e.logger.Warn("dialog log write failed", "error", err)
	}
	e.bus.Publish(events.Event{Source: events.SourceEngine, Kind: events.KindDialog,
		Data: map[string]any{"n": n, "human": message, "agent": text}})

	reply <- text
	e.compressIfNeeded(ctx)
}

// firePendingProbes injects any experiment probe whose thought index
// has been reached. A probe rides the same path as a human message and
// both sides of the exchange land in the pending message list.
func (e *Engine) firePendingProbes(ctx context.Context) {
	e.mu.Lock()
	var due []Probe
	for _, p := range e.probes {
		// >= rather than ==: a probe whose index was already passed
		// (schedule edited mid-run, index skipped by a human turn)
		// catches up on the next pass instead of never firing.
		if e.thoughtCount >= p.AtThought && !e.probeFired[p.AtThought] {
			e.probeFired[p.AtThought] = true
			due = append(due, p)
		}
	}
	e.mu.Unlock()

	for _, p := range due {
		e.logger.Info("probe firing", "at_thought", p.AtThought)
		e.bus.Publish(events.Event{Source: events.SourceEngine, Kind: events.KindProbe,
			Data: map[string]any{"at_thought": p.AtThought, "text": p.Text}})

		replyCh := make(chan string, 1)
		e.safeIterate(func() { e.respondToHuman(ctx, p.Text, replyCh) })

		var answer string
		select {
		case answer = <-replyCh:
		default:
		}

		e.AddMessage("[Probe] " + p.Text)
		if answer != "" {
			e.AddMessage("[AI] " + answer)
		}
	}
}

func (e *Engine) sessionIDSnapshot() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessionID
}
