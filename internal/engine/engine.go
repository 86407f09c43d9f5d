// Package engine runs the autonomous thought loop: it repeatedly asks
// the generation backend to extend a growing narrative buffer, executes
// the tool calls the model embeds in its output, feeds results back
// into the buffer, compresses the buffer when it grows too large, and
// yields between iterations so a human message can interrupt with low
// latency.
//
// All engine state is owned by the single loop goroutine. The front-end
// never touches live structures: it reads snapshots and exchanges
// messages through a request/response channel pair.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eposlab/epos/internal/archive"
	"github.com/eposlab/epos/internal/eventlog"
	"github.com/eposlab/epos/internal/events"
	"github.com/eposlab/epos/internal/llm"
	"github.com/eposlab/epos/internal/search"
	"github.com/eposlab/epos/internal/session"
	"github.com/eposlab/epos/internal/toolcall"
	"github.com/eposlab/epos/internal/tools"
)

// Probe is a scripted message injected at a predetermined thought index
// under an experiment protocol. Each probe fires exactly once.
type Probe struct {
	AtThought int
	Text      string
}

// PendingMessage is text the agent chose to surface to the human.
type PendingMessage struct {
	Content string    `json:"content"`
	Time    time.Time `json:"time"`
}

// Status is a read-only snapshot of engine state for display.
type Status struct {
	Alive         bool    `json:"alive"`
	Model         string  `json:"model"`
	Thoughts      int     `json:"thoughts"`
	Compressions  int     `json:"compressions"`
	ContextChars  int     `json:"context_chars"`
	TotalTokens   int     `json:"total_tokens"`
	AvgThoughtSec float64 `json:"avg_thought_sec"`
	UptimeSec     int64   `json:"uptime_sec"`
}

// Config holds engine construction parameters. CompressAtChars must be
// strictly below MaxContextChars; compression is the sole size-control
// mechanism and has to fire well before the ceiling.
type Config struct {
	Seed            string
	CompressAtChars int
	MaxContextChars int
	LogDir          string
	Probes          []Probe
}

// thoughtLogCapacity bounds the in-memory ring of recent thoughts.
const thoughtLogCapacity = 100

// speakTimeout bounds how long a caller blocks waiting for a reply.
const speakTimeout = 180 * time.Second

// loopYield is the bounded wait at the end of every loop pass, short
// enough that a pending human message is picked up promptly without
// busy-spinning.
const loopYield = 10 * time.Millisecond

// speakRequest carries a human message into the loop and a channel for
// the reply back out.
type speakRequest struct {
	text  string
	reply chan string
}

// Engine is the autonomous narrative engine.
type Engine struct {
	logger    *slog.Logger
	client    llm.Client
	bus       *events.Bus
	sessions  *session.Store
	thoughtDB *archive.Store // optional
	extractor *toolcall.Extractor
	executor  *tools.Executor

	logDir    string
	eventLog  *eventlog.Writer
	dialogLog *eventlog.DialogWriter

	humanCh chan speakRequest

	// runMu serializes Start/Stop/Reset transitions.
	runMu      sync.Mutex
	alive      atomic.Bool
	stopCh     chan struct{}
	doneCh     chan struct{}
	loopCancel context.CancelFunc

	// mu guards everything below. The loop goroutine is the only
	// writer while running; readers take snapshots.
	mu               sync.RWMutex
	buffer           string
	seed             string
	compressAtChars  int
	maxContextChars  int
	model            string
	sessionID        string
	logTS            string
	birth            time.Time
	thoughtCount     int
	compressionCount int
	totalTokens      int
	emptyRetries     int
	durations        []time.Duration
	pending          []PendingMessage
	thoughts         *ThoughtRing
	probes           []Probe
	probeFired       map[int]bool
}

// New constructs an engine. provider may be an unavailable search
// provider; thoughtDB may be nil to disable the persistent archive.
func New(cfg Config, client llm.Client, provider search.Provider, sessions *session.Store, thoughtDB *archive.Store, bus *events.Bus, logger *slog.Logger) (*Engine, error) {
	if cfg.CompressAtChars >= cfg.MaxContextChars {
		return nil, fmt.Errorf("compress threshold %d must be below max context %d", cfg.CompressAtChars, cfg.MaxContextChars)
	}

	e := &Engine{
		logger:          logger.With("component", "engine"),
		client:          client,
		bus:             bus,
		sessions:        sessions,
		thoughtDB:       thoughtDB,
		logDir:          cfg.LogDir,
		humanCh:         make(chan speakRequest),
		buffer:          cfg.Seed,
		seed:            cfg.Seed,
		compressAtChars: cfg.CompressAtChars,
		maxContextChars: cfg.MaxContextChars,
		sessionID:       uuid.NewString(),
		logTS:           time.Now().Format("20060102_150405"),
		birth:           time.Now(),
		thoughts:        NewThoughtRing(thoughtLogCapacity),
		probes:          cfg.Probes,
		probeFired:      make(map[int]bool),
	}

	e.eventLog = eventlog.NewWriter(filepath.Join(cfg.LogDir, "full_"+e.logTS+".jsonl"))
	e.dialogLog = eventlog.NewDialogWriter(filepath.Join(cfg.LogDir, "dialog_"+e.logTS+".jsonl"))
	e.executor = tools.NewExecutor(provider, e, e.eventLog, e.ThoughtCount, logger)
	e.extractor = toolcall.NewExtractor(e.executor, logger)
	return e, nil
}

// Alive reports whether the loop is running.
func (e *Engine) Alive() bool {
	return e.alive.Load()
}

// Start verifies the backend connection and launches the loop
// goroutine. Starting a running engine is a no-op. ctx bounds the
// connection check only; the loop runs on its own context until Stop,
// so a caller whose context ends with the request (an HTTP handler)
// does not take the loop down with it.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.alive.Load() {
		return nil
	}

	model, err := e.client.CheckConnection(ctx)
	if err != nil {
		return fmt.Errorf("backend check failed: %w", err)
	}

	e.mu.Lock()
	e.model = model
	e.mu.Unlock()
	e.renameLogsForModel(model)

	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	loopCtx, cancel := context.WithCancel(context.Background())
	e.loopCancel = cancel
	e.alive.Store(true)

	e.logger.Info("thinking started", "model", model, "seed_chars", runeLen(e.Buffer()))
	go e.run(loopCtx)
	return nil
}

// Stop flips the liveness flag, wakes the loop, and waits for it to
// exit. An in-flight generation call runs to completion first — there
// is no partial-iteration cancellation. A session snapshot is saved
// when any thoughts were produced.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if !e.alive.Load() {
		return
	}

	close(e.stopCh)
	<-e.doneCh
	e.loopCancel()
	e.alive.Store(false)

	e.mu.RLock()
	thoughts := e.thoughtCount
	uptime := time.Since(e.birth)
	e.mu.RUnlock()

	e.logger.Info("stopped", "uptime", uptime.Truncate(time.Second), "thoughts", thoughts)
	e.bus.Publish(events.Event{Source: events.SourceEngine, Kind: events.KindStopped,
		Data: map[string]any{"thoughts": thoughts, "uptime_sec": int64(uptime.Seconds())}})

	if thoughts > 0 {
		e.saveSession()
	}
}

// Speak hands a human message to the loop and blocks until the reply
// arrives or the bounded wait expires.
func (e *Engine) Speak(message string) string {
	if !e.alive.Load() {
		return "(no response)"
	}

	req := speakRequest{text: message, reply: make(chan string, 1)}
	timer := time.NewTimer(speakTimeout)
	defer timer.Stop()

	select {
	case e.humanCh <- req:
	case <-timer.C:
		return "(no response)"
	}

	select {
	case reply := <-req.reply:
		if reply == "" {
			return "(no response)"
		}
		return reply
	case <-timer.C:
		return "(no response)"
	}
}

// AddMessage appends to the pending message list. It serves as the
// executor's message sink and also records front-end dialog markers.
func (e *Engine) AddMessage(content string) {
	e.mu.Lock()
	e.pending = append(e.pending, PendingMessage{Content: content, Time: time.Now()})
	n := e.thoughtCount
	e.mu.Unlock()

	e.bus.Publish(events.Event{Source: events.SourceEngine, Kind: events.KindMessage,
		Data: map[string]any{"n": n, "content": content}})
}

// Messages returns a copy of the pending message list.
func (e *Engine) Messages() []PendingMessage {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]PendingMessage, len(e.pending))
	copy(out, e.pending)
	return out
}

// Thoughts returns the recent thought log, oldest first.
func (e *Engine) Thoughts() []ThoughtRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thoughts.Items()
}

// ThoughtCount returns the current thought index.
func (e *Engine) ThoughtCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thoughtCount
}

// Buffer returns the current context buffer.
func (e *Engine) Buffer() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.buffer
}

// Status returns a display snapshot.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var avg float64
	if len(e.durations) > 0 {
		var total time.Duration
		for _, d := range e.durations {
			total += d
		}
		avg = total.Seconds() / float64(len(e.durations))
	}

	return Status{
		Alive:         e.alive.Load(),
		Model:         e.model,
		Thoughts:      e.thoughtCount,
		Compressions:  e.compressionCount,
		ContextChars:  runeLen(e.buffer),
		TotalTokens:   e.totalTokens,
		AvgThoughtSec: avg,
		UptimeSec:     int64(time.Since(e.birth).Seconds()),
	}
}

// Limits returns the current compress and max thresholds.
func (e *Engine) Limits() (compressAt, maxContext int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.compressAtChars, e.maxContextChars
}

// SetLimits updates the buffer thresholds. The compress threshold must
// stay strictly below the ceiling.
func (e *Engine) SetLimits(compressAt, maxContext int) error {
	if compressAt >= maxContext {
		return fmt.Errorf("compress threshold %d must be below max context %d", compressAt, maxContext)
	}
	e.mu.Lock()
	e.compressAtChars = compressAt
	e.maxContextChars = maxContext
	e.mu.Unlock()
	return nil
}

// ApplySeed replaces the buffer with a new seed and resets all engine
// state atomically. The engine must be stopped.
func (e *Engine) ApplySeed(seed string) error {
	return e.reset(seed)
}

// Revive loads a saved session file and applies it as the new seed,
// resetting all engine state atomically. The engine must be stopped.
func (e *Engine) Revive(name string) error {
	text, err := e.sessions.Load(name)
	if err != nil {
		return err
	}
	return e.reset(text)
}

// reset is the single reset path. Counters, cooldowns, the probe-fired
// set, the thought log, and the log files all rotate together — a
// partial reset is an invariant violation.
func (e *Engine) reset(seed string) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.alive.Load() {
		return fmt.Errorf("stop the engine before applying a seed")
	}

	e.mu.Lock()
	e.seed = seed
	e.buffer = seed
	e.thoughtCount = 0
	e.compressionCount = 0
	e.totalTokens = 0
	e.emptyRetries = 0
	e.durations = nil
	e.pending = nil
	e.thoughts.Reset()
	e.probeFired = make(map[int]bool)
	e.sessionID = uuid.NewString()
	e.logTS = time.Now().Format("20060102_150405")
	logTS := e.logTS
	e.mu.Unlock()

	e.executor.Reset()
	e.eventLog.Retarget(filepath.Join(e.logDir, "full_"+logTS+".jsonl"))
	e.dialogLog.Retarget(filepath.Join(e.logDir, "dialog_"+logTS+".jsonl"))

	e.bus.Publish(events.Event{Source: events.SourceEngine, Kind: events.KindReset,
		Data: map[string]any{"seed_len": runeLen(seed)}})
	return nil
}

// safeModelTag turns a model name into a filename-safe suffix.
func safeModelTag(model string) string {
	if model == "" {
		return "unknown"
	}
	tag := strings.NewReplacer("/", "_", "\\", "_", " ", "_").Replace(model)
	if len(tag) > 50 {
		tag = tag[len(tag)-50:]
	}
	return tag
}

// renameLogsForModel rewrites the log filenames to include the model
// tag once the model is known.
func (e *Engine) renameLogsForModel(model string) {
	e.mu.RLock()
	logTS := e.logTS
	e.mu.RUnlock()

	tag := safeModelTag(model)
	if err := e.eventLog.Rename(filepath.Join(e.logDir, "full_"+logTS+"_"+tag+".jsonl")); err != nil {
		e.logger.Warn("event log rename failed", "error", err)
	}
	if err := e.dialogLog.Rename(filepath.Join(e.logDir, "dialog_"+logTS+"_"+tag+".jsonl")); err != nil {
		e.logger.Warn("dialog log rename failed", "error", err)
	}
}

// saveSession persists the buffer as a revival seed.
func (e *Engine) saveSession() {
	e.mu.RLock()
	name := fmt.Sprintf("%s_%s_n%d", e.logTS, safeModelTag(e.model), e.thoughtCount)
	buffer := e.buffer
	e.mu.RUnlock()

	path, err := e.sessions.Save(name, buffer)
	if err != nil {
		e.logger.Error("session save failed", "error", err)
		return
	}
	e.logger.Info("session saved", "path", path, "chars", runeLen(buffer))
}

// logEvent appends to the JSONL event log, logging write failures
// instead of propagating them.
func (e *Engine) logEvent(kind, content string, meta map[string]any) {
	if err := e.eventLog.Log(e.ThoughtCount(), kind, content, meta); err != nil {
		e.logger.Warn("event log write failed", "error", err)
	}
}
