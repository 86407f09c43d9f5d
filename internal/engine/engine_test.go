package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eposlab/epos/internal/events"
	"github.com/eposlab/epos/internal/llm"
	"github.com/eposlab/epos/internal/prompts"
	"github.com/eposlab/epos/internal/session"
)

// fakeClient pops scripted replies; when the script is exhausted it
// falls through to fn, or returns a fixed default.
type fakeClient struct {
	mu      sync.Mutex
	model   string
	script  []scriptedReply
	fn      func(prompt string) (string, int, error)
	prompts []string
}

type scriptedReply struct {
	text   string
	tokens int
	err    error
}

func (c *fakeClient) Generate(_ context.Context, prompt string, _ llm.Options) (string, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, prompt)
	if len(c.script) > 0 {
		r := c.script[0]
		c.script = c.script[1:]
		return r.text, r.tokens, r.err
	}
	if c.fn != nil {
		return c.fn(prompt)
	}
	return "続きを考える。", 5, nil
}

func (c *fakeClient) CheckConnection(context.Context) (string, error) {
	if c.model == "" {
		return "", errors.New("no backend")
	}
	return c.model, nil
}

func (c *fakeClient) ModelName() string { return c.model }

func (c *fakeClient) promptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}

func newTestEngine(t *testing.T, client *fakeClient, cfg Config) *Engine {
	t.Helper()

	if cfg.Seed == "" {
		cfg.Seed = "種となる問い。"
	}
	if cfg.CompressAtChars == 0 {
		cfg.CompressAtChars = 10000
	}
	if cfg.MaxContextChars == 0 {
		cfg.MaxContextChars = 20000
	}
	cfg.LogDir = t.TempDir()

	sessions, err := session.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	logger := slog.New(slog.DiscardHandler)
	e, err := New(cfg, client, nil, sessions, nil, events.New(), logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestThinkOnceAppendsThought(t *testing.T) {
	client := &fakeClient{script: []scriptedReply{{text: "それは興味深い問いだ。", tokens: 12}}}
	e := newTestEngine(t, client, Config{})

	e.thinkOnce(context.Background())

	if got := e.ThoughtCount(); got != 1 {
		t.Fatalf("ThoughtCount = %d, want 1", got)
	}
	if buf := e.Buffer(); !strings.HasSuffix(buf, "それは興味深い問いだ。\n") {
		t.Errorf("buffer = %q, want thought appended", buf)
	}
	thoughts := e.Thoughts()
	if len(thoughts) != 1 || thoughts[0].N != 1 {
		t.Fatalf("Thoughts() = %+v, want one record with N=1", thoughts)
	}
	if st := e.Status(); st.TotalTokens != 12 {
		t.Errorf("TotalTokens = %d, want 12", st.TotalTokens)
	}
}

func TestThinkOnceExecutesMessageTool(t *testing.T) {
	text := "伝えよう。\n<tool_call> {\"name\": \"message\", \"arguments\": {\"text\": \"こんにちは\"}} </tool_call>"
	client := &fakeClient{script: []scriptedReply{{text: text, tokens: 20}}}
	e := newTestEngine(t, client, Config{})

	e.thinkOnce(context.Background())

	msgs := e.Messages()
	if len(msgs) != 1 || msgs[0].Content != "こんにちは" {
		t.Fatalf("Messages() = %+v, want one message %q", msgs, "こんにちは")
	}
	if buf := e.Buffer(); strings.Contains(buf, "<tool_call>") {
		t.Errorf("buffer kept tool markup: %q", buf)
	}
}

func TestThinkOnceEmptyResponsesInjectFillers(t *testing.T) {
	client := &fakeClient{script: []scriptedReply{{}, {}, {}, {}}}
	e := newTestEngine(t, client, Config{Seed: "seed"})

	ctx := context.Background()
	for range 3 {
		e.thinkOnce(ctx)
	}
	want := "seed" + prompts.FillerPhrases[0] + prompts.FillerPhrases[1] + prompts.FillerPhrases[2]
	if buf := e.Buffer(); buf != want {
		t.Fatalf("buffer = %q, want %q", buf, want)
	}
	if got := e.ThoughtCount(); got != 0 {
		t.Errorf("ThoughtCount = %d, want 0 for filler-only passes", got)
	}

	// Fourth empty reply exhausts the retries and appends nothing.
	e.thinkOnce(ctx)
	if buf := e.Buffer(); buf != want {
		t.Errorf("buffer after exhausted retries = %q, want unchanged", buf)
	}
}

func TestThinkOnceMergesDanglingCallFromBufferTail(t *testing.T) {
	seed := "考える。\n<tool_call> {\"name\": \"message\", \"arguments\": {\"text\": \""
	client := &fakeClient{script: []scriptedReply{{text: "やあ\"}} </tool_call>", tokens: 8}}}
	e := newTestEngine(t, client, Config{Seed: seed})

	e.thinkOnce(context.Background())

	msgs := e.Messages()
	if len(msgs) != 1 || msgs[0].Content != "やあ" {
		t.Fatalf("Messages() = %+v, want merged call to deliver %q", msgs, "やあ")
	}
	if buf := e.Buffer(); strings.Contains(buf, "<tool_call>") {
		t.Errorf("buffer kept the dangling fragment: %q", buf)
	}
	if got := client.promptCount(); got != 1 {
		t.Errorf("generation calls = %d, want 1 (merge, not retry)", got)
	}
}

func TestThinkOnceRetriesOpenCallOnce(t *testing.T) {
	client := &fakeClient{script: []scriptedReply{
		{text: "<tool_call> {\"name\": \"message\", \"arguments\": {\"text\": \"半分", tokens: 10},
		{text: "の思考\"}} </tool_call>", tokens: 6},
	}}
	e := newTestEngine(t, client, Config{})

	e.thinkOnce(context.Background())

	msgs := e.Messages()
	if len(msgs) != 1 || msgs[0].Content != "半分の思考" {
		t.Fatalf("Messages() = %+v, want completed call to deliver %q", msgs, "半分の思考")
	}
	if got := client.promptCount(); got != 2 {
		t.Errorf("generation calls = %d, want 2 (one completion retry)", got)
	}
	if st := e.Status(); st.TotalTokens != 16 {
		t.Errorf("TotalTokens = %d, want both calls counted", st.TotalTokens)
	}
}

func TestCompressionReplacesBufferWithSummary(t *testing.T) {
	client := &fakeClient{script: []scriptedReply{{text: "核心の要約。", tokens: 7}}}
	e := newTestEngine(t, client, Config{CompressAtChars: 100, MaxContextChars: 200})

	e.setBuffer(strings.Repeat("あ", 150))
	e.compressIfNeeded(context.Background())

	want := "核心の要約。\n\n" + prompts.ToolDefinition + "\n"
	if buf := e.Buffer(); buf != want {
		t.Fatalf("buffer = %q, want summary plus tool reminder", buf)
	}
	if st := e.Status(); st.Compressions != 1 {
		t.Errorf("Compressions = %d, want 1", st.Compressions)
	}

	// The summarizer saw only the buffer tail.
	client.mu.Lock()
	prompt := client.prompts[0]
	client.mu.Unlock()
	if !strings.Contains(prompt, "あ") {
		t.Errorf("compression prompt missing buffer tail: %q", prompt)
	}
}

func TestCompressionFailureTruncates(t *testing.T) {
	client := &fakeClient{script: []scriptedReply{{err: errors.New("backend down")}}}
	e := newTestEngine(t, client, Config{CompressAtChars: 100, MaxContextChars: 200})

	e.setBuffer(strings.Repeat("い", 150))
	e.compressIfNeeded(context.Background())

	if got := runeLen(e.Buffer()); got != 100 {
		t.Errorf("buffer = %d runes after failed compression, want 100", got)
	}
}

func TestGenerationErrorLeavesBufferIntact(t *testing.T) {
	client := &fakeClient{script: []scriptedReply{{err: errors.New("connection refused")}}}
	e := newTestEngine(t, client, Config{Seed: "seed"})

	// Pre-close the stop channel so the error backoff returns at once.
	e.stopCh = make(chan struct{})
	close(e.stopCh)

	e.thinkOnce(context.Background())

	if buf := e.Buffer(); buf != "seed" {
		t.Errorf("buffer = %q after failed generation, want unchanged", buf)
	}
	if got := e.ThoughtCount(); got != 0 {
		t.Errorf("ThoughtCount = %d, want 0", got)
	}
}

func TestApplySeedResetsEverything(t *testing.T) {
	client := &fakeClient{script: []scriptedReply{{text: "ひとつの思考。", tokens: 9}}}
	e := newTestEngine(t, client, Config{})

	e.thinkOnce(context.Background())
	e.AddMessage("残留メッセージ")
	oldSession := e.sessionIDSnapshot()

	if err := e.ApplySeed("新しい種。"); err != nil {
		t.Fatalf("ApplySeed: %v", err)
	}

	if buf := e.Buffer(); buf != "新しい種。" {
		t.Errorf("buffer = %q, want new seed", buf)
	}
	if got := e.ThoughtCount(); got != 0 {
		t.Errorf("ThoughtCount = %d, want 0", got)
	}
	if msgs := e.Messages(); len(msgs) != 0 {
		t.Errorf("Messages() = %+v, want empty", msgs)
	}
	if thoughts := e.Thoughts(); len(thoughts) != 0 {
		t.Errorf("Thoughts() = %+v, want empty", thoughts)
	}
	if st := e.Status(); st.Compressions != 0 || st.TotalTokens != 0 {
		t.Errorf("Status() = %+v, want zeroed counters", st)
	}
	if e.sessionIDSnapshot() == oldSession {
		t.Error("session id not rotated on reset")
	}
}

func TestApplySeedRefusedWhileRunning(t *testing.T) {
	e := newTestEngine(t, &fakeClient{model: "m"}, Config{})
	e.alive.Store(true)
	defer e.alive.Store(false)

	if err := e.ApplySeed("seed"); err == nil {
		t.Fatal("ApplySeed succeeded on a running engine, want error")
	}
}

func TestSetLimitsValidation(t *testing.T) {
	e := newTestEngine(t, &fakeClient{model: "m"}, Config{})

	if err := e.SetLimits(500, 400); err == nil {
		t.Error("SetLimits(500, 400) succeeded, want error")
	}
	if err := e.SetLimits(400, 500); err != nil {
		t.Fatalf("SetLimits(400, 500): %v", err)
	}
	compressAt, maxContext := e.Limits()
	if compressAt != 400 || maxContext != 500 {
		t.Errorf("Limits() = (%d, %d), want (400, 500)", compressAt, maxContext)
	}
}

func TestNewRejectsInvertedLimits(t *testing.T) {
	sessions, err := session.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	cfg := Config{Seed: "s", CompressAtChars: 200, MaxContextChars: 100, LogDir: t.TempDir()}
	if _, err := New(cfg, &fakeClient{}, nil, sessions, nil, events.New(), slog.New(slog.DiscardHandler)); err == nil {
		t.Fatal("New accepted compress threshold above max context")
	}
}

func TestSpeakRoundTrip(t *testing.T) {
	client := &fakeClient{
		model: "test-model",
		fn: func(prompt string) (string, int, error) {
			if strings.Contains(prompt, "[User]:") {
				return "こんにちは、人間。", 10, nil
			}
			return "思考が続く。", 5, nil
		},
	}
	e := newTestEngine(t, client, Config{})

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	reply := e.Speak("やあ")
	if reply != "こんにちは、人間。" {
		t.Fatalf("Speak = %q, want the scripted reply", reply)
	}
	if buf := e.Buffer(); !strings.Contains(buf, "[User]: やあ") {
		t.Errorf("buffer missing human injection: %q", buf)
	}
}

func TestLoopOutlivesStartContext(t *testing.T) {
	client := &fakeClient{model: "test-model"}
	e := newTestEngine(t, client, Config{})

	// An HTTP handler's request context is cancelled the moment the
	// handler returns; the loop must keep running regardless.
	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()

	deadline := time.Now().Add(5 * time.Second)
	for e.ThoughtCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := e.ThoughtCount(); got < 2 {
		t.Fatalf("ThoughtCount = %d after caller context cancel, want thinking to continue", got)
	}
	if !e.Alive() {
		t.Fatal("Alive() = false while the loop should still be running")
	}

	e.Stop()
	if e.Alive() {
		t.Error("Alive() = true after Stop")
	}
}

func TestSpeakWhileStopped(t *testing.T) {
	e := newTestEngine(t, &fakeClient{model: "m"}, Config{})
	if got := e.Speak("誰かいる?"); got != "(no response)" {
		t.Errorf("Speak on stopped engine = %q, want %q", got, "(no response)")
	}
}

func TestProbeFiresExactlyOnce(t *testing.T) {
	client := &fakeClient{
		model: "test-model",
		fn: func(prompt string) (string, int, error) {
			if strings.Contains(prompt, "[User]:") {
				return "答え。", 4, nil
			}
			return "思考。", 3, nil
		},
	}
	e := newTestEngine(t, client, Config{Probes: []Probe{{AtThought: 1, Text: "元気?"}}})

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for e.ThoughtCount() < 4 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	e.Stop()

	var fired int
	for _, m := range e.Messages() {
		if strings.HasPrefix(m.Content, "[Probe] ") {
			fired++
		}
	}
	if fired != 1 {
		t.Fatalf("probe fired %d times, want exactly 1", fired)
	}
}

func TestProbePastItsIndexCatchesUp(t *testing.T) {
	client := &fakeClient{
		model: "test-model",
		fn: func(prompt string) (string, int, error) {
			if strings.Contains(prompt, "[User]:") {
				return "答え。", 4, nil
			}
			return "思考。", 3, nil
		},
	}
	e := newTestEngine(t, client, Config{Probes: []Probe{{AtThought: 1, Text: "遅れた問い"}}})

	// Advance well past the scheduled index before any probe check.
	for range 3 {
		e.thinkOnce(context.Background())
	}
	e.firePendingProbes(context.Background())
	e.firePendingProbes(context.Background())

	var fired int
	for _, m := range e.Messages() {
		if strings.HasPrefix(m.Content, "[Probe] ") {
			fired++
		}
	}
	if fired != 1 {
		t.Fatalf("overdue probe fired %d times, want exactly 1", fired)
	}
}

func TestStopSavesSession(t *testing.T) {
	client := &fakeClient{model: "test-model"}
	e := newTestEngine(t, client, Config{})

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for e.ThoughtCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	e.Stop()

	names, err := e.sessions.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 1 {
		t.Fatalf("saved sessions = %v, want exactly one", names)
	}

	text, err := e.sessions.Load(names[0])
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !strings.HasSuffix(text, prompts.ToolDefinition) {
		t.Error("revival text missing tool definition suffix")
	}
}
