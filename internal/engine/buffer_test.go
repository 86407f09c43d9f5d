package engine

import (
	"strings"
	"testing"

	"github.com/eposlab/epos/internal/toolcall"
)

func TestAppendIterationSanitizedAndResults(t *testing.T) {
	calls := []toolcall.Call{
		{Name: "search", Argument: "q", Result: "結果A"},
		{Name: "message", Argument: "m", Result: ""},
	}
	got := appendIteration("base\n", "考えた。", "raw", calls)
	want := "base\n考えた。\n結果A\n\n"
	if got != want {
		t.Errorf("appendIteration = %q, want %q", got, want)
	}
}

func TestAppendIterationResultsOnly(t *testing.T) {
	calls := []toolcall.Call{{Name: "search", Argument: "q", Result: "結果"}}
	got := appendIteration("base", "", "raw", calls)
	want := "base\n結果\n\n"
	if got != want {
		t.Errorf("appendIteration = %q, want %q", got, want)
	}
}

func TestAppendIterationFallbackStripsAndTruncates(t *testing.T) {
	raw := "<think>" + strings.Repeat("あ", 300) + "</think>"
	got := appendIteration("base", "", raw, nil)

	if strings.Contains(got, "<think>") {
		t.Error("fallback kept markup")
	}
	appended := strings.TrimPrefix(got, "base")
	appended = strings.TrimSuffix(appended, "\n")
	if n := runeLen(appended); n != fallbackChars {
		t.Errorf("fallback length = %d runes, want %d", n, fallbackChars)
	}
}

func TestAppendIterationNothingRecoveredWithCalls(t *testing.T) {
	// A call with an empty result and no surviving narrative appends
	// nothing; the raw fallback is reserved for call-free garbage.
	calls := []toolcall.Call{{Name: "message", Argument: "m", Result: ""}}
	if got := appendIteration("base", "", "<tool_call>junk", calls); got != "base" {
		t.Errorf("appendIteration = %q, want %q", got, "base")
	}
}

func TestRuneHelpersCountCharacters(t *testing.T) {
	s := "日本語text"
	if n := runeLen(s); n != 7 {
		t.Errorf("runeLen(%q) = %d, want 7", s, n)
	}
	if got := tailRunes(s, 4); got != "語text" {
		t.Errorf("tailRunes = %q, want %q", got, "語text")
	}
	if got := headRunes(s, 3); got != "日本語" {
		t.Errorf("headRunes = %q, want %q", got, "日本語")
	}
	if got := tailRunes(s, 99); got != s {
		t.Errorf("tailRunes over length = %q, want %q", got, s)
	}
}
