package engine

import (
	"strings"

	"github.com/eposlab/epos/internal/toolcall"
)

// fallbackChars caps the tag-stripped raw text appended when extraction
// recovered nothing at all from a generation.
const fallbackChars = 200

// appendIteration applies the per-iteration append policy: sanitized
// text, then every non-empty tool result wrapped in newlines, then a
// trailing newline. When the generation yielded neither narrative nor
// any recognized call, the raw text with tags stripped (truncated) goes
// in instead, so a fully garbled iteration still leaves a trace the
// model can continue from.
func appendIteration(buffer, sanitized, raw string, calls []toolcall.Call) string {
	var results strings.Builder
	for _, c := range calls {
		if c.Result != "" {
			results.WriteString("\n")
			results.WriteString(c.Result)
			results.WriteString("\n")
		}
	}

	switch {
	case sanitized != "":
		return buffer + sanitized + results.String() + "\n"
	case results.Len() > 0:
		return buffer + results.String() + "\n"
	case len(calls) == 0:
		if fallback := toolcall.StripTags(raw); fallback != "" {
			return buffer + headRunes(fallback, fallbackChars) + "\n"
		}
	}
	return buffer
}

// tailRunes returns the last n runes of s (all of s when shorter).
func tailRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// headRunes returns the first n runes of s (all of s when shorter).
func headRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// runeLen counts characters, not bytes. Buffer thresholds are specified
// in characters and the narrative is mostly multi-byte Japanese.
func runeLen(s string) int {
	return len([]rune(s))
}
