package toolcall

import (
	"encoding/json"
	"regexp"
	"strings"
)

// quotedValueRe brackets the inside of a quoted string value: the `": "`
// opener through the closing quote followed by a comma, brace, or
// whitespace. Values cannot be bounded exactly in broken JSON, so the
// match is deliberately non-greedy.
var quotedValueRe = regexp.MustCompile(`(?s)": ".*?"[,}\s]`)

// bareKeyRe matches an unquoted identifier key right after `{` or `,`.
var bareKeyRe = regexp.MustCompile(`([{,])\s*(\w+)\s*:`)

// jpQuoteReplacer translates full-width Japanese quotation brackets to
// standard double quotes.
var jpQuoteReplacer = strings.NewReplacer("「", `"`, "」", `"`, "『", `"`, "』", `"`)

// Repair attempts to recover one JSON object from a near-JSON fragment.
// Repair stages run in a fixed order, cheapest and most precise first,
// stopping at the first stage whose output parses as strict JSON:
//
//  1. escape raw newlines, carriage returns, and tabs inside quoted
//     string values
//  2. quote bare object keys and collapse doubled quotes
//  3. additionally translate Japanese quotation brackets, then requote
//     bare keys
//  4. append each of `"}`, `"}}`, `}`, `}}` to the stage-2 text
//
// The boolean result is false when no stage produced parseable JSON.
// Repair never fails hard — an unrepairable fragment is simply not a
// tool call.
func Repair(raw string) (json.RawMessage, bool) {
	fixed := escapeValueWhitespace(raw)
	if parses(fixed) {
		return json.RawMessage(fixed), true
	}

	fixed2 := bareKeyRe.ReplaceAllString(fixed, `$1 "$2":`)
	fixed2 = strings.ReplaceAll(fixed2, `""`, `"`)
	if parses(fixed2) {
		return json.RawMessage(fixed2), true
	}

	fixed3 := jpQuoteReplacer.Replace(fixed)
	fixed3 = bareKeyRe.ReplaceAllString(fixed3, `$1 "$2":`)
	fixed3 = strings.ReplaceAll(fixed3, `""`, `"`)
	if parses(fixed3) {
		return json.RawMessage(fixed3), true
	}

	for _, suffix := range []string{`"}`, `"}}`, `}`, `}}`} {
		if candidate := fixed2 + suffix; parses(candidate) {
			return json.RawMessage(candidate), true
		}
	}

	return nil, false
}

// escapeValueWhitespace re-escapes literal control whitespace that the
// model emitted inside quoted string values.
func escapeValueWhitespace(raw string) string {
	return quotedValueRe.ReplaceAllStringFunc(raw, func(m string) string {
		// Leave the `": "` opener and the two closing bytes untouched.
		inner := m[4 : len(m)-2]
		inner = strings.ReplaceAll(inner, "\n", `\n`)
		inner = strings.ReplaceAll(inner, "\r", `\r`)
		inner = strings.ReplaceAll(inner, "\t", `\t`)
		return m[:4] + inner + m[len(m)-2:]
	})
}

func parses(s string) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal([]byte(s), &obj) == nil
}
