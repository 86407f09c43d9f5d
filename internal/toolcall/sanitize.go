package toolcall

import (
	"regexp"
	"strings"
)

var (
	thinkBlockRe  = regexp.MustCompile(`(?s)<think>.*?</think>`)
	thinkUnendRe  = regexp.MustCompile(`(?s)<think>.*$`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
	argKeyPairRe  = regexp.MustCompile(`(?s)<arg_key>.*?</arg_key>`)
	danglingFence = regexp.MustCompile("(?s)```tool_call\\s*\\{[^}]*$")
	emptyFenceRe  = regexp.MustCompile("(?s)```tool_call\\s*$")
)

// callMarkupRes remove complete tool-call spans of every known shape.
// Order matters: paired-tag spans go first, dangling fragments after.
var callMarkupRes = []*regexp.Regexp{
	regexp.MustCompile(`(?s)<tool_call>.*?</tool_call>`),
	regexp.MustCompile(`(?s)<tool_call>.*?</talk>`),
	regexp.MustCompile("(?s)```tool_call\\s*\\{.*?\\}\\s*```"),
	regexp.MustCompile(`(?s)<function_calls>.*?</tool>`),
	regexp.MustCompile(`(?s)<function_calls>.*?</function_calls>`),
	regexp.MustCompile(`(?s)<function=\w+>.*?</function>`),
	regexp.MustCompile(`(?s)` + toolNameAlt + `\s*\n?\s*\{[^}]*\}\s*\n?\s*</tool_call>`),
}

// StripThink removes <think> reasoning blocks: fully closed blocks,
// an unterminated block running to end of text, and any stray closing
// tag left behind.
func StripThink(text string) string {
	s := thinkBlockRe.ReplaceAllString(text, "")
	s = thinkUnendRe.ReplaceAllString(s, "")
	return strings.ReplaceAll(s, "</think>", "")
}

// Sanitize strips every known tool-call shape — complete or dangling —
// plus think-blocks from generated text, and collapses runs of three or
// more blank lines. Text already free of call markup comes back
// unchanged apart from whitespace collapsing, so Sanitize is idempotent.
func Sanitize(text string) string {
	s := StripThink(text)

	for _, re := range callMarkupRes {
		s = re.ReplaceAllString(s, "")
	}

	s = danglingFence.ReplaceAllString(s, "")
	s = emptyFenceRe.ReplaceAllString(s, "")

	// An opening <function_calls> with no recognized close swallows the
	// rest of the text — it is call debris, not narrative.
	if idx := strings.Index(s, "<function_calls>"); idx != -1 {
		s = s[:idx]
	}

	// Same for a <tool_call> that never closes: truncate at the first
	// open with no close anywhere after it, discarding everything from
	// there on (later opens included).
	for idx := 0; ; {
		pos := strings.Index(s[idx:], "<tool_call>")
		if pos == -1 {
			break
		}
		pos += idx
		if !strings.Contains(s[pos:], "</tool_call>") {
			s = s[:pos]
			break
		}
		idx = pos + 1
	}

	s = strings.ReplaceAll(s, "</tool_call>", "")
	s = strings.ReplaceAll(s, "</talk>", "")
	s = strings.ReplaceAll(s, "</tool>", "")
	s = strings.ReplaceAll(s, "</arg_value>", "")
	s = argKeyPairRe.ReplaceAllString(s, "")

	s = blankRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// tagRe strips any angle-bracket tag; used by the buffer manager's
// total-extraction-failure fallback.
var tagRe = regexp.MustCompile(`<[^>]+>`)

// StripTags removes every angle-bracket tag from text.
func StripTags(text string) string {
	return strings.TrimSpace(tagRe.ReplaceAllString(text, ""))
}
