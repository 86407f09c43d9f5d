package toolcall

import "strings"

// openTags are the opening spellings a call can start with; closeTags
// are every closing spelling. Any close satisfies any open — models mix
// and match tag dialects within one call.
var (
	openTags  = []string{"<tool_call>", "<function_calls>", "<function="}
	closeTags = []string{"</tool_call>", "</talk>", "</tool>", "</function_calls>", "</function>"}
)

const fenceOpen = "```tool_call"

// HasOpenCall reports whether text ends inside a tool call: an opening
// tag appears with no closing tag of any spelling after it. The fenced
// code-block shape gets its own check, and only when no bracketed
// opening tag exists at all.
func HasOpenCall(text string) bool {
	lastOpen := -1
	for _, tag := range openTags {
		if pos := strings.LastIndex(text, tag); pos > lastOpen {
			lastOpen = pos
		}
	}

	if lastOpen == -1 {
		fence := strings.LastIndex(text, fenceOpen)
		if fence == -1 {
			return false
		}
		return !strings.Contains(text[fence+len(fenceOpen):], "```")
	}

	after := text[lastOpen:]
	for _, tag := range closeTags {
		if strings.Contains(after, tag) {
			return false
		}
	}
	return true
}
