package web

import (
	"bytes"
	"html"

	"github.com/yuin/goldmark"
)

// renderMarkdown renders agent text to an HTML fragment for the page.
// The model occasionally emits markdown in its surfaced messages; plain
// prose passes through as paragraphs. On a renderer error the text is
// escaped and returned as-is.
func renderMarkdown(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "<p>" + html.EscapeString(md) + "</p>"
	}
	return buf.String()
}
