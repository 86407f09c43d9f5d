// Package toolcall recovers structured tool calls from unreliable,
// model-generated free text. Local models emit tool calls in a handful of
// known malformed shapes; each shape gets its own matcher, and near-JSON
// payloads are passed through a best-effort repair pipeline. The package
// deliberately targets this closed set of observed shapes — a new shape
// means a new matcher, not a grammar.
package toolcall

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
)

// Call is one tool call recovered from generated text, with the result
// of its immediate execution.
type Call struct {
	Name     string
	Argument string
	Result   string
}

// Executor runs a recovered tool call. Implementations must not panic
// and must return "" rather than an error — a failed tool is invisible
// to the model except through the missing result.
type Executor interface {
	Execute(name, argument string) string
}

// aliasNames maps tool-name synonyms the models actually emit (including
// Japanese verbs) to canonical identifiers. Unrecognized names pass
// through unchanged and surface as unknown tools at execution.
var aliasNames = map[string]string{
	"検索": "search", "探す": "search", "調べる": "search", "サーチ": "search",
	"メッセージ": "message", "伝える": "message", "話す": "message", "送信": "message",
}

// NormalizeName resolves a raw tool name to its canonical identifier.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if canonical, ok := aliasNames[name]; ok {
		return canonical
	}
	return name
}

// toolNameAlt is the alternation of every recognized tool-name spelling,
// used by the no-opening-tag fallback matcher and the sanitizer.
const toolNameAlt = `(?:search|message|検索|メッセージ|伝える|話す|送信|探す|調べる|サーチ)`

// matcher is one known encoding of a tool call. jsonPayload matchers
// capture a near-JSON fragment in submatch 1; field matchers carry the
// name and argument directly in submatches.
type matcher struct {
	format string
	re     *regexp.Regexp
	// decode maps submatches to (name, argument) without JSON involved.
	// Nil means submatch 1 is a JSON payload for Repair.
	decode func(sub []string) (name, argument string)
	// fallbackOnly matchers run only when no other format matched.
	fallbackOnly bool
}

// matchers run in fixed priority order. The bracket-JSON shape is the
// documented syntax; everything after it is a recovery path for shapes
// specific models have been observed to emit.
var matchers = []matcher{
	{format: "bracket_json", re: regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)},
	{format: "talk_close", re: regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</talk>`)},
	{
		format: "xml_kv",
		re:     regexp.MustCompile(`(?s)<tool_call>\s*(\w+)\s*<arg_key>(\w+)</arg_key>\s*<arg_value>(.*?)</arg_value>\s*</tool_call>`),
		decode: func(sub []string) (string, string) { return sub[1], strings.TrimSpace(sub[3]) },
	},
	{format: "broken_bracket", re: regexp.MustCompile(`(?s)<function_calls>\s*(\{.*?\})\s*</tool>`)},
	{
		format: "function_param",
		re:     regexp.MustCompile(`(?s)<function=(\w+)>\s*<parameter=(\w+)>(.*?)</parameter>\s*</function>`),
		decode: func(sub []string) (string, string) { return sub[1], strings.TrimSpace(sub[3]) },
	},
	{format: "fenced_code", re: regexp.MustCompile("(?s)```tool_call\\s*(\\{.*?\\})\\s*```")},
	{
		format:       "no_opening_tag",
		re:           regexp.MustCompile(`(?s)` + toolNameAlt + `\s*\n?\s*(\{[^}]*\})\s*\n?\s*</tool_call>`),
		fallbackOnly: true,
	},
}

// Extractor scans generated text for tool calls. Extraction and
// execution are not separate phases: every successfully parsed call is
// executed through the injected Executor as soon as it is recognized.
type Extractor struct {
	exec   Executor
	logger *slog.Logger
}

// NewExtractor returns an extractor that dispatches recovered calls to
// exec.
func NewExtractor(exec Executor, logger *slog.Logger) *Extractor {
	return &Extractor{exec: exec, logger: logger.With("component", "toolcall")}
}

// Extract runs every matcher over text (think-blocks removed first),
// executes each recovered call in order, and returns the executed calls
// along with a sanitized copy of the original text with all call markup
// stripped.
func (e *Extractor) Extract(text string) (sanitized string, calls []Call) {
	clean := StripThink(text)

	for _, m := range matchers {
		if m.fallbackOnly && len(calls) > 0 {
			continue
		}
		for _, sub := range m.re.FindAllStringSubmatch(clean, -1) {
			var name, argument string
			var ok bool
			if m.decode != nil {
				name, argument = m.decode(sub)
				name, ok = NormalizeName(name), true
			} else {
				name, argument, ok = e.parsePayload(sub[1])
			}
			if !ok {
				continue
			}
			result := e.exec.Execute(name, argument)
			calls = append(calls, Call{Name: name, Argument: argument, Result: result})
		}
	}

	return Sanitize(text), calls
}

// wireCall is the shape a JSON-encoded tool call parses into. Arguments
// stays raw so the first authored key can be recovered in order.
type wireCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parsePayload repairs and decodes a near-JSON tool-call payload into a
// canonical name and single string argument.
func (e *Extractor) parsePayload(raw string) (name, argument string, ok bool) {
	repaired, ok := Repair(raw)
	if !ok {
		e.logger.Debug("tool call JSON unrepairable", "fragment", head(raw, 100))
		return "", "", false
	}

	var call wireCall
	if err := json.Unmarshal(repaired, &call); err != nil || call.Name == "" {
		return "", "", false
	}

	return NormalizeName(call.Name), argumentString(call.Arguments), true
}

// argumentString reduces an arguments payload to the single string the
// unary tools take. An object contributes the value of its first key as
// authored, discarding the rest — the tools here take exactly one
// argument, so extra keys carry no meaning. A string that is itself
// JSON-encoded is unwrapped one level first.
func argumentString(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}

	if trimmed[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return ""
		}
		// The arguments value may be a JSON object encoded as a string.
		inner := strings.TrimSpace(s)
		if strings.HasPrefix(inner, "{") {
			if v := firstObjectValue(json.RawMessage(inner)); v != "" {
				return v
			}
		}
		return s
	}

	if trimmed[0] == '{' {
		return firstObjectValue(raw)
	}

	return trimmed
}

// firstObjectValue returns the value of the first key of a JSON object
// in authored order, stringified. encoding/json maps do not preserve
// order, so this walks tokens instead.
func firstObjectValue(raw json.RawMessage) string {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return ""
	}
	if !dec.More() {
		return ""
	}
	if _, err := dec.Token(); err != nil { // the first key
		return ""
	}
	var value any
	if err := dec.Decode(&value); err != nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
