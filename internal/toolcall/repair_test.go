package toolcall

import (
	"encoding/json"
	"testing"
)

// decode is a test helper that unmarshals repaired JSON into a generic map.
func decode(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("repaired JSON does not parse: %v", err)
	}
	return m
}

func TestRepairStrictJSONPassesThrough(t *testing.T) {
	raw := `{"name": "search", "arguments": {"query": "foo"}}`
	repaired, ok := Repair(raw)
	if !ok {
		t.Fatal("Repair failed on valid JSON")
	}
	m := decode(t, repaired)
	if m["name"] != "search" {
		t.Errorf("name = %v, want search", m["name"])
	}
}

func TestRepairQuotesBareKeys(t *testing.T) {
	raw := `{name: "search", arguments: {query: "foo"}}`
	repaired, ok := Repair(raw)
	if !ok {
		t.Fatal("Repair failed on bare-key JSON")
	}
	m := decode(t, repaired)
	if m["name"] != "search" {
		t.Errorf("name = %v, want search", m["name"])
	}
	args, _ := m["arguments"].(map[string]any)
	if args["query"] != "foo" {
		t.Errorf("arguments.query = %v, want foo", args["query"])
	}
}

func TestRepairJapaneseQuotes(t *testing.T) {
	raw := `{name: 「search」, arguments: {query: 「foo」}}`
	repaired, ok := Repair(raw)
	if !ok {
		t.Fatal("Repair failed on Japanese-quoted JSON")
	}
	m := decode(t, repaired)
	if m["name"] != "search" {
		t.Errorf("name = %v, want search", m["name"])
	}
	args, _ := m["arguments"].(map[string]any)
	if args["query"] != "foo" {
		t.Errorf("arguments.query = %v, want foo", args["query"])
	}
}

func TestRepairEscapesRawNewlineInValue(t *testing.T) {
	raw := "{\"name\": \"message\", \"content\": \"line one\nline two\"}"
	repaired, ok := Repair(raw)
	if !ok {
		t.Fatal("Repair failed on raw newline inside value")
	}
	m := decode(t, repaired)
	if m["content"] != "line one\nline two" {
		t.Errorf("content = %q, want the two-line string", m["content"])
	}
}

func TestRepairCompletesMissingBrackets(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"missing close quote and brace", `{"name": "search", "arguments": {"query": "foo`},
		{"missing one brace", `{"name": "search", "arguments": {"query": "foo"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repaired, ok := Repair(tc.raw)
			if !ok {
				t.Fatalf("Repair failed on %q", tc.raw)
			}
			m := decode(t, repaired)
			if m["name"] != "search" {
				t.Errorf("name = %v, want search", m["name"])
			}
		})
	}
}

func TestRepairGivesUpOnGarbage(t *testing.T) {
	if _, ok := Repair("not anything like json"); ok {
		t.Error("Repair succeeded on garbage, want failure")
	}
}
