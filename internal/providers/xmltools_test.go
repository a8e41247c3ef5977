package providers

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/loomhq/loom/internal/engine"
)

func TestParseXMLToolCalls(t *testing.T) {
	registered := map[string]bool{"read_file": true, "search": true}

	text := "Let me check that file.\n<read_file>\n  <path>/tmp/notes.txt</path>\n  <limit>10</limit>\n  <follow>true</follow>\n</read_file>"
	remaining, calls := ParseXMLToolCalls(text, registered)

	if remaining != "Let me check that file." {
		t.Errorf("remaining text = %q, want the prose only", remaining)
	}
	if len(calls) != 1 {
		t.Fatalf("parsed %d calls, want 1", len(calls))
	}
	call := calls[0]
	if call.Name != "read_file" {
		t.Errorf("call name = %q, want read_file", call.Name)
	}
	if call.ID == "" {
		t.Error("call should be assigned a generated ID")
	}

	var args map[string]any
	if err := json.Unmarshal(call.Input, &args); err != nil {
		t.Fatalf("input is not valid JSON: %v", err)
	}
	if args["path"] != "/tmp/notes.txt" {
		t.Errorf("path = %v, want /tmp/notes.txt", args["path"])
	}
	if args["limit"] != float64(10) {
		t.Errorf("limit = %v (%T), want numeric 10", args["limit"], args["limit"])
	}
	if args["follow"] != true {
		t.Errorf("follow = %v, want true", args["follow"])
	}
}

func TestParseXMLToolCallsUnknownTagKept(t *testing.T) {
	remaining, calls := ParseXMLToolCalls(
		"Here is <b>bold</b> text.",
		map[string]bool{"read_file": true},
	)
	if len(calls) != 0 {
		t.Fatalf("parsed %d calls, want 0", len(calls))
	}
	if !strings.Contains(remaining, "<b>bold</b>") {
		t.Errorf("remaining = %q, unknown tags should survive", remaining)
	}
}

func TestParseXMLToolCallsUnclosedTagKept(t *testing.T) {
	text := "Starting <read_file><path>/tmp/x"
	remaining, calls := ParseXMLToolCalls(text, map[string]bool{"read_file": true})
	if len(calls) != 0 {
		t.Fatalf("parsed %d calls from malformed XML, want 0", len(calls))
	}
	if !strings.Contains(remaining, "<read_file>") {
		t.Errorf("remaining = %q, malformed block should fall back to plain text", remaining)
	}
}

func TestParseXMLToolCallsMultiple(t *testing.T) {
	text := "<search><query>go generics</query></search> and then <search><query>go iterators</query></search>"
	remaining, calls := ParseXMLToolCalls(text, map[string]bool{"search": true})
	if len(calls) != 2 {
		t.Fatalf("parsed %d calls, want 2", len(calls))
	}
	if remaining != "and then" {
		t.Errorf("remaining = %q, want \"and then\"", remaining)
	}
	if calls[0].ID == calls[1].ID {
		t.Error("each call should get a distinct ID")
	}
}

func TestEnhanceSystemPromptXML(t *testing.T) {
	tools := []engine.ToolDef{{
		Name:        "read_file",
		Description: "Reads a file from disk.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Absolute path to read"}
			},
			"required": ["path"]
		}`),
	}}

	enhanced := EnhanceSystemPromptXML("You are helpful.", tools)

	for _, want := range []string{
		"You are helpful.",
		"## Available Tools",
		"### read_file",
		"Reads a file from disk.",
		"<path>Absolute path to read (required)</path>",
		"## Tool Usage Rules",
	} {
		if !strings.Contains(enhanced, want) {
			t.Errorf("enhanced prompt missing %q", want)
		}
	}
}

func TestEnhanceSystemPromptXMLNoTools(t *testing.T) {
	if got := EnhanceSystemPromptXML("prompt", nil); got != "prompt" {
		t.Errorf("EnhanceSystemPromptXML() = %q, want prompt unchanged", got)
	}
}
