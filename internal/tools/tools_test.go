package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestClockTool(t *testing.T) {
	tool := NewClockTool()
	fixed := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	tool.now = func() time.Time { return fixed }

	output, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if output.IsError {
		t.Fatalf("Execute() returned error output: %v", output.Content)
	}
	if got := output.Content[0].Text; got != "2026-03-14T09:26:53Z" {
		t.Errorf("clock output = %q", got)
	}
}

func TestClockToolTimezone(t *testing.T) {
	tool := NewClockTool()
	fixed := time.Date(2026, 1, 14, 9, 0, 0, 0, time.UTC)
	tool.now = func() time.Time { return fixed }

	output, err := tool.Execute(context.Background(), json.RawMessage(`{"timezone": "America/New_York", "format": "15:04"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := output.Content[0].Text; got != "04:00" {
		t.Errorf("clock output = %q, want 04:00 (EST offset applied)", got)
	}

	output, err = tool.Execute(context.Background(), json.RawMessage(`{"timezone": "Not/AZone"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !output.IsError {
		t.Error("unknown timezone should produce an error output")
	}
}

func TestReadFileTool(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello world"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	tool := NewReadFileTool(dir, 0)

	output, err := tool.Execute(context.Background(), json.RawMessage(`{"path": "notes.txt"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if output.IsError {
		t.Fatalf("Execute() returned error output: %v", output.Content)
	}

	var result struct {
		Content   string `json:"content"`
		Bytes     int    `json:"bytes"`
		Truncated bool   `json:"truncated"`
	}
	if err := json.Unmarshal([]byte(output.Content[0].Text), &result); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if result.Content != "hello world" || result.Bytes != 11 || result.Truncated {
		t.Errorf("result = %+v", result)
	}
}

func TestReadFileToolLimits(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "big.txt"), []byte("0123456789"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	tool := NewReadFileTool(dir, 0)

	output, err := tool.Execute(context.Background(), json.RawMessage(`{"path": "big.txt", "offset": 2, "max_bytes": 4}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	var result struct {
		Content   string `json:"content"`
		Truncated bool   `json:"truncated"`
	}
	if err := json.Unmarshal([]byte(output.Content[0].Text), &result); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if result.Content != "2345" || !result.Truncated {
		t.Errorf("result = %+v, want windowed read marked truncated", result)
	}
}

func TestReadFileToolEscapeRejected(t *testing.T) {
	tool := NewReadFileTool(t.TempDir(), 0)
	output, err := tool.Execute(context.Background(), json.RawMessage(`{"path": "../../etc/passwd"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !output.IsError {
		t.Error("path escaping the workspace should be rejected")
	}
}

func TestHTTPFetchTool(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("fetched body"))
	}))
	defer server.Close()

	tool := NewHTTPFetchTool(0, false)
	output, err := tool.Execute(context.Background(), json.RawMessage(`{"url": "`+server.URL+`"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if output.IsError {
		t.Fatalf("Execute() returned error output: %v", output.Content)
	}
	if got := output.Content[0].Text; got != "fetched body" {
		t.Errorf("body = %q", got)
	}
}

func TestHTTPFetchToolRejectsScheme(t *testing.T) {
	tool := NewHTTPFetchTool(0, false)
	output, err := tool.Execute(context.Background(), json.RawMessage(`{"url": "file:///etc/passwd"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !output.IsError {
		t.Error("non-http scheme should be rejected")
	}
}

func TestHTTPFetchToolBodyCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer server.Close()

	tool := NewHTTPFetchTool(10, true)
	output, err := tool.Execute(context.Background(), json.RawMessage(`{"url": "`+server.URL+`"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := output.Content[0].Text; len(got) != 10 {
		t.Errorf("body length = %d, want capped at 10", len(got))
	}
	if !tool.ReturnDirect() {
		t.Error("tool configured return-direct should report it")
	}
}

func TestSchemasAreValidJSON(t *testing.T) {
	for _, tool := range []interface{ Schema() json.RawMessage }{
		NewClockTool(),
		NewReadFileTool("", 0),
		NewHTTPFetchTool(0, false),
	} {
		var decoded map[string]any
		if err := json.Unmarshal(tool.Schema(), &decoded); err != nil {
			t.Errorf("schema is not valid JSON: %v", err)
		}
		if decoded["type"] != "object" {
			t.Errorf("schema type = %v, want object", decoded["type"])
		}
	}
}
