package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/loomhq/loom/internal/engine"
)

const defaultMaxReadBytes = 200000

// ReadFileTool reads files scoped to a workspace root. Paths that resolve
// outside the root are rejected.
type ReadFileTool struct {
	root     string
	maxBytes int
}

type readFileParams struct {
	Path     string `json:"path" jsonschema:"description=Path to the file relative to the workspace root."`
	Offset   int64  `json:"offset,omitempty" jsonschema:"description=Byte offset to start reading from.,minimum=0"`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema:"description=Maximum bytes to read (capped by the tool default).,minimum=0"`
}

// NewReadFileTool creates a file reader rooted at workspace. An empty
// workspace means the current directory.
func NewReadFileTool(workspace string, maxBytes int) *ReadFileTool {
	if maxBytes <= 0 {
		maxBytes = defaultMaxReadBytes
	}
	return &ReadFileTool{root: workspace, maxBytes: maxBytes}
}

func (t *ReadFileTool) Name() string {
	return "read_file"
}

func (t *ReadFileTool) Description() string {
	return "Reads a file from the workspace with optional offset and byte limit."
}

func (t *ReadFileTool) Schema() json.RawMessage {
	return reflectSchema(&readFileParams{})
}

func (t *ReadFileTool) ReturnDirect() bool {
	return false
}

func (t *ReadFileTool) Execute(_ context.Context, input json.RawMessage) (*engine.ToolOutput, error) {
	var params readFileParams
	if err := json.Unmarshal(input, &params); err != nil {
		return errorOutput("invalid parameters: %v", err), nil
	}
	if strings.TrimSpace(params.Path) == "" {
		return errorOutput("path is required"), nil
	}
	if params.Offset < 0 {
		return errorOutput("offset must be >= 0"), nil
	}

	resolved, err := t.resolve(params.Path)
	if err != nil {
		return errorOutput("%v", err), nil
	}

	file, err := os.Open(resolved)
	if err != nil {
		return errorOutput("open file: %v", err), nil
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return errorOutput("stat file: %v", err), nil
	}
	if params.Offset > 0 {
		if _, err := file.Seek(params.Offset, io.SeekStart); err != nil {
			return errorOutput("seek file: %v", err), nil
		}
	}

	limit := t.maxBytes
	if params.MaxBytes > 0 && params.MaxBytes < limit {
		limit = params.MaxBytes
	}

	buf, err := io.ReadAll(io.LimitReader(file, int64(limit)))
	if err != nil {
		return errorOutput("read file: %v", err), nil
	}

	return jsonOutput(map[string]any{
		"path":      params.Path,
		"content":   string(buf),
		"offset":    params.Offset,
		"bytes":     len(buf),
		"truncated": params.Offset+int64(len(buf)) < info.Size(),
	}), nil
}

// resolve returns an absolute, cleaned path inside the workspace root.
func (t *ReadFileTool) resolve(path string) (string, error) {
	root := strings.TrimSpace(t.root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}

	target := filepath.Clean(path)
	if !filepath.IsAbs(target) {
		target = filepath.Join(rootAbs, target)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return targetAbs, nil
}
