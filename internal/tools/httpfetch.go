package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/engine"
)

const defaultMaxFetchBytes = 1 * 1024 * 1024

// HTTPFetchTool performs GET requests against http/https URLs. When
// returnDirect is set the fetched body is the final turn answer, skipping
// the closing model round.
type HTTPFetchTool struct {
	client       *http.Client
	maxBytes     int64
	returnDirect bool
}

type httpFetchParams struct {
	URL string `json:"url" jsonschema:"description=The http or https URL to fetch."`
}

// NewHTTPFetchTool creates the fetch tool. maxBytes caps the response
// body; zero uses the 1 MiB default.
func NewHTTPFetchTool(maxBytes int64, returnDirect bool) *HTTPFetchTool {
	if maxBytes <= 0 {
		maxBytes = defaultMaxFetchBytes
	}
	return &HTTPFetchTool{
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		maxBytes:     maxBytes,
		returnDirect: returnDirect,
	}
}

func (t *HTTPFetchTool) Name() string {
	return "http_fetch"
}

func (t *HTTPFetchTool) Description() string {
	return "Fetches the body of an http or https URL."
}

func (t *HTTPFetchTool) Schema() json.RawMessage {
	return reflectSchema(&httpFetchParams{})
}

func (t *HTTPFetchTool) ReturnDirect() bool {
	return t.returnDirect
}

func (t *HTTPFetchTool) Execute(ctx context.Context, input json.RawMessage) (*engine.ToolOutput, error) {
	var params httpFetchParams
	if err := json.Unmarshal(input, &params); err != nil {
		return errorOutput("invalid parameters: %v", err), nil
	}

	parsed, err := url.Parse(strings.TrimSpace(params.URL))
	if err != nil {
		return errorOutput("invalid URL: %v", err), nil
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errorOutput("URL scheme must be http or https, got: %s", parsed.Scheme), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return errorOutput("build request: %v", err), nil
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return errorOutput("fetch: %v", err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errorOutput("fetch: unexpected status %d", resp.StatusCode), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes))
	if err != nil {
		return errorOutput("read body: %v", err), nil
	}

	return engine.TextOutput(string(body)), nil
}
