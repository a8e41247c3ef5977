package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomhq/loom/internal/engine"
)

// ClockTool reports the current time, optionally in a named timezone.
type ClockTool struct {
	// now is swappable for tests.
	now func() time.Time
}

type clockParams struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name such as Europe/Oslo. Defaults to UTC."`
	Format   string `json:"format,omitempty" jsonschema:"description=Go time layout string. Defaults to RFC3339."`
}

// NewClockTool creates the clock tool.
func NewClockTool() *ClockTool {
	return &ClockTool{now: time.Now}
}

func (t *ClockTool) Name() string {
	return "clock"
}

func (t *ClockTool) Description() string {
	return "Returns the current date and time, optionally in a specific timezone."
}

func (t *ClockTool) Schema() json.RawMessage {
	return reflectSchema(&clockParams{})
}

func (t *ClockTool) ReturnDirect() bool {
	return false
}

func (t *ClockTool) Execute(_ context.Context, input json.RawMessage) (*engine.ToolOutput, error) {
	var params clockParams
	if len(input) > 0 {
		if err := json.Unmarshal(input, &params); err != nil {
			return errorOutput("invalid parameters: %v", err), nil
		}
	}

	loc := time.UTC
	if params.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(params.Timezone)
		if err != nil {
			return errorOutput("unknown timezone %q", params.Timezone), nil
		}
	}

	layout := params.Format
	if layout == "" {
		layout = time.RFC3339
	}

	return engine.TextOutput(t.now().In(loc).Format(layout)), nil
}
