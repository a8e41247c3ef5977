package providers

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/pkg/models"
)

// Some models cannot emit native function calls and are instead prompted
// to write tool invocations as inline XML tags. ParseXMLToolCalls extracts
// those tags from assistant text and EnhanceSystemPromptXML teaches the
// model the format.

var xmlOpenTag = regexp.MustCompile(`<(\w+)>`)

// ParseXMLToolCalls scans assistant text for <tool>...</tool> blocks whose
// tag matches a registered tool name. Matched blocks become tool calls;
// everything else, including unknown or unclosed tags, stays in the
// returned text unchanged.
func ParseXMLToolCalls(text string, registered map[string]bool) (string, []models.ToolCall) {
	if text == "" || len(registered) == 0 {
		return text, nil
	}

	var calls []models.ToolCall
	var out strings.Builder
	rest := text

	for {
		loc := xmlOpenTag.FindStringSubmatchIndex(rest)
		if loc == nil {
			out.WriteString(rest)
			break
		}
		name := rest[loc[2]:loc[3]]
		closeTag := "</" + name + ">"
		bodyStart := loc[1]
		closeIdx := strings.Index(rest[bodyStart:], closeTag)

		if !registered[name] || closeIdx < 0 {
			// Not a tool call; emit through the open tag and keep going.
			out.WriteString(rest[:loc[1]])
			rest = rest[loc[1]:]
			continue
		}

		out.WriteString(rest[:loc[0]])
		body := rest[bodyStart : bodyStart+closeIdx]
		input, err := json.Marshal(parseXMLParams(body))
		if err != nil {
			input = json.RawMessage(`{}`)
		}
		calls = append(calls, models.ToolCall{
			ID:    uuid.NewString(),
			Name:  name,
			Input: input,
			State: models.StateComplete,
		})
		rest = rest[bodyStart+closeIdx+len(closeTag):]
	}

	return strings.TrimSpace(out.String()), calls
}

// parseXMLParams extracts <param>value</param> pairs from a tool body,
// inferring JSON types from the values.
func parseXMLParams(body string) map[string]any {
	params := make(map[string]any)
	rest := body
	for {
		loc := xmlOpenTag.FindStringSubmatchIndex(rest)
		if loc == nil {
			break
		}
		name := rest[loc[2]:loc[3]]
		closeTag := "</" + name + ">"
		bodyStart := loc[1]
		closeIdx := strings.Index(rest[bodyStart:], closeTag)
		if closeIdx < 0 {
			rest = rest[loc[1]:]
			continue
		}
		value := strings.TrimSpace(rest[bodyStart : bodyStart+closeIdx])
		params[name] = inferXMLValue(value)
		rest = rest[bodyStart+closeIdx+len(closeTag):]
	}
	return params
}

func inferXMLValue(value string) any {
	switch value {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil && strings.Contains(value, ".") {
		return f
	}
	return value
}

// EnhanceSystemPromptXML appends XML usage instructions and per-tool tag
// templates to the system prompt.
func EnhanceSystemPromptXML(prompt string, tools []engine.ToolDef) string {
	if len(tools) == 0 {
		return prompt
	}

	var b strings.Builder
	if prompt != "" {
		b.WriteString(prompt)
		b.WriteString("\n\n")
	}

	b.WriteString("## Available Tools\n\n")
	b.WriteString("You can use tools by generating XML tags in your response. ")
	b.WriteString("Each tool must be properly formatted with opening and closing tags.\n\n")

	for _, tool := range tools {
		writeXMLToolDescription(&b, tool)
	}

	b.WriteString("\n## Tool Usage Rules\n\n")
	b.WriteString("- Use exactly ONE tool per message\n")
	b.WriteString("- Wait for tool result before continuing\n")
	b.WriteString("- Use proper XML formatting with correct opening/closing tags\n")
	b.WriteString("- Parameter names must match exactly as specified\n")
	b.WriteString("- Do not nest tool calls\n")
	b.WriteString("- Output XML directly in your text - do NOT wrap in markdown code blocks\n")
	b.WriteString("- After using a tool, wait for the result message before responding\n")

	return b.String()
}

func writeXMLToolDescription(b *strings.Builder, tool engine.ToolDef) {
	b.WriteString("### " + tool.Name + "\n")
	if tool.Description != "" {
		b.WriteString(tool.Description + "\n")
	}
	b.WriteString("\nUsage:\n<" + tool.Name + ">\n")

	var schema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if json.Unmarshal(tool.InputSchema, &schema) == nil {
		required := make(map[string]bool, len(schema.Required))
		for _, r := range schema.Required {
			required[r] = true
		}
		for name, prop := range schema.Properties {
			b.WriteString("  <" + name + ">")
			switch {
			case prop.Description != "":
				b.WriteString(prop.Description)
			case prop.Type != "":
				b.WriteString(prop.Type + " value")
			default:
				b.WriteString("value")
			}
			if required[name] {
				b.WriteString(" (required)")
			}
			b.WriteString("</" + name + ">\n")
		}
	}

	b.WriteString("</" + tool.Name + ">\n\n")
}
