// Package enrich implements the Tool-List Enricher: it appends a synthetic
// usage-guide tool to any response shaped like a tool list, and recognises
// calls to that tool name so the dispatcher can short-circuit them without
// touching a subprocess.
//
// Built on the go-sdk wire types (mcp.Tool, mcp.CallToolResult,
// mcp.TextContent) and jsonschema-go's jsonschema.Schema for describing the
// synthetic tool's input shape, assembled here as a raw JSON fragment
// rather than registered against a live *mcp.Server, since the bridge
// proxies tools/list responses verbatim rather than owning an MCP tool
// registry of its own.
package enrich

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolName is the fixed, visually distinctive identifier for the synthetic
// usage-guide tool.
const ToolName = "📖_usage_instructions"

// emptyObjectSchema is the `{"type":"object","properties":{}}` schema for
// the synthetic tool's inputSchema: it takes no arguments.
func emptyObjectSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:       "object",
		Properties: map[string]*jsonschema.Schema{},
	}
}

// IsToolsShaped reports whether result carries a top-level "tools" array.
// Any response shaped like a tool list is enrichment-eligible, not only the
// result of a literal tools/list call.
func IsToolsShaped(result json.RawMessage) bool {
	if len(result) == 0 {
		return false
	}
	var probe struct {
		Tools json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(result, &probe); err != nil {
		return false
	}
	if len(probe.Tools) == 0 {
		return false
	}
	var arr []json.RawMessage
	return json.Unmarshal(probe.Tools, &arr) == nil
}

// Enrich appends the synthetic usage-guide tool to result's "tools" array.
// Callers must check IsToolsShaped first; Enrich assumes the shape holds.
func Enrich(result json.RawMessage, usageGuide string) (json.RawMessage, error) {
	var tree map[string]json.RawMessage
	if err := json.Unmarshal(result, &tree); err != nil {
		return nil, err
	}

	var tools []json.RawMessage
	if err := json.Unmarshal(tree["tools"], &tools); err != nil {
		return nil, err
	}

	synthetic := &mcp.Tool{
		Name:        ToolName,
		Description: usageGuide,
		InputSchema: emptyObjectSchema(),
	}
	raw, err := json.Marshal(synthetic)
	if err != nil {
		return nil, err
	}
	tools = append(tools, raw)

	toolsRaw, err := json.Marshal(tools)
	if err != nil {
		return nil, err
	}
	tree["tools"] = toolsRaw

	return json.Marshal(tree)
}

// IsUsageToolCall reports whether a tools/call invocation names the
// synthetic usage tool, by inspecting the call's params for a "name" field.
func IsUsageToolCall(params json.RawMessage) bool {
	var probe struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return false
	}
	return probe.Name == ToolName
}

// UsageToolResult builds the local tools/call response for the synthetic
// tool: a CallToolResult carrying the guide text verbatim, never forwarded
// to any subprocess.
func UsageToolResult(usageGuide string) (json.RawMessage, error) {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: usageGuide},
		},
	}
	return json.Marshal(result)
}
