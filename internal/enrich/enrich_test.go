package enrich

import (
	"encoding/json"
	"testing"
)

func TestIsToolsShaped(t *testing.T) {
	cases := []struct {
		name string
		body string
		want bool
	}{
		{"tools array", `{"tools":[{"name":"a"}]}`, true},
		{"empty tools array", `{"tools":[]}`, true},
		{"tools not an array", `{"tools":"nope"}`, false},
		{"no tools field", `{"result":[]}`, false},
		{"empty body", ``, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsToolsShaped(json.RawMessage(c.body)); got != c.want {
				t.Errorf("IsToolsShaped(%s) = %v, want %v", c.body, got, c.want)
			}
		})
	}
}

func TestEnrichAppendsSyntheticTool(t *testing.T) {
	result := json.RawMessage(`{"tools":[{"name":"existing"}]}`)
	out, err := Enrich(result, "how to use this server")
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}

	var decoded struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode enriched result: %v", err)
	}
	if len(decoded.Tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(decoded.Tools))
	}
	if decoded.Tools[0].Name != "existing" {
		t.Errorf("existing tool dropped or reordered: %+v", decoded.Tools)
	}
	if decoded.Tools[1].Name != ToolName {
		t.Errorf("Tools[1].Name = %q, want %q", decoded.Tools[1].Name, ToolName)
	}
}

func TestIsUsageToolCall(t *testing.T) {
	yes, _ := json.Marshal(map[string]string{"name": ToolName})
	no, _ := json.Marshal(map[string]string{"name": "some_other_tool"})

	if !IsUsageToolCall(yes) {
		t.Error("expected a call naming the usage tool to be recognised")
	}
	if IsUsageToolCall(no) {
		t.Error("expected a call naming a different tool to be rejected")
	}
	if IsUsageToolCall(json.RawMessage(`not json`)) {
		t.Error("expected malformed params to be rejected, not panic")
	}
}

func TestUsageToolResultCarriesGuideVerbatim(t *testing.T) {
	out, err := UsageToolResult("read this first")
	if err != nil {
		t.Fatalf("UsageToolResult: %v", err)
	}

	var decoded struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode usage result: %v", err)
	}
	if len(decoded.Content) != 1 || decoded.Content[0].Text != "read this first" {
		t.Errorf("Content = %+v, want a single block with the guide text", decoded.Content)
	}
}
