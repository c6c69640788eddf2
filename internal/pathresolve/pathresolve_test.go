package pathresolve

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/notfolder/mcpo-bridge/internal/bridgeerr"
)

func TestResolveInboundBasename(t *testing.T) {
	ws := t.TempDir()
	r := New("job-1", ws, "http://base")

	params := json.RawMessage(`{"filepath":"out.txt"}`)
	out, err := r.ResolveInbound(params, []string{"filepath"})
	if err != nil {
		t.Fatalf("ResolveInbound: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := filepath.Join(ws, "out.txt")
	if got["filepath"] != want {
		t.Errorf("filepath = %v, want %v", got["filepath"], want)
	}
}

func TestResolveInboundEscapeRejected(t *testing.T) {
	ws := t.TempDir()
	r := New("job-1", ws, "http://base")

	params := json.RawMessage(`{"filepath":"../escape.txt"}`)
	_, err := r.ResolveInbound(params, []string{"filepath"})
	if err == nil {
		t.Fatal("expected PathEscape error")
	}
	be, ok := bridgeerr.As(err)
	if !ok || be.Kind != bridgeerr.PathEscape {
		t.Errorf("error = %v, want PathEscape kind", err)
	}
}

func TestResolveInboundAbsoluteOutsideRejected(t *testing.T) {
	ws := t.TempDir()
	r := New("job-1", ws, "http://base")

	params := json.RawMessage(`{"filepath":"/etc/passwd"}`)
	_, err := r.ResolveInbound(params, []string{"filepath"})
	if err == nil {
		t.Fatal("expected PathEscape error")
	}
}

func TestResolveInboundAbsoluteInsideWorkspaceUnchanged(t *testing.T) {
	ws := t.TempDir()
	r := New("job-1", ws, "http://base")

	inside := filepath.Join(ws, "nested", "out.txt")
	params, _ := json.Marshal(map[string]any{"filepath": inside})
	out, err := r.ResolveInbound(params, []string{"filepath"})
	if err != nil {
		t.Fatalf("ResolveInbound: %v", err)
	}
	var got map[string]any
	json.Unmarshal(out, &got)
	if got["filepath"] != inside {
		t.Errorf("filepath = %v, want unchanged %v", got["filepath"], inside)
	}
}

func TestResolveInboundNestedFields(t *testing.T) {
	ws := t.TempDir()
	r := New("job-1", ws, "http://base")

	params := json.RawMessage(`{"arguments":{"filepath":"a.txt"},"other":[{"filepath":"b.txt"}]}`)
	out, err := r.ResolveInbound(params, []string{"filepath"})
	if err != nil {
		t.Fatalf("ResolveInbound: %v", err)
	}

	var got map[string]any
	json.Unmarshal(out, &got)
	args := got["arguments"].(map[string]any)
	if args["filepath"] != filepath.Join(ws, "a.txt") {
		t.Errorf("nested filepath not rewritten: %v", args["filepath"])
	}
	other := got["other"].([]any)[0].(map[string]any)
	if other["filepath"] != filepath.Join(ws, "b.txt") {
		t.Errorf("array-nested filepath not rewritten: %v", other["filepath"])
	}
}

func TestRewriteOutboundAddsDownloadURL(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "out.pptx"), []byte("data"), 0o644); err != nil {
		t.Fatalf("write fixture file: %v", err)
	}
	r := New("job-1", ws, "http://base")

	result := json.RawMessage(`{"file_path":"out.pptx"}`)
	out, err := r.RewriteOutbound(result, []string{"file_path"})
	if err != nil {
		t.Fatalf("RewriteOutbound: %v", err)
	}

	var got map[string]any
	json.Unmarshal(out, &got)
	want := "http://base/files/job-1/out.pptx"
	if got["file_path_download_url"] != want {
		t.Errorf("file_path_download_url = %v, want %v", got["file_path_download_url"], want)
	}
}

func TestRewriteOutboundAnnotatesTextBlock(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "out.pptx"), []byte("data"), 0o644); err != nil {
		t.Fatalf("write fixture file: %v", err)
	}
	r := New("job-1", ws, "http://base")

	result := json.RawMessage(`{
		"file_path": "out.pptx",
		"content": [{"type":"text","text":"out.pptx saved successfully"}]
	}`)
	out, err := r.RewriteOutbound(result, []string{"file_path"})
	if err != nil {
		t.Fatalf("RewriteOutbound: %v", err)
	}

	var got map[string]any
	json.Unmarshal(out, &got)
	content := got["content"].([]any)[0].(map[string]any)
	text := content["text"].(string)
	if !containsAll(text, "📎", "out.pptx", "http://base/files/job-1/out.pptx") {
		t.Errorf("text block not annotated with download link: %q", text)
	}
}

func TestRewriteOutboundMissingFileNoAnnotation(t *testing.T) {
	ws := t.TempDir()
	r := New("job-1", ws, "http://base")

	result := json.RawMessage(`{"file_path":"missing.txt"}`)
	out, err := r.RewriteOutbound(result, []string{"file_path"})
	if err != nil {
		t.Fatalf("RewriteOutbound: %v", err)
	}
	var got map[string]any
	json.Unmarshal(out, &got)
	if _, ok := got["file_path_download_url"]; ok {
		t.Error("did not expect download url for nonexistent file")
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		found := false
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
