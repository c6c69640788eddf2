// Package pathresolve rewrites file-path-shaped request and response fields
// between the caller's view and a session's workspace directory.
//
// Deliberately a generic JSON tree walk (map[string]any / []any) with
// explicit visit rules, not reflection over arbitrary Go structs, so any
// request or response shape can be handled by naming its path fields in
// the catalog rather than writing a new struct per server. Containment
// checks reuse the same rules as internal/validation.
package pathresolve

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/notfolder/mcpo-bridge/internal/bridgeerr"
	"github.com/notfolder/mcpo-bridge/internal/ledger"
	"github.com/notfolder/mcpo-bridge/internal/logger"
	"github.com/notfolder/mcpo-bridge/internal/validation"
)

// Resolver rewrites paths for one workspace.
type Resolver struct {
	WorkspaceID   string
	WorkspacePath string
	BaseURL       string

	ledger *ledger.Store // optional; nil disables download-issuance recording
}

// New constructs a Resolver bound to a workspace.
func New(workspaceID, workspacePath, baseURL string) *Resolver {
	return &Resolver{WorkspaceID: workspaceID, WorkspacePath: workspacePath, BaseURL: baseURL}
}

// WithLedger attaches the expiry/download ledger so every download URL this
// Resolver issues in RewriteOutbound is also recorded for audit. Returns the
// Resolver for chaining; a nil ledger is a no-op.
func (r *Resolver) WithLedger(led *ledger.Store) *Resolver {
	r.ledger = led
	return r
}

// ResolveInbound walks params, rewriting every string value at a field name
// in resolveFields per the resolver's three rules (basename → workspace
// join, already-workspace-absolute → unchanged, anything else → PathEscape).
func (r *Resolver) ResolveInbound(params json.RawMessage, resolveFields []string) (json.RawMessage, error) {
	if len(params) == 0 || len(resolveFields) == 0 {
		return params, nil
	}

	fieldSet := toSet(resolveFields)

	var tree any
	if err := json.Unmarshal(params, &tree); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.ParseError, "invalid params", err)
	}

	rewritten, err := r.walkInbound(tree, fieldSet)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(rewritten)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.ParseError, "re-encode params", err)
	}
	return out, nil
}

func (r *Resolver) walkInbound(node any, fieldSet map[string]bool) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			if fieldSet[key] {
				if s, ok := val.(string); ok {
					rewritten, err := r.rewriteInboundValue(s)
					if err != nil {
						return nil, err
					}
					out[key] = rewritten
					continue
				}
			}
			child, err := r.walkInbound(val, fieldSet)
			if err != nil {
				return nil, err
			}
			out[key] = child
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			child, err := r.walkInbound(val, fieldSet)
			if err != nil {
				return nil, err
			}
			out[i] = child
		}
		return out, nil
	default:
		return node, nil
	}
}

// rewriteInboundValue applies the three inbound rules to a single string.
func (r *Resolver) rewriteInboundValue(value string) (string, error) {
	if validation.IsBasename(value) && !validation.ContainsDotDot(value) {
		return filepath.Join(r.WorkspacePath, value), nil
	}

	if filepath.IsAbs(value) {
		clean := filepath.Clean(value)
		workspaceClean := filepath.Clean(r.WorkspacePath)
		if clean == workspaceClean || strings.HasPrefix(clean, workspaceClean+string(filepath.Separator)) {
			return value, nil
		}
		return "", bridgeerr.New(bridgeerr.PathEscape, fmt.Sprintf("path escapes workspace: %s", value))
	}

	// Relative, multi-segment, and not already workspace-rooted: either it
	// contains ".." (definite escape) or it is some other relative path we
	// do not have a rule for — both are rejected by the catch-all: anything
	// that isn't a plain basename or already workspace-rooted escapes.
	return "", bridgeerr.New(bridgeerr.PathEscape, fmt.Sprintf("path escapes workspace: %s", value))
}

// SubstituteWorkdir expands the {WORKDIR} token in env var values.
func (r *Resolver) SubstituteWorkdir(env map[string]string) map[string]string {
	if len(env) == 0 {
		return env
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = strings.ReplaceAll(v, "{WORKDIR}", r.WorkspacePath)
	}
	return out
}

// RewriteOutbound walks result, and for every string value at a field name
// in fileFields pointing to an existing file inside the workspace, adds a
// sibling "{field}_download_url" field and, for text content blocks that
// announce the same file, appends a Markdown download link.
func (r *Resolver) RewriteOutbound(result json.RawMessage, fileFields []string) (json.RawMessage, error) {
	if len(result) == 0 || len(fileFields) == 0 {
		return result, nil
	}

	fieldSet := toSet(fileFields)

	var tree any
	if err := json.Unmarshal(result, &tree); err != nil {
		// Not our job to fail an otherwise-valid upstream response; return
		// it unmodified if it doesn't even parse as JSON (callers already
		// validated outer envelope shape).
		return result, nil
	}

	announced := map[string]string{} // path as written in the field -> download URL, for the text-block pass
	rewritten := r.walkOutbound(tree, fieldSet, announced)
	rewritten = r.annotateTextBlocks(rewritten, announced)

	out, err := json.Marshal(rewritten)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.ParseError, "re-encode result", err)
	}
	return out, nil
}

func (r *Resolver) walkOutbound(node any, fieldSet map[string]bool, announced map[string]string) any {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			out[key] = r.walkOutbound(val, fieldSet, announced)
			if fieldSet[key] {
				if s, ok := val.(string); ok {
					if url, ok := r.downloadURLFor(s); ok {
						out[key+"_download_url"] = url
						announced[s] = url
					}
				}
			}
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = r.walkOutbound(val, fieldSet, announced)
		}
		return out
	default:
		return node
	}
}

// downloadURLFor returns the download URL for path if it refers to an
// existing file inside the workspace.
func (r *Resolver) downloadURLFor(path string) (string, bool) {
	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Join(r.WorkspacePath, path)
	}

	workspaceClean := filepath.Clean(r.WorkspacePath)
	if abs != workspaceClean && !strings.HasPrefix(abs, workspaceClean+string(filepath.Separator)) {
		return "", false
	}

	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return "", false
	}

	basename := filepath.Base(abs)
	url := fmt.Sprintf("%s/files/%s/%s", strings.TrimRight(r.BaseURL, "/"), r.WorkspaceID, basename)

	if r.ledger != nil {
		if err := r.ledger.RecordDownload(r.WorkspaceID, basename, url); err != nil {
			logger.Slog().Warn("pathresolve: failed to record download in ledger", "workspace_id", r.WorkspaceID, "basename", basename, "error", err)
		}
	}

	return url, true
}

// annotateTextBlocks appends a "📎 basename: [basename](url)" Markdown link
// to any text content block whose body announces one of the files in
// announced, per a narrowly-scoped heuristic: the
// basename followed or preceded by "saved" (case-insensitive), or the path
// exactly as written in the file-path field.
func (r *Resolver) annotateTextBlocks(node any, announced map[string]string) any {
	if len(announced) == 0 {
		return node
	}

	switch v := node.(type) {
	case map[string]any:
		if typ, ok := v["type"].(string); ok && typ == "text" {
			if text, ok := v["text"].(string); ok {
				if appended, changed := appendDownloadLinks(text, announced); changed {
					out := make(map[string]any, len(v))
					for k, val := range v {
						out[k] = val
					}
					out["text"] = appended
					return out
				}
			}
		}
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = r.annotateTextBlocks(val, announced)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = r.annotateTextBlocks(val, announced)
		}
		return out
	default:
		return node
	}
}

func appendDownloadLinks(text string, announced map[string]string) (string, bool) {
	changed := false
	lowerText := strings.ToLower(text)
	for path, url := range announced {
		basename := filepath.Base(path)
		announcesSave := strings.Contains(lowerText, strings.ToLower(basename)+" saved") ||
			strings.Contains(lowerText, "saved "+strings.ToLower(basename))
		announcesPath := strings.Contains(text, path)
		if !announcesSave && !announcesPath {
			continue
		}
		link := fmt.Sprintf("\n📎 %s: [%s](%s)", basename, basename, url)
		if strings.Contains(text, link) {
			continue
		}
		text += link
		changed = true
	}
	return text, changed
}

func toSet(fields []string) map[string]bool {
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}
