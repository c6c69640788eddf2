// Package dispatch implements the Request Dispatcher: the
// top-level entry point that classifies a request, routes it to the
// ephemeral or stateful path, applies path rewriting and enrichment, and
// returns a response carrying the caller's original JSON-RPC id.
package dispatch

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/notfolder/mcpo-bridge/internal/bridgeerr"
	"github.com/notfolder/mcpo-bridge/internal/config"
	"github.com/notfolder/mcpo-bridge/internal/enrich"
	"github.com/notfolder/mcpo-bridge/internal/ephemeral"
	"github.com/notfolder/mcpo-bridge/internal/ledger"
	"github.com/notfolder/mcpo-bridge/internal/logger"
	"github.com/notfolder/mcpo-bridge/internal/pathresolve"
	"github.com/notfolder/mcpo-bridge/internal/registry"
	"github.com/notfolder/mcpo-bridge/internal/rpc"
)

// Dispatcher is the bridge's top-level request handler: the HTTP surface
// owns one Dispatcher, which receives the registry, ephemeral executor, and
// catalog as explicit collaborators, not package-level state. The registry
// is also shared with the HTTP surface (for /health) and the garbage
// collector.
type Dispatcher struct {
	catalog   *config.Catalog
	registry  *registry.Registry
	ephemeral *ephemeral.Executor
	baseURL   string
	ledger    *ledger.Store // optional; nil disables download-issuance recording
}

// New constructs a Dispatcher.
func New(catalog *config.Catalog, reg *registry.Registry, eph *ephemeral.Executor, baseURL string) *Dispatcher {
	return &Dispatcher{catalog: catalog, registry: reg, ephemeral: eph, baseURL: baseURL}
}

// SetLedger wires the dispatcher to the expiry/download ledger so every
// download URL it issues in outbound path rewriting is also recorded for
// audit.
func (d *Dispatcher) SetLedger(led *ledger.Store) {
	d.ledger = led
}

// Dispatch is the dispatcher's public entry point. proto is "mcp" or
// "mcpo" (both identical internally; only the routing/tag differs). remoteAddr and headers feed session key derivation.
func (d *Dispatcher) Dispatch(ctx context.Context, proto, serverName string, body []byte, headers http.Header, remoteAddr string) (int, []byte) {
	spec := d.catalog.Lookup(serverName)
	if spec == nil {
		return httpErrorEnvelope(http.StatusNotFound, nil, bridgeerr.ServerUnknown, "unknown server: "+serverName)
	}

	var req rpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return httpErrorEnvelope(http.StatusBadRequest, nil, bridgeerr.ParseError, "malformed JSON-RPC request")
	}
	callerID := req.ID

	sessionKey := SessionKey(headers, remoteAddr)
	ctx = context.WithValue(ctx, logger.ContextKeyServer, serverName)
	ctx = context.WithValue(ctx, logger.ContextKeySessionKey, sessionKey)

	if req.Method == "tools/call" && enrich.IsUsageToolCall(req.Params) {
		result, err := enrich.UsageToolResult(spec.UsageGuide)
		if err != nil {
			return httpErrorEnvelope(http.StatusOK, callerID, bridgeerr.ParseError, "failed to build usage response")
		}
		return okEnvelope(callerID, result)
	}

	timeout := d.catalog.Settings.Timeout

	var workspacePath, workspaceID string
	var rawResult json.RawMessage
	var callErr error

	if spec.Mode == config.ModeStateful && d.catalog.Settings.StatefulEnabled {
		sess, err := d.registry.Acquire(ctx, serverName, sessionKey)
		if err != nil {
			return mapError(callerID, err)
		}
		sess.Lock()
		workspacePath = sess.Workspace.Path
		workspaceID = sess.Workspace.ID

		params, perr := d.rewriteInbound(serverName, workspaceID, workspacePath, spec, req.Params)
		if perr != nil {
			sess.Unlock()
			return mapError(callerID, perr)
		}

		rawResult, callErr = sess.Adapter.Call(ctx, req.Method, params, timeout)
		sess.Unlock()
	} else {
		res, err := d.ephemeral.Call(ctx, serverName, req.Method, req.Params, spec.ResolvePathFields, d.baseURL, timeout)
		if res != nil && res.Workspace != nil {
			workspacePath = res.Workspace.Path
			workspaceID = res.Workspace.ID
		}
		if err != nil {
			callErr = err
		} else {
			rawResult = res.Response
		}
	}

	if callErr != nil {
		return mapError(callerID, callErr)
	}

	if enrich.IsToolsShaped(rawResult) {
		enriched, err := enrich.Enrich(rawResult, spec.UsageGuide)
		if err == nil {
			rawResult = enriched
		}
	} else if workspacePath != "" {
		resolver := pathresolve.New(workspaceID, workspacePath, d.baseURL).WithLedger(d.ledger)
		if rewritten, err := resolver.RewriteOutbound(rawResult, spec.FilePathFields); err == nil {
			rawResult = rewritten
		}
	}

	return okEnvelope(callerID, rawResult)
}

// rewriteInbound resolves params against an already-known workspace (the
// stateful path, where the workspace predates this call).
func (d *Dispatcher) rewriteInbound(server, workspaceID, workspacePath string, spec *config.ServerSpec, params json.RawMessage) (json.RawMessage, error) {
	resolver := pathresolve.New(workspaceID, workspacePath, d.baseURL)
	return resolver.ResolveInbound(params, spec.ResolvePathFields)
}

func okEnvelope(id json.RawMessage, result json.RawMessage) (int, []byte) {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	resp := rpc.Response{JSONRPC: "2.0", ID: id, Result: result}
	data, _ := json.Marshal(resp)
	return http.StatusOK, data
}

func httpErrorEnvelope(status int, id json.RawMessage, kind bridgeerr.Kind, message string) (int, []byte) {
	body := map[string]any{"error": kind, "message": message}
	if id != nil {
		body["id"] = json.RawMessage(id)
	}
	data, _ := json.Marshal(body)
	return status, data
}

func mapError(id json.RawMessage, err error) (int, []byte) {
	be, ok := bridgeerr.As(err)
	if !ok {
		return httpErrorEnvelope(http.StatusOK, id, bridgeerr.UpstreamError, err.Error())
	}

	status := be.Kind.HTTPStatus()
	if status != 200 {
		return httpErrorEnvelope(status, id, be.Kind, be.Message)
	}

	code := rpc.CodeInternalError
	switch be.Kind {
	case bridgeerr.PathEscape:
		code = rpc.CodeInvalidParams
	case bridgeerr.Timeout:
		code = rpc.CodeInternalError
	}
	resp := rpc.Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpc.Error{Code: code, Message: string(be.Kind) + ": " + be.Message},
	}
	data, _ := json.Marshal(resp)
	return http.StatusOK, data
}
