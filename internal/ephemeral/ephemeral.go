// Package ephemeral implements the Ephemeral Executor: for a
// mode=ephemeral server, spawn a fresh adapter and workspace, issue exactly
// one call, tear the adapter down, and leave the workspace for the garbage
// collector to reclaim once its expiry window passes.
package ephemeral

import (
	"context"
	"encoding/json"
	"time"

	"github.com/notfolder/mcpo-bridge/internal/adapter"
	"github.com/notfolder/mcpo-bridge/internal/audit"
	"github.com/notfolder/mcpo-bridge/internal/ledger"
	"github.com/notfolder/mcpo-bridge/internal/logger"
	"github.com/notfolder/mcpo-bridge/internal/pathresolve"
	"github.com/notfolder/mcpo-bridge/internal/workspace"
)

// Spawner mirrors registry.Spawner; duplicated here rather than imported so
// this package does not depend on internal/registry.
type Spawner func(ctx context.Context, serverName, workdir string) (*adapter.Adapter, error)

// Executor runs one-shot requests against ephemeral servers.
type Executor struct {
	jobs  *workspace.Manager
	spawn Spawner

	ledger  *ledger.Store // optional; nil disables expiry-deadline recording
	fileTTL time.Duration
}

// New constructs an Executor.
func New(jobs *workspace.Manager, spawn Spawner) *Executor {
	return &Executor{jobs: jobs, spawn: spawn}
}

// SetLedger wires the executor to the expiry-deadline ledger, mirroring
// registry.Registry.SetLedger: every workspace created by a subsequent Call
// is recorded with an expiry deadline of now+fileTTL.
func (e *Executor) SetLedger(led *ledger.Store, fileTTL time.Duration) {
	e.ledger = led
	e.fileTTL = fileTTL
}

func (e *Executor) recordWorkspace(ws *workspace.Workspace, server string) {
	if e.ledger == nil {
		return
	}
	if err := e.ledger.RecordWorkspace(ws.ID, server, "", time.Now().Add(e.fileTTL)); err != nil {
		logger.Slog().Warn("ephemeral: failed to record workspace in ledger", "workspace_id", ws.ID, "error", err)
	}
}

// Result carries the outcome of one ephemeral call plus the workspace it
// ran in, so the dispatcher can run outbound path rewriting against it
// before the workspace is handed to the GC.
type Result struct {
	Workspace *workspace.Workspace
	Response  json.RawMessage
}

// Call spawns a fresh adapter bound to a fresh workspace, issues method with
// params, and tears the adapter down before returning - regardless of
// whether the call succeeded. Inbound path rewriting happens here, against
// the freshly created workspace and before the adapter is even spawned, so
// a PathEscape in params never reaches a subprocess even for an ephemeral
// server whose workspace does not exist until this call.
func (e *Executor) Call(ctx context.Context, server, method string, params json.RawMessage, resolveFields []string, baseURL string, timeout time.Duration) (*Result, error) {
	ws, err := e.jobs.Create()
	if err != nil {
		return nil, err
	}
	audit.LogSuccess(audit.OpWorkspaceCreated, server, "")
	e.recordWorkspace(ws, server)

	resolver := pathresolve.New(ws.ID, ws.Path, baseURL)
	resolved, err := resolver.ResolveInbound(params, resolveFields)
	if err != nil {
		_ = e.jobs.Remove(ws.ID)
		return &Result{Workspace: ws}, err
	}

	a, err := e.spawn(ctx, server, ws.Path)
	if err != nil {
		_ = e.jobs.Remove(ws.ID)
		audit.LogFailure(audit.OpAdapterSpawned, server, "", err)
		return &Result{Workspace: ws}, err
	}
	audit.LogSuccess(audit.OpAdapterSpawned, server, "")
	defer func() { _ = a.Close() }()

	resp, err := a.Call(ctx, method, resolved, timeout)
	if err != nil {
		return &Result{Workspace: ws}, err
	}
	return &Result{Workspace: ws, Response: resp}, nil
}
