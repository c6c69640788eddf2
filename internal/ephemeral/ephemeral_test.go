package ephemeral

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/notfolder/mcpo-bridge/internal/adapter"
	"github.com/notfolder/mcpo-bridge/internal/workspace"
)

func catSpawner(ctx context.Context, serverName, workdir string) (*adapter.Adapter, error) {
	a := adapter.New(adapter.Spec{Name: serverName, Command: "cat"}, nil)
	if err := a.Start(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func TestCallRoundTripTearsDownAdapter(t *testing.T) {
	jobs, err := workspace.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	e := New(jobs, catSpawner)

	res, err := e.Call(context.Background(), "srv", "tools/list", nil, nil, "http://localhost:8080", 5*time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Workspace == nil {
		t.Fatal("expected a workspace to be created")
	}

	// The adapter is torn down before Call returns; a fresh call against the
	// same workspace id is not possible since the workspace is left for the
	// collector, but the returned workspace directory itself must still
	// exist.
	if _, err := os.Stat(res.Workspace.Path); err != nil {
		t.Errorf("Stat(%s): %v", res.Workspace.Path, err)
	}
}

func TestCallPathEscapeNeverReachesSpawn(t *testing.T) {
	jobs, err := workspace.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	spawnCalled := false
	spawn := func(ctx context.Context, serverName, workdir string) (*adapter.Adapter, error) {
		spawnCalled = true
		return catSpawner(ctx, serverName, workdir)
	}
	e := New(jobs, spawn)

	params, _ := json.Marshal(map[string]any{"path": "../../etc/passwd"})
	_, err = e.Call(context.Background(), "srv", "tools/call", params, []string{"path"}, "http://localhost:8080", 5*time.Second)
	if err == nil {
		t.Fatal("expected a PathEscape error")
	}
	if spawnCalled {
		t.Error("expected path rewriting to fail before the adapter was ever spawned")
	}
}

func TestCallSpawnFailurePropagates(t *testing.T) {
	jobs, err := workspace.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	spawn := func(ctx context.Context, serverName, workdir string) (*adapter.Adapter, error) {
		return nil, errors.New("boom")
	}
	e := New(jobs, spawn)

	res, err := e.Call(context.Background(), "srv", "tools/list", nil, nil, "http://localhost:8080", 5*time.Second)
	if err == nil {
		t.Fatal("expected spawn failure to propagate")
	}
	if res == nil || res.Workspace == nil {
		t.Fatal("expected the workspace to still be reported so the caller can see what was allocated")
	}
}
