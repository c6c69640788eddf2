package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/notfolder/mcpo-bridge/internal/adapter"
	"github.com/notfolder/mcpo-bridge/internal/workspace"
)

// catSpawner starts the real "cat" command as a stand-in MCP subprocess,
// the same trick internal/adapter's own tests use: it echoes whatever is
// written to stdin back to stdout, which is enough to drive Start/Call/Close
// without a bespoke helper binary.
func catSpawner(ctx context.Context, serverName, workdir string) (*adapter.Adapter, error) {
	a := adapter.New(adapter.Spec{Name: serverName, Command: "cat"}, nil)
	if err := a.Start(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func failSpawner(ctx context.Context, serverName, workdir string) (*adapter.Adapter, error) {
	return nil, errors.New("spawn failed")
}

// slowSpawner widens the window between reserving a placeholder slot and
// populating it, so a concurrent second Acquire reliably observes the
// not-yet-ready placeholder rather than a fully spawned session.
func slowSpawner(ctx context.Context, serverName, workdir string) (*adapter.Adapter, error) {
	time.Sleep(20 * time.Millisecond)
	return catSpawner(ctx, serverName, workdir)
}

func newTestRegistry(t *testing.T, spawn Spawner, maxTotal int) *Registry {
	t.Helper()
	jobs, err := workspace.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return New(jobs, spawn, maxTotal)
}

func TestAcquireCreatesAndReusesSession(t *testing.T) {
	r := newTestRegistry(t, catSpawner, 0)
	t.Cleanup(r.Close)

	s1, err := r.Acquire(context.Background(), "srv", "chat-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if s1.Adapter == nil || s1.Workspace == nil {
		t.Fatal("expected spawned adapter and workspace")
	}

	s2, err := r.Acquire(context.Background(), "srv", "chat-1")
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if s1 != s2 {
		t.Error("expected the same session for the same (server, session_key)")
	}
}

func TestAcquireDistinctKeysGetDistinctSessions(t *testing.T) {
	r := newTestRegistry(t, catSpawner, 0)
	t.Cleanup(r.Close)

	a, err := r.Acquire(context.Background(), "srv", "chat-1")
	if err != nil {
		t.Fatalf("Acquire chat-1: %v", err)
	}
	b, err := r.Acquire(context.Background(), "srv", "chat-2")
	if err != nil {
		t.Fatalf("Acquire chat-2: %v", err)
	}
	if a == b {
		t.Error("expected distinct sessions for distinct session keys")
	}
	if r.Count() != 2 {
		t.Errorf("Count() = %d, want 2", r.Count())
	}
}

func TestAcquireRespectsGlobalCap(t *testing.T) {
	r := newTestRegistry(t, catSpawner, 1)
	t.Cleanup(r.Close)

	if _, err := r.Acquire(context.Background(), "srv", "chat-1"); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if _, err := r.Acquire(context.Background(), "srv", "chat-2"); err == nil {
		t.Error("expected the second Acquire to fail once the global cap is reached")
	}
}

func TestAcquireSpawnFailureDoesNotLeakPlaceholder(t *testing.T) {
	r := newTestRegistry(t, failSpawner, 0)
	t.Cleanup(r.Close)

	if _, err := r.Acquire(context.Background(), "srv", "chat-1"); err == nil {
		t.Fatal("expected spawn failure to propagate")
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d after failed spawn, want 0", r.Count())
	}

	// A subsequent Acquire for the same key must be free to retry, not
	// blocked by a leftover reserved slot.
	if _, err := r.Acquire(context.Background(), "srv", "chat-1"); err == nil {
		t.Fatal("expected the retry to also fail with the same spawner")
	}
}

func TestConcurrentAcquireForUnreadyKeyWaitsInsteadOfPanicking(t *testing.T) {
	r := newTestRegistry(t, slowSpawner, 0)
	t.Cleanup(r.Close)

	const callers = 8
	sessions := make([]*Session, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = r.Acquire(context.Background(), "srv", "chat-1")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Acquire[%d]: %v", i, err)
		}
		if sessions[i] == nil || sessions[i].Adapter == nil || sessions[i].Workspace == nil {
			t.Fatalf("Acquire[%d] returned a session with a nil Adapter/Workspace", i)
		}
		if sessions[i] != sessions[0] {
			t.Errorf("Acquire[%d] returned a different session than Acquire[0]", i)
		}
	}
}

func TestReapRemovesOnlyIdleSessions(t *testing.T) {
	r := newTestRegistry(t, catSpawner, 0)
	t.Cleanup(r.Close)

	sess, err := r.Acquire(context.Background(), "srv", "chat-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	reclaimed := r.Reap(time.Now(), func(string) time.Duration { return time.Hour })
	if len(reclaimed) != 0 {
		t.Errorf("expected nothing reaped while within idle timeout, got %v", reclaimed)
	}

	future := time.Now().Add(2 * time.Hour)
	reclaimed = r.Reap(future, func(string) time.Duration { return time.Hour })
	if len(reclaimed) != 1 || reclaimed[0] != sess.Workspace.ID {
		t.Errorf("Reap = %v, want [%s]", reclaimed, sess.Workspace.ID)
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d after reap, want 0", r.Count())
	}
}

func TestReapSkipsInFlightSessions(t *testing.T) {
	r := newTestRegistry(t, catSpawner, 0)
	t.Cleanup(r.Close)

	sess, err := r.Acquire(context.Background(), "srv", "chat-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	sess.Lock()
	defer sess.Unlock()

	future := time.Now().Add(2 * time.Hour)
	reclaimed := r.Reap(future, func(string) time.Duration { return time.Hour })
	if len(reclaimed) != 0 {
		t.Errorf("expected an in-flight session to survive Reap, got %v reclaimed", reclaimed)
	}
}
