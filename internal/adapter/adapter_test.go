package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/notfolder/mcpo-bridge/internal/bridgeerr"
)

// The fake MCP subprocess here is the real "cat" command: since it echoes
// every request line straight back to stdout, and our Response decoding
// only inspects the "id"/"result"/"error" members, an echoed request (which
// carries no "result" or "error") decodes as a successful empty-result
// response bearing the original id. That is enough to drive the adapter's
// real id-correlation and handshake logic end to end without a bespoke
// helper binary.

func newCatAdapter(t *testing.T) *Adapter {
	t.Helper()
	a := New(Spec{Name: "cat-test", Command: "cat"}, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAdapterStartReachesReady(t *testing.T) {
	a := newCatAdapter(t)
	if got := a.State(); got != StateReady {
		t.Errorf("State() = %v, want Ready", got)
	}
}

func TestAdapterCallRoundTrip(t *testing.T) {
	a := newCatAdapter(t)

	_, err := a.Call(context.Background(), "tools/list", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
}

func TestAdapterConcurrentCalls(t *testing.T) {
	a := newCatAdapter(t)

	const n = 10
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			params, _ := json.Marshal(map[string]any{"i": i})
			_, err := a.Call(context.Background(), "noop", params, 5*time.Second)
			errs <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Errorf("concurrent call %d failed: %v", i, err)
		}
	}
}

// newStuckAdapter builds an Adapter whose stdin/stdout never produce a
// response, to exercise the timeout and termination paths without waiting
// out a real subprocess handshake deadline.
func newStuckAdapter(t *testing.T) *Adapter {
	t.Helper()
	a := New(Spec{Name: "stuck-test"}, nil)

	stdinR, stdinW := io.Pipe()
	stdoutR, _ := io.Pipe() // nothing ever written; reads block until closed
	t.Cleanup(func() { stdinR.Close(); stdinW.Close(); stdoutR.Close() })

	a.stdin = stdinW
	a.stdoutR = bufio.NewReader(stdoutR)
	a.readerDone = make(chan struct{})
	a.state = StateReady
	go io.Copy(io.Discard, stdinR) // drain writes so Call's write doesn't block

	return a
}

func TestAdapterCallTimeout(t *testing.T) {
	a := newStuckAdapter(t)

	_, err := a.Call(context.Background(), "noop", nil, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	be, ok := bridgeerr.As(err)
	if !ok || be.Kind != bridgeerr.Timeout {
		t.Errorf("error = %v, want Timeout", err)
	}
}

func TestAdapterCloseTerminatesPendingWaiters(t *testing.T) {
	a := newStuckAdapter(t)

	waiter := make(chan *callResult, 1)
	a.mu.Lock()
	a.pending[1] = waiter
	a.mu.Unlock()

	a.terminate("test")

	select {
	case res := <-waiter:
		if res.err == nil {
			t.Error("expected pending waiter to fail on terminate")
		}
	default:
		t.Error("expected pending waiter to be signalled")
	}

	if a.State() != StateDead {
		t.Errorf("State() = %v, want Dead", a.State())
	}
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/root"}
	merged := mergeEnv(base, map[string]string{"HOME": "/workspace/abc", "EXTRA": "1"})

	found := map[string]string{}
	for _, kv := range merged {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				found[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	if found["HOME"] != "/workspace/abc" {
		t.Errorf("HOME override not applied: %v", found["HOME"])
	}
	if found["PATH"] != "/usr/bin" {
		t.Errorf("PATH should be preserved: %v", found["PATH"])
	}
	if found["EXTRA"] != "1" {
		t.Errorf("EXTRA not added: %v", found["EXTRA"])
	}
}
