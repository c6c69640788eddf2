// Package adapter owns a single MCP subprocess and exposes one operation,
// Call, safe to invoke concurrently.
//
// The process-spawn, handshake-racing, and graceful-then-forceful shutdown
// sequence follows the usual stdio worker pattern for child MCP servers.
// The concurrent-call multiplexing (pending map[id]chan, register-before-
// send, a single reader goroutine that looks the waiter up by id and
// completes it) is the standard approach for a JSON-RPC client sharing one
// connection across concurrent callers, combined here with the spawn/
// shutdown sequence so Call stays safe to invoke concurrently while stdin
// writes stay serialized.
package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/notfolder/mcpo-bridge/internal/bridgeerr"
	"github.com/notfolder/mcpo-bridge/internal/container"
	"github.com/notfolder/mcpo-bridge/internal/logger"
	"github.com/notfolder/mcpo-bridge/internal/metrics"
	"github.com/notfolder/mcpo-bridge/internal/rpc"
)

// State is one of the adapter's lifecycle states. Transitions are monotone
// except Dead, which is absorbing.
type State int

const (
	StateStarting State = iota
	StateReady
	StateTerminating
	StateDead
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateTerminating:
		return "terminating"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

const (
	gracefulShutdownGrace = 2 * time.Second
	deathRatioWindow      = 20 // recent calls considered for the death-ratio check
)

// Spec is the subset of a server's configuration an adapter needs to spawn
// its subprocess; kept narrow so this package does not import internal/config
// directly and can be unit tested with a literal.
type Spec struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string // already {WORKDIR}-substituted by the caller

	// Container, when non-nil, runs the server inside a container instead
	// of exec'ing Command on the host
	// (the runtime=container server option). Command and Args are not passed
	// to the container; the image's own entrypoint runs as the server.
	Container *ContainerSpec
}

// ContainerSpec is the subset of a server's container configuration an
// adapter needs to start its sandboxed subprocess.
type ContainerSpec struct {
	Runtime          container.Runtime
	Image            string
	HostWorkdir      string
	ContainerWorkdir string
}

// Adapter owns one subprocess, whether a host process or a container.
type Adapter struct {
	spec Spec
	sem  *semaphore.Weighted

	cmd     *exec.Cmd // nil in container mode
	proc    *container.Process // nil in host-process mode
	stdin   io.WriteCloser
	stdoutR *bufio.Reader

	writeMu sync.Mutex // serializes stdin writes

	mu      sync.Mutex
	state   State
	pending map[int64]chan *callResult
	nextID  int64

	recentMu sync.Mutex
	recent   []bool // true = timed out, for the death-ratio window

	readerDone chan struct{}
	onDead     func(reason string)
}

type callResult struct {
	result     json.RawMessage
	err        *rpc.Error
	terminated bool // set by terminate; Call reports AdapterTerminated
}

// New constructs an Adapter. It does not spawn the subprocess; call Start.
func New(spec Spec, sem *semaphore.Weighted) *Adapter {
	return &Adapter{
		spec:    spec,
		sem:     sem,
		state:   StateStarting,
		pending: make(map[int64]chan *callResult),
	}
}

// OnDead registers a callback invoked (at most once) when the adapter
// transitions to Dead, so a registry can remove its entry.
func (a *Adapter) OnDead(fn func(reason string)) {
	a.onDead = fn
}

// State returns the adapter's current lifecycle state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start spawns the subprocess (or container, when Spec.Container is set),
// wires its stdio, and performs the readiness handshake (an `initialize`
// call, per MCP convention, doubling as the readiness probe).
func (a *Adapter) Start(ctx context.Context) error {
	var stdin io.WriteCloser
	var stdout, stderr io.Reader

	if a.spec.Container != nil {
		proc, err := a.startContainer(ctx)
		if err != nil {
			metrics.RecordAdapterSpawn(a.spec.Name, "failed")
			return bridgeerr.Wrap(bridgeerr.AdapterSpawnFailed, "start container", err)
		}
		a.proc = proc
		stdin, stdout, stderr = proc.Stdin, proc.Stdout, proc.Stderr
	} else {
		cmd := exec.CommandContext(ctx, a.spec.Command, a.spec.Args...)
		cmd.Env = mergeEnv(os.Environ(), a.spec.Env)

		var err error
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return bridgeerr.Wrap(bridgeerr.AdapterSpawnFailed, "stdin pipe", err)
		}
		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			return bridgeerr.Wrap(bridgeerr.AdapterSpawnFailed, "stdout pipe", err)
		}
		stderrPipe, err := cmd.StderrPipe()
		if err != nil {
			return bridgeerr.Wrap(bridgeerr.AdapterSpawnFailed, "stderr pipe", err)
		}
		stdout, stderr = stdoutPipe, stderrPipe

		if err := cmd.Start(); err != nil {
			metrics.RecordAdapterSpawn(a.spec.Name, "failed")
			return bridgeerr.Wrap(bridgeerr.AdapterSpawnFailed, "start subprocess", err)
		}
		a.cmd = cmd
	}

	a.stdin = stdin
	a.stdoutR = bufio.NewReader(stdout)
	a.readerDone = make(chan struct{})

	go a.sinkStderr(stderr)
	go a.readLoop()

	metrics.RecordAdapterSpawn(a.spec.Name, "ok")

	if _, err := a.Call(ctx, "initialize", json.RawMessage(`{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"mcpo-bridge","version":"0.1.0"}}`), 30*time.Second); err != nil {
		a.terminate("handshake failed")
		return bridgeerr.Wrap(bridgeerr.AdapterSpawnFailed, "initialize handshake", err)
	}
	a.sendNotification("notifications/initialized", nil)

	a.mu.Lock()
	if a.state == StateStarting {
		a.state = StateReady
	}
	a.mu.Unlock()

	return nil
}

// startContainer asks Spec.Container.Runtime to start and attach to a
// container standing in for the subprocess.
func (a *Adapter) startContainer(ctx context.Context) (*container.Process, error) {
	c := a.spec.Container
	return c.Runtime.StartStdioContainer(ctx, container.StartConfig{
		Name:             "mcpo-bridge-" + a.spec.Name + "-" + fmt.Sprintf("%d", time.Now().UnixNano()),
		Image:            c.Image,
		Env:              a.spec.Env,
		HostWorkdir:      c.HostWorkdir,
		ContainerWorkdir: c.ContainerWorkdir,
	})
}

// Call issues one JSON-RPC request and awaits its matching response, safe
// to invoke concurrently with other Call invocations on the same adapter.
func (a *Adapter) Call(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if a.sem != nil {
		if err := a.sem.Acquire(ctx, 1); err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.Timeout, "waiting for call slot", err)
		}
		defer a.sem.Release(1)
	}

	a.mu.Lock()
	if a.state == StateDead {
		a.mu.Unlock()
		return nil, bridgeerr.New(bridgeerr.AdapterTerminated, "adapter is dead")
	}
	id := a.nextID
	a.nextID++
	waiter := make(chan *callResult, 1)
	a.pending[id] = waiter
	a.mu.Unlock()

	idRaw, _ := json.Marshal(id)
	req := rpc.Request{JSONRPC: "2.0", ID: idRaw, Method: method, Params: params}

	start := time.Now()
	if err := a.writeLine(req); err != nil {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		a.terminate("write error: " + err.Error())
		return nil, bridgeerr.Wrap(bridgeerr.AdapterTerminated, "write request", err)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case res := <-waiter:
		a.recordOutcome(false)
		metrics.RecordCall(a.spec.Name, method, callStatus(res), time.Since(start).Seconds())
		if res.terminated {
			return nil, bridgeerr.New(bridgeerr.AdapterTerminated, res.err.Message)
		}
		if res.err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.UpstreamError, res.err.Message, res.err)
		}
		return res.result, nil
	case <-callCtx.Done():
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		a.recordOutcome(true)
		metrics.RecordCall(a.spec.Name, method, "timeout", time.Since(start).Seconds())
		a.checkDeathRatio()
		return nil, bridgeerr.New(bridgeerr.Timeout, fmt.Sprintf("call to %s timed out", method))
	case <-a.readerDone:
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return nil, bridgeerr.New(bridgeerr.AdapterTerminated, "adapter terminated during call")
	}
}

func callStatus(res *callResult) string {
	if res.err != nil {
		return "upstream_error"
	}
	return "ok"
}

// recordOutcome appends to the death-ratio ring buffer.
func (a *Adapter) recordOutcome(timedOut bool) {
	a.recentMu.Lock()
	defer a.recentMu.Unlock()
	a.recent = append(a.recent, timedOut)
	if len(a.recent) > deathRatioWindow {
		a.recent = a.recent[len(a.recent)-deathRatioWindow:]
	}
}

// checkDeathRatio tears the adapter down if at least 4 calls are recorded in
// the window and more than half of them timed out.
func (a *Adapter) checkDeathRatio() {
	a.recentMu.Lock()
	total := len(a.recent)
	timeouts := 0
	for _, t := range a.recent {
		if t {
			timeouts++
		}
	}
	a.recentMu.Unlock()

	if total >= 4 && timeouts*2 > total {
		a.terminate("death ratio exceeded")
	}
}

func (a *Adapter) sendNotification(method string, params json.RawMessage) {
	req := rpc.Request{JSONRPC: "2.0", Method: method, Params: params}
	_ = a.writeLine(req)
}

func (a *Adapter) writeLine(req rpc.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, err = a.stdin.Write(data)
	return err
}

// readLoop is the adapter's single dedicated reader task.
func (a *Adapter) readLoop() {
	defer close(a.readerDone)
	defer func() {
		if p := recover(); p != nil {
			a.terminate(fmt.Sprintf("reader panic: %v", p))
		}
	}()

	for {
		line, err := a.stdoutR.ReadBytes('\n')
		if len(line) > 0 {
			a.dispatchLine(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				a.terminate("stdout EOF")
			} else {
				a.terminate("stdout read error: " + err.Error())
			}
			return
		}
	}
}

func (a *Adapter) dispatchLine(line []byte) {
	var resp rpc.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		logger.Slog().Warn("adapter: failed to parse subprocess line", "server", a.spec.Name, "error", err)
		return
	}

	if len(resp.ID) == 0 || string(resp.ID) == "null" {
		// Notification from the server; logged and discarded.
		logger.Slog().Debug("adapter: received notification", "server", a.spec.Name)
		return
	}

	var id int64
	if err := json.Unmarshal(resp.ID, &id); err != nil {
		logger.Slog().Warn("adapter: response id not a number, dropping", "server", a.spec.Name)
		return
	}

	a.mu.Lock()
	waiter, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	a.mu.Unlock()

	if !ok {
		logger.Slog().Warn("adapter: response for unknown id, dropping", "server", a.spec.Name, "id", id)
		return
	}

	waiter <- &callResult{result: resp.Result, err: resp.Error}
}

func (a *Adapter) sinkStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		logger.Slog().Debug("adapter: stderr", "server", a.spec.Name, "line", scanner.Text())
	}
}

// Close triggers explicit termination.
func (a *Adapter) Close() error {
	a.terminate("explicit close")
	return nil
}

// terminate drives the adapter through terminating -> dead exactly once,
// failing every pending waiter with AdapterTerminated.
func (a *Adapter) terminate(reason string) {
	a.mu.Lock()
	if a.state == StateDead {
		a.mu.Unlock()
		return
	}
	a.state = StateTerminating
	pending := a.pending
	a.pending = make(map[int64]chan *callResult)
	a.mu.Unlock()

	for _, waiter := range pending {
		waiter <- &callResult{err: &rpc.Error{Code: rpc.CodeInternalError, Message: "adapter terminated: " + reason}, terminated: true}
	}

	if a.stdin != nil {
		_ = a.stdin.Close()
	}

	switch {
	case a.cmd != nil && a.cmd.Process != nil:
		_ = a.cmd.Process.Signal(os.Interrupt)

		done := make(chan error, 1)
		go func() { done <- a.cmd.Wait() }()

		select {
		case <-done:
		case <-time.After(gracefulShutdownGrace):
			_ = a.cmd.Process.Kill()
			<-done
		}
	case a.proc != nil:
		stopCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownGrace+time.Second)
		_ = a.proc.Stop(stopCtx)
		cancel()
	}

	a.mu.Lock()
	a.state = StateDead
	a.mu.Unlock()

	metrics.RecordAdapterDeath(a.spec.Name, reason)
	if a.onDead != nil {
		a.onDead(reason)
	}
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for k := range overrides {
		seen[k] = true
	}
	for _, kv := range base {
		k := kv
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			k = kv[:idx]
		}
		if seen[k] {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}
