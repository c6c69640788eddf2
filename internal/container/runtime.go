// Package container abstracts the optional container execution mode
// (the runtime=container server option): instead of exec'ing the
// server's command directly on the host, the adapter starts a fresh
// container from the server's image, whose own entrypoint is the server,
// and attaches to its stdio, so the same
// newline-delimited JSON-RPC framing runs unmodified inside the sandbox.
//
// Shaped like a conventional container runtime interface (the
// Create/Start/Stop/Remove/Ping/Close family), narrowed to the one
// capability the adapter actually needs: a live stdio pipe to the
// container's PID 1, attached full duplex (Stdin/Stdout/Stderr all true)
// rather than exec-into-a-running-container: here the container process
// itself is the MCP server, not a command run inside an already-living
// sandbox.
package container

import (
	"context"
	"io"
)

// StartConfig describes the container an adapter wants to run as a
// subprocess stand-in.
type StartConfig struct {
	Name             string            // container name; caller guarantees uniqueness
	Image            string            // image reference, pulled on demand
	Env              map[string]string // already {WORKDIR}-substituted by the caller
	HostWorkdir      string            // workspace directory bind-mounted in
	ContainerWorkdir string            // mount point inside the container
}

// Process is a live handle to a container's stdio, shaped so
// internal/adapter can drive it exactly like an os/exec subprocess: write
// framed requests to Stdin, read framed responses from Stdout, and Stop it
// on teardown.
type Process struct {
	ID     string
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader

	stop func(ctx context.Context) error
	wait func() (int, error)
}

// NewProcess is exported so a Runtime implementation outside this package
// can still construct one; the zero value is not usable.
func NewProcess(id string, stdin io.WriteCloser, stdout, stderr io.Reader, stop func(context.Context) error, wait func() (int, error)) *Process {
	return &Process{ID: id, Stdin: stdin, Stdout: stdout, Stderr: stderr, stop: stop, wait: wait}
}

// Stop requests graceful shutdown (container stop, which sends SIGTERM and
// then SIGKILL after the engine's own grace period) followed by removal.
func (p *Process) Stop(ctx context.Context) error {
	if p.stop == nil {
		return nil
	}
	return p.stop(ctx)
}

// Wait blocks until the container has exited, returning its exit code.
func (p *Process) Wait() (int, error) {
	if p.wait == nil {
		return 0, nil
	}
	return p.wait()
}

// Runtime starts and tears down containers that stand in for a subprocess.
type Runtime interface {
	// Name identifies the runtime implementation, for logging.
	Name() string
	// Ping verifies the runtime's control plane is reachable.
	Ping(ctx context.Context) error
	// StartStdioContainer creates, starts, and attaches to a container
	// running cfg.Image as PID 1, returning a live stdio handle.
	StartStdioContainer(ctx context.Context, cfg StartConfig) (*Process, error)
	// Close releases the runtime's own resources (its API client).
	Close() error
}
