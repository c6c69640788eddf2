// Package registry implements the Stateful Session Registry:
// a map keyed by (server_name, session_key) onto a running adapter plus its
// workspace, enforcing per-server and global process caps and serializing
// calls within one session behind a per-session lock.
//
// A single map keyed on (server, session-key), a cap check
// on acquire, and a background idle-reap pass scoped to adapter ownership
// rather than streaming session state.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/notfolder/mcpo-bridge/internal/adapter"
	"github.com/notfolder/mcpo-bridge/internal/audit"
	"github.com/notfolder/mcpo-bridge/internal/bridgeerr"
	"github.com/notfolder/mcpo-bridge/internal/ledger"
	"github.com/notfolder/mcpo-bridge/internal/logger"
	"github.com/notfolder/mcpo-bridge/internal/metrics"
	"github.com/notfolder/mcpo-bridge/internal/workspace"
)

// Key identifies one stateful session slot.
type Key struct {
	Server     string
	SessionKey string
}

func (k Key) String() string { return k.Server + "|" + k.SessionKey }

// Spawner creates and starts a fresh adapter for a server, bound to the
// given workspace directory. Supplied by the caller (the dispatcher's
// wiring code) so this package does not need to import internal/config.
type Spawner func(ctx context.Context, serverName, workdir string) (*adapter.Adapter, error)

// Session is one stateful (server, session_key) slot.
type Session struct {
	Server        string
	SessionKey    string
	Workspace     *workspace.Workspace
	Adapter       *adapter.Adapter
	CreatedAt     time.Time
	lastActiveMu  sync.Mutex
	lastActive    time.Time
	inFlight      int
	callLock      sync.Mutex // serializes calls within this session

	// ready is closed once the slot's workspace/adapter are populated (or
	// spawning failed, with spawnErr set). A concurrent Acquire for the
	// same key that observes the placeholder before spawning finishes
	// waits on ready rather than returning a half-built Session.
	ready    chan struct{}
	spawnErr error
}

// LastActive returns the last-touched time, safe for concurrent reads.
func (s *Session) LastActive() time.Time {
	s.lastActiveMu.Lock()
	defer s.lastActiveMu.Unlock()
	return s.lastActive
}

// InFlight returns the current in-flight call count.
func (s *Session) InFlight() int {
	s.lastActiveMu.Lock()
	defer s.lastActiveMu.Unlock()
	return s.inFlight
}

func (s *Session) touch() {
	s.lastActiveMu.Lock()
	s.lastActive = time.Now()
	s.lastActiveMu.Unlock()
}

// Lock acquires the session's serialization lock, so the caller's subprocess
// call happens strictly after any earlier call on the same session
// completes, and marks the session active.
func (s *Session) Lock() {
	s.lastActiveMu.Lock()
	s.inFlight++
	s.lastActive = time.Now()
	s.lastActiveMu.Unlock()
	s.callLock.Lock()
}

// Unlock releases the serialization lock and touches last-activity again,
// updating on every request enter and exit.
func (s *Session) Unlock() {
	s.lastActiveMu.Lock()
	s.inFlight--
	s.lastActive = time.Now()
	s.lastActiveMu.Unlock()
	s.callLock.Unlock()
}

// Registry holds every live stateful session, keyed by (server, session_key).
type Registry struct {
	mu       sync.Mutex
	sessions map[Key]*Session

	maxTotal int
	jobs     *workspace.Manager
	spawn    Spawner

	ledger  *ledger.Store // optional; nil disables expiry-deadline recording
	fileTTL time.Duration
}

// New constructs a Registry. maxTotal is the global cap on concurrently
// live stateful sessions (the configured global process cap).
func New(jobs *workspace.Manager, spawn Spawner, maxTotal int) *Registry {
	return &Registry{
		sessions: make(map[Key]*Session),
		maxTotal: maxTotal,
		jobs:     jobs,
		spawn:    spawn,
	}
}

// SetLedger wires the registry to the expiry-deadline ledger: every
// workspace created by a subsequent Acquire is recorded with an expiry
// deadline of now+fileTTL, so the GC's filesystem sweep can recover it
// after a restart. Optional; a nil ledger leaves recording disabled.
func (r *Registry) SetLedger(led *ledger.Store, fileTTL time.Duration) {
	r.ledger = led
	r.fileTTL = fileTTL
}

func (r *Registry) recordWorkspace(ws *workspace.Workspace, server, sessionKey string) {
	if r.ledger == nil {
		return
	}
	if err := r.ledger.RecordWorkspace(ws.ID, server, sessionKey, time.Now().Add(r.fileTTL)); err != nil {
		logger.Slog().Warn("registry: failed to record workspace in ledger", "workspace_id", ws.ID, "error", err)
	}
}

// Acquire returns the session for (server, sessionKey), spawning a fresh
// adapter and workspace if none exists yet, per the registry's acquire
// steps. Since the map key already is the composite (server_name,
// session_key) tuple, and the configured max-per-session cap is 1 in
// the overwhelming common case, "one live entry per key" directly
// implements the cap; a max_per_session > 1 pool of interchangeable
// adapters behind one key is not implemented (see DESIGN.md).
func (r *Registry) Acquire(ctx context.Context, server, sessionKey string) (*Session, error) {
	key := Key{Server: server, SessionKey: sessionKey}

	r.mu.Lock()
	if sess, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		return r.awaitReady(ctx, sess)
	}
	if r.maxTotal > 0 && len(r.sessions) >= r.maxTotal {
		r.mu.Unlock()
		return nil, bridgeerr.New(bridgeerr.CapacityExceeded, "global stateful session limit reached")
	}
	// Reserve the slot under lock so two concurrent Acquire calls for the
	// same key cannot both pass the "absent" check and double-spawn; later
	// arrivals see this placeholder and block on its ready channel instead
	// of reading a nil Workspace/Adapter.
	placeholder := &Session{Server: server, SessionKey: sessionKey, CreatedAt: time.Now(), lastActive: time.Now(), ready: make(chan struct{})}
	r.sessions[key] = placeholder
	r.mu.Unlock()

	ws, err := r.jobs.Create()
	if err != nil {
		r.abandon(key)
		placeholder.spawnErr = bridgeerr.Wrap(bridgeerr.AdapterSpawnFailed, "create workspace", err)
		close(placeholder.ready)
		return nil, placeholder.spawnErr
	}
	audit.LogSuccess(audit.OpWorkspaceCreated, server, sessionKey)
	r.recordWorkspace(ws, server, sessionKey)

	a, err := r.spawn(ctx, server, ws.Path)
	if err != nil {
		_ = r.jobs.Remove(ws.ID)
		r.abandon(key)
		audit.LogFailure(audit.OpAdapterSpawned, server, sessionKey, err)
		placeholder.spawnErr = err
		close(placeholder.ready)
		return nil, err
	}
	audit.LogSuccess(audit.OpAdapterSpawned, server, sessionKey)

	placeholder.Workspace = ws
	placeholder.Adapter = a
	a.OnDead(func(reason string) {
		r.terminateOnDeath(key, reason)
	})

	metrics.RecordSessionDelta(server, 1)
	audit.LogSuccess(audit.OpSessionAcquired, server, sessionKey)
	close(placeholder.ready)
	return placeholder, nil
}

// awaitReady waits for an already-reserved slot to finish spawning (or
// fail), so a second concurrent Acquire for a key that is still starting
// never hands back a Session with a nil Workspace/Adapter.
func (r *Registry) awaitReady(ctx context.Context, sess *Session) (*Session, error) {
	select {
	case <-sess.ready:
	case <-ctx.Done():
		return nil, bridgeerr.Wrap(bridgeerr.Timeout, "waiting for session to become ready", ctx.Err())
	}
	if sess.spawnErr != nil {
		return nil, sess.spawnErr
	}
	sess.touch()
	return sess, nil
}

// abandon removes a reserved-but-never-completed placeholder entry.
func (r *Registry) abandon(key Key) {
	r.mu.Lock()
	delete(r.sessions, key)
	r.mu.Unlock()
}

// terminateOnDeath removes a session whose adapter died spontaneously
// (an adapter death callback); the next Acquire for the same key
// spawns anew.
func (r *Registry) terminateOnDeath(key Key, reason string) {
	r.mu.Lock()
	sess, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	metrics.RecordSessionDelta(sess.Server, -1)
	audit.LogFailure(audit.OpAdapterTerminated, sess.Server, sess.SessionKey, fmt.Errorf("%s", reason))
	logger.Slog().Warn("registry: session removed after adapter death", "server", sess.Server, "session_key", sess.SessionKey, "reason", reason)
}

// Reap removes every session idle longer than idleTimeout with no in-flight
// call, tearing down its adapter and scheduling its workspace for
// reclamation via the returned ids.
func (r *Registry) Reap(now time.Time, idleTimeout func(server string) time.Duration) []string {
	var toReclaim []string

	r.mu.Lock()
	var expired []*Session
	for key, sess := range r.sessions {
		if sess.Adapter == nil {
			continue // still starting
		}
		timeout := idleTimeout(sess.Server)
		if timeout <= 0 {
			continue
		}
		if now.Sub(sess.LastActive()) > timeout && sess.InFlight() == 0 {
			expired = append(expired, sess)
			delete(r.sessions, key)
		}
	}
	r.mu.Unlock()

	for _, sess := range expired {
		_ = sess.Adapter.Close()
		metrics.RecordSessionDelta(sess.Server, -1)
		metrics.RecordSessionReaped(sess.Server)
		audit.LogSuccess(audit.OpSessionReaped, sess.Server, sess.SessionKey)
		if sess.Workspace != nil {
			toReclaim = append(toReclaim, sess.Workspace.ID)
		}
	}
	return toReclaim
}

// Count returns the number of live sessions, for the /health endpoint's
// stateful_processes figure.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// LiveWorkspaceIDs returns the workspace id of every currently acquired
// session, so the GC's filesystem sweep can skip directories a live session
// still references even when their mtime looks stale. A session that is
// still starting is not listed until its adapter has spawned, since its
// Workspace field is set only then.
func (r *Registry) LiveWorkspaceIDs() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make(map[string]struct{}, len(r.sessions))
	for _, sess := range r.sessions {
		if sess.Workspace != nil {
			ids[sess.Workspace.ID] = struct{}{}
		}
	}
	return ids
}

// Close tears down every live session's adapter, for process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[Key]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		if sess.Adapter != nil {
			_ = sess.Adapter.Close()
		}
	}
}
