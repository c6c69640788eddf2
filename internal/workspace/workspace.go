// Package workspace allocates and reclaims the per-session working
// directories MCP subprocesses read and write files in.
//
// Follows a per-id directory-naming scheme: a single root, one freshly
// named subdirectory per owner, ensure-then-use, cleanup-on-teardown.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/notfolder/mcpo-bridge/internal/validation"
)

// Workspace is one per-session (or per-ephemeral-call) working directory.
type Workspace struct {
	ID        string
	Path      string
	CreatedAt time.Time
}

// Manager allocates workspaces under a single root directory.
type Manager struct {
	root string
}

// NewManager creates a Manager rooted at root, creating root if necessary.
func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve jobs root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create jobs root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the jobs root directory.
func (m *Manager) Root() string { return m.root }

// Create allocates a fresh workspace directory named by a new UUIDv4.
func (m *Manager) Create() (*Workspace, error) {
	id := uuid.New().String()
	dir := filepath.Join(m.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", id, err)
	}
	return &Workspace{ID: id, Path: dir, CreatedAt: time.Now()}, nil
}

// Lookup returns the workspace path for an existing id without creating
// anything, validating the id so callers never join an attacker-controlled
// string onto the root unchecked.
func (m *Manager) Lookup(id string) (string, error) {
	if err := validation.ValidateWorkspaceID(id); err != nil {
		return "", err
	}
	return filepath.Join(m.root, id), nil
}

// Remove deletes a workspace directory and everything in it.
func (m *Manager) Remove(id string) error {
	if err := validation.ValidateWorkspaceID(id); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(m.root, id))
}

// ListExpired returns the workspace ids under root whose directory mtime is
// older than olderThan, for the GC's orphan sweep. A directory's mtime
// changes only when an entry directly inside it is created, removed, or
// renamed; writing to an existing file, or reading, leaves it unchanged, so
// an active workspace can still be listed here.
func (m *Manager) ListExpired(olderThan time.Time) ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("scan jobs root: %w", err)
	}

	var expired []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if validation.ValidateWorkspaceID(entry.Name()) != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(olderThan) {
			expired = append(expired, entry.Name())
		}
	}
	return expired, nil
}
