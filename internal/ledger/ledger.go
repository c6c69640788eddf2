// Package ledger is a small crash-tolerant record of issued download URLs
// and workspace expiry deadlines. It is not session state - sessions never
// survive a restart - it exists so the garbage collector can recover expiry
// deadlines after a bridge restart and so /files/{uuid}/{name} lookups can
// be audited.
//
// Pure database/sql against modernc.org/sqlite, WAL journal mode plus a busy
// timeout, migrate-on-open, typed CRUD.
package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists workspace expiry deadlines and issued download URLs.
type Store struct {
	db *sql.DB
}

// Open creates or attaches to the ledger database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "ledger.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate ledger database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		server TEXT NOT NULL,
		session_key TEXT,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_workspaces_expires ON workspaces(expires_at);

	CREATE TABLE IF NOT EXISTS downloads (
		workspace_id TEXT NOT NULL,
		basename TEXT NOT NULL,
		url TEXT NOT NULL,
		issued_at DATETIME NOT NULL,
		PRIMARY KEY (workspace_id, basename)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordWorkspace upserts the expiry deadline for a workspace.
func (s *Store) RecordWorkspace(id, server, sessionKey string, expiresAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO workspaces (id, server, session_key, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET expires_at = excluded.expires_at`,
		id, server, sessionKey, time.Now(), expiresAt,
	)
	return err
}

// RecordDownload records that url was issued for basename inside workspace
// id, for audit purposes.
func (s *Store) RecordDownload(workspaceID, basename, url string) error {
	_, err := s.db.Exec(`
		INSERT INTO downloads (workspace_id, basename, url, issued_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workspace_id, basename) DO UPDATE SET url = excluded.url, issued_at = excluded.issued_at`,
		workspaceID, basename, url, time.Now(),
	)
	return err
}

// ExpiredWorkspaces returns workspace ids whose recorded expiry deadline has
// passed as of now, for the GC to cross-reference against the filesystem
// sweep after a restart when directory mtimes alone may be stale.
func (s *Store) ExpiredWorkspaces(now time.Time) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM workspaces WHERE expires_at < ?`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Forget removes a workspace's ledger rows once it has been reclaimed.
func (s *Store) Forget(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM downloads WHERE workspace_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM workspaces WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}
