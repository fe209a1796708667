// Package db manages the workspace database. A siteline workspace keeps its
// portal state in a .siteline directory beside siteline.yml; the SQLite file
// inside it is created on first open.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	stateDir = ".siteline"
	fileName = "siteline.db"
)

// Config locates the workspace the portal operates on.
type Config struct {
	Workspace string
}

func workspaceRoot(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}

// EnsureWorkspace creates the workspace state directory and returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspaceRoot(workspace), stateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace state dir: %w", err)
	}
	return dir, nil
}

// Path returns the database file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspaceRoot(workspace), stateDir, fileName)
}

// Open ensures the workspace exists and opens its database. Foreign keys are
// enabled so lead-scoped rows cannot outlive their pursuit.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := "file:" + Path(cfg.Workspace) + "?cache=shared&_pragma=foreign_keys(1)"
	return sql.Open("sqlite", dsn)
}
