// Package db owns the workspace layout under .reviewgate/ and the sqlite
// connection to the session database inside it.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir = ".reviewgate"
	dbName       = "reviewgate.db"
	notesDir     = "notes"
)

type Config struct {
	Workspace string
}

// EnsureWorkspace creates the .reviewgate/ layout, database directory
// plus notes/, and returns its root.
func EnsureWorkspace(workspace string) (string, error) {
	root := filepath.Join(orDot(workspace), workspaceDir)
	for _, dir := range []string{root, filepath.Join(root, notesDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("workspace %s: %w", dir, err)
		}
	}
	return root, nil
}

// Open opens the workspace database, creating the layout first. Foreign
// keys are enforced; the busy timeout covers a CLI and a server sharing
// the same workspace.
func Open(cfg Config) (*sql.DB, error) {
	root, err := EnsureWorkspace(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		filepath.Join(root, dbName))
	return sql.Open("sqlite", dsn)
}

// Path returns the database file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(orDot(workspace), workspaceDir, dbName)
}

// NotesDir returns the completion-note directory for a workspace.
func NotesDir(workspace string) string {
	return filepath.Join(orDot(workspace), workspaceDir, notesDir)
}

func orDot(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}
