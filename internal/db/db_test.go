package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesWorkspaceState(t *testing.T) {
	workspace := t.TempDir()
	conn, err := Open(Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}

	if _, err := os.Stat(filepath.Join(workspace, ".siteline")); err != nil {
		t.Fatalf("state dir missing: %v", err)
	}
	if _, err := os.Stat(Path(workspace)); err != nil {
		t.Fatalf("db file missing at %s: %v", Path(workspace), err)
	}
}

func TestPathLayout(t *testing.T) {
	if got, want := Path("/ws"), filepath.Join("/ws", ".siteline", "siteline.db"); got != want {
		t.Fatalf("Path = %s, want %s", got, want)
	}
	if got, want := Path(""), filepath.Join(".", ".siteline", "siteline.db"); got != want {
		t.Fatalf("Path(\"\") = %s, want %s", got, want)
	}
}
