package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	if _, err := os.Stat(dbPath); !os.IsNotExist(err) {
		t.Fatal("database file exists before New")
	}

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file missing after New: %v", err)
	}
	if s.Path() != dbPath {
		t.Errorf("Path() = %q, want %q", s.Path(), dbPath)
	}

	var fk int
	if err := s.DB().QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Error("foreign keys are not enforced")
	}
}

func TestNew_Schema(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	tests := []struct {
		kind string
		name string
	}{
		{"table", "runs"},
		{"table", "run_epochs"},
		{"table", "artifacts"},
		{"index", "idx_runs_created_at"},
		{"index", "idx_artifacts_run_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var name string
			err := s.DB().QueryRow(
				"SELECT name FROM sqlite_master WHERE type = ? AND name = ?",
				tt.kind, tt.name,
			).Scan(&name)
			if err != nil {
				t.Errorf("%s %q missing after migrations: %v", tt.kind, tt.name, err)
			}
		})
	}
}

func TestNew_ReopenKeepsRuns(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	run := &Run{Kind: RunKindLandmarks, Preset: "landmarks"}
	if err := s.Runs().Create(run); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s, err = New(dbPath)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()
	if _, err := s.Runs().GetByID(run.ID); err != nil {
		t.Errorf("run lost after reopen: %v", err)
	}
}

func TestNew_RejectsBadRows(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	tests := []struct {
		name  string
		query string
	}{
		{"unknown kind", "INSERT INTO runs (id, kind) VALUES ('r1', 'gesture')"},
		{"unknown status", "INSERT INTO runs (id, kind, status) VALUES ('r2', 'image', 'paused')"},
		{"orphan epoch", "INSERT INTO run_epochs (run_id, epoch, loss, accuracy, val_loss, val_accuracy, lr) VALUES ('none', 1, 0, 0, 0, 0, 0)"},
		{"orphan artifact", "INSERT INTO artifacts (run_id, name, kind, path) VALUES ('none', 'model.task', 'bundle', '/tmp/model.task')"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.DB().Exec(tt.query); err == nil {
				t.Error("insert succeeded, want constraint error")
			}
		})
	}
}

func TestStore_Close(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if _, err := s.DB().Exec("SELECT 1"); err == nil {
		t.Error("query succeeded on a closed store")
	}
}
