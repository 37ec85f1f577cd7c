package creds

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveCreatesDir(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "wa_sessions"))

	dir, err := s.Resolve("dev-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("stat %s: %v", dir, err)
	}

	// Resolving again returns the same path without error.
	again, err := s.Resolve("dev-1")
	if err != nil || again != dir {
		t.Errorf("second resolve = %q, %v", again, err)
	}
}

func TestDeleteAll(t *testing.T) {
	s := NewStore(t.TempDir())
	dir, err := s.Resolve("dev-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "session.db"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := s.DeleteAll("dev-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("dir still exists")
	}

	// Idempotent.
	if err := s.DeleteAll("dev-1"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}
