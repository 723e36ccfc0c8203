package localfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestDriver_WriteRenamePreservesPermissions(t *testing.T) {
	base := t.TempDir()
	cap_ := New(Options{BaseDir: base})
	ctx := context.Background()

	local := filepath.Join(t.TempDir(), "a.txt")
	os.WriteFile(local, []byte("v1"), 0o644)

	if err := cap_.WriteFile(ctx, local, "/a.txt", nil); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Chmod(filepath.Join(base, "a.txt"), 0o600); err != nil {
		t.Fatalf("setup chmod: %v", err)
	}

	os.WriteFile(local, []byte("v2"), 0o644)
	if err := cap_.WriteFile(ctx, local, "/a.txt.deploytmp", nil); err != nil {
		t.Fatalf("WriteFile staged: %v", err)
	}
	if err := cap_.RenameFile(ctx, "/a.txt.deploytmp", "/a.txt"); err != nil {
		t.Fatalf("RenameFile: %v", err)
	}

	fi, err := os.Stat(filepath.Join(base, "a.txt"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600 (preserved)", fi.Mode().Perm())
	}

	got, _ := os.ReadFile(filepath.Join(base, "a.txt"))
	if string(got) != "v2" {
		t.Errorf("content = %q, want v2", got)
	}
}

func TestDriver_PurgeStagesBeforeRemoving(t *testing.T) {
	base := t.TempDir()
	cap_ := New(Options{BaseDir: base})
	ctx := context.Background()

	if err := cap_.CreateDir(ctx, "/cache"); err != nil {
		t.Fatalf("CreateDir: %v", err)
	}
	for _, name := range []string{"a", "b", "c"} {
		os.WriteFile(filepath.Join(base, "cache", name), []byte("x"), 0o644)
	}

	if err := cap_.Purge(ctx, "/cache", nil); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(base, "cache"))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty dir, got %v", entries)
	}
}

func TestDriver_RemoveFileIdempotent(t *testing.T) {
	cap_ := New(Options{BaseDir: t.TempDir()})
	if err := cap_.RemoveFile(context.Background(), "/missing"); err != nil {
		t.Errorf("expected idempotent success, got %v", err)
	}
}

func TestDriver_ExecuteRunsShell(t *testing.T) {
	cap_ := New(Options{BaseDir: t.TempDir()})
	out, err := cap_.Execute(context.Background(), "echo hi")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "hi\n" {
		t.Errorf("Execute output = %q", out)
	}
}

func TestDriver_ReadFileNotFound(t *testing.T) {
	cap_ := New(Options{BaseDir: t.TempDir()})
	err := cap_.ReadFile(context.Background(), "/missing", filepath.Join(t.TempDir(), "out"))
	if err == nil {
		t.Fatalf("expected error")
	}
}
