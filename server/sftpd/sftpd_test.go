package sftpd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/gohtdeploy/gohtdeploy/internal/testutil"
)

func TestDriver_WriteReadRenameRoundTrip(t *testing.T) {
	srv, err := testutil.StartSSHServer()
	if err != nil {
		t.Fatalf("starting test ssh server: %v", err)
	}
	defer srv.Close()

	base := t.TempDir()
	capa, err := New(Options{
		Addr:            srv.Addr,
		User:            "deploy",
		Auth:            []ssh.AuthMethod{ssh.Password("")},
		HostKeyCallback: testutil.InsecureHostKeyCallback(),
		BaseDir:         base,
	}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer capa.Close()

	ctx := context.Background()

	local := filepath.Join(t.TempDir(), "src.txt")
	if err := os.WriteFile(local, []byte("payload"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	var gotPercent int
	if err := capa.WriteFile(ctx, local, "/index.php.deploytmp", func(p int) { gotPercent = p }); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if gotPercent != 100 {
		t.Errorf("final progress = %d, want 100", gotPercent)
	}

	if err := capa.RenameFile(ctx, "/index.php.deploytmp", "/index.php"); err != nil {
		t.Fatalf("RenameFile: %v", err)
	}

	downloaded := filepath.Join(t.TempDir(), "dst.txt")
	if err := capa.ReadFile(ctx, "/index.php", downloaded); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	got, err := os.ReadFile(downloaded)
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if !bytes.Equal(got, []byte("payload")) {
		t.Errorf("downloaded content = %q", got)
	}
}

func TestDriver_RemoveFileIdempotent(t *testing.T) {
	srv, err := testutil.StartSSHServer()
	if err != nil {
		t.Fatalf("starting test ssh server: %v", err)
	}
	defer srv.Close()

	capa, err := New(Options{
		Addr:            srv.Addr,
		User:            "deploy",
		Auth:            []ssh.AuthMethod{ssh.Password("")},
		HostKeyCallback: testutil.InsecureHostKeyCallback(),
		BaseDir:         t.TempDir(),
	}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer capa.Close()

	if err := capa.RemoveFile(context.Background(), "/missing"); err != nil {
		t.Errorf("expected idempotent success, got %v", err)
	}
}

func TestDriver_Execute(t *testing.T) {
	srv, err := testutil.StartSSHServer()
	if err != nil {
		t.Fatalf("starting test ssh server: %v", err)
	}
	defer srv.Close()

	capa, err := New(Options{
		Addr:            srv.Addr,
		User:            "deploy",
		Auth:            []ssh.AuthMethod{ssh.Password("")},
		HostKeyCallback: testutil.InsecureHostKeyCallback(),
		BaseDir:         t.TempDir(),
	}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer capa.Close()

	out, err := capa.Execute(context.Background(), "echo hello")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "hello\n" {
		t.Errorf("Execute output = %q", out)
	}
}

func TestDriver_CreateDirAndPurge(t *testing.T) {
	srv, err := testutil.StartSSHServer()
	if err != nil {
		t.Fatalf("starting test ssh server: %v", err)
	}
	defer srv.Close()

	base := t.TempDir()
	capa, err := New(Options{
		Addr:            srv.Addr,
		User:            "deploy",
		Auth:            []ssh.AuthMethod{ssh.Password("")},
		HostKeyCallback: testutil.InsecureHostKeyCallback(),
		BaseDir:         base,
	}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer capa.Close()

	ctx := context.Background()
	if err := capa.CreateDir(ctx, "/uploads"); err != nil {
		t.Fatalf("CreateDir: %v", err)
	}

	local := filepath.Join(t.TempDir(), "f.txt")
	os.WriteFile(local, []byte("x"), 0o644)
	if err := capa.WriteFile(ctx, local, "/uploads/f.txt", nil); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := capa.Purge(ctx, "/uploads", nil); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(base, "uploads"))
	if err != nil {
		t.Fatalf("reading purged dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty dir after purge, got %v", entries)
	}
}
