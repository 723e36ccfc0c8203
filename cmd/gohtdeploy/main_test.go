package main

import (
	"testing"

	"github.com/gohtdeploy/gohtdeploy/config"
)

func TestEffectivePort(t *testing.T) {
	if got := effectivePort(0, 22); got != 22 {
		t.Errorf("effectivePort(0, 22) = %d, want 22", got)
	}
	if got := effectivePort(2222, 22); got != 2222 {
		t.Errorf("effectivePort(2222, 22) = %d, want 2222", got)
	}
}

func TestBuildCapability_LocalScheme(t *testing.T) {
	dir := t.TempDir()
	site := config.Site{LocalRoot: dir}
	capa, closeFn, err := buildCapability(config.Host{Scheme: "file", Path: dir}, site)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closeFn()
	if capa.GetDir() != dir {
		t.Errorf("GetDir() = %q, want %q", capa.GetDir(), dir)
	}
}

func TestBuildCapability_UnrecognizedScheme(t *testing.T) {
	site := config.Site{LocalRoot: t.TempDir()}
	_, _, err := buildCapability(config.Host{Scheme: "gopher"}, site)
	if err == nil {
		t.Fatal("expected error for unrecognized scheme")
	}
}
