package preprocess

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPipeline_MinifiesMatchedJS(t *testing.T) {
	p, err := New([]string{"*.js"}, t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	src := strings.NewReader("function f() {\n    // comment\n    return 1;\n}\n")
	abs, err := p.Process("/app/main.js", src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := os.ReadFile(abs)
	if err != nil {
		t.Fatalf("reading temp output: %v", err)
	}
	if strings.Contains(string(out), "comment") {
		t.Errorf("expected comment to be stripped, got %q", out)
	}
	if filepath.Base(abs) != "main.js" {
		t.Errorf("temp path mirrors relPath, got %s", abs)
	}
}

func TestPipeline_IdentityCopyUnmatched(t *testing.T) {
	p, err := New([]string{"*.js"}, t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	abs, err := p.Process("/index.php", strings.NewReader("<?php echo 1; ?>"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := os.ReadFile(abs)
	if err != nil {
		t.Fatalf("reading temp output: %v", err)
	}
	if string(out) != "<?php echo 1; ?>" {
		t.Errorf("expected identity copy, got %q", out)
	}
}

func TestPipeline_NoMasksMeansNothingMatches(t *testing.T) {
	p, err := New(nil, t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Matches("/app/main.js") {
		t.Errorf("an empty mask list must not match any path")
	}
}

func TestPipeline_Cleanup(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "scratch")
	p, err := New(nil, sub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.Process("/a.txt", strings.NewReader("x")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Cleanup()
	if _, err := os.Stat(sub); !os.IsNotExist(err) {
		t.Errorf("expected temp dir removed, stat err=%v", err)
	}
}
