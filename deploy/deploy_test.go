package deploy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gohtdeploy/gohtdeploy/config"
	"github.com/gohtdeploy/gohtdeploy/internal/logging"
	"github.com/gohtdeploy/gohtdeploy/server/localfs"
)

func newTestDeployer(t *testing.T, site config.Site, opts Options) (*Deployer, string) {
	t.Helper()
	remoteDir := t.TempDir()
	capa := localfs.New(localfs.Options{BaseDir: remoteDir})

	log, err := logging.New(logging.Options{NoProgress: true})
	if err != nil {
		t.Fatalf("building logger: %v", err)
	}

	d, err := New(site, capa, log, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, remoteDir
}

// newTestDeployerAt is newTestDeployer for an already-existing remote
// directory, so a test can run a second deploy against the same remote
// state (e.g. to exercise a no-op diff).
func newTestDeployerAt(t *testing.T, site config.Site, opts Options, remoteDir string) (*Deployer, string) {
	t.Helper()
	capa := localfs.New(localfs.Options{BaseDir: remoteDir})

	log, err := logging.New(logging.Options{NoProgress: true})
	if err != nil {
		t.Fatalf("building logger: %v", err)
	}

	d, err := New(site, capa, log, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, remoteDir
}

func writeLocalFile(t *testing.T, root, relPath, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func baseSite(localRoot string) config.Site {
	return config.Site{
		Name:      "test-site",
		LocalRoot: localRoot,
	}
}

func TestRun_FirstDeployUploadsEverything(t *testing.T) {
	localRoot := t.TempDir()
	writeLocalFile(t, localRoot, "/index.html", "<html></html>")
	writeLocalFile(t, localRoot, "/assets/app.js", "console.log(1)")

	d, remoteDir := newTestDeployer(t, baseSite(localRoot), Options{})

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Uploaded != 2 {
		t.Errorf("uploaded = %d, want 2", summary.Uploaded)
	}

	if _, err := os.Stat(filepath.Join(remoteDir, "index.html")); err != nil {
		t.Errorf("index.html not committed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(remoteDir, "assets", "app.js")); err != nil {
		t.Errorf("assets/app.js not committed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(remoteDir, ".htdeployment")); err != nil {
		t.Errorf("manifest not committed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(remoteDir, ".htdeployment.running")); !os.IsNotExist(err) {
		t.Errorf("lock sentinel should be released after a successful run")
	}
}

func TestRun_IncrementalNoOpWhenUnchanged(t *testing.T) {
	localRoot := t.TempDir()
	writeLocalFile(t, localRoot, "/index.html", "<html></html>")

	d, _ := newTestDeployer(t, baseSite(localRoot), Options{})

	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	d2, _ := New(d.site, d.cap, d.log, Options{})
	summary, err := d2.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if summary.Uploaded != 0 || summary.Deleted != 0 {
		t.Errorf("expected no-op second run, got %+v", summary)
	}
}

func TestRun_ModifyAndDeleteAreReflected(t *testing.T) {
	localRoot := t.TempDir()
	writeLocalFile(t, localRoot, "/index.html", "v1")
	writeLocalFile(t, localRoot, "/old.html", "stale")

	d, remoteDir := newTestDeployer(t, baseSite(localRoot), Options{})
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	writeLocalFile(t, localRoot, "/index.html", "v2")
	if err := os.Remove(filepath.Join(localRoot, "old.html")); err != nil {
		t.Fatalf("removing local file: %v", err)
	}

	d2, _ := New(d.site, d.cap, d.log, Options{})
	summary, err := d2.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if summary.Uploaded != 1 || summary.Deleted != 1 {
		t.Errorf("summary = %+v, want 1 uploaded, 1 deleted", summary)
	}

	data, err := os.ReadFile(filepath.Join(remoteDir, "index.html"))
	if err != nil || string(data) != "v2" {
		t.Errorf("index.html = %q, err=%v, want v2", data, err)
	}
	if _, err := os.Stat(filepath.Join(remoteDir, "old.html")); !os.IsNotExist(err) {
		t.Errorf("old.html should have been deleted")
	}
}

func TestRun_TestModeComputesDiffWithoutApplying(t *testing.T) {
	localRoot := t.TempDir()
	writeLocalFile(t, localRoot, "/index.html", "v1")

	d, remoteDir := newTestDeployer(t, baseSite(localRoot), Options{ForceTestMode: true})

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", summary.Skipped)
	}
	if _, err := os.Stat(filepath.Join(remoteDir, "index.html")); !os.IsNotExist(err) {
		t.Errorf("test mode must not write any files")
	}
	if _, err := os.Stat(filepath.Join(remoteDir, ".htdeployment.running")); !os.IsNotExist(err) {
		t.Errorf("lock sentinel should be released after test mode run")
	}
}

func TestRun_TestModeRunsOnlyLocalBeforeJobs(t *testing.T) {
	localRoot := t.TempDir()
	writeLocalFile(t, localRoot, "/index.html", "v1")
	writeLocalFile(t, localRoot, "/marker.txt", "marker")

	site := baseSite(localRoot)
	site.BeforeJobs = []string{
		"local: touch local-ran.txt",
		"upload: marker.txt uploaded-by-hook.txt",
	}

	d, remoteDir := newTestDeployer(t, site, Options{ForceTestMode: true})

	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(filepath.Join(localRoot, "local-ran.txt")); err != nil {
		t.Errorf("local: before job must still run in test mode: %v", err)
	}
	if _, err := os.Stat(filepath.Join(remoteDir, "uploaded-by-hook.txt")); !os.IsNotExist(err) {
		t.Errorf("upload: before job must not run in test mode")
	}
}

func TestRun_ShortCircuitRunsOnlyLocalBeforeJobs(t *testing.T) {
	localRoot := t.TempDir()
	writeLocalFile(t, localRoot, "/marker.txt", "marker")

	site := baseSite(localRoot)
	d, remoteDir := newTestDeployer(t, site, Options{})
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	site.BeforeJobs = []string{
		"local: touch local-ran.txt",
		"upload: marker.txt uploaded-by-hook.txt",
	}
	d2, remoteDir2 := newTestDeployerAt(t, site, Options{}, remoteDir)

	if _, err := d2.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if _, err := os.Stat(filepath.Join(localRoot, "local-ran.txt")); err != nil {
		t.Errorf("local: before job must still run on a no-op diff: %v", err)
	}
	if _, err := os.Stat(filepath.Join(remoteDir2, "uploaded-by-hook.txt")); !os.IsNotExist(err) {
		t.Errorf("upload: before job must not run on a no-op diff")
	}
}

func TestRun_ConcurrentDeploymentLockRejectsSecondRun(t *testing.T) {
	localRoot := t.TempDir()
	writeLocalFile(t, localRoot, "/index.html", "v1")

	d, remoteDir := newTestDeployer(t, baseSite(localRoot), Options{})

	// Simulate a live lock from another in-flight run.
	if err := os.WriteFile(filepath.Join(remoteDir, ".htdeployment.running"), []byte("2020-01-01T00:00:00Z"), 0o644); err != nil {
		t.Fatalf("seeding lock: %v", err)
	}

	_, err := d.Run(context.Background())
	if err == nil {
		t.Fatal("expected ErrConcurrentDeployment")
	}
}

func TestRun_StaleLockIsReclaimedWhenAllowed(t *testing.T) {
	localRoot := t.TempDir()
	writeLocalFile(t, localRoot, "/index.html", "v1")

	d, remoteDir := newTestDeployer(t, baseSite(localRoot), Options{
		AllowStaleLock: true,
	})

	if err := os.WriteFile(filepath.Join(remoteDir, ".htdeployment.running"), []byte("2020-01-01T00:00:00Z"), 0o644); err != nil {
		t.Fatalf("seeding lock: %v", err)
	}

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Uploaded != 1 {
		t.Errorf("uploaded = %d, want 1", summary.Uploaded)
	}
}

func TestRun_RedeployForcesFullReupload(t *testing.T) {
	localRoot := t.TempDir()
	writeLocalFile(t, localRoot, "/index.html", "v1")

	d, _ := newTestDeployer(t, baseSite(localRoot), Options{})
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	d2, _ := New(d.site, d.cap, d.log, Options{Redeploy: true})
	summary, err := d2.Run(context.Background())
	if err != nil {
		t.Fatalf("redeploy Run: %v", err)
	}
	if summary.Uploaded != 1 {
		t.Errorf("redeploy uploaded = %d, want 1 (unchanged content still reuploaded)", summary.Uploaded)
	}
}

func TestRun_IgnorePatternExcludesMatchedFiles(t *testing.T) {
	localRoot := t.TempDir()
	writeLocalFile(t, localRoot, "/index.html", "v1")
	writeLocalFile(t, localRoot, "/debug.log", "noisy")

	site := baseSite(localRoot)
	site.IgnorePatterns = []string{"*.log"}

	d, remoteDir := newTestDeployer(t, site, Options{})
	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Uploaded != 1 {
		t.Errorf("uploaded = %d, want 1", summary.Uploaded)
	}
	if _, err := os.Stat(filepath.Join(remoteDir, "debug.log")); !os.IsNotExist(err) {
		t.Errorf("debug.log should have been ignored")
	}
}
