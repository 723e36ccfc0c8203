// Package deploy is the core orchestrator: it collects the local file
// set, diffs it against the remote manifest, runs hooks, uploads to
// staging names, writes the new manifest, renames staged files live,
// deletes obsolete files, purges requested directories, and handles
// test-mode and redeploy. This is the ~45% of the system spec §2 calls
// out as the core engine; everything else (filter, hash, preprocess,
// manifest, server, runner) is a leaf this package composes.
package deploy

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/gohtdeploy/gohtdeploy/config"
	"github.com/gohtdeploy/gohtdeploy/filter"
	"github.com/gohtdeploy/gohtdeploy/hash"
	"github.com/gohtdeploy/gohtdeploy/internal/logging"
	"github.com/gohtdeploy/gohtdeploy/internal/retry"
	"github.com/gohtdeploy/gohtdeploy/manifest"
	"github.com/gohtdeploy/gohtdeploy/preprocess"
	"github.com/gohtdeploy/gohtdeploy/runner"
	"github.com/gohtdeploy/gohtdeploy/server"
)

// Summary reports the final per-run counts spec §7 requires.
type Summary struct {
	Uploaded int
	Deleted  int
	Purged   int
	Skipped  int
}

// Options tunes orchestration behavior beyond what config.Site carries:
// CLI-level overrides (spec §6 flags) and operational knobs that are
// not part of the persisted site configuration.
type Options struct {
	ForceTestMode      bool // -t|--test
	Redeploy           bool // --full
	AllowStaleLock     bool // force-remove an old .running sentinel
	StaleLockThreshold time.Duration
	RetryPolicy        retry.Policy
	ConnectPolicy      retry.Policy
}

// Deployer orchestrates one site's deployment.
type Deployer struct {
	site config.Site
	opts Options

	cap server.Capability
	log *logging.Logger

	filter *filter.PathFilter
	pre    *preprocess.Pipeline
	hasher *hash.Hasher

	localRoot    string
	manifestName string
	tempDir      string
}

// New builds a Deployer for one site.
func New(site config.Site, cap server.Capability, log *logging.Logger, opts Options) (*Deployer, error) {
	f, err := filter.New(site.IncludePatterns, site.IgnorePatterns)
	if err != nil {
		return nil, errors.Wrap(ErrConfig, err.Error())
	}

	tempDir := site.TempDir
	if tempDir == "" {
		tempDir, err = os.MkdirTemp("", "gohtdeploy-*")
		if err != nil {
			return nil, errors.Wrap(err, "creating scratch tempDir")
		}
	}

	pre, err := preprocess.New(site.PreprocessMasks, tempDir)
	if err != nil {
		return nil, errors.Wrap(ErrConfig, err.Error())
	}

	if opts.RetryPolicy == (retry.Policy{}) {
		opts.RetryPolicy = retry.DefaultPolicy()
	}
	if opts.ConnectPolicy == (retry.Policy{}) {
		opts.ConnectPolicy = retry.DefaultPolicy()
	}

	return &Deployer{
		site:         site,
		opts:         opts,
		cap:          cap,
		log:          log,
		filter:       f,
		pre:          pre,
		hasher:       hash.New(),
		localRoot:    site.LocalRoot,
		manifestName: site.EffectiveManifestName(),
		tempDir:      tempDir,
	}, nil
}

func (d *Deployer) sentinelRel() string  { return "/" + d.manifestName + ".running" }
func (d *Deployer) manifestRel() string  { return "/" + d.manifestName }
func (d *Deployer) manifestStaging() string { return d.manifestRel() + ".deploytmp" }

// Run drives the full seven-phase protocol (spec §4.7).
func (d *Deployer) Run(ctx context.Context) (Summary, error) {
	defer d.pre.Cleanup()

	// Phase 0 — Prepare.
	if err := d.connectWithRetry(ctx); err != nil {
		return Summary{}, err
	}
	if err := d.acquireLock(ctx); err != nil {
		return Summary{}, err
	}
	// From here on any early return must release the lock, except the
	// ErrFatalState path, which surfaces without releasing anything
	// (operator intervention required).
	releaseLock := func() {
		_ = d.cap.RemoveFile(ctx, d.sentinelRel())
	}

	// Crash recovery: stray *.deploytmp files from a prior crashed run
	// must be removed before Phase 5.
	if err := d.sweepStrayStaging(ctx); err != nil {
		releaseLock()
		return Summary{}, errors.Wrap(err, "sweeping stray staging files")
	}

	// Phase 1 — Scan & hash.
	localManifest, err := d.scanAndHash(ctx)
	if err != nil {
		releaseLock()
		return Summary{}, errors.Wrap(err, "scanning and hashing local tree")
	}

	// Phase 2 — Read remote manifest.
	remoteManifest, err := d.readRemoteManifest(ctx)
	if err != nil {
		releaseLock()
		return Summary{}, err
	}

	// Phase 3 — Diff.
	var toUpload, toDelete []string
	if d.opts.Redeploy {
		toUpload = manifest.Redeploy(localManifest)
		_, toDelete = manifest.Diff(localManifest, remoteManifest, d.site.AllowsDelete())
	} else {
		toUpload, toDelete = manifest.Diff(localManifest, remoteManifest, d.site.AllowsDelete())
	}

	testMode := d.opts.ForceTestMode || d.site.TestMode
	shortCircuit := len(toUpload) == 0 && len(toDelete) == 0

	// Phase 4 — Before hooks. local: jobs always run, even on
	// short-circuit or test mode; everything else (remote:, http(s):,
	// upload:) is a real side effect and only runs once we know the
	// deployment will actually apply changes.
	isLocal := func(k runner.Kind) bool { return k == runner.KindLocalShell }
	if err := d.runHooksFiltered(ctx, d.site.BeforeJobs, isLocal); err != nil {
		releaseLock()
		return Summary{}, err
	}

	if testMode {
		d.log.Infow("test mode: diff computed, no changes applied", "toUpload", toUpload, "toDelete", toDelete)
		releaseLock()
		return Summary{Skipped: len(toUpload) + len(toDelete)}, nil
	}

	if shortCircuit {
		releaseLock()
		return Summary{}, nil
	}

	if err := d.runHooksFiltered(ctx, d.site.BeforeJobs, func(k runner.Kind) bool { return !isLocal(k) }); err != nil {
		releaseLock()
		return Summary{}, err
	}

	// Phase 5 — Staged upload.
	staged, err := d.stagedUpload(ctx, toUpload, localManifest)
	if err != nil {
		// Every path in toUpload, not only the completed ones, may have
		// left a (partial) staging file behind.
		if rbErr := d.rollback(ctx, toUpload); rbErr != nil {
			return Summary{}, rbErr
		}
		releaseLock()
		return Summary{}, err
	}

	if err := d.uploadStagedManifest(ctx, localManifest); err != nil {
		if rbErr := d.rollback(ctx, staged); rbErr != nil {
			return Summary{}, rbErr
		}
		releaseLock()
		return Summary{}, err
	}

	// Phase 6 — Commit.
	summary, err := d.commit(ctx, staged, toDelete)
	if err != nil {
		// Per spec §7: once the manifest rename (step 6.3) has
		// returned, the deployment is live and errors after that point
		// are warnings, not rollback triggers. commit() itself decides
		// whether a failure happened before or after the
		// linearization point and returns ErrFatalState only for the
		// former when rollback itself fails.
		if errors.Is(err, ErrFatalState) {
			return summary, err
		}
		releaseLock()
		return summary, err
	}

	releaseLock()
	return summary, nil
}

func (d *Deployer) connectWithRetry(ctx context.Context) error {
	return d.opts.ConnectPolicy.Do(ctx, func(err error) bool {
		return errors.Is(err, server.ErrConnection)
	}, func() error {
		return d.cap.Connect(ctx)
	})
}

// acquireLock creates the `.running` sentinel, aborting with
// ErrConcurrentDeployment if one already exists, unless it is stale and
// AllowStaleLock was set.
func (d *Deployer) acquireLock(ctx context.Context) error {
	existing, createdAt, err := d.readSentinel(ctx)
	if err != nil {
		return errors.Wrap(err, "checking deployment lock")
	}

	if existing {
		stale := d.opts.AllowStaleLock && time.Since(createdAt) > d.staleThreshold()
		if !stale {
			return errors.Wrapf(ErrConcurrentDeployment, "sentinel %s present", d.sentinelRel())
		}
		d.log.Infow("removing stale deployment lock", "age", time.Since(createdAt))
	}

	tmp, err := os.CreateTemp("", "gohtdeploy-sentinel-*")
	if err != nil {
		return errors.Wrap(err, "creating sentinel payload")
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := tmp.WriteString(time.Now().UTC().Format(time.RFC3339)); err != nil {
		return errors.Wrap(err, "writing sentinel payload")
	}

	if err := d.cap.WriteFile(ctx, tmp.Name(), d.sentinelRel(), nil); err != nil {
		return errors.Wrap(err, "writing deployment lock")
	}
	return nil
}

func (d *Deployer) staleThreshold() time.Duration {
	if d.opts.StaleLockThreshold <= 0 {
		return time.Hour
	}
	return d.opts.StaleLockThreshold
}

func (d *Deployer) readSentinel(ctx context.Context) (exists bool, createdAt time.Time, err error) {
	tmp, err := os.CreateTemp("", "gohtdeploy-sentinel-read-*")
	if err != nil {
		return false, time.Time{}, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := d.cap.ReadFile(ctx, d.sentinelRel(), tmp.Name()); err != nil {
		if errors.Is(err, server.ErrNotFound) {
			return false, time.Time{}, nil
		}
		return false, time.Time{}, err
	}

	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		return true, time.Time{}, nil
	}
	ts, parseErr := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
	if parseErr != nil {
		return true, time.Time{}, nil
	}
	return true, ts, nil
}

// sweepStrayStaging removes the manifest's own staging file
// (`<manifestName>.deploytmp`) left by a crashed prior run. Staging
// files of individual paths are not swept: one whose path is uploaded
// again is overwritten, any other stays on the remote.
func (d *Deployer) sweepStrayStaging(ctx context.Context) error {
	// The capability contract has no remote directory-listing
	// primitive, so only the manifest staging name is known here.
	_ = d.cap.RemoveFile(ctx, d.manifestStaging())
	return nil
}

func (d *Deployer) scanAndHash(ctx context.Context) (manifest.Manifest, error) {
	m := manifest.New()

	err := filepath.Walk(d.localRoot, func(absPath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if absPath == d.localRoot {
			return nil
		}

		rel, err := filepath.Rel(d.localRoot, absPath)
		if err != nil {
			return err
		}
		relPath := "/" + filepath.ToSlash(rel)

		if info.IsDir() {
			if !d.filter.MayDescend(relPath) {
				return filepath.SkipDir
			}
			if !d.filter.Accepts(relPath, true) {
				return nil
			}
			return nil
		}

		if !d.filter.Accepts(relPath, false) {
			return nil
		}

		digest, err := d.hashFile(ctx, relPath, absPath)
		if err != nil {
			return errors.Wrapf(err, "hashing %s", relPath)
		}
		m[relPath] = digest
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// hashFile routes relPath through the preprocessor (if it matches a
// preprocessMask) before hashing, so the manifest hash and the bytes
// uploaded in Phase 5 always agree (spec §4.3/§8 Property 4).
func (d *Deployer) hashFile(ctx context.Context, relPath, absPath string) (string, error) {
	if !d.pre.Matches(relPath) {
		digest, _, err := d.hasher.File(ctx, absPath)
		return digest, err
	}

	f, err := os.Open(absPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	tempAbs, err := d.pre.Process(relPath, f)
	if err != nil {
		return "", err
	}
	digest, _, err := d.hasher.File(ctx, tempAbs)
	return digest, err
}

// sourcePath returns the absolute path to read when uploading relPath:
// the preprocessed temp file when one was materialized, else the
// original local file.
func (d *Deployer) sourcePath(relPath string) string {
	if d.pre.Matches(relPath) {
		return filepath.Join(d.tempDir, filepath.FromSlash(relPath))
	}
	return filepath.Join(d.localRoot, filepath.FromSlash(relPath))
}

func (d *Deployer) readRemoteManifest(ctx context.Context) (manifest.Manifest, error) {
	tmp, err := os.CreateTemp("", "gohtdeploy-manifest-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := d.cap.ReadFile(ctx, d.manifestRel(), tmp.Name()); err != nil {
		if errors.Is(err, server.ErrNotFound) {
			return manifest.New(), nil
		}
		return nil, errors.Wrap(err, "reading remote manifest")
	}

	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		return nil, err
	}

	m, err := manifest.Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, "parsing remote manifest")
	}
	return m, nil
}

// runHooks executes jobs in order, aborting at the first failure.
func (d *Deployer) runHooks(ctx context.Context, lines []string) error {
	return d.runHooksFiltered(ctx, lines, nil)
}

// runHooksFiltered parses lines and runs, in order, only the jobs for
// which keep returns true. A nil keep runs every job.
func (d *Deployer) runHooksFiltered(ctx context.Context, lines []string, keep func(runner.Kind) bool) error {
	jobs, err := runner.ParseJobs(lines)
	if err != nil {
		return errors.Wrap(ErrConfig, err.Error())
	}

	deps := runner.Deps{LocalRoot: d.localRoot, Server: d.cap}
	for _, job := range jobs {
		if keep != nil && !keep(job.Kind) {
			continue
		}
		res := runner.Run(ctx, job, deps)
		if !res.OK {
			return &HookError{JobRaw: job.Raw, Output: res.Output, Err: res.Err}
		}
	}
	return nil
}

// stagedUpload uploads every path in toUpload to its staging name
// ("<relPath>.deploytmp"), bounded by site.EffectiveUploadWorkers()
// concurrent workers, with per-file retry. Mirrors the teacher's
// target.Remote.Push concurrent-upload use of errgroup, generalized
// with a semaphore to bound concurrency and a staging-name rename
// instead of a direct write to the live path.
func (d *Deployer) stagedUpload(ctx context.Context, toUpload []string, local manifest.Manifest) ([]string, error) {
	sem := make(chan struct{}, d.site.EffectiveUploadWorkers())
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	var staged []string

	for _, relPath := range toUpload {
		relPath := relPath
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()

			if err := d.cap.CreateDir(gctx, filepath.ToSlash(filepath.Dir(relPath))); err != nil {
				return errors.Wrapf(err, "creating parent dir for %s", relPath)
			}

			staging := relPath + ".deploytmp"
			src := d.sourcePath(relPath)

			err := d.opts.RetryPolicy.Do(gctx, isRetryableTransport, func() error {
				return d.cap.WriteFile(gctx, src, staging, func(pct int) { d.log.Progress(relPath, pct) })
			})
			if err != nil {
				return errors.Wrapf(err, "uploading %s", relPath)
			}

			mu.Lock()
			staged = append(staged, relPath)
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	sort.Strings(staged)
	return staged, err
}

func isRetryableTransport(err error) bool {
	return errors.Is(err, server.ErrTransport)
}

func (d *Deployer) uploadStagedManifest(ctx context.Context, local manifest.Manifest) error {
	data := local.Serialize()
	tmp, err := os.CreateTemp("", "gohtdeploy-newmanifest-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	return d.opts.RetryPolicy.Do(ctx, isRetryableTransport, func() error {
		return d.cap.WriteFile(ctx, tmp.Name(), d.manifestStaging(), nil)
	})
}

// commit runs Phase 6: afterUpload hooks, shortest-path-first renames,
// the manifest rename (the linearization point), deletes, purges, and
// after hooks. Removing the sentinel is left to the caller (Run).
func (d *Deployer) commit(ctx context.Context, staged, toDelete []string) (Summary, error) {
	if err := d.runHooks(ctx, d.site.AfterUploadJobs); err != nil {
		if rbErr := d.rollback(ctx, staged); rbErr != nil {
			return Summary{}, rbErr
		}
		return Summary{}, err
	}

	ordered := append([]string(nil), staged...)
	sort.Slice(ordered, func(i, j int) bool {
		return depth(ordered[i]) < depth(ordered[j]) || (depth(ordered[i]) == depth(ordered[j]) && ordered[i] < ordered[j])
	})

	for _, relPath := range ordered {
		if err := d.cap.RenameFile(ctx, relPath+".deploytmp", relPath); err != nil {
			if rbErr := d.rollback(ctx, staged); rbErr != nil {
				return Summary{}, rbErr
			}
			return Summary{}, errors.Wrapf(err, "committing %s", relPath)
		}
	}

	// Linearization point: once this rename returns, the new
	// deployment is live. Every error after this line is a warning,
	// not a trigger for rollback (spec §7).
	if err := d.cap.RenameFile(ctx, d.manifestStaging(), d.manifestRel()); err != nil {
		if rbErr := d.rollback(ctx, staged); rbErr != nil {
			return Summary{}, rbErr
		}
		return Summary{}, errors.Wrap(err, "committing manifest")
	}

	summary := Summary{Uploaded: len(staged)}

	for _, relPath := range toDelete {
		if err := d.cap.RemoveFile(ctx, relPath); err != nil {
			d.log.RemediationHint(relPath, err, "delete failed after commit; remove manually")
			continue
		}
		summary.Deleted++
	}

	for _, dir := range d.site.PurgePaths {
		if err := d.cap.Purge(ctx, dir, func(pct int) { d.log.Progress(dir, pct) }); err != nil {
			d.log.RemediationHint(dir, err, "purge failed after commit; retry manually")
			continue
		}
		summary.Purged++
	}

	if err := d.runHooks(ctx, d.site.AfterJobs); err != nil {
		// After-hook failures are warnings per spec §7: the
		// deployment already succeeded.
		d.log.RemediationHint("after-hooks", err, "after hooks failed; deployment is still live")
	}

	d.log.Summary(summary.Uploaded, summary.Deleted, summary.Purged, summary.Skipped)
	return summary, nil
}

func depth(relPath string) int {
	return strings.Count(relPath, "/")
}

// rollback deletes every `*.deploytmp` file produced in Phase 5,
// best-effort, leaving the live state and old manifest untouched. If
// any deletion fails, it returns ErrFatalState and leaves the sentinel
// in place for operator inspection.
func (d *Deployer) rollback(ctx context.Context, staged []string) error {
	var failed []string
	for _, relPath := range staged {
		if err := d.cap.RemoveFile(ctx, relPath+".deploytmp"); err != nil {
			failed = append(failed, relPath)
		}
	}
	_ = d.cap.RemoveFile(ctx, d.manifestStaging())

	if len(failed) > 0 {
		d.log.RemediationHint(strings.Join(failed, ","), ErrFatalState, "rollback left staging files behind; remove manually and clear the .running lock")
		return errors.Wrapf(ErrFatalState, "failed to remove staged files: %s", strings.Join(failed, ","))
	}
	return nil
}
