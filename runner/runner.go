package runner

import (
	"bytes"
	"context"
	"net/http"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/gohtdeploy/gohtdeploy/server"
)

// Result reports the outcome of running one Job.
type Result struct {
	OK     bool
	Output string
	Err    error
}

// Deps are the capabilities a Job needs to run, injected by the
// Deployer so runner stays free of any direct dependency on config or
// deploy.
type Deps struct {
	LocalRoot string
	Server    server.Capability
	// HTTPClient defaults to http.DefaultClient when nil.
	HTTPClient *http.Client
}

// Run executes job and reports success/failure, per the per-kind
// contract in spec §4.6.
func Run(ctx context.Context, job Job, deps Deps) Result {
	switch job.Kind {
	case KindLocalShell:
		return runLocalShell(ctx, job, deps)
	case KindRemoteShell:
		return runRemoteShell(ctx, job, deps)
	case KindHTTPGet:
		return runHTTPGet(ctx, job, deps)
	case KindUploadCopy:
		return runUploadCopy(ctx, job, deps)
	default:
		return Result{OK: false, Err: errors.Errorf("unknown job kind for %q", job.Raw)}
	}
}

// runLocalShell spawns cmd with inherited environment and localRoot as
// the working directory; a non-zero exit is failure.
func runLocalShell(ctx context.Context, job Job, deps Deps) Result {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", job.Cmd)
	cmd.Dir = deps.LocalRoot

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return Result{OK: false, Output: out.String(), Err: errors.Wrapf(err, "local job %q", job.Cmd)}
	}
	return Result{OK: true, Output: out.String()}
}

// runRemoteShell delegates to the driver's Execute, per §4.6.
func runRemoteShell(ctx context.Context, job Job, deps Deps) Result {
	if deps.Server.Execute == nil {
		return Result{OK: false, Err: errors.Errorf("driver does not support remote-shell jobs")}
	}
	out, err := deps.Server.Execute(ctx, job.Cmd)
	if err != nil {
		return Result{OK: false, Output: out, Err: errors.Wrapf(err, "remote job %q", job.Cmd)}
	}
	return Result{OK: true, Output: out}
}

// runHTTPGet succeeds on any 2xx response, capturing the body.
func runHTTPGet(ctx context.Context, job Job, deps Deps) Result {
	client := deps.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return Result{OK: false, Err: errors.Wrapf(err, "building request for %s", job.URL)}
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{OK: false, Err: errors.Wrapf(err, "GET %s", job.URL)}
	}
	defer resp.Body.Close()

	var body bytes.Buffer
	body.ReadFrom(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{OK: false, Output: body.String(), Err: errors.Errorf("GET %s returned status %d", job.URL, resp.StatusCode)}
	}
	return Result{OK: true, Output: body.String()}
}

// runUploadCopy resolves srcRel under localRoot and writes it to dstRel
// via the driver's WriteFile.
func runUploadCopy(ctx context.Context, job Job, deps Deps) Result {
	if deps.Server.WriteFile == nil {
		return Result{OK: false, Err: errors.Errorf("driver does not support upload-copy jobs")}
	}
	localAbs := filepath.Join(deps.LocalRoot, filepath.FromSlash(job.SrcRel))
	if err := deps.Server.WriteFile(ctx, localAbs, job.DstRel, nil); err != nil {
		return Result{OK: false, Err: errors.Wrapf(err, "upload-copy %s -> %s", job.SrcRel, job.DstRel)}
	}
	return Result{OK: true}
}
