// Package localfs implements the server.Capability contract against the
// local filesystem, for file:// targets and for exercising the Deployer
// without any network transport. No third-party transport library
// applies to a same-machine copy (see DESIGN.md); this driver is the
// one deliberately stdlib-only component of the server contract.
package localfs

import (
	"context"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/gohtdeploy/gohtdeploy/server"
)

// Options configures a new driver.
type Options struct {
	BaseDir         string
	FilePermissions fs.FileMode
	DirPermissions  fs.FileMode
}

type driver struct {
	opts Options
}

// New returns a server.Capability backed by the local filesystem.
func New(opts Options) server.Capability {
	d := &driver{opts: opts}
	return server.Capability{
		Connect:    d.connect,
		ReadFile:   d.readFile,
		WriteFile:  d.writeFile,
		RenameFile: d.renameFile,
		RemoveFile: d.removeFile,
		CreateDir:  d.createDir,
		RemoveDir:  d.removeDir,
		Purge:      d.purge,
		Chmod:      d.chmod,
		GetDir:     d.getDir,
		Execute:    d.execute,
		Close:      d.close,
	}
}

func (d *driver) abs(rel string) string {
	return filepath.Join(d.opts.BaseDir, filepath.FromSlash(rel))
}

func (d *driver) connect(ctx context.Context) error {
	if _, err := os.Stat(d.opts.BaseDir); err != nil {
		return errors.Wrap(server.ErrConnection, err.Error())
	}
	return nil
}

func (d *driver) readFile(ctx context.Context, remoteRel, localAbs string) error {
	src, err := os.Open(d.abs(remoteRel))
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(server.ErrNotFound, "%s", remoteRel)
		}
		return errors.Wrap(server.ErrTransport, err.Error())
	}
	defer src.Close()

	dst, err := os.Create(localAbs)
	if err != nil {
		return errors.Wrapf(err, "creating %s", localAbs)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return errors.Wrap(server.ErrTransport, err.Error())
	}
	return nil
}

func (d *driver) writeFile(ctx context.Context, localAbs, remoteRel string, progress server.ProgressFunc) error {
	dest := d.abs(remoteRel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrap(server.ErrTransport, err.Error())
	}

	src, err := os.Open(localAbs)
	if err != nil {
		return errors.Wrapf(err, "opening %s", localAbs)
	}
	defer src.Close()

	st, err := src.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", localAbs)
	}

	dst, err := os.Create(dest)
	if err != nil {
		return errors.Wrap(server.ErrTransport, err.Error())
	}
	defer dst.Close()

	var reader io.Reader = src
	if progress != nil {
		reader = &progressReader{r: src, total: st.Size(), report: progress}
	}

	if _, err := io.Copy(dst, reader); err != nil {
		return errors.Wrap(server.ErrTransport, err.Error())
	}

	if d.opts.FilePermissions != 0 {
		if err := os.Chmod(dest, d.opts.FilePermissions); err != nil {
			return errors.Wrap(err, "chmod after write")
		}
	}
	if progress != nil {
		progress(100)
	}
	return nil
}

// renameFile preserves the prior permissions of newRel when it exists,
// as the sftpd driver does.
func (d *driver) renameFile(ctx context.Context, oldRel, newRel string) error {
	oldPath := d.abs(oldRel)
	newPath := d.abs(newRel)

	var priorMode fs.FileMode
	var hadPrior bool
	if fi, err := os.Lstat(newPath); err == nil {
		priorMode = fi.Mode()
		hadPrior = true
	}

	if err := os.Rename(oldPath, newPath); err != nil {
		return errors.Wrap(server.ErrTransport, err.Error())
	}

	if hadPrior {
		if err := os.Chmod(newPath, priorMode); err != nil {
			return errors.Wrap(err, "restoring permissions after rename")
		}
	}
	return nil
}

func (d *driver) removeFile(ctx context.Context, rel string) error {
	if err := os.Remove(d.abs(rel)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(server.ErrTransport, err.Error())
	}
	return nil
}

func (d *driver) createDir(ctx context.Context, rel string) error {
	p := d.abs(rel)
	mode := d.opts.DirPermissions
	if mode == 0 {
		mode = 0o755
	}
	if err := os.MkdirAll(p, mode); err != nil {
		return errors.Wrap(server.ErrTransport, err.Error())
	}
	if d.opts.DirPermissions == 0 {
		return nil
	}
	return os.Chmod(p, mode)
}

func (d *driver) removeDir(ctx context.Context, rel string) error {
	if err := os.Remove(d.abs(rel)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(server.ErrTransport, err.Error())
	}
	return nil
}

// purge stages deletions by renaming every child to a unique name
// before removing it, so a failure mid-purge never leaves a
// half-deleted directory under its original names (§4.5 Purge
// contract).
func (d *driver) purge(ctx context.Context, rel string, progress server.ProgressFunc) error {
	base := d.abs(rel)
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(server.ErrTransport, err.Error())
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	staged := make([]string, 0, len(entries))
	for i, e := range entries {
		from := filepath.Join(base, e.Name())
		to := filepath.Join(base, ".purge."+strconv.Itoa(i))
		if err := os.Rename(from, to); err != nil {
			return errors.Wrap(server.ErrTransport, err.Error())
		}
		staged = append(staged, to)
	}

	for i, p := range staged {
		if err := os.RemoveAll(p); err != nil {
			return errors.Wrap(server.ErrTransport, err.Error())
		}
		if progress != nil {
			progress(((i + 1) * 100) / max(1, len(staged)))
		}
	}
	return nil
}

func (d *driver) chmod(ctx context.Context, rel string, mode fs.FileMode) error {
	if err := os.Chmod(d.abs(rel), mode); err != nil {
		return errors.Wrap(err, "chmod")
	}
	return nil
}

func (d *driver) getDir() string { return d.opts.BaseDir }

// execute runs cmd through the local shell, making the localfs driver
// usable to exercise remote-shell job plumbing in tests without a
// network stack.
func (d *driver) execute(ctx context.Context, cmd string) (string, error) {
	out, err := exec.CommandContext(ctx, "/bin/sh", "-c", cmd).CombinedOutput()
	if err != nil {
		return string(out), errors.Wrap(server.ErrTransport, err.Error())
	}
	return string(out), nil
}

func (d *driver) close() error { return nil }

type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	report server.ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.report != nil && p.total > 0 {
		p.report(int(p.read * 100 / p.total))
	}
	return n, err
}
