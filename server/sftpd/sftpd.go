// Package sftpd implements the server.Capability contract over SSH and
// SFTP. It generalizes the teacher target.Remote connection/session
// management (one *ssh.Client, a pooled *sftp.Client per active worker)
// from "push files and run apt/dpkg commands" to the deployment engine's
// staged-upload/rename/purge vocabulary.
package sftpd

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/gohtdeploy/gohtdeploy/server"
)

// Options configures a new driver.
type Options struct {
	Addr            string // host:port
	User            string
	Auth            []ssh.AuthMethod
	HostKeyCallback ssh.HostKeyCallback
	BaseDir         string // remote base path, from the site URL
	FilePermissions fs.FileMode // 0 = leave driver default
	DirPermissions  fs.FileMode
}

// driver holds the live session state. One driver is shared by the
// worker pool; each worker checks out a *sftp.Client from the pool for
// the lifetime of its task, since sftp.Client is not assumed safe for
// concurrent use by multiple goroutines issuing unrelated operations.
type driver struct {
	opts Options

	mu      sync.Mutex
	conn    *ssh.Client
	clients []*sftp.Client
	free    chan *sftp.Client
}

// New dials the SSH server and returns a server.Capability backed by
// SFTP. poolSize bounds the number of concurrent *sftp.Client sessions
// (should match the Deployer's upload worker bound).
func New(opts Options, poolSize int) (server.Capability, error) {
	d := &driver{opts: opts}

	cc := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            opts.Auth,
		HostKeyCallback: opts.HostKeyCallback,
	}

	conn, err := ssh.Dial("tcp", opts.Addr, cc)
	if err != nil {
		return server.Capability{}, errors.Wrapf(server.ErrConnection, "dial %s: %v", opts.Addr, err)
	}
	d.conn = conn

	d.free = make(chan *sftp.Client, poolSize)
	for i := 0; i < poolSize; i++ {
		c, err := sftp.NewClient(conn)
		if err != nil {
			d.closeAll()
			return server.Capability{}, errors.Wrap(err, "starting sftp session")
		}
		d.clients = append(d.clients, c)
		d.free <- c
	}

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
	}, nil
}

func (d *driver) checkout(ctx context.Context) (*sftp.Client, error) {
	select {
	case c := <-d.free:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *driver) checkin(c *sftp.Client) {
	d.free <- c
}

func (d *driver) remotePath(rel string) string {
	return path.Join(d.opts.BaseDir, rel)
}

func (d *driver) connect(ctx context.Context) error {
	// Dial already happened in New; Connect is a no-op liveness check
	// so the Deployer's Phase 0 retry loop has something to call.
	_, _, err := d.conn.SendRequest("keepalive@gohtdeploy", true, nil)
	if err != nil {
		return errors.Wrap(server.ErrConnection, err.Error())
	}
	return nil
}

func (d *driver) readFile(ctx context.Context, remoteRel, localAbs string) error {
	c, err := d.checkout(ctx)
	if err != nil {
		return err
	}
	defer d.checkin(c)

	src, err := c.Open(d.remotePath(remoteRel))
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(server.ErrNotFound, "%s", remoteRel)
		}
		return errors.Wrapf(server.ErrTransport, "open %s: %v", remoteRel, err)
	}
	defer src.Close()

	dst, err := os.Create(localAbs)
	if err != nil {
		return errors.Wrapf(err, "creating local %s", localAbs)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return errors.Wrapf(server.ErrTransport, "copying %s: %v", remoteRel, err)
	}
	return nil
}

func (d *driver) writeFile(ctx context.Context, localAbs, remoteRel string, progress server.ProgressFunc) error {
	c, err := d.checkout(ctx)
	if err != nil {
		return err
	}
	defer d.checkin(c)

	if err := d.ensureParent(c, remoteRel); err != nil {
		return err
	}

	src, err := os.Open(localAbs)
	if err != nil {
		return errors.Wrapf(err, "opening local %s", localAbs)
	}
	defer src.Close()

	st, err := src.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat local %s", localAbs)
	}

	dst, err := c.Create(d.remotePath(remoteRel))
	if err != nil {
		return errors.Wrapf(server.ErrTransport, "create %s: %v", remoteRel, err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, &progressReader{r: src, total: st.Size(), report: progress})
	if err != nil {
		return errors.Wrapf(server.ErrTransport, "writing %s: %v", remoteRel, err)
	}
	if n != st.Size() {
		return errors.Wrapf(server.ErrTransport, "wrote %d of %d bytes to %s", n, st.Size(), remoteRel)
	}

	if d.opts.FilePermissions != 0 {
		if err := c.Chmod(d.remotePath(remoteRel), d.opts.FilePermissions); err != nil {
			return errors.Wrap(err, "chmod after write")
		}
	}
	if progress != nil {
		progress(100)
	}
	return nil
}

func (d *driver) ensureParent(c *sftp.Client, remoteRel string) error {
	dir := path.Dir(d.remotePath(remoteRel))
	if err := c.MkdirAll(dir); err != nil {
		return errors.Wrapf(server.ErrTransport, "mkdir %s: %v", dir, err)
	}
	return nil
}

// renameFile preserves the prior permissions of newRel when it exists,
// per spec §9 open question (a): the spec requires preservation, not the
// remove-then-recreate step the source used to achieve it. PosixRename
// is tried first because it replaces the target atomically without
// requiring us to remove it ourselves.
func (d *driver) renameFile(ctx context.Context, oldRel, newRel string) error {
	c, err := d.checkout(ctx)
	if err != nil {
		return err
	}
	defer d.checkin(c)

	oldPath := d.remotePath(oldRel)
	newPath := d.remotePath(newRel)

	var priorMode fs.FileMode
	var hadPrior bool
	if fi, err := c.Lstat(newPath); err == nil {
		priorMode = fi.Mode()
		hadPrior = true
	}

	if err := c.PosixRename(oldPath, newPath); err != nil {
		// Fall back to remove+rename for servers without the POSIX
		// rename extension.
		_ = c.Remove(newPath)
		if err := c.Rename(oldPath, newPath); err != nil {
			return errors.Wrapf(server.ErrTransport, "rename %s -> %s: %v", oldRel, newRel, err)
		}
	}

	if hadPrior {
		if err := c.Chmod(newPath, priorMode); err != nil {
			return errors.Wrap(err, "restoring permissions after rename")
		}
	}
	return nil
}

func (d *driver) removeFile(ctx context.Context, rel string) error {
	c, err := d.checkout(ctx)
	if err != nil {
		return err
	}
	defer d.checkin(c)

	if err := c.Remove(d.remotePath(rel)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(server.ErrTransport, "remove %s: %v", rel, err)
	}
	return nil
}

func (d *driver) createDir(ctx context.Context, rel string) error {
	c, err := d.checkout(ctx)
	if err != nil {
		return err
	}
	defer d.checkin(c)

	p := d.remotePath(rel)
	if err := c.MkdirAll(p); err != nil {
		return errors.Wrapf(server.ErrTransport, "mkdir %s: %v", rel, err)
	}
	if d.opts.DirPermissions != 0 {
		if err := c.Chmod(p, d.opts.DirPermissions); err != nil {
			return errors.Wrap(err, "chmod dir")
		}
	}
	return nil
}

func (d *driver) removeDir(ctx context.Context, rel string) error {
	c, err := d.checkout(ctx)
	if err != nil {
		return err
	}
	defer d.checkin(c)

	if err := c.RemoveDirectory(d.remotePath(rel)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(server.ErrTransport, "rmdir %s: %v", rel, err)
	}
	return nil
}

// purge recursively empties rel by first renaming every child to a
// unique name, then removing the renamed children, so a failure
// mid-purge never leaves a half-deleted directory under its original
// names.
func (d *driver) purge(ctx context.Context, rel string, progress server.ProgressFunc) error {
	c, err := d.checkout(ctx)
	if err != nil {
		return err
	}
	defer d.checkin(c)

	base := d.remotePath(rel)
	entries, err := c.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(server.ErrTransport, "readdir %s: %v", rel, err)
	}

	staged := make([]string, 0, len(entries))
	for i, e := range entries {
		from := path.Join(base, e.Name())
		to := path.Join(base, ".purge."+strconv.Itoa(i))
		if err := c.Rename(from, to); err != nil {
			return errors.Wrapf(server.ErrTransport, "staging purge of %s: %v", from, err)
		}
		staged = append(staged, to)
	}

	for i, p := range staged {
		if err := removeRecursive(c, p); err != nil {
			return errors.Wrapf(server.ErrTransport, "purging %s: %v", p, err)
		}
		if progress != nil {
			progress(((i + 1) * 100) / max(1, len(staged)))
		}
	}
	return nil
}

func removeRecursive(c *sftp.Client, p string) error {
	fi, err := c.Lstat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !fi.IsDir() {
		return c.Remove(p)
	}
	entries, err := c.ReadDir(p)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := removeRecursive(c, path.Join(p, e.Name())); err != nil {
			return err
		}
	}
	return c.RemoveDirectory(p)
}

func (d *driver) chmod(ctx context.Context, rel string, mode fs.FileMode) error {
	c, err := d.checkout(ctx)
	if err != nil {
		return err
	}
	defer d.checkin(c)

	if err := c.Chmod(d.remotePath(rel), mode); err != nil {
		return errors.Wrap(err, "chmod")
	}
	return nil
}

func (d *driver) getDir() string {
	return d.opts.BaseDir
}

// execute runs cmd on the remote shell, generalizing the teacher's
// target.Remote.run from fixed apt/dpkg/id commands to arbitrary
// remote-shell hook jobs.
func (d *driver) execute(ctx context.Context, cmd string) (string, error) {
	session, err := d.conn.NewSession()
	if err != nil {
		return "", errors.Wrap(server.ErrTransport, "opening ssh session")
	}
	defer session.Close()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Run(cmd); err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return stdout.String(), errors.Wrapf(server.ErrTransport, "command exited %d: %s", exitErr.Waitmsg.ExitStatus(), stderr.String())
		}
		return stdout.String(), errors.Wrap(server.ErrTransport, err.Error())
	}
	return stdout.String(), nil
}

func (d *driver) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeAll()
}

func (d *driver) closeAll() error {
	var firstErr error
	for _, c := range d.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.conn != nil {
		if err := d.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// progressReader reports cumulative percent read, matching server's
// "invokes progress(percent) monotonically in 0..100" contract.
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

