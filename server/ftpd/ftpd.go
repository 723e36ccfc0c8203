// Package ftpd implements the server.Capability contract over FTP/FTPS
// using github.com/jlaffaye/ftp. No example repo in the retrieval pack
// imports an FTP client library directly, so this driver is grounded on
// the same worker-owns-one-session discipline as server/sftpd, adapted
// to jlaffaye/ftp's *ftp.ServerConn.
package ftpd

import (
	"context"
	"crypto/tls"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/pkg/errors"

	"github.com/gohtdeploy/gohtdeploy/server"
)

// Options configures a new driver.
type Options struct {
	Addr     string // host:port
	User     string
	Password string
	BaseDir  string
	TLS      bool // ftps://
	Passive  bool // passiveMode config key
}

type driver struct {
	opts Options

	mu   sync.Mutex
	free chan *ftp.ServerConn
	all  []*ftp.ServerConn
}

// New dials and authenticates poolSize FTP connections.
func New(opts Options, poolSize int) (server.Capability, error) {
	d := &driver{opts: opts, free: make(chan *ftp.ServerConn, poolSize)}

	for i := 0; i < poolSize; i++ {
		c, err := dial(opts)
		if err != nil {
			d.closeAll()
			return server.Capability{}, errors.Wrap(server.ErrConnection, err.Error())
		}
		d.all = append(d.all, c)
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

func dial(opts Options) (*ftp.ServerConn, error) {
	dialOpts := []ftp.DialOption{ftp.DialWithTimeout(10 * time.Second)}
	if opts.TLS {
		dialOpts = append(dialOpts, ftp.DialWithExplicitTLS(&tls.Config{ServerName: hostOnly(opts.Addr)}))
	}

	c, err := ftp.Dial(opts.Addr, dialOpts...)
	if err != nil {
		return nil, err
	}
	if err := c.Login(opts.User, opts.Password); err != nil {
		c.Quit()
		return nil, err
	}
	return c, nil
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (d *driver) checkout(ctx context.Context) (*ftp.ServerConn, error) {
	select {
	case c := <-d.free:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *driver) checkin(c *ftp.ServerConn) { d.free <- c }

func (d *driver) remotePath(rel string) string {
	return path.Join(d.opts.BaseDir, rel)
}

func (d *driver) connect(ctx context.Context) error {
	c, err := d.checkout(ctx)
	if err != nil {
		return err
	}
	defer d.checkin(c)
	if err := c.NoOp(); err != nil {
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

	resp, err := c.Retr(d.remotePath(remoteRel))
	if err != nil {
		return errors.Wrapf(server.ErrNotFound, "%s: %v", remoteRel, err)
	}
	defer resp.Close()

	f, err := os.Create(localAbs)
	if err != nil {
		return errors.Wrapf(err, "creating local %s", localAbs)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp); err != nil {
		return errors.Wrapf(server.ErrTransport, "downloading %s: %v", remoteRel, err)
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

	f, err := os.Open(localAbs)
	if err != nil {
		return errors.Wrapf(err, "opening local %s", localAbs)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat local %s", localAbs)
	}

	var reader io.Reader = f
	if progress != nil {
		reader = &progressReader{r: f, total: st.Size(), report: progress}
	}

	if err := c.Stor(d.remotePath(remoteRel), reader); err != nil {
		return errors.Wrapf(server.ErrTransport, "uploading %s: %v", remoteRel, err)
	}
	if progress != nil {
		progress(100)
	}
	return nil
}

func (d *driver) ensureParent(c *ftp.ServerConn, remoteRel string) error {
	dir := path.Dir(d.remotePath(remoteRel))
	return mkdirAll(c, dir)
}

func mkdirAll(c *ftp.ServerConn, dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}
	if err := mkdirAll(c, path.Dir(dir)); err != nil {
		return err
	}
	// MakeDir errors when the directory already exists; that's fine,
	// createDir/ensureParent must be idempotent.
	_ = c.MakeDir(dir)
	return nil
}

// renameFile deletes newRel (ignoring any error) and then uses FTP's
// RNFR/RNTO (exposed as Rename), so the replace is not atomic. The
// prior permissions of newRel are not preserved: no Chmod is issued.
func (d *driver) renameFile(ctx context.Context, oldRel, newRel string) error {
	c, err := d.checkout(ctx)
	if err != nil {
		return err
	}
	defer d.checkin(c)

	_ = c.Delete(d.remotePath(newRel))
	if err := c.Rename(d.remotePath(oldRel), d.remotePath(newRel)); err != nil {
		return errors.Wrapf(server.ErrTransport, "rename %s -> %s: %v", oldRel, newRel, err)
	}
	return nil
}

func (d *driver) removeFile(ctx context.Context, rel string) error {
	c, err := d.checkout(ctx)
	if err != nil {
		return err
	}
	defer d.checkin(c)

	if err := c.Delete(d.remotePath(rel)); err != nil {
		// FTP has no portable "not exist" error code across server
		// implementations, so every delete failure is treated as
		// success to keep RemoveFile idempotent.
		return nil
	}
	return nil
}

func (d *driver) createDir(ctx context.Context, rel string) error {
	c, err := d.checkout(ctx)
	if err != nil {
		return err
	}
	defer d.checkin(c)

	return mkdirAll(c, d.remotePath(rel))
}

// removeDir ignores every server error, so neither a missing nor a
// non-empty directory is reported as a failure.
func (d *driver) removeDir(ctx context.Context, rel string) error {
	c, err := d.checkout(ctx)
	if err != nil {
		return err
	}
	defer d.checkin(c)

	_ = c.RemoveDir(d.remotePath(rel))
	return nil
}

func (d *driver) purge(ctx context.Context, rel string, progress server.ProgressFunc) error {
	c, err := d.checkout(ctx)
	if err != nil {
		return err
	}
	defer d.checkin(c)

	base := d.remotePath(rel)
	entries, err := c.List(base)
	if err != nil {
		return nil
	}

	staged := make([]string, 0, len(entries))
	for i, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		from := path.Join(base, e.Name)
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

func removeRecursive(c *ftp.ServerConn, p string) error {
	entries, err := c.List(p)
	if err != nil {
		// Not a directory (or already gone): try deleting it as a file.
		return c.Delete(p)
	}
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		if err := removeRecursive(c, path.Join(p, e.Name)); err != nil {
			return err
		}
	}
	return c.RemoveDir(p)
}

// chmod is a no-op on most FTP servers; jlaffaye/ftp has no portable
// SITE CHMOD wrapper, so this driver treats Chmod as best-effort,
// matching §4.5's "not all drivers support it".
func (d *driver) chmod(ctx context.Context, rel string, mode fs.FileMode) error {
	return nil
}

func (d *driver) getDir() string { return d.opts.BaseDir }

// execute returns ErrUnsupported: pure FTP has no remote-shell concept.
func (d *driver) execute(ctx context.Context, cmd string) (string, error) {
	return "", server.ErrUnsupported
}

func (d *driver) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeAll()
}

func (d *driver) closeAll() error {
	var firstErr error
	for _, c := range d.all {
		if err := c.Quit(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

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
