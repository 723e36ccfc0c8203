// Package server defines the capability contract every transport driver
// (FTP, FTPS, SFTP, local filesystem) must satisfy (spec §4.5). It is a
// field-of-functions record rather than an interface, per the "Driver
// polymorphism" redesign note: a test can substitute individual
// operations without building a whole fake type.
package server

import (
	"context"
	"io/fs"
)

// ProgressFunc is invoked monotonically with a percent in [0, 100] while
// a transfer is in flight.
type ProgressFunc func(percent int)

// Capability is the set of operations the Deployer drives every driver
// through. All remoteRel arguments are absolute under the server base
// path; drivers prepend GetDir() internally.
type Capability struct {
	// Connect establishes or checks the session. It never prompts: the
	// STDIN password sentinel is resolved before the driver is built.
	Connect func(ctx context.Context) error

	// ReadFile downloads remoteRel to localAbs.
	ReadFile func(ctx context.Context, remoteRel, localAbs string) error

	// WriteFile uploads localAbs to remoteRel, invoking progress as
	// bytes move, and applies filePermissions when the driver was
	// configured with one.
	WriteFile func(ctx context.Context, localAbs, remoteRel string, progress ProgressFunc) error

	// RenameFile performs an atomic rename within the server when
	// possible. If newRel exists it is replaced; its permissions are
	// preserved onto the new file.
	RenameFile func(ctx context.Context, oldRel, newRel string) error

	// RemoveFile is idempotent: a missing file is not an error.
	RemoveFile func(ctx context.Context, rel string) error

	// CreateDir recursively and idempotently ensures rel exists,
	// applying dirPermissions when configured.
	CreateDir func(ctx context.Context, rel string) error

	// RemoveDir is idempotent on a missing directory; fails if rel is
	// non-empty (use Purge to empty a directory first).
	RemoveDir func(ctx context.Context, rel string) error

	// Purge recursively empties rel. Implementations should stage
	// deletions by renaming children to unique names first so a
	// failure mid-purge does not leave partial user-visible state.
	Purge func(ctx context.Context, rel string, progress ProgressFunc) error

	// Chmod is best-effort; not every driver supports it.
	Chmod func(ctx context.Context, rel string, mode fs.FileMode) error

	// GetDir returns the remote base path parsed from the site URL.
	GetDir func() string

	// Execute runs cmd on the remote and returns stdout. The FTP driver
	// has no remote-shell concept and returns ErrUnsupported; the local
	// driver runs cmd through the local shell.
	Execute func(ctx context.Context, cmd string) (string, error)

	// Close releases any pooled connections held by the driver.
	Close func() error
}
